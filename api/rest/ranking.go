package rest

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kizunalab/kizuna-server/cache"
	"github.com/kizunalab/kizuna-server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RankingHandler serves the community leaderboard of longest-running
// journeys. Identities stay first-name only on this surface.
type RankingHandler struct {
	db     *gorm.DB
	cache  cache.Cache
	logger *zap.Logger
}

// NewRankingHandler creates a RankingHandler.
func NewRankingHandler(db *gorm.DB, c cache.Cache, logger *zap.Logger) *RankingHandler {
	return &RankingHandler{db: db, cache: c, logger: logger}
}

const rankingZKey = "ranking:days"
const rankingTop = 100

// RankEntry is one row in the leaderboard.
type RankEntry struct {
	Rank           int    `json:"rank"`
	RelationshipID int64  `json:"relationship_id"`
	InitiatorName  string `json:"initiator_name"`
	PartnerName    string `json:"partner_name"`
	Stage          string `json:"stage"`
	DaysTogether   int    `json:"days_together"`
}

// TopDays returns the longest-running relationships.
// GET /api/ranking/days?limit=20
func (h *RankingHandler) TopDays(c *gin.Context) {
	limit := 20
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= rankingTop {
		limit = l
	}

	// Try cached ranking from sorted set.
	ctx := c.Request.Context()
	members, err := h.cache.ZRevRange(ctx, rankingZKey, 0, int64(limit-1))
	if err == nil && len(members) > 0 {
		entries := make([]RankEntry, 0, len(members))
		for i, m := range members {
			relID, err := strconv.ParseInt(m, 10, 64)
			if err != nil {
				continue
			}
			score, _ := h.cache.ZScore(ctx, rankingZKey, m)
			entries = append(entries, RankEntry{
				Rank:           i + 1,
				RelationshipID: relID,
				DaysTogether:   int(score),
			})
		}
		h.enrich(entries)
		c.JSON(http.StatusOK, gin.H{"ranking": entries})
		return
	}

	// Fall back to DB query.
	var rels []model.Relationship
	h.db.Where("status <> ?", model.RelationshipEnded).
		Order("started_at ASC").
		Limit(limit).
		Find(&rels)

	entries := make([]RankEntry, len(rels))
	for i, rel := range rels {
		days := daysTogether(rel.StartedAt)
		entries[i] = RankEntry{
			Rank:           i + 1,
			RelationshipID: rel.ID,
			Stage:          rel.CurrentStage,
			DaysTogether:   days,
		}
		// Refresh cache entry.
		_ = h.cache.ZAdd(ctx, rankingZKey, float64(days), strconv.FormatInt(rel.ID, 10))
	}
	h.enrich(entries)
	c.JSON(http.StatusOK, gin.H{"ranking": entries})
}

// RefreshRanking rebuilds the ranking sorted set from the DB.
// Exposed as POST /api/admin/ranking/refresh.
func (h *RankingHandler) RefreshRanking(c *gin.Context) {
	n, err := h.Refresh(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": n})
}

// Refresh rebuilds the sorted set. Called periodically by the scheduler.
func (h *RankingHandler) Refresh(ctx context.Context) (int, error) {
	var rels []model.Relationship
	err := h.db.Select("id, started_at").
		Where("status <> ?", model.RelationshipEnded).
		Order("started_at ASC").
		Limit(rankingTop).
		Find(&rels).Error
	if err != nil {
		return 0, err
	}
	for _, rel := range rels {
		_ = h.cache.ZAdd(ctx, rankingZKey, float64(daysTogether(rel.StartedAt)), strconv.FormatInt(rel.ID, 10))
	}
	return len(rels), nil
}

func (h *RankingHandler) enrich(entries []RankEntry) {
	if len(entries) == 0 {
		return
	}
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.RelationshipID
	}
	var rels []model.Relationship
	h.db.Where("id IN ?", ids).Find(&rels)
	relMap := make(map[int64]model.Relationship, len(rels))
	accountIDs := make([]int64, 0, len(rels)*2)
	for _, rel := range rels {
		relMap[rel.ID] = rel
		accountIDs = append(accountIDs, rel.InitiatorID, rel.PartnerID)
	}
	var accounts []model.Account
	h.db.Select("id, display_name").Where("id IN ?", accountIDs).Find(&accounts)
	nameMap := make(map[int64]string, len(accounts))
	for _, acc := range accounts {
		nameMap[acc.ID] = acc.DisplayName
	}
	for i := range entries {
		rel, ok := relMap[entries[i].RelationshipID]
		if !ok {
			continue
		}
		entries[i].Stage = rel.CurrentStage
		entries[i].InitiatorName = nameMap[rel.InitiatorID]
		entries[i].PartnerName = nameMap[rel.PartnerID]
		entries[i].DaysTogether = daysTogether(rel.StartedAt)
	}
}

func daysTogether(startedAt time.Time) int {
	return int(time.Since(startedAt).Hours() / 24)
}
