package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kizunalab/kizuna-server/journey"
	"github.com/kizunalab/kizuna-server/model"
	"github.com/kizunalab/kizuna-server/scheduler"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AdminHandler handles admin-only REST endpoints.
// Routes should be protected by AdminAuth middleware.
type AdminHandler struct {
	db     *gorm.DB
	engine *journey.Engine
	sched  *scheduler.Scheduler
	logger *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(db *gorm.DB, engine *journey.Engine, sched *scheduler.Scheduler, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{db: db, engine: engine, sched: sched, logger: logger}
}

type createRelationshipRequest struct {
	InitiatorID int64 `json:"initiator_id" binding:"required"`
	PartnerID   int64 `json:"partner_id"   binding:"required"`
}

// CreateRelationship registers a relationship approved by the matching
// process. The initiator must hold the younger role, the partner the elder.
// POST /api/admin/relationships
func (h *AdminHandler) CreateRelationship(c *gin.Context) {
	var req createRelationshipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var accounts []model.Account
	if err := h.db.Where("id IN ?", []int64{req.InitiatorID, req.PartnerID}).Find(&accounts).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	roles := make(map[int64]string, len(accounts))
	for _, acc := range accounts {
		roles[acc.ID] = acc.Role
	}
	if roles[req.InitiatorID] == "" || roles[req.PartnerID] == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "both accounts must exist"})
		return
	}
	if roles[req.InitiatorID] != model.RoleYounger || roles[req.PartnerID] != model.RoleElder {
		c.JSON(http.StatusBadRequest, gin.H{"error": "initiator must be younger, partner must be elder"})
		return
	}

	// One active journey per pair.
	var existing []model.Relationship
	h.db.Select("id").
		Where("initiator_id = ? AND partner_id = ? AND status = ?",
			req.InitiatorID, req.PartnerID, model.RelationshipActive).
		Find(&existing)
	if len(existing) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "an active relationship already exists for this pair"})
		return
	}

	rel, err := h.engine.CreateRelationship(c.Request.Context(), req.InitiatorID, req.PartnerID)
	if err != nil {
		if journey.IsValidation(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	c.JSON(http.StatusCreated, rel)
}

// ListRelationships returns all relationships, optionally filtered by status.
// GET /api/admin/relationships?status=0
func (h *AdminHandler) ListRelationships(c *gin.Context) {
	q := h.db.Order("id")
	if s := c.Query("status"); s != "" {
		status, err := strconv.Atoi(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
		q = q.Where("status = ?", status)
	}
	var rels []model.Relationship
	if err := q.Find(&rels).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"relationships": rels, "count": len(rels)})
}

// ForceEvaluate triggers an immediate evaluation for one relationship,
// useful after backfilling activity data.
// POST /api/admin/relationships/:id/evaluate
func (h *AdminHandler) ForceEvaluate(c *gin.Context) {
	relID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	snap, err := h.engine.Evaluate(c.Request.Context(), relID)
	if err != nil {
		if errors.Is(err, journey.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "relationship not found"})
			return
		}
		h.logger.Error("admin evaluate failed", zap.Int64("relationship_id", relID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stage":        snap.Stage,
		"progress":     snap.Progress,
		"requirements": snap.Requirements,
		"cooling_off":  snap.CoolingOff,
	})
}

// Metrics returns journey health counts.
// GET /api/admin/metrics
func (h *AdminHandler) Metrics(c *gin.Context) {
	counts := make(map[string]int64, 4)
	for status, label := range map[int]string{
		model.RelationshipActive:    "active",
		model.RelationshipCompleted: "completed",
		model.RelationshipEnded:     "ended",
	} {
		var n int64
		h.db.Model(&model.Relationship{}).Where("status = ?", status).Count(&n)
		counts[label] = n
	}
	var frozen int64
	h.db.Model(&model.Relationship{}).
		Where("is_frozen = ? AND status = ?", true, model.RelationshipActive).
		Count(&frozen)

	c.JSON(http.StatusOK, gin.H{
		"relationships":   counts,
		"frozen":          frozen,
		"scheduler_tasks": h.sched.ListTickers(),
	})
}

// BanAccount bans or unbans an account.
// POST /api/admin/accounts/:id/ban
func (h *AdminHandler) BanAccount(c *gin.Context) {
	accountID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var req struct {
		Ban bool `json:"ban"`
	}
	_ = c.ShouldBindJSON(&req)

	status := 1
	if req.Ban {
		status = 0
	}
	result := h.db.Model(&model.Account{}).Where("id = ?", accountID).Update("status", status)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": status})
}

// ListSchedulerTasks returns names of all registered ticker tasks.
// GET /api/admin/scheduler
func (h *AdminHandler) ListSchedulerTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.sched.ListTickers()})
}

// AdminAuth returns a middleware that checks the X-Admin-Key header.
// WARNING: if adminKey is empty all admin endpoints are disabled (503) so the
// server cannot be accidentally deployed without protection. Set a non-empty
// server.admin_key in config to enable admin routes.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"error": "admin endpoints disabled: set server.admin_key in config"})
			return
		}
		key := c.GetHeader("X-Admin-Key")
		if key != adminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
