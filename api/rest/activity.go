package rest

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kizunalab/kizuna-server/model"
	"github.com/kizunalab/kizuna-server/notify"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ActivityHandler ingests activity records from the collaborating chat,
// calendar and call services. Routes using it sit behind the service key.
type ActivityHandler struct {
	db        *gorm.DB
	publisher *notify.Publisher
	logger    *zap.Logger
}

// NewActivityHandler creates an ActivityHandler.
func NewActivityHandler(db *gorm.DB, publisher *notify.Publisher, logger *zap.Logger) *ActivityHandler {
	return &ActivityHandler{db: db, publisher: publisher, logger: logger}
}

type recordActivityRequest struct {
	Kind string `json:"kind" binding:"required"`
	Day  string `json:"day"  binding:"required"`
}

var validActivityKinds = map[string]bool{
	model.ActivityChatDay: true,
	model.ActivityShared:  true,
	model.ActivityCall:    true,
}

// Record handles POST /api/service/relationships/:id/activities.
// Chat days are deduplicated per calendar day; shared activities and calls
// count each occurrence.
func (h *ActivityHandler) Record(c *gin.Context) {
	relID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var req recordActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !validActivityKinds[req.Kind] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown activity kind"})
		return
	}
	if _, err := time.Parse("2006-01-02", req.Day); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "day must be YYYY-MM-DD"})
		return
	}

	var rel model.Relationship
	if err := h.db.First(&rel, relID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "relationship not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	if rel.Status != model.RelationshipActive {
		c.JSON(http.StatusBadRequest, gin.H{"error": "relationship is not active"})
		return
	}

	record := &model.ActivityRecord{
		RelationshipID: relID,
		Kind:           req.Kind,
		Day:            req.Day,
	}
	if req.Kind == model.ActivityChatDay {
		res := h.db.Where(model.ActivityRecord{
			RelationshipID: relID,
			Kind:           model.ActivityChatDay,
			Day:            req.Day,
		}).FirstOrCreate(record)
		if res.Error != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if res.RowsAffected == 0 {
			c.JSON(http.StatusOK, gin.H{"recorded": false, "activity": record})
			return
		}
	} else {
		if err := h.db.Create(record).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
	}

	// Nudge watchers so the requirement counts refresh without polling.
	if h.publisher != nil {
		h.publisher.SignalChanged(c.Request.Context(), relID)
	}
	h.logger.Debug("activity recorded",
		zap.Int64("relationship_id", relID),
		zap.String("kind", req.Kind),
		zap.String("day", req.Day))
	c.JSON(http.StatusCreated, gin.H{"recorded": true, "activity": record})
}
