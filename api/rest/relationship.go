package rest

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kizunalab/kizuna-server/audit"
	"github.com/kizunalab/kizuna-server/journey"
	mw "github.com/kizunalab/kizuna-server/middleware"
	"github.com/kizunalab/kizuna-server/model"
	"github.com/kizunalab/kizuna-server/notify"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RelationshipHandler handles journey REST endpoints.
type RelationshipHandler struct {
	db        *gorm.DB
	engine    *journey.Engine
	features  *journey.FeatureResolver
	publisher *notify.Publisher
	audit     *audit.Service
	logger    *zap.Logger
}

// NewRelationshipHandler creates a RelationshipHandler.
func NewRelationshipHandler(db *gorm.DB, engine *journey.Engine, features *journey.FeatureResolver, publisher *notify.Publisher, auditSvc *audit.Service, logger *zap.Logger) *RelationshipHandler {
	return &RelationshipHandler{
		db:        db,
		engine:    engine,
		features:  features,
		publisher: publisher,
		audit:     auditSvc,
		logger:    logger,
	}
}

// List handles GET /api/relationships.
func (h *RelationshipHandler) List(c *gin.Context) {
	accountID := mw.GetAccountID(c)
	var rels []model.Relationship
	err := h.db.Where("initiator_id = ? OR partner_id = ?", accountID, accountID).
		Order("id").
		Find(&rels).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"relationships": rels})
}

// Status handles GET /api/relationships/:id/status. Reads run a full
// evaluation, so expired cooling-off windows resolve on access.
func (h *RelationshipHandler) Status(c *gin.Context) {
	rel, ok := h.authorize(c)
	if !ok {
		return
	}

	snap, err := h.engine.Evaluate(c.Request.Context(), rel.ID)
	if err != nil {
		h.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"relationship": snap.Relationship,
		"stage":        snap.Stage,
		"progress":     snap.Progress,
		"requirements": snap.Requirements,
		"cooling_off":  snap.CoolingOff,
		"stale":        snap.Stale,
		"features":     h.resolveFeatures(snap),
	})
}

// SignOff handles POST /api/relationships/:id/requirements/:key/signoff.
func (h *RelationshipHandler) SignOff(c *gin.Context) {
	rel, ok := h.authorize(c)
	if !ok {
		return
	}
	accountID := mw.GetAccountID(c)
	key := c.Param("key")
	start := time.Now()

	status, snap, err := h.engine.SignOff(c.Request.Context(), rel.ID, key, accountID)
	h.auditAction(c, accountID, rel.ID, "requirement.signoff",
		gin.H{"requirement_key": key}, status, err, start)
	if err != nil {
		h.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"signing_status": status,
		"stage":          snap.Stage,
		"progress":       snap.Progress,
		"requirements":   snap.Requirements,
	})
}

type withdrawalRequest struct {
	Reason string `json:"reason" binding:"max=2000"`
}

// Withdraw handles POST /api/relationships/:id/withdrawal. Either party may
// start the cooling-off period; there is no cancel endpoint, the window
// either lapses or the requester ends the relationship.
func (h *RelationshipHandler) Withdraw(c *gin.Context) {
	rel, ok := h.authorize(c)
	if !ok {
		return
	}
	accountID := mw.GetAccountID(c)

	// The reason body is optional.
	var req withdrawalRequest
	_ = c.ShouldBindJSON(&req)
	start := time.Now()

	snap, err := h.engine.RequestWithdrawal(c.Request.Context(), rel.ID, accountID, req.Reason)
	h.auditAction(c, accountID, rel.ID, "withdrawal.request", req, snap, err, start)
	if err != nil {
		h.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"relationship": snap.Relationship,
		"stage":        snap.Stage,
		"progress":     snap.Progress,
		"cooling_off":  snap.CoolingOff,
	})
}

// End handles POST /api/relationships/:id/end. Only the party who requested
// the withdrawal may confirm the end, and only inside the cooling-off window.
func (h *RelationshipHandler) End(c *gin.Context) {
	rel, ok := h.authorize(c)
	if !ok {
		return
	}
	accountID := mw.GetAccountID(c)
	start := time.Now()

	snap, err := h.engine.EndRelationship(c.Request.Context(), rel.ID, accountID)
	h.auditAction(c, accountID, rel.ID, "relationship.end", nil, snap, err, start)
	if err != nil {
		h.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"relationship": snap.Relationship,
		"stage":        snap.Stage,
	})
}

// Features handles GET /api/relationships/:id/features.
func (h *RelationshipHandler) Features(c *gin.Context) {
	rel, ok := h.authorize(c)
	if !ok {
		return
	}

	snap, err := h.engine.Evaluate(c.Request.Context(), rel.ID)
	if err != nil {
		h.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"features": h.resolveFeatures(snap),
		"frozen":   snap.Relationship.IsFrozen,
	})
}

// resolveFeatures applies the unlock ladder to a snapshot. Completed and
// ended relationships expose no features; Status and Features report the
// same set.
func (h *RelationshipHandler) resolveFeatures(snap *journey.Snapshot) []journey.FeatureKey {
	if snap.Relationship.Status != model.RelationshipActive {
		return []journey.FeatureKey{}
	}
	return h.features.Resolve(snap.Stage, snap.Relationship.IsFrozen)
}

// Events handles GET /api/relationships/:id/events?limit=50.
func (h *RelationshipHandler) Events(c *gin.Context) {
	rel, ok := h.authorize(c)
	if !ok {
		return
	}
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 200 {
		limit = l
	}

	var events []model.RelationshipEvent
	err := h.db.Where("relationship_id = ?", rel.ID).
		Order("id DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// authorize loads the relationship from the :id path param and checks that
// the authenticated account is one of its two parties.
func (h *RelationshipHandler) authorize(c *gin.Context) (*model.Relationship, bool) {
	accountID := mw.GetAccountID(c)
	relID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return nil, false
	}

	var rel model.Relationship
	if err := h.db.First(&rel, relID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "relationship not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return nil, false
	}
	if !rel.Member(accountID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a party to this relationship"})
		return nil, false
	}
	return &rel, true
}

// writeEngineError maps engine errors onto HTTP status codes. Version
// conflicts that survive the engine's own retries come back as 409 so the
// client retries; invariant violations are server faults and get logged.
func (h *RelationshipHandler) writeEngineError(c *gin.Context, err error) {
	switch {
	case journey.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, journey.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "relationship not found"})
	case errors.Is(err, journey.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent update, retry"})
	case journey.IsInvariant(err):
		h.logger.Error("invariant violation",
			zap.String("trace_id", mw.GetTraceID(c)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		h.logger.Error("engine error",
			zap.String("trace_id", mw.GetTraceID(c)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *RelationshipHandler) auditAction(c *gin.Context, accountID, relationshipID int64, action string, req, resp interface{}, err error, start time.Time) {
	if h.audit == nil {
		return
	}
	entry := audit.AuditEntry{
		TraceID:        mw.GetTraceID(c),
		AccountID:      &accountID,
		RelationshipID: &relationshipID,
		Action:         action,
		Request:        req,
		Response:       resp,
		IP:             c.ClientIP(),
		DurationMs:     int(time.Since(start).Milliseconds()),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	h.audit.Log(entry)
}
