package journey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kizunalab/kizuna-server/cache"
	"github.com/kizunalab/kizuna-server/metrics"
	"github.com/kizunalab/kizuna-server/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// maxRetries bounds the optimistic retry loop on version conflicts.
const maxRetries = 3

// EventSink receives committed engine events for fan-out. The engine writes
// the outbox row transactionally; delivery is the sink's concern.
type EventSink interface {
	Publish(ctx context.Context, ev *model.RelationshipEvent)
}

// CoolingOffStatus is the countdown view of an active cooling-off period.
type CoolingOffStatus struct {
	StartedAt        time.Time `json:"started_at"`
	EndsAt           time.Time `json:"ends_at"`
	RemainingSeconds int64     `json:"remaining_seconds"`
	Reason           string    `json:"reason"`
	RequestedBy      int64     `json:"requested_by"`
}

// Snapshot is the engine's read model of one relationship: current stage,
// checklist, progress and freeze status at one logical instant.
type Snapshot struct {
	Relationship *model.Relationship `json:"relationship"`
	Stage        Stage               `json:"stage"`
	Progress     int                 `json:"progress"`
	Requirements []RequirementState  `json:"requirements"`
	CoolingOff   *CoolingOffStatus   `json:"cooling_off,omitempty"`
	Stale        bool                `json:"stale,omitempty"`
}

// Engine owns a relationship's stage progression: it evaluates requirements,
// performs computed (never requested) stage transitions, and resolves
// cooling-off periods lazily at read time. All mutations are serialized per
// relationship through the Version column: conditional writes retry from a
// fresh read on conflict.
type Engine struct {
	db         *gorm.DB
	defs       *Defs
	evaluator  *Evaluator
	cache      cache.Cache
	sink       EventSink
	coolingOff time.Duration
	logger     *zap.Logger
}

// NewEngine creates an Engine. coolingOff <= 0 defaults to 24 hours.
func NewEngine(db *gorm.DB, defs *Defs, source metrics.Source, c cache.Cache, sink EventSink, coolingOff time.Duration, logger *zap.Logger) *Engine {
	if coolingOff <= 0 {
		coolingOff = 24 * time.Hour
	}
	return &Engine{
		db:         db,
		defs:       defs,
		evaluator:  NewEvaluator(defs, source, logger),
		cache:      c,
		sink:       sink,
		coolingOff: coolingOff,
		logger:     logger,
	}
}

// Defs exposes the engine's requirement definition set.
func (e *Engine) Defs() *Defs { return e.defs }

// CreateRelationship registers an approved match and seeds the first stage's
// requirement rows so the checklist renders immediately.
func (e *Engine) CreateRelationship(ctx context.Context, initiatorID, partnerID int64) (*model.Relationship, error) {
	if initiatorID == partnerID {
		return nil, validationf("a relationship needs two distinct parties")
	}
	rel := &model.Relationship{
		InitiatorID:  initiatorID,
		PartnerID:    partnerID,
		CurrentStage: string(StageGettingToKnow),
	}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rel).Error; err != nil {
			return err
		}
		return e.evaluator.seedStage(ctx, tx, rel, StageGettingToKnow)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("relationship created",
		zap.Int64("relationship_id", rel.ID),
		zap.Int64("initiator_id", initiatorID),
		zap.Int64("partner_id", partnerID))
	return rel, nil
}

// Evaluate recomputes the relationship's requirement states and advances the
// stage when the current stage's full set is satisfied. It is idempotent and
// safe to trigger from duplicated or missed change notifications. Every call
// performs the lazy cooling-off elapsed-time check.
func (e *Engine) Evaluate(ctx context.Context, relationshipID int64) (*Snapshot, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		snap, err := e.evaluateOnce(ctx, relationshipID)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return snap, err
	}
	return nil, ErrConflict
}

func (e *Engine) evaluateOnce(ctx context.Context, relationshipID int64) (*Snapshot, error) {
	unlock := e.advisoryLock(ctx, relationshipID)
	defer unlock()

	rel, err := e.loadRelationship(ctx, relationshipID)
	if err != nil {
		return nil, err
	}

	if rel.Status != model.RelationshipActive {
		return e.terminalSnapshot(ctx, rel)
	}

	if rel.IsFrozen {
		resumed, events, err := e.resolveCoolingOff(ctx, rel)
		if err != nil {
			return nil, err
		}
		if !resumed {
			return e.frozenSnapshot(ctx, rel)
		}
		e.emit(ctx, events)
		// Progress resumes from the frozen snapshot value; fresh results
		// apply again from the next evaluation.
		vals, verr := e.measureAll(ctx, rel.ID)
		if verr != nil {
			return nil, verr
		}
		states, _, stale, serr := e.evaluator.evaluateStage(ctx, e.db, rel, Stage(rel.CurrentStage), vals, false)
		if serr != nil {
			return nil, serr
		}
		return &Snapshot{
			Relationship: rel,
			Stage:        Stage(rel.CurrentStage),
			Progress:     rel.FrozenProgress,
			Requirements: states,
			Stale:        stale,
		}, nil
	}

	// Measured before the transaction opens: the source reads through the
	// shared pool, and sqlite mode runs that pool with a single connection.
	vals, err := e.measureAll(ctx, rel.ID)
	if err != nil {
		return nil, err
	}

	var (
		states []RequirementState
		stale  bool
		events []*model.RelationshipEvent
	)
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stage := Stage(rel.CurrentStage)
		var newly []string
		var txErr error
		states, newly, stale, txErr = e.evaluator.evaluateStage(ctx, tx, rel, stage, vals, true)
		if txErr != nil {
			return txErr
		}
		events = appendRequirementEvents(events, rel, newly)

		// Transitions are computed, not requested: keep advancing while the
		// current stage's full requirement set is satisfied. Each hop emits
		// its own event, so no stage is ever skipped.
		for allCompleted(states) {
			next, ok := Stage(rel.CurrentStage).Next()
			if !ok {
				break
			}
			if next.Index() <= Stage(rel.CurrentStage).Index() {
				return invariantf("stage would not advance from %s to %s", rel.CurrentStage, next)
			}
			ev, advErr := e.advance(tx, rel, next, vals)
			if advErr != nil {
				return advErr
			}
			events = append(events, ev)
			if next.Terminal() {
				states = nil
				break
			}
			if seedErr := e.evaluator.seedStage(ctx, tx, rel, next); seedErr != nil {
				return seedErr
			}
			states, newly, stale, txErr = e.evaluator.evaluateStage(ctx, tx, rel, next, vals, true)
			if txErr != nil {
				return txErr
			}
			events = appendRequirementEvents(events, rel, newly)
		}

		if len(events) > 0 {
			return tx.Create(&events).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, events)

	progress := ProgressPercent(states)
	if Stage(rel.CurrentStage).Terminal() {
		progress = 100
	}
	return &Snapshot{
		Relationship: rel,
		Stage:        Stage(rel.CurrentStage),
		Progress:     progress,
		Requirements: states,
		Stale:        stale,
	}, nil
}

// advance moves rel to next with a version-conditioned write. A lost race
// surfaces as ErrConflict so the caller retries from a fresh read. vals must
// be measured before tx opened; advance performs no pooled reads.
func (e *Engine) advance(tx *gorm.DB, rel *model.Relationship, next Stage, vals map[string]metrics.Value) (*model.RelationshipEvent, error) {
	from := rel.CurrentStage
	now := time.Now()

	updates := map[string]interface{}{
		"current_stage": string(next),
		"version":       gorm.Expr("version + 1"),
	}
	if next.Terminal() {
		updates["status"] = model.RelationshipCompleted
		updates["completed_at"] = now
	}
	res := tx.Model(&model.Relationship{}).
		Where("id = ? AND version = ? AND is_frozen = ?", rel.ID, rel.Version, false).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrConflict
	}
	rel.CurrentStage = string(next)
	rel.Version++
	if next.Terminal() {
		rel.Status = model.RelationshipCompleted
		rel.CompletedAt = &now
	}

	if next.Terminal() {
		stats := milestoneStats(rel, vals)
		payload, _ := json.Marshal(stats)
		e.logger.Info("journey completed",
			zap.Int64("relationship_id", rel.ID),
			zap.Int("days_together", stats.DaysTogether))
		return &model.RelationshipEvent{
			RelationshipID: rel.ID,
			Type:           model.EventJourneyCompleted,
			Payload:        datatypes.JSON(payload),
		}, nil
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"from": from,
		"to":   string(next),
	})
	e.logger.Info("stage transitioned",
		zap.Int64("relationship_id", rel.ID),
		zap.String("from", from),
		zap.String("to", string(next)))
	return &model.RelationshipEvent{
		RelationshipID: rel.ID,
		Type:           model.EventStageTransitioned,
		Payload:        datatypes.JSON(payload),
	}, nil
}

// MilestoneStats are the cumulative figures carried by the journey-complete
// milestone event.
type MilestoneStats struct {
	DaysTogether     int `json:"days_together"`
	ActiveDays       int `json:"active_days"`
	SharedActivities int `json:"shared_activities"`
	Calls            int `json:"calls"`
}

func milestoneStats(rel *model.Relationship, vals map[string]metrics.Value) MilestoneStats {
	return MilestoneStats{
		DaysTogether:     int(time.Since(rel.StartedAt).Hours() / 24),
		ActiveDays:       vals[metrics.KindActiveDays].Count,
		SharedActivities: vals[metrics.KindShared].Count,
		Calls:            vals[metrics.KindCalls].Count,
	}
}

// measureAll reads every automatic metric once through the activity source.
// It must run before any transaction opens: the source queries the shared
// pool, which holds a single connection in sqlite mode. The milestone kinds
// are always included so the completion event can report them even when no
// requirement references them.
func (e *Engine) measureAll(ctx context.Context, relationshipID int64) (map[string]metrics.Value, error) {
	kinds := append(e.defs.MetricKinds(),
		metrics.KindActiveDays, metrics.KindShared, metrics.KindCalls)
	vals := make(map[string]metrics.Value, len(kinds))
	for _, kind := range kinds {
		if _, ok := vals[kind]; ok {
			continue
		}
		v, err := e.evaluator.source.Measure(ctx, relationshipID, kind)
		if err != nil {
			return nil, err
		}
		vals[kind] = v
	}
	return vals, nil
}

// frozenSnapshot evaluates read-only: while frozen the evaluator still runs
// but its results are not applied, and progress reports the frozen value.
func (e *Engine) frozenSnapshot(ctx context.Context, rel *model.Relationship) (*Snapshot, error) {
	vals, err := e.measureAll(ctx, rel.ID)
	if err != nil {
		return nil, err
	}
	states, _, stale, err := e.evaluator.evaluateStage(ctx, e.db, rel, Stage(rel.CurrentStage), vals, false)
	if err != nil {
		return nil, err
	}
	period, err := e.activeCoolingOff(ctx, rel.ID)
	if err != nil {
		return nil, err
	}
	var status *CoolingOffStatus
	if period != nil {
		remaining := time.Until(period.EndsAt)
		if remaining < 0 {
			remaining = 0
		}
		status = &CoolingOffStatus{
			StartedAt:        period.StartedAt,
			EndsAt:           period.EndsAt,
			RemainingSeconds: int64(remaining.Seconds()),
			Reason:           period.Reason,
			RequestedBy:      period.RequestedBy,
		}
	}
	return &Snapshot{
		Relationship: rel,
		Stage:        Stage(rel.CurrentStage),
		Progress:     rel.FrozenProgress,
		Requirements: states,
		CoolingOff:   status,
		Stale:        stale,
	}, nil
}

func (e *Engine) terminalSnapshot(ctx context.Context, rel *model.Relationship) (*Snapshot, error) {
	vals, err := e.measureAll(ctx, rel.ID)
	if err != nil {
		return nil, err
	}
	states, _, _, err := e.evaluator.evaluateStage(ctx, e.db, rel, Stage(rel.CurrentStage), vals, false)
	if err != nil {
		return nil, err
	}
	progress := ProgressPercent(states)
	if rel.Status == model.RelationshipCompleted {
		progress = 100
	}
	return &Snapshot{
		Relationship: rel,
		Stage:        Stage(rel.CurrentStage),
		Progress:     progress,
		Requirements: states,
	}, nil
}

// resolveCoolingOff performs the lazy read-time timer check: once the window
// has elapsed with no end action, the period resolves to resumed and the
// freeze lifts. rel is reloaded in place on resume.
func (e *Engine) resolveCoolingOff(ctx context.Context, rel *model.Relationship) (bool, []*model.RelationshipEvent, error) {
	period, err := e.activeCoolingOff(ctx, rel.ID)
	if err != nil {
		return false, nil, err
	}
	if period == nil {
		return false, nil, invariantf("relationship %d frozen without an active cooling-off period", rel.ID)
	}
	if time.Now().Before(period.EndsAt) {
		return false, nil, nil
	}

	var events []*model.RelationshipEvent
	now := time.Now()
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.CoolingOffPeriod{}).
			Where("id = ? AND resolution = ?", period.ID, model.CoolingOffActive).
			Updates(map[string]interface{}{
				"resolution":  model.CoolingOffResumed,
				"resolved_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}

		res = tx.Model(&model.Relationship{}).
			Where("id = ? AND version = ?", rel.ID, rel.Version).
			Updates(map[string]interface{}{
				"is_frozen": false,
				"version":   gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"frozen_progress": period.FrozenProgress,
			"started_at":      period.StartedAt,
		})
		ev := &model.RelationshipEvent{
			RelationshipID: rel.ID,
			Type:           model.EventCoolingOffResumed,
			Payload:        datatypes.JSON(payload),
		}
		if err := tx.Create(ev).Error; err != nil {
			return err
		}
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return false, nil, err
	}

	rel.IsFrozen = false
	rel.Version++
	e.logger.Info("cooling-off resumed",
		zap.Int64("relationship_id", rel.ID),
		zap.Int("frozen_progress", period.FrozenProgress))
	return true, events, nil
}

func (e *Engine) activeCoolingOff(ctx context.Context, relationshipID int64) (*model.CoolingOffPeriod, error) {
	var period model.CoolingOffPeriod
	err := e.db.WithContext(ctx).
		Where("relationship_id = ? AND resolution = ?", relationshipID, model.CoolingOffActive).
		First(&period).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &period, nil
}

func (e *Engine) loadRelationship(ctx context.Context, id int64) (*model.Relationship, error) {
	var rel model.Relationship
	err := e.db.WithContext(ctx).First(&rel, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rel, nil
}

// advisoryLock takes a short per-relationship cache lock to reduce version
// churn between concurrent evaluations. It is advisory only: the
// version-conditioned writes are what guarantee consistency, so a failed
// acquisition proceeds anyway.
func (e *Engine) advisoryLock(ctx context.Context, relationshipID int64) func() {
	if e.cache == nil {
		return func() {}
	}
	key := fmt.Sprintf("lock:journey:%d", relationshipID)
	ok, err := e.cache.SetNX(ctx, key, "1", 10*time.Second)
	if err != nil || !ok {
		return func() {}
	}
	return func() { _ = e.cache.Del(context.WithoutCancel(ctx), key) }
}

func (e *Engine) emit(ctx context.Context, events []*model.RelationshipEvent) {
	if e.sink == nil {
		return
	}
	for _, ev := range events {
		e.sink.Publish(ctx, ev)
	}
}

func allCompleted(states []RequirementState) bool {
	if len(states) == 0 {
		return false
	}
	for _, st := range states {
		if !st.Completed {
			return false
		}
	}
	return true
}

func appendRequirementEvents(events []*model.RelationshipEvent, rel *model.Relationship, keys []string) []*model.RelationshipEvent {
	for _, key := range keys {
		payload, _ := json.Marshal(map[string]string{"requirement_key": key})
		events = append(events, &model.RelationshipEvent{
			RelationshipID: rel.ID,
			Type:           model.EventRequirementCompleted,
			Payload:        datatypes.JSON(payload),
		})
	}
	return events
}
