package journey

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kizunalab/kizuna-server/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RequestWithdrawal freezes the relationship's progress at its current value
// and opens the mandatory reflection window. While frozen, only the family
// advisor channel stays available and evaluation results are not applied.
// There is no cancel path: the relationship either resumes automatically
// after the window or ends.
func (e *Engine) RequestWithdrawal(ctx context.Context, relationshipID, partyID int64, reason string) (*Snapshot, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		snap, err := e.requestWithdrawalOnce(ctx, relationshipID, partyID, reason)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return snap, err
	}
	return nil, ErrConflict
}

func (e *Engine) requestWithdrawalOnce(ctx context.Context, relationshipID, partyID int64, reason string) (*Snapshot, error) {
	unlock := e.advisoryLock(ctx, relationshipID)
	defer unlock()

	rel, err := e.loadRelationship(ctx, relationshipID)
	if err != nil {
		return nil, err
	}

	// An expired freeze must resume before this request is judged, so a
	// relationship whose previous window lapsed can withdraw again.
	if rel.IsFrozen {
		resumed, events, rerr := e.resolveCoolingOff(ctx, rel)
		if rerr != nil {
			return nil, rerr
		}
		if resumed {
			e.emit(ctx, events)
		}
	}

	if rel.Status != model.RelationshipActive {
		return nil, validationf("relationship is no longer active")
	}
	if !rel.Member(partyID) {
		return nil, validationf("account %d is not a party to this relationship", partyID)
	}
	if rel.IsFrozen {
		return nil, validationf("relationship is already in cooling-off")
	}

	vals, err := e.measureAll(ctx, rel.ID)
	if err != nil {
		return nil, err
	}
	states, _, _, err := e.evaluator.evaluateStage(ctx, e.db, rel, Stage(rel.CurrentStage), vals, false)
	if err != nil {
		return nil, err
	}
	progress := ProgressPercent(states)

	now := time.Now()
	var events []*model.RelationshipEvent
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The version check already serializes concurrent withdrawals; a
		// second active period here means that discipline was broken.
		var active int64
		if err := tx.Model(&model.CoolingOffPeriod{}).
			Where("relationship_id = ? AND resolution = ?", relationshipID, model.CoolingOffActive).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return invariantf("relationship %d already has an active cooling-off period", relationshipID)
		}

		period := &model.CoolingOffPeriod{
			RelationshipID: relationshipID,
			RequestedBy:    partyID,
			Reason:         reason,
			FrozenStage:    rel.CurrentStage,
			FrozenProgress: progress,
			StartedAt:      now,
			EndsAt:         now.Add(e.coolingOff),
		}
		if err := tx.Create(period).Error; err != nil {
			return err
		}

		res := tx.Model(&model.Relationship{}).
			Where("id = ? AND version = ? AND is_frozen = ?", rel.ID, rel.Version, false).
			Updates(map[string]interface{}{
				"is_frozen":       true,
				"frozen_progress": progress,
				"version":         gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"requested_by":    partyID,
			"reason":          reason,
			"frozen_progress": progress,
			"ends_at":         period.EndsAt,
		})
		ev := &model.RelationshipEvent{
			RelationshipID: relationshipID,
			Type:           model.EventWithdrawalStarted,
			Payload:        datatypes.JSON(payload),
		}
		if err := tx.Create(ev).Error; err != nil {
			return err
		}
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}

	rel.IsFrozen = true
	rel.FrozenProgress = progress
	rel.Version++
	e.emit(ctx, events)
	e.logger.Info("withdrawal requested",
		zap.Int64("relationship_id", relationshipID),
		zap.Int64("party_id", partyID),
		zap.Int("frozen_progress", progress))

	return e.frozenSnapshot(ctx, rel)
}

// EndRelationship records that the withdrawing party followed through on
// ending the relationship during the cooling-off window. The relationship
// becomes terminal and accepts no further mutations. If the window already
// lapsed, the lazy resume wins and the end signal is rejected.
func (e *Engine) EndRelationship(ctx context.Context, relationshipID, partyID int64) (*Snapshot, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		snap, err := e.endRelationshipOnce(ctx, relationshipID, partyID)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return snap, err
	}
	return nil, ErrConflict
}

func (e *Engine) endRelationshipOnce(ctx context.Context, relationshipID, partyID int64) (*Snapshot, error) {
	unlock := e.advisoryLock(ctx, relationshipID)
	defer unlock()

	rel, err := e.loadRelationship(ctx, relationshipID)
	if err != nil {
		return nil, err
	}
	if rel.Status != model.RelationshipActive {
		return nil, validationf("relationship is no longer active")
	}
	if !rel.Member(partyID) {
		return nil, validationf("account %d is not a party to this relationship", partyID)
	}
	if !rel.IsFrozen {
		return nil, validationf("relationship is not in cooling-off")
	}

	resumed, events, err := e.resolveCoolingOff(ctx, rel)
	if err != nil {
		return nil, err
	}
	if resumed {
		e.emit(ctx, events)
		return nil, validationf("cooling-off window already lapsed; relationship resumed")
	}

	period, err := e.activeCoolingOff(ctx, relationshipID)
	if err != nil {
		return nil, err
	}
	if period == nil {
		return nil, invariantf("relationship %d frozen without an active cooling-off period", relationshipID)
	}
	if period.RequestedBy != partyID {
		return nil, validationf("only the withdrawing party can end the relationship")
	}

	now := time.Now()
	events = nil
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.CoolingOffPeriod{}).
			Where("id = ? AND resolution = ?", period.ID, model.CoolingOffActive).
			Updates(map[string]interface{}{
				"resolution":  model.CoolingOffEndedRelationship,
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
				"status":   model.RelationshipEnded,
				"ended_at": now,
				"version":  gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"ended_by": partyID,
			"reason":   period.Reason,
		})
		ev := &model.RelationshipEvent{
			RelationshipID: relationshipID,
			Type:           model.EventRelationshipEnded,
			Payload:        datatypes.JSON(payload),
		}
		if err := tx.Create(ev).Error; err != nil {
			return err
		}
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}

	rel.Status = model.RelationshipEnded
	rel.EndedAt = &now
	rel.Version++
	e.emit(ctx, events)
	e.logger.Info("relationship ended",
		zap.Int64("relationship_id", relationshipID),
		zap.Int64("ended_by", partyID))

	return e.terminalSnapshot(ctx, rel)
}

// SweepExpired resolves cooling-off periods whose window has lapsed without
// an end action. Resolution is lazy on read already; the sweep keeps frozen
// relationships that nobody reads from lingering indefinitely.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	var expired []model.CoolingOffPeriod
	err := e.db.WithContext(ctx).
		Where("resolution = ? AND ends_at <= ?", model.CoolingOffActive, time.Now()).
		Find(&expired).Error
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, period := range expired {
		if _, err := e.Evaluate(ctx, period.RelationshipID); err != nil {
			e.logger.Warn("cooling-off sweep failed",
				zap.Int64("relationship_id", period.RelationshipID),
				zap.Error(err))
			continue
		}
		resolved++
	}
	return resolved, nil
}
