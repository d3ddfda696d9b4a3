package journey

import (
	"context"
	"math"
	"time"

	"github.com/kizunalab/kizuna-server/metrics"
	"github.com/kizunalab/kizuna-server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RequirementState is the evaluated view of one requirement for one
// relationship, ready for a checklist UI.
type RequirementState struct {
	Key             string     `json:"key"`
	Label           string     `json:"label"`
	Stage           Stage      `json:"stage"`
	Mode            Mode       `json:"mode"`
	Current         int        `json:"current"`
	Required        int        `json:"required"`
	InitiatorSigned bool       `json:"initiator_signed"`
	PartnerSigned   bool       `json:"partner_signed"`
	Completed       bool       `json:"completed"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	// Stale marks an automatic value served from the last-known cache
	// because the activity source was unreachable.
	Stale bool `json:"stale,omitempty"`
}

// Evaluator computes requirement states: automatic requirements from the
// activity source, manual requirements from the attestation ledger.
type Evaluator struct {
	defs   *Defs
	source metrics.Source
	logger *zap.Logger
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(defs *Defs, source metrics.Source, logger *zap.Logger) *Evaluator {
	return &Evaluator{defs: defs, source: source, logger: logger}
}

// evaluateStage computes the state of every requirement registered for the
// given stage. Automatic values come from vals, measured before any
// enclosing transaction: the activity source queries the shared pool, and a
// pooled read inside a transaction starves a single-connection pool. When
// apply is true, progress rows are upserted through tx and the keys of
// requirements that just flipped to completed are returned; a frozen
// relationship evaluates with apply=false so results are computed but not
// applied. Completion is monotonic: a stored completed row is never
// recomputed or reverted.
func (ev *Evaluator) evaluateStage(ctx context.Context, tx *gorm.DB, rel *model.Relationship, stage Stage, vals map[string]metrics.Value, apply bool) (states []RequirementState, newlyCompleted []string, stale bool, err error) {
	defs := ev.defs.ForStage(stage)
	if len(defs) == 0 {
		return nil, nil, false, nil
	}

	var rows []model.RequirementProgress
	if err := tx.WithContext(ctx).
		Where("relationship_id = ? AND stage = ?", rel.ID, string(stage)).
		Find(&rows).Error; err != nil {
		return nil, nil, false, err
	}
	byKey := make(map[string]*model.RequirementProgress, len(rows))
	for i := range rows {
		byKey[rows[i].RequirementKey] = &rows[i]
	}

	var signed []model.Attestation
	if err := tx.WithContext(ctx).
		Where("relationship_id = ?", rel.ID).
		Find(&signed).Error; err != nil {
		return nil, nil, false, err
	}
	signedBy := make(map[string]map[int64]time.Time)
	for _, a := range signed {
		if signedBy[a.RequirementKey] == nil {
			signedBy[a.RequirementKey] = make(map[int64]time.Time)
		}
		signedBy[a.RequirementKey][a.PartyID] = a.SignedAt
	}

	states = make([]RequirementState, 0, len(defs))
	for _, def := range defs {
		row := byKey[def.Key]
		st := RequirementState{
			Key:      def.Key,
			Label:    def.Label,
			Stage:    def.Stage,
			Mode:     def.Mode,
			Required: def.Required,
		}

		switch def.Mode {
		case ModeAutomatic:
			if row != nil && row.Completed {
				st.Current = row.CurrentValue
				st.Completed = true
				st.CompletedAt = row.CompletedAt
				break
			}
			v := vals[def.Metric]
			st.Current = v.Count
			st.Stale = v.Stale
			if v.Stale {
				stale = true
				// A stale read never lowers an already-observed value.
				if row != nil && row.CurrentValue > st.Current {
					st.Current = row.CurrentValue
				}
			}
			st.Completed = st.Current >= def.Required

		case ModeManual:
			st.Required = 2
			byParty := signedBy[def.Key]
			_, st.InitiatorSigned = byParty[rel.InitiatorID]
			_, st.PartnerSigned = byParty[rel.PartnerID]
			if st.InitiatorSigned {
				st.Current++
			}
			if st.PartnerSigned {
				st.Current++
			}
			if row != nil && row.Completed {
				st.Completed = true
				st.CompletedAt = row.CompletedAt
				break
			}
			st.Completed = st.InitiatorSigned && st.PartnerSigned
		}

		if apply {
			justCompleted, perr := ev.persist(ctx, tx, rel, def, row, &st)
			if perr != nil {
				return nil, nil, false, perr
			}
			if justCompleted {
				newlyCompleted = append(newlyCompleted, def.Key)
			}
		}
		states = append(states, st)
	}
	return states, newlyCompleted, stale, nil
}

// persist upserts one progress row and reports whether it flipped to
// completed in this call. The completed flip uses a conditional update so a
// concurrent evaluation cannot produce the flip twice.
func (ev *Evaluator) persist(ctx context.Context, tx *gorm.DB, rel *model.Relationship, def RequirementDef, row *model.RequirementProgress, st *RequirementState) (bool, error) {
	now := time.Now()

	if row == nil {
		rec := &model.RequirementProgress{
			RelationshipID: rel.ID,
			RequirementKey: def.Key,
			Stage:          string(def.Stage),
			Mode:           string(def.Mode),
			CurrentValue:   st.Current,
			RequiredValue:  st.Required,
			Completed:      st.Completed,
		}
		if st.Completed {
			rec.CompletedAt = &now
			st.CompletedAt = &now
		}
		if err := tx.WithContext(ctx).Create(rec).Error; err != nil {
			return false, err
		}
		return st.Completed, nil
	}

	if row.Completed {
		return false, nil
	}

	if st.Completed {
		res := tx.WithContext(ctx).Model(&model.RequirementProgress{}).
			Where("id = ? AND completed = ?", row.ID, false).
			Updates(map[string]interface{}{
				"current_value": st.Current,
				"completed":     true,
				"completed_at":  now,
			})
		if res.Error != nil {
			return false, res.Error
		}
		if res.RowsAffected == 0 {
			// Another evaluation completed it first.
			return false, nil
		}
		st.CompletedAt = &now
		return true, nil
	}

	if st.Current != row.CurrentValue {
		if err := tx.WithContext(ctx).Model(&model.RequirementProgress{}).
			Where("id = ?", row.ID).
			Update("current_value", st.Current).Error; err != nil {
			return false, err
		}
	}
	return false, nil
}

// seedStage creates zero-value progress rows for a stage so the next
// checklist render has rows to show immediately after a transition.
func (ev *Evaluator) seedStage(ctx context.Context, tx *gorm.DB, rel *model.Relationship, stage Stage) error {
	for _, def := range ev.defs.ForStage(stage) {
		required := def.Required
		if def.Mode == ModeManual {
			required = 2
		}
		rec := &model.RequirementProgress{
			RelationshipID: rel.ID,
			RequirementKey: def.Key,
			Stage:          string(def.Stage),
			Mode:           string(def.Mode),
			RequiredValue:  required,
		}
		// Idempotent: the unique (relationship, key) index makes a repeat
		// seed a no-op.
		if err := tx.WithContext(ctx).Where(
			"relationship_id = ? AND requirement_key = ?", rel.ID, def.Key,
		).FirstOrCreate(rec).Error; err != nil {
			return err
		}
	}
	return nil
}

// ProgressPercent is completed/total for a stage's requirement set, rounded
// to an integer percentage.
func ProgressPercent(states []RequirementState) int {
	if len(states) == 0 {
		return 0
	}
	done := 0
	for _, st := range states {
		if st.Completed {
			done++
		}
	}
	return int(math.Round(float64(done) / float64(len(states)) * 100))
}
