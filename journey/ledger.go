package journey

import (
	"context"
	"errors"

	dbadapter "github.com/kizunalab/kizuna-server/db"
	"github.com/kizunalab/kizuna-server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SigningStatus is the outcome of a sign-off call.
type SigningStatus string

const (
	// StatusWaitingForPartner: the caller signed, the partner has not yet.
	StatusWaitingForPartner SigningStatus = "waiting_for_partner"
	// StatusCompleted: both parties have now signed; this call is the
	// transition moment.
	StatusCompleted SigningStatus = "completed"
	// StatusAlreadyCompleted: the requirement was satisfied before this call.
	StatusAlreadyCompleted SigningStatus = "already_completed"
)

// SignOff records one party's attestation on a manual requirement. Sign-off
// is a declarative "I attest this happened offline" action: no proof is
// required, but both parties must act independently before the requirement
// completes, which is what prevents unilateral stage manipulation.
// Re-signing is a no-op, not an error, so client retries are harmless.
func (e *Engine) SignOff(ctx context.Context, relationshipID int64, requirementKey string, partyID int64) (SigningStatus, *Snapshot, error) {
	rel, err := e.loadRelationship(ctx, relationshipID)
	if err != nil {
		return "", nil, err
	}

	// The frozen flag may be stale past the window; every mutation path
	// performs the lazy elapsed-time check before trusting it.
	if rel.IsFrozen {
		resumed, events, rerr := e.resolveCoolingOff(ctx, rel)
		if rerr != nil && !errors.Is(rerr, ErrConflict) {
			return "", nil, rerr
		}
		if resumed {
			e.emit(ctx, events)
		}
	}

	if rel.Status != model.RelationshipActive {
		return "", nil, validationf("relationship is no longer active")
	}
	if rel.IsFrozen {
		return "", nil, validationf("relationship is in cooling-off")
	}
	if !rel.Member(partyID) {
		return "", nil, validationf("account %d is not a party to this relationship", partyID)
	}
	def, ok := e.defs.Get(requirementKey)
	if !ok {
		return "", nil, validationf("unknown requirement %q", requirementKey)
	}
	if def.Mode != ModeManual {
		return "", nil, validationf("requirement %q is automatic and cannot be signed", requirementKey)
	}
	if def.Stage != Stage(rel.CurrentStage) {
		return "", nil, validationf("requirement %q belongs to stage %s, relationship is in %s",
			requirementKey, def.Stage, rel.CurrentStage)
	}

	var row model.RequirementProgress
	err = e.db.WithContext(ctx).
		Where("relationship_id = ? AND requirement_key = ?", relationshipID, requirementKey).
		First(&row).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil, err
	}
	if row.Completed {
		snap, serr := e.Evaluate(ctx, relationshipID)
		return StatusAlreadyCompleted, snap, serr
	}

	if err := e.writeAttestation(ctx, relationshipID, requirementKey, partyID); err != nil {
		return "", nil, err
	}
	e.logger.Info("requirement signed",
		zap.Int64("relationship_id", relationshipID),
		zap.String("requirement_key", requirementKey),
		zap.Int64("party_id", partyID))

	partner := rel.PartnerID
	if partyID == rel.PartnerID {
		partner = rel.InitiatorID
	}
	var partnerSigned int64
	if err := e.db.WithContext(ctx).Model(&model.Attestation{}).
		Where("relationship_id = ? AND requirement_key = ? AND party_id = ?",
			relationshipID, requirementKey, partner).
		Count(&partnerSigned).Error; err != nil {
		return "", nil, err
	}

	// Re-evaluation marks the requirement completed (exactly once, via the
	// conditional flip) and re-checks stage advancement.
	snap, err := e.Evaluate(ctx, relationshipID)
	if err != nil {
		return "", nil, err
	}
	if partnerSigned > 0 {
		return StatusCompleted, snap, nil
	}
	return StatusWaitingForPartner, snap, nil
}

// writeAttestation inserts the party's attestation idempotently: the unique
// (relationship, requirement, party) index turns a concurrent duplicate into
// a no-op instead of an error.
func (e *Engine) writeAttestation(ctx context.Context, relationshipID int64, requirementKey string, partyID int64) error {
	att := &model.Attestation{
		RelationshipID: relationshipID,
		RequirementKey: requirementKey,
		PartyID:        partyID,
	}
	err := e.db.WithContext(ctx).
		Where("relationship_id = ? AND requirement_key = ? AND party_id = ?",
			relationshipID, requirementKey, partyID).
		FirstOrCreate(att).Error
	if dbadapter.IsUniqueViolation(err) {
		return nil
	}
	return err
}
