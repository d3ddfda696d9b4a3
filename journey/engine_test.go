package journey

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kizunalab/kizuna-server/metrics"
	"github.com/kizunalab/kizuna-server/model"
	"github.com/kizunalab/kizuna-server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestEngine(t *testing.T, coolingOff time.Duration) (*Engine, *gorm.DB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	source := metrics.NewCachedSource(metrics.NewDBSource(db), c, zap.NewNop())
	engine := NewEngine(db, DefaultDefs(nil), source, c, nil, coolingOff, zap.NewNop())
	return engine, db
}

func seedRelationship(t *testing.T, engine *Engine, db *gorm.DB) *model.Relationship {
	t.Helper()
	younger := &model.Account{Username: fmt.Sprintf("younger_%d", time.Now().UnixNano()), PasswordHash: "x", Role: model.RoleYounger, Status: 1}
	elder := &model.Account{Username: fmt.Sprintf("elder_%d", time.Now().UnixNano()), PasswordHash: "x", Role: model.RoleElder, Status: 1}
	require.NoError(t, db.Create(younger).Error)
	require.NoError(t, db.Create(elder).Error)

	rel, err := engine.CreateRelationship(context.Background(), younger.ID, elder.ID)
	require.NoError(t, err)
	return rel
}

func addActiveDays(t *testing.T, db *gorm.DB, relID int64, n int) {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		rec := &model.ActivityRecord{
			RelationshipID: relID,
			Kind:           model.ActivityChatDay,
			Day:            base.AddDate(0, 0, i).Format("2006-01-02"),
		}
		require.NoError(t, db.Create(rec).Error)
	}
}

func addShared(t *testing.T, db *gorm.DB, relID int64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		rec := &model.ActivityRecord{
			RelationshipID: relID,
			Kind:           model.ActivityShared,
			Day:            "2026-02-01",
		}
		require.NoError(t, db.Create(rec).Error)
	}
}

func attest(t *testing.T, db *gorm.DB, relID int64, key string, partyID int64) {
	t.Helper()
	require.NoError(t, db.Create(&model.Attestation{
		RelationshipID: relID,
		RequirementKey: key,
		PartyID:        partyID,
	}).Error)
}

func eventCount(t *testing.T, db *gorm.DB, relID int64, eventType string) int {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&model.RelationshipEvent{}).
		Where("relationship_id = ? AND type = ?", relID, eventType).
		Count(&n).Error)
	return int(n)
}

func TestCreateRelationshipSeedsChecklist(t *testing.T) {
	engine, db := newTestEngine(t, 0)
	rel := seedRelationship(t, engine, db)

	snap, err := engine.Evaluate(context.Background(), rel.ID)
	require.NoError(t, err)

	assert.Equal(t, StageGettingToKnow, snap.Stage)
	assert.Equal(t, 0, snap.Progress)
	require.Len(t, snap.Requirements, 2)

	var rows []model.RequirementProgress
	require.NoError(t, db.Where("relationship_id = ?", rel.ID).Find(&rows).Error)
	assert.Len(t, rows, 2)
}

func TestCreateRelationshipDistinctParties(t *testing.T) {
	engine, _ := newTestEngine(t, 0)
	_, err := engine.CreateRelationship(context.Background(), 7, 7)
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestEvaluateUnknownRelationship(t *testing.T) {
	engine, _ := newTestEngine(t, 0)
	_, err := engine.Evaluate(context.Background(), 9999)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAutomaticRequirementCompletesOnce(t *testing.T) {
	engine, db := newTestEngine(t, 0)
	rel := seedRelationship(t, engine, db)
	addActiveDays(t, db, rel.ID, 7)

	snap, err := engine.Evaluate(context.Background(), rel.ID)
	require.NoError(t, err)

	assert.Equal(t, StageGettingToKnow, snap.Stage)
	assert.Equal(t, 50, snap.Progress)
	for _, st := range snap.Requirements {
		if st.Key == "gtk_active_days" {
			assert.True(t, st.Completed)
			assert.Equal(t, 7, st.Current)
		}
	}

	// Repeated evaluations never duplicate the completion event.
	for i := 0; i < 3; i++ {
		_, err := engine.Evaluate(context.Background(), rel.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, eventCount(t, db, rel.ID, model.EventRequirementCompleted))
}

func TestStageAdvancesWhenAllRequirementsMet(t *testing.T) {
	engine, db := newTestEngine(t, 0)
	rel := seedRelationship(t, engine, db)
	addActiveDays(t, db, rel.ID, 7)
	attest(t, db, rel.ID, "gtk_met_in_person", rel.InitiatorID)
	attest(t, db, rel.ID, "gtk_met_in_person", rel.PartnerID)

	snap, err := engine.Evaluate(context.Background(), rel.ID)
	require.NoError(t, err)

	assert.Equal(t, StageTrialPeriod, snap.Stage)
	assert.Len(t, snap.Requirements, 4)
	assert.Equal(t, 1, eventCount(t, db, rel.ID, model.EventStageTransitioned))

	// The transition bumped the version.
	var fresh model.Relationship
	require.NoError(t, db.First(&fresh, rel.ID).Error)
	assert.Greater(t, fresh.Version, int64(1))
	assert.Equal(t, string(StageTrialPeriod), fresh.CurrentStage)

	// Advancing is idempotent.
	snap, err = engine.Evaluate(context.Background(), rel.ID)
	require.NoError(t, err)
	assert.Equal(t, StageTrialPeriod, snap.Stage)
	assert.Equal(t, 1, eventCount(t, db, rel.ID, model.EventStageTransitioned))
}

func TestNoStageIsSkipped(t *testing.T) {
	engine, db := newTestEngine(t, 0)
	rel := seedRelationship(t, engine, db)

	// Satisfy getting-to-know and trial-period at the same time: 30 active
	// days covers both day requirements, plus all manual sign-offs.
	addActiveDays(t, db, rel.ID, 30)
	addShared(t, db, rel.ID, 3)
	for _, key := range []string{"gtk_met_in_person", "trial_family_visit", "trial_ceremony_consent"} {
		attest(t, db, rel.ID, key, rel.InitiatorID)
		attest(t, db, rel.ID, key, rel.PartnerID)
	}

	snap, err := engine.Evaluate(context.Background(), rel.ID)
	require.NoError(t, err)

	assert.Equal(t, StageOfficialCeremony, snap.Stage)

	// Both hops emitted their own transition event, in order.
	var events []model.RelationshipEvent
	require.NoError(t, db.Where("relationship_id = ? AND type = ?", rel.ID, model.EventStageTransitioned).
		Order("id").Find(&events).Error)
	require.Len(t, events, 2)
	assert.Contains(t, string(events[0].Payload), string(StageTrialPeriod))
	assert.Contains(t, string(events[1].Payload), string(StageOfficialCeremony))
}

func TestTrialProgressThreeOfFour(t *testing.T) {
	engine, db := newTestEngine(t, 0)
	rel := seedRelationship(t, engine, db)

	// Complete getting-to-know first.
	addActiveDays(t, db, rel.ID, 30)
	attest(t, db, rel.ID, "gtk_met_in_person", rel.InitiatorID)
	attest(t, db, rel.ID, "gtk_met_in_person", rel.PartnerID)

	// Trial period: days and shared activities are met, the family visit is
	// dual-signed, the ceremony consent is not.
	addShared(t, db, rel.ID, 3)
	attest(t, db, rel.ID, "trial_family_visit", rel.InitiatorID)
	attest(t, db, rel.ID, "trial_family_visit", rel.PartnerID)

	snap, err := engine.Evaluate(context.Background(), rel.ID)
	require.NoError(t, err)

	assert.Equal(t, StageTrialPeriod, snap.Stage)
	assert.Equal(t, 75, snap.Progress)
}

func TestJourneyCompletion(t *testing.T) {
	engine, db := newTestEngine(t, 0)
	rel := seedRelationship(t, engine, db)

	addActiveDays(t, db, rel.ID, 180)
	addShared(t, db, rel.ID, 3)
	for _, key := range []string{
		"gtk_met_in_person", "trial_family_visit", "trial_ceremony_consent",
		"ceremony_held", "ceremony_family_blessing", "family_first_review",
	} {
		attest(t, db, rel.ID, key, rel.InitiatorID)
		attest(t, db, rel.ID, key, rel.PartnerID)
	}

	snap, err := engine.Evaluate(context.Background(), rel.ID)
	require.NoError(t, err)

	assert.Equal(t, StageJourneyCompleted, snap.Stage)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, model.RelationshipCompleted, snap.Relationship.Status)
	require.NotNil(t, snap.Relationship.CompletedAt)
	assert.Equal(t, 1, eventCount(t, db, rel.ID, model.EventJourneyCompleted))

	// Terminal relationships stay terminal.
	snap, err = engine.Evaluate(context.Background(), rel.ID)
	require.NoError(t, err)
	assert.Equal(t, StageJourneyCompleted, snap.Stage)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, 1, eventCount(t, db, rel.ID, model.EventJourneyCompleted))
}

// The sqlite pool runs a single connection, so an evaluation must take all
// of its activity measurements before its transaction holds that connection.
// A pooled source read inside the transaction blocks forever.
func TestEvaluateCompletesOnSingleConnection(t *testing.T) {
	engine, db := newTestEngine(t, 0)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	rel := seedRelationship(t, engine, db)
	addActiveDays(t, db, rel.ID, 180)
	addShared(t, db, rel.ID, 3)
	for _, key := range []string{
		"gtk_met_in_person", "trial_family_visit", "trial_ceremony_consent",
		"ceremony_held", "ceremony_family_blessing", "family_first_review",
	} {
		attest(t, db, rel.ID, key, rel.InitiatorID)
		attest(t, db, rel.ID, key, rel.PartnerID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := engine.Evaluate(ctx, rel.ID)
	require.NoError(t, err)
	assert.Equal(t, StageJourneyCompleted, snap.Stage)

	// The milestone payload still carries the measured totals.
	var milestone model.RelationshipEvent
	require.NoError(t, db.Where("relationship_id = ? AND type = ?", rel.ID, model.EventJourneyCompleted).
		First(&milestone).Error)
	assert.Contains(t, string(milestone.Payload), `"active_days":180`)
	assert.Contains(t, string(milestone.Payload), `"shared_activities":3`)
}

// failingSource simulates an unreachable activity source.
type failingSource struct{}

func (failingSource) Measure(context.Context, int64, string) (metrics.Value, error) {
	return metrics.Value{}, errors.New("connection refused")
}

func TestStaleFallbackNeverRegresses(t *testing.T) {
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	dbSource := metrics.NewDBSource(db)
	cached := metrics.NewCachedSource(dbSource, c, zap.NewNop())
	engine := NewEngine(db, DefaultDefs(nil), cached, c, nil, 0, zap.NewNop())
	rel := seedRelationship(t, engine, db)

	addActiveDays(t, db, rel.ID, 5)
	snap, err := engine.Evaluate(context.Background(), rel.ID)
	require.NoError(t, err)
	assert.False(t, snap.Stale)

	// Swap in an unreachable source: the last-known count keeps serving,
	// marked stale, and nothing errors or regresses.
	engine.evaluator.source = metrics.NewCachedSource(failingSource{}, c, zap.NewNop())
	snap, err = engine.Evaluate(context.Background(), rel.ID)
	require.NoError(t, err)
	assert.True(t, snap.Stale)
	for _, st := range snap.Requirements {
		if st.Key == "gtk_active_days" {
			assert.Equal(t, 5, st.Current)
			assert.True(t, st.Stale)
		}
	}
}

func TestStaleFirstEvaluationServesZero(t *testing.T) {
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	cached := metrics.NewCachedSource(failingSource{}, c, zap.NewNop())
	engine := NewEngine(db, DefaultDefs(nil), cached, c, nil, 0, zap.NewNop())
	rel := seedRelationship(t, engine, db)

	snap, err := engine.Evaluate(context.Background(), rel.ID)
	require.NoError(t, err)
	assert.True(t, snap.Stale)
	for _, st := range snap.Requirements {
		if st.Key == "gtk_active_days" {
			assert.Equal(t, 0, st.Current)
			assert.False(t, st.Completed)
		}
	}
}
