package notify_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/kizunalab/kizuna-server/journey"
	"github.com/kizunalab/kizuna-server/model"
	"github.com/kizunalab/kizuna-server/notify"
	"github.com/kizunalab/kizuna-server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

func TestPublisherFansOutAndCaches(t *testing.T) {
	c, ps := testutil.SetupTestCache(t)
	p := notify.NewPublisher(ps, c, zap.NewNop())
	ctx := context.Background()

	relCh, unsubRel, err := ps.Subscribe(ctx, notify.RelationshipChannel(7))
	require.NoError(t, err)
	defer unsubRel()
	changeCh, unsubChange, err := ps.Subscribe(ctx, notify.ChangedChannel)
	require.NoError(t, err)
	defer unsubChange()

	p.Publish(ctx, &model.RelationshipEvent{
		ID:             1,
		RelationshipID: 7,
		Type:           model.EventStageTransitioned,
		Payload:        datatypes.JSON(`{"from":"getting_to_know","to":"trial_period"}`),
	})

	select {
	case msg := <-relCh:
		var ev map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, model.EventStageTransitioned, ev["type"])
		assert.EqualValues(t, 7, ev["relationship_id"])
	case <-time.After(time.Second):
		t.Fatal("no message on relationship channel")
	}

	select {
	case msg := <-changeCh:
		var sig map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &sig))
		assert.EqualValues(t, 7, sig["relationship_id"])
	case <-time.After(time.Second):
		t.Fatal("no change signal")
	}

	recent, err := p.Recent(ctx, 7)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Contains(t, recent[0], model.EventStageTransitioned)
}

func TestPublisherRecentNewestFirst(t *testing.T) {
	c, ps := testutil.SetupTestCache(t)
	p := notify.NewPublisher(ps, c, zap.NewNop())
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		p.Publish(ctx, &model.RelationshipEvent{
			ID:             i,
			RelationshipID: 9,
			Type:           model.EventRequirementCompleted,
		})
	}

	recent, err := p.Recent(ctx, 9)
	require.NoError(t, err)
	require.Len(t, recent, 3)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(recent[0]), &first))
	assert.EqualValues(t, 3, first["id"])
}

type recordingEngine struct {
	mu  sync.Mutex
	ids []int64
}

func (r *recordingEngine) Evaluate(_ context.Context, relationshipID int64) (*journey.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, relationshipID)
	return &journey.Snapshot{}, nil
}

func (r *recordingEngine) seen() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.ids))
	copy(out, r.ids)
	return out
}

func TestWatcherReevaluatesOnSignal(t *testing.T) {
	c, ps := testutil.SetupTestCache(t)
	p := notify.NewPublisher(ps, c, zap.NewNop())
	eng := &recordingEngine{}
	w := notify.NewWatcher(ps, eng, zap.NewNop())

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	p.SignalChanged(context.Background(), 42)

	require.Eventually(t, func() bool {
		ids := eng.seen()
		return len(ids) == 1 && ids[0] == 42
	}, time.Second, 10*time.Millisecond)
}

func TestWatcherIgnoresMalformedSignal(t *testing.T) {
	c, ps := testutil.SetupTestCache(t)
	_ = c
	eng := &recordingEngine{}
	w := notify.NewWatcher(ps, eng, zap.NewNop())

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, ps.Publish(context.Background(), notify.ChangedChannel, "not-json"))
	require.NoError(t, ps.Publish(context.Background(), notify.ChangedChannel, `{"relationship_id":0}`))
	require.NoError(t, ps.Publish(context.Background(), notify.ChangedChannel, `{"relationship_id":5}`))

	require.Eventually(t, func() bool {
		ids := eng.seen()
		return len(ids) == 1 && ids[0] == 5
	}, time.Second, 10*time.Millisecond)
}
