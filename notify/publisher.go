package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kizunalab/kizuna-server/cache"
	"github.com/kizunalab/kizuna-server/model"
	"go.uber.org/zap"
)

// ChangedChannel is the broadcast channel carrying "something changed"
// signals for re-evaluation triggers. It is a trigger, never a source of
// truth: consumers re-read state, so missed or duplicated signals are safe.
const ChangedChannel = "relationship-changed"

// recentFeedLen caps the cached per-relationship event backlog.
const recentFeedLen = 50

// RelationshipChannel is the per-relationship channel that SSE clients
// subscribe to.
func RelationshipChannel(relationshipID int64) string {
	return fmt.Sprintf("relationship:%d", relationshipID)
}

func recentFeedKey(relationshipID int64) string {
	return fmt.Sprintf("events:recent:%d", relationshipID)
}

// Publisher fans committed engine events out to the pub/sub feed and keeps a
// short per-relationship backlog in the cache for SSE catch-up.
type Publisher struct {
	pubsub cache.PubSub
	cache  cache.Cache
	logger *zap.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(ps cache.PubSub, c cache.Cache, logger *zap.Logger) *Publisher {
	return &Publisher{pubsub: ps, cache: c, logger: logger}
}

type wireEvent struct {
	ID             int64           `json:"id"`
	RelationshipID int64           `json:"relationship_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Publish implements journey.EventSink. Delivery is best-effort by design:
// the outbox row is the durable record and consumers re-read on trigger.
func (p *Publisher) Publish(ctx context.Context, ev *model.RelationshipEvent) {
	body, err := json.Marshal(wireEvent{
		ID:             ev.ID,
		RelationshipID: ev.RelationshipID,
		Type:           ev.Type,
		Payload:        json.RawMessage(ev.Payload),
		CreatedAt:      ev.CreatedAt,
	})
	if err != nil {
		p.logger.Error("event marshal failed", zap.Error(err))
		return
	}
	msg := string(body)

	if err := p.pubsub.Publish(ctx, RelationshipChannel(ev.RelationshipID), msg); err != nil {
		p.logger.Warn("event publish failed",
			zap.Int64("relationship_id", ev.RelationshipID),
			zap.Error(err))
	}

	signal, _ := json.Marshal(map[string]interface{}{
		"relationship_id": ev.RelationshipID,
		"type":            ev.Type,
	})
	if err := p.pubsub.Publish(ctx, ChangedChannel, string(signal)); err != nil {
		p.logger.Warn("change signal publish failed", zap.Error(err))
	}

	key := recentFeedKey(ev.RelationshipID)
	if err := p.cache.LPush(ctx, key, msg); err != nil {
		p.logger.Warn("event feed cache push failed", zap.Error(err))
		return
	}
	_ = p.cache.LTrim(ctx, key, 0, recentFeedLen-1)
}

// SignalChanged nudges watchers to re-evaluate without a concrete event,
// used when an external collaborator (calendar, chat) records activity.
func (p *Publisher) SignalChanged(ctx context.Context, relationshipID int64) {
	signal, _ := json.Marshal(map[string]interface{}{
		"relationship_id": relationshipID,
		"type":            "activity_recorded",
	})
	if err := p.pubsub.Publish(ctx, ChangedChannel, string(signal)); err != nil {
		p.logger.Warn("change signal publish failed", zap.Error(err))
	}
}

// Recent returns the cached backlog for a relationship, newest first.
func (p *Publisher) Recent(ctx context.Context, relationshipID int64) ([]string, error) {
	return p.cache.LRange(ctx, recentFeedKey(relationshipID), 0, recentFeedLen-1)
}
