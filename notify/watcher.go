package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kizunalab/kizuna-server/cache"
	"github.com/kizunalab/kizuna-server/journey"
	"go.uber.org/zap"
)

// Reevaluator re-runs the read-side evaluation for one relationship. The
// journey engine satisfies this.
type Reevaluator interface {
	Evaluate(ctx context.Context, relationshipID int64) (*journey.Snapshot, error)
}

// Watcher consumes the change-notification feed and triggers idempotent
// re-evaluation, so a party's client observes the other party's actions and
// automatic metric updates without polling.
type Watcher struct {
	pubsub cache.PubSub
	engine Reevaluator
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a Watcher.
func NewWatcher(ps cache.PubSub, engine Reevaluator, logger *zap.Logger) *Watcher {
	return &Watcher{pubsub: ps, engine: engine, logger: logger}
}

type changeSignal struct {
	RelationshipID int64  `json:"relationship_id"`
	Type           string `json:"type"`
}

// Start subscribes to the change channel and re-evaluates on each signal
// until Stop is called or ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	msgCh, unsub, err := w.pubsub.Subscribe(ctx, ChangedChannel)
	if err != nil {
		cancel()
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer unsub()
		for {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				w.handle(ctx, msg.Payload)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (w *Watcher) handle(ctx context.Context, payload string) {
	var sig changeSignal
	if err := json.Unmarshal([]byte(payload), &sig); err != nil || sig.RelationshipID == 0 {
		w.logger.Warn("ignoring malformed change signal", zap.String("payload", payload))
		return
	}
	evalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := w.engine.Evaluate(evalCtx, sig.RelationshipID); err != nil {
		w.logger.Warn("re-evaluation failed",
			zap.Int64("relationship_id", sig.RelationshipID),
			zap.Error(err))
	}
}

// Stop cancels the subscription and waits for the consumer goroutine.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
	w.wg.Wait()
}
