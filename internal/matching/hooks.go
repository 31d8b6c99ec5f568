package matching

import (
	"context"
	"log/slog"

	"github.com/synastry/matchd/internal/metrics"
)

// HookEvent describes one completed match page. Hooks run after the response
// is already on its way; nothing they do can affect it.
type HookEvent struct {
	UserID   string
	MatchIDs []string
}

// HookFunc is one post-processing consumer, e.g. predictive pre-warming of
// the profiles a user is likely to open next.
type HookFunc func(ctx context.Context, event HookEvent)

// hookQueue decouples post-processing from request handling with a bounded
// channel drained by a single worker. A full queue drops the event rather
// than blocking the response path.
type hookQueue struct {
	events  chan HookEvent
	hooks   []HookFunc
	logger  *slog.Logger
	metrics *metrics.Recorder
	done    chan struct{}
}

func newHookQueue(depth int, hooks []HookFunc, logger *slog.Logger, rec *metrics.Recorder) *hookQueue {
	if depth <= 0 {
		depth = 1
	}
	return &hookQueue{
		events:  make(chan HookEvent, depth),
		hooks:   hooks,
		logger:  logger,
		metrics: rec,
		done:    make(chan struct{}),
	}
}

// run drains the queue until ctx is canceled. Hook panics are contained so a
// misbehaving hook cannot take the worker down.
func (q *hookQueue) run(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-q.events:
			for _, hook := range q.hooks {
				q.invoke(ctx, hook, event)
			}
		}
	}
}

func (q *hookQueue) invoke(ctx context.Context, hook HookFunc, event HookEvent) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("post-processing hook panicked", slog.Any("panic", r))
		}
	}()
	hook(ctx, event)
}

// enqueue offers an event without blocking; it is dropped when the queue is
// full.
func (q *hookQueue) enqueue(event HookEvent) {
	select {
	case q.events <- event:
	default:
		q.metrics.ObserveHookDrop()
		q.logger.Debug("hook queue full, event dropped", slog.String("user_id", event.UserID))
	}
}
