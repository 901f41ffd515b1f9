package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/bet-engine/internal/metrics"
	"github.com/atmx/bet-engine/internal/model"
)

// continuationTimeout bounds the post-commit side-effect window.
const continuationTimeout = 5 * time.Second

// EventSink receives post-commit trade events: websocket broadcast,
// notification dispatch, cache warmers. Sink failures never fail the
// trade; they are logged and counted.
type EventSink interface {
	Name() string
	Publish(ctx context.Context, ev model.TradeEvent) error
}

// publish runs the continuation: every sink gets the event concurrently,
// detached from the request context. The committed trade is already
// durable; this is best-effort fan-out.
func (e *Executor) publish(ev model.TradeEvent) {
	if len(e.sinks) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), continuationTimeout)
	g, ctx := errgroup.WithContext(ctx)
	for _, sink := range e.sinks {
		sink := sink
		g.Go(func() error {
			if err := sink.Publish(ctx, ev); err != nil {
				metrics.ContinuationFailures.WithLabelValues(sink.Name()).Inc()
				e.logger.Error("continuation step failed",
					"step", sink.Name(),
					"contract_id", ev.ContractID,
					"error", err)
			}
			return nil
		})
	}
	go func() {
		defer cancel()
		_ = g.Wait()
	}()
}
