package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-popularity/pkg/broker"
	"github.com/shubham-shewale/stock-popularity/pkg/clock"
	"github.com/shubham-shewale/stock-popularity/pkg/upstream"
)

type Worker struct {
	logger   Logger
	mode     Mode
	consumer Consumer
	policy   upstream.RetryPolicy
	clock    clock.Clock
}

func NewWorker(logger Logger, mode Mode, consumer Consumer, policy upstream.RetryPolicy, clk clock.Clock) *Worker {
	return &Worker{
		logger:   logger,
		mode:     mode,
		consumer: consumer,
		policy:   policy,
		clock:    clk,
	}
}

// Run consumes the mode's queue until ctx is done or a message cannot be
// handled. In the latter case the message stays uncommitted.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker Started", zap.String("mode", w.mode.Name()), zap.String("topic", w.mode.Topic()))
	if err := w.consumer.Run(ctx, w.Handle); err != nil {
		return fmt.Errorf("%s worker: %w", w.mode.Name(), err)
	}
	w.logger.Info("Worker stopped", zap.String("mode", w.mode.Name()))
	return nil
}

// Handle processes one message: a sentinel finishes the queue, anything else
// is a batch retried until it is persisted or dropped.
func (w *Worker) Handle(ctx context.Context, body []byte) error {
	if broker.IsSentinel(body) {
		w.logger.Info("Sentinel received", zap.String("mode", w.mode.Name()))
		return w.mode.Finish(ctx)
	}

	batch := broker.Split(body)
	if len(batch) == 0 {
		w.logger.Warn("Empty batch, skipping", zap.String("mode", w.mode.Name()))
		return nil
	}

	for attempt := 1; ; attempt++ {
		outcome, persist := w.mode.Attempt(ctx, batch)
		decision := w.policy.Decide(outcome)

		switch decision.Action {
		case upstream.ActionDone:
			if err := persist(ctx); err != nil {
				return err
			}
			w.logger.Debug("Batch persisted", zap.String("mode", w.mode.Name()), zap.Int("size", len(batch)), zap.Int("attempts", attempt))
			return w.clock.Sleep(ctx, decision.Wait)

		case upstream.ActionRetry:
			fields := []zap.Field{
				zap.String("mode", w.mode.Name()),
				zap.Stringer("outcome", outcome),
				zap.Duration("wait", decision.Wait),
				zap.Int("attempt", attempt),
			}
			if outcome.Kind == upstream.KindThrottled && !decision.ThrottleParsed {
				w.logger.Warn("Unrecognised throttle message, using fallback cooldown", fields...)
			} else {
				w.logger.Info("Retrying batch", fields...)
			}
			if err := w.clock.Sleep(ctx, decision.Wait); err != nil {
				return err
			}

		default:
			w.logger.Error("Dropping batch",
				zap.String("mode", w.mode.Name()),
				zap.Stringer("outcome", outcome),
				zap.Strings("batch", batch),
				zap.Duration("wait", decision.Wait))
			if decision.Wait == 0 {
				return nil
			}
			return w.clock.Sleep(ctx, decision.Wait)
		}
	}
}
