package notify

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaReader is the part of *kafka.Reader that ConsumeKafka uses.
type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Backoff bounds the wait between failed fetches. The wait doubles from Min
// up to Max and resets after a successful fetch.
type Backoff struct {
	Min, Max time.Duration
}

// DefaultBackoff is the notifier's fetch retry policy.
var DefaultBackoff = Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second}

// ConsumeKafka feeds every fetched message to c until ctx is done. Offsets
// are committed after Handle returns, so events in flight at a crash are
// replayed. Events the store rejects are logged and skipped. Fetch errors are
// retried with backoff.
func ConsumeKafka(ctx context.Context, r KafkaReader, c *Consumer, retry Backoff, handleTimeout time.Duration, logger *zap.Logger) {
	wait := retry.Min
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("kafka fetch failed, retrying", zap.Duration("backoff", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			wait = min(wait*2, retry.Max)
			continue
		}
		wait = retry.Min

		hctx, cancel := context.WithTimeout(ctx, handleTimeout)
		err = c.Handle(hctx, m.Value)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("kafka notification failed",
				zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
		}

		if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			logger.Error("kafka commit failed", zap.Error(err))
		}
	}
}
