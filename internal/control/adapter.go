// Package control talks to the stream's control plane: describing the
// stream, listing open shards, and issuing the split/merge operations the
// resize planner decides are necessary. It owns the retry discipline
// spec.md 4.B requires so callers never see a transient ShardBusy or
// throttling error.
package control

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"go.uber.org/zap"
)

// DescribeRetries and ModifyRetries bound the retry loop for read-only and
// mutating control-plane calls respectively, per spec.md 4.B.
const (
	DescribeRetries = 10
	ModifyRetries   = 10

	// retryBaseDelay is the unit exponential backoff is scaled from:
	// 2^attempt * retryBaseDelay, per spec.md 4.B.
	retryBaseDelay = 100 * time.Millisecond

	// shardBusyDelay is the fixed sleep between ShardBusy retries.
	shardBusyDelay = 1 * time.Second

	// firstActivePollDelay and subsequentActivePollDelay bound
	// WaitForActive's polling cadence, per spec.md 4.B.
	firstActivePollDelay      = 20 * time.Second
	subsequentActivePollDelay = 1 * time.Second

	statusActive = "ACTIVE"
)

// KinesisMaxHashKey is the largest hash key Kinesis assigns to a shard:
// 2^128 - 1, the upper bound of the MD5 partition-key space.
var KinesisMaxHashKey = func() *big.Int {
	max := new(big.Int).Lsh(big.NewInt(1), 128)
	return max.Sub(max, big.NewInt(1))
}()

// Sentinel errors classify control-plane failures per spec.md section 7.
var (
	ErrShardBusy          = errors.New("control: shard is busy")
	ErrThrottled          = errors.New("control: request was throttled")
	ErrNotFound           = errors.New("control: resource not found")
	ErrOperationExhausted = errors.New("control: operation exhausted its retry budget")
	ErrNotAdjacent        = errors.New("control: shards are not adjacent")
)

// StreamDescription is the subset of control-plane stream metadata the
// planner and engine need.
type StreamDescription struct {
	Status         string
	OpenShardCount int
}

// Shard mirrors the control plane's view of one shard, including closed
// ones, so topology.Build can derive the open-shard set.
type Shard struct {
	ID               string
	StartHash        *big.Int
	EndHash          *big.Int
	ParentID         string
	AdjacentParentID string
}

// Notifier delivers a fire-and-forget notification. control.Adapter
// accepts one via composition rather than importing the notify package
// directly, so any notification transport can be wired in by the caller.
type Notifier interface {
	Notify(ctx context.Context, target, subject, body string) error
}

// Adapter is the Stream Control adapter contract from spec.md 4.B. All
// operations are idempotent from the caller's standpoint: the adapter
// retries transport-level failures internally and only returns an error
// once its retry budget is exhausted or the failure is terminal.
type Adapter interface {
	Describe(ctx context.Context, stream string) (StreamDescription, error)
	ListOpenShards(ctx context.Context, stream string) ([]Shard, error)
	Split(ctx context.Context, stream, shardID string, newStartingHash *big.Int, waitForActive bool) error
	Merge(ctx context.Context, stream, lowerID, higherID string, waitForActive bool) error
	WaitForActive(ctx context.Context, stream string) error
	Notify(ctx context.Context, target, subject, body string) error
}

// classifier maps an adapter error to a retry policy. Kept separate from
// the retry loop so "is this retryable, and how" is answered in one place
// per error family instead of scattered through every call site — the
// single-retrying-helper shape spec.md section 9's REDESIGN FLAG calls
// for in place of the Java original's per-call anonymous KinesisOperation.
type classifier func(err error) (retry bool, delay time.Duration)

// fixedClassifier retries ErrShardBusy with a constant delay and
// ErrThrottled with exponential backoff; anything else is terminal.
func fixedClassifier(attempt int) classifier {
	return func(err error) (bool, time.Duration) {
		switch {
		case errors.Is(err, ErrShardBusy):
			return true, shardBusyDelay
		case errors.Is(err, ErrThrottled):
			delay := time.Duration(math.Pow(2, float64(attempt))) * retryBaseDelay
			return true, delay
		default:
			return false, 0
		}
	}
}

// withRetry runs op, retrying per fixedClassifier's verdict up to maxAttempts
// times, sleeping the classifier's requested delay (or returning early on
// context cancellation) between attempts.
func withRetry[T any](ctx context.Context, logger *zap.Logger, name string, maxAttempts int, op func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := op()
		if err == nil {
			return result, nil
		}
		lastErr = err

		retry, delay := fixedClassifier(attempt)(err)
		if !retry {
			return zero, err
		}

		logger.Debug("control: retrying operation",
			zap.String("operation", name),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	return zero, fmt.Errorf("%w: %s failed after %d attempts: %v", ErrOperationExhausted, name, maxAttempts, lastErr)
}
