package control

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kinescale/kinescale/internal/telemetry"
)

var tracer = otel.Tracer("kinescale/control")

// KinesisClient is the subset of the Kinesis SDK client the adapter
// needs; satisfied by *kinesis.Client and by test doubles.
type KinesisClient interface {
	DescribeStreamSummary(ctx context.Context, in *kinesis.DescribeStreamSummaryInput, opts ...func(*kinesis.Options)) (*kinesis.DescribeStreamSummaryOutput, error)
	ListShards(ctx context.Context, in *kinesis.ListShardsInput, opts ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error)
	SplitShard(ctx context.Context, in *kinesis.SplitShardInput, opts ...func(*kinesis.Options)) (*kinesis.SplitShardOutput, error)
	MergeShards(ctx context.Context, in *kinesis.MergeShardsInput, opts ...func(*kinesis.Options)) (*kinesis.MergeShardsOutput, error)
}

// KinesisAdapter is the production Adapter backed by the real Kinesis
// SDK, grounded on StreamScalingUtils.doOperation's
// KinesisOperation-plus-retry shape from the original implementation,
// generalized into the withRetry helper in adapter.go.
type KinesisAdapter struct {
	client   KinesisClient
	limiter  *StreamLimiter
	notifier Notifier
	logger   *zap.Logger
}

// NewKinesisAdapter builds a control.Adapter over client. notifier may be
// nil, in which case Notify is a no-op (matching spec.md 4.B's
// fire-and-forget semantics when no notificationARN is configured).
func NewKinesisAdapter(client KinesisClient, notifier Notifier, logger *zap.Logger) *KinesisAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KinesisAdapter{
		client:   client,
		limiter:  DefaultStreamLimiter(),
		notifier: notifier,
		logger:   logger,
	}
}

func (a *KinesisAdapter) Describe(ctx context.Context, stream string) (StreamDescription, error) {
	ctx, span := tracer.Start(ctx, "control.Describe", trace.WithAttributes(attribute.String("stream", stream)))
	defer span.End()
	defer telemetry.RecordDuration(ctx, "control_plane_call", time.Now(), attribute.String("operation", "Describe"))

	return withRetry(ctx, a.logger, "Describe", DescribeRetries, func() (StreamDescription, error) {
		out, err := a.client.DescribeStreamSummary(ctx, &kinesis.DescribeStreamSummaryInput{StreamName: aws.String(stream)})
		if err != nil {
			return StreamDescription{}, classifyAWSError(err)
		}
		return StreamDescription{
			Status:         string(out.StreamDescriptionSummary.StreamStatus),
			OpenShardCount: int(aws.ToInt32(out.StreamDescriptionSummary.OpenShardCount)),
		}, nil
	})
}

func (a *KinesisAdapter) ListOpenShards(ctx context.Context, stream string) ([]Shard, error) {
	ctx, span := tracer.Start(ctx, "control.ListOpenShards", trace.WithAttributes(attribute.String("stream", stream)))
	defer span.End()
	defer telemetry.RecordDuration(ctx, "control_plane_call", time.Now(), attribute.String("operation", "ListShards"))

	return withRetry(ctx, a.logger, "ListShards", DescribeRetries, func() ([]Shard, error) {
		var shards []Shard
		var nextToken *string

		for {
			in := &kinesis.ListShardsInput{MaxResults: aws.Int32(1000)}
			if nextToken != nil {
				in.NextToken = nextToken
			} else {
				in.StreamName = aws.String(stream)
			}

			out, err := a.client.ListShards(ctx, in)
			if err != nil {
				return nil, classifyAWSError(err)
			}

			for _, s := range out.Shards {
				shards = append(shards, toShard(s))
			}

			if out.NextToken == nil {
				break
			}
			nextToken = out.NextToken
		}

		return shards, nil
	})
}

func toShard(s types.Shard) Shard {
	start, _ := new(big.Int).SetString(aws.ToString(s.HashKeyRange.StartingHashKey), 10)
	end, _ := new(big.Int).SetString(aws.ToString(s.HashKeyRange.EndingHashKey), 10)
	out := Shard{ID: aws.ToString(s.ShardId), StartHash: start, EndHash: end}
	if s.ParentShardId != nil {
		out.ParentID = aws.ToString(s.ParentShardId)
	}
	if s.AdjacentParentShardId != nil {
		out.AdjacentParentID = aws.ToString(s.AdjacentParentShardId)
	}
	return out
}

func (a *KinesisAdapter) Split(ctx context.Context, stream, shardID string, newStartingHash *big.Int, waitForActive bool) error {
	ctx, span := tracer.Start(ctx, "control.Split", trace.WithAttributes(
		attribute.String("stream", stream), attribute.String("shard_id", shardID)))
	defer span.End()
	defer telemetry.RecordDuration(ctx, "control_plane_call", time.Now(), attribute.String("operation", "SplitShard"))

	if err := a.limiter.WaitForStream(ctx, stream); err != nil {
		return err
	}

	_, err := withRetry(ctx, a.logger, "SplitShard", ModifyRetries, func() (struct{}, error) {
		_, err := a.client.SplitShard(ctx, &kinesis.SplitShardInput{
			StreamName:         aws.String(stream),
			ShardToSplit:       aws.String(shardID),
			NewStartingHashKey: aws.String(newStartingHash.String()),
		})
		if err != nil {
			return struct{}{}, classifyAWSError(err)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}

	if waitForActive {
		return a.WaitForActive(ctx, stream)
	}
	return nil
}

func (a *KinesisAdapter) Merge(ctx context.Context, stream, lowerID, higherID string, waitForActive bool) error {
	ctx, span := tracer.Start(ctx, "control.Merge", trace.WithAttributes(
		attribute.String("stream", stream), attribute.String("lower_id", lowerID), attribute.String("higher_id", higherID)))
	defer span.End()
	defer telemetry.RecordDuration(ctx, "control_plane_call", time.Now(), attribute.String("operation", "MergeShards"))

	if err := a.limiter.WaitForStream(ctx, stream); err != nil {
		return err
	}

	_, err := withRetry(ctx, a.logger, "MergeShards", ModifyRetries, func() (struct{}, error) {
		_, err := a.client.MergeShards(ctx, &kinesis.MergeShardsInput{
			StreamName:           aws.String(stream),
			ShardToMerge:         aws.String(lowerID),
			AdjacentShardToMerge: aws.String(higherID),
		})
		if err != nil {
			return struct{}{}, classifyAWSError(err)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}

	if waitForActive {
		return a.WaitForActive(ctx, stream)
	}
	return nil
}

// WaitForActive polls Describe until the stream reports ACTIVE, sleeping
// 20s before the first poll and 1s between subsequent polls, per
// spec.md 4.B.
func (a *KinesisAdapter) WaitForActive(ctx context.Context, stream string) error {
	delay := firstActivePollDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = subsequentActivePollDelay

		desc, err := a.Describe(ctx, stream)
		if err != nil {
			return err
		}
		if desc.Status == statusActive {
			return nil
		}
	}
}

func (a *KinesisAdapter) Notify(ctx context.Context, target, subject, body string) error {
	if a.notifier == nil || target == "" {
		return nil
	}
	return a.notifier.Notify(ctx, target, subject, body)
}

// classifyAWSError maps a Kinesis SDK error to the sentinel errors
// withRetry's classifier understands.
func classifyAWSError(err error) error {
	var inUse *types.ResourceInUseException
	var limitExceeded *types.LimitExceededException
	var notFound *types.ResourceNotFoundException

	switch {
	case errors.As(err, &inUse):
		return fmt.Errorf("%w: %v", ErrShardBusy, err)
	case errors.As(err, &limitExceeded):
		return fmt.Errorf("%w: %v", ErrThrottled, err)
	case errors.As(err, &notFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	default:
		return err
	}
}
