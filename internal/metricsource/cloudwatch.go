// Package metricsource is the Metric Source adapter from spec.md 4.A: it
// fetches per-minute aggregated utilization datapoints for a stream's
// operations and reports the provider-published per-shard throughput
// quota those datapoints are measured against.
package metricsource

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kinescale/kinescale/internal/models"
)

var tracer = otel.Tracer("kinescale/metricsource")

const namespace = "AWS/Kinesis"

// cloudwatchMetricName maps a (operation, metric) pair to the CloudWatch
// metric name Kinesis publishes for it.
var cloudwatchMetricName = map[models.KinesisOperationType]map[models.StreamMetric]string{
	models.OperationPut: {
		models.MetricRecords: "IncomingRecords",
		models.MetricBytes:   "IncomingBytes",
	},
	models.OperationGet: {
		models.MetricRecords: "OutgoingRecords",
		models.MetricBytes:   "OutgoingBytes",
	},
}

// perShardLimits holds Kinesis's documented per-shard throughput quotas,
// mirroring the Java StreamMetricManager's hard-coded limits (spec.md
// section 9's Open Question on per-shard capacity that varies with shard
// width/tier: these are returned by a stream/op/metric-scoped method
// rather than a package constant, so a width-aware provider can replace
// this table without an interface change).
var perShardLimits = map[models.KinesisOperationType]map[models.StreamMetric]float64{
	models.OperationPut: {
		models.MetricRecords: 1000,
		models.MetricBytes:   1 << 20, // 1 MiB/sec
	},
	models.OperationGet: {
		models.MetricRecords: 2000,
		models.MetricBytes:   2 << 20, // 2 MiB/sec
	},
}

// Client is the subset of the CloudWatch SDK client the adapter needs;
// satisfied by *cloudwatch.Client and by test doubles.
type Client interface {
	GetMetricStatistics(ctx context.Context, in *cloudwatch.GetMetricStatisticsInput, opts ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
}

// Source is the Metric Source adapter contract from spec.md 4.A.
type Source interface {
	// Samples returns aggregated sum-per-minute datapoints for stream's
	// op/metric over [start,end]. Gaps are permitted; the caller treats
	// a missing minute as zero activity.
	Samples(ctx context.Context, stream string, op models.KinesisOperationType, metric models.StreamMetric, start, end time.Time) (map[time.Time]float64, error)

	// PerShardMax returns the provider-published quota per shard for
	// stream's op/metric.
	PerShardMax(ctx context.Context, stream string, op models.KinesisOperationType, metric models.StreamMetric) (float64, error)
}

// CloudWatchSource is the production Source backed by the real
// CloudWatch SDK. Per spec.md 4.A, it carries no retry policy beyond the
// SDK's own transport-level retries: a failed fetch surfaces directly to
// the decision engine, which logs it and proceeds to the next iteration.
type CloudWatchSource struct {
	client Client
	logger *zap.Logger
}

// NewCloudWatchSource builds a Source over client.
func NewCloudWatchSource(client Client, logger *zap.Logger) *CloudWatchSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CloudWatchSource{client: client, logger: logger}
}

func (s *CloudWatchSource) Samples(ctx context.Context, stream string, op models.KinesisOperationType, metric models.StreamMetric, start, end time.Time) (map[time.Time]float64, error) {
	metricName, err := resolveMetricName(op, metric)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "metricsource.Samples", trace.WithAttributes(
		attribute.String("stream", stream), attribute.String("operation", string(op)), attribute.String("metric", string(metric))))
	defer span.End()

	out, err := s.client.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String(namespace),
		MetricName: aws.String(metricName),
		Dimensions: []types.Dimension{{Name: aws.String("StreamName"), Value: aws.String(stream)}},
		StartTime:  aws.Time(start),
		EndTime:    aws.Time(end),
		Period:     aws.Int32(60),
		Statistics: []types.Statistic{types.StatisticSum},
	})
	if err != nil {
		return nil, fmt.Errorf("metricsource: GetMetricStatistics %s/%s: %w", op, metric, err)
	}

	samples := make(map[time.Time]float64, len(out.Datapoints))
	for _, dp := range out.Datapoints {
		if dp.Timestamp == nil {
			continue
		}
		samples[dp.Timestamp.Truncate(time.Minute)] = aws.ToFloat64(dp.Sum)
	}
	return samples, nil
}

func (s *CloudWatchSource) PerShardMax(ctx context.Context, stream string, op models.KinesisOperationType, metric models.StreamMetric) (float64, error) {
	byMetric, ok := perShardLimits[op]
	if !ok {
		return 0, fmt.Errorf("metricsource: no per-shard limit table for operation %q", op)
	}
	limit, ok := byMetric[metric]
	if !ok {
		return 0, fmt.Errorf("metricsource: no per-shard limit for operation %q metric %q", op, metric)
	}
	return limit, nil
}

func resolveMetricName(op models.KinesisOperationType, metric models.StreamMetric) (string, error) {
	byMetric, ok := cloudwatchMetricName[op]
	if !ok {
		return "", fmt.Errorf("metricsource: unsupported operation %q", op)
	}
	name, ok := byMetric[metric]
	if !ok {
		return "", fmt.Errorf("metricsource: unsupported metric %q for operation %q", metric, op)
	}
	return name, nil
}
