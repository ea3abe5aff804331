package metricsource

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinescale/kinescale/internal/models"
)

type fakeCWClient struct {
	out *cloudwatch.GetMetricStatisticsOutput
	err error
	in  *cloudwatch.GetMetricStatisticsInput
}

func (f *fakeCWClient) GetMetricStatistics(ctx context.Context, in *cloudwatch.GetMetricStatisticsInput, opts ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error) {
	f.in = in
	return f.out, f.err
}

func TestSamplesUsesIncomingMetricsForPut(t *testing.T) {
	now := time.Now().Truncate(time.Minute)
	client := &fakeCWClient{out: &cloudwatch.GetMetricStatisticsOutput{
		Datapoints: []types.Datapoint{
			{Timestamp: aws.Time(now), Sum: aws.Float64(42)},
		},
	}}
	src := NewCloudWatchSource(client, nil)

	samples, err := src.Samples(context.Background(), "s1", models.OperationPut, models.MetricRecords, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, "IncomingRecords", aws.ToString(client.in.MetricName))
	assert.Equal(t, 42.0, samples[now])
}

func TestSamplesUsesOutgoingMetricsForGet(t *testing.T) {
	client := &fakeCWClient{out: &cloudwatch.GetMetricStatisticsOutput{}}
	src := NewCloudWatchSource(client, nil)

	_, err := src.Samples(context.Background(), "s1", models.OperationGet, models.MetricBytes, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "OutgoingBytes", aws.ToString(client.in.MetricName))
}

func TestPerShardMaxKnownPairs(t *testing.T) {
	src := NewCloudWatchSource(&fakeCWClient{}, nil)

	got, err := src.PerShardMax(context.Background(), "s1", models.OperationPut, models.MetricBytes)
	require.NoError(t, err)
	assert.Equal(t, float64(1<<20), got)

	got, err = src.PerShardMax(context.Background(), "s1", models.OperationGet, models.MetricRecords)
	require.NoError(t, err)
	assert.Equal(t, 2000.0, got)
}

func TestSamplesPropagatesError(t *testing.T) {
	client := &fakeCWClient{err: assertErr{}}
	src := NewCloudWatchSource(client, nil)

	_, err := src.Samples(context.Background(), "s1", models.OperationPut, models.MetricRecords, time.Now(), time.Now())
	assert.Error(t, err)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
