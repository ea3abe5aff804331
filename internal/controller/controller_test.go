package controller

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kinescale/kinescale/internal/control"
	"github.com/kinescale/kinescale/internal/models"
)

type stubAdapter struct {
	openShardCount int
}

func (a *stubAdapter) Describe(ctx context.Context, stream string) (control.StreamDescription, error) {
	return control.StreamDescription{Status: "ACTIVE", OpenShardCount: a.openShardCount}, nil
}

func (a *stubAdapter) ListOpenShards(ctx context.Context, stream string) ([]control.Shard, error) {
	return []control.Shard{{ID: "shard-1", StartHash: big.NewInt(0), EndHash: KinesisMaxHashKey}}, nil
}

func (a *stubAdapter) Split(ctx context.Context, stream, shardID string, at *big.Int, wait bool) error {
	return nil
}

func (a *stubAdapter) Merge(ctx context.Context, stream, lowerID, higherID string, wait bool) error {
	return nil
}

func (a *stubAdapter) WaitForActive(ctx context.Context, stream string) error { return nil }

func (a *stubAdapter) Notify(ctx context.Context, target, subject, body string) error { return nil }

type flatSource struct {
	value float64
	max   float64
}

func (s *flatSource) Samples(ctx context.Context, stream string, op models.KinesisOperationType, metric models.StreamMetric, start, end time.Time) (map[time.Time]float64, error) {
	out := make(map[time.Time]float64)
	for ts := start; !ts.After(end); ts = ts.Add(time.Minute) {
		out[ts] = s.value
	}
	return out, nil
}

func (s *flatSource) PerShardMax(ctx context.Context, stream string, op models.KinesisOperationType, metric models.StreamMetric) (float64, error) {
	return s.max, nil
}

type erroringSource struct{ err error }

func (s *erroringSource) Samples(ctx context.Context, stream string, op models.KinesisOperationType, metric models.StreamMetric, start, end time.Time) (map[time.Time]float64, error) {
	return nil, s.err
}

func (s *erroringSource) PerShardMax(ctx context.Context, stream string, op models.KinesisOperationType, metric models.StreamMetric) (float64, error) {
	return 0, s.err
}

func testPolicy(stream string) models.StreamPolicy {
	return models.StreamPolicy{
		StreamName:        stream,
		ScaleOnOperations:  []models.KinesisOperationType{models.OperationPut},
		MinShards:          1,
		MaxShards:          10,
		CheckIntervalSec:   3600,
		ScaleUp:            models.ThresholdSpec{ThresholdPct: 80, AfterMins: 3, CoolOffMins: 10},
		ScaleDown:          models.ThresholdSpec{ThresholdPct: 20, AfterMins: 3, CoolOffMins: 10},
	}
}

type collectingListener struct {
	reports []models.ScalingReport
}

func (l *collectingListener) OnReport(report models.ScalingReport) {
	l.reports = append(l.reports, report)
}

func TestStartRunsOneEngineMarkedHealthyPerPolicy(t *testing.T) {
	source := &flatSource{value: 10, max: 1000}
	adapter := &stubAdapter{openShardCount: 1}
	listener := &collectingListener{}

	c := New(source, adapter, zap.NewNop(), listener)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Start(ctx, []models.StreamPolicy{testPolicy("orders"), testPolicy("events")}))
	assert.ElementsMatch(t, []string{"orders", "events"}, c.Streams())
	assert.True(t, c.Healthy())

	c.Stop()
	assert.Empty(t, c.Errors())
}

func TestStartRejectsDuplicateStreamName(t *testing.T) {
	source := &flatSource{value: 10, max: 1000}
	adapter := &stubAdapter{openShardCount: 1}
	c := New(source, adapter, zap.NewNop(), &collectingListener{})

	err := c.Start(context.Background(), []models.StreamPolicy{testPolicy("orders"), testPolicy("orders")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestFatalEngineMarksControllerUnhealthy(t *testing.T) {
	source := &erroringSource{err: fmt.Errorf("boom")}
	adapter := &stubAdapter{openShardCount: 1}
	c := New(source, adapter, zap.NewNop(), &collectingListener{})

	require.NoError(t, c.Start(context.Background(), []models.StreamPolicy{testPolicy("orders")}))

	require.Eventually(t, func() bool { return !c.Healthy() }, 2*time.Second, 10*time.Millisecond)
	require.Len(t, c.Errors(), 1)
	assert.Contains(t, c.Errors()["orders"].Error(), "boom")

	c.Stop()
}

func TestSuppressAbortOnFatalKeepsControllerHealthy(t *testing.T) {
	source := &erroringSource{err: fmt.Errorf("boom")}
	adapter := &stubAdapter{openShardCount: 1}
	c := New(source, adapter, zap.NewNop(), &collectingListener{}, WithSuppressAbortOnFatal())

	require.NoError(t, c.Start(context.Background(), []models.StreamPolicy{testPolicy("orders")}))

	require.Eventually(t, func() bool { return len(c.Errors()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, c.Healthy())

	c.Stop()
}
