package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kinescale/kinescale/internal/models"
)

type stubSource struct {
	healthy bool
	streams []string
	reports map[string]*models.ScalingReport
}

func (s *stubSource) Healthy() bool     { return s.healthy }
func (s *stubSource) Streams() []string { return s.streams }
func (s *stubSource) LastReport(stream string) *models.ScalingReport {
	return s.reports[stream]
}

func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	lis.Close()
	return addr
}

func startTestServer(t *testing.T, source ReportSource) (*Server, string) {
	t.Helper()
	addr := freeAddr(t)
	s := New(Config{HTTPAddr: addr}, source, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	require.Eventually(t, func() bool {
		_, err := http.Get("http://" + addr + "/health")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	return s, addr
}

func TestHealthEndpointReflectsSourceHealth(t *testing.T) {
	source := &stubSource{healthy: true}
	_, addr := startTestServer(t, source)

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	source.healthy = false
	resp, err = http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestReadyEndpointListsStreams(t *testing.T) {
	source := &stubSource{healthy: true, streams: []string{"orders", "events"}}
	_, addr := startTestServer(t, source)

	resp, err := http.Get("http://" + addr + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.ElementsMatch(t, []interface{}{"orders", "events"}, body["streams"])
}

func TestReportEndpointReturns404WhenNoReportYet(t *testing.T) {
	source := &stubSource{healthy: true, reports: map[string]*models.ScalingReport{}}
	_, addr := startTestServer(t, source)

	resp, err := http.Get("http://" + addr + "/report/orders")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReportEndpointReturnsLastReport(t *testing.T) {
	report := &models.ScalingReport{Stream: "orders", Direction: models.ScaleUp, EndShardCount: 4, Status: models.ReportOk}
	source := &stubSource{healthy: true, reports: map[string]*models.ScalingReport{"orders": report}}
	_, addr := startTestServer(t, source)

	resp, err := http.Get("http://" + addr + "/report/orders")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got models.ScalingReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, report.Stream, got.Stream)
	assert.Equal(t, report.EndShardCount, got.EndShardCount)
}
