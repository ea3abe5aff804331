package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinescale/kinescale/internal/models"
)

const validDoc = `[
  {
    "streamName": "orders",
    "region": "us-east-1",
    "scaleOnOperation": ["PUT"],
    "minShards": 1,
    "maxShards": 10,
    "checkInterval": 60,
    "scaleUp":   {"scaleThresholdPct": 80, "scaleAfterMins": 3, "scaleCount": 2, "coolOffMins": 10, "notificationARN": "arn:up"},
    "scaleDown": {"scaleThresholdPct": 20, "scaleAfterMins": 3, "scalePct": 50, "coolOffMins": 10}
  }
]`

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return "file://" + path
}

func TestLoadFromFileURL(t *testing.T) {
	url := writeTempConfig(t, "policies.json", validDoc)

	policies, err := Load(context.Background(), NewURLFetcher(nil), url)
	require.NoError(t, err)
	require.Len(t, policies, 1)

	p := policies[0]
	assert.Equal(t, "orders", p.StreamName)
	assert.Equal(t, 1, p.MinShards)
	assert.Equal(t, 10, p.MaxShards)
	assert.Equal(t, 10, p.RefreshCapacityAfterMins, "defaults to 10 when refreshShardsNumberAfterMin is omitted")
	assert.Equal(t, 80, p.ScaleUp.ThresholdPct)
	assert.Equal(t, 2, *p.ScaleUp.Count)
	assert.Equal(t, 50, *p.ScaleDown.Pct)
}

func TestLoadRejectsEmptyURL(t *testing.T) {
	_, err := Load(context.Background(), NewURLFetcher(nil), "")
	require.Error(t, err)
	assert.IsType(t, &ErrConfigInvalid{}, err)
}

func TestLoadRejectsMissingStreamName(t *testing.T) {
	url := writeTempConfig(t, "bad.json", `[{"minShards":1,"maxShards":2,"scaleOnOperation":["PUT"],"scaleUp":{"scaleThresholdPct":80,"scaleAfterMins":3},"scaleDown":{"scaleThresholdPct":20,"scaleAfterMins":3}}]`)

	_, err := Load(context.Background(), NewURLFetcher(nil), url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "streamName")
}

func TestLoadRejectsMaxBelowMin(t *testing.T) {
	url := writeTempConfig(t, "bad.json", `[{"streamName":"s","minShards":5,"maxShards":2,"scaleOnOperation":["PUT"],"scaleUp":{"scaleThresholdPct":80,"scaleAfterMins":3},"scaleDown":{"scaleThresholdPct":20,"scaleAfterMins":3}}]`)

	_, err := Load(context.Background(), NewURLFetcher(nil), url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxShards")
}

func TestLoadRejectsUnknownOperation(t *testing.T) {
	url := writeTempConfig(t, "bad.json", `[{"streamName":"s","minShards":1,"maxShards":2,"scaleOnOperation":["DELETE"],"scaleUp":{"scaleThresholdPct":80,"scaleAfterMins":3},"scaleDown":{"scaleThresholdPct":20,"scaleAfterMins":3}}]`)

	_, err := Load(context.Background(), NewURLFetcher(nil), url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scaleOnOperation")
}

func TestLoadRejectsOutOfRangeThreshold(t *testing.T) {
	url := writeTempConfig(t, "bad.json", `[{"streamName":"s","minShards":1,"maxShards":2,"scaleOnOperation":["PUT"],"scaleUp":{"scaleThresholdPct":150,"scaleAfterMins":3},"scaleDown":{"scaleThresholdPct":20,"scaleAfterMins":3}}]`)

	_, err := Load(context.Background(), NewURLFetcher(nil), url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scaleThresholdPct")
}

func TestLoadRejectsEmptyPolicyList(t *testing.T) {
	url := writeTempConfig(t, "empty.json", `[]`)

	_, err := Load(context.Background(), NewURLFetcher(nil), url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no stream policies")
}

type stubFetcher struct {
	body []byte
	err  error
}

func (f stubFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f.body, f.err
}

func TestLoadYAMLDetectedByExtension(t *testing.T) {
	yamlDoc := []byte(`
- streamName: orders
  minShards: 1
  maxShards: 4
  scaleOnOperation: ["put"]
  checkInterval: 30
  scaleUp: {scaleThresholdPct: 75, scaleAfterMins: 2, scaleCount: 1, coolOffMins: 5}
  scaleDown: {scaleThresholdPct: 15, scaleAfterMins: 2, scalePct: 30, coolOffMins: 5}
`)

	policies, err := Load(context.Background(), stubFetcher{body: yamlDoc}, "https://config.example.com/policies.yaml")
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, models.OperationPut, policies[0].ScaleOnOperations[0])
}
