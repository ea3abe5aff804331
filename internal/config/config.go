// Package config loads the stream autoscaling policy list from a
// file://, http(s)://, or s3:// URL, per spec.md section 6.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"gopkg.in/yaml.v3"

	"github.com/kinescale/kinescale/internal/models"
)

// ErrConfigInvalid wraps every startup configuration failure, per
// spec.md section 7's ConfigInvalid error kind.
type ErrConfigInvalid struct {
	Reason string
}

func (e *ErrConfigInvalid) Error() string {
	return fmt.Sprintf("config: invalid configuration: %s", e.Reason)
}

// rawThreshold mirrors spec.md section 6's scaleUp/scaleDown object shape.
type rawThreshold struct {
	ScaleThresholdPct int    `json:"scaleThresholdPct" yaml:"scaleThresholdPct"`
	ScaleAfterMins    int    `json:"scaleAfterMins" yaml:"scaleAfterMins"`
	ScaleCount        *int   `json:"scaleCount,omitempty" yaml:"scaleCount,omitempty"`
	ScalePct          *int   `json:"scalePct,omitempty" yaml:"scalePct,omitempty"`
	CoolOffMins       int    `json:"coolOffMins" yaml:"coolOffMins"`
	NotificationARN   string `json:"notificationARN,omitempty" yaml:"notificationARN,omitempty"`
}

// rawPolicy mirrors spec.md section 6's per-stream configuration object
// exactly, field-for-field, before conversion to models.StreamPolicy.
type rawPolicy struct {
	StreamName                  string       `json:"streamName" yaml:"streamName"`
	Region                      string       `json:"region" yaml:"region"`
	ScaleOnOperation             []string     `json:"scaleOnOperation" yaml:"scaleOnOperation"`
	MinShards                   int          `json:"minShards" yaml:"minShards"`
	MaxShards                   int          `json:"maxShards" yaml:"maxShards"`
	RefreshShardsNumberAfterMin int          `json:"refreshShardsNumberAfterMin,omitempty" yaml:"refreshShardsNumberAfterMin,omitempty"`
	CheckInterval               int          `json:"checkInterval" yaml:"checkInterval"`
	ScaleUp                     rawThreshold `json:"scaleUp" yaml:"scaleUp"`
	ScaleDown                   rawThreshold `json:"scaleDown" yaml:"scaleDown"`
}

// Fetcher retrieves the raw bytes of the configuration document a URL
// points to. Split out from Load so tests can stub the http/s3 paths
// without a live network.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// urlFetcher dispatches file://, http(s)://, and s3:// URLs to the
// scheme-appropriate reader, per spec.md 4.H.
type urlFetcher struct {
	httpClient *http.Client
	s3Client   *s3.Client
}

// NewURLFetcher builds a Fetcher. s3Client may be nil; it is only
// required if an s3:// URL is actually loaded.
func NewURLFetcher(s3Client *s3.Client) Fetcher {
	return &urlFetcher{httpClient: &http.Client{Timeout: 30 * time.Second}, s3Client: s3Client}
}

func (f *urlFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	switch {
	case strings.HasPrefix(rawURL, "file://"):
		return os.ReadFile(strings.TrimPrefix(rawURL, "file://"))

	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := f.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("config: fetching %s: unexpected status %d", rawURL, resp.StatusCode)
		}
		return io.ReadAll(resp.Body)

	case strings.HasPrefix(rawURL, "s3://"):
		if f.s3Client == nil {
			return nil, fmt.Errorf("config: no S3 client configured for %s", rawURL)
		}
		bucket, key, err := splitS3URL(rawURL)
		if err != nil {
			return nil, err
		}
		out, err := f.s3Client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
		if err != nil {
			return nil, fmt.Errorf("config: s3 GetObject %s: %w", rawURL, err)
		}
		defer out.Body.Close()
		return io.ReadAll(out.Body)

	default:
		return nil, fmt.Errorf("config: unsupported URL scheme in %q", rawURL)
	}
}

func splitS3URL(rawURL string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(rawURL, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("config: malformed s3 URL %q, expected s3://bucket/key", rawURL)
	}
	return parts[0], parts[1], nil
}

// NewDefaultS3Client builds an S3 client from the ambient AWS config, for
// callers that want s3:// support without constructing their own client.
func NewDefaultS3Client(ctx context.Context) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("config: loading AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// Load fetches configFileURL and decodes the policy list it contains
// (a bare JSON or YAML array, per spec.md section 6 — detected from the
// URL's file extension, defaulting to JSON).
func Load(ctx context.Context, fetcher Fetcher, configFileURL string) ([]models.StreamPolicy, error) {
	if configFileURL == "" {
		return nil, &ErrConfigInvalid{Reason: "config-file-url is required"}
	}

	data, err := fetcher.Fetch(ctx, configFileURL)
	if err != nil {
		return nil, &ErrConfigInvalid{Reason: err.Error()}
	}

	var raws []rawPolicy
	if isYAML(configFileURL) {
		err = yaml.Unmarshal(data, &raws)
	} else {
		err = json.Unmarshal(data, &raws)
	}
	if err != nil {
		return nil, &ErrConfigInvalid{Reason: fmt.Sprintf("decoding %s: %v", configFileURL, err)}
	}

	policies := make([]models.StreamPolicy, 0, len(raws))
	for _, r := range raws {
		p, err := toPolicy(r)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	if len(policies) == 0 {
		return nil, &ErrConfigInvalid{Reason: "configuration contains no stream policies"}
	}
	return policies, nil
}

func isYAML(url string) bool {
	return strings.HasSuffix(url, ".yaml") || strings.HasSuffix(url, ".yml")
}

func toPolicy(r rawPolicy) (models.StreamPolicy, error) {
	if r.StreamName == "" {
		return models.StreamPolicy{}, &ErrConfigInvalid{Reason: "streamName is required"}
	}
	if r.MinShards < 1 {
		return models.StreamPolicy{}, &ErrConfigInvalid{Reason: fmt.Sprintf("%s: minShards must be >= 1", r.StreamName)}
	}
	if r.MaxShards < r.MinShards {
		return models.StreamPolicy{}, &ErrConfigInvalid{Reason: fmt.Sprintf("%s: maxShards must be >= minShards", r.StreamName)}
	}

	ops := make([]models.KinesisOperationType, 0, len(r.ScaleOnOperation))
	for _, op := range r.ScaleOnOperation {
		switch strings.ToUpper(op) {
		case string(models.OperationPut):
			ops = append(ops, models.OperationPut)
		case string(models.OperationGet):
			ops = append(ops, models.OperationGet)
		default:
			return models.StreamPolicy{}, &ErrConfigInvalid{Reason: fmt.Sprintf("%s: unknown scaleOnOperation %q", r.StreamName, op)}
		}
	}
	if len(ops) == 0 {
		return models.StreamPolicy{}, &ErrConfigInvalid{Reason: fmt.Sprintf("%s: scaleOnOperation must name at least one operation", r.StreamName)}
	}

	up, err := toThreshold(r.StreamName, "scaleUp", r.ScaleUp)
	if err != nil {
		return models.StreamPolicy{}, err
	}
	down, err := toThreshold(r.StreamName, "scaleDown", r.ScaleDown)
	if err != nil {
		return models.StreamPolicy{}, err
	}

	refresh := r.RefreshShardsNumberAfterMin
	if refresh == 0 {
		refresh = 10
	}

	return models.StreamPolicy{
		StreamName:               r.StreamName,
		Region:                   r.Region,
		ScaleOnOperations:        ops,
		MinShards:                r.MinShards,
		MaxShards:                r.MaxShards,
		RefreshCapacityAfterMins: refresh,
		CheckIntervalSec:         r.CheckInterval,
		ScaleUp:                  up,
		ScaleDown:                down,
	}, nil
}

func toThreshold(stream, side string, r rawThreshold) (models.ThresholdSpec, error) {
	if r.ScaleThresholdPct < 1 || r.ScaleThresholdPct > 100 {
		return models.ThresholdSpec{}, &ErrConfigInvalid{Reason: fmt.Sprintf("%s: %s.scaleThresholdPct must be in [1,100]", stream, side)}
	}
	if r.ScaleAfterMins < 1 {
		return models.ThresholdSpec{}, &ErrConfigInvalid{Reason: fmt.Sprintf("%s: %s.scaleAfterMins must be >= 1", stream, side)}
	}
	if r.CoolOffMins < 0 {
		return models.ThresholdSpec{}, &ErrConfigInvalid{Reason: fmt.Sprintf("%s: %s.coolOffMins must be >= 0", stream, side)}
	}
	return models.ThresholdSpec{
		ThresholdPct:    r.ScaleThresholdPct,
		AfterMins:       r.ScaleAfterMins,
		Count:           r.ScaleCount,
		Pct:             r.ScalePct,
		CoolOffMins:     r.CoolOffMins,
		NotificationARN: r.NotificationARN,
	}, nil
}
