package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kinescale/kinescale/internal/models"
)

// ReportBusConfig mirrors the teacher's NATS JetStream configuration shape,
// generalized from per-event-type subjects to the single
// "kinescale.reports.>" hierarchy this bus publishes onto.
type ReportBusConfig struct {
	URL                  string        `json:"url" yaml:"url"`
	StreamName           string        `json:"stream_name" yaml:"stream_name"`
	MaxAge               time.Duration `json:"max_age" yaml:"max_age"`
	MaxBytes             int64         `json:"max_bytes" yaml:"max_bytes"`
	MaxMsgs              int64         `json:"max_msgs" yaml:"max_msgs"`
	Replicas             int           `json:"replicas" yaml:"replicas"`
	ConnectTimeout       time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	ReconnectWait        time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
}

// DefaultReportBusConfig returns the bus configuration used when the
// caller doesn't override it.
func DefaultReportBusConfig() *ReportBusConfig {
	return &ReportBusConfig{
		URL:                  "nats://localhost:4222",
		StreamName:           "KINESCALE_REPORTS",
		MaxAge:               24 * time.Hour,
		MaxBytes:             1024 * 1024 * 1024,
		MaxMsgs:              1000000,
		Replicas:             1,
		ConnectTimeout:       10 * time.Second,
		ReconnectWait:        2 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// ReportBus publishes finalized ScalingReport values onto
// "kinescale.reports.<stream>" via NATS JetStream, so any downstream
// consumer can follow the autoscaler's decisions without polling the
// health server's last-report endpoint.
type ReportBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
	config *ReportBusConfig
}

// NewReportBus connects to NATS and provisions the JetStream stream that
// backs the report feed.
func NewReportBus(config *ReportBusConfig, logger *zap.Logger) (*ReportBus, error) {
	if config == nil {
		config = DefaultReportBusConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	bus := &ReportBus{logger: logger, config: config}

	if err := bus.connect(); err != nil {
		return nil, fmt.Errorf("notify: connecting to NATS: %w", err)
	}
	if err := bus.setupStream(); err != nil {
		bus.conn.Close()
		return nil, fmt.Errorf("notify: provisioning report stream: %w", err)
	}
	return bus, nil
}

func (b *ReportBus) connect() error {
	opts := []nats.Option{
		nats.Name("kinescale-reportbus"),
		nats.Timeout(b.config.ConnectTimeout),
		nats.ReconnectWait(b.config.ReconnectWait),
		nats.MaxReconnects(b.config.MaxReconnectAttempts),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			b.logger.Warn("notify: nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("notify: nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(b.config.URL, opts...)
	if err != nil {
		return err
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return err
	}

	b.conn = conn
	b.js = js
	b.logger.Info("notify: connected to report bus",
		zap.String("url", b.config.URL), zap.String("stream", b.config.StreamName))
	return nil
}

func (b *ReportBus) setupStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      b.config.StreamName,
		Subjects:  []string{"kinescale.reports.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    b.config.MaxAge,
		MaxBytes:  b.config.MaxBytes,
		MaxMsgs:   b.config.MaxMsgs,
		Replicas:  b.config.Replicas,
		Storage:   nats.FileStorage,
	}

	if _, err := b.js.StreamInfo(b.config.StreamName); err != nil {
		_, err = b.js.AddStream(streamConfig)
		return err
	}
	_, err := b.js.UpdateStream(streamConfig)
	return err
}

// Publish marshals report as JSON and publishes it to
// "kinescale.reports.<stream>".
func (b *ReportBus) Publish(ctx context.Context, report models.ScalingReport) error {
	subject := fmt.Sprintf("kinescale.reports.%s", report.Stream)

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("notify: marshaling report: %w", err)
	}

	if _, err := b.js.Publish(subject, data); err != nil {
		b.logger.Error("notify: report publish failed",
			zap.String("stream", report.Stream), zap.Error(err))
		return fmt.Errorf("notify: publishing report: %w", err)
	}
	return nil
}

// OnReport implements engine.ReportListener by publishing report and
// logging (rather than propagating) any publish failure, so a report
// bus outage never stalls a stream's monitor loop.
func (b *ReportBus) OnReport(report models.ScalingReport) {
	if err := b.Publish(context.Background(), report); err != nil {
		b.logger.Error("notify: failed to publish report", zap.String("stream", report.Stream), zap.Error(err))
	}
}

// Close drains the connection.
func (b *ReportBus) Close() error {
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}
