// Command kinescaled is the autoscaler daemon: it loads the configured
// stream policies, starts one monitor loop per stream, and serves the
// health/report HTTP API until terminated.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	kinesconfig "github.com/kinescale/kinescale/internal/config"
	"github.com/kinescale/kinescale/internal/control"
	"github.com/kinescale/kinescale/internal/controller"
	"github.com/kinescale/kinescale/internal/logging"
	"github.com/kinescale/kinescale/internal/metricsource"
	"github.com/kinescale/kinescale/internal/notify"
	"github.com/kinescale/kinescale/internal/server"
	"github.com/kinescale/kinescale/internal/settings"
	"github.com/kinescale/kinescale/internal/telemetry"
)

func main() {
	defaults, err := settings.Load()
	if err != nil {
		log.Fatalf("kinescaled: loading environment defaults: %v", err)
	}

	var (
		configFileURL        string
		httpAddr             string
		grpcAddr             string
		metricsAddr          string
		reportBusURL         string
		suppressAbortOnFatal bool
		logLevel             string
		telemetryEnabled     bool
		jaegerEndpoint       string
	)

	flag.StringVar(&configFileURL, "config-file-url", defaults.ConfigFileURL, "file://, http(s)://, or s3:// URL to the stream policy document")
	flag.StringVar(&httpAddr, "http-addr", defaults.HTTPAddr, "health/report HTTP listen address")
	flag.StringVar(&grpcAddr, "grpc-addr", defaults.GRPCAddr, "gRPC health service listen address")
	flag.StringVar(&metricsAddr, "metrics-addr", defaults.MetricsAddr, "Prometheus metrics listen address (empty disables)")
	flag.StringVar(&reportBusURL, "report-bus-url", defaults.ReportBusURL, "NATS JetStream URL for the scaling report feed")
	flag.BoolVar(&suppressAbortOnFatal, "suppress-abort-on-fatal", defaults.SuppressAbortOnFatal, "keep reporting healthy even after an engine hits a fatal error")
	flag.StringVar(&logLevel, "log-level", defaults.LogLevel, "log level (debug, info, warn, error)")
	flag.BoolVar(&telemetryEnabled, "telemetry-enabled", defaults.TelemetryEnabled, "enable OpenTelemetry tracing and metrics")
	flag.StringVar(&jaegerEndpoint, "jaeger-endpoint", defaults.JaegerEndpoint, "Jaeger collector endpoint")
	flag.Parse()

	logger, err := logging.NewLogger(logging.LoggingConfig{Level: logLevel, Format: "json"})
	if err != nil {
		log.Fatalf("kinescaled: building logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	t, err := telemetry.NewTelemetry(telemetry.TelemetryConfig{
		Enabled:        telemetryEnabled,
		ServiceName:    "kinescaled",
		ServiceVersion: "dev",
		JaegerEndpoint: jaegerEndpoint,
		SampleRate:     1.0,
	})
	if err != nil {
		logger.Error(ctx, "kinescaled: telemetry init failed", zap.Error(err))
	} else {
		telemetry.InitGlobalTelemetry(telemetry.TelemetryConfig{Enabled: telemetryEnabled})
		if err := t.Start(ctx); err != nil {
			logger.Error(ctx, "kinescaled: telemetry start failed", zap.Error(err))
		}
		defer t.Stop(context.Background())
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatal(ctx, "kinescaled: loading AWS config", zap.Error(err))
	}

	s3Client := s3.NewFromConfig(awsCfg)
	policies, err := kinesconfig.Load(ctx, kinesconfig.NewURLFetcher(s3Client), configFileURL)
	if err != nil {
		logger.Fatal(ctx, "kinescaled: loading stream policies", zap.Error(err))
	}
	logger.Info(ctx, "kinescaled: loaded stream policies", zap.Int("count", len(policies)))

	raw := logger.Raw()

	snsClient := sns.NewFromConfig(awsCfg)
	notifier := notify.NewSNSNotifier(snsClient, raw)

	kinesisClient := kinesis.NewFromConfig(awsCfg)
	adapter := control.NewKinesisAdapter(kinesisClient, notifier, raw)

	cloudwatchClient := cloudwatch.NewFromConfig(awsCfg)
	source := metricsource.NewCloudWatchSource(cloudwatchClient, raw)

	reportBusConfig := notify.DefaultReportBusConfig()
	reportBusConfig.URL = reportBusURL
	reportBus, err := notify.NewReportBus(reportBusConfig, raw)
	if err != nil {
		logger.Fatal(ctx, "kinescaled: connecting report bus", zap.Error(err))
	}
	defer reportBus.Close()

	var opts []controller.Option
	if suppressAbortOnFatal {
		opts = append(opts, controller.WithSuppressAbortOnFatal())
	}
	ctrl := controller.New(source, adapter, raw, reportBus, opts...)
	if err := ctrl.Start(ctx, policies); err != nil {
		logger.Fatal(ctx, "kinescaled: starting controller", zap.Error(err))
	}

	srv := server.New(server.Config{HTTPAddr: httpAddr, GRPCAddr: grpcAddr, MetricsAddr: metricsAddr}, ctrl, raw)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal(ctx, "kinescaled: starting server", zap.Error(err))
	}

	logger.Info(ctx, "kinescaled: started", zap.Strings("streams", ctrl.Streams()))

	<-ctx.Done()
	logger.Info(ctx, "kinescaled: shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error(ctx, "kinescaled: server shutdown error", zap.Error(err))
	}
	ctrl.Stop()

	logger.Info(ctx, "kinescaled: stopped")
}
