// Package server exposes the health, readiness, and last-report HTTP
// endpoints from spec.md section 6, alongside a standard gRPC health
// service, side by side with the Prometheus metrics server, per the
// teacher's HTTP+gRPC server shape.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kinescale/kinescale/internal/models"
)

// ReportSource answers the server's readiness and reporting questions
// without importing the controller package directly, keeping server
// testable against a stub.
type ReportSource interface {
	Healthy() bool
	Streams() []string
	LastReport(stream string) *models.ScalingReport
}

// Config configures the server's listen addresses.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string
}

// Server runs the health/report HTTP API, a gRPC health service, and the
// Prometheus metrics endpoint.
type Server struct {
	cfg     Config
	source  ReportSource
	logger  *zap.Logger
	health  *health.Server
	httpSrv *http.Server
	mtrcSrv *http.Server
	grpcSrv *grpc.Server
	wg      sync.WaitGroup
}

// New builds a Server. source answers health/report queries against the
// running controller.
func New(cfg Config, source ReportSource, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, source: source, logger: logger, health: health.NewServer()}
}

// Start brings up the HTTP, gRPC, and metrics listeners in the
// background; the gRPC and metrics listeners start only when their
// addresses are set. It returns after launching them: the HTTP and
// metrics listeners bind inside their goroutines, so they may not be
// accepting connections yet when Start returns.
func (s *Server) Start(ctx context.Context) error {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.healthHandler).Methods("GET")
	router.HandleFunc("/ready", s.readyHandler).Methods("GET")
	router.HandleFunc("/report/{stream}", s.reportHandler).Methods("GET")

	s.httpSrv = &http.Server{
		Addr:         s.cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server: http listener failed", zap.Error(err))
		}
	}()

	if s.cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("server: grpc listen: %w", err)
		}
		s.grpcSrv = grpc.NewServer()
		grpc_health_v1.RegisterHealthServer(s.grpcSrv, s.health)
		s.setGRPCHealth()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.grpcSrv.Serve(lis); err != nil {
				s.logger.Error("server: grpc listener failed", zap.Error(err))
			}
		}()
	}

	if s.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.mtrcSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.mtrcSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("server: metrics listener failed", zap.Error(err))
			}
		}()
	}

	s.logger.Info("server: listening", zap.String("http", s.cfg.HTTPAddr), zap.String("grpc", s.cfg.GRPCAddr))
	return nil
}

// Stop gracefully shuts down every listener, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server: http shutdown failed", zap.Error(err))
		}
	}
	if s.grpcSrv != nil {
		s.grpcSrv.GracefulStop()
	}
	if s.mtrcSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := s.mtrcSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server: metrics shutdown failed", zap.Error(err))
		}
	}
	s.wg.Wait()
	return nil
}

// setGRPCHealth mirrors the HTTP health verdict onto the gRPC health
// service; call again whenever the controller's health transitions.
func (s *Server) setGRPCHealth() {
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if !s.source.Healthy() {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.setGRPCHealth()

	w.Header().Set("Content-Type", "application/json")
	if !s.source.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy"})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ready",
		"streams": s.source.Streams(),
	})
}

func (s *Server) reportHandler(w http.ResponseWriter, r *http.Request) {
	stream := mux.Vars(r)["stream"]
	report := s.source.LastReport(stream)

	w.Header().Set("Content-Type", "application/json")
	if report == nil {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": fmt.Sprintf("no report yet for stream %q", stream)})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(report)
}
