package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ethereum-optimism/infra/op-tester/metrics"
	"github.com/ethereum-optimism/optimism/op-service/httputil"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

type Config struct {
	Log log.Logger
	// HealthzAddr disables the health endpoint when empty.
	HealthzAddr string
	Metrics     opmetrics.CLIConfig
	Registry    *prometheus.Registry
	Metricer    metrics.Metricer
}

// Service runs the auxiliary HTTP endpoints next to a test run.
type Service struct {
	cfg     Config
	log     log.Logger
	Healthz *HealthzServer
	metrics *httputil.HTTPServer
}

func New(cfg Config) *Service {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Metricer == nil {
		cfg.Metricer = metrics.NoopMetrics
	}
	l := cfg.Log.New("component", "service")
	return &Service{
		cfg:     cfg,
		log:     l,
		Healthz: NewHealthzServer(l),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.log.Info("service starting")

	if s.cfg.HealthzAddr != "" {
		if err := s.Healthz.Start(s.cfg.HealthzAddr); err != nil {
			s.cfg.Metricer.RecordErrorDetails("healthz_start", err)
			return fmt.Errorf("failed to start healthz server: %w", err)
		}
		s.log.Info("started healthz server", "addr", s.Healthz.Addr())
	}

	if s.cfg.Metrics.Enabled {
		if s.cfg.Registry == nil {
			return errors.New("metrics enabled without a registry")
		}
		s.log.Info("starting metrics server", "addr", s.cfg.Metrics.ListenAddr, "port", s.cfg.Metrics.ListenPort)
		srv, err := opmetrics.StartServer(s.cfg.Registry, s.cfg.Metrics.ListenAddr, s.cfg.Metrics.ListenPort)
		if err != nil {
			s.cfg.Metricer.RecordErrorDetails("metrics_start", err)
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		s.metrics = srv
		s.log.Info("started metrics server", "endpoint", srv.Addr())
	}

	s.log.Info("service started")
	return nil
}

// MetricsAddr is the metrics endpoint address, empty when disabled.
func (s *Service) MetricsAddr() string {
	if s.metrics == nil {
		return ""
	}
	return s.metrics.Addr().String()
}

func (s *Service) Shutdown(ctx context.Context) error {
	s.log.Info("service shutting down")

	var result error
	if err := s.Healthz.Shutdown(ctx); err != nil {
		result = errors.Join(result, fmt.Errorf("failed to stop healthz server: %w", err))
	}
	s.log.Info("healthz stopped")

	if s.metrics != nil {
		if err := s.metrics.Stop(ctx); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to stop metrics server: %w", err))
		}
		s.log.Info("metrics stopped")
	}

	s.log.Info("service stopped")
	return result
}
