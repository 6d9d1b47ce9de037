package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-rerun/metrics"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const (
	HealthzHost = "0.0.0.0"
	HealthzPort = "8080"
)

// Config selects the endpoints of the service
type Config struct {
	Log         log.Logger
	HealthzAddr string // empty disables healthz
	Metrics     opmetrics.CLIConfig
	Ready       func() bool
}

// Service runs the healthz and metrics endpoints next to op-rerun
type Service struct {
	log     log.Logger
	config  Config
	Healthz *HealthzServer
	Metrics *MetricsServer
}

func New(cfg Config) *Service {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	logger := cfg.Log.New("component", "service")
	s := &Service{
		log:     logger,
		config:  cfg,
		Healthz: NewHealthzServer(logger, cfg.Ready),
		Metrics: &MetricsServer{},
	}
	return s
}

// DefaultHealthzAddr is where probes are served unless configured otherwise
func DefaultHealthzAddr() string {
	return net.JoinHostPort(HealthzHost, HealthzPort)
}

func (s *Service) Start() {
	s.log.Info("service starting")

	if s.config.HealthzAddr != "" {
		go func() {
			addr := s.config.HealthzAddr
			s.log.Info("starting healthz server", "addr", addr)
			if err := s.Healthz.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("error starting healthz server", "err", err)
				metrics.RecordErrorDetails("error starting healthz server", err)
			}
		}()
	}

	if s.config.Metrics.Enabled {
		go func() {
			addr := net.JoinHostPort(s.config.Metrics.ListenAddr, strconv.Itoa(s.config.Metrics.ListenPort))
			s.log.Info("starting metrics server", "addr", addr)
			if err := s.Metrics.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("error starting metrics server", "err", err)
				metrics.RecordErrorDetails("error starting metrics server", err)
			}
		}()
	}

	s.log.Info("service started")
}

func (s *Service) Shutdown(ctx context.Context) error {
	s.log.Info("service shutting down")

	errHealthz := s.Healthz.Shutdown(ctx)
	s.log.Info("healthz stopped")

	errMetrics := s.Metrics.Shutdown(ctx)
	s.log.Info("metrics stopped")

	s.log.Info("service stopped")
	return errors.Join(errHealthz, errMetrics)
}
