package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/DCsunset/clip-share/internal/buffer"
	"github.com/DCsunset/clip-share/internal/config"
	"github.com/DCsunset/clip-share/internal/registry"
)

// RelayServer wires dependencies and hosts the websocket endpoint.
type RelayServer struct {
	cfg      config.Config
	log      *zap.Logger
	registry *registry.Registry
	buffer   *buffer.Buffer
	relay    *Relay

	httpServer *http.Server
	adminHTTP  *http.Server
	metrics    *relayMetrics
	ready      atomic.Bool
}

// NewRelayServer constructs a server with its dependencies.
func NewRelayServer(cfg config.Config, logger *zap.Logger, reg *registry.Registry, buf *buffer.Buffer) *RelayServer {
	if reg == nil {
		reg = registry.New()
	}
	if buf == nil {
		buf = buffer.New(buffer.Sizes{
			Share:  cfg.BufferSize.Share,
			Unpair: cfg.BufferSize.Unpair,
		})
	}
	return &RelayServer{
		cfg:      cfg,
		log:      logger,
		registry: reg,
		buffer:   buf,
	}
}

// Start boots the relay and blocks until shutdown.
func (s *RelayServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	s.metrics = newRelayMetrics(promReg)
	s.startAdminServer(promReg)

	s.relay = NewRelay(s.log, s.registry, s.buffer, RelayOptions{
		Metrics:        s.metrics,
		SendBufferSize: s.cfg.SendBufferSize,
		MaxMessageSize: s.cfg.MaxMessageSize,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", s.relay)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("relay listening", zap.String("address", s.cfg.ListenAddress))
	s.ready.Store(true)
	err = s.httpServer.Serve(lis)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve relay: %w", err)
	}
	return nil
}

func (s *RelayServer) startAdminServer(reg *prometheus.Registry) {
	if s.cfg.Admin.Address == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.Admin.Address,
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.Admin.Address))
}

// Shutdown attempts a graceful stop before forcing termination.
func (s *RelayServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.httpServer == nil {
		return
	}

	// Websocket connections are hijacked, so Shutdown alone never reaps
	// them; close the sessions first.
	if s.relay != nil {
		s.relay.closeAll()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Warn("graceful shutdown timed out; forcing stop", zap.Error(err))
		_ = s.httpServer.Close()
		return
	}
	s.log.Info("relay stopped")
}
