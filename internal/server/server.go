// Package server wires the configuration, transport, failure detector,
// gossiper and token ring into one runnable node.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"memberd/internal/config"
	"memberd/internal/detector"
	"memberd/internal/gossip"
	"memberd/internal/ring"
	"memberd/internal/seeds"
	"memberd/internal/telemetry"
	"memberd/internal/transport"
)

// ReleaseVersion is advertised in the RELEASE_VERSION application state.
const ReleaseVersion = "0.1.0"

// Server is one memberd node.
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *telemetry.Metrics

	registry *transport.Registry
	tr       *transport.UDP
	fd       *detector.Detector
	gossiper *gossip.Gossiper
	ring     *ring.Ring
	etcd     *seeds.Etcd
	httpSrv  *http.Server
}

// New validates nothing (the config is already validated) and builds the
// component graph. Start begins gossiping.
func New(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: telemetry.New(),
		ring:    ring.New(cfg.NumTokens),
	}
}

// Start binds the transport, resolves seeds, and launches the gossiper and
// the metrics endpoint.
func (s *Server) Start(ctx context.Context) error {
	local := s.cfg.LocalEndpoint()

	seedList, err := s.resolveSeeds(ctx, local)
	if err != nil {
		return err
	}

	s.registry = transport.NewRegistry()
	s.tr, err = transport.NewUDP(local, s.registry, s.logger)
	if err != nil {
		return fmt.Errorf("bind transport: %w", err)
	}

	s.fd = detector.New(s.cfg.FailureWindowSize, s.cfg.PhiConvictThreshold)
	s.gossiper = gossip.New(gossip.Config{
		LocalEndpoint: local,
		ClusterName:   s.cfg.ClusterName,
		Partitioner:   s.cfg.Partitioner,
		Seeds:         seedList,
		Interval:      s.cfg.GossipInterval.Duration,
	}, s.fd, s.tr, s.registry, s.logger, s.metrics)
	s.gossiper.RegisterLivenessListener(s)

	s.gossiper.AddLocalApplicationState(gossip.StateStatus, gossip.StatusNormal)
	s.gossiper.AddLocalApplicationState(gossip.StateTokens, strconv.Itoa(s.cfg.NumTokens))
	s.gossiper.AddLocalApplicationState(gossip.StateReleaseVersion, ReleaseVersion)

	s.ring.SetMembers([]transport.Endpoint{local})
	s.gossiper.Start(ctx)

	if s.cfg.MetricsAddress != "" {
		s.serveMetrics()
	}

	s.logger.Info("node started",
		zap.String("cluster", s.cfg.ClusterName),
		zap.String("endpoint", local.String()),
		zap.Int("seeds", len(seedList)))
	return nil
}

// Stop shuts the node down: gossip first, then transport, then ancillary
// services. In-flight handlers complete.
func (s *Server) Stop() {
	if s.gossiper != nil {
		s.gossiper.Stop()
	}
	if s.tr != nil {
		if err := s.tr.Close(); err != nil {
			s.logger.Warn("transport close failed", zap.Error(err))
		}
	}
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
	}
	if s.etcd != nil {
		if err := s.etcd.Close(); err != nil {
			s.logger.Warn("etcd close failed", zap.Error(err))
		}
	}
	s.logger.Info("node stopped")
}

// Gossiper exposes the membership service to collaborators.
func (s *Server) Gossiper() *gossip.Gossiper { return s.gossiper }

// Ring exposes the token ring built from live members.
func (s *Server) Ring() *ring.Ring { return s.ring }

// OnAlive implements gossip.LivenessListener.
func (s *Server) OnAlive(ep transport.Endpoint) {
	s.rebuildRing()
}

// OnDead implements gossip.LivenessListener.
func (s *Server) OnDead(ep transport.Endpoint) {
	s.rebuildRing()
}

func (s *Server) rebuildRing() {
	members := append(s.gossiper.LiveEndpoints(), s.gossiper.LocalEndpoint())
	s.ring.SetMembers(members)
	s.logger.Debug("ring rebuilt", zap.Int("members", len(members)))
}

func (s *Server) resolveSeeds(ctx context.Context, local transport.Endpoint) ([]transport.Endpoint, error) {
	providers := []seeds.Provider{seeds.NewStatic(s.cfg.SeedEndpoints())}

	if s.cfg.Etcd != nil {
		etcdProvider, err := seeds.NewEtcd(
			s.cfg.Etcd.Endpoints, s.cfg.Etcd.Prefix, s.cfg.Etcd.LeaseTTL, s.logger)
		if err != nil {
			return nil, err
		}
		s.etcd = etcdProvider
		if err := etcdProvider.Register(ctx, local); err != nil {
			return nil, err
		}
		providers = append(providers, etcdProvider)
	}

	var seedList []transport.Endpoint
	known := make(map[transport.Endpoint]bool)
	for _, p := range providers {
		eps, err := p.Seeds(ctx)
		if err != nil {
			return nil, err
		}
		for _, ep := range eps {
			if known[ep] {
				continue
			}
			known[ep] = true
			seedList = append(seedList, ep)
		}
	}
	return seedList, nil
}

func (s *Server) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	s.httpSrv = &http.Server{Addr: s.cfg.MetricsAddress, Handler: mux}
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}
