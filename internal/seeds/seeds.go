// Package seeds abstracts where the well-known seed endpoints come from:
// the static list in the configuration file, or an etcd registry that nodes
// register themselves into under a lease.
package seeds

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"memberd/internal/transport"
)

// Provider lists the seed endpoints used to bootstrap gossip reachability.
type Provider interface {
	Seeds(ctx context.Context) ([]transport.Endpoint, error)
}

// Static serves a fixed seed list.
type Static struct {
	list []transport.Endpoint
}

// NewStatic creates a provider over the configured seed list.
func NewStatic(list []transport.Endpoint) *Static {
	return &Static{list: list}
}

// Seeds returns a copy of the configured list.
func (s *Static) Seeds(ctx context.Context) ([]transport.Endpoint, error) {
	out := make([]transport.Endpoint, len(s.list))
	copy(out, s.list)
	return out, nil
}

// Etcd registers the local node under a lease and lists peers from a key
// prefix.
type Etcd struct {
	cli    *clientv3.Client
	prefix string
	ttl    int64
	logger *zap.Logger
}

// NewEtcd connects to the etcd cluster.
func NewEtcd(endpoints []string, prefix string, ttl int64, logger *zap.Logger) (*Etcd, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd connect: %w", err)
	}
	return &Etcd{cli: cli, prefix: prefix, ttl: ttl, logger: logger}, nil
}

// Register announces the local endpoint under a kept-alive lease so peers
// discover it as a seed while the process lives.
func (e *Etcd) Register(ctx context.Context, ep transport.Endpoint) error {
	lease, err := e.cli.Grant(ctx, e.ttl)
	if err != nil {
		return fmt.Errorf("etcd lease grant: %w", err)
	}
	key := path.Join(e.prefix, ep.String())
	if _, err := e.cli.Put(ctx, key, ep.String(), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd register %s: %w", ep, err)
	}
	ch, err := e.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("etcd keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		e.logger.Warn("etcd lease keepalive channel closed", zap.String("endpoint", ep.String()))
	}()
	return nil
}

// Seeds lists every registered endpoint under the prefix.
func (e *Etcd) Seeds(ctx context.Context) ([]transport.Endpoint, error) {
	resp, err := e.cli.Get(ctx, e.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd list seeds: %w", err)
	}
	eps := make([]transport.Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		addr := strings.TrimSpace(string(kv.Value))
		if addr == "" {
			continue
		}
		eps = append(eps, transport.Endpoint(addr))
	}
	return eps, nil
}

// Close releases the etcd client.
func (e *Etcd) Close() error {
	return e.cli.Close()
}
