package gossip

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"memberd/internal/detector"
	"memberd/internal/telemetry"
	"memberd/internal/transport"
)

// seedGossipChance is the probability of gossiping to a seed in a round that
// already reached a seed through the random walk. Rounds that did not reach
// a seed always gossip to one, which keeps new and partitioned nodes
// reachable from the well-known seed set.
const seedGossipChance = 0.1

// Config carries the immutable startup parameters the Gossiper reads once.
type Config struct {
	LocalEndpoint transport.Endpoint
	ClusterName   string
	Partitioner   string
	Seeds         []transport.Endpoint
	Interval      time.Duration
}

// LivenessListener is notified on alive/dead transition edges, exactly once
// per edge.
type LivenessListener interface {
	OnAlive(ep transport.Endpoint)
	OnDead(ep transport.Endpoint)
}

// endpointEntry serializes read-modify-write access per endpoint so that
// concurrent updates to different endpoints do not block each other.
type endpointEntry struct {
	mu    sync.Mutex
	state *EndpointState
}

// Gossiper owns the endpoint state table and drives the periodic
// Syn/Ack/Ack2 exchange. It is an explicitly constructed service object;
// collaborators receive a reference, there is no process-wide instance.
type Gossiper struct {
	cfg     Config
	fd      *detector.Detector
	tr      transport.Transport
	logger  *zap.Logger
	metrics *telemetry.Metrics

	mu          sync.RWMutex
	table       map[transport.Endpoint]*endpointEntry
	live        map[transport.Endpoint]struct{}
	unreachable map[transport.Endpoint]struct{}

	listenerMu sync.RWMutex
	listeners  []LivenessListener

	versionGen versionGenerator
	enabled    atomic.Bool
	merges     atomic.Int64
	quiescent  atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Gossiper, seeds its table, and registers the gossip verb
// handlers on the registry. Start must be called to begin gossiping.
func New(cfg Config, fd *detector.Detector, tr transport.Transport, reg *transport.Registry, logger *zap.Logger, metrics *telemetry.Metrics) *Gossiper {
	g := &Gossiper{
		cfg:         cfg,
		fd:          fd,
		tr:          tr,
		logger:      logger,
		metrics:     metrics,
		table:       make(map[transport.Endpoint]*endpointEntry),
		live:        make(map[transport.Endpoint]struct{}),
		unreachable: make(map[transport.Endpoint]struct{}),
	}

	local := NewEndpointState(HeartBeatState{Generation: time.Now().Unix()})
	g.table[cfg.LocalEndpoint] = &endpointEntry{state: local}

	// Seeds start as empty placeholders: generation zero makes any real
	// state from the network strictly newer. They are unreachable until a
	// heartbeat proves otherwise.
	for _, seed := range cfg.Seeds {
		if seed == cfg.LocalEndpoint {
			continue
		}
		placeholder := NewEndpointState(HeartBeatState{})
		placeholder.alive = false
		g.table[seed] = &endpointEntry{state: placeholder}
		g.unreachable[seed] = struct{}{}
	}

	reg.Register(transport.VerbGossipSyn, g.handleSyn)
	reg.Register(transport.VerbGossipAck, g.handleAck)
	reg.Register(transport.VerbGossipAck2, g.handleAck2)
	return g
}

// Start enables gossip and launches the round scheduler. The scheduler stops
// when the context is cancelled or Stop is called.
func (g *Gossiper) Start(ctx context.Context) {
	g.enabled.Store(true)
	ctx, g.cancel = context.WithCancel(ctx)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.runRound()
			}
		}
	}()
	g.logger.Info("gossiper started",
		zap.String("endpoint", g.cfg.LocalEndpoint.String()),
		zap.Duration("interval", g.cfg.Interval))
}

// Stop disables gossip and cancels the round scheduler. In-flight handler
// invocations complete; the state table is retained.
func (g *Gossiper) Stop() {
	g.enabled.Store(false)
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
	g.logger.Info("gossiper stopped")
}

// IsEnabled reports whether gossip is running. While disabled no inbound
// message mutates state and the failure detector is not fed.
func (g *Gossiper) IsEnabled() bool { return g.enabled.Load() }

// RegisterLivenessListener subscribes to alive/dead transition edges.
func (g *Gossiper) RegisterLivenessListener(l LivenessListener) {
	g.listenerMu.Lock()
	defer g.listenerMu.Unlock()
	g.listeners = append(g.listeners, l)
}

// AddLocalApplicationState publishes a key/value on the local endpoint,
// stamped with the next process-wide version. It propagates in subsequent
// rounds.
func (g *Gossiper) AddLocalApplicationState(key ApplicationState, value string) {
	g.mu.RLock()
	e := g.table[g.cfg.LocalEndpoint]
	g.mu.RUnlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.AppStates[key] = VersionedValue{Value: value, Version: g.versionGen.next()}
	e.state.updateTime = time.Now()
}

// ---- round scheduling ----

func (g *Gossiper) runRound() {
	if !g.enabled.Load() {
		return
	}
	g.metrics.Rounds.Inc()
	mergesBefore := g.merges.Load()

	g.bumpLocalHeartbeat()

	syn := &Syn{
		ClusterName: g.cfg.ClusterName,
		Partitioner: g.cfg.Partitioner,
		Digests:     g.buildDigests(),
	}
	payload, err := EncodeSyn(syn, transport.ProtocolVersion)
	if err != nil {
		g.logger.Error("encode syn failed", zap.Error(err))
		return
	}

	// A peer is gossiped to at most once per round.
	sent := make(map[transport.Endpoint]bool)
	sentToSeed := g.gossipToLiveMember(payload, sent)
	g.maybeGossipToUnreachable(payload, sent)
	g.maybeGossipToSeed(sentToSeed, payload, sent)

	g.doStatusCheck()

	if g.merges.Load() == mergesBefore {
		g.metrics.QuiescentRounds.Set(float64(g.quiescent.Add(1)))
	} else {
		g.quiescent.Store(0)
		g.metrics.QuiescentRounds.Set(0)
	}
}

func (g *Gossiper) bumpLocalHeartbeat() {
	g.mu.RLock()
	e := g.table[g.cfg.LocalEndpoint]
	g.mu.RUnlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.HeartBeat.Version = g.versionGen.next()
	e.state.updateTime = time.Now()
}

// gossipToLiveMember sends the Syn to one uniformly random live endpoint and
// reports whether that endpoint was a seed.
func (g *Gossiper) gossipToLiveMember(payload []byte, sent map[transport.Endpoint]bool) bool {
	target, ok := g.randomFrom(g.live)
	if !ok {
		return false
	}
	g.sendSyn(target, payload, sent)
	return g.isSeed(target)
}

// maybeGossipToUnreachable sends the Syn to a random unreachable endpoint
// with probability unreachable/(live+1), bounding traffic spent on dead
// nodes while still letting them rejoin.
func (g *Gossiper) maybeGossipToUnreachable(payload []byte, sent map[transport.Endpoint]bool) {
	g.mu.RLock()
	nLive, nDead := len(g.live), len(g.unreachable)
	g.mu.RUnlock()
	if nDead == 0 {
		return
	}
	if rand.Float64() < float64(nDead)/float64(nLive+1) {
		if target, ok := g.randomFrom(g.unreachable); ok {
			g.sendSyn(target, payload, sent)
		}
	}
}

func (g *Gossiper) maybeGossipToSeed(sentToSeed bool, payload []byte, sent map[transport.Endpoint]bool) {
	if len(g.cfg.Seeds) == 0 {
		return
	}
	if sentToSeed && rand.Float64() >= seedGossipChance {
		return
	}
	seed := g.cfg.Seeds[rand.Intn(len(g.cfg.Seeds))]
	if seed == g.cfg.LocalEndpoint {
		return
	}
	g.sendSyn(seed, payload, sent)
}

func (g *Gossiper) sendSyn(to transport.Endpoint, payload []byte, sent map[transport.Endpoint]bool) {
	if sent[to] {
		return
	}
	sent[to] = true
	if err := g.tr.Send(to, transport.VerbGossipSyn, payload); err != nil {
		g.logger.Debug("syn send failed", zap.String("to", to.String()), zap.Error(err))
	}
}

func (g *Gossiper) randomFrom(set map[transport.Endpoint]struct{}) (transport.Endpoint, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(set) == 0 {
		return "", false
	}
	i := rand.Intn(len(set))
	for ep := range set {
		if i == 0 {
			return ep, true
		}
		i--
	}
	return "", false
}

func (g *Gossiper) isSeed(ep transport.Endpoint) bool {
	for _, s := range g.cfg.Seeds {
		if s == ep {
			return true
		}
	}
	return false
}

// ---- inbound handlers ----

func (g *Gossiper) handleSyn(from transport.Endpoint, payload []byte) {
	if !g.enabled.Load() {
		g.metrics.MessagesDropped.WithLabelValues("disabled").Inc()
		g.logger.Debug("gossip disabled, dropping inbound message", zap.String("from", from.String()))
		return
	}
	g.metrics.MessagesReceived.WithLabelValues("syn").Inc()

	syn, err := DecodeSyn(payload, transport.ProtocolVersion)
	if err != nil {
		g.dropUndecodable("syn", from, err)
		return
	}
	if syn.ClusterName != g.cfg.ClusterName {
		g.metrics.MessagesDropped.WithLabelValues("cluster_mismatch").Inc()
		g.logger.Warn("syn from foreign cluster",
			zap.String("from", from.String()), zap.String("cluster", syn.ClusterName))
		return
	}
	if syn.Partitioner != g.cfg.Partitioner {
		g.metrics.MessagesDropped.WithLabelValues("partitioner_mismatch").Inc()
		g.logger.Warn("syn with mismatched partitioner",
			zap.String("from", from.String()), zap.String("partitioner", syn.Partitioner))
		return
	}

	// Receiving digests mutates nothing; only an epStateMap does.
	requests, states := g.examineDigests(syn.Digests)
	ack := &Ack{Digests: requests, States: states}
	out, err := EncodeAck(ack, transport.ProtocolVersion)
	if err != nil {
		g.logger.Error("encode ack failed", zap.Error(err))
		return
	}
	if err := g.tr.Send(from, transport.VerbGossipAck, out); err != nil {
		g.logger.Debug("ack send failed", zap.String("to", from.String()), zap.Error(err))
	}
}

func (g *Gossiper) handleAck(from transport.Endpoint, payload []byte) {
	if !g.enabled.Load() {
		g.metrics.MessagesDropped.WithLabelValues("disabled").Inc()
		g.logger.Debug("gossip disabled, dropping inbound message", zap.String("from", from.String()))
		return
	}
	g.metrics.MessagesReceived.WithLabelValues("ack").Inc()

	ack, err := DecodeAck(payload, transport.ProtocolVersion)
	if err != nil {
		g.dropUndecodable("ack", from, err)
		return
	}

	g.notifyFailureDetector(from)
	g.applyStateLocally(ack.States)

	// Built fresh from the now-updated table.
	reply := &Ack2{States: g.statesForRequests(ack.Digests)}
	out, err := EncodeAck2(reply, transport.ProtocolVersion)
	if err != nil {
		g.logger.Error("encode ack2 failed", zap.Error(err))
		return
	}
	if err := g.tr.Send(from, transport.VerbGossipAck2, out); err != nil {
		g.logger.Debug("ack2 send failed", zap.String("to", from.String()), zap.Error(err))
	}
}

func (g *Gossiper) handleAck2(from transport.Endpoint, payload []byte) {
	if !g.enabled.Load() {
		g.metrics.MessagesDropped.WithLabelValues("disabled").Inc()
		g.logger.Debug("gossip disabled, dropping inbound message", zap.String("from", from.String()))
		return
	}
	g.metrics.MessagesReceived.WithLabelValues("ack2").Inc()

	ack2, err := DecodeAck2(payload, transport.ProtocolVersion)
	if err != nil {
		g.dropUndecodable("ack2", from, err)
		return
	}
	g.notifyFailureDetector(from)
	g.applyStateLocally(ack2.States)
}

func (g *Gossiper) dropUndecodable(kind string, from transport.Endpoint, err error) {
	g.metrics.MessagesDropped.WithLabelValues("decode").Inc()
	g.logger.Warn("dropping undecodable message",
		zap.String("kind", kind), zap.String("from", from.String()), zap.Error(err))
}

// notifyFailureDetector reports a heartbeat for the physical sender of a
// message. Embedded state about third endpoints is hearsay and only updates
// the table, never the failure detector clock: "he told me about this state"
// is not "he is responsive right now".
func (g *Gossiper) notifyFailureDetector(from transport.Endpoint) {
	if from == g.cfg.LocalEndpoint {
		return
	}
	g.fd.Report(from.String(), time.Now())
}

// ---- state table ----

// applyStateLocally merges a remote endpoint state map into the table. The
// merge is monotone: a newer-or-equal local record is never overwritten by
// an older or equal remote one.
func (g *Gossiper) applyStateLocally(states map[transport.Endpoint]*EndpointState) {
	now := time.Now()
	for ep, remote := range states {
		if ep == g.cfg.LocalEndpoint {
			continue
		}

		e, created := g.getOrCreateEntry(ep, remote)
		if created {
			// Adopted wholesale; alive pending first heartbeat.
			g.logger.Info("new endpoint discovered", zap.String("endpoint", ep.String()))
			g.markAlive(ep)
			g.merges.Add(1)
			g.metrics.StateMerges.Inc()
			continue
		}

		e.mu.Lock()
		localGen := e.state.HeartBeat.Generation
		switch {
		case remote.HeartBeat.Generation > localGen:
			// Restart: the whole record is replaced, all state from the old
			// generation is permanently stale.
			e.state = remote.Copy()
			e.state.alive = true
			e.state.updateTime = now
			e.mu.Unlock()
			g.logger.Info("endpoint generation changed",
				zap.String("endpoint", ep.String()),
				zap.Int64("generation", remote.HeartBeat.Generation))
			// A restarted process cannot be judged by pre-restart timing
			// statistics.
			g.fd.Reset(ep.String(), now)
			g.markAlive(ep)
			g.merges.Add(1)
			g.metrics.StateMerges.Inc()
		case remote.HeartBeat.Generation < localGen:
			e.mu.Unlock()
		default:
			changed := false
			if remote.HeartBeat.Version > e.state.HeartBeat.Version {
				e.state.HeartBeat.Version = remote.HeartBeat.Version
				changed = true
			}
			for k, v := range remote.AppStates {
				if lv, ok := e.state.AppStates[k]; !ok || v.Version > lv.Version {
					e.state.AppStates[k] = v
					changed = true
				}
			}
			if changed {
				e.state.updateTime = now
				g.merges.Add(1)
				g.metrics.StateMerges.Inc()
			}
			e.mu.Unlock()
		}
	}
}

// getOrCreateEntry returns the entry for ep, creating it from the remote
// state if the endpoint is unknown.
func (g *Gossiper) getOrCreateEntry(ep transport.Endpoint, remote *EndpointState) (*endpointEntry, bool) {
	g.mu.RLock()
	e, ok := g.table[ep]
	g.mu.RUnlock()
	if ok {
		return e, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok = g.table[ep]; ok {
		return e, false
	}
	s := remote.Copy()
	s.alive = true
	s.updateTime = time.Now()
	e = &endpointEntry{state: s}
	g.table[ep] = e
	return e, true
}

func (g *Gossiper) stateSnapshot(ep transport.Endpoint) (*EndpointState, bool) {
	g.mu.RLock()
	e, ok := g.table[ep]
	g.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Copy(), true
}

func (g *Gossiper) endpoints() []transport.Endpoint {
	g.mu.RLock()
	defer g.mu.RUnlock()
	eps := make([]transport.Endpoint, 0, len(g.table))
	for ep := range g.table {
		eps = append(eps, ep)
	}
	return eps
}

// ---- liveness ----

// doStatusCheck interprets phi for every tracked endpoint and moves it
// between the live and unreachable sets. Revival requires at least one
// direct heartbeat: hearsay-only endpoints stay where they are.
func (g *Gossiper) doStatusCheck() {
	now := time.Now()
	for _, ep := range g.endpoints() {
		if ep == g.cfg.LocalEndpoint {
			continue
		}
		phi, convict := g.fd.Interpret(ep.String(), now)
		g.mu.RLock()
		_, isLive := g.live[ep]
		g.mu.RUnlock()
		if convict && isLive {
			g.logger.Info("convicting endpoint",
				zap.String("endpoint", ep.String()), zap.Float64("phi", phi))
			g.metrics.Convictions.Inc()
			g.markDead(ep)
		} else if !convict && !isLive && g.fd.Seen(ep.String()) {
			g.markAlive(ep)
		}
	}
}

func (g *Gossiper) markAlive(ep transport.Endpoint) {
	if ep == g.cfg.LocalEndpoint {
		return
	}
	g.mu.Lock()
	e, ok := g.table[ep]
	if !ok {
		g.mu.Unlock()
		return
	}
	_, wasLive := g.live[ep]
	delete(g.unreachable, ep)
	g.live[ep] = struct{}{}
	nLive, nDead := len(g.live), len(g.unreachable)
	g.mu.Unlock()

	e.mu.Lock()
	e.state.alive = true
	e.mu.Unlock()

	g.metrics.LiveMembers.Set(float64(nLive))
	g.metrics.UnreachableMembers.Set(float64(nDead))
	if !wasLive {
		g.logger.Info("endpoint is now alive", zap.String("endpoint", ep.String()))
		g.fireAlive(ep)
	}
}

func (g *Gossiper) markDead(ep transport.Endpoint) {
	g.mu.Lock()
	e, ok := g.table[ep]
	if !ok {
		g.mu.Unlock()
		return
	}
	_, wasLive := g.live[ep]
	delete(g.live, ep)
	g.unreachable[ep] = struct{}{}
	nLive, nDead := len(g.live), len(g.unreachable)
	g.mu.Unlock()

	e.mu.Lock()
	e.state.alive = false
	e.mu.Unlock()

	g.metrics.LiveMembers.Set(float64(nLive))
	g.metrics.UnreachableMembers.Set(float64(nDead))
	if wasLive {
		g.logger.Warn("endpoint is now unreachable", zap.String("endpoint", ep.String()))
		g.fireDead(ep)
	}
}

func (g *Gossiper) fireAlive(ep transport.Endpoint) {
	g.listenerMu.RLock()
	defer g.listenerMu.RUnlock()
	for _, l := range g.listeners {
		l.OnAlive(ep)
	}
}

func (g *Gossiper) fireDead(ep transport.Endpoint) {
	g.listenerMu.RLock()
	defer g.listenerMu.RUnlock()
	for _, l := range g.listeners {
		l.OnDead(ep)
	}
}

// ---- accessors ----

// LocalEndpoint returns the address this gossiper advertises.
func (g *Gossiper) LocalEndpoint() transport.Endpoint { return g.cfg.LocalEndpoint }

// EndpointState returns a snapshot of the tracked state for ep.
func (g *Gossiper) EndpointState(ep transport.Endpoint) (*EndpointState, bool) {
	return g.stateSnapshot(ep)
}

// Endpoints returns every endpoint currently tracked, in sorted order.
func (g *Gossiper) Endpoints() []transport.Endpoint {
	eps := g.endpoints()
	sort.Slice(eps, func(i, j int) bool { return eps[i] < eps[j] })
	return eps
}

// LiveEndpoints returns the endpoints currently considered alive, local node
// excluded.
func (g *Gossiper) LiveEndpoints() []transport.Endpoint {
	g.mu.RLock()
	defer g.mu.RUnlock()
	eps := make([]transport.Endpoint, 0, len(g.live))
	for ep := range g.live {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i] < eps[j] })
	return eps
}

// UnreachableEndpoints returns the endpoints currently considered dead.
func (g *Gossiper) UnreachableEndpoints() []transport.Endpoint {
	g.mu.RLock()
	defer g.mu.RUnlock()
	eps := make([]transport.Endpoint, 0, len(g.unreachable))
	for ep := range g.unreachable {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i] < eps[j] })
	return eps
}

// QuiescentRounds returns how many consecutive rounds completed without any
// state merge. Diagnostic only; the protocol does not act on it.
func (g *Gossiper) QuiescentRounds() int64 { return g.quiescent.Load() }

// RemoveEndpoint evicts an endpoint from the table. Eviction is only ever
// explicit (decommission or administrative removal), never timeout-driven.
func (g *Gossiper) RemoveEndpoint(ep transport.Endpoint) {
	if ep == g.cfg.LocalEndpoint {
		return
	}
	g.mu.Lock()
	delete(g.table, ep)
	delete(g.live, ep)
	delete(g.unreachable, ep)
	nLive, nDead := len(g.live), len(g.unreachable)
	g.mu.Unlock()
	g.fd.Remove(ep.String())
	g.metrics.LiveMembers.Set(float64(nLive))
	g.metrics.UnreachableMembers.Set(float64(nDead))
	g.logger.Info("endpoint removed", zap.String("endpoint", ep.String()))
}
