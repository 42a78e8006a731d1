package gossip

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memberd/internal/transport"
)

const (
	addrA = transport.Endpoint("10.0.0.1:7000")
	addrB = transport.Endpoint("10.0.0.2:7000")
)

type recordingListener struct {
	mu    sync.Mutex
	alive []transport.Endpoint
	dead  []transport.Endpoint
}

func (r *recordingListener) OnAlive(ep transport.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alive = append(r.alive, ep)
}

func (r *recordingListener) OnDead(ep transport.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dead = append(r.dead, ep)
}

func contains(eps []transport.Endpoint, ep transport.Endpoint) bool {
	for _, e := range eps {
		if e == ep {
			return true
		}
	}
	return false
}

// A full three-phase exchange over the synchronous in-process mesh: one
// round started by A leaves both nodes holding the union of their tables.
func TestExchange_ConvergesToUnion(t *testing.T) {
	mesh := transport.NewMesh()
	a, _ := newTestNode(t, mesh, addrA, "prod", []transport.Endpoint{addrB})
	b, _ := newTestNode(t, mesh, addrB, "prod", nil)

	const x = transport.Endpoint("10.0.0.3:7000")
	const y = transport.Endpoint("10.0.0.4:7000")
	a.applyStateLocally(map[transport.Endpoint]*EndpointState{
		x: stateWith(5, 3, nil),
	})
	b.applyStateLocally(map[transport.Endpoint]*EndpointState{
		y: stateWith(1, 1, nil),
	})

	a.runRound()

	for _, ep := range []transport.Endpoint{addrA, addrB, x, y} {
		assert.True(t, contains(a.Endpoints(), ep), "a missing %s", ep)
		assert.True(t, contains(b.Endpoints(), ep), "b missing %s", ep)
	}
	assert.True(t, contains(a.LiveEndpoints(), addrB))
	assert.True(t, contains(b.LiveEndpoints(), addrA))
	assert.EqualValues(t, 0, a.QuiescentRounds(), "a merged state this round")
}

// One node holds a stale record and is missing an endpoint entirely; the
// reply carries the delta for the stale record and, unprompted, full state
// for the endpoint the requester never mentioned.
func TestExchange_DeltaAndUnrequestedState(t *testing.T) {
	mesh := transport.NewMesh()
	a, afd := newTestNode(t, mesh, addrA, "prod", []transport.Endpoint{addrB})
	b, bfd := newTestNode(t, mesh, addrB, "prod", nil)

	const x = transport.Endpoint("10.0.0.3:7000")
	const y = transport.Endpoint("10.0.0.4:7000")
	a.applyStateLocally(map[transport.Endpoint]*EndpointState{
		x: stateWith(5, 3, nil),
	})
	b.applyStateLocally(map[transport.Endpoint]*EndpointState{
		x: stateWith(5, 4, map[ApplicationState]VersionedValue{
			StateLoad: {Value: "0.7", Version: 7},
		}),
		y: stateWith(1, 1, nil),
	})

	a.runRound()

	sx, ok := a.EndpointState(x)
	require.True(t, ok)
	assert.EqualValues(t, 5, sx.HeartBeat.Generation)
	assert.EqualValues(t, 4, sx.HeartBeat.Version)
	require.Contains(t, sx.AppStates, StateLoad)
	assert.EqualValues(t, 7, sx.AppStates[StateLoad].Version)
	assert.EqualValues(t, 7, sx.MaxVersion())

	sy, ok := a.EndpointState(y)
	require.True(t, ok, "a never asked about y, b must volunteer it")
	assert.EqualValues(t, 1, sy.HeartBeat.Generation)

	_, ok = b.EndpointState(addrA)
	assert.True(t, ok, "b must learn a's own state via ack2")

	// Only the physical sender of a message feeds the failure detector;
	// state about third endpoints is hearsay.
	assert.True(t, afd.Seen(addrB.String()))
	assert.False(t, afd.Seen(x.String()))
	assert.True(t, bfd.Seen(addrA.String()))
	assert.False(t, bfd.Seen(y.String()))
}

func TestHandleSyn_ClusterMismatchDropped(t *testing.T) {
	mesh := transport.NewMesh()
	b, bfd := newTestNode(t, mesh, addrB, "prod", nil)

	payload, err := EncodeSyn(&Syn{
		ClusterName: "staging",
		Partitioner: "murmur3",
		Digests:     []Digest{{Endpoint: "10.0.0.9:7000", Generation: 4, MaxVersion: 2}},
	}, transport.ProtocolVersion)
	require.NoError(t, err)

	b.handleSyn(addrA, payload)

	assert.Len(t, b.Endpoints(), 1, "foreign-cluster syn must not touch the table")
	assert.False(t, bfd.Seen(addrA.String()))
	assert.EqualValues(t, 1,
		testutil.ToFloat64(b.metrics.MessagesDropped.WithLabelValues("cluster_mismatch")))
}

func TestHandleSyn_PartitionerMismatchDropped(t *testing.T) {
	mesh := transport.NewMesh()
	b, _ := newTestNode(t, mesh, addrB, "prod", nil)

	payload, err := EncodeSyn(&Syn{
		ClusterName: "prod",
		Partitioner: "random",
	}, transport.ProtocolVersion)
	require.NoError(t, err)

	b.handleSyn(addrA, payload)
	assert.EqualValues(t, 1,
		testutil.ToFloat64(b.metrics.MessagesDropped.WithLabelValues("partitioner_mismatch")))
}

func TestHandleSyn_UndecodableDropped(t *testing.T) {
	b, _ := newTestNode(t, transport.NewMesh(), addrB, "prod", nil)
	b.handleSyn(addrA, []byte{0x01, 0x02})
	assert.EqualValues(t, 1,
		testutil.ToFloat64(b.metrics.MessagesDropped.WithLabelValues("decode")))
}

func TestHandlers_IgnoredWhileStopped(t *testing.T) {
	mesh := transport.NewMesh()
	b, bfd := newTestNode(t, mesh, addrB, "prod", nil)
	b.Stop()
	require.False(t, b.IsEnabled())

	payload, err := EncodeAck2(&Ack2{
		States: map[transport.Endpoint]*EndpointState{
			"10.0.0.9:7000": stateWith(3, 1, nil),
		},
	}, transport.ProtocolVersion)
	require.NoError(t, err)

	b.handleAck2(addrA, payload)

	assert.Len(t, b.Endpoints(), 1)
	assert.False(t, bfd.Seen(addrA.String()))
}

// A higher generation replaces the record wholesale: application state from
// the previous incarnation does not survive, whatever its version.
func TestApplyState_GenerationBumpDiscardsOldState(t *testing.T) {
	g, _ := newTestNode(t, transport.NewMesh(), addrA, "prod", nil)
	const x = transport.Endpoint("10.0.0.3:7000")

	g.applyStateLocally(map[transport.Endpoint]*EndpointState{
		x: stateWith(5, 1, map[ApplicationState]VersionedValue{
			StateTokens: {Value: "t1,t2", Version: 10},
		}),
	})
	g.applyStateLocally(map[transport.Endpoint]*EndpointState{
		x: stateWith(6, 1, map[ApplicationState]VersionedValue{
			StateStatus: {Value: StatusNormal, Version: 2},
		}),
	})

	s, ok := g.EndpointState(x)
	require.True(t, ok)
	assert.EqualValues(t, 6, s.HeartBeat.Generation)
	assert.NotContains(t, s.AppStates, StateTokens,
		"pre-restart state must not leak into the new incarnation")
	assert.Contains(t, s.AppStates, StateStatus)
}

func TestApplyState_StaleUpdatesAreNoOps(t *testing.T) {
	g, _ := newTestNode(t, transport.NewMesh(), addrA, "prod", nil)
	const x = transport.Endpoint("10.0.0.3:7000")

	newer := stateWith(5, 7, map[ApplicationState]VersionedValue{
		StateStatus: {Value: StatusNormal, Version: 7},
	})
	g.applyStateLocally(map[transport.Endpoint]*EndpointState{x: newer})
	before, _ := g.EndpointState(x)
	mergesBefore := g.merges.Load()

	// Older generation, older version within the generation, and an exact
	// replay must all leave the record untouched.
	for _, stale := range []*EndpointState{
		stateWith(4, 50, map[ApplicationState]VersionedValue{
			StateStatus: {Value: StatusLeft, Version: 50},
		}),
		stateWith(5, 3, map[ApplicationState]VersionedValue{
			StateStatus: {Value: StatusLeft, Version: 3},
		}),
		newer.Copy(),
	} {
		g.applyStateLocally(map[transport.Endpoint]*EndpointState{x: stale})
	}

	after, _ := g.EndpointState(x)
	assert.Equal(t, before.HeartBeat, after.HeartBeat)
	assert.Equal(t, before.AppStates, after.AppStates)
	assert.Equal(t, mergesBefore, g.merges.Load(), "stale applies must not count as merges")
}

func TestLivenessListener_EdgesFireOnce(t *testing.T) {
	g, _ := newTestNode(t, transport.NewMesh(), addrA, "prod", nil)
	l := &recordingListener{}
	g.RegisterLivenessListener(l)

	const x = transport.Endpoint("10.0.0.3:7000")
	g.applyStateLocally(map[transport.Endpoint]*EndpointState{x: stateWith(5, 1, nil)})
	g.markAlive(x) // already alive, must not re-fire
	g.markDead(x)
	g.markDead(x)

	assert.Equal(t, []transport.Endpoint{x}, l.alive)
	assert.Equal(t, []transport.Endpoint{x}, l.dead)
	assert.True(t, contains(g.UnreachableEndpoints(), x))
	assert.False(t, contains(g.LiveEndpoints(), x))
}

func TestRemoveEndpoint(t *testing.T) {
	g, fd := newTestNode(t, transport.NewMesh(), addrA, "prod", nil)
	const x = transport.Endpoint("10.0.0.3:7000")
	g.applyStateLocally(map[transport.Endpoint]*EndpointState{x: stateWith(5, 1, nil)})
	fd.Report(x.String(), time.Now())

	g.RemoveEndpoint(x)

	_, ok := g.EndpointState(x)
	assert.False(t, ok)
	assert.False(t, contains(g.LiveEndpoints(), x))
	assert.False(t, contains(g.UnreachableEndpoints(), x))
	assert.False(t, fd.Seen(x.String()), "removed endpoints keep no detector history")
}

// Rounds that learn nothing increment the quiescence counter; the counter
// resetting on a merge is covered by the convergence test above.
func TestQuiescentRounds(t *testing.T) {
	g, _ := newTestNode(t, transport.NewMesh(), addrA, "prod", nil)

	g.runRound()
	assert.EqualValues(t, 1, g.QuiescentRounds())
	g.runRound()
	assert.EqualValues(t, 2, g.QuiescentRounds())
}

func TestAddLocalApplicationState_Propagates(t *testing.T) {
	mesh := transport.NewMesh()
	a, _ := newTestNode(t, mesh, addrA, "prod", []transport.Endpoint{addrB})
	b, _ := newTestNode(t, mesh, addrB, "prod", nil)

	a.AddLocalApplicationState(StateStatus, StatusNormal)
	a.runRound()

	s, ok := b.EndpointState(addrA)
	require.True(t, ok)
	require.Contains(t, s.AppStates, StateStatus)
	assert.Equal(t, StatusNormal, s.AppStates[StateStatus].Value)
}
