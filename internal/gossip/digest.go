package gossip

import (
	"fmt"
	"math/rand"
	"sort"

	"memberd/internal/transport"
)

// Digest is a compact summary of the latest known heartbeat state for one
// endpoint, used to compare knowledge without shipping full state.
type Digest struct {
	Endpoint   transport.Endpoint
	Generation int64
	MaxVersion int32
}

// String renders the digest in endpoint:generation:maxVersion form.
func (d Digest) String() string {
	return fmt.Sprintf("%s:%d:%d", d.Endpoint, d.Generation, d.MaxVersion)
}

// buildDigests summarizes every tracked endpoint, local node included. The
// list is shuffled and then ordered so the endpoints this node knows least
// about sort toward the end; under message-size limits the receiver then
// answers for the peers the sender is most behind on first.
func (g *Gossiper) buildDigests() []Digest {
	g.mu.RLock()
	digests := make([]Digest, 0, len(g.table))
	for ep, e := range g.table {
		e.mu.Lock()
		digests = append(digests, Digest{
			Endpoint:   ep,
			Generation: e.state.HeartBeat.Generation,
			MaxVersion: e.state.MaxVersion(),
		})
		e.mu.Unlock()
	}
	g.mu.RUnlock()

	rand.Shuffle(len(digests), func(i, j int) {
		digests[i], digests[j] = digests[j], digests[i]
	})
	sort.SliceStable(digests, func(i, j int) bool {
		return digests[i].MaxVersion > digests[j].MaxVersion
	})
	return digests
}

// examineDigests compares remote digests against the local table and
// produces the two halves of an Ack: digests for endpoints the remote must
// send state for, and full or delta state for endpoints the local node is
// ahead on.
//
// An empty remote digest list means the peer knows nothing; every local
// endpoint is then sent in full. Likewise any local endpoint the remote did
// not mention is sent in full.
func (g *Gossiper) examineDigests(remote []Digest) ([]Digest, map[transport.Endpoint]*EndpointState) {
	requests := make([]Digest, 0)
	states := make(map[transport.Endpoint]*EndpointState)
	seen := make(map[transport.Endpoint]bool, len(remote))

	for _, rd := range remote {
		seen[rd.Endpoint] = true

		local, ok := g.stateSnapshot(rd.Endpoint)
		if !ok {
			// Unknown endpoint: ask for everything.
			requests = append(requests, Digest{Endpoint: rd.Endpoint})
			continue
		}

		localGen := local.HeartBeat.Generation
		localMax := local.MaxVersion()
		switch {
		case rd.Generation > localGen:
			// Remote has a newer incarnation; a zero max version asks for
			// the full state rather than a delta.
			requests = append(requests, Digest{Endpoint: rd.Endpoint})
		case rd.Generation < localGen:
			states[rd.Endpoint] = local
		case rd.MaxVersion > localMax:
			requests = append(requests, Digest{
				Endpoint:   rd.Endpoint,
				Generation: localGen,
				MaxVersion: localMax,
			})
		case rd.MaxVersion < localMax:
			if delta := local.newerThan(rd.MaxVersion); delta != nil {
				states[rd.Endpoint] = delta
			}
		}
	}

	// Endpoints the remote did not mention at all.
	for _, ep := range g.endpoints() {
		if seen[ep] {
			continue
		}
		if local, ok := g.stateSnapshot(ep); ok {
			states[ep] = local
		}
	}
	return requests, states
}

// statesForRequests builds the Ack2 payload: for every requested digest,
// whatever state is newer than the version the peer reported knowing.
func (g *Gossiper) statesForRequests(requests []Digest) map[transport.Endpoint]*EndpointState {
	states := make(map[transport.Endpoint]*EndpointState, len(requests))
	for _, rd := range requests {
		local, ok := g.stateSnapshot(rd.Endpoint)
		if !ok {
			continue
		}
		if delta := local.newerThan(rd.MaxVersion); delta != nil {
			states[rd.Endpoint] = delta
		}
	}
	return states
}
