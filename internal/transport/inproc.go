package transport

import (
	"fmt"
	"sync"
)

// Mesh connects in-process transports so a test can run several gossip
// instances against each other without sockets.
type Mesh struct {
	mu    sync.RWMutex
	nodes map[Endpoint]*Inproc
}

// NewMesh creates an empty in-process network.
func NewMesh() *Mesh {
	return &Mesh{nodes: make(map[Endpoint]*Inproc)}
}

// Join attaches a registry to the mesh under the given endpoint and returns
// its transport handle.
func (m *Mesh) Join(ep Endpoint, registry *Registry) *Inproc {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &Inproc{mesh: m, local: ep, registry: registry}
	m.nodes[ep] = t
	return t
}

// Partition detaches an endpoint from the mesh; sends to it fail until it
// rejoins.
func (m *Mesh) Partition(ep Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, ep)
}

// Inproc delivers messages synchronously to other mesh members.
type Inproc struct {
	mesh     *Mesh
	local    Endpoint
	registry *Registry
}

// Send delivers directly to the destination's registry.
func (t *Inproc) Send(to Endpoint, verb Verb, payload []byte) error {
	t.mesh.mu.RLock()
	dest, ok := t.mesh.nodes[to]
	t.mesh.mu.RUnlock()
	if !ok {
		return fmt.Errorf("endpoint %s not reachable", to)
	}
	// Copy: the receiver must not observe later mutations of the buffer.
	p := make([]byte, len(payload))
	copy(p, payload)
	dest.registry.Dispatch(verb, t.local, p)
	return nil
}

// Close detaches from the mesh.
func (t *Inproc) Close() error {
	t.mesh.Partition(t.local)
	return nil
}
