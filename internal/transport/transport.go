package transport

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// Endpoint uniquely identifies a cluster member by its gossip address.
// Equality and map hashing are by value.
type Endpoint string

// String returns the endpoint address.
func (e Endpoint) String() string { return string(e) }

// HostPort splits the endpoint into host and port.
func (e Endpoint) HostPort() (string, int, error) {
	host, portStr, err := net.SplitHostPort(string(e))
	if err != nil {
		return "", 0, fmt.Errorf("invalid endpoint %q: %w", e, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid endpoint port %q: %w", portStr, err)
	}
	return host, port, nil
}

// Verb identifies the kind of a message for dispatch.
type Verb int32

const (
	VerbGossipSyn Verb = iota + 1
	VerbGossipAck
	VerbGossipAck2
)

// String returns the verb name.
func (v Verb) String() string {
	switch v {
	case VerbGossipSyn:
		return "GOSSIP_DIGEST_SYN"
	case VerbGossipAck:
		return "GOSSIP_DIGEST_ACK"
	case VerbGossipAck2:
		return "GOSSIP_DIGEST_ACK2"
	default:
		return fmt.Sprintf("VERB(%d)", int32(v))
	}
}

// Handler processes one inbound message. Handlers return nothing; replies are
// sent as independent outbound messages.
type Handler func(from Endpoint, payload []byte)

// Registry maps verbs to handlers. Registration happens at startup; dispatch
// runs concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Verb]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Verb]Handler)}
}

// Register installs the handler for a verb, replacing any previous one.
func (r *Registry) Register(v Verb, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[v] = h
}

// Dispatch invokes the handler registered for the verb. Unknown verbs are
// dropped and reported via the return value.
func (r *Registry) Dispatch(v Verb, from Endpoint, payload []byte) bool {
	r.mu.RLock()
	h, ok := r.handlers[v]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	h(from, payload)
	return true
}

// Transport sends opaque payloads to endpoints with best-effort delivery.
// Send enqueues and returns immediately; there is no reply correlation.
type Transport interface {
	Send(to Endpoint, verb Verb, payload []byte) error
	Close() error
}
