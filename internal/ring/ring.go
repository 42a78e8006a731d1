// Package ring implements a consistent-hash token ring over the live
// cluster members reported by gossip. It maps partition keys to owning
// endpoints while minimizing movement when membership changes.
package ring

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"memberd/internal/transport"
)

// token is one virtual position on the ring owned by an endpoint.
type token struct {
	hash  uint32
	owner transport.Endpoint
}

// Ring maps keys to endpoints via virtual tokens.
type Ring struct {
	mu            sync.RWMutex
	tokensPerNode int
	tokens        []token
	members       map[transport.Endpoint]struct{}
}

// New creates a ring placing tokensPerNode virtual tokens per member.
func New(tokensPerNode int) *Ring {
	if tokensPerNode <= 0 {
		tokensPerNode = 128
	}
	return &Ring{
		tokensPerNode: tokensPerNode,
		members:       make(map[transport.Endpoint]struct{}),
	}
}

// SetMembers rebuilds the ring with the given endpoints. Deterministic: the
// same member set always produces the same token layout.
func (r *Ring) SetMembers(eps []transport.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.members = make(map[transport.Endpoint]struct{}, len(eps))
	r.tokens = r.tokens[:0]
	for _, ep := range eps {
		if _, dup := r.members[ep]; dup {
			continue
		}
		r.members[ep] = struct{}{}
		for i := 0; i < r.tokensPerNode; i++ {
			r.tokens = append(r.tokens, token{
				hash:  hashString(fmt.Sprintf("%s-%d", ep, i)),
				owner: ep,
			})
		}
	}
	sort.Slice(r.tokens, func(i, j int) bool { return r.tokens[i].hash < r.tokens[j].hash })
}

// Owner returns the endpoint owning the key's token range.
func (r *Ring) Owner(key string) (transport.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.tokens) == 0 {
		return "", false
	}
	idx := r.search(hashString(key))
	return r.tokens[idx].owner, true
}

// PreferenceList returns the first k distinct endpoints walking the ring
// clockwise from the key's token.
func (r *Ring) PreferenceList(key string, k int) []transport.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.tokens) == 0 || k <= 0 {
		return nil
	}

	idx := r.search(hashString(key))
	seen := make(map[transport.Endpoint]bool, k)
	out := make([]transport.Endpoint, 0, k)
	for i := 0; i < len(r.tokens) && len(out) < k; i++ {
		owner := r.tokens[(idx+i)%len(r.tokens)].owner
		if !seen[owner] {
			seen[owner] = true
			out = append(out, owner)
		}
	}
	return out
}

// Members returns the endpoints currently on the ring, sorted.
func (r *Ring) Members() []transport.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]transport.Endpoint, 0, len(r.members))
	for ep := range r.members {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TokensPerNode returns the configured virtual token count per member.
func (r *Ring) TokensPerNode() int {
	return r.tokensPerNode
}

// search returns the index of the first token with hash >= h, wrapping to 0.
// Caller holds the lock.
func (r *Ring) search(h uint32) int {
	idx := sort.Search(len(r.tokens), func(i int) bool {
		return r.tokens[i].hash >= h
	})
	if idx >= len(r.tokens) {
		idx = 0
	}
	return idx
}

func hashString(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
