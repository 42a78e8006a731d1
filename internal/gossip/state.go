package gossip

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ApplicationState identifies one semantic slot of gossiped node metadata.
type ApplicationState int32

const (
	StateStatus ApplicationState = iota
	StateLoad
	StateSchema
	StateTokens
	StateSeverity
	StateDC
	StateRack
	StateReleaseVersion
	StateInternalIP
	StateRemovalCoordinator
)

// String returns the state key name.
func (s ApplicationState) String() string {
	switch s {
	case StateStatus:
		return "STATUS"
	case StateLoad:
		return "LOAD"
	case StateSchema:
		return "SCHEMA"
	case StateTokens:
		return "TOKENS"
	case StateSeverity:
		return "SEVERITY"
	case StateDC:
		return "DC"
	case StateRack:
		return "RACK"
	case StateReleaseVersion:
		return "RELEASE_VERSION"
	case StateInternalIP:
		return "INTERNAL_IP"
	case StateRemovalCoordinator:
		return "REMOVAL_COORDINATOR"
	default:
		return fmt.Sprintf("STATE(%d)", int32(s))
	}
}

// Well-known STATUS values.
const (
	StatusNormal  = "NORMAL"
	StatusLeaving = "LEAVING"
	StatusLeft    = "LEFT"
	StatusRemoved = "removed"
)

// VersionedValue is one application-state value together with the per-key
// monotonic version that decides whether an incoming value is newer.
type VersionedValue struct {
	Value   string
	Version int32
}

// HeartBeatState carries a node's incarnation and its in-process mutation
// counter. Generation bumps only on restart; Version increases monotonically
// while the process runs.
type HeartBeatState struct {
	Generation int64
	Version    int32
}

// Newer reports whether h supersedes other under the gossip ordering rule:
// higher generation always wins, equal generations compare versions.
func (h HeartBeatState) Newer(other HeartBeatState) bool {
	if h.Generation != other.Generation {
		return h.Generation > other.Generation
	}
	return h.Version > other.Version
}

// EndpointState is everything one node knows about one peer. Alive is
// derived locally from the failure detector and is never gossiped.
type EndpointState struct {
	HeartBeat HeartBeatState
	AppStates map[ApplicationState]VersionedValue

	alive      bool
	updateTime time.Time
}

// NewEndpointState creates a state record with an empty application map.
func NewEndpointState(hb HeartBeatState) *EndpointState {
	return &EndpointState{
		HeartBeat:  hb,
		AppStates:  make(map[ApplicationState]VersionedValue),
		alive:      true,
		updateTime: time.Now(),
	}
}

// IsAlive reports the locally derived liveness mark.
func (s *EndpointState) IsAlive() bool { return s.alive }

// UpdateTime returns when this record last changed locally.
func (s *EndpointState) UpdateTime() time.Time { return s.updateTime }

// MaxVersion returns the highest version across the heartbeat and all
// application-state entries. This is the value advertised in digests.
func (s *EndpointState) MaxVersion() int32 {
	max := s.HeartBeat.Version
	for _, v := range s.AppStates {
		if v.Version > max {
			max = v.Version
		}
	}
	return max
}

// Copy returns a deep copy safe to hand to the wire codec or another
// goroutine.
func (s *EndpointState) Copy() *EndpointState {
	c := &EndpointState{
		HeartBeat:  s.HeartBeat,
		AppStates:  make(map[ApplicationState]VersionedValue, len(s.AppStates)),
		alive:      s.alive,
		updateTime: s.updateTime,
	}
	for k, v := range s.AppStates {
		c.AppStates[k] = v
	}
	return c
}

// newerThan returns the subset of this state with versions strictly greater
// than the given threshold, or nil if nothing qualifies. A zero threshold
// therefore returns the full state: version 0 cannot anchor a delta.
func (s *EndpointState) newerThan(version int32) *EndpointState {
	if version > 0 && s.MaxVersion() <= version {
		return nil
	}
	d := NewEndpointState(s.HeartBeat)
	for k, v := range s.AppStates {
		if v.Version > version {
			d.AppStates[k] = v
		}
	}
	return d
}

// versionGenerator hands out process-wide monotonic versions shared by the
// heartbeat and every application-state key.
type versionGenerator struct {
	v atomic.Int32
}

func (g *versionGenerator) next() int32 {
	return g.v.Add(1)
}
