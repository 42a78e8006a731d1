package gossip

import "memberd/internal/transport"

// Syn opens a gossip exchange: the initiator's digest list plus the cluster
// and partitioner identity guard. A receiver configured for a different
// cluster or partitioner drops the message outright.
type Syn struct {
	ClusterName string
	Partitioner string
	Digests     []Digest
}

// Ack is the second leg: digests for the endpoints the Ack sender wants
// state for, and full or delta state for the endpoints it is ahead on.
type Ack struct {
	Digests []Digest
	States  map[transport.Endpoint]*EndpointState
}

// Ack2 is the final leg, carrying whatever state the Ack requested.
type Ack2 struct {
	States map[transport.Endpoint]*EndpointState
}
