// Package gossip implements the anti-entropy membership protocol: every node
// learns, without a central coordinator, which other nodes exist, whether
// they are alive, and what metadata they advertise.
//
// Each node keeps one EndpointState per known peer, versioned by a
// (generation, version) pair. Generation changes only on process restart and
// strictly partitions history; version increases on every local mutation
// within a generation. A periodic round summarizes local knowledge as
// digests and reconciles with a peer through a three-message
// Syn/Ack/Ack2 exchange that transfers only the state the other side is
// missing. Heartbeat arrivals observed during the exchange feed the
// phi-accrual failure detector, which in turn drives the live and
// unreachable member sets.
//
// Convergence is eventual and probabilistic: a lost Ack or Ack2 is never
// retransmitted, the knowledge gain is simply recovered by a later round.
package gossip
