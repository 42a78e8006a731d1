// Package transport provides best-effort message delivery between cluster
// nodes. Messages are opaque payloads keyed by a verb; inbound datagrams are
// dispatched to handlers registered in a Registry. Delivery is fire-and-forget
// with no ordering guarantee across connections.
//
// Two implementations are provided: a UDP transport for deployments and an
// in-process mesh for tests.
package transport
