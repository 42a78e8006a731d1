// Package detector implements a phi-accrual failure detector. It tracks
// heartbeat inter-arrival times per endpoint and produces a continuous
// suspicion level phi that grows with elapsed silence. An endpoint whose phi
// exceeds the configured threshold is convicted; a later heartbeat clears the
// conviction.
//
// The interval distribution is approximated as exponential with the sample
// mean of a bounded sliding window:
//
//	phi(t) = (t - tLast) / mean * log10(e)
//
// which is monotonically increasing while no heartbeat arrives.
package detector
