// Package events is the proxy's single point of observability: every
// named occurrence spec §7 calls out (a pool switch, a share outcome, a
// forwarded job, a lost connection...) is both counted and logged through
// here, so the status API, the logs, and the optional APM export (see
// internal/newrelic) never drift out of sync about what happened.
package events

import (
	"sync/atomic"

	"github.com/tos-network/stratum-splitter/internal/util"
)

// Kind names one class of event the proxy emits.
type Kind string

const (
	PoolSwitched     Kind = "pool_switched"
	ShareResult      Kind = "share_result"
	JobForwarded     Kind = "job_forwarded"
	PoolDisconnected Kind = "pool_disconnected"
	ExtranonceChange Kind = "extranonce_change"
	StaleShare       Kind = "stale_share"
	// DuplicateShare is distinct from StaleShare (spec §8, scenario 6:
	// "counter shares_rejected_duplicate increments by 1") — a duplicate
	// submit is a miner replaying work already seen, not a submit against
	// a job that has aged out of a pool's ring.
	DuplicateShare   Kind = "shares_rejected_duplicate"
	ProtocolError    Kind = "protocol_error"
	ComponentCrashed Kind = "component_crashed"
	PoolUnavailable  Kind = "pool_unavailable"
)

var allKinds = []Kind{
	PoolSwitched, ShareResult, JobForwarded, PoolDisconnected,
	ExtranonceChange, StaleShare, DuplicateShare, ProtocolError,
	ComponentCrashed, PoolUnavailable,
}

// Bus counts and logs events. The zero value is not usable; use NewBus.
type Bus struct {
	counters map[Kind]*uint64
}

// NewBus creates an event bus with every known kind pre-registered at
// zero, so Snapshot always reports a stable, complete key set.
func NewBus() *Bus {
	b := &Bus{counters: make(map[Kind]*uint64, len(allKinds))}
	for _, k := range allKinds {
		var c uint64
		b.counters[k] = &c
	}
	return b
}

// Emit records one occurrence of kind and logs it at a severity picked by
// the kind (errors/warnings for fault-like kinds, info otherwise), with
// the supplied key/value fields attached.
func (b *Bus) Emit(kind Kind, keysAndValues ...interface{}) {
	if c, ok := b.counters[kind]; ok {
		atomic.AddUint64(c, 1)
	} else {
		var c uint64 = 1
		b.counters[kind] = &c
	}

	switch kind {
	case ProtocolError, ComponentCrashed:
		util.Errorw(string(kind), keysAndValues...)
	case PoolDisconnected, StaleShare, DuplicateShare, PoolUnavailable:
		util.Warnw(string(kind), keysAndValues...)
	default:
		util.Infow(string(kind), keysAndValues...)
	}
}

// Count returns the number of times kind has fired so far.
func (b *Bus) Count(kind Kind) uint64 {
	c, ok := b.counters[kind]
	if !ok {
		return 0
	}
	return atomic.LoadUint64(c)
}

// Snapshot returns a point-in-time copy of every counter, keyed by name,
// for the status API (spec §6).
func (b *Bus) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, len(b.counters))
	for k, c := range b.counters {
		out[string(k)] = atomic.LoadUint64(c)
	}
	return out
}
