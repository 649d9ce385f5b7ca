// Package storage provides best-effort persistence for the proxy: the
// downstream ban/allow lists policy consults, and a periodic snapshot of
// proxy state for recovery after a restart (payouts, shares, and blocks
// are a Non-goal — the proxy never owns that data).
package storage

// StatusSnapshot is the point-in-time proxy state persisted for recovery
// display after a restart (spec §6): each pool's upstream state, the
// scheduler's effective weights, the miner count and event counters.
// Per-pool difficulty is not recorded.
type StatusSnapshot struct {
	SavedAt      int64             `json:"saved_at"`
	PoolStates   map[string]string `json:"pool_states"`   // pool id -> upstream.State string
	PoolWeights  map[string]int    `json:"pool_weights"`  // pool id -> effective weight percent
	MinerCount   int               `json:"miner_count"`
	EventCounts  map[string]uint64 `json:"event_counts"`
}
