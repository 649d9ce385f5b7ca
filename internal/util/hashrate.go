package util

import "math"

// NetworkHashrate estimates a chain's network hashrate from its current
// difficulty and average block time. internal/chaininfo uses it to fill
// Sample.Hashrate; the auto-balance weights (spec §4.4) come from
// Sample.Profitability (block reward / difficulty), not from this figure.
func NetworkHashrate(difficulty uint64, blockTimeSeconds float64) float64 {
	if blockTimeSeconds <= 0 {
		return 0
	}
	return float64(difficulty) / blockTimeSeconds
}

// EstimatedTimeToBlock estimates time to find a block given hashrate and
// difficulty.
func EstimatedTimeToBlock(hashrate float64, difficulty uint64) float64 {
	if hashrate <= 0 {
		return 0
	}
	return float64(difficulty) / hashrate
}

// EMA computes a single exponential-moving-average step given the
// previous average, the new sample, and a half-life expressed in the same
// time unit as elapsed. alpha = 1 - 0.5^(elapsed/halfLife).
func EMA(prev, sample, elapsed, halfLife float64) float64 {
	if halfLife <= 0 {
		return sample
	}
	if elapsed <= 0 {
		return prev
	}
	alpha := 1 - math.Pow(0.5, elapsed/halfLife)
	return prev + alpha*(sample-prev)
}
