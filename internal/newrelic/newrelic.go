// Package newrelic provides New Relic APM integration for monitoring.
package newrelic

import (
	"context"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/tos-network/stratum-splitter/internal/config"
	"github.com/tos-network/stratum-splitter/internal/util"
)

// Agent wraps New Relic APM functionality
type Agent struct {
	cfg   *config.NewRelicConfig
	app   *newrelic.Application
	mu    sync.RWMutex
}

// NewAgent creates a new New Relic agent
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{
		cfg: cfg,
	}
}

// Start initializes the New Relic agent
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warn("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return err
	}

	// Wait for connection (up to 5 seconds)
	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

// Application returns the underlying New Relic application (for middleware)
func (a *Agent) Application() *newrelic.Application {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// IsEnabled reports whether Start created the New Relic application; it
// does not report whether the agent has finished connecting.
func (a *Agent) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app != nil
}

// StartTransaction starts a new New Relic transaction
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// RecordCustomEvent records a custom event
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric
func (a *Agent) RecordCustomMetric(name string, value float64) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// NoticeError records an error
func (a *Agent) NoticeError(txn *newrelic.Transaction, err error) {
	if txn != nil && err != nil {
		txn.NoticeError(err)
	}
}

// NewContext adds transaction to context
func (a *Agent) NewContext(ctx context.Context, txn *newrelic.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return newrelic.NewContext(ctx, txn)
}

// FromContext gets transaction from context
func (a *Agent) FromContext(ctx context.Context) *newrelic.Transaction {
	return newrelic.FromContext(ctx)
}

// RecordShareResult records a share outcome reported by an upstream pool
// for one miner session (spec §7, share_result).
func (a *Agent) RecordShareResult(poolID string, sessionID uint64, accepted bool) {
	status := "accepted"
	if !accepted {
		status = "rejected"
	}
	a.RecordCustomEvent("ShareResult", map[string]interface{}{
		"pool":   poolID,
		"miner":  sessionID,
		"status": status,
	})
}

// RecordPoolSwitch records a scheduler decision to move a miner from one
// upstream pool to the other (spec §4.4, pool_switched).
func (a *Agent) RecordPoolSwitch(sessionID uint64, fromPool, toPool string, forced bool) {
	a.RecordCustomEvent("PoolSwitched", map[string]interface{}{
		"miner":  sessionID,
		"from":   fromPool,
		"to":     toPool,
		"forced": forced,
	})
}

// RecordUpstreamHealth records an upstream session's connection-state
// transition (spec §4.2), so pool flakiness is visible in APM alongside
// share outcomes.
func (a *Agent) RecordUpstreamHealth(poolID, state string, consecutiveTimeouts int) {
	a.RecordCustomEvent("UpstreamHealth", map[string]interface{}{
		"pool":                 poolID,
		"state":                state,
		"consecutive_timeouts": consecutiveTimeouts,
	})
}

// RecordMinerConnected records a downstream miner session accepting.
func (a *Agent) RecordMinerConnected(sessionID uint64, ip string) {
	a.RecordCustomEvent("MinerConnected", map[string]interface{}{
		"miner": sessionID,
		"ip":    ip,
	})
}

// RecordMinerDisconnected records a downstream miner session closing.
func (a *Agent) RecordMinerDisconnected(sessionID uint64) {
	a.RecordCustomEvent("MinerDisconnected", map[string]interface{}{
		"miner": sessionID,
	})
}

// UpdateSchedulerMetrics reports the scheduler's effective weighting and
// miner count (spec §6 status API fields, mirrored into APM).
func (a *Agent) UpdateSchedulerMetrics(weightA, weightB int, downstreamCount int) {
	a.RecordCustomMetric("Custom/Scheduler/WeightA", float64(weightA))
	a.RecordCustomMetric("Custom/Scheduler/WeightB", float64(weightB))
	a.RecordCustomMetric("Custom/Scheduler/Downstreams", float64(downstreamCount))
}

// UpdateUpstreamMetrics reports one upstream pool's current difficulty
// and most recent job age.
func (a *Agent) UpdateUpstreamMetrics(poolID string, difficulty float64, jobAgeSeconds float64) {
	a.RecordCustomMetric("Custom/Upstream/"+poolID+"/Difficulty", difficulty)
	a.RecordCustomMetric("Custom/Upstream/"+poolID+"/JobAgeSeconds", jobAgeSeconds)
}
