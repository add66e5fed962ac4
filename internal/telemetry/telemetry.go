// Package telemetry provides New Relic APM integration for monitoring the
// indexer's polling loop, HTTP API, and aggregation maintainer.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/oreboard/indexer/internal/config"
	"github.com/oreboard/indexer/internal/util"
)

// Agent wraps New Relic APM functionality.
type Agent struct {
	cfg *config.NewRelicConfig
	app *newrelic.Application
	mu  sync.RWMutex
}

// NewAgent creates a new telemetry agent.
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{cfg: cfg}
}

// Start initializes the New Relic agent.
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

	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent.
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

// Application returns the underlying New Relic application, or nil when the
// agent has not been started.
func (a *Agent) Application() *newrelic.Application {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// IsEnabled returns true once Start has created the New Relic application,
// even if its initial connection attempt timed out.
func (a *Agent) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app != nil
}

// StartTransaction starts a new New Relic transaction.
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// RecordCustomEvent records a custom event.
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric.
func (a *Agent) RecordCustomMetric(name string, value float64) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// NoticeError records an error against a transaction.
func (a *Agent) NoticeError(txn *newrelic.Transaction, err error) {
	if txn != nil && err != nil {
		txn.NoticeError(err)
	}
}

// NewContext adds a transaction to a context.
func (a *Agent) NewContext(ctx context.Context, txn *newrelic.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return newrelic.NewContext(ctx, txn)
}

// FromContext gets a transaction from a context.
func (a *Agent) FromContext(ctx context.Context) *newrelic.Transaction {
	return newrelic.FromContext(ctx)
}

// RecordRoundFinalized records a round finalization event.
func (a *Agent) RecordRoundFinalized(roundID uint64, winningSquare int, totalWinnings uint64, minersCount int) {
	a.RecordCustomEvent("RoundFinalized", map[string]interface{}{
		"round_id":       roundID,
		"winning_square": winningSquare,
		"total_winnings": totalWinnings,
		"miners_count":   minersCount,
	})
}

// RecordRoundUnrevealed records a round persisted without an attributed
// winning square because the chain's reveal sweep failed.
func (a *Agent) RecordRoundUnrevealed(roundID uint64) {
	a.RecordCustomEvent("RoundUnrevealed", map[string]interface{}{
		"round_id": roundID,
	})
}

// RecordRPCFailure records a failed chain RPC call.
func (a *Agent) RecordRPCFailure(method string, err error) {
	a.RecordCustomEvent("RPCFailure", map[string]interface{}{
		"method": method,
		"error":  err.Error(),
	})
}

// UpdatePollerMetrics updates gauges describing the poller's current view of
// the board.
func (a *Agent) UpdatePollerMetrics(roundID uint64, slotsRemaining int64, minersObserved int) {
	a.RecordCustomMetric("Custom/Poller/RoundID", float64(roundID))
	a.RecordCustomMetric("Custom/Poller/SlotsRemaining", float64(slotsRemaining))
	a.RecordCustomMetric("Custom/Poller/MinersObserved", float64(minersObserved))
}

// UpdateAggregateMetrics updates gauges describing the aggregation
// maintainer's last run.
func (a *Agent) UpdateAggregateMetrics(totalSolPaid, totalOrePaid uint64) {
	a.RecordCustomMetric("Custom/Aggregate/TotalSolPaid", float64(totalSolPaid))
	a.RecordCustomMetric("Custom/Aggregate/TotalOrePaid", float64(totalOrePaid))
}
