package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/oreboard/indexer/internal/config"
)

func TestNewAgent(t *testing.T) {
	cfg := &config.NewRelicConfig{
		Enabled:    true,
		AppName:    "Test Indexer",
		LicenseKey: "test_key",
	}

	agent := NewAgent(cfg)

	if agent == nil {
		t.Fatal("NewAgent returned nil")
	}
	if agent.cfg != cfg {
		t.Error("Agent.cfg not set correctly")
	}
	if agent.app != nil {
		t.Error("Agent.app should be nil before Start()")
	}
}

func TestStartDisabled(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	if err := agent.Start(); err != nil {
		t.Errorf("Start() returned error when disabled: %v", err)
	}
	if agent.app != nil {
		t.Error("Agent.app should be nil when disabled")
	}
}

func TestStartNoLicenseKey(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: true, AppName: "Test Indexer"})
	if err := agent.Start(); err != nil {
		t.Errorf("Start() returned error with empty license key: %v", err)
	}
	if agent.app != nil {
		t.Error("Agent.app should be nil with empty license key")
	}
}

func TestStopNotStarted(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	agent.Stop()
}

func TestApplicationNotStarted(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	if app := agent.Application(); app != nil {
		t.Error("Application() should return nil when not started")
	}
}

func TestIsEnabledNotStarted(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	if agent.IsEnabled() {
		t.Error("IsEnabled() should return false when not started")
	}
}

func TestStartTransactionNotStarted(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	if txn := agent.StartTransaction("test"); txn != nil {
		t.Error("StartTransaction() should return nil when not started")
	}
}

func TestRecordCustomEventNotStarted(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	agent.RecordCustomEvent("TestEvent", map[string]interface{}{"key": "value"})
}

func TestRecordCustomMetricNotStarted(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	agent.RecordCustomMetric("Custom/Test", 123.45)
}

func TestNoticeErrorNilTransaction(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	agent.NoticeError(nil, nil)
	agent.NoticeError(nil, errors.New("boom"))
}

func TestNewContextNilTransaction(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	ctx := context.Background()

	if result := agent.NewContext(ctx, nil); result != ctx {
		t.Error("NewContext should return original context when txn is nil")
	}
}

func TestFromContext(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	if txn := agent.FromContext(context.Background()); txn != nil {
		t.Error("FromContext should return nil for empty context")
	}
}

func TestRecordRoundFinalized(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	agent.RecordRoundFinalized(42, 7, 1490, 2)
}

func TestRecordRoundUnrevealed(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	agent.RecordRoundUnrevealed(42)
}

func TestRecordRPCFailure(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	agent.RecordRPCFailure("getSlot", errors.New("timeout"))
}

func TestUpdatePollerMetrics(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	agent.UpdatePollerMetrics(42, 10, 2)
}

func TestUpdateAggregateMetrics(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	agent.UpdateAggregateMetrics(1490, 500)
}

func TestAgentStructFields(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{
		Enabled:    true,
		AppName:    "Indexer",
		LicenseKey: "license_123",
	})

	if agent.cfg.AppName != "Indexer" {
		t.Errorf("AppName = %s, want Indexer", agent.cfg.AppName)
	}
	if agent.cfg.LicenseKey != "license_123" {
		t.Errorf("LicenseKey = %s, want license_123", agent.cfg.LicenseKey)
	}
}

func TestConcurrentAccess(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			agent.IsEnabled()
			agent.Application()
			agent.StartTransaction("test")
			agent.RecordCustomEvent("test", nil)
			agent.RecordCustomMetric("test", 1.0)
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}
