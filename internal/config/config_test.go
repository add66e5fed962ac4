package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid config",
			config: Config{
				RPC:      RPCConfig{URL: "http://127.0.0.1:8899"},
				Database: DatabaseConfig{URL: "sqlite://data/app.db"},
				Node:     NodeConfig{Timeout: 10 * time.Second},
			},
			wantErr: false,
		},
		{
			name: "missing rpc url",
			config: Config{
				Database: DatabaseConfig{URL: "sqlite://data/app.db"},
				Node:     NodeConfig{Timeout: 10 * time.Second},
			},
			wantErr: true,
			errMsg:  "rpc.url (RPC_URL) is required",
		},
		{
			name: "missing database url",
			config: Config{
				RPC:  RPCConfig{URL: "http://127.0.0.1:8899"},
				Node: NodeConfig{Timeout: 10 * time.Second},
			},
			wantErr: true,
			errMsg:  "database.url (DATABASE_URL) is required",
		},
		{
			name: "zero node timeout",
			config: Config{
				RPC:      RPCConfig{URL: "http://127.0.0.1:8899"},
				Database: DatabaseConfig{URL: "sqlite://data/app.db"},
			},
			wantErr: true,
			errMsg:  "node.timeout must be positive",
		},
		{
			name: "newrelic enabled without license key",
			config: Config{
				RPC:      RPCConfig{URL: "http://127.0.0.1:8899"},
				Database: DatabaseConfig{URL: "sqlite://data/app.db"},
				Node:     NodeConfig{Timeout: 10 * time.Second},
				NewRelic: NewRelicConfig{Enabled: true},
			},
			wantErr: true,
			errMsg:  "newrelic.license_key is required when newrelic is enabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && err.Error() != tt.errMsg {
				t.Errorf("Validate() error = %q, want %q", err.Error(), tt.errMsg)
			}
		})
	}
}

func TestLoadWithTempConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
rpc:
  url: "http://127.0.0.1:8899"
  program_id: "ExampleProgram11111111111111111111111111"

database:
  url: "sqlite://data/test.db"

node:
  timeout: 5s

api:
  bind: "127.0.0.1:9090"
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.RPC.URL != "http://127.0.0.1:8899" {
		t.Errorf("RPC.URL = %s, want http://127.0.0.1:8899", cfg.RPC.URL)
	}
	if cfg.Database.URL != "sqlite://data/test.db" {
		t.Errorf("Database.URL = %s, want sqlite://data/test.db", cfg.Database.URL)
	}
	if cfg.Node.Timeout != 5*time.Second {
		t.Errorf("Node.Timeout = %v, want 5s", cfg.Node.Timeout)
	}
	if cfg.API.Bind != "127.0.0.1:9090" {
		t.Errorf("API.Bind = %s, want 127.0.0.1:9090", cfg.API.Bind)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
rpc:
  url: "http://127.0.0.1:8899"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.URL != "sqlite://data/app.db" {
		t.Errorf("Database.URL default = %s, want sqlite://data/app.db", cfg.Database.URL)
	}
	if cfg.API.Bind != "0.0.0.0:8080" {
		t.Errorf("API.Bind default = %s, want 0.0.0.0:8080", cfg.API.Bind)
	}
	if cfg.Node.Timeout != 10*time.Second {
		t.Errorf("Node.Timeout default = %v, want 10s", cfg.Node.Timeout)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level default = %s, want info", cfg.Log.Level)
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Missing required rpc.url
	configContent := `
database:
  url: "sqlite://data/test.db"
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() should return error for missing rpc.url")
	}
}

func TestLoadNonexistentConfig(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should return error for non-existent config")
	}
}
