// Package config manages the supervisor's global configuration. Defaults
// are loaded from an embedded YAML file; the live config is stored in a
// single store row and read/written through the Store interface.
package config

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed config.default.yaml
var defaultYAML []byte

// Data holds the serialisable global configuration, one field per option.
type Data struct {
	ControlPort    int    `json:"control_port"    yaml:"control_port"`
	HealthPort     int    `json:"health_port"     yaml:"health_port"`
	DataDir        string `json:"data_dir"        yaml:"data_dir"`
	LogLevel       string `json:"log_level"       yaml:"log_level"`
	SandboxSocket  string `json:"sandbox_socket"  yaml:"sandbox_socket"`
	BrokerEndpoint string `json:"broker_endpoint" yaml:"broker_endpoint"`
	BrokerEnabled  bool   `json:"broker_enabled"  yaml:"broker_enabled"`

	MaxLiveApps        int     `json:"max_live_apps"        yaml:"max_live_apps"`
	DefaultMemoryBytes int64   `json:"default_memory_bytes" yaml:"default_memory_bytes"`
	DefaultCPUShare    float64 `json:"default_cpu_share"    yaml:"default_cpu_share"`
	AppIDPrefix        string  `json:"app_id_prefix"        yaml:"app_id_prefix"`

	ReconcileIntervalMs      int `json:"reconcile_interval_ms"       yaml:"reconcile_interval_ms"`
	DefaultRequestDeadlineMs int `json:"default_request_deadline_ms" yaml:"default_request_deadline_ms"`
	DefaultStopGraceMs       int `json:"default_stop_grace_ms"       yaml:"default_stop_grace_ms"`

	// ControlTokenHash gates the control channel WebSocket upgrade. Stored
	// bcrypt-hashed; see authgate.
	ControlTokenHash string `json:"control_token_hash" yaml:"control_token_hash"`
	JWTSigningKey    string `json:"jwt_signing_key"    yaml:"jwt_signing_key"`

	LogRetentionPerApp int `json:"log_retention_per_app" yaml:"log_retention_per_app"`
}

// Store is the persistence interface for the live config row. Implemented
// by store/sqlite.DB; defined here to avoid a circular import.
type Store interface {
	GetConfig(ctx context.Context) (map[string]any, error)
	SetConfig(ctx context.Context, data map[string]any) error
}

// Global is a thread-safe, store-backed wrapper around Data.
type Global struct {
	mu   sync.RWMutex
	data Data
	st   Store
}

// Load initialises Global from the store. If the stored row is empty, the
// embedded defaults are seeded into it and written back immediately so the
// store always holds a complete row after the first run.
func Load(ctx context.Context, st Store) (*Global, error) {
	row, err := st.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("read config row: %w", err)
	}

	g := &Global{st: st}
	if len(row) == 0 {
		seed, err := defaults()
		if err != nil {
			return nil, fmt.Errorf("build default config: %w", err)
		}
		if err := g.Set(ctx, seed); err != nil {
			return nil, fmt.Errorf("seed default config: %w", err)
		}
		return g, nil
	}

	var d Data
	if err := decodeRow(row, &d); err != nil {
		return nil, fmt.Errorf("decode stored config: %w", err)
	}
	g.data = d
	return g, nil
}

// decodeRow converts a generic store row back into a typed Data value. The
// round trip through JSON is what lets Store stay a plain map[string]any
// without config importing the storage layer's row codec.
func decodeRow(row map[string]any, dst *Data) error {
	b, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

// encodeRow is decodeRow's inverse: it flattens a Data value into the
// map[string]any shape Store persists.
func encodeRow(d Data) (map[string]any, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	row := make(map[string]any)
	if err := json.Unmarshal(b, &row); err != nil {
		return nil, err
	}
	return row, nil
}

func defaults() (Data, error) {
	var d Data
	if err := yaml.Unmarshal(defaultYAML, &d); err != nil {
		return Data{}, err
	}
	return d, nil
}

// Get returns a thread-safe copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// Set writes d to the store and only then swaps it into the in-memory copy.
// A failed write must never leave Get() reporting a configuration that was
// never actually persisted.
func (g *Global) Set(ctx context.Context, d Data) error {
	row, err := encodeRow(d)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := g.st.SetConfig(ctx, row); err != nil {
		return fmt.Errorf("write config row: %w", err)
	}

	g.mu.Lock()
	g.data = d
	g.mu.Unlock()
	return nil
}
