// Package config manages the gateway's global configuration.
// Process-lifetime settings (listen address, engine address, API key) come
// from the environment. The admin-tunable subset (idle TTLs, backoff
// parameters, reconcile interval) is seeded from an embedded default YAML
// and can be overridden at runtime through the audit store.
package config

import (
	"context"
	_ "embed"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/comfy-gateway/gateway/authkey"
)

//go:embed config.default.yaml
var defaultYAML []byte

// Data holds the serialisable admin-tunable configuration.
type Data struct {
	ClientIdleTTL     string `json:"client_idle_ttl"     yaml:"client_idle_ttl"`
	JobIdleTTL        string `json:"job_idle_ttl"        yaml:"job_idle_ttl"`
	SweepInterval     string `json:"sweep_interval"      yaml:"sweep_interval"`
	BackendRetryBase  string `json:"backend_retry_base"  yaml:"backend_retry_base"`
	BackendRetryCount int    `json:"backend_retry_count" yaml:"backend_retry_count"`
	ReconnectBackoffBase string `json:"reconnect_backoff_base" yaml:"reconnect_backoff_base"`
	ReconnectBackoffCap  string `json:"reconnect_backoff_cap"  yaml:"reconnect_backoff_cap"`
}

// Durations resolves the string fields of Data to time.Duration, falling
// back to the built-in default on a parse error.
type Durations struct {
	ClientIdleTTL        time.Duration
	JobIdleTTL           time.Duration
	SweepInterval        time.Duration
	BackendRetryBase     time.Duration
	BackendRetryCount    int
	ReconnectBackoffBase time.Duration
	ReconnectBackoffCap  time.Duration
}

func (d Data) Durations() Durations {
	return Durations{
		ClientIdleTTL:        parseDurationOr(d.ClientIdleTTL, 10*time.Minute),
		JobIdleTTL:           parseDurationOr(d.JobIdleTTL, 24*time.Hour),
		SweepInterval:        parseDurationOr(d.SweepInterval, 30*time.Second),
		BackendRetryBase:     parseDurationOr(d.BackendRetryBase, 2*time.Second),
		BackendRetryCount:    d.BackendRetryCount,
		ReconnectBackoffBase: parseDurationOr(d.ReconnectBackoffBase, time.Second),
		ReconnectBackoffCap:  parseDurationOr(d.ReconnectBackoffCap, 128*time.Second),
	}
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// ConfigStore is the persistence interface for the admin-tunable config
// row. Implemented by audit.Store; defined here to avoid a circular import.
type ConfigStore interface {
	GetConfig(ctx context.Context) (map[string]any, error)
	SetConfig(ctx context.Context, data map[string]any) error
}

// Global is a thread-safe, optionally DB-backed wrapper around Data.
type Global struct {
	mu   sync.RWMutex
	data Data
	st   ConfigStore // nil when running without an audit store
}

// Load initialises Global from the embedded defaults, then overlays the
// store's row if st is non-nil and has one. st may be nil, in which case
// Global behaves as an in-memory-only config seeded from defaults.
func Load(ctx context.Context, st ConfigStore) (*Global, error) {
	g := &Global{st: st, data: Defaults()}

	if st == nil {
		return g, nil
	}

	raw, err := st.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		if err := g.persist(ctx, g.data); err != nil {
			return nil, err
		}
		return g, nil
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &g.data); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Global) persist(ctx context.Context, d Data) error {
	if g.st == nil {
		return nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	return g.st.SetConfig(ctx, m)
}

// Defaults returns the built-in configuration by parsing the embedded YAML.
func Defaults() Data {
	var d Data
	_ = yaml.Unmarshal(defaultYAML, &d)
	return d
}

// Get returns a thread-safe copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// Set replaces the configuration and persists it, when an audit store is
// configured.
func (g *Global) Set(ctx context.Context, d Data) error {
	if err := g.persist(ctx, d); err != nil {
		return err
	}
	g.mu.Lock()
	g.data = d
	g.mu.Unlock()
	return nil
}

// Process holds the process-lifetime settings read once from the
// environment at startup. These are never persisted — restarting the
// gateway with a different environment is the only way to change them,
// matching spec's no-session-persistence-across-restarts stance.
type Process struct {
	ListenAddress string
	APIKeyHash    string // bcrypt hash of APP_API_KEY, computed once at startup
	EngineHTTPURL string
	EngineWSURL   string
	AuditDSN      string // empty disables the audit store
	ResumeSecret  []byte // HMAC signing key for resume tokens
}

// LoadProcess reads process-lifetime settings from the environment, per
// spec.md §6's minimal environment (APP_API_KEY, APP_LISTEN_ADDRESS,
// APP_LISTEN_PORT, engine address). APP_API_KEY is hashed once here with
// bcrypt rather than kept around in plaintext for the life of the process.
func LoadProcess() Process {
	addr := getEnv("APP_LISTEN_ADDRESS", "0.0.0.0")
	port := getEnv("APP_LISTEN_PORT", "8188")

	var keyHash string
	if key := os.Getenv("APP_API_KEY"); key != "" {
		if h, err := authkey.HashKey(key); err == nil {
			keyHash = h
		}
	}

	engineAddr := getEnv("ENGINE_ADDRESS", "http://127.0.0.1:8000")

	return Process{
		ListenAddress: addr + ":" + port,
		APIKeyHash:    keyHash,
		EngineHTTPURL: engineAddr,
		EngineWSURL:   toWSURL(engineAddr) + "/ws",
		AuditDSN:      os.Getenv("AUDIT_DB_DSN"),
		ResumeSecret:  []byte(getEnv("APP_RESUME_SECRET", "")),
	}
}

// toWSURL rewrites an http(s):// engine address to its ws(s):// equivalent.
func toWSURL(addr string) string {
	switch {
	case strings.HasPrefix(addr, "https://"):
		return "wss://" + strings.TrimPrefix(addr, "https://")
	case strings.HasPrefix(addr, "http://"):
		return "ws://" + strings.TrimPrefix(addr, "http://")
	default:
		return addr
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
