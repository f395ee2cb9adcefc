// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for the posvoice assistant.
package config

import (
	"time"

	"github.com/MrWong99/posvoice/internal/pos"
)

// LogLevel controls log verbosity for the posvoice server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// CaptureSource selects where microphone audio comes from.
type CaptureSource string

const (
	// CaptureLocal reads the default input device through PortAudio.
	CaptureLocal CaptureSource = "local"

	// CaptureRemote dials a phone or tablet acting as a WebSocket microphone.
	CaptureRemote CaptureSource = "remote"

	// CaptureNone runs sessions without microphone input.
	CaptureNone CaptureSource = "none"
)

// IsValid reports whether s is a recognised capture source.
func (s CaptureSource) IsValid() bool {
	switch s {
	case CaptureLocal, CaptureRemote, CaptureNone:
		return true
	}
	return false
}

// Config is the root configuration structure for posvoice.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Store     StoreConfig     `yaml:"store"`
	Capture   CaptureConfig   `yaml:"capture"`
	Session   SessionConfig   `yaml:"session"`
	Quota     QuotaConfig     `yaml:"quota"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	MCP       MCPConfig       `yaml:"mcp"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the address the HTTP control surface binds to (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: debug, info, warn, error.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when both paths are set.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds paths to the TLS certificate and private key files.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig names the providers used by a session.
type ProvidersConfig struct {
	// S2S is the realtime speech-to-speech model.
	S2S ProviderEntry `yaml:"s2s"`

	// VAD is the voice activity detector used by local capture.
	VAD ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the common configuration block for any provider.
type ProviderEntry struct {
	// Name is the registered provider name (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey is the credential passed to the provider. It may be left empty
	// and supplied later through the control surface.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model version.
	Model string `yaml:"model"`

	// Options carries provider-specific keys such as "voice".
	Options map[string]any `yaml:"options"`
}

// Option returns Options[key] as a string, or "" when absent.
func (p ProviderEntry) Option(key string) string {
	v, ok := p.Options[key].(string)
	if !ok {
		return ""
	}
	return v
}

// StoreConfig describes the shop the assistant sells for. This section is
// hot-reloadable; changes apply on the next connect.
type StoreConfig struct {
	// Name replaces the store-name placeholder in prompts.
	Name string `yaml:"name"`

	// Role is the operator role: STAFF or CUSTOMER.
	Role pos.Role `yaml:"role"`

	// Docs is free-form promotion and policy text appended to the
	// system instruction.
	Docs string `yaml:"docs"`

	// SystemPrompt overrides the opening greeting sent to the model.
	SystemPrompt string `yaml:"system_prompt"`

	// InventorySeed is an optional YAML product file loaded into an empty store.
	InventorySeed string `yaml:"inventory_seed"`
}

// CaptureConfig selects and tunes microphone capture.
type CaptureConfig struct {
	Source CaptureSource `yaml:"source"`

	// RemoteAddr is host[:port] of the remote microphone. Required when
	// Source is remote.
	RemoteAddr string `yaml:"remote_addr"`

	// Gate is the amplitude (0..32767) below which remote frames are
	// discarded.
	Gate float64 `yaml:"gate"`

	// Debounce is how long the user-speaking flag stays up after the last
	// voiced frame.
	Debounce time.Duration `yaml:"debounce"`
}

// SessionConfig tunes the voice session lifecycle.
type SessionConfig struct {
	SilenceTimeout  time.Duration   `yaml:"silence_timeout"`
	Reconnect       ReconnectConfig `yaml:"reconnect"`
	RestoreWindow   time.Duration   `yaml:"restore_window"`
	TranscriptLimit int             `yaml:"transcript_limit"`
}

// ReconnectConfig is the exponential backoff applied after a dropped
// connection.
type ReconnectConfig struct {
	Base       time.Duration `yaml:"base"`
	Max        time.Duration `yaml:"max"`
	Factor     float64       `yaml:"factor"`
	MaxRetries int           `yaml:"max_retries"`
}

// QuotaConfig holds the usage limits.
type QuotaConfig struct {
	TrialDays    int  `yaml:"trial_days"`
	DailyMinutes int  `yaml:"daily_minutes"`
	Premium      bool `yaml:"premium"`

	// InstallDate is the first trial day, formatted YYYY-MM-DD. Empty means
	// the day the process started.
	InstallDate string `yaml:"install_date"`
}

// PostgresConfig configures the optional PostgreSQL store.
type PostgresConfig struct {
	// DSN is a PostgreSQL connection string. Empty keeps everything in memory.
	DSN string `yaml:"dsn"`
}

// MCPConfig controls the MCP tool server mounted on the control surface.
type MCPConfig struct {
	// Enabled mounts the streamable-HTTP endpoint at /mcp.
	Enabled bool `yaml:"enabled"`
}
