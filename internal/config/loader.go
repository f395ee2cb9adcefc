package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/posvoice/internal/pos"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr = ":8080"
	DefaultS2S        = "gemini-live"
	DefaultVAD        = "adaptive"
	DefaultStoreName  = "Cửa hàng"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s": {"gemini-live"},
	"vad": {"adaptive"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields. Session timing left at zero falls back
// to the session package's own defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.S2S.Name == "" {
		cfg.Providers.S2S.Name = DefaultS2S
	}
	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = DefaultVAD
	}
	if cfg.Store.Name == "" {
		cfg.Store.Name = DefaultStoreName
	}
	if cfg.Store.Role == "" {
		cfg.Store.Role = pos.RoleStaff
	}
	if cfg.Capture.Source == "" {
		cfg.Capture.Source = CaptureLocal
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "") != (tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	validateProviderName("s2s", cfg.Providers.S2S.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	if voice := cfg.Providers.S2S.Options["voice"]; voice != nil {
		if _, ok := voice.(string); !ok {
			errs = append(errs, fmt.Errorf("providers.s2s.options.voice must be a string, got %T", voice))
		}
	}

	// Store
	if cfg.Store.Role != "" && !cfg.Store.Role.IsValid() {
		errs = append(errs, fmt.Errorf("store.role %q is invalid; valid values: STAFF, CUSTOMER", cfg.Store.Role))
	}

	// Capture
	if cfg.Capture.Source != "" && !cfg.Capture.Source.IsValid() {
		errs = append(errs, fmt.Errorf("capture.source %q is invalid; valid values: local, remote, none", cfg.Capture.Source))
	}
	if cfg.Capture.Source == CaptureRemote && cfg.Capture.RemoteAddr == "" {
		errs = append(errs, errors.New("capture.remote_addr is required when capture.source is remote"))
	}
	if cfg.Capture.Gate < 0 || cfg.Capture.Gate > 32767 {
		errs = append(errs, fmt.Errorf("capture.gate %.0f is out of range [0, 32767]", cfg.Capture.Gate))
	}
	errs = appendNegative(errs, "capture.debounce", cfg.Capture.Debounce)

	// Session
	s := cfg.Session
	errs = appendNegative(errs, "session.silence_timeout", s.SilenceTimeout)
	errs = appendNegative(errs, "session.restore_window", s.RestoreWindow)
	errs = appendNegative(errs, "session.reconnect.base", s.Reconnect.Base)
	errs = appendNegative(errs, "session.reconnect.max", s.Reconnect.Max)
	if s.Reconnect.Factor != 0 && s.Reconnect.Factor < 1 {
		errs = append(errs, fmt.Errorf("session.reconnect.factor %.2f must be at least 1", s.Reconnect.Factor))
	}
	if s.Reconnect.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("session.reconnect.max_retries %d must not be negative", s.Reconnect.MaxRetries))
	}
	if s.Reconnect.Base > 0 && s.Reconnect.Max > 0 && s.Reconnect.Base > s.Reconnect.Max {
		errs = append(errs, fmt.Errorf("session.reconnect.base %s exceeds session.reconnect.max %s", s.Reconnect.Base, s.Reconnect.Max))
	}
	if s.TranscriptLimit < 0 {
		errs = append(errs, fmt.Errorf("session.transcript_limit %d must not be negative", s.TranscriptLimit))
	}

	// Quota
	if cfg.Quota.TrialDays < 0 {
		errs = append(errs, fmt.Errorf("quota.trial_days %d must not be negative", cfg.Quota.TrialDays))
	}
	if cfg.Quota.DailyMinutes < 0 {
		errs = append(errs, fmt.Errorf("quota.daily_minutes %d must not be negative", cfg.Quota.DailyMinutes))
	}
	if cfg.Quota.InstallDate != "" {
		if _, err := time.Parse(time.DateOnly, cfg.Quota.InstallDate); err != nil {
			errs = append(errs, fmt.Errorf("quota.install_date %q is not a YYYY-MM-DD date", cfg.Quota.InstallDate))
		}
	}

	if cfg.Postgres.DSN == "" {
		slog.Debug("postgres.dsn is empty; store and conversation history are kept in memory")
	}

	return errors.Join(errs...)
}

// InstallTime parses InstallDate, falling back to fallback when unset.
func (q QuotaConfig) InstallTime(fallback time.Time) time.Time {
	if q.InstallDate == "" {
		return fallback
	}
	t, err := time.Parse(time.DateOnly, q.InstallDate)
	if err != nil {
		return fallback
	}
	return t
}

func appendNegative(errs []error, field string, d time.Duration) []error {
	if d < 0 {
		return append(errs, fmt.Errorf("%s %s must not be negative", field, d))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
