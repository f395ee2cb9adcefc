package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// LogLevelChanged is applied immediately.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// StoreChanged means the store section differs; the new prompts and
	// role take effect on the next connect.
	StoreChanged bool

	// Restart lists sections that differ but are only read at startup.
	Restart []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.StoreChanged && len(d.Restart) == 0
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.StoreChanged = old.Store != new.Store

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.Restart = append(d.Restart, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.Restart = append(d.Restart, "providers")
	}
	if old.Capture != new.Capture {
		d.Restart = append(d.Restart, "capture")
	}
	if old.Session != new.Session {
		d.Restart = append(d.Restart, "session")
	}
	if old.Quota != new.Quota {
		d.Restart = append(d.Restart, "quota")
	}
	if old.Postgres != new.Postgres {
		d.Restart = append(d.Restart, "postgres")
	}
	if old.MCP != new.MCP {
		d.Restart = append(d.Restart, "mcp")
	}
	return d
}
