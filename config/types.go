package config

// Config is the buildwatch configuration loaded from buildwatch.yml or
// buildwatch.toml.
type Config struct {
	// Watchman configures daemon session establishment.
	Watchman WatchmanConfig `yaml:"watchman" toml:"watchman"`

	// Roots are the project roots to watch. Relative paths are resolved
	// against the config file's directory at load time.
	Roots []string `yaml:"roots" toml:"roots"`

	// Ignore holds path patterns the fallback watcher skips.
	Ignore []string `yaml:"ignore" toml:"ignore"`

	// Extensions holds tool-specific sections this package does not
	// interpret; use UnmarshalExtension to decode one.
	Extensions map[string]interface{} `yaml:",inline" toml:"-"`
}

// WatchmanConfig controls how the daemon session is established.
type WatchmanConfig struct {
	// Executable overrides the watchman binary found on PATH.
	Executable string `yaml:"executable" toml:"executable"`

	// TimeoutMillis is the overall budget for session establishment.
	// Zero disables time-based aborts.
	TimeoutMillis int `yaml:"timeout_ms" toml:"timeout_ms"`
}
