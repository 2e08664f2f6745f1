// Package config loads buildwatch configuration from buildwatch.yml or
// buildwatch.toml, searching upward from the working directory the way a
// build tool finds its project file.
package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/grovetools/buildwatch/errors"
	"github.com/grovetools/buildwatch/pathutil"
)

// configNames are the file names probed in each directory, in order.
var configNames = []string{"buildwatch.yml", "buildwatch.yaml", "buildwatch.toml"}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ConfigNotFound(path)
		}
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to read config file").
			WithDetail("path", path)
	}

	expanded := expandEnvVars(string(data))
	var cfg Config
	if strings.HasSuffix(path, ".toml") {
		err = toml.Unmarshal([]byte(expanded), &cfg)
	} else {
		err = yaml.Unmarshal([]byte(expanded), &cfg)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse config file").
			WithDetail("path", path)
	}

	resolveRoots(&cfg, filepath.Dir(path))
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// LoadDefault finds and loads the configuration starting from the current
// directory. A missing config file is not an error: establishment can run
// entirely on defaults and flags.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to get current directory")
	}
	path, err := FindConfigFile(cwd)
	if err != nil {
		cfg := &Config{}
		applyEnvOverrides(cfg)
		return cfg, nil
	}
	return Load(path)
}

// FindConfigFile walks from startDir toward the filesystem root looking for a
// buildwatch config file.
func FindConfigFile(startDir string) (string, error) {
	dir := startDir
	for {
		for _, name := range configNames {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.ConfigNotFound(filepath.Join(startDir, configNames[0]))
		}
		dir = parent
	}
}

// UnmarshalExtension decodes a tool-specific config section into out.
// Sections this package does not recognize are kept raw so other components
// (e.g. logging) can own their own schema.
func (c *Config) UnmarshalExtension(name string, out interface{}) error {
	section, ok := c.Extensions[name]
	if !ok {
		return nil
	}
	if err := mapstructure.Decode(section, out); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to decode '"+name+"' section")
	}
	return nil
}

// expandEnvVars substitutes ${VAR} references before parsing.
func expandEnvVars(data string) string {
	return envVarRegex.ReplaceAllStringFunc(data, func(match string) string {
		name := envVarRegex.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// resolveRoots expands ~ and environment references in roots and makes
// relative roots absolute against the config directory.
func resolveRoots(cfg *Config, baseDir string) {
	for i, root := range cfg.Roots {
		if strings.HasPrefix(root, "~") || strings.HasPrefix(root, "$") {
			if expanded, err := pathutil.Expand(root); err == nil {
				cfg.Roots[i] = expanded
			}
			continue
		}
		if !filepath.IsAbs(root) {
			cfg.Roots[i] = filepath.Join(baseDir, root)
		}
	}
}

// applyEnvOverrides lets the environment win over file settings.
func applyEnvOverrides(cfg *Config) {
	if exe := os.Getenv("BUILDWATCH_WATCHMAN"); exe != "" {
		cfg.Watchman.Executable = exe
	}
	if ms := os.Getenv("BUILDWATCH_TIMEOUT_MS"); ms != "" {
		if v, err := strconv.Atoi(ms); err == nil {
			cfg.Watchman.TimeoutMillis = v
		}
	}
}
