// Package logging provides pre-configured logrus loggers for buildwatch
// components. Loggers write human-readable diagnostics to stderr; the
// watchman pipeline uses one as its console sink for warnings about failed
// session establishment.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex

	// configured holds settings applied by Configure before the first
	// NewLogger call for a component.
	configured   Config
	configuredMu sync.Mutex
)

// Configure applies logging settings loaded from configuration. It only
// affects loggers created after the call.
func Configure(cfg Config) {
	configuredMu.Lock()
	defer configuredMu.Unlock()
	configured = cfg
}

// NewLogger creates and returns a pre-configured logger for a specific component.
// It uses a singleton pattern per component to avoid re-initializing.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, exists := loggers[component]; exists {
		return logger
	}

	logger := logrus.New()

	configuredMu.Lock()
	logCfg := configured
	configuredMu.Unlock()

	// Configure Level
	levelStr := "info" // Default level
	explicitLevel := false
	if os.Getenv("BUILDWATCH_LOG_LEVEL") != "" {
		levelStr = os.Getenv("BUILDWATCH_LOG_LEVEL")
		explicitLevel = true
	} else if logCfg.Level != "" {
		levelStr = logCfg.Level
		explicitLevel = true
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Configure Caller Reporting
	if os.Getenv("BUILDWATCH_LOG_CALLER") == "true" || logCfg.ReportCaller {
		logger.SetReportCaller(true)
	}

	// Configure Formatter
	switch logCfg.Format.Preset {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "simple":
		logger.SetFormatter(&TextFormatter{Config: FormatConfig{
			DisableTimestamp: true,
			DisableComponent: true,
		}})
	default:
		logger.SetFormatter(&TextFormatter{Config: logCfg.Format})
	}

	// Determine if we should write structured logs to stderr
	shouldLogToStderr := false
	stderrMode := "auto"
	if logCfg.Format.StructuredToStderr != "" {
		stderrMode = logCfg.Format.StructuredToStderr
	}

	switch stderrMode {
	case "always":
		shouldLogToStderr = true
	case "never":
		shouldLogToStderr = false
	case "auto":
		// "auto" mode: always log when debugging; in an interactive terminal
		// warnings and above still surface so operators see why a watch
		// session was not established.
		isDebug := os.Getenv("BUILDWATCH_DEBUG") == "1" || logger.GetLevel() == logrus.DebugLevel
		isInteractive := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
		shouldLogToStderr = true
		if !isDebug && isInteractive && !explicitLevel {
			// Interactive terminals only see warnings by default so build
			// output stays readable, but session-establishment failures
			// still surface.
			logger.SetLevel(logrus.WarnLevel)
		}
	}

	if shouldLogToStderr {
		logger.SetOutput(os.Stderr)
	} else {
		logger.SetOutput(io.Discard)
	}

	entry := logger.WithField("component", component)
	loggers[component] = entry
	return entry
}
