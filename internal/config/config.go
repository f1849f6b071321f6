package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBPath       = "learnlab.db"
	defaultModelsDir    = "models"
	defaultDataDir      = "data"
	defaultPythonBin    = "python3"
	defaultStageTimeout = 30 * time.Minute

	envListenAddr    = "LEARNLAB_LISTEN_ADDR"
	envDBPath        = "LEARNLAB_DB_PATH"
	envModelsDir     = "LEARNLAB_MODELS_DIR"
	envDataDir       = "LEARNLAB_DATA_DIR"
	envPythonBin     = "LEARNLAB_PYTHON_BIN"
	envStageTimeout  = "LEARNLAB_STAGE_TIMEOUT"
	envSandboxPolicy = "LEARNLAB_SANDBOX_POLICY"
	envLogLevel      = "LEARNLAB_LOG_LEVEL"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string

	// ModelsDir holds the model packages; DataDir receives per-job output
	// directories.
	ModelsDir string
	DataDir   string

	// PythonBin is the interpreter used for stage scripts.
	PythonBin    string
	StageTimeout time.Duration

	// SandboxPolicyPath optionally points at a YAML sandbox policy overlay.
	SandboxPolicyPath string

	LogLevel slog.Level
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		DBPath:       defaultDBPath,
		ModelsDir:    defaultModelsDir,
		DataDir:      defaultDataDir,
		PythonBin:    defaultPythonBin,
		StageTimeout: defaultStageTimeout,
		LogLevel:     slog.LevelInfo,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envModelsDir); v != "" {
		cfg.ModelsDir = v
	}
	if v := os.Getenv(envDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(envPythonBin); v != "" {
		cfg.PythonBin = v
	}
	if v := os.Getenv(envStageTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.StageTimeout = d
		}
	}
	if v := os.Getenv(envSandboxPolicy); v != "" {
		cfg.SandboxPolicyPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
