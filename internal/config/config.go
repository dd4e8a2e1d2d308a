package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/flowpbx/ringwatch/internal/tone"
)

// Config holds all runtime configuration for the ringwatch server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir       string
	HTTPPort      int
	ListenPortMin int // minimum UDP port for early-media listeners
	ListenPortMax int // maximum UDP port for early-media listeners
	LogLevel      string
	LogFormat     string // log output format: "text" or "json"

	EnergyThreshold float64 // RMS amplitude above which a frame counts as tone
	MaxDetectSecs   int     // default per-session detection deadline
	HangupOnBusy    bool    // default host policy reported with busy verdicts
	StrictFrequency bool    // gate tone presence on the 450 Hz estimate too

	WebhookURL   string // endpoint for verdict event notifications
	WebhookToken string // bearer token sent with webhook posts
	JWTSecret    string // hex-encoded 32-byte secret for operator JWT signing
}

// defaults
const (
	defaultDataDir       = "./data"
	defaultHTTPPort      = 8080
	defaultListenPortMin = 10000
	defaultListenPortMax = 20000
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultEnergyThresh  = 500.0
	defaultMaxDetectSecs = 60
)

// envPrefix is the prefix for all ringwatch environment variables.
const envPrefix = "RINGWATCH_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("ringwatch", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the verdict database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.IntVar(&cfg.ListenPortMin, "listen-port-min", defaultListenPortMin, "minimum UDP port for early-media listeners")
	fs.IntVar(&cfg.ListenPortMax, "listen-port-max", defaultListenPortMax, "maximum UDP port for early-media listeners")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.Float64Var(&cfg.EnergyThreshold, "energy-threshold", defaultEnergyThresh, "RMS amplitude above which a frame counts as tone")
	fs.IntVar(&cfg.MaxDetectSecs, "max-detect-secs", defaultMaxDetectSecs, "default detection deadline in seconds")
	fs.BoolVar(&cfg.HangupOnBusy, "hangup-on-busy", true, "default hangup-on-busy policy reported to the host with verdicts")
	fs.BoolVar(&cfg.StrictFrequency, "strict-frequency", false, "require 450 Hz spectral power in addition to wideband energy")
	fs.StringVar(&cfg.WebhookURL, "webhook-url", "", "endpoint to POST verdict events to")
	fs.StringVar(&cfg.WebhookToken, "webhook-token", "", "bearer token sent with webhook posts")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for operator JWT signing (auto-generated if empty)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":         envPrefix + "DATA_DIR",
		"http-port":        envPrefix + "HTTP_PORT",
		"listen-port-min":  envPrefix + "LISTEN_PORT_MIN",
		"listen-port-max":  envPrefix + "LISTEN_PORT_MAX",
		"log-level":        envPrefix + "LOG_LEVEL",
		"log-format":       envPrefix + "LOG_FORMAT",
		"energy-threshold": envPrefix + "ENERGY_THRESHOLD",
		"max-detect-secs":  envPrefix + "MAX_DETECT_SECS",
		"hangup-on-busy":   envPrefix + "HANGUP_ON_BUSY",
		"strict-frequency": envPrefix + "STRICT_FREQUENCY",
		"webhook-url":      envPrefix + "WEBHOOK_URL",
		"webhook-token":    envPrefix + "WEBHOOK_TOKEN",
		"jwt-secret":       envPrefix + "JWT_SECRET",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "listen-port-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ListenPortMin = v
			}
		case "listen-port-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ListenPortMax = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "energy-threshold":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.EnergyThreshold = v
			}
		case "max-detect-secs":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxDetectSecs = v
			}
		case "hangup-on-busy":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.HangupOnBusy = v
			}
		case "strict-frequency":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.StrictFrequency = v
			}
		case "webhook-url":
			cfg.WebhookURL = val
		case "webhook-token":
			cfg.WebhookToken = val
		case "jwt-secret":
			cfg.JWTSecret = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.ListenPortMin < 1024 || c.ListenPortMin > 65534 {
		return fmt.Errorf("listen-port-min must be between 1024 and 65534, got %d", c.ListenPortMin)
	}
	if c.ListenPortMax < c.ListenPortMin+2 || c.ListenPortMax > 65535 {
		return fmt.Errorf("listen-port-max must be between listen-port-min+2 and 65535, got %d", c.ListenPortMax)
	}
	// Even listener ports keep the usual RTP port convention for forked media.
	if c.ListenPortMin%2 != 0 {
		return fmt.Errorf("listen-port-min must be even, got %d", c.ListenPortMin)
	}
	if c.EnergyThreshold <= 0 {
		return fmt.Errorf("energy-threshold must be positive, got %v", c.EnergyThreshold)
	}
	if c.MaxDetectSecs <= 0 {
		return fmt.Errorf("max-detect-secs must be positive, got %d", c.MaxDetectSecs)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// DetectorConfig returns the base tone detector configuration derived from
// the server config.
func (c *Config) DetectorConfig() tone.Config {
	det := tone.DefaultConfig()
	det.EnergyThreshold = c.EnergyThreshold
	det.MaxDetectTime = time.Duration(c.MaxDetectSecs) * time.Second
	det.RequireTargetFrequency = c.StrictFrequency
	return det
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
