package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the voicebridge server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir   string
	HTTPPort  int
	LogLevel  string
	LogFormat string // log output format: "text" or "json"

	// APIToken authenticates requests to the control API. Empty disables
	// auth, which is only sensible behind a trusted proxy.
	APIToken string
	// PublicURL is the externally reachable base URL for provider webhooks
	// and media streams (e.g. "https://voice.example.com").
	PublicURL string

	TwilioAccountSID string
	TwilioAuthToken  string
	// TwilioFrom is the default caller id for outbound calls (E.164).
	TwilioFrom string

	// SynthURL is the websocket endpoint of the speech synthesis service.
	SynthURL    string
	SynthAPIKey string
	SynthVoice  string

	OpenAIKey   string
	OpenAIModel string

	// MaxCallDuration force-ends any call that runs longer than this.
	MaxCallDuration time.Duration
	// TranscriptWaitTimeout bounds how long a continue operation waits for
	// the caller's next utterance.
	TranscriptWaitTimeout time.Duration
	// AllowInbound accepts inbound calls; when false they are rejected.
	AllowInbound bool
}

// defaults
const (
	defaultDataDir               = "./data"
	defaultHTTPPort              = 8080
	defaultLogLevel              = "info"
	defaultLogFormat             = "text"
	defaultSynthVoice            = "default"
	defaultOpenAIModel           = "gpt-4o-mini"
	defaultMaxCallDuration       = 30 * time.Minute
	defaultTranscriptWaitTimeout = 45 * time.Second
)

// envPrefix is the prefix for all voicebridge environment variables.
const envPrefix = "VOICEBRIDGE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("voicebridge", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.APIToken, "api-token", "", "bearer token required on control API requests (empty disables auth)")
	fs.StringVar(&cfg.PublicURL, "public-url", "", "externally reachable base URL for webhooks, e.g. https://voice.example.com")
	fs.StringVar(&cfg.TwilioAccountSID, "twilio-account-sid", "", "Twilio account SID")
	fs.StringVar(&cfg.TwilioAuthToken, "twilio-auth-token", "", "Twilio auth token")
	fs.StringVar(&cfg.TwilioFrom, "twilio-from", "", "default outbound caller id (E.164)")
	fs.StringVar(&cfg.SynthURL, "synth-url", "", "websocket URL of the speech synthesis service")
	fs.StringVar(&cfg.SynthAPIKey, "synth-api-key", "", "API key for the speech synthesis service")
	fs.StringVar(&cfg.SynthVoice, "synth-voice", defaultSynthVoice, "voice id for speech synthesis")
	fs.StringVar(&cfg.OpenAIKey, "openai-key", "", "OpenAI API key for reply generation (empty disables the converse endpoint)")
	fs.StringVar(&cfg.OpenAIModel, "openai-model", defaultOpenAIModel, "chat model for reply generation")
	fs.DurationVar(&cfg.MaxCallDuration, "max-call-duration", defaultMaxCallDuration, "force-end calls running longer than this")
	fs.DurationVar(&cfg.TranscriptWaitTimeout, "transcript-wait-timeout", defaultTranscriptWaitTimeout, "how long a continue waits for the caller's next utterance")
	fs.BoolVar(&cfg.AllowInbound, "allow-inbound", false, "accept inbound calls (rejected when false)")

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
		"data-dir":                envPrefix + "DATA_DIR",
		"http-port":               envPrefix + "HTTP_PORT",
		"log-level":               envPrefix + "LOG_LEVEL",
		"log-format":              envPrefix + "LOG_FORMAT",
		"api-token":               envPrefix + "API_TOKEN",
		"public-url":              envPrefix + "PUBLIC_URL",
		"twilio-account-sid":      envPrefix + "TWILIO_ACCOUNT_SID",
		"twilio-auth-token":       envPrefix + "TWILIO_AUTH_TOKEN",
		"twilio-from":             envPrefix + "TWILIO_FROM",
		"synth-url":               envPrefix + "SYNTH_URL",
		"synth-api-key":           envPrefix + "SYNTH_API_KEY",
		"synth-voice":             envPrefix + "SYNTH_VOICE",
		"openai-key":              envPrefix + "OPENAI_KEY",
		"openai-model":            envPrefix + "OPENAI_MODEL",
		"max-call-duration":       envPrefix + "MAX_CALL_DURATION",
		"transcript-wait-timeout": envPrefix + "TRANSCRIPT_WAIT_TIMEOUT",
		"allow-inbound":           envPrefix + "ALLOW_INBOUND",
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
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "api-token":
			cfg.APIToken = val
		case "public-url":
			cfg.PublicURL = val
		case "twilio-account-sid":
			cfg.TwilioAccountSID = val
		case "twilio-auth-token":
			cfg.TwilioAuthToken = val
		case "twilio-from":
			cfg.TwilioFrom = val
		case "synth-url":
			cfg.SynthURL = val
		case "synth-api-key":
			cfg.SynthAPIKey = val
		case "synth-voice":
			cfg.SynthVoice = val
		case "openai-key":
			cfg.OpenAIKey = val
		case "openai-model":
			cfg.OpenAIModel = val
		case "max-call-duration":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.MaxCallDuration = v
			}
		case "transcript-wait-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.TranscriptWaitTimeout = v
			}
		case "allow-inbound":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.AllowInbound = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
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

	if c.PublicURL != "" && !strings.HasPrefix(c.PublicURL, "http://") && !strings.HasPrefix(c.PublicURL, "https://") {
		return fmt.Errorf("public-url must start with http:// or https://, got %q", c.PublicURL)
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")

	if c.MaxCallDuration <= 0 {
		return fmt.Errorf("max-call-duration must be positive, got %s", c.MaxCallDuration)
	}
	if c.TranscriptWaitTimeout <= 0 {
		return fmt.Errorf("transcript-wait-timeout must be positive, got %s", c.TranscriptWaitTimeout)
	}

	return nil
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
