// Package config loads myft client settings from a JSON file and environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"myft-client/pkg/myft"
)

const (
	// EnvConfigFile names the variable selecting the config file.
	EnvConfigFile = "MYFT_CONFIG_FILE"
	// DefaultConfigFilePath is read when present and no file is selected.
	DefaultConfigFilePath = "config/myft.json"

	// IdentityModeSession resolves identity through the session service.
	IdentityModeSession = "session"
	// IdentityModeToken resolves identity from the session token claims.
	IdentityModeToken = "token"

	defaultRequestTimeout     = 10 * time.Second
	defaultSubscriptionBuffer = 64
	defaultSubscriptionWorker = 1
	defaultHandlerTimeout     = 5 * time.Second
	defaultServiceName        = "myft-client"
	defaultSessionTokenEnv    = "MYFT_SESSION_TOKEN"
)

// Config is the resolved client configuration.
type Config struct {
	LogLevel slog.Level

	APIRoot        string
	RequestTimeout time.Duration
	SessionHeader  string
	SessionCookie  string

	IdentityMode      string
	SessionRoot       string
	SessionToken      string
	SessionTokenEnv   string
	SessionSigningKey string

	Relationships []myft.RelationshipKey
	Additional    []myft.RelationshipKey
	Verbs         map[string]myft.VerbMapping

	PersonaliseRoot   string
	ImmutableSegments []string

	SubscriptionBuffer  int
	SubscriptionWorkers int
	HandlerTimeout      time.Duration

	ServiceName  string
	OTLPEndpoint string
	MetricsAddr  string
}

type fileConfig struct {
	LogLevel       string                      `json:"log_level"`
	APIRoot        string                      `json:"api_root"`
	RequestTimeout string                      `json:"request_timeout"`
	Session        fileSessionConfig           `json:"session"`
	Relationships  fileRelationshipConfig      `json:"relationships"`
	Verbs          map[string]myft.VerbMapping `json:"verbs"`
	Personalise    filePersonaliseConfig       `json:"personalise"`
	Bus            fileBusConfig               `json:"bus"`
	Telemetry      fileTelemetryConfig         `json:"telemetry"`
}

type fileSessionConfig struct {
	Mode       string `json:"mode"`
	Root       string `json:"root"`
	TokenEnv   string `json:"token_env"`
	Header     string `json:"header"`
	Cookie     string `json:"cookie"`
	SigningKey string `json:"signing_key"`
}

type fileRelationshipConfig struct {
	Defaults   []string `json:"defaults"`
	Additional []string `json:"additional"`
}

type filePersonaliseConfig struct {
	Root              string   `json:"root"`
	ImmutableSegments []string `json:"immutable_segments"`
}

type fileBusConfig struct {
	SubscriptionBuffer  *int   `json:"subscription_buffer"`
	SubscriptionWorkers *int   `json:"subscription_workers"`
	HandlerTimeout      string `json:"handler_timeout"`
}

type fileTelemetryConfig struct {
	ServiceName  string `json:"service_name"`
	OTLPEndpoint string `json:"otlp_endpoint"`
	MetricsAddr  string `json:"metrics_addr"`
}

// envConfig lists the environment overrides. Empty values leave the file value in place.
type envConfig struct {
	APIRoot           string        `env:"MYFT_API_ROOT"`
	SessionRoot       string        `env:"MYFT_SESSION_ROOT"`
	SessionToken      string        `env:"MYFT_SESSION_TOKEN"`
	SessionSigningKey string        `env:"MYFT_SESSION_SIGNING_KEY"`
	IdentityMode      string        `env:"MYFT_IDENTITY_MODE"`
	LogLevel          string        `env:"MYFT_LOG_LEVEL"`
	RequestTimeout    time.Duration `env:"MYFT_REQUEST_TIMEOUT"`
	Relationships     []string      `env:"MYFT_RELATIONSHIPS" envSeparator:","`
	OTLPEndpoint      string        `env:"MYFT_OTEL_ENDPOINT"`
	MetricsAddr       string        `env:"MYFT_METRICS_ADDR"`
}

// Default returns the configuration used before any file or override applies.
func Default() Config {
	return Config{
		LogLevel:            slog.LevelInfo,
		RequestTimeout:      defaultRequestTimeout,
		SessionTokenEnv:     defaultSessionTokenEnv,
		Relationships:       append([]myft.RelationshipKey(nil), myft.DefaultRelationships...),
		Verbs:               myft.DefaultVerbs(),
		SubscriptionBuffer:  defaultSubscriptionBuffer,
		SubscriptionWorkers: defaultSubscriptionWorker,
		HandlerTimeout:      defaultHandlerTimeout,
		ServiceName:         defaultServiceName,
	}
}

// Load resolves the config file, applies it and the process environment, and validates the result.
//
// An explicit path (argument or MYFT_CONFIG_FILE) must exist; the default path is optional.
func Load(path string) (Config, error) {
	cfg := Default()

	configFile, err := ResolveFilePath(path)
	if err != nil {
		return Config{}, err
	}
	if configFile != "" {
		if err := ApplyFile(&cfg, configFile); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg, nil); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// ResolveFilePath returns the config file to read, or "" when none is configured.
func ResolveFilePath(path string) (string, error) {
	explicit := strings.TrimSpace(path)
	if explicit == "" {
		explicit = strings.TrimSpace(os.Getenv(EnvConfigFile))
	}
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("stat config file %s: %w", explicit, err)
		}
		return explicit, nil
	}

	info, err := os.Stat(DefaultConfigFilePath)
	switch {
	case err == nil && info.IsDir():
		return "", fmt.Errorf("config file %s is a directory", DefaultConfigFilePath)
	case err == nil:
		return DefaultConfigFilePath, nil
	case errors.Is(err, os.ErrNotExist):
		return "", nil
	default:
		return "", fmt.Errorf("stat config file %s: %w", DefaultConfigFilePath, err)
	}
}

// ApplyFile overlays the JSON file at path onto cfg.
func ApplyFile(cfg *Config, path string) error {
	if cfg == nil {
		return fmt.Errorf("apply config file: nil config")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var parsed fileConfig
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if err := applyFileConfig(cfg, parsed); err != nil {
		return fmt.Errorf("apply config file %s: %w", path, err)
	}

	return nil
}

func applyFileConfig(cfg *Config, parsed fileConfig) error {
	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := ParseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.LogLevel = level
	}
	setString(&cfg.APIRoot, parsed.APIRoot)
	if err := setDuration(&cfg.RequestTimeout, parsed.RequestTimeout, "request_timeout"); err != nil {
		return err
	}

	setString(&cfg.IdentityMode, parsed.Session.Mode)
	setString(&cfg.SessionRoot, parsed.Session.Root)
	setString(&cfg.SessionTokenEnv, parsed.Session.TokenEnv)
	setString(&cfg.SessionHeader, parsed.Session.Header)
	setString(&cfg.SessionCookie, parsed.Session.Cookie)
	setString(&cfg.SessionSigningKey, parsed.Session.SigningKey)

	if parsed.Relationships.Defaults != nil {
		keys, err := ParseRelationshipKeys(parsed.Relationships.Defaults)
		if err != nil {
			return fmt.Errorf("parse relationships.defaults: %w", err)
		}
		cfg.Relationships = keys
	}
	if parsed.Relationships.Additional != nil {
		keys, err := ParseRelationshipKeys(parsed.Relationships.Additional)
		if err != nil {
			return fmt.Errorf("parse relationships.additional: %w", err)
		}
		cfg.Additional = keys
	}
	if parsed.Verbs != nil {
		cfg.Verbs = make(map[string]myft.VerbMapping, len(parsed.Verbs))
		for verb, mapping := range parsed.Verbs {
			if err := mapping.Key().Validate(); err != nil {
				return fmt.Errorf("parse verbs.%s: %w", verb, err)
			}
			cfg.Verbs[verb] = mapping
		}
	}

	setString(&cfg.PersonaliseRoot, parsed.Personalise.Root)
	if parsed.Personalise.ImmutableSegments != nil {
		cfg.ImmutableSegments = append([]string(nil), parsed.Personalise.ImmutableSegments...)
	}

	if parsed.Bus.SubscriptionBuffer != nil {
		if *parsed.Bus.SubscriptionBuffer <= 0 {
			return fmt.Errorf("parse bus.subscription_buffer: must be > 0")
		}
		cfg.SubscriptionBuffer = *parsed.Bus.SubscriptionBuffer
	}
	if parsed.Bus.SubscriptionWorkers != nil {
		if *parsed.Bus.SubscriptionWorkers <= 0 {
			return fmt.Errorf("parse bus.subscription_workers: must be > 0")
		}
		cfg.SubscriptionWorkers = *parsed.Bus.SubscriptionWorkers
	}
	if err := setDuration(&cfg.HandlerTimeout, parsed.Bus.HandlerTimeout, "bus.handler_timeout"); err != nil {
		return err
	}

	setString(&cfg.ServiceName, parsed.Telemetry.ServiceName)
	setString(&cfg.OTLPEndpoint, parsed.Telemetry.OTLPEndpoint)
	setString(&cfg.MetricsAddr, parsed.Telemetry.MetricsAddr)

	return nil
}

// ApplyEnv overlays environment overrides onto cfg.
// A nil environment reads the process environment.
func ApplyEnv(cfg *Config, environment map[string]string) error {
	if cfg == nil {
		return fmt.Errorf("apply env: nil config")
	}

	var raw envConfig
	if err := env.ParseWithOptions(&raw, env.Options{Environment: environment}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	if rawLevel := strings.TrimSpace(raw.LogLevel); rawLevel != "" {
		level, err := ParseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse MYFT_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}
	setString(&cfg.APIRoot, raw.APIRoot)
	setString(&cfg.SessionRoot, raw.SessionRoot)
	setString(&cfg.SessionToken, raw.SessionToken)
	setString(&cfg.SessionSigningKey, raw.SessionSigningKey)
	setString(&cfg.IdentityMode, raw.IdentityMode)
	setString(&cfg.OTLPEndpoint, raw.OTLPEndpoint)
	setString(&cfg.MetricsAddr, raw.MetricsAddr)
	if raw.RequestTimeout > 0 {
		cfg.RequestTimeout = raw.RequestTimeout
	}
	if len(raw.Relationships) > 0 {
		keys, err := ParseRelationshipKeys(raw.Relationships)
		if err != nil {
			return fmt.Errorf("parse MYFT_RELATIONSHIPS: %w", err)
		}
		cfg.Additional = myft.MergeRelationships(cfg.Additional, keys...)
	}

	return nil
}

// Validate checks required fields and resolves the identity mode.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIRoot) == "" {
		return myft.ErrMissingAPIRoot
	}
	if err := validateAbsoluteURL("api_root", c.APIRoot); err != nil {
		return err
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be > 0")
	}

	if c.IdentityMode == "" {
		c.IdentityMode = IdentityModeToken
		if c.SessionRoot != "" {
			c.IdentityMode = IdentityModeSession
		}
	}
	switch c.IdentityMode {
	case IdentityModeSession:
		if c.SessionRoot == "" {
			return fmt.Errorf("session.root is required for identity mode %s", IdentityModeSession)
		}
		if err := validateAbsoluteURL("session.root", c.SessionRoot); err != nil {
			return err
		}
	case IdentityModeToken:
	default:
		return fmt.Errorf("unsupported identity mode %q", c.IdentityMode)
	}

	return nil
}

// ParseRelationshipKeys parses "<relationship>.<type>" entries, skipping blanks.
func ParseRelationshipKeys(raw []string) ([]myft.RelationshipKey, error) {
	keys := make([]myft.RelationshipKey, 0, len(raw))
	for _, entry := range raw {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		key, err := myft.ParseRelationshipKey(entry)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	return myft.MergeRelationships(nil, keys...), nil
}

// ParseLogLevel parses debug, info, warn, or error.
func ParseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}

func validateAbsoluteURL(field, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", field, err)
	}
	if !parsed.IsAbs() {
		return fmt.Errorf("%s %q must be an absolute url", field, raw)
	}

	return nil
}

func setString(target *string, value string) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		*target = trimmed
	}
}

func setDuration(target *time.Duration, raw, field string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", field, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("parse %s: must be > 0", field)
	}
	*target = parsed

	return nil
}
