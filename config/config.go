// Package config centralises runtime configuration for the liqhunter engine.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cascadefi/liqhunter/errs"
)

// Credentials captures API credentials used for signed requests.
type Credentials struct {
	APIKey    string
	APISecret string
}

// PositionMode selects how the exchange accounts positions.
type PositionMode string

const (
	// ModeOneWay nets long and short into one position per symbol.
	ModeOneWay PositionMode = "one-way"
	// ModeHedge tracks LONG and SHORT legs separately.
	ModeHedge PositionMode = "hedge"
)

// RateLimits mirrors the exchange's two quota dimensions.
type RateLimits struct {
	WeightLimit    int64
	WeightWindow   time.Duration
	OrderLimit     int64
	OrderWindow    time.Duration
	SafetyMargin   float64
	AdvisoryLevels []float64
}

// Settings contains the engine configuration tree loaded from defaults and
// environment overrides.
type Settings struct {
	RESTBaseURL    string
	StreamBaseURL  string
	Credentials    Credentials
	HTTPTimeout    time.Duration
	PositionMode   PositionMode
	PaperMode      bool
	RateLimits     RateLimits
	SymbolsFile    string
	ReconcileEvery time.Duration
	JournalDSN     string
	OTLPEndpoint   string
	LogLevel       string
}

// Default returns the default engine configuration.
func Default() Settings {
	return Settings{
		RESTBaseURL:   "https://fapi.binance.com",
		StreamBaseURL: "wss://fstream.binance.com",
		Credentials:   Credentials{APIKey: "", APISecret: ""},
		HTTPTimeout:   10 * time.Second,
		PositionMode:  ModeOneWay,
		PaperMode:     false,
		RateLimits: RateLimits{
			WeightLimit:    2400,
			WeightWindow:   time.Minute,
			OrderLimit:     300,
			OrderWindow:    10 * time.Second,
			SafetyMargin:   0.9,
			AdvisoryLevels: []float64{0.70, 0.85},
		},
		SymbolsFile:    "symbols.yaml",
		ReconcileEvery: 30 * time.Second,
		JournalDSN:     "",
		OTLPEndpoint:   "",
		LogLevel:       "info",
	}
}

// FromEnv loads configuration values from environment variables, overriding
// defaults.
func FromEnv() Settings {
	cfg := Default()

	if v := strings.TrimSpace(os.Getenv("LIQHUNTER_REST_BASE_URL")); v != "" {
		cfg.RESTBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("LIQHUNTER_STREAM_BASE_URL")); v != "" {
		cfg.StreamBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("LIQHUNTER_API_KEY")); v != "" {
		cfg.Credentials.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("LIQHUNTER_API_SECRET")); v != "" {
		cfg.Credentials.APISecret = v
	}
	if v := strings.TrimSpace(os.Getenv("LIQHUNTER_HTTP_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.HTTPTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("LIQHUNTER_POSITION_MODE")); v != "" {
		cfg.PositionMode = PositionMode(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("LIQHUNTER_PAPER_MODE")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.PaperMode = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("LIQHUNTER_SYMBOLS_FILE")); v != "" {
		cfg.SymbolsFile = v
	}
	if v := strings.TrimSpace(os.Getenv("LIQHUNTER_RECONCILE_INTERVAL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.ReconcileEvery = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("LIQHUNTER_JOURNAL_DSN")); v != "" {
		cfg.JournalDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("LIQHUNTER_OTLP_ENDPOINT")); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("LIQHUNTER_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}

	return cfg
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithCredentials configures API credentials.
func WithCredentials(key, secret string) Option {
	key = strings.TrimSpace(key)
	secret = strings.TrimSpace(secret)
	return func(s *Settings) {
		if key != "" {
			s.Credentials.APIKey = key
		}
		if secret != "" {
			s.Credentials.APISecret = secret
		}
	}
}

// WithRESTBaseURL overrides the REST base endpoint.
func WithRESTBaseURL(baseURL string) Option {
	baseURL = strings.TrimSpace(baseURL)
	return func(s *Settings) {
		if baseURL != "" {
			s.RESTBaseURL = baseURL
		}
	}
}

// WithStreamBaseURL overrides the websocket base endpoint.
func WithStreamBaseURL(baseURL string) Option {
	baseURL = strings.TrimSpace(baseURL)
	return func(s *Settings) {
		if baseURL != "" {
			s.StreamBaseURL = baseURL
		}
	}
}

// WithPaperMode toggles simulated execution.
func WithPaperMode(enabled bool) Option {
	return func(s *Settings) {
		s.PaperMode = enabled
	}
}

// WithPositionMode selects hedge or one-way position accounting.
func WithPositionMode(mode PositionMode) Option {
	return func(s *Settings) {
		if mode == ModeOneWay || mode == ModeHedge {
			s.PositionMode = mode
		}
	}
}

// Validate checks that startup-critical settings are present. Paper mode runs
// without credentials; live mode does not.
func (s Settings) Validate() error {
	if s.RESTBaseURL == "" || s.StreamBaseURL == "" {
		return errs.New("config/validate", errs.CodeConfig, errs.WithMessage("exchange endpoints required"))
	}
	if s.PositionMode != ModeOneWay && s.PositionMode != ModeHedge {
		return errs.New("config/validate", errs.CodeConfig,
			errs.WithMessage("position mode must be one-way or hedge, got "+string(s.PositionMode)))
	}
	if !s.PaperMode {
		if s.Credentials.APIKey == "" || s.Credentials.APISecret == "" {
			return errs.New("config/validate", errs.CodeConfig,
				errs.WithMessage("api credentials required outside paper mode"))
		}
	}
	if s.RateLimits.WeightLimit <= 0 || s.RateLimits.OrderLimit <= 0 {
		return errs.New("config/validate", errs.CodeConfig, errs.WithMessage("rate limits must be positive"))
	}
	if s.RateLimits.SafetyMargin <= 0 || s.RateLimits.SafetyMargin > 1 {
		return errs.New("config/validate", errs.CodeConfig, errs.WithMessage("safety margin must be in (0,1]"))
	}
	return nil
}
