package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/relves/randao/internal/metrics"
	"github.com/relves/randao/pkg/precompile"
	"github.com/relves/randao/pkg/randao"
)

// Config holds server configuration.
type Config struct {
	Beacon     *randao.Beacon
	Results    ResultSource
	Receipts   ReceiptSource
	Flip       precompile.Source
	Log        LogSource
	Precompile *precompile.Randomness
	Validator  RequestValidator

	// Metrics instruments every route when set.
	Metrics *metrics.RequestMetrics
	// MetricsHandler is mounted on GET /metrics when set.
	MetricsHandler http.Handler

	// MaxSkew bounds the age of signed requests. Default: 5 minutes.
	MaxSkew time.Duration
	// NonceCacheSize bounds how many consumed nonces are remembered.
	// Default: 65,536.
	NonceCacheSize int
	// DefaultGasLimit applies to precompile calls without X-Gas-Limit.
	// Default: 100,000.
	DefaultGasLimit uint64
	Logger          *slog.Logger

	now func() time.Time
}

// Option configures the server.
type Option func(*Config)

// WithBeacon sets the beacon served by the API.
func WithBeacon(b *randao.Beacon) Option {
	return func(c *Config) {
		c.Beacon = b
	}
}

// WithResults sets the source of delivered results.
func WithResults(r ResultSource) Option {
	return func(c *Config) {
		c.Results = r
	}
}

// WithReceipts sets the receipt archive.
func WithReceipts(r ReceiptSource) Option {
	return func(c *Config) {
		c.Receipts = r
	}
}

// WithFlip sets the collective flip source and its precompile.
func WithFlip(src precompile.Source) Option {
	return func(c *Config) {
		c.Flip = src
		c.Precompile = precompile.NewRandomness(src)
	}
}

// WithLog serves the fulfillment log.
func WithLog(l LogSource) Option {
	return func(c *Config) {
		c.Log = l
	}
}

// WithValidator sets a request validator for account/rate-limit checks.
// If nil (default), no validation is performed.
func WithValidator(v RequestValidator) Option {
	return func(c *Config) {
		c.Validator = v
	}
}

// WithMetrics instruments routes and mounts the metrics handler.
func WithMetrics(m *metrics.RequestMetrics, h http.Handler) Option {
	return func(c *Config) {
		c.Metrics = m
		c.MetricsHandler = h
	}
}

// WithMaxSkew sets the accepted signature age.
func WithMaxSkew(d time.Duration) Option {
	return func(c *Config) {
		c.MaxSkew = d
	}
}

// WithNonceCacheSize sets how many consumed nonces are remembered.
func WithNonceCacheSize(n int) Option {
	return func(c *Config) {
		c.NonceCacheSize = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithClock overrides the clock used to check signature timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		c.now = now
	}
}

func applyOptions(opts ...Option) *Config {
	cfg := &Config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 5 * time.Minute
	}
	if cfg.NonceCacheSize <= 0 {
		cfg.NonceCacheSize = 1 << 16
	}
	if cfg.DefaultGasLimit == 0 {
		cfg.DefaultGasLimit = 100_000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return cfg
}
