package config

import (
	"cmp"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ProviderConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Product   string        `yaml:"product"`
	Source    string        `yaml:"source"` // tag written into every row
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

type FetchConfig struct {
	ChunkSpan        time.Duration `yaml:"chunk_span"`
	Granularity      time.Duration `yaml:"granularity"`
	RequestDelay     time.Duration `yaml:"request_delay"`
	RateLimitBackoff time.Duration `yaml:"rate_limit_backoff"`
	TimeoutBackoff   time.Duration `yaml:"timeout_backoff"`
	MaxRequests      int           `yaml:"max_requests"`
}

type StorageDriver string

const (
	CSV      StorageDriver = "csv"
	Postgres StorageDriver = "postgres"
	SQLite   StorageDriver = "sqlite"
)

type StorageConfig struct {
	Driver     StorageDriver `yaml:"driver"`
	SQLitePath string        `yaml:"sqlite_path"`
}

type GapsConfig struct {
	Enabled     bool `yaml:"enabled"`
	MaxAttempts int  `yaml:"max_attempts"`
}

type Config struct {
	DataDir      string        `yaml:"data_dir"`
	Series       string        `yaml:"series"`
	MirrorSeries string        `yaml:"mirror_series"` // empty disables the mirror
	DefaultStart time.Time     `yaml:"default_start"`
	MaxSpan      time.Duration `yaml:"max_span"`
	LogLevel     string        `yaml:"log_level"`

	Provider ProviderConfig `yaml:"provider"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Storage  StorageConfig  `yaml:"storage"`
	Gaps     GapsConfig     `yaml:"gaps"`
}

const (
	_dataDirDefault      = "data"
	_seriesDefault       = "bitcoin_5m_coinbase"
	_mirrorSeriesDefault = "bitcoin_5m_combined"
	_maxSpanDefault      = 7 * 24 * time.Hour
	_logLevelDefault     = "info"

	_baseURLDefault   = "https://api.exchange.coinbase.com"
	_productDefault   = "BTC-USD"
	_sourceDefault    = "coinbase"
	_timeoutDefault   = 30 * time.Second
	_userAgentDefault = "candle-sync/1.0"

	_chunkSpanDefault        = 24 * time.Hour
	_granularityDefault      = 5 * time.Minute
	_requestDelayDefault     = 400 * time.Millisecond
	_rateLimitBackoffDefault = 10 * time.Second
	_timeoutBackoffDefault   = 5 * time.Second
	_maxRequestsDefault      = 500

	_sqlitePathDefault  = "candles.db"
	_maxAttemptsDefault = 5

	// provider answers at most this many buckets per request
	_maxCandlesPerRequest = 300
)

var _defaultStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func Default() Config {
	return Config{
		DataDir:      _dataDirDefault,
		Series:       _seriesDefault,
		MirrorSeries: _mirrorSeriesDefault,
		DefaultStart: _defaultStart,
		MaxSpan:      _maxSpanDefault,
		LogLevel:     _logLevelDefault,
		Provider: ProviderConfig{
			BaseURL:   _baseURLDefault,
			Product:   _productDefault,
			Source:    _sourceDefault,
			Timeout:   _timeoutDefault,
			UserAgent: _userAgentDefault,
		},
		Fetch: FetchConfig{
			ChunkSpan:        _chunkSpanDefault,
			Granularity:      _granularityDefault,
			RequestDelay:     _requestDelayDefault,
			RateLimitBackoff: _rateLimitBackoffDefault,
			TimeoutBackoff:   _timeoutBackoffDefault,
			MaxRequests:      _maxRequestsDefault,
		},
		Storage: StorageConfig{
			Driver:     CSV,
			SQLitePath: _sqlitePathDefault,
		},
		Gaps: GapsConfig{
			Enabled:     true,
			MaxAttempts: _maxAttemptsDefault,
		},
	}
}

func (c *Config) Setup() error {
	c.DataDir = cmp.Or(c.DataDir, _dataDirDefault)
	c.Series = cmp.Or(c.Series, _seriesDefault)
	c.LogLevel = cmp.Or(c.LogLevel, _logLevelDefault)
	if c.DefaultStart.IsZero() {
		c.DefaultStart = _defaultStart
	}
	c.DefaultStart = c.DefaultStart.UTC()
	if c.MaxSpan <= 0 {
		c.MaxSpan = _maxSpanDefault
	}

	c.Provider.Setup()
	c.Fetch.Setup()

	c.Storage.Driver = cmp.Or(c.Storage.Driver, CSV)
	c.Storage.SQLitePath = cmp.Or(c.Storage.SQLitePath, _sqlitePathDefault)
	if c.Gaps.MaxAttempts <= 0 {
		c.Gaps.MaxAttempts = _maxAttemptsDefault
	}

	return c.Validate()
}

func (c *ProviderConfig) Setup() {
	c.BaseURL = cmp.Or(c.BaseURL, _baseURLDefault)
	c.Product = cmp.Or(c.Product, _productDefault)
	c.Source = cmp.Or(c.Source, _sourceDefault)
	c.UserAgent = cmp.Or(c.UserAgent, _userAgentDefault)
	if c.Timeout <= 0 {
		c.Timeout = _timeoutDefault
	}
}

func (c *FetchConfig) Setup() {
	if c.ChunkSpan <= 0 {
		c.ChunkSpan = _chunkSpanDefault
	}
	if c.Granularity <= 0 {
		c.Granularity = _granularityDefault
	}
	if c.RequestDelay < 0 {
		c.RequestDelay = _requestDelayDefault
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = _rateLimitBackoffDefault
	}
	if c.TimeoutBackoff <= 0 {
		c.TimeoutBackoff = _timeoutBackoffDefault
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = _maxRequestsDefault
	}
}

func (c Config) Validate() error {
	if c.Fetch.Granularity%time.Second != 0 {
		return fmt.Errorf("granularity %s is not a whole number of seconds", c.Fetch.Granularity)
	}
	if c.Fetch.ChunkSpan%c.Fetch.Granularity != 0 {
		return fmt.Errorf("chunk span %s is not a multiple of granularity %s", c.Fetch.ChunkSpan, c.Fetch.Granularity)
	}
	if n := c.Fetch.ChunkSpan / c.Fetch.Granularity; n > _maxCandlesPerRequest {
		return fmt.Errorf("chunk span %s holds %d candles, provider limit is %d", c.Fetch.ChunkSpan, n, _maxCandlesPerRequest)
	}
	if !c.DefaultStart.Equal(c.DefaultStart.Truncate(c.Fetch.Granularity)) {
		return fmt.Errorf("default start %s is not aligned to %s", c.DefaultStart, c.Fetch.Granularity)
	}
	if c.MirrorSeries == c.Series {
		return fmt.Errorf("mirror series must differ from series %q", c.Series)
	}

	switch c.Storage.Driver {
	case CSV, Postgres, SQLite:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	return nil
}

// ApplyEnv overrides file values with LOG_LEVEL and CANDLE_SYNC_DATA_DIR when set.
func (c *Config) ApplyEnv() {
	c.LogLevel = cmp.Or(os.Getenv("LOG_LEVEL"), c.LogLevel)
	c.DataDir = cmp.Or(os.Getenv("CANDLE_SYNC_DATA_DIR"), c.DataDir)
}

// Load reads filename over the defaults. A missing file is reported with an
// error wrapping os.ErrNotExist so callers can fall back to Default.
func Load(filename string) (Config, error) {
	cfg := Default()
	input, err := os.ReadFile(filename)
	if err != nil {
		return cfg, fmt.Errorf("%w: can't read file", err)
	}

	if err := yaml.Unmarshal(input, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: can't unmarshal config", err)
	}

	cfg.ApplyEnv()
	if err := cfg.Setup(); err != nil {
		return cfg, fmt.Errorf("%w: can't setup cfg", err)
	}

	return cfg, nil
}
