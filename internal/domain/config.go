package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned when configuration values are inconsistent.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete Ringwatch configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backends are used
	Tier Tier `json:"tier"`

	// Detection thresholds for the pattern detectors
	Detection DetectionConfig `json:"detection"`

	// Component configurations
	Repository  RepositoryConfig  `json:"repository"`
	Cache       CacheConfig       `json:"cache"`
	EventBus    EventBusConfig    `json:"eventBus"`
	Worker      WorkerConfig      `json:"worker"`
	GraphExport GraphExportConfig `json:"graphExport"`
	RateLimit   RateLimitConfig   `json:"rateLimit"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	ReadTimeout    int    `json:"readTimeout"`  // seconds
	WriteTimeout   int    `json:"writeTimeout"` // seconds
	MaxUploadBytes int64  `json:"maxUploadBytes"`
}

// DetectionConfig holds the detector thresholds.
type DetectionConfig struct {
	CycleMinLength int `json:"cycleMinLength"`
	CycleMaxLength int `json:"cycleMaxLength"`

	SmurfingMinConnections int     `json:"smurfingMinConnections"`
	SmurfingWindowHours    float64 `json:"smurfingWindowHours"`

	ShellMinHops         int `json:"shellMinHops"`
	ShellMaxTransactions int `json:"shellMaxTransactions"`
	ShellMaxDepth        int `json:"shellMaxDepth"`

	VelocityThresholdHours float64 `json:"velocityThresholdHours"`
	MerchantThreshold      int     `json:"merchantThreshold"`

	// Graph export is reduced to a subgraph above this many accounts
	SubgraphThreshold int `json:"subgraphThreshold"`
	NeighborSample    int `json:"neighborSample"`

	// Parallel runs the three detectors concurrently
	Parallel bool `json:"parallel"`
}

// SmurfingWindow returns the smurfing window as a duration.
func (c DetectionConfig) SmurfingWindow() time.Duration {
	return time.Duration(c.SmurfingWindowHours * float64(time.Hour))
}

// VelocityThreshold returns the high-velocity span as a duration.
func (c DetectionConfig) VelocityThreshold() time.Duration {
	return time.Duration(c.VelocityThresholdHours * float64(time.Hour))
}

// Hard caps on the search depths. Both searches are exponential in depth.
const (
	MaxCycleLength = 5
	MaxShellDepth  = 10
)

// Validate rejects inconsistent thresholds.
func (c DetectionConfig) Validate() error {
	switch {
	case c.CycleMinLength < 2:
		return fmt.Errorf("%w: cycle min length must be at least 2", ErrInvalidConfig)
	case c.CycleMaxLength < c.CycleMinLength:
		return fmt.Errorf("%w: cycle max length %d below min length %d", ErrInvalidConfig, c.CycleMaxLength, c.CycleMinLength)
	case c.CycleMaxLength > MaxCycleLength:
		return fmt.Errorf("%w: cycle max length %d above cap %d", ErrInvalidConfig, c.CycleMaxLength, MaxCycleLength)
	case c.SmurfingMinConnections < 1:
		return fmt.Errorf("%w: smurfing min connections must be positive", ErrInvalidConfig)
	case c.SmurfingWindowHours <= 0:
		return fmt.Errorf("%w: smurfing window must be positive", ErrInvalidConfig)
	case c.ShellMinHops < 2:
		return fmt.Errorf("%w: shell min hops must be at least 2", ErrInvalidConfig)
	case c.ShellMaxTransactions < 2:
		return fmt.Errorf("%w: shell max transactions must be at least 2", ErrInvalidConfig)
	case c.ShellMaxDepth < c.ShellMinHops:
		return fmt.Errorf("%w: shell max depth %d below min hops %d", ErrInvalidConfig, c.ShellMaxDepth, c.ShellMinHops)
	case c.ShellMaxDepth > MaxShellDepth:
		return fmt.Errorf("%w: shell max depth %d above cap %d", ErrInvalidConfig, c.ShellMaxDepth, MaxShellDepth)
	case c.VelocityThresholdHours <= 0:
		return fmt.Errorf("%w: velocity threshold must be positive", ErrInvalidConfig)
	case c.MerchantThreshold < 1:
		return fmt.Errorf("%w: merchant threshold must be positive", ErrInvalidConfig)
	}
	return nil
}

// DefaultDetectionConfig returns the standard detector thresholds.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		CycleMinLength:         3,
		CycleMaxLength:         5,
		SmurfingMinConnections: 10,
		SmurfingWindowHours:    72,
		ShellMinHops:           3,
		ShellMaxTransactions:   3,
		ShellMaxDepth:          10,
		VelocityThresholdHours: 24,
		MerchantThreshold:      1000,
		SubgraphThreshold:      500,
		NeighborSample:         5,
	}
}

// WorkerConfig holds async worker settings.
type WorkerConfig struct {
	Enabled     bool `json:"enabled"`
	WorkerCount int  `json:"workerCount"`
}

// GraphExportConfig configures the optional Neo4j sink.
type GraphExportConfig struct {
	URI            string `json:"uri"`
	Database       string `json:"database"`
	Username       string `json:"username"`
	Password       string `json:"-"`
	MaxConnections int    `json:"maxConnections"`
	BatchSize      int    `json:"batchSize"`
}

// Enabled reports whether a graph database is configured.
func (c GraphExportConfig) Enabled() bool {
	return c.URI != ""
}

// RateLimitConfig bounds detection requests per tenant.
type RateLimitConfig struct {
	DetectionsPerMinute int `json:"detectionsPerMinute"` // 0 disables
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	ServiceName  string  `json:"serviceName"`
	OTLPEndpoint string  `json:"otlpEndpoint"`
	SampleRatio  float64 `json:"sampleRatio"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-process cache and channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for the Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    60,
			WriteTimeout:   120,
			MaxUploadBytes: 50 << 20,
		},
		Tier:      TierCommunity,
		Detection: DefaultDetectionConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./ringwatch.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 1000,
			LocalTTL:     5 * time.Minute,
			ResultTTL:    time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Worker: WorkerConfig{
			Enabled:     true,
			WorkerCount: 2,
		},
		GraphExport: GraphExportConfig{
			MaxConnections: 10,
			BatchSize:      500,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			ServiceName:  "ringwatch",
			OTLPEndpoint: "localhost:4317",
			SampleRatio:  1.0,
		},
	}
}

// ProConfig returns a configuration for the Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "ringwatch",
		MaxOpenConns: 20,
		MaxIdleConns: 5,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   500,
		LocalTTL:       time.Minute,
		ResultTTL:      24 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker = WorkerConfig{
		Enabled:     true,
		WorkerCount: 4,
	}
	cfg.RateLimit.DetectionsPerMinute = 30
	cfg.Tracing.Enabled = true
	return cfg
}
