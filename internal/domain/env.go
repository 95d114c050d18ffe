package domain

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix is prepended to every environment variable read by LoadFromEnv.
const EnvPrefix = "RINGWATCH_"

// ConfigFromEnv picks the tier from RINGWATCH_TIER and overlays the
// remaining environment variables on top of it.
func ConfigFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if strings.EqualFold(os.Getenv(EnvPrefix+"TIER"), string(TierPro)) {
		cfg = ProConfig()
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv overlays RINGWATCH_* environment variables on cfg.
// Unset variables leave the existing value untouched.
func LoadFromEnv(cfg *Config) error {
	p := envParser{}

	// Server
	cfg.Server.Host = valueOrDefault("HOST", cfg.Server.Host)
	cfg.Server.Port = p.parseInt("PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = p.parseInt("READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = p.parseInt("WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.MaxUploadBytes = int64(p.parseInt("MAX_UPLOAD_BYTES", int(cfg.Server.MaxUploadBytes)))

	// Detection thresholds
	d := &cfg.Detection
	d.CycleMinLength = p.parseInt("CYCLE_MIN_LENGTH", d.CycleMinLength)
	d.CycleMaxLength = p.parseInt("CYCLE_MAX_LENGTH", d.CycleMaxLength)
	d.SmurfingMinConnections = p.parseInt("SMURFING_MIN_CONNECTIONS", d.SmurfingMinConnections)
	d.SmurfingWindowHours = p.parseFloat("SMURFING_WINDOW_HOURS", d.SmurfingWindowHours)
	d.ShellMinHops = p.parseInt("SHELL_MIN_HOPS", d.ShellMinHops)
	d.ShellMaxTransactions = p.parseInt("SHELL_MAX_TRANSACTIONS", d.ShellMaxTransactions)
	d.ShellMaxDepth = p.parseInt("SHELL_MAX_DEPTH", d.ShellMaxDepth)
	d.VelocityThresholdHours = p.parseFloat("VELOCITY_THRESHOLD_HOURS", d.VelocityThresholdHours)
	d.MerchantThreshold = p.parseInt("MERCHANT_THRESHOLD", d.MerchantThreshold)
	d.SubgraphThreshold = p.parseInt("SUBGRAPH_THRESHOLD", d.SubgraphThreshold)
	d.NeighborSample = p.parseInt("NEIGHBOR_SAMPLE", d.NeighborSample)
	d.Parallel = p.parseBool("PARALLEL_DETECTION", d.Parallel)

	// Repository
	r := &cfg.Repository
	r.Driver = valueOrDefault("DB_DRIVER", r.Driver)
	r.SQLitePath = valueOrDefault("SQLITE_PATH", r.SQLitePath)
	r.PostgresHost = valueOrDefault("POSTGRES_HOST", r.PostgresHost)
	r.PostgresPort = p.parseInt("POSTGRES_PORT", r.PostgresPort)
	r.PostgresUser = valueOrDefault("POSTGRES_USER", r.PostgresUser)
	r.PostgresPassword = valueOrDefault("POSTGRES_PASSWORD", r.PostgresPassword)
	r.PostgresDB = valueOrDefault("POSTGRES_DB", r.PostgresDB)
	r.PostgresSSLMode = valueOrDefault("POSTGRES_SSLMODE", r.PostgresSSLMode)
	r.MaxOpenConns = p.parseInt("DB_MAX_OPEN_CONNS", r.MaxOpenConns)
	r.MaxIdleConns = p.parseInt("DB_MAX_IDLE_CONNS", r.MaxIdleConns)
	r.ConnMaxLifetime = p.parseDuration("DB_CONN_MAX_LIFETIME", r.ConnMaxLifetime)

	// Cache
	c := &cfg.Cache
	c.Type = valueOrDefault("CACHE_TYPE", c.Type)
	c.RedisAddr = valueOrDefault("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = valueOrDefault("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = p.parseInt("REDIS_DB", c.RedisDB)
	c.RedisMasterName = valueOrDefault("REDIS_MASTER_NAME", c.RedisMasterName)
	c.LocalMaxSize = p.parseInt("CACHE_LOCAL_MAX_SIZE", c.LocalMaxSize)
	c.LocalTTL = p.parseDuration("CACHE_LOCAL_TTL", c.LocalTTL)
	c.ResultTTL = p.parseDuration("CACHE_RESULT_TTL", c.ResultTTL)
	c.EnableTwoPhase = p.parseBool("CACHE_TWO_PHASE", c.EnableTwoPhase)

	// Event bus
	b := &cfg.EventBus
	b.Type = valueOrDefault("BUS_TYPE", b.Type)
	b.ChannelBufferSize = p.parseInt("BUS_BUFFER_SIZE", b.ChannelBufferSize)
	b.NATSUrl = valueOrDefault("NATS_URL", b.NATSUrl)
	b.NATSToken = valueOrDefault("NATS_TOKEN", b.NATSToken)
	b.NATSMaxReconnects = p.parseInt("NATS_MAX_RECONNECTS", b.NATSMaxReconnects)
	b.NATSReconnectWait = p.parseInt("NATS_RECONNECT_WAIT", b.NATSReconnectWait)

	// Worker
	cfg.Worker.Enabled = p.parseBool("ASYNC_WORKER", cfg.Worker.Enabled)
	cfg.Worker.WorkerCount = p.parseInt("WORKER_COUNT", cfg.Worker.WorkerCount)

	// Graph export
	g := &cfg.GraphExport
	g.URI = valueOrDefault("GRAPH_URI", g.URI)
	g.Database = valueOrDefault("GRAPH_DATABASE", g.Database)
	g.Username = valueOrDefault("GRAPH_USERNAME", g.Username)
	g.Password = valueOrDefault("GRAPH_PASSWORD", g.Password)
	g.MaxConnections = p.parseInt("GRAPH_MAX_CONNECTIONS", g.MaxConnections)
	g.BatchSize = p.parseInt("GRAPH_BATCH_SIZE", g.BatchSize)

	cfg.RateLimit.DetectionsPerMinute = p.parseInt("RATE_LIMIT_PER_MINUTE", cfg.RateLimit.DetectionsPerMinute)

	// Observability
	cfg.Logging.Level = valueOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = valueOrDefault("LOG_FORMAT", cfg.Logging.Format)
	if p.parseBool("DEBUG", false) {
		cfg.Logging.Level = "debug"
	}
	cfg.Tracing.Enabled = p.parseBool("TRACING", cfg.Tracing.Enabled)
	cfg.Tracing.ServiceName = valueOrDefault("SERVICE_NAME", cfg.Tracing.ServiceName)
	cfg.Tracing.OTLPEndpoint = valueOrDefault("OTLP_ENDPOINT", cfg.Tracing.OTLPEndpoint)
	cfg.Tracing.SampleRatio = p.parseFloat("TRACE_SAMPLE_RATIO", cfg.Tracing.SampleRatio)

	if p.err != nil {
		return p.err
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("%w: port %d is out of range", ErrInvalidConfig, cfg.Server.Port)
	}
	return cfg.Detection.Validate()
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		return v
	}
	return fallback
}

// envParser keeps the first parse failure so LoadFromEnv can read every
// variable before reporting.
type envParser struct {
	err error
}

func (p *envParser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s%s=%q: %v", ErrInvalidConfig, EnvPrefix, key, value, err)
	}
}

func (p *envParser) parseInt(key string, fallback int) int {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return fallback
	}
	val, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return val
}

func (p *envParser) parseFloat(key string, fallback float64) float64 {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return fallback
	}
	val, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return val
}

func (p *envParser) parseBool(key string, fallback bool) bool {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return fallback
	}
	val, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return val
}

func (p *envParser) parseDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return fallback
	}
	val, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return val
}
