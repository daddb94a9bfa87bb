package domain

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	LLM        LLMConfig        `json:"llm"`

	// Simulation settings
	Simulation SimulationConfig `json:"simulation"`

	// Governance settings
	Governance GovernanceConfig `json:"governance"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// SimulationConfig bounds the dry-run engine.
type SimulationConfig struct {
	// MaxSampleSize caps both the requested sample and the population read
	// from the store. A long-running simulation is bounded by this cap.
	MaxSampleSize int `json:"maxSampleSize"`

	// DefaultSampleSize is used when a request omits sample_size.
	DefaultSampleSize int `json:"defaultSampleSize"`

	// ChangeExampleCap limits the change-example list in results.
	ChangeExampleCap int `json:"changeExampleCap"`
}

// GovernanceConfig holds suggestion lifecycle settings.
type GovernanceConfig struct {
	// SuggestionTTLHours is how long a suggestion stays pending before the
	// expiry sweep transitions it to expired.
	SuggestionTTLHours int `json:"suggestionTtlHours"`

	// ExpirySweepMins is the sweep interval.
	ExpirySweepMins int `json:"expirySweepMins"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300, // 5 minutes
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		LLM: LLMConfig{
			Endpoint:       "https://api.openai.com/v1/chat/completions",
			Model:          "gpt-4o-mini",
			TimeoutSecs:    30,
			RateLimit:      30,
			RateWindowSecs: 60,
			PromptCacheTTL: 600,
		},
		Simulation: SimulationConfig{
			MaxSampleSize:     10000,
			DefaultSampleSize: 1000,
			ChangeExampleCap:  10,
		},
		Governance: GovernanceConfig{
			SuggestionTTLHours: 72,
			ExpirySweepMins:    15,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	// A single in-memory window is not safe across instances; Pro uses the
	// cache-backed counter.
	cfg.LLM.SharedLimiter = true
	cfg.Tracing.Enabled = true
	return cfg
}
