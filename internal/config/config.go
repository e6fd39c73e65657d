package config

import (
	"fmt"
	"time"
)

// Config is the full playbookd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Playbook      PlaybookConfig      `koanf:"playbook"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	Reflector     ReflectorConfig     `koanf:"reflector"`
	Chat          ChatConfig          `koanf:"chat"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// PlaybookConfig configures the playbook engine.
type PlaybookConfig struct {
	// Dir is where the three playbook artifacts live.
	Dir string `koanf:"dir"`

	// TopK is the default number of bullets per retrieval.
	TopK int `koanf:"top_k"`

	// DedupThreshold is the similarity above which an insight updates an
	// existing bullet instead of adding a new one.
	DedupThreshold float64 `koanf:"dedup_threshold"`

	// MinConfidence gates insights out of the playbook.
	MinConfidence float64 `koanf:"min_confidence"`

	// DefaultSection is assigned to bullets whose insight does not
	// suggest a section.
	DefaultSection string `koanf:"default_section"`

	// ReflectorRetries is how many times a failed insight generation is
	// retried before the event is abandoned.
	ReflectorRetries int `koanf:"reflector_retries"`

	// ReflectorBackoff is the initial retry backoff; it doubles per
	// attempt.
	ReflectorBackoff Duration `koanf:"reflector_backoff"`

	// QueueSize bounds the feedback queue.
	QueueSize int `koanf:"queue_size"`

	// PruneEnabled turns on periodic removal of net-harmful bullets.
	PruneEnabled bool `koanf:"prune_enabled"`

	// PruneInterval is how often the pruner sweeps.
	PruneInterval Duration `koanf:"prune_interval"`

	// PruneGrace is how old a net-harmful bullet must be before removal.
	PruneGrace Duration `koanf:"prune_grace"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	APIKey   Secret `koanf:"api_key"`
	CacheDir string `koanf:"cache_dir"`
}

// ReflectorConfig configures the LLM that turns feedback into insights.
type ReflectorConfig struct {
	Model       string  `koanf:"model"`
	BaseURL     string  `koanf:"base_url"`
	APIKey      Secret  `koanf:"api_key"`
	Temperature float64 `koanf:"temperature"`

	// FallbackModel, when set, is tried after the primary model fails.
	FallbackModel string `koanf:"fallback_model"`
}

// ChatConfig configures chat record storage.
type ChatConfig struct {
	// MaxRecords bounds the in-memory chat store; oldest records are
	// evicted beyond it.
	MaxRecords int `koanf:"max_records"`
}

// ObservabilityConfig configures logging, tracing, and metrics.
type ObservabilityConfig struct {
	ServiceName    string `koanf:"service_name"`
	LogLevel       string `koanf:"log_level"`
	LogFormat      string `koanf:"log_format"`
	OTLPEndpoint   string `koanf:"otlp_endpoint"`
	TracingEnabled bool   `koanf:"tracing_enabled"`
	MetricsEnabled bool   `koanf:"metrics_enabled"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8377
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Playbook.TopK == 0 {
		cfg.Playbook.TopK = 3
	}
	if cfg.Playbook.DedupThreshold == 0 {
		cfg.Playbook.DedupThreshold = 0.8
	}
	if cfg.Playbook.MinConfidence == 0 {
		cfg.Playbook.MinConfidence = 0.5
	}
	if cfg.Playbook.DefaultSection == "" {
		cfg.Playbook.DefaultSection = "General Strategies"
	}
	if cfg.Playbook.ReflectorRetries == 0 {
		cfg.Playbook.ReflectorRetries = 2
	}
	if cfg.Playbook.ReflectorBackoff == 0 {
		cfg.Playbook.ReflectorBackoff = Duration(500 * time.Millisecond)
	}
	if cfg.Playbook.QueueSize == 0 {
		cfg.Playbook.QueueSize = 64
	}
	if cfg.Playbook.PruneInterval == 0 {
		cfg.Playbook.PruneInterval = Duration(time.Hour)
	}
	if cfg.Playbook.PruneGrace == 0 {
		cfg.Playbook.PruneGrace = Duration(24 * time.Hour)
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "fastembed"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}

	if cfg.Reflector.Model == "" {
		cfg.Reflector.Model = "gpt-4o-mini"
	}

	if cfg.Chat.MaxRecords == 0 {
		cfg.Chat.MaxRecords = 1024
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "playbookd"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Playbook.TopK < 1 {
		return fmt.Errorf("playbook.top_k must be positive, got %d", c.Playbook.TopK)
	}
	if c.Playbook.DedupThreshold <= 0 || c.Playbook.DedupThreshold > 1 {
		return fmt.Errorf("playbook.dedup_threshold must be in (0,1], got %v", c.Playbook.DedupThreshold)
	}
	if c.Playbook.MinConfidence < 0 || c.Playbook.MinConfidence > 1 {
		return fmt.Errorf("playbook.min_confidence must be in [0,1], got %v", c.Playbook.MinConfidence)
	}
	if c.Playbook.QueueSize < 1 {
		return fmt.Errorf("playbook.queue_size must be positive, got %d", c.Playbook.QueueSize)
	}
	if c.Playbook.ReflectorRetries < 0 {
		return fmt.Errorf("playbook.reflector_retries must be >= 0, got %d", c.Playbook.ReflectorRetries)
	}
	if c.Playbook.ReflectorBackoff < 0 {
		return fmt.Errorf("playbook.reflector_backoff must be >= 0, got %v", c.Playbook.ReflectorBackoff.Duration())
	}
	if c.Chat.MaxRecords < 1 {
		return fmt.Errorf("chat.max_records must be positive, got %d", c.Chat.MaxRecords)
	}
	switch c.Embeddings.Provider {
	case "fastembed", "tei", "openai":
	default:
		return fmt.Errorf("embeddings.provider must be fastembed, tei, or openai, got %q", c.Embeddings.Provider)
	}
	switch c.Observability.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("observability.log_format must be json or console, got %q", c.Observability.LogFormat)
	}
	return nil
}
