// Package config loads the roundtable process configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/roundtable/agent"
	"github.com/hupe1980/roundtable/core"
)

// Ledger backends.
const (
	LedgerMemory = "memory"
	LedgerMongo  = "mongo"
	LedgerRedis  = "redis"
)

// Model providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderMock      = "mock"
)

// Config is the top-level structure of roundtable.yaml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Run       RunConfig       `yaml:"run"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Model     ModelConfig     `yaml:"model"`
	// Catalog is the path of a contract catalog file. Empty uses the built-in catalog.
	Catalog string        `yaml:"catalog"`
	Roles   []agent.Role  `yaml:"roles"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig controls the HTTP transport.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// RunConfig controls a single run.
type RunConfig struct {
	MaxTurns        int           `yaml:"max_turns"`
	MaxTopics       int           `yaml:"max_topics"`
	Timeout         time.Duration `yaml:"timeout"`
	TurnTimeout     time.Duration `yaml:"turn_timeout"`
	FinalizeTimeout time.Duration `yaml:"finalize_timeout"`
	NoteWindow      int           `yaml:"note_window"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
}

// RetrievalConfig controls context retrieval. Retrieval is enabled when a
// document store is configured (mongo URI) or Inline documents are given.
type RetrievalConfig struct {
	Categories    []string         `yaml:"categories"`
	MaxItems      int              `yaml:"max_items"`
	MaxLineLength int              `yaml:"max_line_length"`
	Timeout       time.Duration    `yaml:"timeout"`
	MongoURI      string           `yaml:"mongo_uri"`
	Database      string           `yaml:"database"`
	Collection    string           `yaml:"collection"`
	Inline        []InlineDocument `yaml:"documents"`
}

// InlineDocument is a reference document declared in the configuration file.
type InlineDocument struct {
	Category string `yaml:"category"`
	Title    string `yaml:"title"`
	Content  string `yaml:"content"`
}

// LedgerConfig selects and configures the run ledger backend.
type LedgerConfig struct {
	Backend    string        `yaml:"backend"`
	MongoURI   string        `yaml:"mongo_uri"`
	Database   string        `yaml:"database"`
	Collection string        `yaml:"collection"`
	RedisAddr  string        `yaml:"redis_addr"`
	RedisDB    int           `yaml:"redis_db"`
	KeyPrefix  string        `yaml:"key_prefix"`
	TTL        time.Duration `yaml:"ttl"`
}

// ModelConfig selects the model provider.
type ModelConfig struct {
	Provider    string  `yaml:"provider"`
	Name        string  `yaml:"name"`
	APIKey      string  `yaml:"api_key"`
	Temperature float64 `yaml:"temperature"`
	// Prices in US dollars per token. Zero prices fall back to contract rates.
	InputPerToken   float64 `yaml:"input_per_token"`
	OutputPerToken  float64 `yaml:"output_per_token"`
	TokensPerMinute float64 `yaml:"tokens_per_minute"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" | "text" | "clue"
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    6 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Run: RunConfig{
			MaxTurns:        12,
			MaxTopics:       16,
			Timeout:         5 * time.Minute,
			TurnTimeout:     60 * time.Second,
			FinalizeTimeout: 10 * time.Second,
			NoteWindow:      2000,
		},
		Retrieval: RetrievalConfig{
			Categories:    []string{"prompts", "patterns"},
			MaxItems:      3,
			MaxLineLength: 160,
			Timeout:       3 * time.Second,
			Database:      "roundtable",
			Collection:    "documents",
		},
		Ledger: LedgerConfig{
			Backend:    LedgerMemory,
			Database:   "roundtable",
			Collection: "runs",
			KeyPrefix:  "roundtable:run:",
		},
		Model: ModelConfig{
			Provider:    ProviderMock,
			Temperature: 0.7,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path yields the defaults with overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables looked up by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("ROUNDTABLE_ADDR", &c.Server.Addr)
	num("ROUNDTABLE_MAX_TURNS", &c.Run.MaxTurns)
	num("ROUNDTABLE_MAX_CONCURRENT", &c.Run.MaxConcurrent)
	dur("ROUNDTABLE_RUN_TIMEOUT", &c.Run.Timeout)
	dur("ROUNDTABLE_TURN_TIMEOUT", &c.Run.TurnTimeout)
	str("ROUNDTABLE_CATALOG", &c.Catalog)
	str("ROUNDTABLE_LEDGER_BACKEND", &c.Ledger.Backend)
	str("ROUNDTABLE_LEDGER_MONGO_URI", &c.Ledger.MongoURI)
	str("ROUNDTABLE_LEDGER_REDIS_ADDR", &c.Ledger.RedisAddr)
	str("ROUNDTABLE_RETRIEVAL_MONGO_URI", &c.Retrieval.MongoURI)
	str("ROUNDTABLE_MODEL_PROVIDER", &c.Model.Provider)
	str("ROUNDTABLE_MODEL_NAME", &c.Model.Name)
	str("ROUNDTABLE_LOG_LEVEL", &c.Logging.Level)
	str("ROUNDTABLE_LOG_FORMAT", &c.Logging.Format)

	if c.Model.APIKey == "" {
		switch c.Model.Provider {
		case ProviderAnthropic:
			str("ANTHROPIC_API_KEY", &c.Model.APIKey)
		case ProviderOpenAI:
			str("OPENAI_API_KEY", &c.Model.APIKey)
		}
	}
	return errors.Join(errs...)
}

// Validate reports every problem of c.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(c.Server.Addr) == "" {
		add("server.addr is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		add("server.max_body_bytes must be positive")
	}
	if c.Run.MaxTurns < 0 {
		add("run.max_turns must not be negative")
	}
	if c.Run.MaxConcurrent < 0 {
		add("run.max_concurrent must not be negative")
	}
	if c.Run.Timeout <= 0 {
		add("run.timeout must be positive")
	}
	if c.Run.TurnTimeout <= 0 {
		add("run.turn_timeout must be positive")
	}

	switch c.Ledger.Backend {
	case LedgerMemory:
	case LedgerMongo:
		if c.Ledger.MongoURI == "" {
			add("ledger.mongo_uri is required for the mongo backend")
		}
	case LedgerRedis:
		if c.Ledger.RedisAddr == "" {
			add("ledger.redis_addr is required for the redis backend")
		}
	default:
		add("ledger.backend %q is not one of memory, mongo, redis", c.Ledger.Backend)
	}

	switch c.Model.Provider {
	case ProviderMock:
	case ProviderAnthropic, ProviderOpenAI:
		if c.Model.APIKey == "" {
			add("model.api_key is required for provider %s", c.Model.Provider)
		}
	default:
		add("model.provider %q is not one of anthropic, openai, mock", c.Model.Provider)
	}
	if c.Model.InputPerToken < 0 || c.Model.OutputPerToken < 0 {
		add("model prices must not be negative")
	}
	if _, err := core.Rate(c.Model.InputPerToken); err != nil {
		add("model.input_per_token: %v", err)
	}
	if _, err := core.Rate(c.Model.OutputPerToken); err != nil {
		add("model.output_per_token: %v", err)
	}
	if c.Model.TokensPerMinute < 0 {
		add("model.tokens_per_minute must not be negative")
	}

	for i, d := range c.Retrieval.Inline {
		if strings.TrimSpace(d.Category) == "" {
			add("retrieval.documents[%d].category is required", i)
		}
	}
	if len(c.Roles) > 0 {
		if _, err := agent.NewRoster(c.Roles...); err != nil {
			add("roles: %v", err)
		}
	}
	switch c.Logging.Format {
	case "", "json", "text", "clue":
	default:
		add("logging.format %q is not one of json, text, clue", c.Logging.Format)
	}
	return errors.Join(errs...)
}
