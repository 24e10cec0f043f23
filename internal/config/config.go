// Package config provides environment configuration for the API server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/capitalize-ai/streamturn/internal/ledger"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreNATS   = "nats"
	StoreSQLite = "sqlite"
)

// Config holds all configuration for the application.
type Config struct {
	Environment string

	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Backend settings; an empty BackendURL streams from the LLM provider directly.
	BackendURL   string
	BackendToken string

	// Persistence
	StoreDriver string
	SQLitePath  string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string
	NATSName     string

	// JWT settings
	JWTSecret string

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string
	LLMModel        string
	LLMMaxTokens    int

	// Entitlement ledger
	FreeAllowance  int
	GuestAllowance int
	FeatureCosts   string
	CostTableFile  string

	// Turns
	TurnDeadline time.Duration
	HistoryLimit int

	// HTTP surface
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Environment: getEnv("ENV", "production"),

		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),

		// Backend
		BackendURL:   getEnv("BACKEND_URL", ""),
		BackendToken: getEnv("BACKEND_TOKEN", ""),

		// Persistence
		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", StoreMemory)),
		SQLitePath:  getEnv("SQLITE_PATH", "data/streamturn.db"),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),
		NATSName:     getEnv("NATS_NAME", "streamturn"),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),
		LLMModel:        getEnv("LLM_MODEL", ""),
		LLMMaxTokens:    getIntEnv("LLM_MAX_TOKENS", 4096),

		// Ledger
		FreeAllowance:  getIntEnv("FREE_ALLOWANCE", 10),
		GuestAllowance: getIntEnv("GUEST_ALLOWANCE", 5),
		FeatureCosts:   getEnv("FEATURE_COSTS", ""),
		CostTableFile:  getEnv("COST_TABLE_FILE", ""),

		// Turns
		TurnDeadline: getDurationEnv("TURN_DEADLINE", 10*time.Minute),
		HistoryLimit: getIntEnv("HISTORY_LIMIT", 50),

		// HTTP surface
		AllowedOrigins:    getListEnv("CORS_ALLOWED_ORIGINS"),
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory, StoreNATS, StoreSQLite:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.FreeAllowance < 0 || c.GuestAllowance < 0 {
		return fmt.Errorf("allowances must not be negative")
	}
	if c.BackendURL == "" && c.AnthropicAPIKey == "" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("either BACKEND_URL or an LLM API key is required")
	}
	return nil
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// CostTable builds the feature cost table: defaults, then COST_TABLE_FILE,
// then FEATURE_COSTS overrides.
func (c *Config) CostTable() (ledger.CostTable, error) {
	table := ledger.DefaultCostTable()

	if c.CostTableFile != "" {
		fromFile, err := ledger.LoadCostTableFile(c.CostTableFile)
		if err != nil {
			return nil, err
		}
		table = fromFile
	}

	return table.Apply(c.FeatureCosts)
}

// LedgerConfig returns the ledger settings.
func (c *Config) LedgerConfig() (ledger.Config, error) {
	costs, err := c.CostTable()
	if err != nil {
		return ledger.Config{}, err
	}
	return ledger.Config{
		Costs:          costs,
		FreeAllowance:  c.FreeAllowance,
		GuestAllowance: c.GuestAllowance,
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
