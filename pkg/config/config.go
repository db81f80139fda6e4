package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	LLM       LLMConfig
	Analysis  AnalysisConfig
	Session   SessionConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host           string `validate:"required"`
	Port           int    `validate:"min=1,max=65535"`
	ReadTimeout    int    `validate:"min=1"`
	WriteTimeout   int    `validate:"min=1"`
	BodyLimit      int    `validate:"min=1024"`
	AllowedOrigins []string
	IsDevelopment  bool
}

// LLMConfig describes the OpenAI-compatible backend. APIKey is only a
// fallback for requests that do not carry their own bearer credential.
type LLMConfig struct {
	BaseURL           string `validate:"omitempty,url"`
	APIKey            string
	Model             string  `validate:"required"`
	Temperature       float32 `validate:"min=0,max=2"`
	MaxTokens         int     `validate:"min=256"`
	TimeoutSec        int     `validate:"min=0"`
	RequestsPerMinute int     `validate:"min=0"`
}

type AnalysisConfig struct {
	BatchSize           int `validate:"min=1,max=100"`
	ReestimateBatchSize int `validate:"min=1,max=100"`
	MaxRetries          int `validate:"min=1,max=10"`
	InitialBackoffMs    int `validate:"min=0"`
	MaxBackoffMs        int `validate:"min=0"`
	Concurrency         int `validate:"min=1,max=8"`
	EnforceDomainRules  bool
	PhaseDelayMs        int `validate:"min=0"`
}

type SessionConfig struct {
	IdleTTLMinutes   int `validate:"min=1"`
	MaxUploadBytes   int `validate:"min=1024"`
	MaxRows          int `validate:"min=1"`
	SweepIntervalSec int `validate:"min=1"`
}

type SQLiteConfig struct {
	Enabled bool
	Path    string `validate:"required_if=Enabled true"`
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type RateLimitConfig struct {
	MaxRequestsPerMinute int `validate:"min=1"`
}

type LoggingConfig struct {
	Level      string `validate:"oneof=debug info warn error"`
	Format     string `validate:"oneof=json console"`
	OutputPath string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/power-budget")

	return load(v)
}

// LoadFile reads an explicit config file instead of searching the default paths.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("POWER_BUDGET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "failed to read config file")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, eris.Wrap(err, "failed to unmarshal config")
	}

	if err := Validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return eris.Wrap(err, "invalid config")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 10485760)
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.isDevelopment", false)

	v.SetDefault("llm.baseURL", "https://api.openai.com/v1")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.maxTokens", 8192)
	v.SetDefault("llm.timeoutSec", 0)
	v.SetDefault("llm.requestsPerMinute", 30)

	v.SetDefault("analysis.batchSize", 20)
	v.SetDefault("analysis.reestimateBatchSize", 10)
	v.SetDefault("analysis.maxRetries", 3)
	v.SetDefault("analysis.initialBackoffMs", 2000)
	v.SetDefault("analysis.maxBackoffMs", 60000)
	v.SetDefault("analysis.concurrency", 1)
	v.SetDefault("analysis.enforceDomainRules", true)
	v.SetDefault("analysis.phaseDelayMs", 100)

	v.SetDefault("session.idleTTLMinutes", 120)
	v.SetDefault("session.maxUploadBytes", 5242880)
	v.SetDefault("session.maxRows", 2000)
	v.SetDefault("session.sweepIntervalSec", 60)

	v.SetDefault("sqlite.enabled", true)
	v.SetDefault("sqlite.path", "./data/power-budget.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("rateLimit.maxRequestsPerMinute", 60)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
