package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvProduction is the app.env value that selects production row caps.
const EnvProduction = "production"

// Config holds the full application configuration.
type Config struct {
	App        AppConfig        `yaml:"app" mapstructure:"app"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Provider   ProviderConfig   `yaml:"provider" mapstructure:"provider"`
	Models     ModelsConfig     `yaml:"models" mapstructure:"models"`
	Rows       RowsConfig       `yaml:"rows" mapstructure:"rows"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Admission  AdmissionConfig  `yaml:"admission" mapstructure:"admission"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// AppConfig describes the deployment.
type AppConfig struct {
	Env string `yaml:"env" mapstructure:"env"`
}

// IsProduction reports whether the deployment tier is production.
func (a AppConfig) IsProduction() bool {
	return strings.EqualFold(a.Env, EnvProduction)
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ProviderConfig selects and authenticates the external batch provider.
// When Enabled is false the pipeline runs in mock mode.
type ProviderConfig struct {
	Enabled            bool   `yaml:"enabled" mapstructure:"enabled"`
	Backend            string `yaml:"backend" mapstructure:"backend"`
	GeminiKey          string `yaml:"gemini_key" mapstructure:"gemini_key"`
	GeminiBaseURL      string `yaml:"gemini_base_url" mapstructure:"gemini_base_url"`
	AnthropicKey       string `yaml:"anthropic_key" mapstructure:"anthropic_key"`
	AnthropicBaseURL   string `yaml:"anthropic_base_url" mapstructure:"anthropic_base_url"`
	RequestTimeoutSecs int    `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
}

// ModelsConfig holds the ordered model candidates for both stages.
type ModelsConfig struct {
	Primary  string `yaml:"primary" mapstructure:"primary"`
	Fallback string `yaml:"fallback" mapstructure:"fallback"`
}

// RowsConfig caps the rows kept per group, per deployment tier.
type RowsConfig struct {
	MaxPerGroup     int `yaml:"max_per_group" mapstructure:"max_per_group"`
	MaxPerGroupProd int `yaml:"max_per_group_prod" mapstructure:"max_per_group_prod"`
}

// BatchConfig configures submission and polling.
type BatchConfig struct {
	InlineThresholdBytes int `yaml:"inline_threshold_bytes" mapstructure:"inline_threshold_bytes"`
	PollIntervalSecs     int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	PollTimeoutMins      int `yaml:"poll_timeout_mins" mapstructure:"poll_timeout_mins"`
	PollRPS              int `yaml:"poll_rps" mapstructure:"poll_rps"`
	MaxOutputTokens      int `yaml:"max_output_tokens" mapstructure:"max_output_tokens"`
}

// PollInterval returns the fixed interval between provider polls.
func (b BatchConfig) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalSecs) * time.Second
}

// PollTimeout returns the total poll budget for one stage.
func (b BatchConfig) PollTimeout() time.Duration {
	return time.Duration(b.PollTimeoutMins) * time.Minute
}

// AdmissionConfig holds the global admission-control ceilings.
type AdmissionConfig struct {
	MaxActiveJobs   int   `yaml:"max_active_jobs" mapstructure:"max_active_jobs"`
	MaxActiveTokens int64 `yaml:"max_active_tokens" mapstructure:"max_active_tokens"`
}

// WorkerConfig configures the background poll/advance loop.
type WorkerConfig struct {
	TickIntervalSecs int `yaml:"tick_interval_secs" mapstructure:"tick_interval_secs"`
	Concurrency      int `yaml:"concurrency" mapstructure:"concurrency"`
	StalePendingMins int `yaml:"stale_pending_mins" mapstructure:"stale_pending_mins"`
}

// PricingConfig holds per-model token pricing used for cost logging. Models
// are a list rather than a map because model names contain dots, which viper
// treats as key separators.
type PricingConfig struct {
	Models []ModelPricing `yaml:"models" mapstructure:"models"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Model         string  `yaml:"model" mapstructure:"model"`
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	BatchDiscount float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
}

// ServerConfig configures the HTTP submission API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures the job health checker and its webhook alerts.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	SaturationThreshold  float64 `yaml:"saturation_threshold" mapstructure:"saturation_threshold"`
	StuckIngestMins      int     `yaml:"stuck_ingest_mins" mapstructure:"stuck_ingest_mins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CANDIDATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("app.env", "development")
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("provider.enabled", true)
	v.SetDefault("provider.backend", "gemini")
	v.SetDefault("provider.gemini_base_url", "https://generativelanguage.googleapis.com")
	v.SetDefault("provider.request_timeout_secs", 120)
	v.SetDefault("models.primary", "gemini-2.5-flash")
	v.SetDefault("models.fallback", "gemini-2.5-flash-lite")
	v.SetDefault("rows.max_per_group", 500)
	v.SetDefault("rows.max_per_group_prod", 200)
	v.SetDefault("batch.inline_threshold_bytes", 10<<20)
	v.SetDefault("batch.poll_interval_secs", 30)
	v.SetDefault("batch.poll_timeout_mins", 24*60)
	v.SetDefault("batch.poll_rps", 5)
	v.SetDefault("batch.max_output_tokens", 8192)
	v.SetDefault("admission.max_active_jobs", 100)
	v.SetDefault("admission.max_active_tokens", 5_000_000)
	v.SetDefault("worker.tick_interval_secs", 15)
	v.SetDefault("worker.concurrency", 8)
	v.SetDefault("worker.stale_pending_mins", 30)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.saturation_threshold", 0.9)
	v.SetDefault("monitoring.stuck_ingest_mins", 60)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the fields required by the given command mode are set
// and that numeric settings are within bounds. Modes: "submit", "worker",
// "serve" and "store". Provider credentials are only required when the
// provider is enabled.
func (c *Config) Validate(mode string) error {
	switch mode {
	case "submit", "worker", "serve", "store":
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	var missing []string

	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		missing = append(missing, "store.database_url")
	}

	if mode != "store" && c.Provider.Enabled {
		switch c.Provider.Backend {
		case "gemini":
			if c.Provider.GeminiKey == "" {
				missing = append(missing, "provider.gemini_key")
			}
		case "anthropic":
			if c.Provider.AnthropicKey == "" {
				missing = append(missing, "provider.anthropic_key")
			}
		default:
			return eris.Errorf("config: unsupported provider backend %q", c.Provider.Backend)
		}
		if c.Models.Primary == "" {
			missing = append(missing, "models.primary")
		}
	}

	if len(missing) > 0 {
		return eris.Errorf("config: missing required fields for %s: %s", mode, strings.Join(missing, ", "))
	}

	if mode == "serve" && (c.Server.Port < 1 || c.Server.Port > 65535) {
		return eris.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Admission.MaxActiveJobs < 1 {
		return eris.New("config: admission.max_active_jobs must be at least 1")
	}
	if c.Admission.MaxActiveTokens < 1 {
		return eris.New("config: admission.max_active_tokens must be at least 1")
	}
	if c.Batch.PollIntervalSecs < 1 || c.Batch.PollTimeoutMins < 1 {
		return eris.New("config: batch poll interval and timeout must be positive")
	}
	if mode == "worker" && (c.Worker.Concurrency < 1 || c.Worker.Concurrency > 64) {
		return eris.Errorf("config: worker.concurrency %d must be between 1 and 64", c.Worker.Concurrency)
	}
	return nil
}

// RowCap returns the per-group row cap for the active deployment tier.
func (c *Config) RowCap() int {
	if c.App.IsProduction() {
		return c.Rows.MaxPerGroupProd
	}
	return c.Rows.MaxPerGroup
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
