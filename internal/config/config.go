package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/outreach-engine/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Outreach   OutreachConfig   `yaml:"outreach" mapstructure:"outreach"`
	Research   ResearchConfig   `yaml:"research" mapstructure:"research"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	SMTP       SMTPConfig       `yaml:"smtp" mapstructure:"smtp"`
	SendGrid   SendGridConfig   `yaml:"sendgrid" mapstructure:"sendgrid"`
	LinkedIn   LinkedInConfig   `yaml:"linkedin" mapstructure:"linkedin"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig enables distributed locks. An empty URL keeps locks in-process.
type RedisConfig struct {
	URL         string `yaml:"url" mapstructure:"url"`
	LockTTLSecs int    `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// OutreachConfig configures the tick driver and the dispatcher.
type OutreachConfig struct {
	TickInterval             string `yaml:"tick_interval" mapstructure:"tick_interval"`
	MaxConcurrentCampaigns   int    `yaml:"max_concurrent_campaigns" mapstructure:"max_concurrent_campaigns"`
	PerTickLimit             int    `yaml:"per_tick_limit" mapstructure:"per_tick_limit"`
	TransportTimeoutSecs     int    `yaml:"transport_timeout_secs" mapstructure:"transport_timeout_secs"`
	ConfirmationHorizonHours int    `yaml:"confirmation_horizon_hours" mapstructure:"confirmation_horizon_hours"`
	RetryMaxAttempts         int    `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryInitialMins         int    `yaml:"retry_initial_mins" mapstructure:"retry_initial_mins"`
	RetryMaxHours            int    `yaml:"retry_max_hours" mapstructure:"retry_max_hours"`
	// EmailProvider is smtp or sendgrid.
	EmailProvider string `yaml:"email_provider" mapstructure:"email_provider"`
	// PerMinute caps sends per channel (email, linkedin_connection, linkedin_dm).
	PerMinute map[string]int `yaml:"per_minute" mapstructure:"per_minute"`
}

// ResearchConfig configures batch lead research.
type ResearchConfig struct {
	ItemsPerTick int `yaml:"items_per_tick" mapstructure:"items_per_tick"`
	Concurrency  int `yaml:"concurrency" mapstructure:"concurrency"`
	TimeoutSecs  int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	DMSteps      int `yaml:"dm_steps" mapstructure:"dm_steps"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// JinaConfig holds Jina reader settings. Website reads are skipped unless
// Enabled is set; the key is optional at low volume.
type JinaConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// SMTPConfig holds SMTP relay settings for the email transport.
type SMTPConfig struct {
	Host        string `yaml:"host" mapstructure:"host"`
	Port        int    `yaml:"port" mapstructure:"port"`
	Username    string `yaml:"username" mapstructure:"username"`
	Password    string `yaml:"password" mapstructure:"password"`
	FromName    string `yaml:"from_name" mapstructure:"from_name"`
	FromAddress string `yaml:"from_address" mapstructure:"from_address"`
}

// SendGridConfig holds SendGrid API settings.
type SendGridConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	FromName    string `yaml:"from_name" mapstructure:"from_name"`
	FromAddress string `yaml:"from_address" mapstructure:"from_address"`
}

// LinkedInConfig holds the LinkedIn gateway settings.
type LinkedInConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	AccountID string `yaml:"account_id" mapstructure:"account_id"`
}

// SalesforceConfig holds Salesforce JWT auth settings.
type SalesforceConfig struct {
	ClientID  string  `yaml:"client_id" mapstructure:"client_id"`
	Username  string  `yaml:"username" mapstructure:"username"`
	KeyPath   string  `yaml:"key_path" mapstructure:"key_path"`
	LoginURL  string  `yaml:"login_url" mapstructure:"login_url"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// Enabled reports whether deal moves should sync to Salesforce.
func (c SalesforceConfig) Enabled() bool {
	return c.ClientID != ""
}

// MonitoringConfig configures the background alert checker.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	AlertCooldownMins    int     `yaml:"alert_cooldown_mins" mapstructure:"alert_cooldown_mins"`
}

// Load reads configuration from ./config.yaml, when present, and the
// environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file, which must exist. An empty
// path falls back to the optional ./config.yaml.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	v.SetConfigType("yaml")

	// Environment
	v.SetEnvPrefix("OUTREACH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Secrets have no default but must be known keys for env overrides.
	for _, key := range []string{
		"store.database_url", "redis.url", "anthropic.key", "perplexity.key", "jina.key",
		"smtp.host", "smtp.username", "smtp.password", "smtp.from_name", "smtp.from_address",
		"sendgrid.key", "sendgrid.from_name", "sendgrid.from_address",
		"linkedin.key", "linkedin.base_url", "linkedin.account_id",
		"salesforce.client_id", "salesforce.username", "salesforce.key_path",
		"monitoring.webhook_url",
	} {
		v.SetDefault(key, "")
	}

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "outreach.db")
	v.SetDefault("redis.lock_ttl_secs", 120)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("outreach.tick_interval", "1m")
	v.SetDefault("outreach.max_concurrent_campaigns", 5)
	v.SetDefault("outreach.per_tick_limit", 100)
	v.SetDefault("outreach.transport_timeout_secs", 30)
	v.SetDefault("outreach.confirmation_horizon_hours", 72)
	v.SetDefault("outreach.retry_max_attempts", 5)
	v.SetDefault("outreach.retry_initial_mins", 5)
	v.SetDefault("outreach.retry_max_hours", 6)
	v.SetDefault("outreach.email_provider", "smtp")
	v.SetDefault("research.items_per_tick", 25)
	v.SetDefault("research.concurrency", 3)
	v.SetDefault("research.timeout_secs", 90)
	v.SetDefault("research.dm_steps", 3)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("jina.enabled", false)
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("salesforce.rate_limit", 5)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.alert_cooldown_mins", 60)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	cfg.Pricing = withDefaultRates(cfg.Pricing)

	return &cfg, nil
}

// withDefaultRates fills pricing left unset by the file and environment.
// Configured models are added to the default table rather than replacing it.
func withDefaultRates(r cost.Rates) cost.Rates {
	def := cost.DefaultRates()
	for model, rate := range r.Anthropic {
		def.Anthropic[model] = rate
	}
	r.Anthropic = def.Anthropic
	if r.Perplexity == (cost.PerplexityRate{}) {
		r.Perplexity = def.Perplexity
	}
	if r.Jina == (cost.JinaRate{}) {
		r.Jina = def.Jina
	}
	return r
}

// Modes accepted by Validate, one per command that needs configuration.
const (
	ModeServe   = "serve"
	ModeTick    = "tick"
	ModeMigrate = "migrate"
	ModeCLI     = "cli"
)

// Validate checks that the settings required by mode are present and sane.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}

	switch mode {
	case ModeServe:
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		errs = append(errs, c.validateMonitoring()...)
	case ModeTick:
		errs = append(errs, c.validateTick()...)
	case ModeMigrate, ModeCLI:
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateTick() []string {
	var errs []string
	o := c.Outreach
	if o.MaxConcurrentCampaigns < 1 || o.MaxConcurrentCampaigns > 50 {
		errs = append(errs, "outreach.max_concurrent_campaigns must be between 1 and 50")
	}
	if o.PerTickLimit < 1 {
		errs = append(errs, "outreach.per_tick_limit must be > 0")
	}
	if o.RetryMaxAttempts < 1 {
		errs = append(errs, "outreach.retry_max_attempts must be > 0")
	}
	switch o.EmailProvider {
	case "smtp":
		if c.SMTP.Host == "" || c.SMTP.FromAddress == "" {
			errs = append(errs, "smtp.host and smtp.from_address are required")
		}
	case "sendgrid":
		if c.SendGrid.Key == "" || c.SendGrid.FromAddress == "" {
			errs = append(errs, "sendgrid.key and sendgrid.from_address are required")
		}
	default:
		errs = append(errs, "outreach.email_provider must be smtp or sendgrid")
	}
	if c.LinkedIn.Key != "" && c.LinkedIn.AccountID == "" {
		errs = append(errs, "linkedin.account_id is required when linkedin.key is set")
	}

	r := c.Research
	if c.Anthropic.Key == "" {
		errs = append(errs, "anthropic.key is required")
	}
	if r.Concurrency < 1 || r.Concurrency > 20 {
		errs = append(errs, "research.concurrency must be between 1 and 20")
	}
	if r.ItemsPerTick < 1 {
		errs = append(errs, "research.items_per_tick must be > 0")
	}
	return errs
}

func (c *Config) validateMonitoring() []string {
	var errs []string
	if t := c.Monitoring.FailureRateThreshold; t < 0 || t > 1 {
		errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
	}
	if c.Monitoring.CostThresholdUSD < 0 {
		errs = append(errs, "monitoring.cost_threshold_usd must be >= 0")
	}
	if c.Monitoring.AlertCooldownMins < 0 {
		errs = append(errs, "monitoring.alert_cooldown_mins must be >= 0")
	}
	return errs
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
