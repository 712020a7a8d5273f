package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "outreach.db", cfg.Store.SQLitePath)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "1m", cfg.Outreach.TickInterval)
	assert.Equal(t, 5, cfg.Outreach.MaxConcurrentCampaigns)
	assert.Equal(t, 100, cfg.Outreach.PerTickLimit)
	assert.Equal(t, 30, cfg.Outreach.TransportTimeoutSecs)
	assert.Equal(t, 72, cfg.Outreach.ConfirmationHorizonHours)
	assert.Equal(t, 5, cfg.Outreach.RetryMaxAttempts)
	assert.Equal(t, 5, cfg.Outreach.RetryInitialMins)
	assert.Equal(t, 6, cfg.Outreach.RetryMaxHours)
	assert.Equal(t, "smtp", cfg.Outreach.EmailProvider)
	assert.Equal(t, 25, cfg.Research.ItemsPerTick)
	assert.Equal(t, 3, cfg.Research.Concurrency)
	assert.Equal(t, 90, cfg.Research.TimeoutSecs)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Anthropic.Model)
	assert.Equal(t, int64(2048), cfg.Anthropic.MaxTokens)
	assert.Equal(t, "sonar-pro", cfg.Perplexity.Model)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.Equal(t, "https://login.salesforce.com", cfg.Salesforce.LoginURL)
	assert.False(t, cfg.Salesforce.Enabled())
	assert.InDelta(t, 0.2, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.InDelta(t, 0.005, cfg.Pricing.Perplexity.PerQuery, 1e-9)
	assert.InDelta(t, 0.02, cfg.Pricing.Jina.PerMTok, 1e-9)
	assert.False(t, cfg.Jina.Enabled)
	assert.Equal(t, "https://r.jina.ai", cfg.Jina.BaseURL)
	assert.Contains(t, cfg.Pricing.Anthropic, "claude-sonnet-4-5-20250929")
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/outreach
log:
  level: debug
  format: console
outreach:
  max_concurrent_campaigns: 10
  email_provider: sendgrid
  per_minute:
    email: 60
    linkedin_dm: 5
pricing:
  anthropic:
    claude-custom:
      input: 1
      output: 2
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/outreach", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 10, cfg.Outreach.MaxConcurrentCampaigns)
	assert.Equal(t, "sendgrid", cfg.Outreach.EmailProvider)
	assert.Equal(t, 60, cfg.Outreach.PerMinute["email"])
	assert.Equal(t, 5, cfg.Outreach.PerMinute["linkedin_dm"])
	// Defaults still apply for unset values
	assert.Equal(t, 100, cfg.Outreach.PerTickLimit)
	// Custom models extend the default pricing table
	assert.InDelta(t, 2.0, cfg.Pricing.Anthropic["claude-custom"].Output, 1e-9)
	assert.Contains(t, cfg.Pricing.Anthropic, "claude-sonnet-4-5-20250929")
	assert.InDelta(t, 1.0, cfg.Pricing.Perplexity.PerMTok, 1e-9)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("OUTREACH_STORE_DRIVER", "sqlite")
	t.Setenv("OUTREACH_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("OUTREACH_SERVER_PORT", "3000")
	t.Setenv("OUTREACH_ANTHROPIC_KEY", "sk-ant-env")
	t.Setenv("OUTREACH_RESEARCH_CONCURRENCY", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "sk-ant-env", cfg.Anthropic.Key)
	assert.Equal(t, 7, cfg.Research.Concurrency)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestLoadFile(t *testing.T) {
	chdirTemp(t)
	path := filepath.Join(t.TempDir(), "staging.yml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\noutreach:\n  per_tick_limit: 40\n"), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 40, cfg.Outreach.PerTickLimit)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
}

func TestLoadFileMissing(t *testing.T) {
	chdirTemp(t)
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = "outreach.db"
	cfg.Server.Port = 8080
	cfg.Outreach.MaxConcurrentCampaigns = 5
	cfg.Outreach.PerTickLimit = 100
	cfg.Outreach.RetryMaxAttempts = 5
	cfg.Outreach.EmailProvider = "smtp"
	cfg.SMTP.Host = "smtp.example.com"
	cfg.SMTP.FromAddress = "ops@example.com"
	cfg.Research.ItemsPerTick = 25
	cfg.Research.Concurrency = 3
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Monitoring.FailureRateThreshold = 0.2
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{ModeServe, ModeTick, ModeMigrate, ModeCLI} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_Store(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"
	err := cfg.Validate(ModeMigrate)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/outreach"
	assert.NoError(t, cfg.Validate(ModeMigrate))

	cfg.Store.Driver = "mysql"
	err = cfg.Validate(ModeCLI)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate(ModeServe)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateServe_MonitoringThresholds(t *testing.T) {
	cfg := validDefaults()
	cfg.Monitoring.FailureRateThreshold = 1.5
	cfg.Monitoring.CostThresholdUSD = -1

	err := cfg.Validate(ModeServe)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failure_rate_threshold")
	assert.Contains(t, err.Error(), "cost_threshold_usd")
}

func TestValidateTick_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = ""
	cfg.SMTP.Host = ""

	err := cfg.Validate(ModeTick)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
	assert.Contains(t, err.Error(), "smtp.host and smtp.from_address are required")

	// serve does not send or research
	assert.NoError(t, cfg.Validate(ModeServe))
}

func TestValidateTick_EmailProvider(t *testing.T) {
	cfg := validDefaults()
	cfg.Outreach.EmailProvider = "sendgrid"
	err := cfg.Validate(ModeTick)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sendgrid.key and sendgrid.from_address are required")

	cfg.SendGrid.Key = "SG.key"
	cfg.SendGrid.FromAddress = "ops@example.com"
	assert.NoError(t, cfg.Validate(ModeTick))

	cfg.Outreach.EmailProvider = "mailgun"
	err = cfg.Validate(ModeTick)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email_provider must be smtp or sendgrid")
}

func TestValidateTick_LinkedInNeedsAccount(t *testing.T) {
	cfg := validDefaults()
	cfg.LinkedIn.Key = "li-key"

	err := cfg.Validate(ModeTick)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "linkedin.account_id is required")

	cfg.LinkedIn.AccountID = "acct-1"
	assert.NoError(t, cfg.Validate(ModeTick))
}

func TestValidateTick_ConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Outreach.MaxConcurrentCampaigns = 0
	err := cfg.Validate(ModeTick)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_campaigns must be between 1 and 50")

	cfg.Outreach.MaxConcurrentCampaigns = 51
	assert.Error(t, cfg.Validate(ModeTick))

	cfg.Outreach.MaxConcurrentCampaigns = 50
	cfg.Research.Concurrency = 21
	err = cfg.Validate(ModeTick)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "research.concurrency must be between 1 and 20")

	cfg.Research.Concurrency = 20
	assert.NoError(t, cfg.Validate(ModeTick))
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
