package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix              = "SURVEY"
	defaultDatabaseDriver  = "sqlite"
	defaultDatabasePath    = "surveys.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultTransportKind   = "sandbox"
	defaultGatewayTimeout  = 15 * time.Second
	defaultBatchSize       = 10
	defaultMaxAttempts     = 3
	defaultPollLimit       = 100
	defaultPollWindow      = 72 * time.Hour
	defaultGracePeriod     = 24 * time.Hour
	defaultMaxReminders    = 3
	defaultBatchCeiling    = 500
	defaultRetryCeiling    = 500
	defaultTokenIssuer     = "survey-dispatch"
	defaultTokenAudience   = "survey-webhooks"
	defaultTokenTTL        = 30 * 24 * time.Hour
	defaultScheduleTZ      = "Africa/Nairobi"
	defaultAdvanceSpec     = "*/5 * * * *"
	defaultRemindSpec      = "0 9 * * *"
	defaultDispatchSpec    = "* * * * *"
	defaultPollSpec        = "*/15 * * * *"
	defaultRetrySpec       = "0 6 * * *"
	defaultReconcileSpec   = "30 2 * * *"
	defaultDispatchBatches = 6
)

var errUnknownTransport = errors.New("transport.kind must be sandbox or gateway")

// AppConfig captures runtime configuration for the CLI, the scheduler and the webhook API.
type AppConfig struct {
	LogLevel  string
	LogFormat string
	Database  DatabaseConfig
	Messages  MessagesConfig
	Dispatch  DispatchConfig
	Gateway   GatewayConfig
	Jobs      JobsConfig
	HTTP      HTTPConfig
	Token     TokenConfig
	Schedule  ScheduleConfig
}

type DatabaseConfig struct {
	Driver string
	Path   string
	DSN    string
}

// MessagesConfig holds the outbound kill switch.
type MessagesConfig struct {
	Enabled bool
}

type DispatchConfig struct {
	BatchSize   int
	MaxAttempts int
	PollLimit   int
	PollWindow  time.Duration
}

type GatewayConfig struct {
	Kind     string
	BaseURL  string
	APIKey   string
	SenderID string
	Timeout  time.Duration
}

type JobsConfig struct {
	GracePeriod    time.Duration
	MaxReminders   uint
	BatchCeiling   int
	RetryCeiling   int
	CreditPrecheck bool
	ReminderPrefix string
}

type HTTPConfig struct {
	Address        string
	AllowedOrigins []string
}

type TokenConfig struct {
	SigningSecret string
	Issuer        string
	Audience      string
	TTL           time.Duration
}

// ScheduleConfig holds cron expressions; an empty expression disables that job.
type ScheduleConfig struct {
	Timezone         string
	Initialize       string
	InitializeSurvey uint
	Advance          string
	Remind           string
	Dispatch         string
	DispatchBatches  int
	PollDelivery     string
	RetryFailed      string
	Reconcile        string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// LoadDotEnv reads variables from the given .env files into the process environment
// without overriding values that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("messages.enabled", true)
	configViper.SetDefault("dispatch.batch_size", defaultBatchSize)
	configViper.SetDefault("dispatch.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("dispatch.poll_limit", defaultPollLimit)
	configViper.SetDefault("dispatch.poll_window", defaultPollWindow)
	configViper.SetDefault("transport.kind", defaultTransportKind)
	configViper.SetDefault("transport.timeout", defaultGatewayTimeout)
	configViper.SetDefault("jobs.grace_period", defaultGracePeriod)
	configViper.SetDefault("jobs.max_reminders", defaultMaxReminders)
	configViper.SetDefault("jobs.batch_ceiling", defaultBatchCeiling)
	configViper.SetDefault("jobs.retry_ceiling", defaultRetryCeiling)
	configViper.SetDefault("jobs.credit_precheck", false)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("token.issuer", defaultTokenIssuer)
	configViper.SetDefault("token.audience", defaultTokenAudience)
	configViper.SetDefault("token.ttl", defaultTokenTTL)
	configViper.SetDefault("schedule.timezone", defaultScheduleTZ)
	configViper.SetDefault("schedule.advance", defaultAdvanceSpec)
	configViper.SetDefault("schedule.remind", defaultRemindSpec)
	configViper.SetDefault("schedule.dispatch", defaultDispatchSpec)
	configViper.SetDefault("schedule.dispatch_batches", defaultDispatchBatches)
	configViper.SetDefault("schedule.poll_delivery", defaultPollSpec)
	configViper.SetDefault("schedule.retry_failed", defaultRetrySpec)
	configViper.SetDefault("schedule.reconcile", defaultReconcileSpec)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		LogLevel:  configViper.GetString("log.level"),
		LogFormat: configViper.GetString("log.format"),
		Database: DatabaseConfig{
			Driver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			Path:   configViper.GetString("database.path"),
			DSN:    configViper.GetString("database.dsn"),
		},
		Messages: MessagesConfig{Enabled: configViper.GetBool("messages.enabled")},
		Dispatch: DispatchConfig{
			BatchSize:   configViper.GetInt("dispatch.batch_size"),
			MaxAttempts: configViper.GetInt("dispatch.max_attempts"),
			PollLimit:   configViper.GetInt("dispatch.poll_limit"),
			PollWindow:  configViper.GetDuration("dispatch.poll_window"),
		},
		Gateway: GatewayConfig{
			Kind:     strings.ToLower(strings.TrimSpace(configViper.GetString("transport.kind"))),
			BaseURL:  configViper.GetString("transport.base_url"),
			APIKey:   configViper.GetString("transport.api_key"),
			SenderID: configViper.GetString("transport.sender_id"),
			Timeout:  configViper.GetDuration("transport.timeout"),
		},
		Jobs: JobsConfig{
			GracePeriod:    configViper.GetDuration("jobs.grace_period"),
			MaxReminders:   configViper.GetUint("jobs.max_reminders"),
			BatchCeiling:   configViper.GetInt("jobs.batch_ceiling"),
			RetryCeiling:   configViper.GetInt("jobs.retry_ceiling"),
			CreditPrecheck: configViper.GetBool("jobs.credit_precheck"),
			ReminderPrefix: configViper.GetString("jobs.reminder_prefix"),
		},
		HTTP: HTTPConfig{
			Address:        configViper.GetString("http.address"),
			AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		},
		Token: TokenConfig{
			SigningSecret: configViper.GetString("token.signing_secret"),
			Issuer:        configViper.GetString("token.issuer"),
			Audience:      configViper.GetString("token.audience"),
			TTL:           configViper.GetDuration("token.ttl"),
		},
		Schedule: ScheduleConfig{
			Timezone:         configViper.GetString("schedule.timezone"),
			Initialize:       configViper.GetString("schedule.initialize"),
			InitializeSurvey: configViper.GetUint("schedule.initialize_survey"),
			Advance:          configViper.GetString("schedule.advance"),
			Remind:           configViper.GetString("schedule.remind"),
			Dispatch:         configViper.GetString("schedule.dispatch"),
			DispatchBatches:  configViper.GetInt("schedule.dispatch_batches"),
			PollDelivery:     configViper.GetString("schedule.poll_delivery"),
			RetryFailed:      configViper.GetString("schedule.retry_failed"),
			Reconcile:        configViper.GetString("schedule.reconcile"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	switch c.Gateway.Kind {
	case "sandbox":
	case "gateway":
		if strings.TrimSpace(c.Gateway.BaseURL) == "" {
			return fmt.Errorf("transport.base_url is required")
		}
		if strings.TrimSpace(c.Gateway.APIKey) == "" {
			return fmt.Errorf("transport.api_key is required")
		}
	default:
		return fmt.Errorf("%w, got %q", errUnknownTransport, c.Gateway.Kind)
	}
	if c.Dispatch.BatchSize <= 0 {
		return fmt.Errorf("dispatch.batch_size must be positive")
	}
	if c.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("dispatch.max_attempts must be positive")
	}
	if c.Jobs.GracePeriod <= 0 {
		return fmt.Errorf("jobs.grace_period must be positive")
	}
	if c.Jobs.BatchCeiling <= 0 || c.Jobs.RetryCeiling <= 0 {
		return fmt.Errorf("jobs.batch_ceiling and jobs.retry_ceiling must be positive")
	}
	if strings.TrimSpace(c.Schedule.Timezone) != "" {
		if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
			return fmt.Errorf("schedule.timezone: %w", err)
		}
	}
	return nil
}

// RequireTokenSecret reports an error when the webhook signing secret is unset. Only the
// serve and issue-gateway-token commands need it.
func (c AppConfig) RequireTokenSecret() error {
	if strings.TrimSpace(c.Token.SigningSecret) == "" {
		return fmt.Errorf("token.signing_secret is required")
	}
	return nil
}
