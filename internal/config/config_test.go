package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(testContext *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.Path != defaultDatabasePath {
		testContext.Fatalf("unexpected database defaults %+v", cfg.Database)
	}
	if !cfg.Messages.Enabled {
		testContext.Fatalf("expected messages enabled by default")
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		testContext.Fatalf("unexpected log defaults %q %q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.Gateway.Kind != "sandbox" || cfg.Gateway.Timeout != defaultGatewayTimeout {
		testContext.Fatalf("unexpected transport defaults %+v", cfg.Gateway)
	}
	if cfg.Dispatch.BatchSize != 10 || cfg.Dispatch.MaxAttempts != 3 || cfg.Dispatch.PollWindow != 72*time.Hour {
		testContext.Fatalf("unexpected dispatch defaults %+v", cfg.Dispatch)
	}
	if cfg.Jobs.GracePeriod != 24*time.Hour || cfg.Jobs.MaxReminders != 3 || cfg.Jobs.BatchCeiling != 500 {
		testContext.Fatalf("unexpected job defaults %+v", cfg.Jobs)
	}
	if cfg.Token.TTL != defaultTokenTTL || cfg.Token.Issuer == "" || cfg.Token.Audience == "" {
		testContext.Fatalf("unexpected token defaults %+v", cfg.Token)
	}
	if cfg.Schedule.Advance == "" || cfg.Schedule.Initialize != "" {
		testContext.Fatalf("unexpected schedule defaults %+v", cfg.Schedule)
	}
}

func TestLoadReadsEnvironment(testContext *testing.T) {
	testContext.Setenv("SURVEY_MESSAGES_ENABLED", "false")
	testContext.Setenv("SURVEY_DISPATCH_BATCH_SIZE", "25")
	testContext.Setenv("SURVEY_JOBS_GRACE_PERIOD", "36h")
	testContext.Setenv("SURVEY_DATABASE_DRIVER", "Postgres")
	testContext.Setenv("SURVEY_DATABASE_DSN", "host=localhost dbname=surveys")

	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if cfg.Messages.Enabled {
		testContext.Fatalf("expected kill switch off")
	}
	if cfg.Dispatch.BatchSize != 25 {
		testContext.Fatalf("expected batch size 25, got %d", cfg.Dispatch.BatchSize)
	}
	if cfg.Jobs.GracePeriod != 36*time.Hour {
		testContext.Fatalf("expected 36h grace period, got %s", cfg.Jobs.GracePeriod)
	}
	if cfg.Database.Driver != "postgres" {
		testContext.Fatalf("expected normalized driver, got %q", cfg.Database.Driver)
	}
}

func TestLoadValidation(testContext *testing.T) {
	testCases := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "unknown driver", env: map[string]string{"SURVEY_DATABASE_DRIVER": "mysql"}, wantErr: "database.driver"},
		{name: "postgres without dsn", env: map[string]string{"SURVEY_DATABASE_DRIVER": "postgres"}, wantErr: "database.dsn"},
		{name: "gateway without url", env: map[string]string{"SURVEY_TRANSPORT_KIND": "gateway", "SURVEY_TRANSPORT_API_KEY": "k"}, wantErr: "transport.base_url"},
		{name: "gateway without key", env: map[string]string{"SURVEY_TRANSPORT_KIND": "gateway", "SURVEY_TRANSPORT_BASE_URL": "https://sms.example.com"}, wantErr: "transport.api_key"},
		{name: "unknown transport", env: map[string]string{"SURVEY_TRANSPORT_KIND": "pigeon"}, wantErr: "transport.kind"},
		{name: "zero batch", env: map[string]string{"SURVEY_DISPATCH_BATCH_SIZE": "0"}, wantErr: "dispatch.batch_size"},
		{name: "zero grace", env: map[string]string{"SURVEY_JOBS_GRACE_PERIOD": "0s"}, wantErr: "jobs.grace_period"},
		{name: "bad timezone", env: map[string]string{"SURVEY_SCHEDULE_TIMEZONE": "Mars/Olympus"}, wantErr: "schedule.timezone"},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			for key, value := range testCase.env {
				t.Setenv(key, value)
			}
			_, err := Load(NewViper())
			if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
				t.Fatalf("expected error containing %q, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestRequireTokenSecret(testContext *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.RequireTokenSecret(); err == nil {
		testContext.Fatalf("expected missing secret error")
	}
	cfg.Token.SigningSecret = "secret"
	if err := cfg.RequireTokenSecret(); err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadDotEnvDoesNotOverrideEnvironment(testContext *testing.T) {
	dir := testContext.TempDir()
	path := filepath.Join(dir, ".env")
	contents := "SURVEY_DISPATCH_MAX_ATTEMPTS=7\nSURVEY_LOG_LEVEL=debug\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		testContext.Fatalf("failed to write env file: %v", err)
	}
	testContext.Setenv("SURVEY_LOG_LEVEL", "warn")
	testContext.Setenv("SURVEY_DISPATCH_MAX_ATTEMPTS", "")
	os.Unsetenv("SURVEY_DISPATCH_MAX_ATTEMPTS")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if cfg.Dispatch.MaxAttempts != 7 {
		testContext.Fatalf("expected max attempts from .env, got %d", cfg.Dispatch.MaxAttempts)
	}
	if cfg.LogLevel != "warn" {
		testContext.Fatalf("expected process env to win, got %q", cfg.LogLevel)
	}
}
