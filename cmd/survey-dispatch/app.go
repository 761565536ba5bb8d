package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/auth"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/catalog"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/config"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/credits"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/database"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/dispatch"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/jobs"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/logging"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/members"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/progress"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/transport"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application holds the wired stores and services for one command invocation.
type application struct {
	cfg      config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	flags    jobs.StaticFlags
	credits  *credits.Account
	ledger   *messages.Ledger
	catalog  *catalog.Catalog
	members  *members.Directory
	progress *progress.Store
	engine   *jobs.Engine
}

func (c *cli) open() (*application, error) {
	cfg, err := config.Load(c.viper)
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Config{
		Driver: cfg.Database.Driver,
		Path:   cfg.Database.Path,
		DSN:    cfg.Database.DSN,
	}, logger)
	if err != nil {
		return nil, err
	}

	app := &application{
		cfg:    cfg,
		logger: logger,
		db:     db,
		flags:  jobs.StaticFlags{Messages: cfg.Messages.Enabled},
	}
	if err := app.wire(); err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

func (a *application) wire() error {
	var err error
	if a.credits, err = credits.NewAccount(credits.AccountConfig{Database: a.db, Logger: a.logger}); err != nil {
		return err
	}
	if a.ledger, err = messages.NewLedger(messages.LedgerConfig{Database: a.db, Credits: a.credits, Logger: a.logger}); err != nil {
		return err
	}
	if a.catalog, err = catalog.New(a.db); err != nil {
		return err
	}
	if a.members, err = members.NewDirectory(a.db); err != nil {
		return err
	}
	if a.progress, err = progress.NewStore(a.db); err != nil {
		return err
	}
	a.engine, err = jobs.NewEngine(jobs.EngineConfig{
		Database:  a.db,
		Ledger:    a.ledger,
		Credits:   a.credits,
		Catalog:   a.catalog,
		Members:   a.members,
		Progress:  a.progress,
		Formatter: catalog.PlainFormatter{ReminderPrefix: a.cfg.Jobs.ReminderPrefix},
		Flags:     a.flags,
		ReminderPolicy: progress.ReminderPolicy{
			GracePeriod:  a.cfg.Jobs.GracePeriod,
			MaxReminders: a.cfg.Jobs.MaxReminders,
		},
		BatchCeiling:   a.cfg.Jobs.BatchCeiling,
		RetryCeiling:   a.cfg.Jobs.RetryCeiling,
		CreditPrecheck: a.cfg.Jobs.CreditPrecheck,
		Logger:         a.logger,
	})
	return err
}

func (a *application) transport() (dispatch.Transport, error) {
	switch a.cfg.Gateway.Kind {
	case "gateway":
		return transport.NewGateway(transport.GatewayConfig{
			BaseURL:  a.cfg.Gateway.BaseURL,
			APIKey:   a.cfg.Gateway.APIKey,
			SenderID: a.cfg.Gateway.SenderID,
			Timeout:  a.cfg.Gateway.Timeout,
			Logger:   a.logger,
		})
	case "sandbox":
		return transport.NewSandbox(a.logger), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", a.cfg.Gateway.Kind)
	}
}

func (a *application) dispatchConfig() (dispatch.Config, error) {
	sender, err := a.transport()
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Ledger:      a.ledger,
		Transport:   sender,
		Flags:       a.flags,
		BatchSize:   a.cfg.Dispatch.BatchSize,
		MaxAttempts: a.cfg.Dispatch.MaxAttempts,
		Logger:      a.logger,
	}, nil
}

func newTokenIssuer(cfg config.AppConfig) (*auth.TokenIssuer, error) {
	if err := cfg.RequireTokenSecret(); err != nil {
		return nil, err
	}
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.Token.SigningSecret),
		Issuer:        cfg.Token.Issuer,
		Audience:      cfg.Token.Audience,
		TokenTTL:      cfg.Token.TTL,
	})
}

func (a *application) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.logger.Sync()
}
