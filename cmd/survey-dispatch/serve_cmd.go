package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/config"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/dispatch"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/scheduler"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func (c *cli) serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway webhook API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runServer(cmd.Context())
		},
	}
	cmd.Flags().String("http-address", config.NewViper().GetString("http.address"), "HTTP listen address")
	if err := c.viper.BindPFlag("http.address", cmd.Flags().Lookup("http-address")); err != nil {
		panic(err)
	}
	return cmd
}

func (c *cli) runServer(ctx context.Context) error {
	app, err := c.open()
	if err != nil {
		return err
	}
	defer app.close()

	issuer, err := newTokenIssuer(app.cfg)
	if err != nil {
		return err
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:         issuer,
		Responses:      app.engine,
		Deliveries:     app.ledger,
		Credits:        app.credits,
		AllowedOrigins: app.cfg.HTTP.AllowedOrigins,
		Logger:         app.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              app.cfg.HTTP.Address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting", zap.String("address", app.cfg.HTTP.Address))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (c *cli) scheduleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run the survey jobs on their cron schedules until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.open()
			if err != nil {
				return err
			}
			defer app.close()

			dispatchCfg, err := app.dispatchConfig()
			if err != nil {
				return err
			}
			dispatcher, err := dispatch.New(dispatchCfg)
			if err != nil {
				return err
			}
			poller, err := dispatch.NewPoller(dispatchCfg)
			if err != nil {
				return err
			}
			location, err := time.LoadLocation(app.cfg.Schedule.Timezone)
			if err != nil {
				return err
			}

			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			schedule := app.cfg.Schedule
			tasks := scheduler.BuildTasks(scheduler.Schedule{
				Initialize:       schedule.Initialize,
				InitializeSurvey: schedule.InitializeSurvey,
				Advance:          schedule.Advance,
				Remind:           schedule.Remind,
				Dispatch:         schedule.Dispatch,
				DispatchBatches:  schedule.DispatchBatches,
				PollDelivery:     schedule.PollDelivery,
				PollLimit:        app.cfg.Dispatch.PollLimit,
				PollWindow:       app.cfg.Dispatch.PollWindow,
				RetryFailed:      schedule.RetryFailed,
				Reconcile:        schedule.Reconcile,
			}, app.engine, dispatcher, poller, app.logger)

			runner, err := scheduler.New(signalCtx, scheduler.Config{Location: location, Tasks: tasks, Logger: app.logger})
			if err != nil {
				return err
			}
			return runner.Run(signalCtx)
		},
	}
}

func (c *cli) issueGatewayTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "issue-gateway-token",
		Short: "Sign a bearer token the SMS gateway presents on webhook calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.viper)
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(cfg)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueGatewayToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %s\n", time.Duration(expiresIn)*time.Second)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "sms-gateway", "Gateway name embedded in the token subject")
	return cmd
}
