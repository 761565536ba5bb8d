package main

import (
	"time"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/dispatch"
	"github.com/spf13/cobra"
)

func (c *cli) dispatchCommand() *cobra.Command {
	var batches int
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Send pending outbound messages through the configured transport",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.open()
			if err != nil {
				return err
			}
			defer app.close()

			cfg, err := app.dispatchConfig()
			if err != nil {
				return err
			}
			dispatcher, err := dispatch.New(cfg)
			if err != nil {
				return err
			}
			report, err := dispatcher.Run(cmd.Context(), batches)
			if err != nil {
				return err
			}
			return printDispatch(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().IntVar(&batches, "batches", 1, "Number of batches to drain in this run")
	return cmd
}

func (c *cli) pollDeliveryCommand() *cobra.Command {
	var (
		limit  int
		window time.Duration
	)
	cmd := &cobra.Command{
		Use:   "poll-delivery",
		Short: "Fetch delivery receipts for sent messages that have none",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.open()
			if err != nil {
				return err
			}
			defer app.close()

			cfg, err := app.dispatchConfig()
			if err != nil {
				return err
			}
			poller, err := dispatch.NewPoller(cfg)
			if err != nil {
				return err
			}
			if limit == 0 {
				limit = app.cfg.Dispatch.PollLimit
			}
			if window == 0 {
				window = app.cfg.Dispatch.PollWindow
			}
			report, err := poller.Poll(cmd.Context(), limit, window)
			if err != nil {
				return err
			}
			return printPoll(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum messages to poll (0 uses the configured limit)")
	cmd.Flags().DurationVar(&window, "window", 0, "Only poll messages sent within this window (0 uses the configured window)")
	return cmd
}
