package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func (c *cli) creditsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and top up the shared credit balance",
	}
	cmd.AddCommand(c.creditsBalanceCommand(), c.creditsAddCommand(), c.creditsHistoryCommand(), c.creditsAuditCommand())
	return cmd
}

func (c *cli) creditsBalanceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Print the current balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.open()
			if err != nil {
				return err
			}
			defer app.close()

			balance, err := app.credits.Balance(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "balance %d\n", balance)
			return nil
		},
	}
}

func (c *cli) creditsAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add AMOUNT",
		Short: "Top up the balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[0], err)
			}
			app, err := c.open()
			if err != nil {
				return err
			}
			defer app.close()

			entry, err := app.credits.AddCredits(cmd.Context(), amount)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "balance %d -> %d\n", entry.BalanceBefore, entry.BalanceAfter)
			return nil
		},
	}
}

func (c *cli) creditsHistoryCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent ledger entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.open()
			if err != nil {
				return err
			}
			defer app.close()

			entries, err := app.credits.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printLedger(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to list")
	return cmd
}

func (c *cli) creditsAuditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Re-walk the ledger and check it reproduces the stored balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.open()
			if err != nil {
				return err
			}
			defer app.close()

			report, err := app.credits.Audit(cmd.Context())
			if err != nil {
				return err
			}
			if err := printAudit(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.Consistent() {
				return fmt.Errorf("credit ledger is inconsistent: %d breaks, stored %d, derived %d",
					len(report.Breaks), report.StoredBalance, report.DerivedBalance)
			}
			return nil
		},
	}
}
