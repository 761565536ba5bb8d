package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/jobs"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"github.com/spf13/cobra"
)

type jobFlags struct {
	dryRun   bool
	fix      bool
	limit    int
	surveyID uint
	groupID  uint
	actor    string
	since    string
}

type jobFlagSet uint8

const (
	withScope jobFlagSet = 1 << iota
	withGroup
	withFix
	withActor
	withSince
)

func addJobFlags(cmd *cobra.Command, flags *jobFlags, set jobFlagSet) {
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Report what would happen without writing")
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "Maximum candidates for this run (0 selects the job default)")
	if set&withScope != 0 {
		cmd.Flags().UintVar(&flags.surveyID, "survey", 0, "Survey id")
	}
	if set&withGroup != 0 {
		cmd.Flags().UintVar(&flags.groupID, "group", 0, "Member group id")
	}
	if set&withFix != 0 {
		cmd.Flags().BoolVar(&flags.fix, "fix", false, "Apply repairs instead of reporting them")
	}
	if set&withActor != 0 {
		cmd.Flags().StringVar(&flags.actor, "actor", "", "Provenance recorded on created or amended rows (defaults per job)")
	}
	if set&withSince != 0 {
		cmd.Flags().StringVar(&flags.since, "since", "", "Reminder watermark: RFC 3339 time, date or duration ago (required)")
		_ = cmd.MarkFlagRequired("since")
	}
}

func (f jobFlags) options(now time.Time) (jobs.Options, error) {
	options := jobs.Options{
		DryRun:   f.dryRun,
		Fix:      f.fix,
		Limit:    f.limit,
		SurveyID: f.surveyID,
		GroupID:  f.groupID,
	}
	if strings.TrimSpace(f.actor) != "" {
		actor, err := messages.ParseProvenance(f.actor)
		if err != nil {
			return jobs.Options{}, err
		}
		options.Actor = actor
	}
	if strings.TrimSpace(f.since) != "" {
		since, err := parseSince(f.since, now)
		if err != nil {
			return jobs.Options{}, err
		}
		options.Since = &since
	}
	return options, nil
}

// parseSince accepts an RFC 3339 timestamp, a YYYY-MM-DD date, or a duration counted back from now.
func parseSince(raw string, now time.Time) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed.UTC(), nil
	}
	if parsed, err := time.Parse(time.DateOnly, value); err == nil {
		return parsed.UTC(), nil
	}
	if duration, err := time.ParseDuration(value); err == nil && duration > 0 {
		return now.Add(-duration).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid --since %q: want RFC 3339 time, date or positive duration", raw)
}

type summaryJob func(ctx context.Context, engine *jobs.Engine, options jobs.Options) (jobs.Summary, error)

func (c *cli) summaryCommand(use, short string, set jobFlagSet, run summaryJob) *cobra.Command {
	var flags jobFlags
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			options, err := flags.options(time.Now())
			if err != nil {
				return err
			}
			app, err := c.open()
			if err != nil {
				return err
			}
			defer app.close()

			summary, err := run(cmd.Context(), app.engine, options)
			if err != nil {
				return err
			}
			return printSummary(cmd.OutOrStdout(), summary)
		},
	}
	addJobFlags(cmd, &flags, set)
	return cmd
}

func (c *cli) initializeCommand() *cobra.Command {
	return c.summaryCommand("initialize", "Invite uninvited participants to a survey", withScope|withGroup|withActor,
		func(ctx context.Context, engine *jobs.Engine, options jobs.Options) (jobs.Summary, error) {
			return engine.Initialize(ctx, options)
		})
}

func (c *cli) advanceCommand() *cobra.Command {
	return c.summaryCommand("advance", "Move responded participants to their next question", withScope|withGroup,
		func(ctx context.Context, engine *jobs.Engine, options jobs.Options) (jobs.Summary, error) {
			return engine.Advance(ctx, options)
		})
}

func (c *cli) remindCommand() *cobra.Command {
	return c.summaryCommand("remind", "Re-send the current question to silent participants", withScope|withGroup,
		func(ctx context.Context, engine *jobs.Engine, options jobs.Options) (jobs.Summary, error) {
			return engine.Remind(ctx, options)
		})
}

func (c *cli) resumeRemindersCommand() *cobra.Command {
	return c.summaryCommand("resume-reminders", "Remind silent participants that have no reminder at or after --since", withScope|withGroup|withSince,
		func(ctx context.Context, engine *jobs.Engine, options jobs.Options) (jobs.Summary, error) {
			return engine.ResumeReminders(ctx, options)
		})
}

func (c *cli) retryFailedCommand() *cobra.Command {
	return c.summaryCommand("retry-failed", "Re-queue the first message of participants whose messages all failed", withScope|withGroup|withActor,
		func(ctx context.Context, engine *jobs.Engine, options jobs.Options) (jobs.Summary, error) {
			return engine.RetryFailed(ctx, options)
		})
}

func (c *cli) cleanupRemindersCommand() *cobra.Command {
	return c.summaryCommand("cleanup-reminders", "Delete duplicate pending reminders", withScope|withGroup|withFix,
		func(ctx context.Context, engine *jobs.Engine, options jobs.Options) (jobs.Summary, error) {
			return engine.CleanupReminders(ctx, options)
		})
}

func (c *cli) reconcileCommand() *cobra.Command {
	var flags jobFlags
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare reminder counters with the message ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			options, err := flags.options(time.Now())
			if err != nil {
				return err
			}
			app, err := c.open()
			if err != nil {
				return err
			}
			defer app.close()

			report, err := app.engine.Reconcile(cmd.Context(), options)
			if err != nil {
				return err
			}
			return printReconcile(cmd.OutOrStdout(), report)
		},
	}
	addJobFlags(cmd, &flags, withScope|withGroup|withFix)
	return cmd
}

func (c *cli) dedupeCommand() *cobra.Command {
	var flags jobFlags
	cmd := &cobra.Command{
		Use:   "dedupe",
		Short: "Collapse duplicate progress records for a survey",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			options, err := flags.options(time.Now())
			if err != nil {
				return err
			}
			app, err := c.open()
			if err != nil {
				return err
			}
			defer app.close()

			report, err := app.engine.ResolveDuplicates(cmd.Context(), options)
			if err != nil {
				return err
			}
			return printDuplicates(cmd.OutOrStdout(), report)
		},
	}
	addJobFlags(cmd, &flags, withScope|withGroup|withFix)
	return cmd
}

func (c *cli) redoCommand() *cobra.Command {
	var request jobs.RedoRequest
	cmd := &cobra.Command{
		Use:   "redo",
		Short: "Restart a participant's survey from the first question",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.open()
			if err != nil {
				return err
			}
			defer app.close()

			outcome, err := app.engine.Redo(cmd.Context(), request)
			if err != nil {
				return err
			}
			if err := printSummary(cmd.OutOrStdout(), outcome.Summary); err != nil {
				return err
			}
			if !request.DryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "\nprogress %d started with message %d; cancelled [%s]\n",
					outcome.ProgressID, outcome.MessageID, joinIDs(outcome.CancelledIDs))
			}
			return nil
		},
	}
	cmd.Flags().UintVar(&request.SurveyID, "survey", 0, "Survey id (required)")
	cmd.Flags().UintVar(&request.ParticipantID, "participant", 0, "Participant id (required)")
	cmd.Flags().BoolVar(&request.DryRun, "dry-run", false, "Report what would happen without writing")
	return cmd
}

func (c *cli) recordResponseCommand() *cobra.Command {
	var (
		response jobs.InboundResponse
		channel  string
	)
	cmd := &cobra.Command{
		Use:   "record-response",
		Short: "Store an inbound answer and flag the participant's open record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(channel) != "" {
				parsed, err := messages.ParseChannel(channel)
				if err != nil {
					return err
				}
				response.Channel = parsed
			}
			app, err := c.open()
			if err != nil {
				return err
			}
			defer app.close()

			outcome, err := app.engine.RecordResponse(cmd.Context(), response)
			if err != nil {
				return err
			}
			table := newTable(cmd.OutOrStdout())
			fmt.Fprintln(table, "MESSAGE\tPARTICIPANT\tPROGRESS\tMARKED")
			fmt.Fprintf(table, "%d\t%d\t%s\t%t\n", outcome.MessageID, outcome.ParticipantID, idOrDash(outcome.ProgressID), outcome.Marked)
			return table.Flush()
		},
	}
	cmd.Flags().UintVar(&response.ParticipantID, "participant", 0, "Participant id")
	cmd.Flags().StringVar(&response.PhoneNumber, "phone", "", "Sender phone number when the participant id is unknown")
	cmd.Flags().StringVar(&response.Message, "message", "", "Answer text (required)")
	cmd.Flags().StringVar(&channel, "channel", "", "Channel the answer arrived on (sms, whatsapp, ussd)")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}
