package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/credits"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/dispatch"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/jobs"
)

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
}

func printSummary(out io.Writer, summary jobs.Summary) error {
	mode := "apply"
	switch {
	case summary.DryRun:
		mode = "dry-run"
	case summary.Fix:
		mode = "fix"
	}
	table := newTable(out)
	fmt.Fprintln(table, "JOB\tRUN\tMODE\tSELECTED\tPROCESSED\tSKIPPED\tFAILED")
	fmt.Fprintf(table, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
		summary.Job, summary.RunID, mode, summary.Selected, summary.Processed, summary.Skipped, summary.Failed)
	if err := table.Flush(); err != nil {
		return err
	}
	if len(summary.Preview) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	table = newTable(out)
	fmt.Fprintln(table, "PROGRESS\tPARTICIPANT\tQUESTION\tMESSAGE\tACTION\tDETAIL")
	for _, row := range summary.Preview {
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%s\t%s\n",
			idOrDash(row.ProgressID), idOrDash(row.ParticipantID), idOrDash(row.QuestionID), idOrDash(row.MessageID),
			row.Action, singleLine(row.Detail))
	}
	return table.Flush()
}

func printReconcile(out io.Writer, report jobs.ReconcileReport) error {
	if err := printSummary(out, report.Summary); err != nil {
		return err
	}
	if len(report.Drifts) > 0 {
		fmt.Fprintln(out)
		table := newTable(out)
		fmt.Fprintln(table, "PROGRESS\tPARTICIPANT\tSTORED\tACTUAL\tPENDING\tKIND")
		for _, drift := range report.Drifts {
			fmt.Fprintf(table, "%d\t%d\t%d\t%d\t%d\t%s\n",
				drift.ProgressID, drift.ParticipantID, drift.Stored, drift.Actual, drift.Pending, drift.Kind)
		}
		if err := table.Flush(); err != nil {
			return err
		}
	}
	if len(report.Clusters) > 0 {
		fmt.Fprintln(out)
		table := newTable(out)
		fmt.Fprintln(table, "PROGRESS\tQUESTION\tDUPLICATE REMINDERS")
		for _, cluster := range report.Clusters {
			fmt.Fprintf(table, "%d\t%d\t%s\n", cluster.ProgressID, cluster.QuestionID, joinIDs(cluster.MessageIDs))
		}
		return table.Flush()
	}
	return nil
}

func printDuplicates(out io.Writer, report jobs.DuplicateReport) error {
	if err := printSummary(out, report.Summary); err != nil {
		return err
	}
	if len(report.Sets) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	table := newTable(out)
	fmt.Fprintln(table, "PARTICIPANT\tKEEP\tDELETE")
	for _, set := range report.Sets {
		fmt.Fprintf(table, "%d\t%d\t%s\n", set.ParticipantID, set.KeepID, joinIDs(set.DeleteIDs))
	}
	return table.Flush()
}

func printDispatch(out io.Writer, report dispatch.Report) error {
	table := newTable(out)
	fmt.Fprintln(table, "BATCHES\tSELECTED\tSENT\tRETRYING\tFAILED\tSKIPPED")
	fmt.Fprintf(table, "%d\t%d\t%d\t%d\t%d\t%d\n",
		report.Batches, report.Selected, report.Sent, report.Retrying, report.Failed, report.Skipped)
	return table.Flush()
}

func printPoll(out io.Writer, report dispatch.PollReport) error {
	table := newTable(out)
	fmt.Fprintln(table, "SELECTED\tUPDATED\tSKIPPED\tFAILED")
	fmt.Fprintf(table, "%d\t%d\t%d\t%d\n", report.Selected, report.Updated, report.Skipped, report.Failed)
	return table.Flush()
}

func printLedger(out io.Writer, entries []credits.LedgerEntry) error {
	table := newTable(out)
	fmt.Fprintln(table, "ID\tTYPE\tAMOUNT\tBEFORE\tAFTER\tREASON\tMESSAGE\tAT")
	for _, entry := range entries {
		message := "-"
		if entry.MessageRecordID != nil {
			message = fmt.Sprintf("%d", *entry.MessageRecordID)
		}
		fmt.Fprintf(table, "%d\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			entry.ID, entry.Type, entry.Amount, entry.BalanceBefore, entry.BalanceAfter, entry.Reason, message,
			time.Unix(entry.CreatedAtSeconds, 0).UTC().Format(time.RFC3339))
	}
	return table.Flush()
}

func printAudit(out io.Writer, report credits.AuditReport) error {
	table := newTable(out)
	fmt.Fprintln(table, "ENTRIES\tSTORED\tDERIVED\tBREAKS\tCONSISTENT")
	fmt.Fprintf(table, "%d\t%d\t%d\t%d\t%t\n",
		report.Entries, report.StoredBalance, report.DerivedBalance, len(report.Breaks), report.Consistent())
	if err := table.Flush(); err != nil {
		return err
	}
	if len(report.Breaks) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	table = newTable(out)
	fmt.Fprintln(table, "ENTRY\tPREVIOUS AFTER\tBEFORE\tEXPECTED AFTER\tAFTER")
	for _, chainBreak := range report.Breaks {
		fmt.Fprintf(table, "%d\t%d\t%d\t%d\t%d\n",
			chainBreak.EntryID, chainBreak.PreviousAfter, chainBreak.ActualBefore, chainBreak.ExpectedAfter, chainBreak.ActualAfter)
	}
	return table.Flush()
}

func idOrDash(id uint) string {
	if id == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", id)
}

func joinIDs(ids []uint) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%d", id))
	}
	return strings.Join(parts, ",")
}

func singleLine(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
