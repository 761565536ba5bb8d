package jobs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/progress"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/testutil"
)

type sequenceIDs struct {
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("run-%d", s.next), nil
}

func newTestEngine(testContext *testing.T, stack *testutil.Stack, mutators ...func(*EngineConfig)) *Engine {
	testContext.Helper()

	cfg := EngineConfig{
		Database:   stack.DB,
		Ledger:     stack.Ledger,
		Credits:    stack.Credits,
		Catalog:    stack.Catalog,
		Members:    stack.Members,
		Progress:   stack.Progress,
		Flags:      StaticFlags{Messages: true},
		Clock:      stack.Clock.Now,
		IDProvider: &sequenceIDs{},
	}
	for _, mutate := range mutators {
		mutate(&cfg)
	}
	engine, err := NewEngine(cfg)
	if err != nil {
		testContext.Fatalf("failed to construct engine: %v", err)
	}
	return engine
}

func expectJobError(testContext *testing.T, err error, target error, code string) {
	testContext.Helper()

	if !errors.Is(err, target) {
		testContext.Fatalf("expected %v, got %v", target, err)
	}
	var jobErr *JobError
	if !errors.As(err, &jobErr) {
		testContext.Fatalf("expected *JobError, got %T", err)
	}
	if jobErr.Code() != code {
		testContext.Fatalf("expected code %s, got %s", code, jobErr.Code())
	}
}

func expectCounts(testContext *testing.T, summary Summary, processed, skipped, failed int) {
	testContext.Helper()

	if summary.Processed != processed || summary.Skipped != skipped || summary.Failed != failed {
		testContext.Fatalf("expected processed=%d skipped=%d failed=%d, got processed=%d skipped=%d failed=%d",
			processed, skipped, failed, summary.Processed, summary.Skipped, summary.Failed)
	}
}

// seedWaitingRecord creates an ACTIVE, unanswered record last dispatched at dispatchedAt.
func seedWaitingRecord(testContext *testing.T, stack *testutil.Stack, surveyID, participantID, questionID uint, dispatchedAt time.Time, reminders uint) progress.Record {
	testContext.Helper()

	record := progress.Start(surveyID, participantID, questionID, messages.ChannelSMS, messages.ProvenanceCommand, dispatchedAt)
	record.NumberOfReminders = reminders
	return stack.SeedProgress(testContext, record)
}

func loadProgress(testContext *testing.T, stack *testutil.Stack, id uint) progress.Record {
	testContext.Helper()

	record, err := progress.Load(stack.DB, id)
	if err != nil {
		testContext.Fatalf("failed to load progress %d: %v", id, err)
	}
	return record
}

func outboundPending(records []messages.Record) []messages.Record {
	var pending []messages.Record
	for _, record := range records {
		if record.Direction == messages.DirectionOutbound && record.Status == messages.StatusPending {
			pending = append(pending, record)
		}
	}
	return pending
}
