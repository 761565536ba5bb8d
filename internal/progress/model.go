package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
)

// Status enumerates the lifecycle of a progress record.
type Status string

const (
	StatusActive          Status = "ACTIVE"
	StatusUpdatingDetails Status = "UPDATING_DETAILS"
	StatusCompleted       Status = "COMPLETED"
	StatusCancelled       Status = "CANCELLED"
)

// Open reports whether the record still takes part in the survey.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusUpdatingDetails
}

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ErrInvalidTransition indicates a transition the state machine does not allow.
var ErrInvalidTransition = errors.New("progress: invalid transition")

// Record is one participant's traversal of one survey.
type Record struct {
	ID                      uint                `gorm:"column:id;primaryKey;autoIncrement"`
	SurveyID                uint                `gorm:"column:survey_id;not null;index:idx_progress_survey_participant,priority:1"`
	ParticipantID           uint                `gorm:"column:participant_id;not null;index:idx_progress_survey_participant,priority:2"`
	Channel                 messages.Channel    `gorm:"column:channel;size:16;not null;default:'sms'"`
	CurrentQuestionID       *uint               `gorm:"column:current_question_id"`
	LastDispatchedAtSeconds *int64              `gorm:"column:last_dispatched_at_s;index"`
	HasResponded            bool                `gorm:"column:has_responded;not null;default:false"`
	NumberOfReminders       uint                `gorm:"column:number_of_reminders;not null;default:0"`
	Status                  Status              `gorm:"column:status;size:32;not null;index"`
	CompletedAtSeconds      *int64              `gorm:"column:completed_at_s"`
	Source                  messages.Provenance `gorm:"column:source;size:32;not null;default:'command'"`
	CreatedAtSeconds        int64               `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds        int64               `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "survey_progress"
}

// LastDispatchedAt returns the last dispatch time, or the zero time when never dispatched.
func (r Record) LastDispatchedAt() time.Time {
	if r.LastDispatchedAtSeconds == nil {
		return time.Time{}
	}
	return time.Unix(*r.LastDispatchedAtSeconds, 0).UTC()
}

// Start builds a fresh ACTIVE record pointing at the first question.
func Start(surveyID, participantID, firstQuestionID uint, channel messages.Channel, source messages.Provenance, now time.Time) Record {
	nowSeconds := now.UTC().Unix()
	questionID := firstQuestionID
	if channel == "" {
		channel = messages.ChannelSMS
	}
	return Record{
		SurveyID:                surveyID,
		ParticipantID:           participantID,
		Channel:                 channel,
		CurrentQuestionID:       &questionID,
		LastDispatchedAtSeconds: &nowSeconds,
		Status:                  StatusActive,
		Source:                  source,
		CreatedAtSeconds:        nowSeconds,
		UpdatedAtSeconds:        nowSeconds,
	}
}

// Advance moves an ACTIVE, answered record to the next question.
func Advance(record Record, nextQuestionID uint, now time.Time) (Record, error) {
	if record.Status != StatusActive {
		return record, transitionError(record.Status, "advance")
	}
	if !record.HasResponded {
		return record, fmt.Errorf("%w: record %d has no response to advance from", ErrInvalidTransition, record.ID)
	}
	nowSeconds := now.UTC().Unix()
	questionID := nextQuestionID
	record.CurrentQuestionID = &questionID
	record.LastDispatchedAtSeconds = &nowSeconds
	record.HasResponded = false
	record.UpdatedAtSeconds = nowSeconds
	return record, nil
}

// Repeat re-sends the current question of a recurring ACTIVE record.
func Repeat(record Record, now time.Time) (Record, error) {
	if record.Status != StatusActive {
		return record, transitionError(record.Status, "repeat")
	}
	nowSeconds := now.UTC().Unix()
	record.LastDispatchedAtSeconds = &nowSeconds
	record.HasResponded = false
	record.UpdatedAtSeconds = nowSeconds
	return record, nil
}

// Complete finishes an ACTIVE record.
func Complete(record Record, now time.Time) (Record, error) {
	if record.Status != StatusActive {
		return record, transitionError(record.Status, "complete")
	}
	nowSeconds := now.UTC().Unix()
	record.Status = StatusCompleted
	record.CompletedAtSeconds = &nowSeconds
	record.UpdatedAtSeconds = nowSeconds
	return record, nil
}

// Cancel terminates any non-terminal record.
func Cancel(record Record, now time.Time) (Record, error) {
	if record.Status.Terminal() {
		return record, transitionError(record.Status, "cancel")
	}
	record.Status = StatusCancelled
	record.UpdatedAtSeconds = now.UTC().Unix()
	return record, nil
}

// BeginDetailsUpdate parks an ACTIVE record while the participant updates their details.
func BeginDetailsUpdate(record Record, now time.Time) (Record, error) {
	if record.Status != StatusActive {
		return record, transitionError(record.Status, "begin details update")
	}
	record.Status = StatusUpdatingDetails
	record.UpdatedAtSeconds = now.UTC().Unix()
	return record, nil
}

// EndDetailsUpdate returns a parked record to ACTIVE.
func EndDetailsUpdate(record Record, now time.Time) (Record, error) {
	if record.Status != StatusUpdatingDetails {
		return record, transitionError(record.Status, "end details update")
	}
	record.Status = StatusActive
	record.UpdatedAtSeconds = now.UTC().Unix()
	return record, nil
}

// MarkResponded records that the participant answered the current question.
func MarkResponded(record Record, now time.Time) (Record, error) {
	if !record.Status.Open() {
		return record, transitionError(record.Status, "mark responded")
	}
	record.HasResponded = true
	record.UpdatedAtSeconds = now.UTC().Unix()
	return record, nil
}

// Remind stamps a reminder dispatch on an open record and bumps its counter.
func Remind(record Record, now time.Time) (Record, error) {
	if !record.Status.Open() {
		return record, transitionError(record.Status, "remind")
	}
	nowSeconds := now.UTC().Unix()
	record.LastDispatchedAtSeconds = &nowSeconds
	record.NumberOfReminders++
	record.UpdatedAtSeconds = nowSeconds
	return record, nil
}

// Reopen forces a record back to ACTIVE. It is a repair operation and ignores the
// regular lifecycle.
func Reopen(record Record, now time.Time) Record {
	record.Status = StatusActive
	record.CompletedAtSeconds = nil
	record.UpdatedAtSeconds = now.UTC().Unix()
	return record
}

func transitionError(from Status, action string) error {
	return fmt.Errorf("%w: cannot %s from %s", ErrInvalidTransition, action, from)
}

// ReminderPolicy decides when an unanswered record is due a reminder.
type ReminderPolicy struct {
	GracePeriod  time.Duration
	MaxReminders uint
}

// DefaultReminderPolicy waits a day between dispatches and allows three reminders.
func DefaultReminderPolicy() ReminderPolicy {
	return ReminderPolicy{GracePeriod: 24 * time.Hour, MaxReminders: 3}
}

// Cutoff is the dispatch time a record must predate to be eligible at now.
func (p ReminderPolicy) Cutoff(now time.Time) time.Time {
	return now.Add(-p.GracePeriod)
}

// Eligible reports whether record should receive a reminder at now.
func (p ReminderPolicy) Eligible(record Record, now time.Time) bool {
	if !record.Status.Open() || record.HasResponded || record.CompletedAtSeconds != nil {
		return false
	}
	if record.LastDispatchedAtSeconds == nil {
		return false
	}
	if record.NumberOfReminders >= p.MaxReminders {
		return false
	}
	return *record.LastDispatchedAtSeconds < p.Cutoff(now).UTC().Unix()
}
