package catalog

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SurveyStatus enumerates whether a survey may be distributed.
type SurveyStatus string

const (
	SurveyStatusDraft    SurveyStatus = "draft"
	SurveyStatusActive   SurveyStatus = "active"
	SurveyStatusArchived SurveyStatus = "archived"
)

// RecurrenceUnit enumerates the units a recurring question interval is expressed in.
type RecurrenceUnit string

const (
	RecurrenceMinute RecurrenceUnit = "minute"
	RecurrenceHour   RecurrenceUnit = "hour"
	RecurrenceDay    RecurrenceUnit = "day"
	RecurrenceWeek   RecurrenceUnit = "week"
)

// ErrInvalidRecurrence indicates an unusable recurrence definition.
var ErrInvalidRecurrence = errors.New("catalog: invalid recurrence")

// Survey is a questionnaire distributed to participants.
type Survey struct {
	ID               uint         `gorm:"column:id;primaryKey;autoIncrement"`
	Name             string       `gorm:"column:name;size:190;not null"`
	Status           SurveyStatus `gorm:"column:status;size:16;not null;default:'active'"`
	CreatedAtSeconds int64        `gorm:"column:created_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Survey) TableName() string {
	return "surveys"
}

// Question is one step of a survey. Position orders questions within the survey.
type Question struct {
	ID                 uint           `gorm:"column:id;primaryKey;autoIncrement"`
	SurveyID           uint           `gorm:"column:survey_id;not null;index:idx_questions_survey_position,priority:1"`
	Position           int            `gorm:"column:position;not null;index:idx_questions_survey_position,priority:2"`
	Text               string         `gorm:"column:text;type:text;not null"`
	RecurrenceInterval *int           `gorm:"column:recurrence_interval"`
	RecurrenceUnit     RecurrenceUnit `gorm:"column:recurrence_unit;size:16;not null;default:''"`
	RepeatCount        *int           `gorm:"column:repeat_count"`
}

// TableName provides the explicit table binding for GORM.
func (Question) TableName() string {
	return "survey_questions"
}

// Recurrence asks a question again after Interval units, RepeatCount times in total.
type Recurrence struct {
	Interval    int
	Unit        RecurrenceUnit
	RepeatCount int
}

// Period converts the recurrence interval to a duration.
func (r Recurrence) Period() (time.Duration, error) {
	if r.Interval <= 0 {
		return 0, fmt.Errorf("%w: interval %d", ErrInvalidRecurrence, r.Interval)
	}
	var unit time.Duration
	switch r.Unit {
	case RecurrenceMinute:
		unit = time.Minute
	case RecurrenceHour:
		unit = time.Hour
	case RecurrenceDay:
		unit = 24 * time.Hour
	case RecurrenceWeek:
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("%w: unit %q", ErrInvalidRecurrence, r.Unit)
	}
	return time.Duration(r.Interval) * unit, nil
}

// Due reports whether the next occurrence is due given when the question was last sent.
func (r Recurrence) Due(lastSent, now time.Time) (bool, error) {
	period, err := r.Period()
	if err != nil {
		return false, err
	}
	return !now.Before(lastSent.Add(period)), nil
}

// QuestionRef is the read-only view of a question the engine works with.
type QuestionRef struct {
	ID         uint
	SurveyID   uint
	Position   int
	Text       string
	Recurrence *Recurrence
}

func (q Question) ref() QuestionRef {
	ref := QuestionRef{
		ID:       q.ID,
		SurveyID: q.SurveyID,
		Position: q.Position,
		Text:     q.Text,
	}
	if q.RecurrenceInterval != nil && q.RepeatCount != nil && strings.TrimSpace(string(q.RecurrenceUnit)) != "" {
		ref.Recurrence = &Recurrence{
			Interval:    *q.RecurrenceInterval,
			Unit:        q.RecurrenceUnit,
			RepeatCount: *q.RepeatCount,
		}
	}
	return ref
}
