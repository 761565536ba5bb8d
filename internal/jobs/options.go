package jobs

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"github.com/go-playground/validator/v10"
)

var optionsValidator = validator.New()

// Options are the operator-facing knobs shared by every job.
type Options struct {
	// DryRun reports what would happen without writing anything.
	DryRun bool
	// Fix applies repairs; repair tools are report-only without it.
	Fix bool
	// Limit caps the number of candidates; zero selects the job default.
	Limit    int  `validate:"gte=0"`
	SurveyID uint `validate:"omitempty,gt=0"`
	GroupID  uint `validate:"omitempty,gt=0"`
	// Since is the reminder watermark of the resume variant.
	Since *time.Time
	// Actor tags amended rows and new records.
	Actor messages.Provenance `validate:"omitempty,oneof=command redo_approval retry_command admin webhook scheduler"`
}

func (o Options) validate(operation string) error {
	if err := optionsValidator.Struct(o); err != nil {
		return newJobError(operation, "invalid_options", fmt.Errorf("%w: %v", ErrInvalidOptions, err))
	}
	return nil
}

func (o Options) actorOr(fallback messages.Provenance) messages.Provenance {
	if o.Actor == "" {
		return fallback
	}
	return o.Actor
}

// effectiveLimit resolves the batch size against a safety ceiling.
func (o Options) effectiveLimit(operation string, ceiling int) (int, error) {
	if ceiling <= 0 {
		return o.Limit, nil
	}
	if o.Limit == 0 {
		return ceiling, nil
	}
	if o.Limit > ceiling {
		return 0, newJobError(operation, "unsafe_limit", fmt.Errorf("%w: %d > %d", ErrUnsafeLimit, o.Limit, ceiling))
	}
	return o.Limit, nil
}

// PreviewRow is one line of a dry-run or report table.
type PreviewRow struct {
	ProgressID    uint
	ParticipantID uint
	QuestionID    uint
	MessageID     uint
	Action        string
	Detail        string
}

// Summary is the tri-state outcome every job reports.
type Summary struct {
	Job       string
	RunID     string
	DryRun    bool
	Fix       bool
	Selected  int
	Processed int
	Skipped   int
	Failed    int
	Preview   []PreviewRow
}

func (s *Summary) preview(row PreviewRow) {
	s.Preview = append(s.Preview, row)
}
