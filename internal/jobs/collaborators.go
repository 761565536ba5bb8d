package jobs

import (
	"context"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/catalog"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/members"
	"github.com/google/uuid"
)

// QuestionFormatter renders the text of a question for a participant.
type QuestionFormatter interface {
	Render(question catalog.QuestionRef, participant members.Participant, survey catalog.Survey, isReminder bool) (string, error)
}

// NextQuestionResolver finds the question that follows currentQuestionID; nil means the
// survey is finished.
type NextQuestionResolver interface {
	Next(ctx context.Context, surveyID, currentQuestionID uint) (*catalog.QuestionRef, error)
}

// FeatureFlags exposes the global outbound kill switch.
type FeatureFlags interface {
	MessagesEnabled() bool
}

// StaticFlags is a FeatureFlags with a fixed answer.
type StaticFlags struct {
	Messages bool
}

// MessagesEnabled reports the fixed flag value.
func (f StaticFlags) MessagesEnabled() bool {
	return f.Messages
}

// RunIDProvider issues identifiers that tie one job run's log lines together.
type RunIDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a RunIDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() RunIDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
