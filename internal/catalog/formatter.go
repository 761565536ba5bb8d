package catalog

import (
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/members"
)

const defaultReminderPrefix = "Reminder: "

// ErrEmptyQuestion indicates a question without text.
var ErrEmptyQuestion = errors.New("catalog: question text is empty")

// PlainFormatter renders question text with participant and survey placeholders
// ({name}, {survey}) substituted.
type PlainFormatter struct {
	ReminderPrefix string
}

// Render produces the message body for a question.
func (f PlainFormatter) Render(question QuestionRef, participant members.Participant, survey Survey, isReminder bool) (string, error) {
	text := strings.TrimSpace(question.Text)
	if text == "" {
		return "", ErrEmptyQuestion
	}
	name := strings.TrimSpace(participant.Name)
	if name == "" {
		name = "member"
	}
	rendered := strings.NewReplacer("{name}", name, "{survey}", survey.Name).Replace(text)
	if isReminder {
		prefix := f.ReminderPrefix
		if prefix == "" {
			prefix = defaultReminderPrefix
		}
		rendered = prefix + rendered
	}
	return rendered, nil
}
