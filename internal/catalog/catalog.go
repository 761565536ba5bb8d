package catalog

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("catalog: database connection required")
	// ErrSurveyNotFound indicates an unknown survey id.
	ErrSurveyNotFound = errors.New("catalog: survey not found")
	// ErrQuestionNotFound indicates an unknown question id.
	ErrQuestionNotFound = errors.New("catalog: question not found")
)

const (
	querySurveyID   = "survey_id = ?"
	orderByPosition = "position ASC, id ASC"
)

// Catalog resolves surveys and the order of their questions. It never writes.
type Catalog struct {
	db *gorm.DB
}

// New constructs a catalog reader.
func New(db *gorm.DB) (*Catalog, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Catalog{db: db}, nil
}

// Survey loads a survey by id.
func (c *Catalog) Survey(ctx context.Context, surveyID uint) (Survey, error) {
	var survey Survey
	err := c.db.WithContext(ctx).Where("id = ?", surveyID).Take(&survey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Survey{}, fmt.Errorf("%w: %d", ErrSurveyNotFound, surveyID)
	}
	if err != nil {
		return Survey{}, fmt.Errorf("catalog: load survey %d: %w", surveyID, err)
	}
	return survey, nil
}

// Question loads a question by id.
func (c *Catalog) Question(ctx context.Context, questionID uint) (QuestionRef, error) {
	var question Question
	err := c.db.WithContext(ctx).Where("id = ?", questionID).Take(&question).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return QuestionRef{}, fmt.Errorf("%w: %d", ErrQuestionNotFound, questionID)
	}
	if err != nil {
		return QuestionRef{}, fmt.Errorf("catalog: load question %d: %w", questionID, err)
	}
	return question.ref(), nil
}

// First returns the first question of a survey, or nil when the survey has none.
func (c *Catalog) First(ctx context.Context, surveyID uint) (*QuestionRef, error) {
	var questions []Question
	if err := c.db.WithContext(ctx).
		Where(querySurveyID, surveyID).
		Order(orderByPosition).
		Limit(1).
		Find(&questions).Error; err != nil {
		return nil, fmt.Errorf("catalog: first question of %d: %w", surveyID, err)
	}
	if len(questions) == 0 {
		return nil, nil
	}
	ref := questions[0].ref()
	return &ref, nil
}

// Next returns the question following currentQuestionID in survey order, or nil when
// current is the last one. A zero current id yields the first question.
func (c *Catalog) Next(ctx context.Context, surveyID, currentQuestionID uint) (*QuestionRef, error) {
	if currentQuestionID == 0 {
		return c.First(ctx, surveyID)
	}
	current, err := c.Question(ctx, currentQuestionID)
	if err != nil {
		return nil, err
	}
	if current.SurveyID != surveyID {
		return nil, fmt.Errorf("%w: question %d is not part of survey %d", ErrQuestionNotFound, currentQuestionID, surveyID)
	}

	var questions []Question
	if err := c.db.WithContext(ctx).
		Where(querySurveyID, surveyID).
		Where("position > ? OR (position = ? AND id > ?)", current.Position, current.Position, current.ID).
		Order(orderByPosition).
		Limit(1).
		Find(&questions).Error; err != nil {
		return nil, fmt.Errorf("catalog: next question after %d: %w", currentQuestionID, err)
	}
	if len(questions) == 0 {
		return nil, nil
	}
	ref := questions[0].ref()
	return &ref, nil
}

// Questions lists every question of a survey in order.
func (c *Catalog) Questions(ctx context.Context, surveyID uint) ([]QuestionRef, error) {
	var questions []Question
	if err := c.db.WithContext(ctx).
		Where(querySurveyID, surveyID).
		Order(orderByPosition).
		Find(&questions).Error; err != nil {
		return nil, fmt.Errorf("catalog: list questions of %d: %w", surveyID, err)
	}
	refs := make([]QuestionRef, 0, len(questions))
	for _, question := range questions {
		refs = append(refs, question.ref())
	}
	return refs, nil
}
