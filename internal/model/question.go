// Package model defines the canonical question and statistics schema.
package model

import (
	"errors"
	"strings"
	"time"
)

// Defaults applied to freshly normalized or migrated questions.
const (
	DefaultSource          = "FGV"
	DefaultDifficulty      = "medium"
	DefaultCategory        = "Geral"
	MaxTags                = 10
	MigratedExternalPrefix = "migrated_"
)

var (
	ErrMissingQuestionText = errors.New("missing question text")
	ErrNoOptions           = errors.New("no parseable options")
	ErrMissingAnswer       = errors.New("missing correct answer")
)

// Option is one answer alternative. Key is a single upper-case letter.
type Option struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// Question is a normalized exam question as persisted in the questions table.
type Question struct {
	ID              string    `json:"id"`
	ExternalID      string    `json:"external_id"`
	QuestionText    string    `json:"question_text"`
	Options         []Option  `json:"options"`
	CorrectAnswer   string    `json:"correct_answer"`
	Explanation     *string   `json:"explanation"`
	Category        string    `json:"category"`
	Subcategory     *string   `json:"subcategory"`
	DifficultyLevel string    `json:"difficulty_level"`
	ExamYear        *int      `json:"exam_year"`
	ExamEdition     *string   `json:"exam_edition"`
	Source          string    `json:"source"`
	Tags            []string  `json:"tags"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Validate enforces the minimum a question needs before it may be persisted.
func (q Question) Validate() error {
	if strings.TrimSpace(q.QuestionText) == "" {
		return ErrMissingQuestionText
	}
	if len(q.Options) == 0 {
		return ErrNoOptions
	}
	if strings.TrimSpace(q.CorrectAnswer) == "" {
		return ErrMissingAnswer
	}
	return nil
}

// NormalizeAnswer trims and upper-cases a correct-answer value.
func NormalizeAnswer(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
