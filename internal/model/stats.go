package model

import "time"

// QuestionStats is the per-question aggregate row. At most one row should
// reference a given question.
type QuestionStats struct {
	ID                 string    `json:"id"`
	QuestionID         string    `json:"question_id"`
	TotalAttempts      int64     `json:"total_attempts"`
	CorrectAttempts    int64     `json:"correct_attempts"`
	AverageTimeSeconds float64   `json:"average_time_seconds"`
	DifficultyRating   float64   `json:"difficulty_rating"`
	LastUpdated        time.Time `json:"last_updated"`
}

// NewStats returns a zero-initialized stats row for questionID.
func NewStats(id, questionID string, now time.Time) QuestionStats {
	return QuestionStats{
		ID:          id,
		QuestionID:  questionID,
		LastUpdated: now,
	}
}

// StatsContent is a stats row that still carries question content written
// there by a legacy process. All content fields are nullable.
type StatsContent struct {
	ID              string
	QuestionID      *string
	ExternalID      *string
	QuestionText    *string
	Options         []Option
	CorrectAnswer   *string
	Explanation     *string
	Category        *string
	Subcategory     *string
	DifficultyLevel *string
	ExamYear        *int
	ExamEdition     *string
	Source          *string
	Tags            []string
	CreatedAt       *time.Time
}

// ContentColumns are the stats-table columns that hold migrated content.
// Scrubbing sets every one of them to NULL.
var ContentColumns = []string{
	"question_text",
	"options",
	"correct_answer",
	"explanation",
	"category",
	"subcategory",
	"difficulty_level",
	"exam_year",
	"exam_edition",
	"source",
	"tags",
	"is_active",
}
