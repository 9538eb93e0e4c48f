package questionstore

import (
	"qbank/internal/model"
	"qbank/internal/storage"
)

// Column names of the two tables.
const (
	colID                 = "id"
	colExternalID         = "external_id"
	colQuestionID         = "question_id"
	colQuestionText       = "question_text"
	colOptions            = "options"
	colCorrectAnswer      = "correct_answer"
	colExplanation        = "explanation"
	colCategory           = "category"
	colSubcategory        = "subcategory"
	colDifficulty         = "difficulty_level"
	colExamYear           = "exam_year"
	colExamEdition        = "exam_edition"
	colSource             = "source"
	colTags               = "tags"
	colIsActive           = "is_active"
	colCreatedAt          = "created_at"
	colUpdatedAt          = "updated_at"
	colTotalAttempts      = "total_attempts"
	colCorrectAttempts    = "correct_attempts"
	colAverageTimeSeconds = "average_time_seconds"
	colDifficultyRating   = "difficulty_rating"
	colLastUpdated        = "last_updated"
)

// Tables names the question and statistics tables.
type Tables struct {
	Questions string
	Stats     string
}

// DefaultTables matches the schema the serving layer reads.
var DefaultTables = Tables{Questions: "questions", Stats: "question_stats"}

// Specs returns table definitions for backends that can create tables. The
// stats table keeps the legacy content columns so migration can read them.
func Specs(t Tables) []storage.TableSpec {
	text := func(name string, nullable bool) storage.ColumnSpec {
		return storage.ColumnSpec{Name: name, Type: storage.TypeText, Nullable: nullable}
	}
	questions := storage.TableSpec{
		Name:       t.Questions,
		PrimaryKey: colID,
		Unique:     [][]string{{colExternalID}},
		Columns: []storage.ColumnSpec{
			text(colID, false),
			text(colExternalID, false),
			text(colQuestionText, false),
			{Name: colOptions, Type: storage.TypeJSON},
			text(colCorrectAnswer, false),
			text(colExplanation, true),
			text(colCategory, false),
			text(colSubcategory, true),
			text(colDifficulty, false),
			{Name: colExamYear, Type: storage.TypeInt, Nullable: true},
			text(colExamEdition, true),
			text(colSource, false),
			{Name: colTags, Type: storage.TypeList, Nullable: true},
			{Name: colIsActive, Type: storage.TypeBool},
			{Name: colCreatedAt, Type: storage.TypeTimestamp},
			{Name: colUpdatedAt, Type: storage.TypeTimestamp},
		},
	}

	stats := storage.TableSpec{
		Name:       t.Stats,
		PrimaryKey: colID,
		Columns: []storage.ColumnSpec{
			text(colID, false),
			text(colQuestionID, true),
			{Name: colTotalAttempts, Type: storage.TypeInt},
			{Name: colCorrectAttempts, Type: storage.TypeInt},
			{Name: colAverageTimeSeconds, Type: storage.TypeFloat},
			{Name: colDifficultyRating, Type: storage.TypeFloat},
			{Name: colLastUpdated, Type: storage.TypeTimestamp},
			text(colExternalID, true),
			{Name: colCreatedAt, Type: storage.TypeTimestamp, Nullable: true},
			{Name: colUpdatedAt, Type: storage.TypeTimestamp, Nullable: true},
		},
	}
	for _, c := range model.ContentColumns {
		stats.Columns = append(stats.Columns, storage.ColumnSpec{Name: c, Type: contentType(c), Nullable: true})
	}
	return []storage.TableSpec{questions, stats}
}

func contentType(col string) string {
	switch col {
	case colOptions:
		return storage.TypeJSON
	case colTags:
		return storage.TypeList
	case colExamYear:
		return storage.TypeInt
	case colIsActive:
		return storage.TypeBool
	}
	return storage.TypeText
}
