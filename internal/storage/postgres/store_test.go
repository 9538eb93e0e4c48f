package postgres

import (
	"reflect"
	"strings"
	"testing"

	"qbank/internal/storage"
)

func TestBuildInsertSQL_UpsertUpdatesNonKeyColumns(t *testing.T) {
	t.Parallel()

	rows := []storage.Row{
		{"id": "a", "external_id": "fgv_0", "options": storage.JSON{V: []string{"x"}}, "tags": storage.StringList{"t"}},
		{"id": "b", "external_id": "fgv_1"},
	}
	sql, args, err := buildInsertSQL("public.questions", rows, &storage.Conflict{
		Columns:  []string{"external_id"},
		Preserve: []string{"id"},
	})
	if err != nil {
		t.Fatalf("buildInsertSQL: %v", err)
	}

	want := `INSERT INTO "public"."questions" ("external_id", "id", "options", "tags") VALUES ($1, $2, $3, $4), ($5, $6, $7, $8)` +
		` ON CONFLICT ("external_id") DO UPDATE SET "options" = EXCLUDED."options", "tags" = EXCLUDED."tags"`
	if sql != want {
		t.Fatalf("sql:\n got %s\nwant %s", sql, want)
	}
	if len(args) != 8 {
		t.Fatalf("args=%d want 8", len(args))
	}
	if b, ok := args[2].([]byte); !ok || string(b) != `["x"]` {
		t.Fatalf("json arg=%#v", args[2])
	}
	if !reflect.DeepEqual(args[3], []string{"t"}) {
		t.Fatalf("list arg=%#v", args[3])
	}
	if args[6] != nil || args[7] != nil {
		t.Fatalf("missing columns must bind NULL: %v", args[6:])
	}
}

func TestBuildInsertSQL_DoNothingWhenOnlyKeys(t *testing.T) {
	t.Parallel()
	sql, _, err := buildInsertSQL("question_stats", []storage.Row{{"id": "s", "question_id": "q"}},
		&storage.Conflict{Columns: []string{"question_id"}, Preserve: []string{"id"}})
	if err != nil {
		t.Fatalf("buildInsertSQL: %v", err)
	}
	if !strings.HasSuffix(sql, `ON CONFLICT ("question_id") DO NOTHING`) {
		t.Fatalf("sql=%s", sql)
	}
}

func TestBuildUpdateSQL_NumbersWhereAfterSet(t *testing.T) {
	t.Parallel()
	sql, args, err := buildUpdateSQL("question_stats",
		storage.Row{"question_text": nil, "options": nil},
		storage.Where(storage.In("id", []any{"s1", "s2"})))
	if err != nil {
		t.Fatalf("buildUpdateSQL: %v", err)
	}
	want := `UPDATE "question_stats" SET "options" = $1, "question_text" = $2 WHERE "id" IN ($3, $4)`
	if sql != want {
		t.Fatalf("sql:\n got %s\nwant %s", sql, want)
	}
	if !reflect.DeepEqual(args, []any{nil, nil, "s1", "s2"}) {
		t.Fatalf("args=%v", args)
	}
}

func TestBuildSelectSQL(t *testing.T) {
	t.Parallel()
	sql, args, err := buildSelectSQL("questions", []string{"id"}, storage.Where(storage.NotNull("question_text"), storage.Eq("source", "FGV")))
	if err != nil {
		t.Fatalf("buildSelectSQL: %v", err)
	}
	if sql != `SELECT "id" FROM "questions" WHERE "question_text" IS NOT NULL AND "source" = $1` {
		t.Fatalf("sql=%s", sql)
	}
	if len(args) != 1 || args[0] != "FGV" {
		t.Fatalf("args=%v", args)
	}
}

func TestBuildCreateSQL(t *testing.T) {
	t.Parallel()
	schemaSQL, tableSQL, err := buildCreateSQL(storage.TableSpec{
		Name:       "public.questions",
		PrimaryKey: "id",
		Unique:     [][]string{{"external_id"}},
		Columns: []storage.ColumnSpec{
			{Name: "id", Type: storage.TypeText},
			{Name: "external_id", Type: storage.TypeText},
			{Name: "options", Type: storage.TypeJSON},
			{Name: "tags", Type: storage.TypeList, Nullable: true},
		},
	})
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if schemaSQL != `CREATE SCHEMA IF NOT EXISTS "public"` {
		t.Fatalf("schemaSQL=%q", schemaSQL)
	}
	for _, part := range []string{
		`CREATE TABLE IF NOT EXISTS "public"."questions"`,
		`"options" jsonb NOT NULL`,
		`"tags" text[]`,
		`PRIMARY KEY ("id")`,
		`UNIQUE ("external_id")`,
	} {
		if !strings.Contains(tableSQL, part) {
			t.Fatalf("tableSQL missing %q:\n%s", part, tableSQL)
		}
	}
}

func TestPgTableIdent(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"questions":        `"questions"`,
		"public.questions": `"public"."questions"`,
		`we"ird`:           `"we""ird"`,
		"a.b.c":            `"a.b.c"`,
	}
	for in, want := range tests {
		if got := pgTableIdent(in); got != want {
			t.Errorf("pgTableIdent(%q)=%s want %s", in, got, want)
		}
	}
}
