package storage

import "context"

// Logical column types. Each backend maps them to a native type.
const (
	TypeText      = "text"
	TypeJSON      = "json"
	TypeList      = "list"
	TypeInt       = "int"
	TypeFloat     = "float"
	TypeBool      = "bool"
	TypeTimestamp = "timestamp"
)

// TableSpec describes a table for backends that can create it.
type TableSpec struct {
	Name       string
	Columns    []ColumnSpec
	PrimaryKey string
	Unique     [][]string
}

// ColumnSpec is one column of a TableSpec.
type ColumnSpec struct {
	Name     string
	Type     string
	Nullable bool
}

// SchemaEnsurer is implemented by backends that can create tables on demand
// (local development and tests). Production schemas are provisioned
// outside this module.
type SchemaEnsurer interface {
	EnsureTables(ctx context.Context, tables []TableSpec) error
}
