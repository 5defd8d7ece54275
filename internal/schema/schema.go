package schema

// Column describes one source column.
type Column struct {
	Name     string
	Type     string
	OID      uint32
	Nullable bool
}

// Table describes a source table as it is materialized locally.
type Table struct {
	Namespace  string
	Name       string
	Columns    []Column
	PrimaryKey []string
}

// QualifiedName returns "namespace.name".
func (t Table) QualifiedName() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// Column returns the named column.
func (t Table) Column(name string) (Column, bool) {
	for _, col := range t.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// ColumnNames returns column names in ordinal order.
func (t Table) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, col := range t.Columns {
		names = append(names, col.Name)
	}
	return names
}

// ChangeType describes the type of schema evolution event.
type ChangeType string

const (
	ChangeAddColumn   ChangeType = "add_column"
	ChangeDropColumn  ChangeType = "drop_column"
	ChangeAlterColumn ChangeType = "alter_column"
)

// Change captures one column-level difference between two table definitions.
type Change struct {
	Type         ChangeType
	Namespace    string
	Table        string
	Column       string
	FromType     string
	ToType       string
	FromNullable bool
	Nullable     bool
}

// Plan groups multiple schema changes.
type Plan struct {
	Changes []Change
}
