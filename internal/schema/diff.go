package schema

import (
	"fmt"
	"strings"
)

// Diff compares two definitions of the same table. Columns are matched by
// case-insensitive name and types by their canonical PostgreSQL spelling.
func Diff(oldTable, newTable Table) Plan {
	oldColumns := columnIndex(oldTable)
	newColumns := columnIndex(newTable)

	plan := Plan{}
	for _, col := range newTable.Columns {
		prev, ok := oldColumns[normalizeName(col.Name)]
		switch {
		case normalizeName(col.Name) == "":
		case !ok:
			plan.add(newTable, Change{
				Type:     ChangeAddColumn,
				Column:   col.Name,
				ToType:   col.Type,
				Nullable: col.Nullable,
			})
		case !SameType(prev.Type, col.Type) || prev.Nullable != col.Nullable:
			plan.add(newTable, Change{
				Type:         ChangeAlterColumn,
				Column:       col.Name,
				FromType:     prev.Type,
				ToType:       col.Type,
				FromNullable: prev.Nullable,
				Nullable:     col.Nullable,
			})
		}
	}
	for _, col := range oldTable.Columns {
		name := normalizeName(col.Name)
		if name == "" {
			continue
		}
		if _, ok := newColumns[name]; !ok {
			plan.add(oldTable, Change{Type: ChangeDropColumn, Column: col.Name})
		}
	}
	return plan
}

// HasChanges returns true when the plan includes at least one change.
func (p Plan) HasChanges() bool {
	return len(p.Changes) > 0
}

// Columns returns the names of columns affected by changes of type typ.
func (p Plan) Columns(typ ChangeType) []string {
	var out []string
	for _, change := range p.Changes {
		if change.Type == typ {
			out = append(out, change.Column)
		}
	}
	return out
}

func (p *Plan) add(table Table, change Change) {
	change.Namespace = table.Namespace
	change.Table = table.Name
	p.Changes = append(p.Changes, change)
}

// String renders the change for logs, e.g. "add_column price numeric".
func (c Change) String() string {
	switch c.Type {
	case ChangeAddColumn:
		return fmt.Sprintf("%s %s %s", c.Type, c.Column, c.ToType)
	case ChangeAlterColumn:
		return fmt.Sprintf("%s %s %s->%s nullable %t->%t", c.Type, c.Column, c.FromType, c.ToType, c.FromNullable, c.Nullable)
	default:
		return fmt.Sprintf("%s %s", c.Type, c.Column)
	}
}

func columnIndex(table Table) map[string]Column {
	out := make(map[string]Column, len(table.Columns))
	for _, col := range table.Columns {
		if name := normalizeName(col.Name); name != "" {
			out[name] = col
		}
	}
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
