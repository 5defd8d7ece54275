package schema

import (
	"reflect"
	"testing"
)

func TestDiffDetectsNullabilityChange(t *testing.T) {
	oldTable := Table{
		Namespace: "public",
		Name:      "widgets",
		Columns: []Column{
			{Name: "id", Type: "bigint", Nullable: false},
			{Name: "value", Type: "text", Nullable: true},
		},
	}
	newTable := Table{
		Namespace: "public",
		Name:      "widgets",
		Columns: []Column{
			{Name: "id", Type: "bigint", Nullable: false},
			{Name: "value", Type: "text", Nullable: false},
		},
	}

	plan := Diff(oldTable, newTable)
	if len(plan.Changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(plan.Changes))
	}
	got := plan.Changes[0]
	if got.Type != ChangeAlterColumn {
		t.Fatalf("expected alter_column change, got %s", got.Type)
	}
	if !got.FromNullable || got.Nullable {
		t.Fatalf("unexpected nullability transition: %#v", got)
	}
}

func TestDiffDetectsDroppedColumn(t *testing.T) {
	oldTable := Table{
		Namespace: "public",
		Name:      "widgets",
		Columns: []Column{
			{Name: "id", Type: "bigint"},
			{Name: "legacy", Type: "text", Nullable: true},
		},
	}
	newTable := Table{
		Namespace: "public",
		Name:      "widgets",
		Columns: []Column{
			{Name: "id", Type: "bigint"},
		},
	}

	plan := Diff(oldTable, newTable)
	if len(plan.Changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(plan.Changes))
	}
	if plan.Changes[0].Type != ChangeDropColumn || plan.Changes[0].Column != "legacy" {
		t.Fatalf("unexpected change: %#v", plan.Changes[0])
	}
}

func TestDiffPreservesColumnOrderForAddAndAlterChanges(t *testing.T) {
	oldTable := Table{
		Namespace: "public",
		Name:      "widgets",
		Columns: []Column{
			{Name: "z", Type: "int4", Nullable: false},
			{Name: "a", Type: "text", Nullable: true},
		},
	}
	newTable := Table{
		Namespace: "public",
		Name:      "widgets",
		Columns: []Column{
			{Name: "a", Type: "varchar", Nullable: true},
			{Name: "z", Type: "int8", Nullable: false},
			{Name: "newcol", Type: "jsonb", Nullable: true},
		},
	}

	plan := Diff(oldTable, newTable)
	expected := []ChangeType{ChangeAlterColumn, ChangeAlterColumn, ChangeAddColumn}
	got := make([]ChangeType, 0, len(plan.Changes))
	for _, c := range plan.Changes {
		got = append(got, c.Type)
	}
	if !reflect.DeepEqual(got, expected) {
		t.Fatalf("unexpected change ordering: got=%v expected=%v", got, expected)
	}
}

func TestDiffIgnoresCaseOnlyRenames(t *testing.T) {
	oldTable := Table{Columns: []Column{{Name: "ID", Type: "int8"}}}
	newTable := Table{Columns: []Column{{Name: "id", Type: "int8"}}}
	if plan := Diff(oldTable, newTable); plan.HasChanges() {
		t.Fatalf("expected no changes, got %#v", plan.Changes)
	}
}

func TestDiffTreatsTypeAliasesAsEqual(t *testing.T) {
	catalog := Table{Namespace: "public", Name: "orders", Columns: []Column{
		{Name: "id", Type: "integer", Nullable: true},
		{Name: "note", Type: "character varying(40)", Nullable: true},
		{Name: "placed_at", Type: "timestamp with time zone", Nullable: true},
	}}
	relation := Table{Namespace: "public", Name: "orders", Columns: []Column{
		{Name: "id", Type: "int4", Nullable: true},
		{Name: "note", Type: "varchar", Nullable: true},
		{Name: "placed_at", Type: "timestamptz", Nullable: true},
		{Name: "total", Type: "numeric", Nullable: true},
	}}

	plan := Diff(catalog, relation)
	if got := plan.Columns(ChangeAddColumn); !reflect.DeepEqual(got, []string{"total"}) {
		t.Fatalf("unexpected added columns %v", got)
	}
	if got := plan.Columns(ChangeAlterColumn); len(got) != 0 {
		t.Fatalf("expected no altered columns, got %v", got)
	}
	if plan.Changes[0].Namespace != "public" || plan.Changes[0].Table != "orders" {
		t.Fatalf("expected change to carry table identity, got %#v", plan.Changes[0])
	}
}

func TestChangeString(t *testing.T) {
	cases := map[string]Change{
		"add_column total numeric":                        {Type: ChangeAddColumn, Column: "total", ToType: "numeric"},
		"drop_column legacy":                              {Type: ChangeDropColumn, Column: "legacy"},
		"alter_column id int4->int8 nullable false->true": {Type: ChangeAlterColumn, Column: "id", FromType: "int4", ToType: "int8", Nullable: true},
	}
	for want, change := range cases {
		if got := change.String(); got != want {
			t.Fatalf("String() = %q, want %q", got, want)
		}
	}
}
