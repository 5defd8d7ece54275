package clickhouse

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/josephjohncox/pgmirror/internal/schema"
)

const maxDecimalPrecision = 76

var typeMappings = map[string]string{
	"boolean":                     "Bool",
	"smallint":                    "Int16",
	"integer":                     "Int32",
	"bigint":                      "Int64",
	"oid":                         "UInt32",
	"real":                        "Float32",
	"double precision":            "Float64",
	"date":                        "Date32",
	"timestamp without time zone": "DateTime64(6)",
	"timestamp with time zone":    "DateTime64(6, 'UTC')",
}

// ColumnType maps a PostgreSQL column to a ClickHouse type. Key columns are
// never Nullable because they form the sorting key.
func ColumnType(col schema.Column, key bool) string {
	typ := baseType(schema.ParsePGType(col.Type))
	if col.Nullable && !key {
		return "Nullable(" + typ + ")"
	}
	return typ
}

func baseType(pt schema.PGType) string {
	if pt.Array {
		return "String"
	}
	if pt.Base == "numeric" {
		return decimalType(pt.Args)
	}
	if mapped, ok := typeMappings[pt.Base]; ok {
		return mapped
	}
	return "String"
}

func decimalType(args []string) string {
	if len(args) == 0 {
		return "String"
	}
	precision, err := strconv.Atoi(args[0])
	if err != nil || precision < 1 || precision > maxDecimalPrecision {
		return "String"
	}
	scale := 0
	if len(args) > 1 {
		scale, err = strconv.Atoi(args[1])
		if err != nil || scale < 0 || scale > precision {
			return "String"
		}
	}
	return fmt.Sprintf("Decimal(%d, %d)", precision, scale)
}

// CreateTableSQL returns the DDL for a mirrored table.
func CreateTableSQL(database, name string, def schema.Table) string {
	keys := keySet(def)
	defs := make([]string, 0, len(def.Columns)+2)
	for _, col := range def.Columns {
		_, isKey := keys[col.Name]
		defs = append(defs, fmt.Sprintf("%s %s", quoteIdent(col.Name), ColumnType(col, isKey)))
	}
	defs = append(defs,
		fmt.Sprintf("%s Int8 DEFAULT 1", quoteIdent(signColumn)),
		fmt.Sprintf("%s UInt64 DEFAULT 0", quoteIdent(versionColumn)),
	)

	orderBy := "tuple()"
	if len(def.PrimaryKey) > 0 {
		orderBy = "(" + quoteColumns(def.PrimaryKey) + ")"
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (\n  %s\n) ENGINE = ReplacingMergeTree(%s) ORDER BY %s",
		quoteIdent(database), quoteIdent(name), strings.Join(defs, ",\n  "), quoteIdent(versionColumn), orderBy)
}

// AddColumnsSQL returns ALTER statements for columns of def missing from
// existing. Added columns are always Nullable so old rows stay valid.
func AddColumnsSQL(database, name string, def schema.Table, existing map[string]struct{}) []string {
	missing := make([]schema.Column, 0)
	for _, col := range def.Columns {
		if _, ok := existing[col.Name]; !ok {
			missing = append(missing, col)
		}
	}

	out := make([]string, 0, len(missing))
	for _, col := range missing {
		col.Nullable = true
		out = append(out, fmt.Sprintf("ALTER TABLE %s.%s ADD COLUMN IF NOT EXISTS %s %s",
			quoteIdent(database), quoteIdent(name), quoteIdent(col.Name), ColumnType(col, false)))
	}
	return out
}
