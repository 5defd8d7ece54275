// Package duckdb stores mirrored tables in a DuckDB database.
package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/josephjohncox/pgmirror/internal/schema"
	"github.com/josephjohncox/pgmirror/internal/storage/sqlsink"
	_ "github.com/marcboeker/go-duckdb"
)

const maxDecimalPrecision = 38

// Dialect maps tables onto DuckDB types.
var Dialect = sqlsink.Dialect{
	Name:           "duckdb",
	ColumnType:     ColumnType,
	TableExistsSQL: `SELECT count(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?`,
	ColumnsSQL:     `SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = ?`,
}

// Open opens the DuckDB database at dsn.
func Open(ctx context.Context, dsn string) (*sqlsink.Sink, error) {
	if dsn == "" {
		return nil, errors.New("duckdb dsn is required")
	}
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return sqlsink.New(db, Dialect), nil
}

var typeMappings = map[string]string{
	"boolean":                     "BOOLEAN",
	"smallint":                    "SMALLINT",
	"integer":                     "INTEGER",
	"bigint":                      "BIGINT",
	"oid":                         "UINTEGER",
	"real":                        "REAL",
	"double precision":            "DOUBLE",
	"date":                        "DATE",
	"timestamp without time zone": "TIMESTAMP",
	"timestamp with time zone":    "TIMESTAMPTZ",
	"bytea":                       "BLOB",
}

// ColumnType returns the DuckDB type for a column.
func ColumnType(col schema.Column) string {
	pt := schema.ParsePGType(col.Type)
	if pt.Array {
		return "VARCHAR"
	}
	if pt.Base == "numeric" {
		return decimalType(pt.Args)
	}
	if mapped, ok := typeMappings[pt.Base]; ok {
		return mapped
	}
	return "VARCHAR"
}

func decimalType(args []string) string {
	if len(args) == 0 {
		return "VARCHAR"
	}
	precision, err := strconv.Atoi(args[0])
	if err != nil || precision < 1 || precision > maxDecimalPrecision {
		return "VARCHAR"
	}
	scale := 0
	if len(args) > 1 {
		scale, err = strconv.Atoi(args[1])
		if err != nil || scale < 0 || scale > precision {
			return "VARCHAR"
		}
	}
	return "DECIMAL(" + strconv.Itoa(precision) + "," + strconv.Itoa(scale) + ")"
}
