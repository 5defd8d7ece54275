package storage

import (
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/netip"
	"sort"

	"github.com/josephjohncox/pgmirror/internal/schema"
)

// NormalizeValue converts decoded PostgreSQL values into plain values a
// database/sql driver accepts.
func NormalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string, bool, int8, int16, int32, int64, int, uint8, uint16, uint32, uint64, float32, float64, []byte:
		return v, nil
	case json.RawMessage:
		return string(v), nil
	case [16]byte:
		return formatUUID(v), nil
	case netip.Prefix:
		return v.String(), nil
	case netip.Addr:
		return v.String(), nil
	case map[string]any, []any:
		payload, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal json value: %w", err)
		}
		return string(payload), nil
	case driver.Valuer:
		out, err := v.Value()
		if err != nil {
			return nil, err
		}
		return out, nil
	default:
		return v, nil
	}
}

// NormalizeRow normalizes every value of a row in place.
func NormalizeRow(row []any) error {
	for i, value := range row {
		normalized, err := NormalizeValue(value)
		if err != nil {
			return err
		}
		row[i] = normalized
	}
	return nil
}

// RowValues returns the columns of def present in values, in table order,
// with normalized values.
func RowValues(def schema.Table, values map[string]any) ([]string, []any, error) {
	cols := make([]string, 0, len(values))
	vals := make([]any, 0, len(values))
	for _, col := range def.Columns {
		value, ok := values[col.Name]
		if !ok {
			continue
		}
		normalized, err := NormalizeValue(value)
		if err != nil {
			return nil, nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		cols = append(cols, col.Name)
		vals = append(vals, normalized)
	}
	return cols, vals, nil
}

// KeyValues returns the key columns in a stable order with normalized values.
func KeyValues(key map[string]any) ([]string, []any, error) {
	cols := make([]string, 0, len(key))
	for col := range key {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	vals := make([]any, 0, len(cols))
	for _, col := range cols {
		normalized, err := NormalizeValue(key[col])
		if err != nil {
			return nil, nil, fmt.Errorf("key column %s: %w", col, err)
		}
		vals = append(vals, normalized)
	}
	return cols, vals, nil
}

func formatUUID(b [16]byte) string {
	buf := make([]byte, 36)
	hex.Encode(buf[0:8], b[0:4])
	buf[8] = '-'
	hex.Encode(buf[9:13], b[4:6])
	buf[13] = '-'
	hex.Encode(buf[14:18], b[6:8])
	buf[18] = '-'
	hex.Encode(buf[19:23], b[8:10])
	buf[23] = '-'
	hex.Encode(buf[24:], b[10:16])
	return string(buf)
}
