package schema

import "strings"

// PGType is a parsed PostgreSQL type name.
type PGType struct {
	// Base is the lower-case type without modifiers, e.g. "numeric".
	Base string
	// Args holds the type modifiers, e.g. ["10", "2"].
	Args  []string
	Array bool
}

var typeAliases = map[string]string{
	"int2":        "smallint",
	"int4":        "integer",
	"int":         "integer",
	"serial":      "integer",
	"int8":        "bigint",
	"bigserial":   "bigint",
	"float4":      "real",
	"float8":      "double precision",
	"bool":        "boolean",
	"varchar":     "character varying",
	"bpchar":      "character",
	"char":        "character",
	"decimal":     "numeric",
	"timestamp":   "timestamp without time zone",
	"timestamptz": "timestamp with time zone",
	"time":        "time without time zone",
	"timetz":      "time with time zone",
}

// ParsePGType parses both format_type output ("numeric(10,2)[]") and catalog
// type names ("_int4").
func ParsePGType(name string) PGType {
	out := PGType{}
	typ := strings.ToLower(strings.TrimSpace(name))
	if strings.HasSuffix(typ, "[]") {
		out.Array = true
		typ = strings.TrimSuffix(typ, "[]")
	}
	if strings.HasPrefix(typ, "_") {
		out.Array = true
		typ = strings.TrimPrefix(typ, "_")
	}
	if open := strings.Index(typ, "("); open >= 0 {
		if end := strings.Index(typ[open:], ")"); end > 0 {
			for _, arg := range strings.Split(typ[open+1:open+end], ",") {
				out.Args = append(out.Args, strings.TrimSpace(arg))
			}
			typ = strings.TrimSpace(typ[:open] + typ[open+end+1:])
		}
	}
	if idx := strings.LastIndex(typ, "."); idx >= 0 && !strings.Contains(typ, " ") {
		typ = typ[idx+1:]
	}
	typ = strings.Trim(typ, `"`)
	if alias, ok := typeAliases[typ]; ok {
		typ = alias
	}
	out.Base = typ
	return out
}

// SameType reports whether two type names denote the same PostgreSQL type.
// Modifiers are only compared when both names carry them, since relation
// messages report bare catalog names such as "int4" or "varchar".
func SameType(a, b string) bool {
	left, right := ParsePGType(a), ParsePGType(b)
	if left.Base != right.Base || left.Array != right.Array {
		return false
	}
	if len(left.Args) == 0 || len(right.Args) == 0 {
		return true
	}
	if len(left.Args) != len(right.Args) {
		return false
	}
	for i := range left.Args {
		if left.Args[i] != right.Args[i] {
			return false
		}
	}
	return true
}
