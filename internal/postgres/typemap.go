package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
)

// NewTypeMap returns the map used to decode pgoutput tuples, with JSON kept raw.
func NewTypeMap() *pgtype.Map {
	m := pgtype.NewMap()
	RegisterRawJSONCodecs(m)
	return m
}

// RegisterRawJSONCodecs makes json and jsonb decode to the document text as
// stored upstream instead of a re-marshaled value.
func RegisterRawJSONCodecs(m *pgtype.Map) {
	if m == nil {
		return
	}
	m.RegisterType(&pgtype.Type{Name: "json", OID: pgtype.JSONOID, Codec: &pgtype.JSONCodec{Marshal: json.Marshal, Unmarshal: rawJSONUnmarshal}})
	m.RegisterType(&pgtype.Type{Name: "jsonb", OID: pgtype.JSONBOID, Codec: &pgtype.JSONBCodec{Marshal: json.Marshal, Unmarshal: rawJSONUnmarshal}})
}

// TypeName returns the catalog name registered for oid. Types the map does
// not know, such as enums and domains, are reported as "oid:<n>".
func TypeName(m *pgtype.Map, oid uint32) string {
	if m != nil {
		if typ, ok := m.TypeForOID(oid); ok {
			return typ.Name
		}
	}
	return fmt.Sprintf("oid:%d", oid)
}

func rawJSONUnmarshal(src []byte, dst any) error {
	switch target := dst.(type) {
	case *any:
		if src == nil {
			*target = nil
		} else {
			*target = json.RawMessage(clone(src))
		}
	case *json.RawMessage:
		*target = clone(src)
	case *[]byte:
		*target = clone(src)
	case *string:
		*target = string(src)
	default:
		return json.Unmarshal(src, dst)
	}
	return nil
}

func clone(src []byte) []byte {
	if src == nil {
		return nil
	}
	out := make([]byte, len(src))
	copy(out, src)
	return out
}
