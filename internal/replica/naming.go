package replica

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

const (
	publicationSuffix = "_ch_publication"
	slotSuffix        = "_ch_replication_slot"
	defaultNamespace  = "public"
)

// PublicationName returns the publication name owned by a database.
func PublicationName(database string) string {
	return database + publicationSuffix
}

// SlotName returns the logical replication slot name owned by a database.
func SlotName(database string) string {
	return database + slotSuffix
}

// SplitTable splits "schema.table" into its parts, defaulting the schema to public.
func SplitTable(value string) (string, string, error) {
	parts := strings.Split(strings.TrimSpace(value), ".")
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return "", "", fmt.Errorf("invalid table name %q", value)
		}
		return defaultNamespace, parts[0], nil
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return "", "", fmt.Errorf("invalid table name %q", value)
		}
		return parts[0], parts[1], nil
	default:
		return "", "", fmt.Errorf("invalid table name %q", value)
	}
}

// CanonicalTable returns the schema-qualified form of a table name.
func CanonicalTable(value string) (string, error) {
	namespace, table, err := SplitTable(value)
	if err != nil {
		return "", err
	}
	return namespace + "." + table, nil
}

func qualifyTable(value string) (string, error) {
	namespace, table, err := SplitTable(value)
	if err != nil {
		return "", err
	}
	return pgx.Identifier{namespace, table}.Sanitize(), nil
}

// QuotePublication quotes a publication name as an SQL identifier.
func QuotePublication(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// PublicationNamesOption renders the pgoutput publication_names argument. The
// name is quoted exactly as CREATE PUBLICATION quotes it.
func PublicationNamesOption(name string) string {
	return "publication_names " + quoteLiteral(QuotePublication(name))
}

func quoteLiteral(value string) string {
	escaped := strings.ReplaceAll(value, "'", "''")
	return "'" + escaped + "'"
}
