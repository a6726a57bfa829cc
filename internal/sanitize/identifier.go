package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

// identifierRe allows alphanumerics and underscores, starting with a letter
// or underscore.
var identifierRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// typeNameRe matches simple declared type names, optionally with
// precision/scale: INTEGER, VARCHAR(255), DECIMAL(10,2). Case-insensitive.
var typeNameRe = regexp.MustCompile(`(?i)^[A-Z][A-Z0-9_ ]*(?:\(\s*\d+\s*(?:,\s*\d+\s*)?\))?$`)

// maxIdentifierLen is the maximum length allowed for a SQL identifier.
const maxIdentifierLen = 128

// ValidateIdentifier checks that name is a safe SQL identifier: non-empty,
// at most 128 characters, and matching [a-zA-Z_][a-zA-Z0-9_]*.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier is required")
	}
	if len(name) > maxIdentifierLen {
		return fmt.Errorf("identifier must be at most %d characters", maxIdentifierLen)
	}
	if !identifierRe.MatchString(name) {
		return fmt.Errorf("identifier %q must match [a-zA-Z_][a-zA-Z0-9_]*", name)
	}
	return nil
}

// ValidateTypeName checks that a declared parameter type is a plain type
// name, rejecting anything with terminators, comments, or stray parens.
func ValidateTypeName(typeName string) error {
	if typeName == "" {
		return fmt.Errorf("type name is required")
	}
	if !typeNameRe.MatchString(typeName) {
		return fmt.Errorf("type name %q is not a simple SQL type", typeName)
	}
	return nil
}

// QuoteIdentifier wraps a SQL identifier in double quotes, doubling any
// embedded quote characters (standard SQL). Callers validate first.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
