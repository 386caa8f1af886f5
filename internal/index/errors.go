package index

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/keydex/keydex/internal/keypath"
)

var (
	// ErrNotFound marks lookups of objects or uploads that do not exist.
	ErrNotFound = errors.New("not found")

	// ErrCorrupt marks an internal invariant breach, such as a secondary
	// index entry without its primary row. It is never swallowed.
	ErrCorrupt = errors.New("index corrupted")
)

// ValidationError rejects malformed or over-limit identifiers before any
// mutation is applied.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var bucketNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]{1,61}[a-z0-9]$`)

// ValidateBucket checks DNS-compatible bucket naming rules.
func ValidateBucket(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return &ValidationError{Field: "bucket", Reason: "name must be between 3 and 63 characters"}
	}
	if !bucketNameRe.MatchString(name) {
		return &ValidationError{Field: "bucket", Reason: "name must be lowercase alphanumeric, may contain hyphens and dots, cannot start or end with hyphen/dot"}
	}
	if strings.Contains(name, "..") {
		return &ValidationError{Field: "bucket", Reason: "name must not contain consecutive dots"}
	}
	return nil
}

// ValidateKey checks object key constraints. Keys are segment sequences,
// so empty segments and boundary delimiters are rejected along with the
// usual length and byte rules.
func ValidateKey(key string) error {
	if len(key) == 0 {
		return &ValidationError{Field: "key", Reason: "must not be empty"}
	}
	if len(key) > 1024 {
		return &ValidationError{Field: "key", Reason: "must not exceed 1024 characters"}
	}
	if strings.ContainsRune(key, 0) {
		return &ValidationError{Field: "key", Reason: "must not contain null bytes"}
	}
	if !keypath.WellFormed(key) {
		return &ValidationError{Field: "key", Reason: "must not contain empty segments or begin or end with the delimiter"}
	}
	return nil
}
