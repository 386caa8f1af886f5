package index

import (
	"encoding/base64"
	"encoding/binary"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Cursor tokens are seek positions, not offsets: they carry the last
// returned row's sort tuple so the next page resumes strictly after it,
// stable under concurrent inserts and deletes. The payload is checksummed
// so a tampered or truncated token is rejected instead of silently
// repositioning the scan.

func encodeCursor(fields ...string) string {
	payload := strings.Join(fields, keySep)
	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], xxhash.Sum64String(payload))
	return base64.RawURLEncoding.EncodeToString(append(sum[:], payload...))
}

var errBadCursor = &ValidationError{Field: "cursor", Reason: "malformed or mismatched cursor"}

// decodeCursor unpacks a token, verifying checksum, kind tag and field
// count. Tokens are bound to the query shape that produced them; a cursor
// from a different listing kind or sort is rejected.
func decodeCursor(token, kind string, nfields int) ([]string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) < 8 {
		return nil, errBadCursor
	}
	if xxhash.Sum64String(string(raw[8:])) != binary.BigEndian.Uint64(raw[:8]) {
		return nil, errBadCursor
	}
	fields := strings.Split(string(raw[8:]), keySep)
	if len(fields) != nfields+1 || fields[0] != kind {
		return nil, errBadCursor
	}
	return fields[1:], nil
}
