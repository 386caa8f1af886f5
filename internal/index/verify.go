package index

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/keydex/keydex/internal/keypath"
)

// UsageDrift records a disagreement between the maintained accounting row
// and a full recount of the bucket's object rows.
type UsageDrift struct {
	RecordedObjects int64 `json:"recorded_objects"`
	ActualObjects   int64 `json:"actual_objects"`
	RecordedBytes   int64 `json:"recorded_bytes"`
	ActualBytes     int64 `json:"actual_bytes"`
}

// VerifyReport is the outcome of one bucket's consistency check.
type VerifyReport struct {
	Bucket   string `json:"bucket"`
	Objects  int64  `json:"objects"`
	Prefixes int    `json:"prefixes"`

	// Missing holds ancestor paths some object depends on that have no
	// prefix row; Orphaned holds prefix rows nothing depends on. Both are
	// empty on a healthy index.
	Missing  []string `json:"missing,omitempty"`
	Orphaned []string `json:"orphaned,omitempty"`

	UsageDrift *UsageDrift `json:"usage_drift,omitempty"`
}

// Clean reports whether the check found the bucket fully consistent.
func (r *VerifyReport) Clean() bool {
	return len(r.Missing) == 0 && len(r.Orphaned) == 0 && r.UsageDrift == nil
}

// VerifyBucket recomputes one bucket's prefix set and usage counters from
// its object rows and compares them against the stored rows. The check is
// read-only; every mutation commits both sides in one transaction, so any
// difference means the file was damaged outside the mutation path.
func (ix *Index) VerifyBucket(bucket string) (*VerifyReport, error) {
	if err := ValidateBucket(bucket); err != nil {
		return nil, err
	}

	rep := &VerifyReport{Bucket: bucket}
	err := ix.db.View(func(tx *bolt.Tx) error {
		scope := []byte(bucket + keySep)
		expected := make(map[string]bool)
		var objects, bytes int64

		c := tx.Bucket(objectsBucket).Cursor()
		for k, v := c.Seek(scope); k != nil && hasPrefix(k, scope); k, v = c.Next() {
			var obj Object
			if err := json.Unmarshal(v, &obj); err != nil {
				return fmt.Errorf("decode object %s: %w", k, ErrCorrupt)
			}
			objects++
			bytes += obj.Size
			for _, anc := range keypath.Ancestors(obj.Key) {
				expected[anc] = true
			}
		}
		rep.Objects = objects

		pc := tx.Bucket(prefixesBucket).Cursor()
		for k, _ := pc.Seek(scope); k != nil && hasPrefix(k, scope); k, _ = pc.Next() {
			rest := k[len(scope):]
			if len(rest) < 3 {
				return fmt.Errorf("prefix row %q truncated: %w", k, ErrCorrupt)
			}
			level := int(binary.BigEndian.Uint16(rest[:2]))
			path := string(rest[3:])
			rep.Prefixes++
			if expected[path] && level == keypath.Level(path) {
				delete(expected, path)
			} else {
				rep.Orphaned = append(rep.Orphaned, path)
			}
		}
		for path := range expected {
			rep.Missing = append(rep.Missing, path)
		}
		sort.Strings(rep.Missing)
		sort.Strings(rep.Orphaned)

		var u BucketUsage
		if data := tx.Bucket(usageBucket).Get([]byte(bucket)); data != nil {
			if err := json.Unmarshal(data, &u); err != nil {
				return fmt.Errorf("decode usage %s: %w", bucket, ErrCorrupt)
			}
		}
		if u.Objects != objects || u.TotalBytes != bytes {
			rep.UsageDrift = &UsageDrift{
				RecordedObjects: u.Objects,
				ActualObjects:   objects,
				RecordedBytes:   u.TotalBytes,
				ActualBytes:     bytes,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}
