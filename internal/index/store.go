// Package index maintains a materialized directory hierarchy over flat,
// slash-delimited object keys, backed by a single BoltDB file. Object
// mutations keep the prefix index, per-bucket usage counters and the
// multipart tracking rows consistent within one transaction.
package index

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/keydex/keydex/internal/keypath"
	"github.com/keydex/keydex/internal/locks"
	"github.com/keydex/keydex/internal/metrics"
)

var (
	objectsBucket   = []byte("objects")
	levelsBucket    = []byte("object_levels")
	prefixesBucket  = []byte("prefixes")
	uploadsBucket   = []byte("uploads")
	uploadIDsBucket = []byte("upload_ids")
	partsBucket     = []byte("upload_parts")
	usageBucket     = []byte("bucket_usage")
)

// keySep joins composite key parts. Bucket names and keys are validated
// to never contain it.
const keySep = "\x00"

// Finalizer hands completion and abort of a multipart upload to the blob
// backend. Complete returns the assembled object's etag and size.
type Finalizer interface {
	Complete(up *Upload, parts []Part) (etag string, size int64, err error)
	Abort(up *Upload) error
}

// Options tunes an Index. Zero values fall back to defaults.
type Options struct {
	// LockTimeout bounds waiting for contended subtree locks.
	LockTimeout time.Duration
	// DefaultLimit and MaxLimit bound listing page sizes.
	DefaultLimit int
	MaxLimit     int
	// Finalizer completes and aborts multipart uploads. Nil uses a
	// detached finalizer that derives the result from recorded parts.
	Finalizer Finalizer
	// Metrics receives operation counters; nil disables recording.
	Metrics *metrics.Metrics
	// ReadOnly opens an existing index file without write access. The
	// file lock is shared, so the owning daemon must not hold it.
	ReadOnly bool
}

// Index is the metadata index. All methods are safe for concurrent use.
type Index struct {
	db           *bolt.DB
	locks        *locks.Manager
	fin          Finalizer
	mx           *metrics.Metrics
	hook         func([]Event)
	defaultLimit int
	maxLimit     int
}

// Open opens or creates the index file at path.
func Open(path string, opts Options) (*Index, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second, ReadOnly: opts.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}

	allBuckets := [][]byte{
		objectsBucket, levelsBucket, prefixesBucket,
		uploadsBucket, uploadIDsBucket, partsBucket, usageBucket,
	}
	if opts.ReadOnly {
		err = db.View(func(tx *bolt.Tx) error {
			for _, name := range allBuckets {
				if tx.Bucket(name) == nil {
					return fmt.Errorf("bucket %s missing: %w", name, ErrCorrupt)
				}
			}
			return nil
		})
	} else {
		err = db.Update(func(tx *bolt.Tx) error {
			for _, name := range allBuckets {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init index buckets: %w", err)
	}

	ix := &Index{
		db:           db,
		locks:        locks.NewManager(opts.LockTimeout),
		fin:          opts.Finalizer,
		mx:           opts.Metrics,
		defaultLimit: opts.DefaultLimit,
		maxLimit:     opts.MaxLimit,
	}
	if ix.fin == nil {
		ix.fin = detachedFinalizer{}
	}
	if ix.defaultLimit <= 0 {
		ix.defaultLimit = 100
	}
	if ix.maxLimit <= 0 {
		ix.maxLimit = 1000
	}
	return ix, nil
}

func (ix *Index) Close() error {
	return ix.db.Close()
}

// SetHook registers a callback invoked after each committed mutation with
// the events it produced. Must be set before the index is shared.
func (ix *Index) SetHook(fn func([]Event)) {
	ix.hook = fn
}

// Composite key layout. Numeric parts are big-endian so byte order and
// numeric order agree under cursor scans.

func objectKey(bucket, key string) []byte {
	return []byte(bucket + keySep + key)
}

func levelKey(bucket string, level int, key string) []byte {
	return appendLevelPrefix(nil, bucket, level, key)
}

func levelPrefix(bucket string, level int, pathPrefix string) []byte {
	return appendLevelPrefix(nil, bucket, level, pathPrefix)
}

func appendLevelPrefix(b []byte, bucket string, level int, rest string) []byte {
	b = append(b, bucket...)
	b = append(b, 0)
	var lv [2]byte
	binary.BigEndian.PutUint16(lv[:], uint16(level))
	b = append(b, lv[:]...)
	b = append(b, 0)
	b = append(b, rest...)
	return b
}

func prefixKey(bucket string, level int, path string) []byte {
	return appendLevelPrefix(nil, bucket, level, path)
}

func uploadKey(bucket, key, id string) []byte {
	return []byte(bucket + keySep + key + keySep + id)
}

func partKey(id string, n int) []byte {
	b := make([]byte, 0, len(id)+5)
	b = append(b, id...)
	b = append(b, 0)
	var pn [4]byte
	binary.BigEndian.PutUint32(pn[:], uint32(n))
	b = append(b, pn[:]...)
	return b
}

func hasPrefix(k, prefix []byte) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix)
}

// prefixSuccessor returns the smallest key greater than every key that
// starts with p, or nil when no such key exists.
func prefixSuccessor(p []byte) []byte {
	out := append([]byte(nil), p...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

// seekLast positions c on the greatest key with the given prefix.
func seekLast(c *bolt.Cursor, prefix []byte) (k, v []byte) {
	if succ := prefixSuccessor(prefix); succ != nil {
		k, v = c.Seek(succ)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
	} else {
		k, v = c.Last()
	}
	if k == nil || !hasPrefix(k, prefix) {
		return nil, nil
	}
	return k, v
}

func getObject(tx *bolt.Tx, bucket, key string) (*Object, error) {
	data := tx.Bucket(objectsBucket).Get(objectKey(bucket, key))
	if data == nil {
		return nil, nil
	}
	obj := &Object{}
	if err := json.Unmarshal(data, obj); err != nil {
		return nil, fmt.Errorf("decode object %s/%s: %w", bucket, key, ErrCorrupt)
	}
	return obj, nil
}

func putObject(tx *bolt.Tx, obj *Object) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	if err := tx.Bucket(objectsBucket).Put(objectKey(obj.Bucket, obj.Key), data); err != nil {
		return err
	}
	return tx.Bucket(levelsBucket).Put(levelKey(obj.Bucket, obj.Level, obj.Key), nil)
}

func deleteObjectRows(tx *bolt.Tx, obj *Object) error {
	if err := tx.Bucket(objectsBucket).Delete(objectKey(obj.Bucket, obj.Key)); err != nil {
		return err
	}
	return tx.Bucket(levelsBucket).Delete(levelKey(obj.Bucket, obj.Level, obj.Key))
}

// GetObject returns the indexed metadata for one key.
func (ix *Index) GetObject(bucket, key string) (*Object, error) {
	var obj *Object
	err := ix.db.View(func(tx *bolt.Tx) error {
		var err error
		obj, err = getObject(tx, bucket, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("object %s/%s: %w", bucket, key, ErrNotFound)
	}
	return obj, nil
}

// HasPrefix reports whether path is currently materialized as a directory
// node in the bucket. Path must not carry the trailing delimiter.
func (ix *Index) HasPrefix(bucket, path string) (bool, error) {
	var found bool
	err := ix.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(prefixesBucket).Get(prefixKey(bucket, keypath.Level(path), path)) != nil
		return nil
	})
	return found, err
}

// usage accounting, maintained inside every mutating transaction

func adjustUsage(tx *bolt.Tx, bucket string, objects, bytes int64) error {
	b := tx.Bucket(usageBucket)
	var u BucketUsage
	if data := b.Get([]byte(bucket)); data != nil {
		if err := json.Unmarshal(data, &u); err != nil {
			return fmt.Errorf("decode usage %s: %w", bucket, ErrCorrupt)
		}
	}
	u.Bucket = bucket
	u.Objects += objects
	u.TotalBytes += bytes
	if u.Objects < 0 || u.TotalBytes < 0 {
		return fmt.Errorf("usage for %s went negative: %w", bucket, ErrCorrupt)
	}
	if u.Objects == 0 {
		return b.Delete([]byte(bucket))
	}
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return b.Put([]byte(bucket), data)
}

// TotalSizeByBucket returns the accounting row for every bucket holding
// at least one object, in bucket name order.
func (ix *Index) TotalSizeByBucket() ([]BucketUsage, error) {
	var out []BucketUsage
	err := ix.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(usageBucket).ForEach(func(k, v []byte) error {
			var u BucketUsage
			if err := json.Unmarshal(v, &u); err != nil {
				return fmt.Errorf("decode usage %s: %w", k, ErrCorrupt)
			}
			out = append(out, u)
			return nil
		})
	})
	return out, err
}

// Usage returns one bucket's accounting row; zero counts if the bucket
// holds no objects.
func (ix *Index) Usage(bucket string) (BucketUsage, error) {
	u := BucketUsage{Bucket: bucket}
	err := ix.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(usageBucket).Get([]byte(bucket))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &u)
	})
	return u, err
}

// Buckets returns the names of buckets currently holding objects.
func (ix *Index) Buckets() ([]string, error) {
	var out []string
	err := ix.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(usageBucket).ForEach(func(k, v []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

// Stats summarizes row counts across the index.
func (ix *Index) Stats() (Stats, error) {
	var st Stats
	err := ix.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(usageBucket).ForEach(func(k, v []byte) error {
			var u BucketUsage
			if err := json.Unmarshal(v, &u); err != nil {
				return fmt.Errorf("decode usage %s: %w", k, ErrCorrupt)
			}
			st.Buckets++
			st.Objects += u.Objects
			st.Bytes += u.TotalBytes
			return nil
		}); err != nil {
			return err
		}
		st.Prefixes = tx.Bucket(prefixesBucket).Stats().KeyN
		st.Uploads = tx.Bucket(uploadIDsBucket).Stats().KeyN
		return nil
	})
	return st, err
}

// txState carries per-mutation bookkeeping: the prune re-entrancy flag,
// counters for metrics and the events to publish after commit.
type txState struct {
	inPrune bool
	created int
	pruned  int
	events  []Event
}

func (st *txState) enterPrune() bool {
	if st.inPrune {
		return false
	}
	st.inPrune = true
	return true
}

func (st *txState) leavePrune() {
	st.inPrune = false
}

func (st *txState) event(ev Event) {
	st.events = append(st.events, ev)
}

// acquire takes the subtree locks for a mutation, recording wait time.
func (ix *Index) acquire(ctx context.Context, keys []locks.Key) (*locks.Lease, error) {
	start := time.Now()
	lease, err := ix.locks.Acquire(ctx, keys)
	ix.mx.ObserveLockWait(time.Since(start), err == nil)
	return lease, err
}

// record counts a committed mutation without delivering events. The
// replication apply path uses it directly, since only the submitting
// leader delivers.
func (ix *Index) record(op string, st *txState) {
	ix.mx.RecordOp(op)
	ix.mx.AddPrefixes(st.created, st.pruned)
}

// finish publishes a committed mutation's side effects.
func (ix *Index) finish(op string, st *txState) {
	ix.record(op, st)
	ix.Emit(st.events)
}

// Emit delivers events to the notification hook.
func (ix *Index) Emit(events []Event) {
	if ix.hook != nil && len(events) > 0 {
		ix.hook(events)
	}
}
