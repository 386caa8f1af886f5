package index

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/keydex/keydex/internal/keypath"
	"github.com/keydex/keydex/internal/locks"
)

// candidate identifies one prefix row by bucket and path.
type candidate struct {
	bucket string
	path   string
}

// sortCandidates orders by bucket, then level, then path, so batch writes
// and prune passes touch rows in one deterministic order.
func sortCandidates(cs []candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].bucket != cs[j].bucket {
			return cs[i].bucket < cs[j].bucket
		}
		li, lj := keypath.Level(cs[i].path), keypath.Level(cs[j].path)
		if li != lj {
			return li < lj
		}
		return cs[i].path < cs[j].path
	})
}

func validateObject(obj *Object) error {
	if err := ValidateBucket(obj.Bucket); err != nil {
		return err
	}
	if err := ValidateKey(obj.Key); err != nil {
		return err
	}
	if obj.Size < 0 {
		return &ValidationError{Field: "size", Reason: "must not be negative"}
	}
	return nil
}

func validateDeletes(bucket string, keys []string) error {
	if err := ValidateBucket(bucket); err != nil {
		return err
	}
	for _, key := range keys {
		if err := ValidateKey(key); err != nil {
			return err
		}
	}
	return nil
}

func validateMoves(moves []Move) error {
	for _, mv := range moves {
		if err := ValidateBucket(mv.FromBucket); err != nil {
			return err
		}
		if err := ValidateBucket(mv.ToBucket); err != nil {
			return err
		}
		if err := ValidateKey(mv.FromKey); err != nil {
			return err
		}
		if err := ValidateKey(mv.ToKey); err != nil {
			return err
		}
	}
	return nil
}

// ObjectInserted records obj and creates any missing ancestor prefixes in
// the same transaction, so no reader ever sees the object without its full
// chain. Re-inserting an existing key updates the row in place.
func (ix *Index) ObjectInserted(ctx context.Context, obj Object) error {
	if err := validateObject(&obj); err != nil {
		return err
	}

	lease, err := ix.acquire(ctx, []locks.Key{{Bucket: obj.Bucket, Segment: keypath.TopSegment(obj.Key)}})
	if err != nil {
		return err
	}
	defer lease.Release()

	now := time.Now().UnixNano()
	st := &txState{}
	err = ix.db.Update(func(tx *bolt.Tx) error {
		return ix.insertObject(tx, st, &obj, now)
	})
	if err != nil {
		return err
	}
	ix.finish("object_inserted", st)
	return nil
}

// ObjectDeleted removes one key and prunes ancestors left without a
// dependent. Deleting a missing key is a no-op.
func (ix *Index) ObjectDeleted(ctx context.Context, bucket, key string) error {
	return ix.ObjectsDeleted(ctx, bucket, []string{key})
}

// ObjectsDeleted removes a batch of keys under one bucket in a single
// transaction. Ancestor pruning considers the whole batch at once, never
// row by row.
func (ix *Index) ObjectsDeleted(ctx context.Context, bucket string, keys []string) error {
	if err := validateDeletes(bucket, keys); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	lockSet := make([]locks.Key, 0, len(keys))
	for _, key := range keys {
		lockSet = append(lockSet, locks.Key{Bucket: bucket, Segment: keypath.TopSegment(key)})
	}

	lease, err := ix.acquire(ctx, lockSet)
	if err != nil {
		return err
	}
	defer lease.Release()

	now := time.Now().UnixNano()
	st := &txState{}
	err = ix.db.Update(func(tx *bolt.Tx) error {
		return ix.deleteBatch(tx, st, bucket, keys, now)
	})
	if err != nil {
		return err
	}
	ix.finish("object_deleted", st)
	return nil
}

// ObjectRenamed moves one key within a bucket. Renaming a key that was
// already moved (or never existed) is a no-op.
func (ix *Index) ObjectRenamed(ctx context.Context, bucket, oldKey, newKey string) error {
	return ix.ObjectsRenamed(ctx, []Move{{
		FromBucket: bucket,
		FromKey:    oldKey,
		ToBucket:   bucket,
		ToKey:      newKey,
	}})
}

// ObjectsRenamed executes a batch of moves in one transaction. The prefix
// delta is computed over the whole batch: an ancestor needed by one move's
// destination is never pruned because another move vacates it.
func (ix *Index) ObjectsRenamed(ctx context.Context, moves []Move) error {
	if err := validateMoves(moves); err != nil {
		return err
	}
	if len(moves) == 0 {
		return nil
	}
	lockSet := make([]locks.Key, 0, 2*len(moves))
	for _, mv := range moves {
		lockSet = append(lockSet,
			locks.Key{Bucket: mv.FromBucket, Segment: keypath.TopSegment(mv.FromKey)},
			locks.Key{Bucket: mv.ToBucket, Segment: keypath.TopSegment(mv.ToKey)},
		)
	}

	lease, err := ix.acquire(ctx, lockSet)
	if err != nil {
		return err
	}
	defer lease.Release()

	now := time.Now().UnixNano()
	st := &txState{}
	err = ix.db.Update(func(tx *bolt.Tx) error {
		return ix.renameBatch(tx, st, moves, now)
	})
	if err != nil {
		return err
	}
	ix.finish("object_renamed", st)
	return nil
}

// transaction cores, shared by the public operations and the replication log

func (ix *Index) insertObject(tx *bolt.Tx, st *txState, obj *Object, now int64) error {
	obj.Level = keypath.Level(obj.Key)
	existing, err := getObject(tx, obj.Bucket, obj.Key)
	if err != nil {
		return err
	}
	if existing != nil {
		obj.CreatedAt = existing.CreatedAt
		if err := adjustUsage(tx, obj.Bucket, 0, obj.Size-existing.Size); err != nil {
			return err
		}
	} else {
		if obj.CreatedAt == 0 {
			obj.CreatedAt = now
		}
		if err := adjustUsage(tx, obj.Bucket, 1, obj.Size); err != nil {
			return err
		}
	}
	obj.UpdatedAt = now

	if err := putObject(tx, obj); err != nil {
		return err
	}
	if err := ensureAncestors(tx, st, obj.Bucket, obj.Key, now); err != nil {
		return err
	}
	st.event(Event{Type: EventObjectInserted, Bucket: obj.Bucket, Key: obj.Key, Size: obj.Size, ETag: obj.ETag, At: now})
	return nil
}

func (ix *Index) deleteBatch(tx *bolt.Tx, st *txState, bucket string, keys []string, now int64) error {
	cands := make(map[candidate]struct{})
	for _, key := range keys {
		obj, err := getObject(tx, bucket, key)
		if err != nil {
			return err
		}
		if obj == nil {
			continue
		}
		if err := deleteObjectRows(tx, obj); err != nil {
			return err
		}
		if err := adjustUsage(tx, bucket, -1, -obj.Size); err != nil {
			return err
		}
		for _, p := range keypath.Ancestors(key) {
			cands[candidate{bucket: bucket, path: p}] = struct{}{}
		}
		st.event(Event{Type: EventObjectDeleted, Bucket: bucket, Key: key, Size: obj.Size, At: now})
	}

	removals := make([]candidate, 0, len(cands))
	for c := range cands {
		removals = append(removals, c)
	}
	sortCandidates(removals)
	return ix.prune(tx, st, removals)
}

func (ix *Index) renameBatch(tx *bolt.Tx, st *txState, moves []Move, now int64) error {
	type exec struct {
		mv  Move
		src *Object
	}
	var execs []exec
	for _, mv := range moves {
		if mv.FromBucket == mv.ToBucket && mv.FromKey == mv.ToKey {
			continue
		}
		src, err := getObject(tx, mv.FromBucket, mv.FromKey)
		if err != nil {
			return err
		}
		if src == nil {
			continue
		}
		execs = append(execs, exec{mv: mv, src: src})
	}
	if len(execs) == 0 {
		return nil
	}

	// Delta over the executed batch: ancestors only the new side needs get
	// created, ancestors only the old side needed become prune candidates,
	// shared ones are left alone.
	oldSet := make(map[candidate]struct{})
	newSet := make(map[candidate]struct{})
	for _, e := range execs {
		for _, p := range keypath.Ancestors(e.mv.FromKey) {
			oldSet[candidate{bucket: e.mv.FromBucket, path: p}] = struct{}{}
		}
		for _, p := range keypath.Ancestors(e.mv.ToKey) {
			newSet[candidate{bucket: e.mv.ToBucket, path: p}] = struct{}{}
		}
	}
	var added, removals []candidate
	for c := range newSet {
		if _, ok := oldSet[c]; !ok {
			added = append(added, c)
		}
	}
	for c := range oldSet {
		if _, ok := newSet[c]; !ok {
			removals = append(removals, c)
		}
	}
	sortCandidates(added)
	sortCandidates(removals)

	for _, e := range execs {
		dstOld, err := getObject(tx, e.mv.ToBucket, e.mv.ToKey)
		if err != nil {
			return err
		}
		if err := deleteObjectRows(tx, e.src); err != nil {
			return err
		}
		dst := *e.src
		dst.Bucket = e.mv.ToBucket
		dst.Key = e.mv.ToKey
		dst.Level = keypath.Level(e.mv.ToKey)
		dst.UpdatedAt = now
		if err := putObject(tx, &dst); err != nil {
			return err
		}
		if err := adjustUsage(tx, e.mv.FromBucket, -1, -e.src.Size); err != nil {
			return err
		}
		if dstOld == nil {
			err = adjustUsage(tx, e.mv.ToBucket, 1, dst.Size)
		} else {
			err = adjustUsage(tx, e.mv.ToBucket, 0, dst.Size-dstOld.Size)
		}
		if err != nil {
			return err
		}
		st.event(Event{
			Type:      EventObjectRenamed,
			Bucket:    e.mv.ToBucket,
			Key:       e.mv.ToKey,
			OldBucket: e.mv.FromBucket,
			OldKey:    e.mv.FromKey,
			Size:      dst.Size,
			ETag:      dst.ETag,
			At:        now,
		})
	}

	for _, c := range added {
		if err := ensurePrefix(tx, st, c.bucket, c.path, now); err != nil {
			return err
		}
	}
	return ix.prune(tx, st, removals)
}

// ensureAncestors creates every missing ancestor prefix of key. Existing
// rows are left untouched, so concurrent inserts of siblings converge.
func ensureAncestors(tx *bolt.Tx, st *txState, bucket, key string, now int64) error {
	for _, p := range keypath.Ancestors(key) {
		if err := ensurePrefix(tx, st, bucket, p, now); err != nil {
			return err
		}
	}
	return nil
}

func ensurePrefix(tx *bolt.Tx, st *txState, bucket, path string, now int64) error {
	level := keypath.Level(path)
	b := tx.Bucket(prefixesBucket)
	k := prefixKey(bucket, level, path)
	if b.Get(k) != nil {
		return nil
	}
	data, err := json.Marshal(Prefix{Bucket: bucket, Level: level, Path: path, CreatedAt: now})
	if err != nil {
		return err
	}
	if err := b.Put(k, data); err != nil {
		return err
	}
	st.created++
	return nil
}
