package index

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// RaftApplier is the interface Replicated uses to submit writes.
// Implemented by cluster.Node. Apply returns the events produced by the
// committed command on this node.
type RaftApplier interface {
	Apply(data []byte) ([]Event, error)
	IsLeader() bool
}

// Replicated wraps an Index with Raft consensus for writes. Reads go
// directly to the local copy. Mutations are validated locally, stamped
// with the leader's clock, and serialized into the log so every node
// applies the identical change at the identical position. Events are
// delivered only on the submitting node.
type Replicated struct {
	*Index
	raft RaftApplier
}

func NewReplicated(ix *Index, raft RaftApplier) *Replicated {
	return &Replicated{Index: ix, raft: raft}
}

// IsLeader reports whether this node currently accepts writes.
func (r *Replicated) IsLeader() bool {
	return r.raft.IsLeader()
}

// Command types — must match cluster.CommandType values.
// Duplicated here to avoid an import cycle.
const (
	cmdObjectInserted  uint16 = 1
	cmdObjectsDeleted  uint16 = 2
	cmdObjectsRenamed  uint16 = 3
	cmdUploadCreated   uint16 = 4
	cmdPartAdded       uint16 = 5
	cmdUploadCompleted uint16 = 6
	cmdUploadAborted   uint16 = 7
)

type raftCommand struct {
	Type uint16          `json:"t"`
	Data json.RawMessage `json:"d"`
}

func (r *Replicated) apply(cmdType uint16, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal command payload: %w", err)
	}
	cmdData, err := json.Marshal(raftCommand{Type: cmdType, Data: data})
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	events, err := r.raft.Apply(cmdData)
	if err != nil {
		return err
	}
	r.Emit(events)
	return nil
}

// --- Object operations (override Index methods to go through Raft) ---

func (r *Replicated) ObjectInserted(ctx context.Context, obj Object) error {
	if err := validateObject(&obj); err != nil {
		return err
	}
	return r.apply(cmdObjectInserted, struct {
		Object Object
		At     int64
	}{obj, time.Now().UnixNano()})
}

func (r *Replicated) ObjectDeleted(ctx context.Context, bucket, key string) error {
	return r.ObjectsDeleted(ctx, bucket, []string{key})
}

func (r *Replicated) ObjectsDeleted(ctx context.Context, bucket string, keys []string) error {
	if err := validateDeletes(bucket, keys); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.apply(cmdObjectsDeleted, struct {
		Bucket string
		Keys   []string
		At     int64
	}{bucket, keys, time.Now().UnixNano()})
}

func (r *Replicated) ObjectRenamed(ctx context.Context, bucket, oldKey, newKey string) error {
	return r.ObjectsRenamed(ctx, []Move{{
		FromBucket: bucket,
		FromKey:    oldKey,
		ToBucket:   bucket,
		ToKey:      newKey,
	}})
}

func (r *Replicated) ObjectsRenamed(ctx context.Context, moves []Move) error {
	if err := validateMoves(moves); err != nil {
		return err
	}
	if len(moves) == 0 {
		return nil
	}
	return r.apply(cmdObjectsRenamed, struct {
		Moves []Move
		At    int64
	}{moves, time.Now().UnixNano()})
}

// --- Multipart operations ---

func (r *Replicated) CreateUpload(ctx context.Context, up Upload) (*Upload, error) {
	if err := ValidateBucket(up.Bucket); err != nil {
		return nil, err
	}
	if err := ValidateKey(up.Key); err != nil {
		return nil, err
	}
	if up.ID == "" {
		up.ID = uuid.NewString()
	}
	up.CreatedAt = time.Now().UnixNano()
	if err := r.apply(cmdUploadCreated, up); err != nil {
		return nil, err
	}
	return &up, nil
}

func (r *Replicated) AddPart(ctx context.Context, p Part) (*Part, error) {
	if err := validatePart(&p); err != nil {
		return nil, err
	}
	p.UploadedAt = time.Now().UnixNano()
	if err := r.apply(cmdPartAdded, p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CompleteUpload finalizes through the blob backend on the submitting
// node, then logs the deterministic outcome so followers index the same
// etag and size without re-running the backend.
func (r *Replicated) CompleteUpload(ctx context.Context, uploadID string) (*Object, error) {
	var up *Upload
	var parts []Part
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		if up, err = getUpload(tx, uploadID); err != nil {
			return err
		}
		if up == nil {
			return fmt.Errorf("upload %s: %w", uploadID, ErrNotFound)
		}
		parts, err = loadParts(tx, uploadID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, &ValidationError{Field: "parts", Reason: "upload has no parts"}
	}

	etag, size, err := r.fin.Complete(up, parts)
	if err != nil {
		return nil, fmt.Errorf("finalize upload %s: %w", uploadID, err)
	}

	err = r.apply(cmdUploadCompleted, struct {
		UploadID string
		ETag     string
		Size     int64
		At       int64
	}{uploadID, etag, size, time.Now().UnixNano()})
	if err != nil {
		return nil, err
	}
	return r.GetObject(up.Bucket, up.Key)
}

func (r *Replicated) AbortUpload(ctx context.Context, uploadID string) error {
	up, err := r.GetUpload(uploadID)
	if err != nil {
		return err
	}
	if err := r.fin.Abort(up); err != nil {
		return fmt.Errorf("abort upload %s: %w", uploadID, err)
	}
	return r.apply(cmdUploadAborted, struct {
		UploadID string
		At       int64
	}{uploadID, time.Now().UnixNano()})
}

// --- Log application ---
//
// The Apply methods run committed commands against the local copy. They
// skip validation and locking: the submitting node validated, and the log
// serializes applies. Each returns its events so the submitting node can
// deliver them; other nodes discard them.

func (ix *Index) ApplyObjectInserted(obj Object, at int64) ([]Event, error) {
	st := &txState{}
	err := ix.db.Update(func(tx *bolt.Tx) error {
		return ix.insertObject(tx, st, &obj, at)
	})
	if err != nil {
		return nil, err
	}
	ix.record("object_inserted", st)
	return st.events, nil
}

func (ix *Index) ApplyObjectsDeleted(bucket string, keys []string, at int64) ([]Event, error) {
	st := &txState{}
	err := ix.db.Update(func(tx *bolt.Tx) error {
		return ix.deleteBatch(tx, st, bucket, keys, at)
	})
	if err != nil {
		return nil, err
	}
	ix.record("object_deleted", st)
	return st.events, nil
}

func (ix *Index) ApplyObjectsRenamed(moves []Move, at int64) ([]Event, error) {
	st := &txState{}
	err := ix.db.Update(func(tx *bolt.Tx) error {
		return ix.renameBatch(tx, st, moves, at)
	})
	if err != nil {
		return nil, err
	}
	ix.record("object_renamed", st)
	return st.events, nil
}

func (ix *Index) ApplyUploadCreated(up Upload) ([]Event, error) {
	st := &txState{}
	err := ix.db.Update(func(tx *bolt.Tx) error {
		return ix.createUpload(tx, st, &up)
	})
	if err != nil {
		return nil, err
	}
	ix.record("upload_created", st)
	return st.events, nil
}

func (ix *Index) ApplyPartAdded(p Part) ([]Event, error) {
	st := &txState{}
	err := ix.db.Update(func(tx *bolt.Tx) error {
		return ix.addPart(tx, st, &p)
	})
	if err != nil {
		return nil, err
	}
	ix.record("part_added", st)
	return st.events, nil
}

func (ix *Index) ApplyUploadCompleted(uploadID, etag string, size, at int64) ([]Event, error) {
	st := &txState{}
	err := ix.db.Update(func(tx *bolt.Tx) error {
		_, err := ix.completeUpload(tx, st, uploadID, etag, size, at)
		return err
	})
	if err != nil {
		return nil, err
	}
	ix.record("upload_completed", st)
	return st.events, nil
}

func (ix *Index) ApplyUploadAborted(uploadID string, at int64) ([]Event, error) {
	st := &txState{}
	err := ix.db.Update(func(tx *bolt.Tx) error {
		return ix.abortUpload(tx, st, uploadID, at)
	})
	if err != nil {
		return nil, err
	}
	ix.record("upload_aborted", st)
	return st.events, nil
}
