package index

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/keydex/keydex/internal/keypath"
	"github.com/keydex/keydex/internal/locks"
)

const (
	uploadsCursorKind = "uploads"
	partsCursorKind   = "parts"

	maxPartNumber = 10000
)

// Uploads are tracked in two buckets: upload_ids holds the canonical row
// keyed by id, uploads is a secondary index keyed by bucket\x00key\x00id
// whose byte order is exactly the listing order. Parts live under
// id\x00partnumber with the number big-endian.

func getUpload(tx *bolt.Tx, id string) (*Upload, error) {
	data := tx.Bucket(uploadIDsBucket).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	up := &Upload{}
	if err := json.Unmarshal(data, up); err != nil {
		return nil, fmt.Errorf("decode upload %s: %w", id, ErrCorrupt)
	}
	return up, nil
}

func putUpload(tx *bolt.Tx, up *Upload) error {
	data, err := json.Marshal(up)
	if err != nil {
		return err
	}
	if err := tx.Bucket(uploadIDsBucket).Put([]byte(up.ID), data); err != nil {
		return err
	}
	return tx.Bucket(uploadsBucket).Put(uploadKey(up.Bucket, up.Key, up.ID), nil)
}

func deleteUploadRows(tx *bolt.Tx, up *Upload) error {
	if err := tx.Bucket(uploadsBucket).Delete(uploadKey(up.Bucket, up.Key, up.ID)); err != nil {
		return err
	}
	if err := tx.Bucket(uploadIDsBucket).Delete([]byte(up.ID)); err != nil {
		return err
	}
	pp := append([]byte(up.ID), 0)
	var stale [][]byte
	c := tx.Bucket(partsBucket).Cursor()
	for k, _ := c.Seek(pp); k != nil && hasPrefix(k, pp); k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := tx.Bucket(partsBucket).Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func loadParts(tx *bolt.Tx, id string) ([]Part, error) {
	pp := append([]byte(id), 0)
	var parts []Part
	c := tx.Bucket(partsBucket).Cursor()
	for k, v := c.Seek(pp); k != nil && hasPrefix(k, pp); k, v = c.Next() {
		var p Part
		if err := json.Unmarshal(v, &p); err != nil {
			return nil, fmt.Errorf("decode part %q: %w", k, ErrCorrupt)
		}
		parts = append(parts, p)
	}
	return parts, nil
}

// CreateUpload registers a new in-progress upload and returns it with its
// assigned id. The upload does not touch the prefix hierarchy until
// completion.
func (ix *Index) CreateUpload(ctx context.Context, up Upload) (*Upload, error) {
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

	st := &txState{}
	err := ix.db.Update(func(tx *bolt.Tx) error {
		return ix.createUpload(tx, st, &up)
	})
	if err != nil {
		return nil, err
	}
	ix.finish("upload_created", st)
	return &up, nil
}

func (ix *Index) createUpload(tx *bolt.Tx, st *txState, up *Upload) error {
	existing, err := getUpload(tx, up.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		*up = *existing
		return nil
	}
	if err := putUpload(tx, up); err != nil {
		return err
	}
	st.event(Event{Type: EventUploadCreated, Bucket: up.Bucket, Key: up.Key, UploadID: up.ID, At: up.CreatedAt})
	return nil
}

// GetUpload returns the upload with the given id.
func (ix *Index) GetUpload(id string) (*Upload, error) {
	var up *Upload
	err := ix.db.View(func(tx *bolt.Tx) error {
		var err error
		up, err = getUpload(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if up == nil {
		return nil, fmt.Errorf("upload %s: %w", id, ErrNotFound)
	}
	return up, nil
}

// ExpiredUploads returns the ids of uploads created before the given
// unix-nano timestamp, oldest first. It scans the canonical rows rather
// than Buckets() so uploads in buckets with no completed objects are
// still found.
func (ix *Index) ExpiredUploads(before int64) ([]string, error) {
	type stale struct {
		id string
		at int64
	}
	var found []stale
	err := ix.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(uploadIDsBucket).ForEach(func(k, v []byte) error {
			up := &Upload{}
			if err := json.Unmarshal(v, up); err != nil {
				return fmt.Errorf("decode upload %s: %w", k, ErrCorrupt)
			}
			if up.CreatedAt < before {
				found = append(found, stale{id: up.ID, at: up.CreatedAt})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(found, func(i, j int) bool { return found[i].at < found[j].at })
	ids := make([]string, len(found))
	for i := range found {
		ids[i] = found[i].id
	}
	return ids, nil
}

func validatePart(p *Part) error {
	if p.UploadID == "" {
		return &ValidationError{Field: "upload_id", Reason: "must not be empty"}
	}
	if p.PartNumber < 1 || p.PartNumber > maxPartNumber {
		return &ValidationError{Field: "part_number", Reason: fmt.Sprintf("must be between 1 and %d", maxPartNumber)}
	}
	if p.Size < 0 {
		return &ValidationError{Field: "size", Reason: "must not be negative"}
	}
	return nil
}

// AddPart records one part of an upload. Re-sending a part number
// replaces the previous part, matching re-upload semantics.
func (ix *Index) AddPart(ctx context.Context, p Part) (*Part, error) {
	if err := validatePart(&p); err != nil {
		return nil, err
	}
	p.UploadedAt = time.Now().UnixNano()

	st := &txState{}
	err := ix.db.Update(func(tx *bolt.Tx) error {
		return ix.addPart(tx, st, &p)
	})
	if err != nil {
		return nil, err
	}
	ix.finish("part_added", st)
	return &p, nil
}

func (ix *Index) addPart(tx *bolt.Tx, st *txState, p *Part) error {
	up, err := getUpload(tx, p.UploadID)
	if err != nil {
		return err
	}
	if up == nil {
		return fmt.Errorf("upload %s: %w", p.UploadID, ErrNotFound)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return tx.Bucket(partsBucket).Put(partKey(p.UploadID, p.PartNumber), data)
}

// uploadEntry is one merged row of an upload listing.
type uploadEntry struct {
	name   string
	id     string
	folder *Folder
	up     *Upload
}

// ListUploads pages through in-progress uploads under opts.Prefix with
// the same delimiter grouping and seek cursor as List. Order is byte-wise
// (key, id); an id tie-break keeps rows distinct when one key has several
// open uploads.
func (ix *Index) ListUploads(bucket string, opts ListOptions) (*UploadPage, error) {
	if err := ValidateBucket(bucket); err != nil {
		return nil, err
	}
	if strings.ContainsRune(opts.Prefix, 0) {
		return nil, &ValidationError{Field: "prefix", Reason: "must not contain null bytes"}
	}
	if strings.ContainsRune(opts.Delimiter, 0) {
		return nil, &ValidationError{Field: "delimiter", Reason: "must not contain null bytes"}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = ix.defaultLimit
	}
	if limit > ix.maxLimit {
		limit = ix.maxLimit
	}

	var curName, curID string
	haveCur := false
	if opts.Cursor != "" {
		fields, err := decodeCursor(opts.Cursor, uploadsCursorKind, 2)
		if err != nil {
			return nil, err
		}
		curName, curID = fields[0], fields[1]
		haveCur = true
	}

	d := opts.Delimiter
	op := []byte(bucket + keySep + opts.Prefix)
	var entries []uploadEntry
	err := ix.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(uploadsBucket).Cursor()

		var k []byte
		if haveCur {
			if d != "" && strings.HasSuffix(curName, d) {
				gk := append(append([]byte{}, op...), curName...)
				if next := prefixSuccessor(gk); next != nil {
					k, _ = c.Seek(next)
				}
			} else {
				k, _ = c.Seek(append(append([]byte{}, op...), curName...))
			}
		} else {
			k, _ = c.Seek(op)
		}

		for k != nil && hasPrefix(k, op) && len(entries) < limit+1 {
			rel := string(k[len(op):])
			sep := strings.IndexByte(rel, 0)
			if sep < 0 {
				return fmt.Errorf("malformed upload row %q: %w", k, ErrCorrupt)
			}
			relKey, id := rel[:sep], rel[sep+1:]

			gi := -1
			if d != "" {
				gi = strings.Index(relKey, d)
			}
			if gi >= 0 {
				group := relKey[:gi+len(d)]
				if haveCur && group <= curName {
					// Behind the cursor; also covers the cursor's own group.
					gk := append(append([]byte{}, op...), group...)
					if next := prefixSuccessor(gk); next != nil {
						k, _ = c.Seek(next)
					} else {
						k = nil
					}
					continue
				}
				entries = append(entries, uploadEntry{name: group, folder: &Folder{Path: opts.Prefix + group, Name: group}})
				gk := append(append([]byte{}, op...), group...)
				if next := prefixSuccessor(gk); next != nil {
					k, _ = c.Seek(next)
				} else {
					k = nil
				}
				continue
			}

			if haveCur && (relKey < curName || (relKey == curName && id <= curID)) {
				k, _ = c.Next()
				continue
			}
			up, err := getUpload(tx, id)
			if err != nil {
				return err
			}
			if up == nil {
				return fmt.Errorf("upload row without canonical row %q: %w", k, ErrCorrupt)
			}
			entries = append(entries, uploadEntry{name: relKey, id: id, up: up})
			k, _ = c.Next()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ix.mx.RecordListing("uploads")

	page := &UploadPage{}
	more := len(entries) > limit
	if more {
		entries = entries[:limit]
	}
	for i := range entries {
		if entries[i].folder != nil {
			page.Folders = append(page.Folders, *entries[i].folder)
		} else {
			page.Uploads = append(page.Uploads, *entries[i].up)
		}
	}
	if more && len(entries) > 0 {
		last := entries[len(entries)-1]
		page.NextCursor = encodeCursor(uploadsCursorKind, last.name, last.id)
	}
	return page, nil
}

// ListParts pages through the parts of one upload in part-number order.
// The cursor is bound to the upload id it was issued for.
func (ix *Index) ListParts(uploadID string, limit int, cursor string) (*PartPage, error) {
	if uploadID == "" {
		return nil, &ValidationError{Field: "upload_id", Reason: "must not be empty"}
	}
	if limit <= 0 {
		limit = ix.defaultLimit
	}
	if limit > ix.maxLimit {
		limit = ix.maxLimit
	}

	after := 0
	if cursor != "" {
		fields, err := decodeCursor(cursor, partsCursorKind, 2)
		if err != nil {
			return nil, err
		}
		if fields[0] != uploadID {
			return nil, errBadCursor
		}
		after, err = strconv.Atoi(fields[1])
		if err != nil {
			return nil, errBadCursor
		}
	}

	pp := append([]byte(uploadID), 0)
	var parts []Part
	err := ix.db.View(func(tx *bolt.Tx) error {
		up, err := getUpload(tx, uploadID)
		if err != nil {
			return err
		}
		if up == nil {
			return fmt.Errorf("upload %s: %w", uploadID, ErrNotFound)
		}
		c := tx.Bucket(partsBucket).Cursor()
		for k, v := c.Seek(partKey(uploadID, after+1)); k != nil && hasPrefix(k, pp) && len(parts) < limit+1; k, v = c.Next() {
			var p Part
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("decode part %q: %w", k, ErrCorrupt)
			}
			parts = append(parts, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	page := &PartPage{}
	if len(parts) > limit {
		parts = parts[:limit]
		last := parts[len(parts)-1]
		page.NextCursor = encodeCursor(partsCursorKind, uploadID, strconv.Itoa(last.PartNumber))
	}
	page.Parts = parts
	return page, nil
}

// CompleteUpload finalizes an upload through the blob backend, then
// atomically indexes the finished object, its ancestors, and the removal
// of the upload tracking rows.
func (ix *Index) CompleteUpload(ctx context.Context, uploadID string) (*Object, error) {
	var up *Upload
	var parts []Part
	err := ix.db.View(func(tx *bolt.Tx) error {
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

	etag, size, err := ix.fin.Complete(up, parts)
	if err != nil {
		return nil, fmt.Errorf("finalize upload %s: %w", uploadID, err)
	}

	lease, err := ix.acquire(ctx, []locks.Key{{Bucket: up.Bucket, Segment: keypath.TopSegment(up.Key)}})
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	now := time.Now().UnixNano()
	st := &txState{}
	var obj *Object
	err = ix.db.Update(func(tx *bolt.Tx) error {
		obj, err = ix.completeUpload(tx, st, uploadID, etag, size, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	ix.finish("upload_completed", st)
	return obj, nil
}

func (ix *Index) completeUpload(tx *bolt.Tx, st *txState, uploadID, etag string, size, now int64) (*Object, error) {
	up, err := getUpload(tx, uploadID)
	if err != nil {
		return nil, err
	}
	if up == nil {
		// Raced with an abort between finalize and commit.
		return nil, fmt.Errorf("upload %s: %w", uploadID, ErrNotFound)
	}
	obj := &Object{
		Bucket:      up.Bucket,
		Key:         up.Key,
		Size:        size,
		ETag:        etag,
		ContentType: up.ContentType,
		Owner:       up.Owner,
		Metadata:    up.Metadata,
	}
	if err := ix.insertObject(tx, st, obj, now); err != nil {
		return nil, err
	}
	if err := deleteUploadRows(tx, up); err != nil {
		return nil, err
	}
	st.event(Event{Type: EventUploadCompleted, Bucket: up.Bucket, Key: up.Key, UploadID: uploadID, Size: size, ETag: etag, At: now})
	return obj, nil
}

// AbortUpload discards an upload through the blob backend and removes its
// tracking rows. The tracking rows survive a failed backend abort so the
// caller can retry.
func (ix *Index) AbortUpload(ctx context.Context, uploadID string) error {
	up, err := ix.GetUpload(uploadID)
	if err != nil {
		return err
	}
	if err := ix.fin.Abort(up); err != nil {
		return fmt.Errorf("abort upload %s: %w", uploadID, err)
	}

	now := time.Now().UnixNano()
	st := &txState{}
	err = ix.db.Update(func(tx *bolt.Tx) error {
		return ix.abortUpload(tx, st, uploadID, now)
	})
	if err != nil {
		return err
	}
	ix.finish("upload_aborted", st)
	return nil
}

func (ix *Index) abortUpload(tx *bolt.Tx, st *txState, uploadID string, now int64) error {
	up, err := getUpload(tx, uploadID)
	if err != nil {
		return err
	}
	if up == nil {
		return fmt.Errorf("upload %s: %w", uploadID, ErrNotFound)
	}
	if err := deleteUploadRows(tx, up); err != nil {
		return err
	}
	st.event(Event{Type: EventUploadAborted, Bucket: up.Bucket, Key: up.Key, UploadID: uploadID, At: now})
	return nil
}

// detachedFinalizer derives the completion result from the recorded parts
// alone, for deployments where the blob backend finalizes out of band.
// The combined etag follows the multipart convention:
// md5(md5(part1) + md5(part2) + ...)-N.
type detachedFinalizer struct{}

func (detachedFinalizer) Complete(up *Upload, parts []Part) (string, int64, error) {
	combined := md5.New()
	var size int64
	for i := range parts {
		raw, err := hex.DecodeString(strings.Trim(parts[i].ETag, `"`))
		if err != nil {
			raw = []byte(parts[i].ETag)
		}
		combined.Write(raw)
		size += parts[i].Size
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(combined.Sum(nil)), len(parts)), size, nil
}

func (detachedFinalizer) Abort(up *Upload) error { return nil }
