package index

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
)

func mustCreateUpload(t *testing.T, ix *Index, bucket, key string) *Upload {
	t.Helper()
	up, err := ix.CreateUpload(context.Background(), Upload{Bucket: bucket, Key: key})
	if err != nil {
		t.Fatalf("CreateUpload(%s/%s): %v", bucket, key, err)
	}
	return up
}

func mustAddPart(t *testing.T, ix *Index, id string, n int, size int64, etag string) {
	t.Helper()
	_, err := ix.AddPart(context.Background(), Part{UploadID: id, PartNumber: n, Size: size, ETag: etag})
	if err != nil {
		t.Fatalf("AddPart(%s, %d): %v", id, n, err)
	}
}

func TestUpload_CreateAndGet(t *testing.T) {
	ix := newTestIndex(t)
	up := mustCreateUpload(t, ix, "docs", "a/b/large.bin")
	if up.ID == "" || up.CreatedAt == 0 {
		t.Fatalf("upload not stamped: %+v", up)
	}

	got, err := ix.GetUpload(up.ID)
	if err != nil {
		t.Fatalf("GetUpload: %v", err)
	}
	if got.Bucket != "docs" || got.Key != "a/b/large.bin" {
		t.Errorf("got %+v", got)
	}

	if _, err := ix.GetUpload("no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// An open upload must not touch the prefix hierarchy.
	wantPrefixes(t, ix, "docs")
}

func TestUpload_PartValidation(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()
	up := mustCreateUpload(t, ix, "docs", "f.bin")

	var ve *ValidationError
	if _, err := ix.AddPart(ctx, Part{UploadID: up.ID, PartNumber: 0}); !errors.As(err, &ve) {
		t.Errorf("part 0: %v", err)
	}
	if _, err := ix.AddPart(ctx, Part{UploadID: up.ID, PartNumber: 10001}); !errors.As(err, &ve) {
		t.Errorf("part 10001: %v", err)
	}
	if _, err := ix.AddPart(ctx, Part{UploadID: "ghost", PartNumber: 1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing upload: %v", err)
	}
}

func TestUpload_ListPartsOrderedWithCursor(t *testing.T) {
	ix := newTestIndex(t)
	up := mustCreateUpload(t, ix, "docs", "f.bin")

	// Out-of-order arrival; listing is by part number.
	for _, n := range []int{3, 1, 5, 2, 4} {
		mustAddPart(t, ix, up.ID, n, int64(n*10), fmt.Sprintf("etag-%d", n))
	}

	var nums []int
	cursor := ""
	for {
		page, err := ix.ListParts(up.ID, 2, cursor)
		if err != nil {
			t.Fatalf("ListParts: %v", err)
		}
		for _, p := range page.Parts {
			nums = append(nums, p.PartNumber)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	want := []int{1, 2, 3, 4, 5}
	if len(nums) != len(want) {
		t.Fatalf("parts = %v", nums)
	}
	for i := range want {
		if nums[i] != want[i] {
			t.Fatalf("parts = %v, want %v", nums, want)
		}
	}

	// Re-sending a part number replaces the part.
	mustAddPart(t, ix, up.ID, 3, 999, "etag-3b")
	page, err := ix.ListParts(up.ID, 10, "")
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if len(page.Parts) != 5 || page.Parts[2].Size != 999 {
		t.Errorf("after overwrite: %+v", page.Parts)
	}

	// A parts cursor is bound to its upload.
	first, err := ix.ListParts(up.ID, 2, "")
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	other := mustCreateUpload(t, ix, "docs", "g.bin")
	mustAddPart(t, ix, other.ID, 1, 1, "e")
	var ve *ValidationError
	if _, err := ix.ListParts(other.ID, 2, first.NextCursor); !errors.As(err, &ve) {
		t.Errorf("foreign cursor: %v", err)
	}
}

func TestUpload_ListGroupsByDelimiter(t *testing.T) {
	ix := newTestIndex(t)
	mustCreateUpload(t, ix, "docs", "a/b/one.bin")
	mustCreateUpload(t, ix, "docs", "a/b/two.bin")
	mustCreateUpload(t, ix, "docs", "top.bin")

	page, err := ix.ListUploads("docs", ListOptions{Delimiter: "/"})
	if err != nil {
		t.Fatalf("ListUploads: %v", err)
	}
	if !equalStrings(folderPaths(page.Folders), []string{"a/"}) {
		t.Errorf("folders = %v", folderPaths(page.Folders))
	}
	if len(page.Uploads) != 1 || page.Uploads[0].Key != "top.bin" {
		t.Errorf("uploads = %+v", page.Uploads)
	}

	page, err = ix.ListUploads("docs", ListOptions{Prefix: "a/b/", Delimiter: "/"})
	if err != nil {
		t.Fatalf("ListUploads a/b/: %v", err)
	}
	if len(page.Uploads) != 2 {
		t.Fatalf("a/b/ uploads = %+v", page.Uploads)
	}
	if page.Uploads[0].Key != "a/b/one.bin" || page.Uploads[1].Key != "a/b/two.bin" {
		t.Errorf("a/b/ uploads = %+v", page.Uploads)
	}
}

func TestUpload_ListPaginatesAndDisambiguatesByID(t *testing.T) {
	ix := newTestIndex(t)
	// Two open uploads for the same key; the id column keeps the rows
	// distinct across pages.
	u1 := mustCreateUpload(t, ix, "docs", "same.bin")
	u2 := mustCreateUpload(t, ix, "docs", "same.bin")
	mustCreateUpload(t, ix, "docs", "zz.bin")

	var ids []string
	opts := ListOptions{Delimiter: "/", Limit: 1}
	for {
		page, err := ix.ListUploads("docs", opts)
		if err != nil {
			t.Fatalf("ListUploads: %v", err)
		}
		for _, up := range page.Uploads {
			ids = append(ids, up.ID)
		}
		if page.NextCursor == "" {
			break
		}
		opts.Cursor = page.NextCursor
	}
	if len(ids) != 3 {
		t.Fatalf("ids = %v", ids)
	}
	// Both same-key uploads present, in id order, no duplicates.
	lo, hi := u1.ID, u2.ID
	if lo > hi {
		lo, hi = hi, lo
	}
	if ids[0] != lo || ids[1] != hi {
		t.Errorf("same-key order = %v, want [%s %s ...]", ids, lo, hi)
	}
}

func TestUpload_CompleteIndexesObjectAtomically(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	var events []Event
	ix.SetHook(func(evs []Event) { events = append(events, evs...) })

	up := mustCreateUpload(t, ix, "docs", "a/b/big.bin")

	sum1 := md5.Sum([]byte("part-one"))
	sum2 := md5.Sum([]byte("part-two"))
	mustAddPart(t, ix, up.ID, 1, 8, hex.EncodeToString(sum1[:]))
	mustAddPart(t, ix, up.ID, 2, 8, hex.EncodeToString(sum2[:]))

	obj, err := ix.CompleteUpload(ctx, up.ID)
	if err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}

	combined := md5.New()
	combined.Write(sum1[:])
	combined.Write(sum2[:])
	wantETag := hex.EncodeToString(combined.Sum(nil)) + "-2"
	if obj.ETag != wantETag {
		t.Errorf("etag = %q, want %q", obj.ETag, wantETag)
	}
	if obj.Size != 16 {
		t.Errorf("size = %d, want 16", obj.Size)
	}

	// Object and its full ancestor chain are visible.
	if _, err := ix.GetObject("docs", "a/b/big.bin"); err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	wantPrefixes(t, ix, "docs", "a", "a/b")

	// Tracking rows are gone.
	if _, err := ix.GetUpload(up.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("upload survived completion: %v", err)
	}
	if _, err := ix.ListParts(up.ID, 10, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("parts survived completion: %v", err)
	}

	var sawInserted, sawCompleted bool
	for _, ev := range events {
		switch ev.Type {
		case EventObjectInserted:
			sawInserted = true
		case EventUploadCompleted:
			sawCompleted = ev.UploadID == up.ID
		}
	}
	if !sawInserted || !sawCompleted {
		t.Errorf("events = %+v", events)
	}
}

func TestUpload_CompleteWithoutPartsFails(t *testing.T) {
	ix := newTestIndex(t)
	up := mustCreateUpload(t, ix, "docs", "f.bin")

	var ve *ValidationError
	if _, err := ix.CompleteUpload(context.Background(), up.ID); !errors.As(err, &ve) {
		t.Errorf("expected ValidationError, got %v", err)
	}
	// The upload stays open.
	if _, err := ix.GetUpload(up.ID); err != nil {
		t.Errorf("upload lost: %v", err)
	}
}

func TestUpload_Abort(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()
	up := mustCreateUpload(t, ix, "docs", "a/f.bin")
	mustAddPart(t, ix, up.ID, 1, 10, "e1")

	if err := ix.AbortUpload(ctx, up.ID); err != nil {
		t.Fatalf("AbortUpload: %v", err)
	}
	if _, err := ix.GetUpload(up.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("upload survived abort: %v", err)
	}
	if err := ix.AbortUpload(ctx, up.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second abort: %v", err)
	}
	// Nothing was indexed.
	wantPrefixes(t, ix, "docs")
	if _, err := ix.GetObject("docs", "a/f.bin"); !errors.Is(err, ErrNotFound) {
		t.Errorf("object appeared from abort: %v", err)
	}
}
