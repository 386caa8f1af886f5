package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/keydex/keydex/internal/backup"
	"github.com/keydex/keydex/internal/config"
	"github.com/keydex/keydex/internal/index"
	"github.com/keydex/keydex/internal/scanner"
)

func newTestAPI(t *testing.T) *Handler {
	t.Helper()
	ix, err := index.Open(filepath.Join(t.TempDir(), "test.db"), index.Options{
		LockTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { ix.Close() })

	return NewHandler(ix, nil, nil, nil)
}

func doRequest(h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, "/v1"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func insertObject(t *testing.T, h *Handler, bucket, key string, size int64, owner string) {
	t.Helper()
	rr := doRequest(h, "PUT", "/buckets/"+bucket+"/objects/"+key, insertObjectRequest{
		Size:  size,
		ETag:  "etag-" + key,
		Owner: owner,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("insert %s/%s: expected 200, got %d: %s", bucket, key, rr.Code, rr.Body.String())
	}
}

// --- Object tests ---

func TestInsertObject_Success(t *testing.T) {
	h := newTestAPI(t)

	rr := doRequest(h, "PUT", "/buckets/photos/objects/2024/a.jpg", insertObjectRequest{
		Size:        1024,
		ETag:        "abc123",
		ContentType: "image/jpeg",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var obj index.Object
	json.NewDecoder(rr.Body).Decode(&obj)
	if obj.Bucket != "photos" || obj.Key != "2024/a.jpg" {
		t.Errorf("got %s/%s", obj.Bucket, obj.Key)
	}
	if obj.Size != 1024 || obj.ETag != "abc123" {
		t.Errorf("size=%d etag=%q", obj.Size, obj.ETag)
	}
	if obj.CreatedAt == 0 {
		t.Error("expected CreatedAt to be set")
	}
}

func TestInsertObject_InvalidKey(t *testing.T) {
	h := newTestAPI(t)

	tests := []string{
		"/buckets/photos/objects/a//b.jpg", // empty segment
		"/buckets//objects/a.jpg",          // empty bucket
	}
	for _, path := range tests {
		rr := doRequest(h, "PUT", path, insertObjectRequest{Size: 1})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d: %s", path, rr.Code, rr.Body.String())
		}
	}
}

func TestInsertObject_InvalidJSON(t *testing.T) {
	h := newTestAPI(t)

	rr := doRequest(h, "PUT", "/buckets/photos/objects/a.jpg", "not an object")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestGetObject_NotFound(t *testing.T) {
	h := newTestAPI(t)

	rr := doRequest(h, "GET", "/buckets/photos/objects/missing.jpg", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestDeleteObject(t *testing.T) {
	h := newTestAPI(t)
	insertObject(t, h, "photos", "a.jpg", 10, "")

	rr := doRequest(h, "DELETE", "/buckets/photos/objects/a.jpg", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(h, "GET", "/buckets/photos/objects/a.jpg", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
}

func TestDeleteObject_NotFound(t *testing.T) {
	h := newTestAPI(t)

	rr := doRequest(h, "DELETE", "/buckets/photos/objects/missing.jpg", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

// --- Listing tests ---

func TestList_DelimiterGroups(t *testing.T) {
	h := newTestAPI(t)
	insertObject(t, h, "photos", "2024/a.jpg", 10, "")
	insertObject(t, h, "photos", "2024/b.jpg", 20, "")
	insertObject(t, h, "photos", "readme.txt", 5, "")

	rr := doRequest(h, "GET", "/buckets/photos/objects?delimiter=/", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var page index.Page
	json.NewDecoder(rr.Body).Decode(&page)
	if len(page.Folders) != 1 || page.Folders[0].Path != "2024/" {
		t.Errorf("folders = %+v", page.Folders)
	}
	if len(page.Files) != 1 || page.Files[0].Key != "readme.txt" {
		t.Errorf("files = %+v", page.Files)
	}
}

func TestList_CursorPaging(t *testing.T) {
	h := newTestAPI(t)
	for i := 0; i < 5; i++ {
		insertObject(t, h, "docs", fmt.Sprintf("file-%d.txt", i), 1, "")
	}

	var keys []string
	cursor := ""
	for pages := 0; ; pages++ {
		if pages > 5 {
			t.Fatal("paging did not terminate")
		}
		path := "/buckets/docs/objects?limit=2"
		if cursor != "" {
			path += "&cursor=" + cursor
		}
		rr := doRequest(h, "GET", path, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var page index.Page
		json.NewDecoder(rr.Body).Decode(&page)
		for _, f := range page.Files {
			keys = append(keys, f.Key)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if len(keys) != 5 {
		t.Fatalf("expected 5 keys across pages, got %v", keys)
	}
	for i, k := range keys {
		if want := fmt.Sprintf("file-%d.txt", i); k != want {
			t.Errorf("keys[%d] = %q, want %q", i, k, want)
		}
	}
}

func TestList_OwnerFilter(t *testing.T) {
	h := newTestAPI(t)
	insertObject(t, h, "docs", "alice-1.txt", 1, "alice")
	insertObject(t, h, "docs", "bob-1.txt", 1, "bob")
	insertObject(t, h, "docs", "alice-2.txt", 1, "alice")

	rr := doRequest(h, "GET", "/buckets/docs/objects?owner=alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var page index.Page
	json.NewDecoder(rr.Body).Decode(&page)
	if len(page.Files) != 2 {
		t.Fatalf("expected 2 files, got %+v", page.Files)
	}
	for _, f := range page.Files {
		if f.Owner != "alice" {
			t.Errorf("file %s has owner %q", f.Key, f.Owner)
		}
	}
}

func TestList_BadParams(t *testing.T) {
	h := newTestAPI(t)

	tests := []string{
		"/buckets/docs/objects?limit=abc",
		"/buckets/docs/objects?limit=-1",
		"/buckets/docs/objects?sort=bogus",
		"/buckets/docs/objects?order=sideways",
	}
	for _, path := range tests {
		rr := doRequest(h, "GET", path, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, rr.Code)
		}
	}
}

func TestList_BadCursor(t *testing.T) {
	h := newTestAPI(t)
	insertObject(t, h, "docs", "a.txt", 1, "")

	rr := doRequest(h, "GET", "/buckets/docs/objects?cursor=%00garbage", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
}

// --- Rename and batch tests ---

func TestRename(t *testing.T) {
	h := newTestAPI(t)
	insertObject(t, h, "docs", "old/a.txt", 10, "")

	rr := doRequest(h, "POST", "/rename", renameRequest{
		Bucket: "docs",
		OldKey: "old/a.txt",
		NewKey: "new/a.txt",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if rr := doRequest(h, "GET", "/buckets/docs/objects/old/a.txt", nil); rr.Code != http.StatusNotFound {
		t.Errorf("old key: expected 404, got %d", rr.Code)
	}
	if rr := doRequest(h, "GET", "/buckets/docs/objects/new/a.txt", nil); rr.Code != http.StatusOK {
		t.Errorf("new key: expected 200, got %d", rr.Code)
	}
}

func TestRename_MissingSource(t *testing.T) {
	h := newTestAPI(t)

	rr := doRequest(h, "POST", "/rename", renameRequest{
		Bucket: "docs",
		OldKey: "missing.txt",
		NewKey: "other.txt",
	})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestBatchDelete(t *testing.T) {
	h := newTestAPI(t)
	insertObject(t, h, "docs", "a.txt", 1, "")
	insertObject(t, h, "docs", "b.txt", 1, "")
	insertObject(t, h, "docs", "c.txt", 1, "")

	rr := doRequest(h, "POST", "/batch/delete", batchDeleteRequest{
		Bucket: "docs",
		Keys:   []string{"a.txt", "b.txt"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Count int `json:"count"`
	}
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}

	if rr := doRequest(h, "GET", "/buckets/docs/objects/c.txt", nil); rr.Code != http.StatusOK {
		t.Errorf("c.txt should survive, got %d", rr.Code)
	}
}

func TestBatchRename(t *testing.T) {
	h := newTestAPI(t)
	insertObject(t, h, "docs", "src/a.txt", 1, "")
	insertObject(t, h, "docs", "src/b.txt", 1, "")

	rr := doRequest(h, "POST", "/batch/rename", batchRenameRequest{
		Moves: []index.Move{
			{FromBucket: "docs", FromKey: "src/a.txt", ToBucket: "docs", ToKey: "dst/a.txt"},
			{FromBucket: "docs", FromKey: "src/b.txt", ToBucket: "archive", ToKey: "b.txt"},
		},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if rr := doRequest(h, "GET", "/buckets/docs/objects/dst/a.txt", nil); rr.Code != http.StatusOK {
		t.Errorf("dst/a.txt: expected 200, got %d", rr.Code)
	}
	if rr := doRequest(h, "GET", "/buckets/archive/objects/b.txt", nil); rr.Code != http.StatusOK {
		t.Errorf("archive/b.txt: expected 200, got %d", rr.Code)
	}
}

// --- Bucket, usage and stats tests ---

func TestBuckets(t *testing.T) {
	h := newTestAPI(t)
	insertObject(t, h, "photos", "a.jpg", 1, "")
	insertObject(t, h, "docs", "b.txt", 1, "")

	rr := doRequest(h, "GET", "/buckets", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var resp struct {
		Buckets []string `json:"buckets"`
	}
	json.NewDecoder(rr.Body).Decode(&resp)
	if len(resp.Buckets) != 2 {
		t.Errorf("buckets = %v", resp.Buckets)
	}
}

func TestUsage(t *testing.T) {
	h := newTestAPI(t)
	insertObject(t, h, "photos", "a.jpg", 100, "")
	insertObject(t, h, "photos", "b.jpg", 50, "")

	rr := doRequest(h, "GET", "/buckets/photos/usage", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var usage index.BucketUsage
	json.NewDecoder(rr.Body).Decode(&usage)
	if usage.Objects != 2 || usage.TotalBytes != 150 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestTotalUsage(t *testing.T) {
	h := newTestAPI(t)
	insertObject(t, h, "photos", "a.jpg", 100, "")
	insertObject(t, h, "docs", "b.txt", 25, "")

	rr := doRequest(h, "GET", "/usage", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var resp struct {
		Usage []index.BucketUsage `json:"usage"`
	}
	json.NewDecoder(rr.Body).Decode(&resp)
	if len(resp.Usage) != 2 {
		t.Errorf("usage rows = %+v", resp.Usage)
	}
}

func TestStats(t *testing.T) {
	h := newTestAPI(t)
	insertObject(t, h, "photos", "2024/a.jpg", 100, "")

	rr := doRequest(h, "GET", "/stats", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var stats index.Stats
	json.NewDecoder(rr.Body).Decode(&stats)
	if stats.Objects != 1 || stats.Buckets != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

// --- Upload tests ---

func createUpload(t *testing.T, h *Handler, bucket, key string) string {
	t.Helper()
	rr := doRequest(h, "POST", "/uploads", createUploadRequest{Bucket: bucket, Key: key})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create upload: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var up index.Upload
	json.NewDecoder(rr.Body).Decode(&up)
	if up.ID == "" {
		t.Fatal("expected non-empty upload ID")
	}
	return up.ID
}

func TestUploadLifecycle(t *testing.T) {
	h := newTestAPI(t)
	id := createUpload(t, h, "videos", "movie.mp4")

	for i := 1; i <= 2; i++ {
		rr := doRequest(h, "PUT", fmt.Sprintf("/uploads/%s/parts/%d", id, i), addPartRequest{
			Size: 100,
			ETag: fmt.Sprintf("part-%d", i),
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("add part %d: expected 200, got %d: %s", i, rr.Code, rr.Body.String())
		}
	}

	rr := doRequest(h, "GET", "/uploads/"+id+"/parts", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list parts: expected 200, got %d", rr.Code)
	}
	var parts index.PartPage
	json.NewDecoder(rr.Body).Decode(&parts)
	if len(parts.Parts) != 2 {
		t.Fatalf("expected 2 parts, got %+v", parts.Parts)
	}

	rr = doRequest(h, "POST", "/uploads/"+id+"/complete", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var obj index.Object
	json.NewDecoder(rr.Body).Decode(&obj)
	if obj.Key != "movie.mp4" || obj.Size != 200 {
		t.Errorf("completed object = %+v", obj)
	}

	if rr := doRequest(h, "GET", "/buckets/videos/objects/movie.mp4", nil); rr.Code != http.StatusOK {
		t.Errorf("object after complete: expected 200, got %d", rr.Code)
	}
	if rr := doRequest(h, "GET", "/uploads/"+id, nil); rr.Code != http.StatusNotFound {
		t.Errorf("upload after complete: expected 404, got %d", rr.Code)
	}
}

func TestUploadAbort(t *testing.T) {
	h := newTestAPI(t)
	id := createUpload(t, h, "videos", "movie.mp4")

	rr := doRequest(h, "POST", "/uploads/"+id+"/abort", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("abort: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if rr := doRequest(h, "GET", "/uploads/"+id, nil); rr.Code != http.StatusNotFound {
		t.Errorf("upload after abort: expected 404, got %d", rr.Code)
	}
	if rr := doRequest(h, "GET", "/buckets/videos/objects/movie.mp4", nil); rr.Code != http.StatusNotFound {
		t.Errorf("object after abort: expected 404, got %d", rr.Code)
	}
}

func TestAddPart_BadNumber(t *testing.T) {
	h := newTestAPI(t)
	id := createUpload(t, h, "videos", "movie.mp4")

	rr := doRequest(h, "PUT", "/uploads/"+id+"/parts/abc", addPartRequest{Size: 1})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestListUploads(t *testing.T) {
	h := newTestAPI(t)
	createUpload(t, h, "videos", "a.mp4")
	createUpload(t, h, "videos", "b.mp4")

	rr := doRequest(h, "GET", "/uploads?bucket=videos", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var page index.UploadPage
	json.NewDecoder(rr.Body).Decode(&page)
	if len(page.Uploads) != 2 {
		t.Errorf("uploads = %+v", page.Uploads)
	}
}

func TestListUploads_MissingBucket(t *testing.T) {
	h := newTestAPI(t)

	rr := doRequest(h, "GET", "/uploads", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestGetUpload_NotFound(t *testing.T) {
	h := newTestAPI(t)

	rr := doRequest(h, "GET", "/uploads/missing-id", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

// --- Routing tests ---

func TestNotFoundRoute(t *testing.T) {
	h := newTestAPI(t)

	rr := doRequest(h, "GET", "/nonexistent", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestAPI(t)

	rr := doRequest(h, "POST", "/buckets/docs/objects/a.txt", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestClusterStatus_Disabled(t *testing.T) {
	h := newTestAPI(t)

	rr := doRequest(h, "GET", "/cluster/status", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

// --- Admin tests ---

func TestVerifyBucket_Endpoint(t *testing.T) {
	h := newTestAPI(t)
	insertObject(t, h, "photos", "2024/a.jpg", 10, "")
	insertObject(t, h, "photos", "2024/b.jpg", 20, "")

	rr := doRequest(h, "GET", "/buckets/photos/verify", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var rep index.VerifyReport
	json.NewDecoder(rr.Body).Decode(&rep)
	if rep.Objects != 2 || len(rep.Missing) != 0 || len(rep.Orphaned) != 0 {
		t.Errorf("report = %+v", rep)
	}
}

func TestVerifyBucket_BadName(t *testing.T) {
	h := newTestAPI(t)

	rr := doRequest(h, "GET", "/buckets/x/verify", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestAdminRoutes_Disabled(t *testing.T) {
	h := newTestAPI(t)

	for _, req := range []struct{ method, path string }{
		{"POST", "/backup"},
		{"GET", "/backup"},
		{"GET", "/verify"},
		{"POST", "/verify"},
	} {
		rr := doRequest(h, req.method, req.path, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", req.method, req.path, rr.Code)
		}
	}
}

func TestBackupStatus_Endpoint(t *testing.T) {
	ix, err := index.Open(filepath.Join(t.TempDir(), "test.db"), index.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { ix.Close() })

	bk := backup.NewScheduler(ix, nil, config.BackupConfig{Dir: t.TempDir(), Keep: 3})
	h := NewHandler(ix, nil, bk, nil)

	rr := doRequest(h, "GET", "/backup", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var status struct {
		Running   bool     `json:"running"`
		Snapshots []string `json:"snapshots"`
	}
	json.NewDecoder(rr.Body).Decode(&status)
	if status.Running || len(status.Snapshots) != 0 {
		t.Errorf("status = %+v", status)
	}

	rr = doRequest(h, "POST", "/backup", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["status"] == "" {
		t.Error("expected a status message")
	}
}

func TestVerify_Endpoints(t *testing.T) {
	ix, err := index.Open(filepath.Join(t.TempDir(), "test.db"), index.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { ix.Close() })

	sc := scanner.NewScanner(ix, nil, 3600)
	h := NewHandler(ix, nil, nil, sc)
	insertObject(t, h, "photos", "2024/a.jpg", 10, "")

	rr := doRequest(h, "POST", "/verify", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("run verify: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(h, "GET", "/verify", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("results: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var results []scanner.ScanResult
	json.NewDecoder(rr.Body).Decode(&results)
	if len(results) != 1 || results[0].Bucket != "photos" || results[0].Status != "clean" {
		t.Errorf("results = %+v", results)
	}

	rr = doRequest(h, "GET", "/verify?limit=bogus", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: expected 400, got %d", rr.Code)
	}
}
