package api

import (
	"net/http"

	"github.com/keydex/keydex/internal/index"
)

type insertObjectRequest struct {
	Size        int64             `json:"size"`
	ETag        string            `json:"etag"`
	ContentType string            `json:"content_type"`
	Owner       string            `json:"owner"`
	Metadata    map[string]string `json:"metadata"`
}

// handleInsertObject records that an object landed in the blob backend.
// Re-inserting an existing key updates its row in place.
func (h *Handler) handleInsertObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	var req insertObjectRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	obj := index.Object{
		Bucket:      bucket,
		Key:         key,
		Size:        req.Size,
		ETag:        req.ETag,
		ContentType: req.ContentType,
		Owner:       req.Owner,
		Metadata:    req.Metadata,
	}
	if err := h.ix.ObjectInserted(r.Context(), obj); err != nil {
		writeIndexError(w, err)
		return
	}

	stored, err := h.ix.GetObject(bucket, key)
	if err != nil {
		writeIndexError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (h *Handler) handleGetObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	obj, err := h.ix.GetObject(bucket, key)
	if err != nil {
		writeIndexError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (h *Handler) handleDeleteObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if err := h.ix.ObjectDeleted(r.Context(), bucket, key); err != nil {
		writeIndexError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request, bucket string) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeIndexError(w, err)
		return
	}

	page, err := h.ix.List(bucket, opts)
	if err != nil {
		writeIndexError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type renameRequest struct {
	Bucket string `json:"bucket"`
	OldKey string `json:"old_key"`
	NewKey string `json:"new_key"`
}

func (h *Handler) handleRename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.ix.ObjectRenamed(r.Context(), req.Bucket, req.OldKey, req.NewKey); err != nil {
		writeIndexError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

type batchRenameRequest struct {
	Moves []index.Move `json:"moves"`
}

func (h *Handler) handleBatchRename(w http.ResponseWriter, r *http.Request) {
	var req batchRenameRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.ix.ObjectsRenamed(r.Context(), req.Moves); err != nil {
		writeIndexError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "renamed", "count": len(req.Moves)})
}

type batchDeleteRequest struct {
	Bucket string   `json:"bucket"`
	Keys   []string `json:"keys"`
}

func (h *Handler) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	var req batchDeleteRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.ix.ObjectsDeleted(r.Context(), req.Bucket, req.Keys); err != nil {
		writeIndexError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "deleted", "count": len(req.Keys)})
}

func (h *Handler) handleBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := h.ix.Buckets()
	if err != nil {
		writeIndexError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"buckets": buckets})
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request, bucket string) {
	usage, err := h.ix.Usage(bucket)
	if err != nil {
		writeIndexError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (h *Handler) handleTotalUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.ix.TotalSizeByBucket()
	if err != nil {
		writeIndexError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"usage": usage})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ix.Stats()
	if err != nil {
		writeIndexError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
