package api

import (
	"net/http"
	"strconv"

	"github.com/keydex/keydex/internal/index"
)

type createUploadRequest struct {
	Bucket      string            `json:"bucket"`
	Key         string            `json:"key"`
	Owner       string            `json:"owner"`
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata"`
}

func (h *Handler) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	var req createUploadRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	up, err := h.ix.CreateUpload(r.Context(), index.Upload{
		Bucket:      req.Bucket,
		Key:         req.Key,
		Owner:       req.Owner,
		ContentType: req.ContentType,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeIndexError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, up)
}

func (h *Handler) handleGetUpload(w http.ResponseWriter, r *http.Request, id string) {
	up, err := h.ix.GetUpload(id)
	if err != nil {
		writeIndexError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, up)
}

func (h *Handler) handleListUploads(w http.ResponseWriter, r *http.Request) {
	bucket := r.URL.Query().Get("bucket")
	if bucket == "" {
		writeError(w, http.StatusBadRequest, "bucket query parameter is required")
		return
	}

	opts, err := parseListOptions(r)
	if err != nil {
		writeIndexError(w, err)
		return
	}

	page, err := h.ix.ListUploads(bucket, opts)
	if err != nil {
		writeIndexError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type addPartRequest struct {
	Size int64  `json:"size"`
	ETag string `json:"etag"`
}

func (h *Handler) handleAddPart(w http.ResponseWriter, r *http.Request, id, numStr string) {
	num, err := strconv.Atoi(numStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid part number")
		return
	}

	var req addPartRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	part, err := h.ix.AddPart(r.Context(), index.Part{
		UploadID:   id,
		PartNumber: num,
		Size:       req.Size,
		ETag:       req.ETag,
	})
	if err != nil {
		writeIndexError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, part)
}

func (h *Handler) handleListParts(w http.ResponseWriter, r *http.Request, id string) {
	q := r.URL.Query()

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	page, err := h.ix.ListParts(id, limit, q.Get("cursor"))
	if err != nil {
		writeIndexError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleCompleteUpload(w http.ResponseWriter, r *http.Request, id string) {
	obj, err := h.ix.CompleteUpload(r.Context(), id)
	if err != nil {
		writeIndexError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (h *Handler) handleAbortUpload(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.ix.AbortUpload(r.Context(), id); err != nil {
		writeIndexError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}
