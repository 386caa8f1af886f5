package api

import (
	"net/http"
	"strconv"
)

// handleVerifyBucket runs an on-demand consistency check for one bucket.
func (h *Handler) handleVerifyBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	rep, err := h.ix.VerifyBucket(bucket)
	if err != nil {
		writeIndexError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleVerifyResults reports the outcomes of recent background checks.
func (h *Handler) handleVerifyResults(w http.ResponseWriter, r *http.Request) {
	if h.sc == nil {
		writeError(w, http.StatusNotFound, "verification disabled")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, h.sc.RecentResults(limit))
}

// handleRunVerify checks every bucket synchronously. Large indexes take
// a while; the periodic scanner covers those without blocking a client.
func (h *Handler) handleRunVerify(w http.ResponseWriter, r *http.Request) {
	if h.sc == nil {
		writeError(w, http.StatusNotFound, "verification disabled")
		return
	}
	h.sc.CheckNow()
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (h *Handler) handleTriggerBackup(w http.ResponseWriter, r *http.Request) {
	if h.bk == nil {
		writeError(w, http.StatusNotFound, "backups disabled")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": h.bk.TriggerBackup()})
}

func (h *Handler) handleBackupStatus(w http.ResponseWriter, r *http.Request) {
	if h.bk == nil {
		writeError(w, http.StatusNotFound, "backups disabled")
		return
	}

	snaps, err := h.bk.Snapshots()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if snaps == nil {
		snaps = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"running":   h.bk.IsRunning(),
		"snapshots": snaps,
	})
}
