package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/keydex/keydex/internal/cluster"
	"github.com/keydex/keydex/internal/index"
	"github.com/keydex/keydex/internal/locks"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeIndexError maps index, locks and cluster errors onto HTTP statuses.
// Lock timeouts are retryable, so the response carries a Retry-After hint.
func writeIndexError(w http.ResponseWriter, err error) {
	var ve *index.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, index.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, locks.ErrTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, cluster.ErrNotLeader):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// parseListOptions reads the shared listing query parameters. The owner
// parameter installs a per-row visibility filter, which forces the
// object-scanning strategy.
func parseListOptions(r *http.Request) (index.ListOptions, error) {
	q := r.URL.Query()
	opts := index.ListOptions{
		Prefix:    q.Get("prefix"),
		Delimiter: q.Get("delimiter"),
		Cursor:    q.Get("cursor"),
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, &index.ValidationError{Field: "limit", Reason: "must be a non-negative integer"}
		}
		opts.Limit = n
	}

	var err error
	if opts.Sort, err = index.ParseSortField(q.Get("sort")); err != nil {
		return opts, err
	}
	if opts.Order, err = index.ParseSortOrder(q.Get("order")); err != nil {
		return opts, err
	}

	if owner := q.Get("owner"); owner != "" {
		opts.Filter = func(o *index.Object) bool { return o.Owner == owner }
	}
	return opts, nil
}
