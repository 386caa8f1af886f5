package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/keydex/keydex/internal/backup"
	"github.com/keydex/keydex/internal/cluster"
	"github.com/keydex/keydex/internal/index"
	"github.com/keydex/keydex/internal/scanner"
)

// Index is the mutation and query surface the handlers drive. Both
// *index.Index and *index.Replicated satisfy it.
type Index interface {
	ObjectInserted(ctx context.Context, obj index.Object) error
	ObjectDeleted(ctx context.Context, bucket, key string) error
	ObjectsDeleted(ctx context.Context, bucket string, keys []string) error
	ObjectRenamed(ctx context.Context, bucket, oldKey, newKey string) error
	ObjectsRenamed(ctx context.Context, moves []index.Move) error
	GetObject(bucket, key string) (*index.Object, error)
	List(bucket string, opts index.ListOptions) (*index.Page, error)
	Buckets() ([]string, error)
	Usage(bucket string) (index.BucketUsage, error)
	TotalSizeByBucket() ([]index.BucketUsage, error)
	Stats() (index.Stats, error)
	VerifyBucket(bucket string) (*index.VerifyReport, error)

	CreateUpload(ctx context.Context, up index.Upload) (*index.Upload, error)
	GetUpload(id string) (*index.Upload, error)
	AddPart(ctx context.Context, p index.Part) (*index.Part, error)
	ListUploads(bucket string, opts index.ListOptions) (*index.UploadPage, error)
	ListParts(uploadID string, limit int, cursor string) (*index.PartPage, error)
	CompleteUpload(ctx context.Context, uploadID string) (*index.Object, error)
	AbortUpload(ctx context.Context, uploadID string) error
}

// Handler serves the index REST API at /v1/.
type Handler struct {
	ix   Index
	node *cluster.Node
	bk   *backup.Scheduler
	sc   *scanner.Scanner
}

// NewHandler creates the API handler. node, bk and sc may be nil when
// clustering, backups or the scanner are disabled; their routes answer
// 404 then.
func NewHandler(ix Index, node *cluster.Node, bk *backup.Scheduler, sc *scanner.Scanner) *Handler {
	return &Handler{ix: ix, node: node, bk: bk, sc: sc}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1")
	path = strings.TrimSuffix(path, "/")

	switch {
	case path == "/buckets" && r.Method == http.MethodGet:
		h.handleBuckets(w, r)

	case path == "/usage" && r.Method == http.MethodGet:
		h.handleTotalUsage(w, r)

	case path == "/stats" && r.Method == http.MethodGet:
		h.handleStats(w, r)

	case path == "/rename" && r.Method == http.MethodPost:
		h.handleRename(w, r)

	case path == "/batch/rename" && r.Method == http.MethodPost:
		h.handleBatchRename(w, r)

	case path == "/batch/delete" && r.Method == http.MethodPost:
		h.handleBatchDelete(w, r)

	case path == "/cluster/status" && r.Method == http.MethodGet:
		h.handleClusterStatus(w, r)

	case path == "/backup" && r.Method == http.MethodPost:
		h.handleTriggerBackup(w, r)

	case path == "/backup" && r.Method == http.MethodGet:
		h.handleBackupStatus(w, r)

	case path == "/verify" && r.Method == http.MethodGet:
		h.handleVerifyResults(w, r)

	case path == "/verify" && r.Method == http.MethodPost:
		h.handleRunVerify(w, r)

	case strings.HasPrefix(path, "/buckets/"):
		h.routeBucket(w, r, strings.TrimPrefix(path, "/buckets/"))

	case path == "/uploads" && r.Method == http.MethodPost:
		h.handleCreateUpload(w, r)

	case path == "/uploads" && r.Method == http.MethodGet:
		h.handleListUploads(w, r)

	case strings.HasPrefix(path, "/uploads/"):
		h.routeUpload(w, r, strings.TrimPrefix(path, "/uploads/"))

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) routeBucket(w http.ResponseWriter, r *http.Request, rest string) {
	parts := strings.SplitN(rest, "/", 2)
	bucket := parts[0]
	if len(parts) == 1 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	sub := parts[1]
	switch {
	case sub == "objects" && r.Method == http.MethodGet:
		h.handleList(w, r, bucket)

	case strings.HasPrefix(sub, "objects/"):
		key := strings.TrimPrefix(sub, "objects/")
		switch r.Method {
		case http.MethodGet:
			h.handleGetObject(w, r, bucket, key)
		case http.MethodPut:
			h.handleInsertObject(w, r, bucket, key)
		case http.MethodDelete:
			h.handleDeleteObject(w, r, bucket, key)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}

	case sub == "usage" && r.Method == http.MethodGet:
		h.handleUsage(w, r, bucket)

	case sub == "verify" && r.Method == http.MethodGet:
		h.handleVerifyBucket(w, r, bucket)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) routeUpload(w http.ResponseWriter, r *http.Request, rest string) {
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]

	if len(parts) == 1 {
		if r.Method == http.MethodGet {
			h.handleGetUpload(w, r, id)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sub := parts[1]
	switch {
	case sub == "complete" && r.Method == http.MethodPost:
		h.handleCompleteUpload(w, r, id)

	case sub == "abort" && r.Method == http.MethodPost:
		h.handleAbortUpload(w, r, id)

	case sub == "parts" && r.Method == http.MethodGet:
		h.handleListParts(w, r, id)

	case strings.HasPrefix(sub, "parts/") && r.Method == http.MethodPut:
		h.handleAddPart(w, r, id, strings.TrimPrefix(sub, "parts/"))

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	if h.node == nil {
		writeError(w, http.StatusNotFound, "clustering disabled")
		return
	}

	servers, err := h.node.Servers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type memberInfo struct {
		ID      string `json:"id"`
		Address string `json:"address"`
	}
	members := make([]memberInfo, 0, len(servers))
	for _, s := range servers {
		members = append(members, memberInfo{ID: string(s.ID), Address: string(s.Address)})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id":     h.node.NodeID(),
		"is_leader":   h.node.IsLeader(),
		"leader_id":   h.node.LeaderID(),
		"leader_addr": h.node.LeaderAddr(),
		"members":     members,
	})
}
