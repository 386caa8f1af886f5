package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/keydex/keydex/internal/config"
	"github.com/keydex/keydex/internal/index"
)

func newTestServerYAML(t *testing.T, extra string) *Server {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "keydex.yaml")
	yaml := "index:\n  data_dir: " + filepath.Join(dir, "data") + "\n" + extra
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerYAML(t, "")
}

func serverRequest(h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestServer_HealthRoute(t *testing.T) {
	srv := newTestServer(t)
	h := srv.handler()

	rr := serverRequest(h, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-Id") == "" {
		t.Error("expected X-Request-Id header from middleware chain")
	}
}

func TestServer_ReadyRoute(t *testing.T) {
	srv := newTestServer(t)

	rr := serverRequest(srv.handler(), "GET", "/ready", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestServer_APIRoundtrip(t *testing.T) {
	srv := newTestServer(t)
	h := srv.handler()

	rr := serverRequest(h, "PUT", "/v1/buckets/photos/objects/2024/a.jpg", map[string]interface{}{
		"size": 512,
		"etag": "abc",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("insert: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = serverRequest(h, "GET", "/v1/buckets/photos/objects?delimiter=/", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var page index.Page
	json.NewDecoder(rr.Body).Decode(&page)
	if len(page.Folders) != 1 || page.Folders[0].Path != "2024/" {
		t.Errorf("folders = %+v", page.Folders)
	}
}

func TestServer_MetricsRoute(t *testing.T) {
	srv := newTestServer(t)
	h := srv.handler()

	serverRequest(h, "PUT", "/v1/buckets/docs/objects/a.txt", map[string]interface{}{"size": 1})

	rr := serverRequest(h, "GET", "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "keydex_index_ops_total") {
		t.Error("expected keydex_index_ops_total in metrics exposition")
	}
}

func TestServer_UnknownRoute(t *testing.T) {
	srv := newTestServer(t)

	rr := serverRequest(srv.handler(), "GET", "/nope", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestServer_RateLimitAndAccessLog(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "access.jsonl")
	srv := newTestServerYAML(t, ""+
		"server:\n"+
		"  rate_limit:\n"+
		"    enabled: true\n"+
		"    ip_rps: 1\n"+
		"    ip_burst: 1\n"+
		"    bucket_rps: 100\n"+
		"    bucket_burst: 100\n"+
		"logging:\n"+
		"  access_log: "+logPath+"\n")
	h := srv.handler()

	if rr := serverRequest(h, "GET", "/v1/stats", nil); rr.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rr.Code)
	}
	rr := serverRequest(h, "GET", "/v1/stats", nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rr.Code)
	}

	// Probes stay reachable while the client is throttled.
	if rr := serverRequest(h, "GET", "/health", nil); rr.Code != http.StatusOK {
		t.Fatalf("health under throttle: expected 200, got %d", rr.Code)
	}

	// Both requests land in the audit file, the rejected one included.
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read access log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d access log entries, want 2:\n%s", len(lines), data)
	}
	var entry struct {
		Status    int    `json:"status"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &entry); err != nil {
		t.Fatalf("parse entry: %v", err)
	}
	if entry.Status != http.StatusTooManyRequests {
		t.Errorf("second entry status = %d, want 429", entry.Status)
	}
	if entry.RequestID == "" {
		t.Error("expected the entry to carry the request id")
	}
}

func TestServer_AdminRoutes(t *testing.T) {
	dir := t.TempDir()
	srv := newTestServerYAML(t, ""+
		"backup:\n"+
		"  enabled: true\n"+
		"  dir: "+filepath.Join(dir, "backups")+"\n"+
		"scanner:\n"+
		"  enabled: true\n")
	h := srv.handler()

	serverRequest(h, "PUT", "/v1/buckets/photos/objects/a.jpg", map[string]interface{}{"size": 1})

	rr := serverRequest(h, "GET", "/v1/backup", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("backup status: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = serverRequest(h, "POST", "/v1/verify", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("run verify: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	rr = serverRequest(h, "GET", "/v1/verify", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("verify results: expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"clean"`) {
		t.Errorf("results = %s", rr.Body.String())
	}
}
