package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/historio/historian/internal/storage"
	"github.com/historio/historian/internal/storage/config"
	"github.com/historio/historian/internal/storage/query"
	"github.com/historio/historian/internal/storage/types"
)

func testServer(t *testing.T) (*Server, *storage.Service) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Groups = []config.GroupConfig{
		{
			ID: "line1",
			Tags: []types.Tag{
				{ID: "boiler.temp", Enabled: true},
			},
		},
	}

	svc, err := storage.New(cfg)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { svc.Stop() })

	return New(svc, "127.0.0.1:0"), svc
}

func ingestPoints(t *testing.T, svc *storage.Service, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		s := types.Sample{TagID: "boiler.temp", TimestampMs: int64(i * 1000), Value: float64(i), Quality: types.QualityGood}
		if err := svc.Ingest(ctx, s); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
}

func TestHandleQuery(t *testing.T) {
	srv, svc := testServer(t)
	ingestPoints(t, svc, 5)

	body := `{"group_id":"line1","tag_ids":["boiler.temp"],"from_ms":0,"to_ms":10000}`
	r := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.handleQuery(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var res query.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got := len(res.Series["boiler.temp"]); got != 5 {
		t.Errorf("got %d points, want 5", got)
	}
}

func TestHandleQuery_InvalidRange(t *testing.T) {
	srv, _ := testServer(t)

	body := `{"group_id":"line1","tag_ids":["boiler.temp"],"from_ms":100,"to_ms":50}`
	r := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.handleQuery(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleQuery_StrictUnknownTag(t *testing.T) {
	srv, _ := testServer(t)

	body := `{"group_id":"line1","tag_ids":["nope"],"from_ms":0,"to_ms":100,"strict":true}`
	r := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.handleQuery(w, r)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleQuery_MethodNotAllowed(t *testing.T) {
	srv, _ := testServer(t)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/query", nil)
	w := httptest.NewRecorder()
	srv.handleQuery(w, r)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestHandleSamples(t *testing.T) {
	srv, _ := testServer(t)

	body := `{"samples":[
		{"tag_id":"boiler.temp","timestamp_ms":1000,"value":21.5},
		{"tag_id":"boiler.temp","timestamp_ms":2000,"value":21.7,"quality":"uncertain"},
		{"tag_id":"nope","timestamp_ms":1000,"value":1}
	]}`
	r := httptest.NewRequest(http.MethodPost, "/api/v1/samples", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.handleSamples(w, r)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}

	var resp samplesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted != 2 || resp.Rejected != 1 {
		t.Errorf("accepted/rejected = %d/%d, want 2/1", resp.Accepted, resp.Rejected)
	}
}

func TestHandleSamples_Empty(t *testing.T) {
	srv, _ := testServer(t)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/samples", strings.NewReader(`{"samples":[]}`))
	w := httptest.NewRecorder()
	srv.handleSamples(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleRotate(t *testing.T) {
	srv, svc := testServer(t)
	ingestPoints(t, svc, 3)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/rotate?group=line1", nil)
	w := httptest.NewRecorder()
	srv.handleRotate(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if rows, _ := resp["rows"].(float64); rows != 3 {
		t.Errorf("rows = %v, want 3", resp["rows"])
	}
}

func TestHandleRotate_MissingGroup(t *testing.T) {
	srv, _ := testServer(t)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/rotate", nil)
	w := httptest.NewRecorder()
	srv.handleRotate(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleExport(t *testing.T) {
	srv, svc := testServer(t)
	ingestPoints(t, svc, 3)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/export?group=line1&tags=boiler.temp&from=0&to=10000", nil)
	w := httptest.NewRecorder()
	srv.handleExport(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q, want text/csv", ct)
	}

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 4 {
		t.Errorf("got %d csv lines, want 4 (header + 3 rows)", len(lines))
	}
	if lines[0] != "tag_id,timestamp_ms,value,quality" {
		t.Errorf("header = %q", lines[0])
	}
}

func TestHandleStats(t *testing.T) {
	srv, svc := testServer(t)
	ingestPoints(t, svc, 2)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	w := httptest.NewRecorder()
	srv.handleStats(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var stats storage.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stats.Ingestion.SamplesReceived != 2 {
		t.Errorf("SamplesReceived = %d, want 2", stats.Ingestion.SamplesReceived)
	}
}

func TestHandleHealthz(t *testing.T) {
	srv, _ := testServer(t)

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.handleHealthz(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestSplitTags(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"a,b,c", 3},
		{"a, b , ", 2},
	}
	for _, tt := range tests {
		if got := len(splitTags(tt.in)); got != tt.want {
			t.Errorf("splitTags(%q) len = %d, want %d", tt.in, got, tt.want)
		}
	}
}
