package client

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/historio/historian/internal/server"
	"github.com/historio/historian/internal/storage"
	"github.com/historio/historian/internal/storage/config"
	"github.com/historio/historian/internal/storage/query"
	"github.com/historio/historian/internal/storage/types"
)

func testEndpoint(t *testing.T) *Client {
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

	mux := http.NewServeMux()
	server.New(svc, "127.0.0.1:0").RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return New(ts.URL)
}

func TestClient_IngestAndQuery(t *testing.T) {
	c := testEndpoint(t)
	ctx := context.Background()

	res, err := c.Ingest(ctx, []Sample{
		{TagID: "boiler.temp", TimestampMs: 1000, Value: 20.5},
		{TagID: "boiler.temp", TimestampMs: 2000, Value: 21.0, Quality: "uncertain"},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Accepted != 2 {
		t.Fatalf("accepted = %d, want 2", res.Accepted)
	}

	out := &bytes.Buffer{}
	sh := NewShell(c, out)
	sh.Execute("query line1 boiler.temp 0 10000")

	got := out.String()
	if !strings.Contains(got, "boiler.temp (2 points)") {
		t.Errorf("query output missing series header:\n%s", got)
	}
	if !strings.Contains(got, "uncertain") {
		t.Errorf("query output missing quality:\n%s", got)
	}
}

func TestClient_QueryError(t *testing.T) {
	c := testEndpoint(t)

	req := query.Request{GroupID: "line1", TagIDs: []string{"boiler.temp"}, FromMs: 100, ToMs: 50}
	_, err := c.Query(context.Background(), req)
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("inverted range error = %v, want 400", err)
	}
}

func TestClient_RotateAndStats(t *testing.T) {
	c := testEndpoint(t)
	ctx := context.Background()

	if _, err := c.Ingest(ctx, []Sample{{TagID: "boiler.temp", TimestampMs: 1000, Value: 1}}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	rot, err := c.Rotate(ctx, "line1")
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if !rot.Sealed || rot.Rows != 1 {
		t.Errorf("rotate = %+v, want sealed with 1 row", rot)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Engine.Seals != 1 {
		t.Errorf("Seals = %d, want 1", stats.Engine.Seals)
	}
}

func TestClient_Export(t *testing.T) {
	c := testEndpoint(t)
	ctx := context.Background()

	if _, err := c.Ingest(ctx, []Sample{
		{TagID: "boiler.temp", TimestampMs: 1000, Value: 1.5},
		{TagID: "boiler.temp", TimestampMs: 2000, Value: 2.5},
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	var buf bytes.Buffer
	if err := c.Export(ctx, &buf, "line1", []string{"boiler.temp"}, 0, 10000); err != nil {
		t.Fatalf("Export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Errorf("got %d csv lines, want 3", len(lines))
	}
}

func TestClient_Health(t *testing.T) {
	c := testEndpoint(t)
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health: %v", err)
	}
}

func TestParseQueryArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    string
		wantErr bool
	}{
		{"basic", "line1 a,b 0 1000", false},
		{"aggregated", "line1 a 0 1000 agg 60000 avg", false},
		{"percentile", "line1 a 0 1000 agg 60000 p95", false},
		{"too few", "line1 a 0", true},
		{"bad from", "line1 a x 1000", true},
		{"trailing junk", "line1 a 0 1000 extra", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseQueryArgs(strings.Fields(tt.args))
			if (err != nil) != tt.wantErr {
				t.Errorf("parseQueryArgs(%q) err = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
		})
	}
}

func TestShell_UnknownCommand(t *testing.T) {
	out := &bytes.Buffer{}
	sh := NewShell(New("http://127.0.0.1:1"), out)
	sh.Execute("frobnicate")
	if !strings.Contains(out.String(), "unknown command") {
		t.Errorf("output = %q, want unknown command error", out.String())
	}
}

func TestShell_Exit(t *testing.T) {
	sh := NewShell(New("http://127.0.0.1:1"), &bytes.Buffer{})
	sh.Execute("exit")
	if !sh.done {
		t.Error("exit did not mark the shell done")
	}
}
