// Package server exposes the historian over HTTP.
//
// Endpoints:
//
//	POST /api/v1/query          execute a historical query
//	POST /api/v1/samples        ingest samples from the polling layer
//	POST /api/v1/rotate?group=  seal a group's active segment
//	GET  /api/v1/export         download a query result as CSV
//	GET  /api/v1/stats          component counters
//	GET  /healthz               liveness probe
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/historio/historian/internal/errors"
	"github.com/historio/historian/internal/logging"
	"github.com/historio/historian/internal/storage"
	"github.com/historio/historian/internal/storage/export"
	"github.com/historio/historian/internal/storage/query"
	"github.com/historio/historian/internal/storage/types"
)

// maxBodySize caps request bodies at 10MB.
const maxBodySize = 10 * 1024 * 1024

// requestSeq numbers requests for log correlation.
var requestSeq atomic.Uint64

// requestContext tags the request context so downstream log lines carry
// the request id and, when known, the group.
func requestContext(r *http.Request, groupID string) context.Context {
	ctx := logging.ContextWithRequestID(r.Context(), requestSeq.Add(1))
	if groupID != "" {
		ctx = logging.ContextWithGroup(ctx, groupID)
	}
	return ctx
}

// Server is the HTTP boundary in front of the storage service.
type Server struct {
	svc    *storage.Service
	logger *slog.Logger
	srv    *http.Server
}

// New creates a server for the given storage service.
func New(svc *storage.Service, addr string) *Server {
	s := &Server{
		svc:    svc,
		logger: logging.Component("server"),
	}

	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// RegisterRoutes attaches all handlers to the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/query", s.handleQuery)
	mux.HandleFunc("/api/v1/samples", s.handleSamples)
	mux.HandleFunc("/api/v1/rotate", s.handleRotate)
	mux.HandleFunc("/api/v1/export", s.handleExport)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/healthz", s.handleHealthz)
}

// Start begins serving on the configured address. It returns once the
// listener is bound; serving continues in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("http server listening", "addr", listener.Addr().String())

	go func() {
		if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req query.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ctx := requestContext(r, req.GroupID)
	res, err := s.svc.Query(ctx, req)
	if err != nil {
		logging.WithContext(ctx).Debug("query rejected", "error", err)
		writeError(w, errors.HTTPStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type samplesRequest struct {
	Samples []sampleJSON `json:"samples"`
}

type sampleJSON struct {
	TagID       string  `json:"tag_id"`
	TimestampMs int64   `json:"timestamp_ms"`
	Value       float64 `json:"value"`
	Quality     string  `json:"quality,omitempty"`
}

type samplesResponse struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req samplesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Samples) == 0 {
		writeError(w, http.StatusBadRequest, "no samples")
		return
	}

	// Samples fail or succeed individually. Suppression by the recording
	// policy is not an error.
	ctx := requestContext(r, "")
	resp := samplesResponse{}
	for _, in := range req.Samples {
		sample := types.Sample{
			TagID:       in.TagID,
			TimestampMs: in.TimestampMs,
			Value:       in.Value,
			Quality:     types.ParseQuality(in.Quality),
		}
		if err := s.svc.Ingest(ctx, sample); err != nil {
			logging.WithContext(logging.ContextWithTag(ctx, in.TagID)).Debug(
				"sample rejected", "error", err)
			resp.Rejected++
			resp.Errors = append(resp.Errors, in.TagID+": "+err.Error())
			continue
		}
		resp.Accepted++
	}

	status := http.StatusAccepted
	if resp.Accepted == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	groupID := r.URL.Query().Get("group")
	if groupID == "" {
		writeError(w, http.StatusBadRequest, "missing group parameter")
		return
	}

	ctx := requestContext(r, groupID)
	ref, err := s.svc.RotateNow(ctx, groupID)
	if err != nil {
		logging.WithContext(ctx).Warn("rotate failed", "error", err)
		writeError(w, errors.HTTPStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"group":   groupID,
		"path":    ref.Path,
		"rows":    ref.Rows,
		"min_ts":  ref.MinTs,
		"max_ts":  ref.MaxTs,
		"sealed":  ref.Rows > 0,
		"message": sealMessage(ref.Rows),
	})
}

func sealMessage(rows int64) string {
	if rows == 0 {
		return "active segment empty, nothing sealed"
	}
	return "segment sealed"
}

// handleExport runs a raw query from URL parameters and streams CSV.
// Parameters: group, tags (comma-separated), from, to (unix ms).
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	req := query.Request{
		GroupID: q.Get("group"),
		TagIDs:  splitTags(q.Get("tags")),
	}

	var err error
	if req.FromMs, err = parseMs(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	if req.ToMs, err = parseMs(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}
	if q.Get("to") == "" {
		req.ToMs = time.Now().UnixMilli()
	}

	ctx := requestContext(r, req.GroupID)
	res, err := s.svc.Query(ctx, req)
	if err != nil {
		writeError(w, errors.HTTPStatus(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="export.csv"`)
	if err := export.WriteCSV(w, res); err != nil {
		logging.WithContext(ctx).Error("csv export failed", "error", err)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================================================
// Helpers
// ============================================================================

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	tags := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

func parseMs(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}
