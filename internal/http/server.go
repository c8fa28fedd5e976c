// Package http exposes the tree over a small JSON API: appends, deletes,
// range sampling and statistics. The server is a thin driver; all
// semantics live in pkg/tree.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dbrumbaugh/sampling-extension/pkg/record"
	"github.com/dbrumbaugh/sampling-extension/pkg/stats"
	"github.com/dbrumbaugh/sampling-extension/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5

	// maxSampleSize bounds a single sampling request.
	maxSampleSize = 1 << 20
)

type iTreeAPI interface {
	Append(k types.Key, v types.Value, w types.Weight, isTombstone bool) bool
	DeleteRecord(k types.Key, v types.Value) bool
	RangeSample(out []record.Record, lo, hi types.Key, k int, rng *rand.Rand) int
	RecordCount() int
	TombstoneCount() int
	Height() int
	Persist(dir string) error
	Stats() *stats.Registry
}

// Server serves the sampling API over HTTP. The tree permits one writer,
// so mutating handlers serialize on wmu; sampling handlers do not.
type Server struct {
	tree       iTreeAPI
	wmu        sync.Mutex
	httpServer *http.Server
	URL        string
	addr       string
}

// NewServer creates a new server instance over the given tree.
func NewServer(tree iTreeAPI, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		tree: tree,
		URL:  "http://localhost:" + port,
		addr: ":" + port,
	}
}

// Start starts the server.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds the chi router.
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Post("/api/records", s.handleAppend)
	r.Delete("/api/records", s.handleDelete)
	r.Get("/api/sample", s.handleSample)
	r.Get("/api/stats", s.handleStats)
	r.Get("/api/info", s.handleInfo)
	r.Post("/api/persist", s.handlePersist)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func parseUint(r *http.Request, name string) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, fmt.Errorf("missing parameter %q", name)
	}
	return strconv.ParseUint(raw, 10, 64)
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	key, err := parseUint(r, "key")
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	value, err := parseUint(r, "value")
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	weight := 1.0
	if raw := r.URL.Query().Get("weight"); raw != "" {
		if weight, err = strconv.ParseFloat(raw, 64); err != nil || weight < 0 {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("invalid weight"))
			return
		}
	}

	s.wmu.Lock()
	ok := s.tree.Append(types.Key(key), types.Value(value), types.Weight(weight), false)
	s.wmu.Unlock()
	if !ok {
		s.writeJSON(w, http.StatusInsufficientStorage, NewErrorResponse("append rejected"))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// handleDelete appends a tombstone, or tags the record when the tree runs
// in the tagging variant and ?tag=true is passed.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, err := parseUint(r, "key")
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	value, err := parseUint(r, "value")
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	var ok bool
	s.wmu.Lock()
	if r.URL.Query().Get("tag") == "true" {
		ok = s.tree.DeleteRecord(types.Key(key), types.Value(value))
	} else {
		ok = s.tree.Append(types.Key(key), types.Value(value), 1, true)
	}
	s.wmu.Unlock()
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("delete rejected"))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	lo, err := parseUint(r, "lo")
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	hi, err := parseUint(r, "hi")
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	k, err := parseUint(r, "k")
	if err != nil || k == 0 || k > maxSampleSize {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("invalid sample size"))
		return
	}

	out := make([]record.Record, k)
	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	n := s.tree.RangeSample(out, types.Key(lo), types.Key(hi), int(k), rng)

	samples := make([]SampledRecord, n)
	for i := 0; i < n; i++ {
		samples[i] = SampledRecord{
			Key:    uint64(out[i].Key),
			Value:  uint64(out[i].Value),
			Weight: float64(out[i].Weight),
		}
	}
	s.writeJSON(w, http.StatusOK, NewSampleResponse(samples))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	agg := s.tree.Stats().Aggregate()
	s.writeJSON(w, http.StatusOK, Response{Status: StatusSuccess, Stats: &agg})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, Response{
		Status:     StatusSuccess,
		Records:    s.tree.RecordCount(),
		Tombstones: s.tree.TombstoneCount(),
		Height:     s.tree.Height(),
	})
}

func (s *Server) handlePersist(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("dir")
	if dir == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("missing dir"))
		return
	}
	s.wmu.Lock()
	err := s.tree.Persist(dir)
	s.wmu.Unlock()
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
