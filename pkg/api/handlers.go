package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rennerdo30/vcpkg-harbor/pkg/artifacts"
	"github.com/rennerdo30/vcpkg-harbor/pkg/observability"
)

// Options configures a Server.
type Options struct {
	Version     string
	StorageType string
	ReadOnly    bool // PUT disabled
	WriteOnly   bool // HEAD and GET disabled

	RateLimitRPS   int // 0 disables limiting
	RateLimitBurst int

	// Operations, when set, is reported under "operations" on /metrics.
	Operations *observability.OperationTracker
	Logger     *slog.Logger
}

// Server exposes a Store as the vcpkg HTTP binary cache protocol.
type Server struct {
	store   artifacts.Store
	opts    Options
	logger  *slog.Logger
	started time.Time
	limiter *GlobalRateLimiter

	uploads   atomic.Int64
	downloads atomic.Int64
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64
}

func NewServer(store artifacts.Store, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:   store,
		opts:    opts,
		logger:  logger.With("component", "api"),
		started: time.Now(),
	}
	if opts.RateLimitRPS > 0 {
		s.limiter = NewGlobalRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst)
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("HEAD /{name}/{version}/{digest}", s.handleHead)
	mux.HandleFunc("GET /{name}/{version}/{digest}", s.handleGet)
	mux.HandleFunc("PUT /{name}/{version}/{digest}", s.handlePut)
	mux.HandleFunc("/{name}/{version}/{digest}", func(w http.ResponseWriter, _ *http.Request) {
		WriteMethodNotAllowed(w, "")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		WriteNotFound(w, "Not found")
	})

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = Logging(s.logger)(h)
	return RequestID(h)
}

// Close releases background resources.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"version":      s.opts.Version,
		"timestamp":    timestamp(),
		"storage_type": s.opts.StorageType,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":         "healthy",
		"storage_type":   s.opts.StorageType,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"uploads":        s.uploads.Load(),
		"downloads":      s.downloads.Load(),
		"bytes_in":       s.bytesIn.Load(),
		"bytes_out":      s.bytesOut.Load(),
		"timestamp":      timestamp(),
	}
	if s.opts.Operations != nil {
		body["operations"] = s.opts.Operations.Snapshot()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	if s.opts.WriteOnly {
		WriteMethodNotAllowed(w, "Server is in write-only mode")
		return
	}
	key, ok := s.key(w, r)
	if !ok {
		return
	}

	size, err := s.store.Head(r.Context(), key)
	if err != nil {
		// HEAD responses carry no body; the status is what matters.
		WriteStoreError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", artifacts.DefaultContentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if s.opts.WriteOnly {
		WriteMethodNotAllowed(w, "Server is in write-only mode")
		return
	}
	key, ok := s.key(w, r)
	if !ok {
		return
	}

	lw := &lazyWriter{w: w, commit: func(h http.Header) {
		h.Set("Content-Type", artifacts.DefaultContentType)
		h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.bin", key.Digest))
	}}
	n, err := s.store.Get(r.Context(), key, lw)
	if err != nil {
		if !lw.committed {
			WriteStoreError(w, r, err)
			return
		}
		// Too late for an error status; the client sees a truncated body.
		s.logger.Error("download aborted mid-stream",
			"key", key.String(), "bytes", n, "error", err, "request_id", RequestIDFrom(r.Context()))
		return
	}
	if !lw.committed {
		lw.commitHeaders()
	}
	s.downloads.Add(1)
	s.bytesOut.Add(n)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if s.opts.ReadOnly {
		WriteMethodNotAllowed(w, "Server is in read-only mode")
		return
	}
	key, ok := s.key(w, r)
	if !ok {
		return
	}

	n, err := s.store.Put(r.Context(), key, r.Body)
	if err != nil {
		WriteStoreError(w, r, err)
		return
	}
	s.uploads.Add(1)
	s.bytesIn.Add(n)
	s.logger.Info("artifact stored", "key", key.String(), "bytes", n)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"message":    fmt.Sprintf("Successfully uploaded %s", key.String()),
		"size_bytes": n,
		"timestamp":  timestamp(),
	})
}

func (s *Server) key(w http.ResponseWriter, r *http.Request) (artifacts.Key, bool) {
	key, err := artifacts.NewKey(r.PathValue("name"), r.PathValue("version"), r.PathValue("digest"))
	if err != nil {
		WriteStoreError(w, r, err)
		return artifacts.Key{}, false
	}
	return key, true
}

// lazyWriter defers the 200 and its headers until the first non-empty write,
// so a failure before any data still gets a proper error response.
type lazyWriter struct {
	w         http.ResponseWriter
	commit    func(http.Header)
	committed bool
}

func (l *lazyWriter) commitHeaders() {
	l.committed = true
	l.commit(l.w.Header())
	l.w.WriteHeader(http.StatusOK)
}

func (l *lazyWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if !l.committed {
		l.commitHeaders()
	}
	return l.w.Write(p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
