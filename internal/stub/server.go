// Package stub is an in-process approval endpoint for exercising the load
// test without the real service.
package stub

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wesleyorama2/approveload/internal/approval"
)

const maxBodyBytes = 1 << 20

// Config configures a Server.
type Config struct {
	// Statuses is the response status mix. Nil means DefaultMix.
	Statuses Mix

	// Latency delays every valid response.
	Latency time.Duration

	Logger *zap.Logger
}

// Stats counts what the server has received.
type Stats struct {
	Received   int64
	Invalid    int64
	Unique     int64
	Duplicates int64
	ByStatus   map[int]int64
}

// Server answers POST /approve with statuses drawn from a mix and tracks
// the approvalIds it sees.
type Server struct {
	router    chi.Router
	validator *approval.Validator
	picker    *picker
	latency   time.Duration
	logger    *zap.Logger

	mu    sync.Mutex
	seen  map[string]struct{}
	stats Stats
}

// New builds a Server.
func New(cfg Config) (*Server, error) {
	validator, err := approval.NewValidator()
	if err != nil {
		return nil, err
	}

	mix := cfg.Statuses
	if len(mix) == 0 {
		mix = DefaultMix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		router:    chi.NewRouter(),
		validator: validator,
		picker:    newPicker(mix),
		latency:   cfg.Latency,
		logger:    logger.Named("stub"),
		seen:      make(map[string]struct{}),
		stats:     Stats{ByStatus: make(map[int]int64)},
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.Recoverer)

	r.Post(approval.Path, s.handleApprove)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

// ServeHTTP makes Server usable as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "unable to read body", http.StatusBadRequest)
		return
	}

	if err := s.validator.Validate(body); err != nil {
		s.mu.Lock()
		s.stats.Received++
		s.stats.Invalid++
		s.stats.ByStatus[http.StatusBadRequest]++
		s.mu.Unlock()

		s.logger.Debug("rejected approval request", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := gjson.GetBytes(body, "approvalId").String()
	status := s.picker.next()

	s.mu.Lock()
	s.stats.Received++
	if _, dup := s.seen[id]; dup {
		s.stats.Duplicates++
	} else {
		s.seen[id] = struct{}{}
		s.stats.Unique++
	}
	s.stats.ByStatus[status]++
	s.mu.Unlock()

	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		select {
		case <-timer.C:
		case <-r.Context().Done():
			timer.Stop()
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if status == http.StatusOK {
		_, _ = w.Write([]byte("OK"))
		return
	}
	_, _ = w.Write([]byte(http.StatusText(status)))
}

// Stats returns a copy of the counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.stats
	out.ByStatus = make(map[int]int64, len(s.stats.ByStatus))
	for k, v := range s.stats.ByStatus {
		out.ByStatus[k] = v
	}
	return out
}

// Seen reports whether id has been received.
func (s *Server) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[id]
	return ok
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// within five seconds.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("stub listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
