// Package statusd serves the local observability endpoints: a liveness
// probe and a small JSON status snapshot. It binds to loopback only;
// nothing here is authenticated.
package statusd

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hearthlabs/hearth/internal/logging"
)

// Sources supplies the live numbers for /status. Any nil func reports
// zero, so partial wiring during startup is harmless.
type Sources struct {
	Version         string
	Model           func() string
	LiveSessions    func() int
	Abilities       func() int
	ActiveSubagents func() int
	Memories        func() int
}

// Server is the loopback status listener.
type Server struct {
	addr    string
	sources Sources
	started time.Time
}

// New builds the listener for addr (host:port, loopback expected).
func New(addr string, sources Sources) *Server {
	return &Server{addr: addr, sources: sources, started: time.Now()}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logging.G(ctx).WithField("addr", s.addr).Info("status listener up")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

type statusPayload struct {
	Version         string `json:"version,omitempty"`
	Model           string `json:"model,omitempty"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	LiveSessions    int    `json:"live_sessions"`
	Abilities       int    `json:"abilities"`
	ActiveSubagents int    `json:"active_subagents"`
	Memories        int    `json:"memories"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	payload := statusPayload{
		Version:         s.sources.Version,
		Model:           callString(s.sources.Model),
		UptimeSeconds:   int64(time.Since(s.started).Seconds()),
		LiveSessions:    callInt(s.sources.LiveSessions),
		Abilities:       callInt(s.sources.Abilities),
		ActiveSubagents: callInt(s.sources.ActiveSubagents),
		Memories:        callInt(s.sources.Memories),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func callInt(fn func() int) int {
	if fn == nil {
		return 0
	}
	return fn()
}

func callString(fn func() string) string {
	if fn == nil {
		return ""
	}
	return fn()
}
