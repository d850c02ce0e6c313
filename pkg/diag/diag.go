// Package diag serves read only JSON views of the engine for debugging:
// connections, queries and relay health.
package diag

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"github.com/sebest/xff"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/metrics"
	"github.com/Hubmakerlabs/feedr/pkg/pool"
	"github.com/Hubmakerlabs/feedr/pkg/query"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

// Source is what the server reports on.
type Source interface {
	ConnectionSnapshot() []pool.Snapshot
	Snapshot() ([]query.Snapshot, error)
	Metrics() []metrics.Snapshot
}

// Server is the diagnostics HTTP server.
type Server struct {
	Addr string

	src        Source
	router     chi.Router
	httpServer *http.Server
}

func New(src Source) (s *Server) {
	s = &Server{src: src, router: chi.NewRouter()}
	s.router.Use(logRequests)
	s.router.Get("/connections", s.connections)
	s.router.Get("/queries", s.queries)
	s.router.Get("/queries/{id}", s.query)
	s.router.Get("/metrics", s.metrics)
	return
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.T.F("%s %s from %s", r.Method, r.URL.Path, xff.GetRemoteAddr(r))
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	chk.D(enc.Encode(v))
}

type errResponse struct {
	Error string `json:"error"`
}

func (s *Server) connections(w http.ResponseWriter, r *http.Request) {
	conns := s.src.ConnectionSnapshot()
	if conns == nil {
		conns = []pool.Snapshot{}
	}
	writeJSON(w, http.StatusOK, conns)
}

func (s *Server) queries(w http.ResponseWriter, r *http.Request) {
	qs, err := s.src.Snapshot()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errResponse{err.Error()})
		return
	}
	if qs == nil {
		qs = []query.Snapshot{}
	}
	writeJSON(w, http.StatusOK, qs)
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	qs, err := s.src.Snapshot()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errResponse{err.Error()})
		return
	}
	for _, q := range qs {
		if q.ID == id {
			writeJSON(w, http.StatusOK, q)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, errResponse{"no query with id '" + id + "'"})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	m := s.src.Metrics()
	if m == nil {
		m = []metrics.Snapshot{}
	}
	writeJSON(w, http.StatusOK, m)
}

// Start listens on host and port and serves until Shutdown. Channels in
// started are closed once the listener is open.
func (s *Server) Start(host string, port int, started ...chan bool) (err error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var ln net.Listener
	if ln, err = net.Listen("tcp", addr); chk.E(err) {
		return
	}
	s.Addr = ln.Addr().String()
	s.httpServer = &http.Server{
		Handler:      cors.Default().Handler(s),
		Addr:         addr,
		WriteTimeout: 2 * time.Second,
		ReadTimeout:  2 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	log.I.Ln("diagnostics listening on", s.Addr)
	for _, ch := range started {
		close(ch)
	}
	if err = s.httpServer.Serve(ln); errors.Is(err, http.ErrServerClosed) {
		return nil
	} else if chk.E(err) {
		return
	}
	return
}

func (s *Server) Shutdown(c context.T) {
	if s.httpServer != nil {
		chk.E(s.httpServer.Shutdown(c))
	}
}
