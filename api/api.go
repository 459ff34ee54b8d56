// Package api exposes the consolidated store to the dashboard over HTTP.
//
// All read endpoints operate against the main store unless a specific
// source is requested. Writes never happen here; the only mutating
// endpoint triggers a consolidation run.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/finveille/consolidate"
	"github.com/hazyhaar/finveille/fault"
	"github.com/hazyhaar/finveille/idgen"
	"github.com/hazyhaar/finveille/kit"
	"github.com/hazyhaar/finveille/news"
	"github.com/hazyhaar/finveille/observe"
	"github.com/hazyhaar/finveille/stats"
)

// Config wires the server to the storage layer.
type Config struct {
	Main    *news.Store
	Stats   *stats.Aggregator
	Merger  *consolidate.Merger
	Sources []consolidate.Source
	Events  *observe.EventLog

	// AuthUser and AuthHash (bcrypt) enable HTTP Basic auth when both
	// are set.
	AuthUser string
	AuthHash string

	Logger *slog.Logger
}

// Server serves the dashboard API.
type Server struct {
	cfg Config
	log *slog.Logger
}

// New creates a Server.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, log: log}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLog)
	if s.cfg.AuthUser != "" {
		r.Use(s.basicAuth)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/news", s.handleNewsList)
		r.Get("/news/count", s.handleNewsCount)
		r.Get("/news/{id}", s.handleNewsGet)
		r.Get("/stats", s.handleStats)
		r.Get("/stats/sources", s.handleStatsFanOut)
		r.Get("/merges", s.handleMergeHistory)
		r.Post("/merge", s.handleMerge)
	})

	return r
}

func parseFilters(r *http.Request) news.Filters {
	q := r.URL.Query()
	return news.Filters{
		Keyword:  q.Get("keyword"),
		Source:   q.Get("source"),
		Category: q.Get("category"),
		DateFrom: q.Get("from"),
		DateTo:   q.Get("to"),
	}
}

func (s *Server) handleNewsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	recs, err := s.cfg.Main.Query(r.Context(), parseFilters(r), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []news.Record{}
	}
	writeJSON(w, 200, recs)
}

func (s *Server) handleNewsCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.cfg.Main.Count(r.Context(), parseFilters(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]int{"count": n})
}

func (s *Server) handleNewsGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Main.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, rec)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sum, err := s.cfg.Stats.Store(r.Context(), s.cfg.Main.Path())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, sum)
}

func (s *Server) handleStatsFanOut(w http.ResponseWriter, r *http.Request) {
	paths := make([]string, 0, len(s.cfg.Sources))
	for _, src := range s.cfg.Sources {
		paths = append(paths, src.Path)
	}
	sum, err := s.cfg.Stats.FanOut(r.Context(), paths)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, sum)
}

func (s *Server) handleMergeHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.cfg.Events.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []observe.Event{}
	}
	writeJSON(w, 200, events)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	rep, err := s.cfg.Merger.Consolidate(r.Context(), s.cfg.Sources)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, rep)
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.cfg.AuthUser ||
			bcrypt.CompareHashAndPassword([]byte(s.cfg.AuthHash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="finveille"`)
			writeJSON(w, 401, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := idgen.New()
		r = r.WithContext(kit.WithRequestID(r.Context(), reqID))
		next.ServeHTTP(w, r)
		s.log.Debug("api: request",
			"method", r.Method, "path", r.URL.Path,
			"request_id", reqID, "elapsed", time.Since(start))
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, news.ErrNotFound):
		writeJSON(w, 404, map[string]string{"error": "not found"})
		return
	case errors.Is(err, news.ErrInvalidInput):
		writeJSON(w, 400, map[string]string{"error": err.Error()})
		return
	}

	kind := fault.KindOf(err)
	code := 500
	if kind == fault.Contention {
		// Retry-able by the client once the writer finishes.
		code = 503
	}
	s.log.Error("api: request failed", "kind", kind.String(), "err", err)
	writeJSON(w, code, map[string]string{"error": err.Error(), "kind": kind.String()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
