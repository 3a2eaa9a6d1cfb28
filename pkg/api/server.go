package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mazuadm/mazuadm/pkg/events"
	"github.com/mazuadm/mazuadm/pkg/log"
	"github.com/mazuadm/mazuadm/pkg/metrics"
	"github.com/mazuadm/mazuadm/pkg/pool"
	"github.com/mazuadm/mazuadm/pkg/scheduler"
	"github.com/mazuadm/mazuadm/pkg/settings"
	"github.com/mazuadm/mazuadm/pkg/store"
	"github.com/mazuadm/mazuadm/pkg/version"
)

// Server is the HTTP/JSON + WebSocket surface over the operation façade.
// Catalog edits touch the store synchronously and broadcast events; round
// and job-scheduling operations go through the scheduler's command queue,
// while job stop and container endpoints call the scheduler or pool directly.
type Server struct {
	store     store.Store
	scheduler *scheduler.Scheduler
	pool      *pool.Pool
	bus       *events.Bus
	settings  *settings.Resolver
	logger    zerolog.Logger
	router    chi.Router

	wsMu    sync.RWMutex
	wsConns map[uuid.UUID]*wsConn
}

// NewServer wires the router
func NewServer(st store.Store, sched *scheduler.Scheduler, p *pool.Pool, bus *events.Bus, resolver *settings.Resolver) *Server {
	s := &Server{
		store:     st,
		scheduler: sched,
		pool:      p,
		bus:       bus,
		settings:  resolver,
		logger:    log.WithComponent("api"),
		wsConns:   make(map[uuid.UUID]*wsConn),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", s.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, version.Get())
		})

		r.Get("/challenges", s.listChallenges)
		r.Post("/challenges", s.createChallenge)
		r.Put("/challenges/{id}", s.updateChallenge)
		r.Delete("/challenges/{id}", s.deleteChallenge)
		r.Put("/challenges/{id}/enabled/{enabled}", s.setChallengeEnabled)

		r.Get("/teams", s.listTeams)
		r.Post("/teams", s.createTeam)
		r.Put("/teams/{id}", s.updateTeam)
		r.Delete("/teams/{id}", s.deleteTeam)

		r.Get("/exploits", s.listExploits)
		r.Post("/exploits", s.createExploit)
		r.Put("/exploits/{id}", s.updateExploit)
		r.Delete("/exploits/{id}", s.deleteExploit)

		r.Get("/exploit-runs", s.listExploitRuns)
		r.Post("/exploit-runs", s.createExploitRun)
		r.Post("/exploit-runs/reorder", s.reorderExploitRuns)
		r.Put("/exploit-runs/{id}", s.updateExploitRun)
		r.Delete("/exploit-runs/{id}", s.deleteExploitRun)

		r.Get("/rounds", s.listRounds)
		r.Post("/rounds", s.createRound)
		r.Post("/rounds/{id}/run", s.runRound)
		r.Post("/rounds/{id}/rerun", s.rerunRound)
		r.Post("/rounds/{id}/rerun-unflagged", s.rerunUnflagged)
		r.Post("/rounds/{id}/skip", s.skipRound)

		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.getJob)
		r.Post("/jobs/enqueue", s.enqueueJob)
		r.Post("/jobs/reorder", s.reorderJobs)
		r.Post("/jobs/{id}/enqueue", s.enqueueExistingJob)
		r.Post("/jobs/{id}/stop", s.stopJob)

		r.Get("/flags", s.listFlags)
		r.Post("/flags", s.submitFlags)

		r.Get("/settings", s.listSettings)
		r.Post("/settings", s.updateSetting)

		r.Get("/containers", s.listContainers)
		r.Delete("/containers/{id}", s.deleteContainer)
		r.Get("/containers/{id}/runners", s.containerRunners)
		r.Post("/containers/{id}/restart", s.restartContainer)
		r.Post("/containers/restart-all", s.restartAllContainers)
		r.Post("/containers/remove-all", s.removeAllContainers)

		r.Get("/relations/{challenge_id}", s.listRelations)
		r.Get("/relations/{challenge_id}/{team_id}", s.getRelation)
		r.Put("/relations/{challenge_id}/{team_id}", s.updateConnectionInfo)

		r.Get("/ws-connections", s.listWSConnections)
	})

	s.router = r
	return s
}

// Handler returns the root http.Handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve runs the HTTP server until the listener fails
func (s *Server) Serve(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("Listening")
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// respondErr maps domain errors onto HTTP statuses
func respondErr(w http.ResponseWriter, err error) {
	var verr *scheduler.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Message)
	case errors.Is(err, scheduler.ErrNoRunningRound):
		writeError(w, http.StatusBadRequest, "no running round")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

// splitCSV splits a comma-separated value, dropping empty tokens
func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// queryInt64 parses an optional int64 query parameter
func queryInt64(r *http.Request, name string) *int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}
