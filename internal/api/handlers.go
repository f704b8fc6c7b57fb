package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/utakatalp/league-outlook/internal/aggregate"
	"github.com/utakatalp/league-outlook/internal/engine"
	"github.com/utakatalp/league-outlook/internal/league"
	"github.com/utakatalp/league-outlook/internal/model"
	"github.com/utakatalp/league-outlook/internal/rating"
	"github.com/utakatalp/league-outlook/internal/store"
)

const dateLayout = "2006-01-02"

// Service is the part of the engine the API exposes.
type Service interface {
	Model() model.Metadata
	Leagues(ctx context.Context) ([]string, error)
	Teams(ctx context.Context, leagueCode, season string) ([]string, error)
	Standings(ctx context.Context, leagueCode, season string, date time.Time) ([]league.Standing, error)
	Ratings(ctx context.Context, leagueCode, season string) ([]rating.StateRow, error)
	PredictMatch(ctx context.Context, home, away, leagueCode string, date time.Time) (engine.MatchPrediction, error)
	RunSimulation(ctx context.Context, leagueCode string, replicas int, seed uint64) (aggregate.LeagueEstimate, error)
}

// RunStore reads persisted simulation runs.
type RunStore interface {
	LoadRun(ctx context.Context, runID string) (aggregate.LeagueEstimate, error)
	ListRuns(ctx context.Context, leagueCode string, limit int) ([]aggregate.Manifest, error)
}

// JobReporter exposes the state of the scheduled refresh.
type JobReporter interface {
	Job() engine.JobInfo
}

// Defaults fill in omitted simulation parameters.
type Defaults struct {
	Replicas int
	Seed     uint64
}

// APIHandler handles HTTP requests for predictions and simulations.
type APIHandler struct {
	svc      Service
	runs     RunStore
	defaults Defaults
	jobs     JobReporter
	log      *logrus.Entry
}

// NewAPIHandler creates a new API handler. runs may be nil when nothing is
// persisted.
func NewAPIHandler(svc Service, runs RunStore, defaults Defaults, log *logrus.Entry) *APIHandler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &APIHandler{svc: svc, runs: runs, defaults: defaults, log: log}
}

// SetJobs attaches the refresh scheduler whose state /jobs/refresh reports.
func (h *APIHandler) SetJobs(j JobReporter) { h.jobs = j }

// SetupRoutes configures the HTTP routes.
func (h *APIHandler) SetupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/leagues", h.handleLeagues).Methods("GET")
	r.HandleFunc("/leagues/{league}/teams", h.handleTeams).Methods("GET")
	r.HandleFunc("/leagues/{league}/standings", h.handleStandings).Methods("GET")
	r.HandleFunc("/leagues/{league}/ratings", h.handleRatings).Methods("GET")

	r.HandleFunc("/predict", h.handlePredict).Methods("POST")

	r.HandleFunc("/simulations", h.handleRunSimulation).Methods("POST")
	r.HandleFunc("/simulations", h.handleListRuns).Methods("GET")
	r.HandleFunc("/simulations/{id}", h.handleGetRun).Methods("GET")

	r.HandleFunc("/jobs/refresh", h.handleRefreshJob).Methods("GET")

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto status codes.
func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		invalid *engine.InvalidFixtureError
		schema  *model.SchemaMismatchError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &invalid), errors.Is(err, engine.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.As(err, &schema):
		status = http.StatusInternalServerError
	case errors.Is(err, league.ErrUnknownLeague), errors.Is(err, league.ErrNoSeason), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	entry := h.log.WithError(err).WithFields(logrus.Fields{"path": r.URL.Path, "status": status})
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}
	writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}

func (h *APIHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	meta := h.svc.Model()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"model":  engine.ModelRef{Name: meta.Name, Version: meta.Version},
		"schema": meta.Schema.Version,
	})
}

func (h *APIHandler) handleLeagues(w http.ResponseWriter, r *http.Request) {
	codes, err := h.svc.Leagues(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"leagues": codes})
}

func (h *APIHandler) handleTeams(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["league"]
	season := r.URL.Query().Get("season")
	teams, err := h.svc.Teams(r.Context(), code, season)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"league": code, "teams": teams})
}

func (h *APIHandler) handleStandings(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["league"]
	q := r.URL.Query()
	var date time.Time
	if raw := q.Get("date"); raw != "" {
		var err error
		if date, err = time.Parse(dateLayout, raw); err != nil {
			http.Error(w, "Invalid date, want YYYY-MM-DD", http.StatusBadRequest)
			return
		}
	}
	table, err := h.svc.Standings(r.Context(), code, q.Get("season"), date)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"league": code, "standings": table})
}

func (h *APIHandler) handleRatings(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["league"]
	table, err := h.svc.Ratings(r.Context(), code, r.URL.Query().Get("season"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"league": code, "ratings": table})
}

type predictRequest struct {
	League string `json:"league"`
	Home   string `json:"home_team"`
	Away   string `json:"away_team"`
	Date   string `json:"date"`
}

func (h *APIHandler) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	date, err := time.Parse(dateLayout, req.Date)
	if err != nil {
		http.Error(w, "Invalid date, want YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	pred, err := h.svc.PredictMatch(r.Context(), req.Home, req.Away, req.League, date)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

type simulationRequest struct {
	League   string  `json:"league"`
	Replicas int     `json:"replicas"`
	Seed     *uint64 `json:"seed"`
}

func (h *APIHandler) handleRunSimulation(w http.ResponseWriter, r *http.Request) {
	var req simulationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.League == "" {
		http.Error(w, "Missing 'league' field", http.StatusBadRequest)
		return
	}
	replicas := req.Replicas
	if replicas == 0 {
		replicas = h.defaults.Replicas
	}
	seed := h.defaults.Seed
	if req.Seed != nil {
		seed = *req.Seed
	}

	est, err := h.svc.RunSimulation(r.Context(), req.League, replicas, seed)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (h *APIHandler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"runs": []aggregate.Manifest{}})
		return
	}
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := h.runs.ListRuns(r.Context(), q.Get("league"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []aggregate.Manifest{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (h *APIHandler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if h.runs == nil {
		h.writeError(w, r, store.ErrNotFound)
		return
	}
	est, err := h.runs.LoadRun(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (h *APIHandler) handleRefreshJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "no refresh job scheduled"})
		return
	}
	writeJSON(w, http.StatusOK, h.jobs.Job())
}
