package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utakatalp/league-outlook/internal/aggregate"
	"github.com/utakatalp/league-outlook/internal/engine"
	"github.com/utakatalp/league-outlook/internal/league"
	"github.com/utakatalp/league-outlook/internal/model"
	"github.com/utakatalp/league-outlook/internal/rating"
	"github.com/utakatalp/league-outlook/internal/simulation"
	"github.com/utakatalp/league-outlook/internal/store"
)

type fakeService struct {
	simErr     error
	lastSeed   uint64
	lastCount  int
	lastDate   time.Time
	lastSeason string
}

func (f *fakeService) Model() model.Metadata {
	return model.Metadata{Name: "heuristic", Version: "1", Schema: model.DefaultSchema}
}

func (f *fakeService) Leagues(ctx context.Context) ([]string, error) { return []string{"EPL"}, nil }

func (f *fakeService) Teams(ctx context.Context, leagueCode, season string) ([]string, error) {
	if leagueCode != "EPL" {
		return nil, fmt.Errorf("%w: %s", league.ErrUnknownLeague, leagueCode)
	}
	f.lastSeason = season
	return []string{"Arsenal", "Chelsea"}, nil
}

func (f *fakeService) Standings(ctx context.Context, leagueCode, season string, date time.Time) ([]league.Standing, error) {
	f.lastDate = date
	return []league.Standing{{Team: "Arsenal", Points: 3}, {Team: "Chelsea"}}, nil
}

func (f *fakeService) Ratings(ctx context.Context, leagueCode, season string) ([]rating.StateRow, error) {
	f.lastSeason = season
	return []rating.StateRow{{League: leagueCode, Season: season, Team: "Arsenal", Rating: 1510}}, nil
}

func (f *fakeService) PredictMatch(ctx context.Context, home, away, leagueCode string, date time.Time) (engine.MatchPrediction, error) {
	if home == away {
		return engine.MatchPrediction{}, &engine.InvalidFixtureError{League: leagueCode, Home: home, Away: away, Reason: "a team cannot play itself"}
	}
	return engine.MatchPrediction{
		League: leagueCode, Home: home, Away: away, Date: date.Format("2006-01-02"),
		Probabilities: model.Distribution{Home: 0.5, Draw: 0.3, Away: 0.2},
		Predicted:     "H",
	}, nil
}

func (f *fakeService) RunSimulation(ctx context.Context, leagueCode string, replicas int, seed uint64) (aggregate.LeagueEstimate, error) {
	f.lastSeed, f.lastCount = seed, replicas
	if f.simErr != nil {
		return aggregate.LeagueEstimate{}, f.simErr
	}
	return aggregate.LeagueEstimate{
		Manifest: aggregate.Manifest{RunID: "run-1", League: leagueCode, Seed: seed, Replicas: replicas},
		Teams:    []aggregate.TeamEstimate{{Team: "Arsenal", ChampionProbability: 1}},
	}, nil
}

type fakeRuns struct{ lastLimit int }

func (f *fakeRuns) LoadRun(ctx context.Context, runID string) (aggregate.LeagueEstimate, error) {
	if runID != "run-1" {
		return aggregate.LeagueEstimate{}, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	return aggregate.LeagueEstimate{Manifest: aggregate.Manifest{RunID: runID}}, nil
}

func (f *fakeRuns) ListRuns(ctx context.Context, leagueCode string, limit int) ([]aggregate.Manifest, error) {
	f.lastLimit = limit
	return []aggregate.Manifest{{RunID: "run-1", League: leagueCode}}, nil
}

type fixedJob struct{}

func (fixedJob) Job() engine.JobInfo { return engine.JobInfo{Schedule: "0 4 * * *", Status: "completed", RunCount: 2} }

func newTestHandler(t *testing.T) (*APIHandler, *fakeService, *fakeRuns) {
	t.Helper()
	log, _ := test.NewNullLogger()
	svc, runs := &fakeService{}, &fakeRuns{}
	return NewAPIHandler(svc, runs, Defaults{Replicas: 1000, Seed: 42}, logrus.NewEntry(log)), svc, runs
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealthAndLeagues(t *testing.T) {
	h, _, _ := newTestHandler(t)
	r := h.SetupRoutes()

	rec, body := do(t, r, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, model.DefaultSchemaLabel, body["schema"])

	rec, body = do(t, r, "GET", "/leagues", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"EPL"}, body["leagues"])
}

func TestLeagueViews(t *testing.T) {
	h, svc, _ := newTestHandler(t)
	r := h.SetupRoutes()

	rec, body := do(t, r, "GET", "/leagues/EPL/teams?season=2324", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["teams"], 2)
	assert.Equal(t, "2324", svc.lastSeason)

	rec, _ = do(t, r, "GET", "/leagues/XYZ/teams", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = do(t, r, "GET", "/leagues/EPL/standings?date=2024-01-31", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC), svc.lastDate)
	table := body["standings"].([]interface{})
	assert.Equal(t, "Arsenal", table[0].(map[string]interface{})["team"])

	rec, _ = do(t, r, "GET", "/leagues/EPL/standings?date=31/01/2024", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = do(t, r, "GET", "/leagues/EPL/ratings?season=2223", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["ratings"], 1)
	assert.Equal(t, "2223", svc.lastSeason)
}

func TestPredict(t *testing.T) {
	h, _, _ := newTestHandler(t)
	r := h.SetupRoutes()

	rec, body := do(t, r, "POST", "/predict",
		`{"league":"EPL","home_team":"Arsenal","away_team":"Chelsea","date":"2024-02-10"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "H", body["predicted"])
	probs := body["probabilities"].(map[string]interface{})
	assert.Equal(t, 0.5, probs["home_win"])

	rec, body = do(t, r, "POST", "/predict",
		`{"league":"EPL","home_team":"Arsenal","away_team":"Arsenal","date":"2024-02-10"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "cannot play itself")

	rec, _ = do(t, r, "POST", "/predict", `{"league":"EPL","home_team":"A","away_team":"B","date":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, r, "POST", "/predict", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunSimulationUsesDefaults(t *testing.T) {
	h, svc, _ := newTestHandler(t)
	r := h.SetupRoutes()

	rec, body := do(t, r, "POST", "/simulations", `{"league":"EPL"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(42), svc.lastSeed)
	assert.Equal(t, 1000, svc.lastCount)
	assert.Equal(t, "run-1", body["manifest"].(map[string]interface{})["run_id"])

	rec, _ = do(t, r, "POST", "/simulations", `{"league":"EPL","replicas":50,"seed":0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(0), svc.lastSeed, "an explicit zero seed is kept")
	assert.Equal(t, 50, svc.lastCount)

	rec, _ = do(t, r, "POST", "/simulations", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunSimulationErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&engine.InvalidFixtureError{League: "XYZ", Reason: "unknown league"}, http.StatusBadRequest},
		{fmt.Errorf("%w: replicas must be positive, got -5", engine.ErrInvalidRequest), http.StatusBadRequest},
		{fmt.Errorf("%w: replicas 5000 above limit 1000", engine.ErrInvalidRequest), http.StatusBadRequest},
		{fmt.Errorf("predicting: %w", &model.SchemaMismatchError{Model: "m@1"}), http.StatusInternalServerError},
		{fmt.Errorf("%w: XYZ", league.ErrNoSeason), http.StatusNotFound},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		h, svc, _ := newTestHandler(t)
		svc.simErr = tt.err
		rec, body := do(t, h.SetupRoutes(), "POST", "/simulations", `{"league":"EPL"}`)
		assert.Equal(t, tt.status, rec.Code, tt.err.Error())
		assert.Equal(t, tt.err.Error(), body["error"])
	}
}

type noHistory struct{}

func (noHistory) LoadMatches(ctx context.Context, leagueCode string) ([]league.Match, error) {
	return nil, nil
}

func TestRunSimulationRejectsReplicasOutOfRange(t *testing.T) {
	log, _ := test.NewNullLogger()
	eng := engine.New(noHistory{}, nil, model.NewHeuristicModel(), engine.Options{
		Simulation:  simulation.DefaultConfig(),
		MaxReplicas: 1000,
	}, logrus.NewEntry(log))
	r := NewAPIHandler(eng, nil, Defaults{Replicas: 100, Seed: 1}, logrus.NewEntry(log)).SetupRoutes()

	rec, body := do(t, r, "POST", "/simulations", `{"league":"L","replicas":-5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "replicas must be positive, got -5")

	rec, body = do(t, r, "POST", "/simulations", `{"league":"L","replicas":5000}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "replicas 5000 above limit 1000")
}

func TestStoredRuns(t *testing.T) {
	h, _, runs := newTestHandler(t)
	r := h.SetupRoutes()

	rec, body := do(t, r, "GET", "/simulations?league=EPL&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["runs"], 1)
	assert.Equal(t, 5, runs.lastLimit)

	rec, _ = do(t, r, "GET", "/simulations?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = do(t, r, "GET", "/simulations/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "run-1", body["manifest"].(map[string]interface{})["run_id"])

	rec, _ = do(t, r, "GET", "/simulations/run-2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWithoutRunStore(t *testing.T) {
	log, _ := test.NewNullLogger()
	h := NewAPIHandler(&fakeService{}, nil, Defaults{}, logrus.NewEntry(log))
	r := h.SetupRoutes()

	rec, body := do(t, r, "GET", "/simulations", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["runs"])

	rec, _ = do(t, r, "GET", "/simulations/run-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefreshJob(t *testing.T) {
	h, _, _ := newTestHandler(t)
	rec, _ := do(t, h.SetupRoutes(), "GET", "/jobs/refresh", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.SetJobs(fixedJob{})
	rec, body := do(t, h.SetupRoutes(), "GET", "/jobs/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, 2.0, body["run_count"])
}

func TestRateLimit(t *testing.T) {
	h, _, _ := newTestHandler(t)
	router := h.Router(1, 2)

	codes := make([]int, 4)
	for i := range codes {
		rec, _ := do(t, router, "GET", "/health", "")
		codes[i] = rec.Code
	}
	assert.Equal(t, []int{200, 200, 429, 429}, codes)

	unlimited := h.Router(0, 0)
	for i := 0; i < 5; i++ {
		rec, _ := do(t, unlimited, "GET", "/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}
