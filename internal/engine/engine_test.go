package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utakatalp/league-outlook/internal/aggregate"
	"github.com/utakatalp/league-outlook/internal/league"
	"github.com/utakatalp/league-outlook/internal/model"
	"github.com/utakatalp/league-outlook/internal/rating"
	"github.com/utakatalp/league-outlook/internal/simulation"
)

var clubs = []string{"Ajax", "Benfica", "Celtic", "Dynamo"}

// seasonMatches schedules a double round-robin a week apart from start and
// plays the first playedRounds rounds with deterministic scores.
func seasonMatches(code, season string, start time.Time, playedRounds int) []league.Match {
	var out []league.Match
	for r, round := range league.GenerateFullSeason(clubs) {
		for i, p := range round {
			m := league.Match{
				League: code, Season: season, Week: r + 1,
				Date: start.AddDate(0, 0, 7*r), Home: p[0], Away: p[1],
			}
			if r < playedRounds {
				m.Result = &league.Score{HomeGoals: (i + r) % 3, AwayGoals: (2*i + r) % 2}
			}
			out = append(out, m)
		}
	}
	return out
}

func fixtureHistory() []league.Match {
	var all []league.Match
	all = append(all, seasonMatches("L", "2022", time.Date(2022, time.August, 6, 0, 0, 0, 0, time.UTC), 6)...)
	all = append(all, seasonMatches("L", "2023", time.Date(2023, time.August, 5, 0, 0, 0, 0, time.UTC), 6)...)
	all = append(all, seasonMatches("L", "2024", time.Date(2024, time.August, 3, 0, 0, 0, 0, time.UTC), 3)...)
	return all
}

type memoryHistory struct {
	matches []league.Match
	err     error
}

func (h *memoryHistory) LoadMatches(ctx context.Context, leagueCode string) ([]league.Match, error) {
	if h.err != nil {
		return nil, h.err
	}
	var out []league.Match
	for _, m := range h.matches {
		if leagueCode == "" || m.League == leagueCode {
			out = append(out, m)
		}
	}
	return out, nil
}

type recordingSink struct {
	mu      sync.Mutex
	ratings [][]rating.StateRow
	runs    []aggregate.LeagueEstimate
}

func (s *recordingSink) SaveRatings(ctx context.Context, table []rating.StateRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ratings = append(s.ratings, table)
	return nil
}

func (s *recordingSink) SaveRun(ctx context.Context, est aggregate.LeagueEstimate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, est)
	return nil
}

func testOptions() Options {
	sim := simulation.DefaultConfig()
	sim.Workers = 2
	return Options{
		Rating:      rating.DefaultConfig(),
		Simulation:  sim,
		MaxReplicas: 100000,
	}
}

func newTestEngine(t *testing.T, p model.Predictor, opts Options) (*Engine, *recordingSink, *test.Hook) {
	t.Helper()
	log, hook := test.NewNullLogger()
	sink := &recordingSink{}
	if p == nil {
		p = model.NewHeuristicModel()
	}
	e := New(&memoryHistory{matches: fixtureHistory()}, sink, p, opts, logrus.NewEntry(log))
	require.NoError(t, e.Refresh(context.Background()))
	return e, sink, hook
}

// cutoffModel is the heuristic model with a training cutoff.
type cutoffModel struct {
	*model.HeuristicModel
	cutoff time.Time
}

func (m cutoffModel) Metadata() model.Metadata {
	meta := m.HeuristicModel.Metadata()
	meta.Name, meta.TrainingCutoff = "dated", m.cutoff
	return meta
}

// legacyModel expects a feature layout the tracker no longer produces.
type legacyModel struct{}

func (legacyModel) Metadata() model.Metadata {
	return model.Metadata{Name: "legacy", Version: "0", Schema: model.Schema{Version: "v0", Fields: []string{"x"}}}
}

func (m legacyModel) Predict(fv model.FeatureVector) (model.Prediction, error) {
	if err := model.CheckSchema(m.Metadata(), fv); err != nil {
		return model.Prediction{}, err
	}
	return model.Prediction{}, nil
}

func (m legacyModel) PredictBatch(fvs []model.FeatureVector) ([]model.Prediction, error) {
	for _, fv := range fvs {
		if _, err := m.Predict(fv); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func TestReadViews(t *testing.T) {
	e, _, _ := newTestEngine(t, nil, testOptions())
	ctx := context.Background()

	codes, err := e.Leagues(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"L"}, codes)

	teams, err := e.Teams(ctx, "L", "")
	require.NoError(t, err)
	assert.ElementsMatch(t, clubs, teams)

	table, err := e.Standings(ctx, "L", "", time.Time{})
	require.NoError(t, err)
	require.Len(t, table, 4)
	for _, s := range table {
		assert.Equal(t, 3, s.Played, s.Team)
	}

	early, err := e.Standings(ctx, "L", "2024", time.Date(2024, time.August, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	for _, s := range early {
		assert.Equal(t, 1, s.Played, s.Team)
	}

	ratings, err := e.Ratings(ctx, "L", "")
	require.NoError(t, err)
	require.Len(t, ratings, 4)
	assert.Equal(t, "2024", ratings[0].Season)

	past, err := e.Ratings(ctx, "L", "2022")
	require.NoError(t, err)
	require.Len(t, past, 4)
	assert.Equal(t, 6, past[0].Played)

	_, err = e.Ratings(ctx, "Z", "")
	assert.ErrorIs(t, err, league.ErrUnknownLeague)
	_, err = e.Ratings(ctx, "L", "1999")
	assert.ErrorIs(t, err, league.ErrNoSeason)
	_, err = e.Teams(ctx, "L", "1999")
	assert.ErrorIs(t, err, league.ErrNoSeason)
	assert.Equal(t, "heuristic", e.Model().Name)
}

func TestRefreshSurfacesHistoryErrors(t *testing.T) {
	log, _ := test.NewNullLogger()
	e := New(&memoryHistory{err: errors.New("connection refused")}, nil, model.NewHeuristicModel(),
		testOptions(), logrus.NewEntry(log))
	_, err := e.Leagues(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}

func TestPredictMatch(t *testing.T) {
	e, _, _ := newTestEngine(t, nil, testOptions())
	date := time.Date(2024, time.September, 1, 0, 0, 0, 0, time.UTC)

	pred, err := e.PredictMatch(context.Background(), "Ajax", "Dynamo", "L", date)
	require.NoError(t, err)
	assert.InDelta(t, 1, pred.Probabilities.Sum(), 1e-9)
	assert.Equal(t, "2024-09-01", pred.Date)
	assert.Equal(t, ModelRef{Name: "heuristic", Version: "1"}, pred.Model)
	assert.Len(t, pred.Explanations, 3)
	assert.False(t, pred.LowConfidence)
	assert.Empty(t, pred.Warnings)
	assert.NotNil(t, pred.ExpectedGoals)
	assert.Positive(t, pred.HeadToHead.Meetings)
	assert.Contains(t, []string{"H", "D", "A"}, pred.Predicted)
	assert.Positive(t, pred.HomeRating)
	assert.Equal(t, 3, pred.HomeForm.Matches)
	assert.Equal(t, 3, pred.AwayForm.Matches)

	again, err := e.PredictMatch(context.Background(), "Ajax", "Dynamo", "L", date)
	require.NoError(t, err)
	assert.Equal(t, pred, again)
}

func TestPredictMatchRejectsInvalidFixtures(t *testing.T) {
	e, _, _ := newTestEngine(t, nil, testOptions())
	date := time.Date(2024, time.September, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name, home, away, league, reason string
	}{
		{"self", "Ajax", "Ajax", "L", "a team cannot play itself"},
		{"league", "Ajax", "Benfica", "Z", "unknown league"},
		{"team", "Ajax", "Real", "L", "unknown team Real"},
		{"empty", "", "Benfica", "L", "team name required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.PredictMatch(context.Background(), tt.home, tt.away, tt.league, date)
			var invalid *InvalidFixtureError
			require.True(t, errors.As(err, &invalid))
			assert.Equal(t, tt.reason, invalid.Reason)
		})
	}
}

func TestPredictMatchWarnings(t *testing.T) {
	opts := testOptions()
	opts.Rating.MinHistory = 1000
	cutoff := time.Date(2024, time.December, 31, 0, 0, 0, 0, time.UTC)
	e, _, _ := newTestEngine(t, cutoffModel{model.NewHeuristicModel(), cutoff}, opts)

	pred, err := e.PredictMatch(context.Background(), "Ajax", "Benfica", "L",
		time.Date(2024, time.September, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, pred.LowConfidence)
	require.Len(t, pred.Warnings, 2)
	assert.Contains(t, pred.Warnings[0], "insufficient history")
	assert.Contains(t, pred.Warnings[1], "training cutoff 2024-12-31")
	assert.Equal(t, "dated", pred.Model.Name)
}

// restModel attributes every prediction to relative rest.
type restModel struct{ *model.HeuristicModel }

func (restModel) Contributions(fv model.FeatureVector) ([]float64, error) {
	out := make([]float64, fv.Len())
	out[fv.Schema.Index(model.RestDaysDiff)] = -2
	return out, nil
}

func TestPredictMatchUsesModelContributions(t *testing.T) {
	e, _, _ := newTestEngine(t, restModel{model.NewHeuristicModel()}, testOptions())
	pred, err := e.PredictMatch(context.Background(), "Ajax", "Dynamo", "L",
		time.Date(2024, time.September, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, pred.Explanations, 3)
	assert.Equal(t, model.Explanation{Feature: "Relative rest", Value: -2, Effect: "favours away"}, pred.Explanations[0])
	assert.Equal(t, "neutral", pred.Explanations[1].Effect)
}

func TestPredictMatchFlagsTeamsOutsideLatestSeason(t *testing.T) {
	log, _ := test.NewNullLogger()
	history := append(fixtureHistory(), league.Match{
		League: "L", Season: "2022", Week: 7, Date: time.Date(2022, time.October, 1, 0, 0, 0, 0, time.UTC),
		Home: "Ajax", Away: "Elche", Result: &league.Score{HomeGoals: 1, AwayGoals: 1},
	})
	e := New(&memoryHistory{matches: history}, nil, model.NewHeuristicModel(), testOptions(), logrus.NewEntry(log))

	pred, err := e.PredictMatch(context.Background(), "Ajax", "Elche", "L",
		time.Date(2024, time.September, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Contains(t, pred.Warnings, "Elche did not play in season 2024")
	assert.NotContains(t, pred.Warnings, "Ajax did not play in season 2024")
}

func TestRunSimulation(t *testing.T) {
	e, sink, _ := newTestEngine(t, nil, testOptions())

	est, err := e.RunSimulation(context.Background(), "L", 4000, 11)
	require.NoError(t, err)
	assert.Equal(t, "2024", est.Manifest.Season)
	assert.Equal(t, 6, est.Manifest.RemainingFixtures)
	assert.Equal(t, int64(4000), est.Manifest.Valid)
	assert.False(t, est.Manifest.Unreliable)
	require.Len(t, est.Teams, 4)
	require.Len(t, est.LeaderTrend, 3)

	var sum float64
	for _, team := range est.Teams {
		sum += team.ChampionProbability
		assert.InDelta(t, 1, team.TopProbability, 1e-12, "four teams all finish top four")
	}
	assert.InDelta(t, 1, sum, 1e-9)

	require.Len(t, sink.runs, 1)
	assert.Equal(t, est.Manifest.RunID, sink.runs[0].Manifest.RunID)
	require.Len(t, sink.ratings, 1)
	assert.Len(t, sink.ratings[0], 4)

	same, err := e.RunSimulation(context.Background(), "L", 4000, 11)
	require.NoError(t, err)
	assert.Equal(t, est.Teams, same.Teams, "same seed, same estimate")
	assert.NotEqual(t, est.Manifest.RunID, same.Manifest.RunID)
}

func TestRunSimulationRejectsBadRequests(t *testing.T) {
	e, sink, _ := newTestEngine(t, nil, testOptions())
	ctx := context.Background()

	_, err := e.RunSimulation(ctx, "Z", 100, 1)
	var invalid *InvalidFixtureError
	assert.True(t, errors.As(err, &invalid))

	_, err = e.RunSimulation(ctx, "L", 0, 1)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = e.RunSimulation(ctx, "L", -5, 1)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = e.RunSimulation(ctx, "L", 100001, 1)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "above limit 100000")

	report, err := e.RunAll(ctx, -1, 1)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, report.Leagues)
	assert.Empty(t, sink.runs)
}

func TestRunSimulationPersistsCancelledRuns(t *testing.T) {
	e, sink, _ := newTestEngine(t, nil, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	est, err := e.RunSimulation(ctx, "L", 1000, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, est.Manifest.Partial)
	require.Len(t, sink.runs, 1)
	assert.True(t, sink.runs[0].Manifest.Partial)
}

func TestRunAllSkipsFailingLeagues(t *testing.T) {
	opts := testOptions()
	opts.Leagues = []string{"Z", "L"}
	e, _, hook := newTestEngine(t, nil, opts)

	report, err := e.RunAll(context.Background(), 500, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"L"}, report.LeagueCodes())
	assert.False(t, report.GeneratedAt.IsZero())

	var skipped bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Skipping league" && entry.Data["league"] == "Z" {
			skipped = true
		}
	}
	assert.True(t, skipped)
}

func TestRunAllStopsOnSchemaMismatch(t *testing.T) {
	e, sink, _ := newTestEngine(t, legacyModel{}, testOptions())

	_, err := e.RunAll(context.Background(), 500, 3)
	var mismatch *model.SchemaMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Empty(t, sink.runs)

	_, err = e.PredictMatch(context.Background(), "Ajax", "Benfica", "L", time.Now())
	assert.True(t, errors.As(err, &mismatch))
}

func TestBacktest(t *testing.T) {
	e, _, _ := newTestEngine(t, nil, testOptions())

	bt, err := e.Backtest(context.Background(), "L", "2023", 2)
	require.NoError(t, err)
	assert.Equal(t, "2023", bt.Season)
	assert.Zero(t, bt.Skipped)
	assert.Equal(t, 12, bt.Metrics.Matches)
	assert.Equal(t, 12, bt.Calibration.Total)
	assert.Len(t, bt.Calibration.Bins, 2)
	assert.Greater(t, bt.Metrics.LogLoss, 0.0)
	assert.Equal(t, bt.Calibration.Within(CalibrationTolerance), bt.Calibrated)

	// the first three rounds of the first season lack history
	first, err := e.Backtest(context.Background(), "L", "2022", 2)
	require.NoError(t, err)
	assert.Equal(t, 6, first.Skipped)
	assert.Equal(t, 6, first.Metrics.Matches)

	_, err = e.Backtest(context.Background(), "L", "2022", 10)
	assert.Error(t, err, "fewer matches than buckets")
}
