package simulation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utakatalp/league-outlook/internal/league"
	"github.com/utakatalp/league-outlook/internal/model"
)

func day(d int) time.Time {
	return time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d)
}

func fixture(week int, home, away string, d model.Distribution) Fixture {
	return Fixture{
		Match: league.Match{League: "L", Season: "2025", Week: week, Date: day(7 * week), Home: home, Away: away},
		Dist:  d,
	}
}

func quietSimulator(workers int) *Simulator {
	log, _ := test.NewNullLogger()
	cfg := DefaultConfig()
	cfg.Workers = workers
	return New(cfg, logrus.NewEntry(log))
}

func fourTeamInput() Input {
	even := model.Distribution{Home: 0.45, Draw: 0.27, Away: 0.28}
	return Input{
		League: "L",
		Season: "2025",
		Baseline: []league.Standing{
			{Team: "Ajax", Points: 10, GoalDiff: 4, GoalsFor: 9},
			{Team: "Benfica", Points: 9, GoalDiff: 3, GoalsFor: 8},
			{Team: "Celtic", Points: 8, GoalDiff: 0, GoalsFor: 6},
			{Team: "Dynamo", Points: 2, GoalDiff: -7, GoalsFor: 3},
		},
		Fixtures: []Fixture{
			fixture(1, "Ajax", "Benfica", even),
			fixture(1, "Celtic", "Dynamo", even),
			fixture(2, "Benfica", "Celtic", even),
			fixture(2, "Dynamo", "Ajax", even),
			fixture(3, "Ajax", "Celtic", even),
			fixture(3, "Benfica", "Dynamo", even),
		},
	}
}

func TestRunIsDeterministicPerSeed(t *testing.T) {
	in := fourTeamInput()
	a, err := quietSimulator(1).Run(context.Background(), in, 2000, 7)
	require.NoError(t, err)
	b, err := quietSimulator(5).Run(context.Background(), in, 2000, 7)
	require.NoError(t, err)
	assert.Equal(t, a, b, "worker count does not change results")

	c, err := quietSimulator(2).Run(context.Background(), in, 2000, 8)
	require.NoError(t, err)
	assert.NotEqual(t, a.Champion, c.Champion)

	assert.Equal(t, []int{1, 2, 3}, a.Weeks)
	assert.Equal(t, int64(2000), a.Valid)
}

func TestRunRangesMergeIntoFullRun(t *testing.T) {
	in := fourTeamInput()
	sim := quietSimulator(3)
	full, err := sim.Run(context.Background(), in, 500, 99)
	require.NoError(t, err)

	head, err := sim.RunRange(context.Background(), in, 99, 0, 300)
	require.NoError(t, err)
	tail, err := sim.RunRange(context.Background(), in, 99, 300, 200)
	require.NoError(t, err)
	require.NoError(t, tail.Merge(head))
	assert.Equal(t, full, tail)

	_, err = sim.RunRange(context.Background(), in, 99, 0, 0)
	assert.Error(t, err)
	_, err = sim.RunRange(context.Background(), in, 99, -1, 10)
	assert.Error(t, err)
}

func TestChampionFrequencyConverges(t *testing.T) {
	in := Input{
		League:   "L",
		Season:   "2025",
		// level on points, B ahead on goal difference
		Baseline: []league.Standing{
			{Team: "A", Points: 4, GoalsFor: 2, GoalsAgainst: 3, GoalDiff: -1},
			{Team: "B", Points: 4, GoalsFor: 3, GoalsAgainst: 2, GoalDiff: 1},
		},
		Fixtures: []Fixture{fixture(1, "A", "B", model.Distribution{Home: 0.6, Draw: 0.2, Away: 0.2})},
	}
	est, err := quietSimulator(4).Estimate(context.Background(), in, 1_000_000, 2024, model.Metadata{Name: "fixed"})
	require.NoError(t, err)

	a, ok := est.Team("A")
	require.True(t, ok)
	// only a home win lifts A above B
	assert.InDelta(t, 0.6, a.ChampionProbability, 0.01)
	assert.LessOrEqual(t, a.ChampionInterval.Low, a.ChampionProbability)
	assert.GreaterOrEqual(t, a.ChampionInterval.High, a.ChampionProbability)
	assert.InDelta(t, 4+3*0.6+0.2, a.ExpectedPoints, 0.01)
	assert.Equal(t, "fixed", est.Manifest.ModelName)
	assert.Equal(t, 1, est.Manifest.RemainingFixtures)
	assert.False(t, est.Manifest.Partial)
}

func TestNoRemainingFixturesKeepsCurrentLeader(t *testing.T) {
	in := fourTeamInput()
	in.Fixtures = nil
	est, err := quietSimulator(4).Estimate(context.Background(), in, 1000, 1, model.Metadata{})
	require.NoError(t, err)

	require.Equal(t, "Ajax", est.Teams[0].Team)
	assert.Equal(t, 1.0, est.Teams[0].ChampionProbability)
	assert.Equal(t, 10.0, est.Teams[0].ExpectedPoints)
	assert.Equal(t, int64(1000), est.Manifest.Valid)
	assert.Empty(t, est.LeaderTrend)
}

func TestDivergentFixtureInvalidatesReplicas(t *testing.T) {
	in := fourTeamInput()
	in.Fixtures[3].Divergent = &SimulationDivergenceError{Fixture: in.Fixtures[3].Match, Err: model.ErrDivergent}

	log, hook := test.NewNullLogger()
	sim := New(Config{Workers: 2, InvalidThreshold: 0.01}, logrus.NewEntry(log))
	est, err := sim.Estimate(context.Background(), in, 100, 3, model.Metadata{})
	require.NoError(t, err)

	assert.Equal(t, int64(100), est.Manifest.Invalid)
	assert.Zero(t, est.Manifest.Valid)
	assert.True(t, est.Manifest.Unreliable)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestCancelledRunKeepsPartialEstimate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	est, err := quietSimulator(2).Estimate(ctx, fourTeamInput(), 500, 5, model.Metadata{})
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, est.Manifest.Partial)
	assert.Less(t, est.Manifest.Valid, int64(500))
	assert.NotEmpty(t, est.Manifest.RunID)
}

func TestNewPlanRejectsSelfPairing(t *testing.T) {
	in := fourTeamInput()
	in.Fixtures = append(in.Fixtures, fixture(4, "Ajax", "Ajax", model.Distribution{Home: 1}))
	_, err := quietSimulator(1).Run(context.Background(), in, 10, 1)
	assert.Error(t, err)

	_, err = quietSimulator(1).Run(context.Background(), Input{League: "L"}, 10, 1)
	assert.Error(t, err)
}

func TestWeekKeyFallsBackToISOWeek(t *testing.T) {
	m := league.Match{Date: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, 202501, weekKey(m))
	m.Week = 12
	assert.Equal(t, 12, weekKey(m))
}

func TestPostponedMatchMovesItsWeekCheckpoint(t *testing.T) {
	even := model.Distribution{Home: 0.4, Draw: 0.3, Away: 0.3}
	in := Input{League: "L", Season: "2025", Fixtures: []Fixture{
		fixture(1, "A", "B", even),
		fixture(1, "C", "D", even),
		fixture(2, "A", "C", even),
		fixture(1, "B", "D", even),
		fixture(3, "A", "D", even),
	}}
	p, err := newPlan(in)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 3}, p.weeks)

	var checkpoints []int
	for i, f := range p.fixtures {
		if f.checkpoint {
			checkpoints = append(checkpoints, i)
		}
	}
	assert.Equal(t, []int{2, 3, 4}, checkpoints)

	est, err := quietSimulator(2).Estimate(context.Background(), in, 200, 5, model.Metadata{})
	require.NoError(t, err)
	require.Len(t, est.LeaderTrend, 3)
}

func TestScoreline(t *testing.T) {
	h, a := scoreline(league.HomeWin, nil)
	assert.Equal(t, [2]int{2, 1}, [2]int{h, a})
	h, a = scoreline(league.Draw, nil)
	assert.Equal(t, [2]int{1, 1}, [2]int{h, a})

	xg := &model.ExpectedGoals{Home: 0.8, Away: 1.9}
	h, a = scoreline(league.HomeWin, xg)
	assert.Greater(t, h, a)
	h, a = scoreline(league.AwayWin, xg)
	assert.Equal(t, [2]int{1, 2}, [2]int{h, a})
	h, a = scoreline(league.Draw, xg)
	assert.Equal(t, h, a)
}

type zeroFeatures struct{}

func (zeroFeatures) Features(leagueCode, home, away string, asOf time.Time) model.FeatureVector {
	fv, _ := model.NewFeatureVector(model.DefaultSchema, leagueCode, home, away, asOf,
		make([]float64, len(model.DefaultSchema.Fields)))
	fv.LowConfidence = home == "Dynamo"
	return fv
}

// tablePredictor returns a fixed distribution per home team.
type tablePredictor map[string]model.Distribution

func (p tablePredictor) Metadata() model.Metadata { return model.Metadata{Name: "table"} }

func (p tablePredictor) Predict(fv model.FeatureVector) (model.Prediction, error) {
	return model.Prediction{Distribution: p[fv.Home]}, nil
}

func (p tablePredictor) PredictBatch(fvs []model.FeatureVector) ([]model.Prediction, error) {
	out := make([]model.Prediction, len(fvs))
	for i, fv := range fvs {
		out[i], _ = p.Predict(fv)
	}
	return out, nil
}

func TestBuildFixtures(t *testing.T) {
	remaining := []league.Match{
		{League: "L", Home: "Ajax", Away: "Benfica", Date: day(1)},
		{League: "L", Home: "Celtic", Away: "Dynamo", Date: day(1)},
		{League: "L", Home: "Dynamo", Away: "Ajax", Date: day(8)},
	}
	p := tablePredictor{
		"Ajax":   {Home: 0.5, Draw: 0.3, Away: 0.2},
		"Celtic": {Home: 0.5, Draw: 0.3, Away: 0.3},
		"Dynamo": {Home: -0.1, Draw: 0.6, Away: 0.5},
	}
	log, hook := test.NewNullLogger()

	fixtures, err := BuildFixtures(zeroFeatures{}, p, remaining, model.Tolerance, logrus.NewEntry(log))
	require.NoError(t, err)
	require.Len(t, fixtures, 3)

	assert.Nil(t, fixtures[0].Divergent)
	assert.Equal(t, p["Ajax"], fixtures[0].Dist)

	assert.Nil(t, fixtures[1].Divergent)
	assert.InDelta(t, 1, fixtures[1].Dist.Sum(), 1e-12)
	assert.InDelta(t, 0.5/1.1, fixtures[1].Dist.Home, 1e-12)
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "Renormalised fixture probabilities", hook.Entries[0].Message)

	var div *SimulationDivergenceError
	require.True(t, errors.As(fixtures[2].Divergent, &div))
	assert.True(t, errors.Is(fixtures[2].Divergent, model.ErrDivergent))
	assert.Equal(t, "Dynamo", div.Fixture.Home)
	assert.True(t, fixtures[2].LowConfidence)

	none, err := BuildFixtures(zeroFeatures{}, p, nil, model.Tolerance, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}
