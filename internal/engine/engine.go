package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/utakatalp/league-outlook/internal/aggregate"
	"github.com/utakatalp/league-outlook/internal/league"
	"github.com/utakatalp/league-outlook/internal/model"
	"github.com/utakatalp/league-outlook/internal/rating"
	"github.com/utakatalp/league-outlook/internal/simulation"
)

// HistorySource supplies match history. An empty league code means all
// leagues.
type HistorySource interface {
	LoadMatches(ctx context.Context, leagueCode string) ([]league.Match, error)
}

// ResultSink persists what a simulation produced.
type ResultSink interface {
	SaveRatings(ctx context.Context, table []rating.StateRow) error
	SaveRun(ctx context.Context, est aggregate.LeagueEstimate) error
}

// ErrInvalidRequest marks request parameters outside the accepted range.
var ErrInvalidRequest = errors.New("invalid request")

// InvalidFixtureError rejects a request before any computation runs.
type InvalidFixtureError struct {
	League string
	Home   string
	Away   string
	Reason string
}

func (e *InvalidFixtureError) Error() string {
	if e.Home == "" && e.Away == "" {
		return fmt.Sprintf("invalid fixture in %s: %s", e.League, e.Reason)
	}
	return fmt.Sprintf("invalid fixture %s vs %s in %s: %s", e.Home, e.Away, e.League, e.Reason)
}

// Options configures an Engine.
type Options struct {
	Rating      rating.Config
	Simulation  simulation.Config
	FillMissing bool
	MaxReplicas int
	// Leagues limits RunAll; empty means every league in the history.
	Leagues []string
	// Explanations is how many feature explanations PredictMatch returns.
	Explanations int
}

// snapshot is an immutable view of the history: once built it is only read,
// so requests share it without locking.
type snapshot struct {
	resolver *league.Resolver
	registry *league.Registry
	tracker  *rating.Tracker
	loadedAt time.Time
}

// Engine composes the tracker, the model and the simulator.
type Engine struct {
	history   HistorySource
	sink      ResultSink
	predictor model.Predictor
	sim       *simulation.Simulator
	opts      Options
	log       *logrus.Entry

	mu   sync.RWMutex
	snap *snapshot
}

// New creates an engine. sink may be nil, in which case results are not
// persisted.
func New(history HistorySource, sink ResultSink, predictor model.Predictor, opts Options, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Explanations <= 0 {
		opts.Explanations = 3
	}
	return &Engine{
		history:   history,
		sink:      sink,
		predictor: predictor,
		sim:       simulation.New(opts.Simulation, log.WithField("component", "simulator")),
		opts:      opts,
		log:       log,
	}
}

// Refresh reloads the history and replays the rating tracker over it.
func (e *Engine) Refresh(ctx context.Context) error {
	matches, err := e.history.LoadMatches(ctx, "")
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	resolver := league.NewResolver(matches)
	resolver.FillMissing = e.opts.FillMissing

	var ordered []league.Match
	for _, code := range resolver.Leagues() {
		hist, err := resolver.History(code)
		if err != nil {
			return err
		}
		ordered = append(ordered, hist...)
	}
	tracker, err := rating.Replay(e.opts.Rating, e.log.WithField("component", "rating"), ordered)
	if err != nil {
		return fmt.Errorf("replaying ratings: %w", err)
	}

	e.mu.Lock()
	e.snap = &snapshot{
		resolver: resolver,
		registry: league.NewRegistry(matches),
		tracker:  tracker,
		loadedAt: time.Now().UTC(),
	}
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"matches": len(matches),
		"leagues": len(resolver.Leagues()),
	}).Info("History loaded")
	return nil
}

func (e *Engine) current(ctx context.Context) (*snapshot, error) {
	e.mu.RLock()
	s := e.snap
	e.mu.RUnlock()
	if s != nil {
		return s, nil
	}
	if err := e.Refresh(ctx); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap, nil
}

// Model returns the predictor's metadata.
func (e *Engine) Model() model.Metadata { return e.predictor.Metadata() }

// Leagues lists the leagues present in the history.
func (e *Engine) Leagues(ctx context.Context) ([]string, error) {
	s, err := e.current(ctx)
	if err != nil {
		return nil, err
	}
	return s.resolver.Leagues(), nil
}

// Teams lists a league-season's teams. An empty season means the latest.
func (e *Engine) Teams(ctx context.Context, leagueCode, season string) ([]string, error) {
	s, err := e.current(ctx)
	if err != nil {
		return nil, err
	}
	if season == "" {
		if season, err = s.resolver.LatestSeason(leagueCode); err != nil {
			return nil, err
		}
	}
	return s.resolver.Teams(leagueCode, season)
}

// Standings ranks a league-season as of date. An empty season means the
// latest; a zero date includes every completed match.
func (e *Engine) Standings(ctx context.Context, leagueCode, season string, date time.Time) ([]league.Standing, error) {
	s, err := e.current(ctx)
	if err != nil {
		return nil, err
	}
	if season == "" {
		if season, err = s.resolver.LatestSeason(leagueCode); err != nil {
			return nil, err
		}
	}
	if date.IsZero() {
		completed, _, err := s.resolver.Partition(leagueCode, season)
		if err != nil {
			return nil, err
		}
		teams, err := s.resolver.Teams(leagueCode, season)
		if err != nil {
			return nil, err
		}
		return league.CalculateTable(teams, completed), nil
	}
	return s.resolver.StandingsAsOf(leagueCode, season, date)
}

// Ratings returns a league's rating table for season, or the current season
// when season is empty.
func (e *Engine) Ratings(ctx context.Context, leagueCode, season string) ([]rating.StateRow, error) {
	s, err := e.current(ctx)
	if err != nil {
		return nil, err
	}
	if !s.registry.HasLeague(leagueCode) {
		return nil, fmt.Errorf("%w: %s", league.ErrUnknownLeague, leagueCode)
	}
	if season == "" {
		return s.tracker.Table(leagueCode), nil
	}
	table, ok := s.tracker.SeasonTable(leagueCode, season)
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", league.ErrNoSeason, leagueCode, season)
	}
	return table, nil
}

// RunSimulation simulates the rest of the league's latest season. The
// estimate is persisted when a sink is configured, including partial
// estimates of cancelled runs.
func (e *Engine) RunSimulation(ctx context.Context, leagueCode string, replicas int, seed uint64) (aggregate.LeagueEstimate, error) {
	if replicas <= 0 {
		return aggregate.LeagueEstimate{}, fmt.Errorf("%w: replicas must be positive, got %d", ErrInvalidRequest, replicas)
	}
	if e.opts.MaxReplicas > 0 && replicas > e.opts.MaxReplicas {
		return aggregate.LeagueEstimate{}, fmt.Errorf("%w: replicas %d above limit %d", ErrInvalidRequest, replicas, e.opts.MaxReplicas)
	}
	s, err := e.current(ctx)
	if err != nil {
		return aggregate.LeagueEstimate{}, err
	}
	if !s.registry.HasLeague(leagueCode) {
		return aggregate.LeagueEstimate{}, &InvalidFixtureError{League: leagueCode, Reason: "unknown league"}
	}

	season, err := s.resolver.LatestSeason(leagueCode)
	if err != nil {
		return aggregate.LeagueEstimate{}, err
	}
	completed, remaining, err := s.resolver.Partition(leagueCode, season)
	if err != nil {
		return aggregate.LeagueEstimate{}, err
	}
	teams, err := s.resolver.Teams(leagueCode, season)
	if err != nil {
		return aggregate.LeagueEstimate{}, err
	}

	log := e.log.WithFields(logrus.Fields{"league": leagueCode, "season": season})
	fixtures, err := simulation.BuildFixtures(s.tracker, e.predictor, remaining, e.sim.Config().Tolerance, log)
	if err != nil {
		return aggregate.LeagueEstimate{}, err
	}

	in := simulation.Input{
		League:   leagueCode,
		Season:   season,
		Baseline: league.CalculateTable(teams, completed),
		Fixtures: fixtures,
	}
	est, runErr := e.sim.Estimate(ctx, in, replicas, seed, e.predictor.Metadata())
	if est.Manifest.RunID == "" {
		return est, runErr
	}

	if e.sink != nil {
		// a cancelled run still records what it completed
		pctx := context.WithoutCancel(ctx)
		if err := e.sink.SaveRatings(pctx, s.tracker.Table(leagueCode)); err != nil {
			log.WithError(err).Error("Failed to persist ratings")
		}
		if err := e.sink.SaveRun(pctx, est); err != nil {
			log.WithError(err).Error("Failed to persist simulation run")
		}
	}
	return est, runErr
}

// RunAll simulates every configured league in turn. A league that cannot be
// simulated is logged and left out; schema mismatches, invalid requests and
// cancellation stop the whole run.
func (e *Engine) RunAll(ctx context.Context, replicas int, seed uint64) (aggregate.Report, error) {
	report := aggregate.Report{Leagues: make(map[string]aggregate.LeagueEstimate)}
	codes := e.opts.Leagues
	if len(codes) == 0 {
		var err error
		if codes, err = e.Leagues(ctx); err != nil {
			return report, err
		}
	}

	for _, code := range codes {
		est, err := e.RunSimulation(ctx, code, replicas, seed)
		if est.Manifest.RunID != "" {
			report.Leagues[code] = est
		}
		var schemaErr *model.SchemaMismatchError
		switch {
		case err == nil:
		case errors.As(err, &schemaErr), errors.Is(err, ErrInvalidRequest), ctx.Err() != nil:
			report.GeneratedAt = time.Now().UTC()
			return report, err
		default:
			e.log.WithError(err).WithField("league", code).Warn("Skipping league")
		}
	}
	report.GeneratedAt = time.Now().UTC()
	return report, nil
}
