package simulation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/utakatalp/league-outlook/internal/aggregate"
	"github.com/utakatalp/league-outlook/internal/league"
	"github.com/utakatalp/league-outlook/internal/model"
)

// Config represents configuration for the season simulator.
type Config struct {
	Workers          int
	TopN             int
	Tolerance        float64
	InvalidThreshold float64
	ConfidenceLevel  float64
}

// DefaultConfig returns one worker per CPU and top-4 tracking.
func DefaultConfig() Config {
	return Config{
		Workers:          runtime.NumCPU(),
		TopN:             4,
		Tolerance:        model.Tolerance,
		InvalidThreshold: 0.01,
		ConfidenceLevel:  0.95,
	}
}

// Input is the read-only material shared by every replica.
type Input struct {
	League   string
	Season   string
	Baseline []league.Standing
	Fixtures []Fixture
}

// Simulator runs Monte Carlo season replicas.
type Simulator struct {
	cfg Config
	log *logrus.Entry
}

// New creates a simulator.
func New(cfg Config, log *logrus.Entry) *Simulator {
	if cfg.TopN <= 0 {
		cfg.TopN = 4
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = model.Tolerance
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Simulator{cfg: cfg, log: log}
}

// Config returns the simulator's settings.
func (s *Simulator) Config() Config { return s.cfg }

// Run simulates replicas 0..replicas-1.
func (s *Simulator) Run(ctx context.Context, in Input, replicas int, seed uint64) (*aggregate.Accumulator, error) {
	return s.RunRange(ctx, in, seed, 0, replicas)
}

// RunRange simulates replicas first..first+count-1. Replica i always draws
// from the stream derived from (seed, i), so disjoint ranges merge into the
// same totals as one run over their union. On cancellation the accumulator
// holds every replica folded so far and the context error is returned.
func (s *Simulator) RunRange(ctx context.Context, in Input, seed uint64, first, count int) (*aggregate.Accumulator, error) {
	if count <= 0 {
		return nil, fmt.Errorf("replica count must be positive, got %d", count)
	}
	if first < 0 {
		return nil, fmt.Errorf("first replica index must not be negative, got %d", first)
	}
	p, err := newPlan(in)
	if err != nil {
		return nil, err
	}
	acc := aggregate.NewAccumulator(in.League, in.Season, p.teams, p.weeks, s.cfg.TopN)

	if len(p.fixtures) == 0 {
		// nothing left to play: every replica is the current table
		acc.ObserveN(p.rank(p.basePts, p.baseGD, p.baseGF, make([]int, len(p.teams))), p.basePts, nil, int64(count))
		return acc, nil
	}

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > count {
		workers = count
	}
	shard := (count + workers - 1) / workers

	partials := make([]*aggregate.Accumulator, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := first + w*shard
		hi := lo + shard
		if hi > first+count {
			hi = first + count
		}
		partials[w] = aggregate.NewAccumulator(in.League, in.Season, p.teams, p.weeks, s.cfg.TopN)
		if lo >= hi {
			continue
		}
		wg.Add(1)
		go func(acc *aggregate.Accumulator, lo, hi int) {
			defer wg.Done()
			p.worker(ctx, acc, seed, lo, hi)
		}(partials[w], lo, hi)
	}
	wg.Wait()

	for _, part := range partials {
		if err := acc.Merge(part); err != nil {
			return nil, err
		}
	}
	return acc, ctx.Err()
}

// Estimate runs a full batch and reduces it into a reportable estimate.
// A cancelled run still yields a valid, partial estimate alongside the
// context error.
func (s *Simulator) Estimate(ctx context.Context, in Input, replicas int, seed uint64, meta model.Metadata) (aggregate.LeagueEstimate, error) {
	manifest := aggregate.NewManifest(in.League, in.Season, seed, replicas, time.Now().UTC())
	manifest.RemainingFixtures = len(in.Fixtures)
	manifest.ModelName = meta.Name
	manifest.ModelVersion = meta.Version

	log := s.log.WithFields(logrus.Fields{
		"run_id":   manifest.RunID,
		"league":   in.League,
		"season":   in.Season,
		"replicas": replicas,
		"seed":     seed,
	})
	for _, f := range in.Fixtures {
		if f.Divergent != nil {
			log.WithError(f.Divergent).Warn("Fixture diverged; replicas reaching it will be discarded")
		}
	}

	acc, err := s.Run(ctx, in, replicas, seed)
	if acc == nil {
		return aggregate.LeagueEstimate{}, err
	}
	manifest.Close(acc, s.cfg.InvalidThreshold, time.Now().UTC())
	est := aggregate.Summarize(acc, manifest, s.cfg.ConfidenceLevel)

	entry := log.WithFields(logrus.Fields{
		"valid":        manifest.Valid,
		"invalid":      manifest.Invalid,
		"invalid_rate": manifest.InvalidRate,
		"duration":     manifest.FinishedAt.Sub(manifest.StartedAt).String(),
	})
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		entry.Warn("Simulation cancelled; partial estimate kept")
	case manifest.Unreliable:
		entry.Warn("Simulation unreliable: invalid replica rate above threshold")
	default:
		entry.Info("Simulation completed")
	}
	return est, err
}

type plannedFixture struct {
	home, away int
	cumHome    float64
	cumDraw    float64
	goals      [3][2]int
	divergent  bool
	checkpoint bool
}

// plan is the index-based, read-only form of an Input.
type plan struct {
	teams    []string
	basePts  []int
	baseGD   []int
	baseGF   []int
	fixtures []plannedFixture
	weeks    []int
}

func weekKey(m league.Match) int {
	if m.Week > 0 {
		return m.Week
	}
	y, w := m.Date.ISOWeek()
	return y*100 + w
}

func newPlan(in Input) (*plan, error) {
	names := make(map[string]bool)
	for _, s := range in.Baseline {
		names[s.Team] = true
	}
	for _, f := range in.Fixtures {
		names[f.Match.Home] = true
		names[f.Match.Away] = true
	}
	p := &plan{}
	for n := range names {
		p.teams = append(p.teams, n)
	}
	sort.Strings(p.teams)
	if len(p.teams) == 0 {
		return nil, fmt.Errorf("no teams to simulate for %s %s", in.League, in.Season)
	}
	idx := make(map[string]int, len(p.teams))
	for i, n := range p.teams {
		idx[n] = i
	}

	p.basePts = make([]int, len(p.teams))
	p.baseGD = make([]int, len(p.teams))
	p.baseGF = make([]int, len(p.teams))
	for _, s := range in.Baseline {
		i := idx[s.Team]
		p.basePts[i] = s.Points
		p.baseGD[i] = s.GoalDiff
		p.baseGF[i] = s.GoalsFor
	}

	// a week is checkpointed once, after its last fixture, so a postponed
	// match moves its week's checkpoint rather than repeating it
	last := make(map[int]int, len(in.Fixtures))
	for i, f := range in.Fixtures {
		last[weekKey(f.Match)] = i
	}

	p.fixtures = make([]plannedFixture, len(in.Fixtures))
	for i, f := range in.Fixtures {
		if f.Match.Home == f.Match.Away {
			return nil, fmt.Errorf("fixture %d pairs %s with itself", i, f.Match.Home)
		}
		pf := plannedFixture{
			home:      idx[f.Match.Home],
			away:      idx[f.Match.Away],
			cumHome:   f.Dist.Home,
			cumDraw:   f.Dist.Home + f.Dist.Draw,
			divergent: f.Divergent != nil,
		}
		for _, o := range league.Outcomes {
			h, a := scoreline(o, f.ExpectedGoals)
			pf.goals[o] = [2]int{h, a}
		}
		key := weekKey(f.Match)
		if last[key] == i {
			pf.checkpoint = true
			p.weeks = append(p.weeks, key)
		}
		p.fixtures[i] = pf
	}
	return p, nil
}

// replicaSeed mixes the run seed and replica index into two PCG seeds.
func replicaSeed(seed uint64, replica int) (uint64, uint64) {
	a := splitmix64(seed)
	b := splitmix64(a ^ splitmix64(uint64(replica)+0x9e3779b97f4a7c15))
	return a, b
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func (p *plan) worker(ctx context.Context, acc *aggregate.Accumulator, seed uint64, lo, hi int) {
	n := len(p.teams)
	pts, gd, gf := make([]int, n), make([]int, n), make([]int, n)
	order := make([]int, n)
	leaders := make([]int, len(p.weeks))
	src := rand.NewPCG(0, 0)
	rng := rand.New(src)
	done := ctx.Done()

	for r := lo; r < hi; r++ {
		select {
		case <-done:
			return
		default:
		}
		src.Seed(replicaSeed(seed, r))
		if !p.replay(rng, pts, gd, gf, leaders) {
			acc.ObserveInvalid()
			continue
		}
		acc.Observe(p.rank(pts, gd, gf, order), pts, leaders)
	}
}

// replay resolves every remaining fixture once. It reports false when the
// replica reaches a divergent fixture.
func (p *plan) replay(rng *rand.Rand, pts, gd, gf, leaders []int) bool {
	copy(pts, p.basePts)
	copy(gd, p.baseGD)
	copy(gf, p.baseGF)
	w := 0
	for i := range p.fixtures {
		f := &p.fixtures[i]
		if f.divergent {
			return false
		}
		u := rng.Float64()
		o := league.AwayWin
		switch {
		case u < f.cumHome:
			o = league.HomeWin
		case u < f.cumDraw:
			o = league.Draw
		}
		hp, ap := o.Points()
		hg, ag := f.goals[o][0], f.goals[o][1]
		pts[f.home] += hp
		pts[f.away] += ap
		gd[f.home] += hg - ag
		gd[f.away] += ag - hg
		gf[f.home] += hg
		gf[f.away] += ag
		if f.checkpoint {
			leaders[w] = p.leader(pts, gd, gf)
			w++
		}
	}
	return true
}

func (p *plan) above(i, j int, pts, gd, gf []int) bool {
	return league.Ranks(pts[i], gd[i], gf[i], p.teams[i], pts[j], gd[j], gf[j], p.teams[j])
}

func (p *plan) leader(pts, gd, gf []int) int {
	best := 0
	for i := 1; i < len(p.teams); i++ {
		if p.above(i, best, pts, gd, gf) {
			best = i
		}
	}
	return best
}

// rank fills order with team indexes from first to last place.
func (p *plan) rank(pts, gd, gf, order []int) []int {
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return p.above(order[a], order[b], pts, gd, gf)
	})
	return order
}
