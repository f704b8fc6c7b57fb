package aggregate

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrIncompatible is returned when merging accumulators of different runs.
var ErrIncompatible = errors.New("accumulators describe different tables")

// Accumulator folds replica outcomes into integer counters. Counters are
// exact, so merging shards in any order gives the same totals as one pass.
type Accumulator struct {
	League string
	Season string
	Teams  []string
	Weeks  []int
	TopN   int

	Valid   int64
	Invalid int64

	Champion   []int64
	Top        []int64
	PointsSum  []int64
	PointsHist []map[int]int64
	WeekLeader [][]int64
}

// NewAccumulator returns an empty accumulator for the given table. weeks are
// the matchweek checkpoints at which leaders are recorded.
func NewAccumulator(leagueCode, season string, teams []string, weeks []int, topN int) *Accumulator {
	a := &Accumulator{
		League:     leagueCode,
		Season:     season,
		Teams:      append([]string(nil), teams...),
		Weeks:      append([]int(nil), weeks...),
		TopN:       topN,
		Champion:   make([]int64, len(teams)),
		Top:        make([]int64, len(teams)),
		PointsSum:  make([]int64, len(teams)),
		PointsHist: make([]map[int]int64, len(teams)),
		WeekLeader: make([][]int64, len(weeks)),
	}
	for i := range a.PointsHist {
		a.PointsHist[i] = make(map[int]int64)
	}
	for w := range a.WeekLeader {
		a.WeekLeader[w] = make([]int64, len(teams))
	}
	return a
}

// Observe folds one valid replica. order ranks team indexes from first to
// last; points is indexed by team; leaders holds the leader index at each
// week checkpoint.
func (a *Accumulator) Observe(order, points, leaders []int) {
	a.ObserveN(order, points, leaders, 1)
}

// ObserveN folds n identical replicas.
func (a *Accumulator) ObserveN(order, points, leaders []int, n int64) {
	if n <= 0 {
		return
	}
	a.Valid += n
	if len(order) > 0 {
		a.Champion[order[0]] += n
	}
	for pos := 0; pos < a.TopN && pos < len(order); pos++ {
		a.Top[order[pos]] += n
	}
	for i, p := range points {
		a.PointsSum[i] += int64(p) * n
		a.PointsHist[i][p] += n
	}
	for w, leader := range leaders {
		if w < len(a.WeekLeader) {
			a.WeekLeader[w][leader] += n
		}
	}
}

// ObserveInvalid counts a discarded replica.
func (a *Accumulator) ObserveInvalid() { a.Invalid++ }

// Total is the number of replicas seen, valid or not.
func (a *Accumulator) Total() int64 { return a.Valid + a.Invalid }

// InvalidRate is the share of discarded replicas.
func (a *Accumulator) InvalidRate() float64 {
	if a.Total() == 0 {
		return 0
	}
	return float64(a.Invalid) / float64(a.Total())
}

func (a *Accumulator) compatible(b *Accumulator) error {
	if a.League != b.League || a.Season != b.Season || a.TopN != b.TopN ||
		len(a.Teams) != len(b.Teams) || len(a.Weeks) != len(b.Weeks) {
		return fmt.Errorf("%w: %s/%s vs %s/%s", ErrIncompatible, a.League, a.Season, b.League, b.Season)
	}
	for i := range a.Teams {
		if a.Teams[i] != b.Teams[i] {
			return fmt.Errorf("%w: team %d is %s vs %s", ErrIncompatible, i, a.Teams[i], b.Teams[i])
		}
	}
	for i := range a.Weeks {
		if a.Weeks[i] != b.Weeks[i] {
			return fmt.Errorf("%w: week checkpoint %d differs", ErrIncompatible, i)
		}
	}
	return nil
}

// Merge adds b's counters into a.
func (a *Accumulator) Merge(b *Accumulator) error {
	if err := a.compatible(b); err != nil {
		return err
	}
	a.Valid += b.Valid
	a.Invalid += b.Invalid
	for i := range a.Teams {
		a.Champion[i] += b.Champion[i]
		a.Top[i] += b.Top[i]
		a.PointsSum[i] += b.PointsSum[i]
		for p, n := range b.PointsHist[i] {
			a.PointsHist[i][p] += n
		}
	}
	for w := range a.WeekLeader {
		for i := range a.WeekLeader[w] {
			a.WeekLeader[w][i] += b.WeekLeader[w][i]
		}
	}
	return nil
}

// Interval is a two-sided confidence interval.
type Interval struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// TeamEstimate is the championship estimate of one team.
type TeamEstimate struct {
	Team                string   `json:"team"`
	ChampionProbability float64  `json:"champion_probability"`
	ChampionInterval    Interval `json:"champion_interval"`
	TopProbability      float64  `json:"top4_probability"`
	ExpectedPoints      float64  `json:"expected_points"`
	PointsStdDev        float64  `json:"points_std_dev"`
	ExpectedPointsCI    Interval `json:"expected_points_ci"`
	PointsRange         Interval `json:"points_range"`
}

// Estimates reduces the counters at the given confidence level (e.g. 0.95),
// ordered by champion probability then expected points.
func (a *Accumulator) Estimates(level float64) []TeamEstimate {
	if level <= 0 || level >= 1 {
		level = 0.95
	}
	alpha := 1 - level
	z := distuv.UnitNormal.Quantile(1 - alpha/2)

	out := make([]TeamEstimate, len(a.Teams))
	for i, team := range a.Teams {
		e := TeamEstimate{Team: team}
		if a.Valid > 0 {
			n := float64(a.Valid)
			e.ChampionProbability = float64(a.Champion[i]) / n
			e.TopProbability = float64(a.Top[i]) / n
			e.ExpectedPoints = float64(a.PointsSum[i]) / n

			half := z * math.Sqrt(e.ChampionProbability*(1-e.ChampionProbability)/n)
			e.ChampionInterval = Interval{
				Low:  math.Max(0, e.ChampionProbability-half),
				High: math.Min(1, e.ChampionProbability+half),
			}

			x, w := histogram(a.PointsHist[i])
			_, e.PointsStdDev = stat.PopMeanStdDev(x, w)
			se := e.PointsStdDev / math.Sqrt(n)
			e.ExpectedPointsCI = Interval{Low: e.ExpectedPoints - z*se, High: e.ExpectedPoints + z*se}
			e.PointsRange = Interval{
				Low:  stat.Quantile(alpha/2, stat.Empirical, x, w),
				High: stat.Quantile(1-alpha/2, stat.Empirical, x, w),
			}
		}
		out[i] = e
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ChampionProbability != out[j].ChampionProbability {
			return out[i].ChampionProbability > out[j].ChampionProbability
		}
		if out[i].ExpectedPoints != out[j].ExpectedPoints {
			return out[i].ExpectedPoints > out[j].ExpectedPoints
		}
		return out[i].Team < out[j].Team
	})
	return out
}

// histogram returns the sorted point values and their counts as weights.
func histogram(h map[int]int64) (x, w []float64) {
	keys := make([]int, 0, len(h))
	for p := range h {
		keys = append(keys, p)
	}
	sort.Ints(keys)
	x = make([]float64, len(keys))
	w = make([]float64, len(keys))
	for i, p := range keys {
		x[i] = float64(p)
		w[i] = float64(h[p])
	}
	return x, w
}

// WeekLeader is the most frequent table leader after a matchweek.
type WeekLeader struct {
	Week        int     `json:"week"`
	Leader      string  `json:"leader"`
	Probability float64 `json:"probability"`
}

// LeaderTrend returns, per week checkpoint, the team leading the table in
// the most replicas.
func (a *Accumulator) LeaderTrend() []WeekLeader {
	if a.Valid == 0 {
		return nil
	}
	out := make([]WeekLeader, len(a.Weeks))
	for w, counts := range a.WeekLeader {
		best := 0
		for i := range counts {
			if counts[i] > counts[best] || (counts[i] == counts[best] && a.Teams[i] < a.Teams[best]) {
				best = i
			}
		}
		out[w] = WeekLeader{
			Week:        a.Weeks[w],
			Leader:      a.Teams[best],
			Probability: float64(counts[best]) / float64(a.Valid),
		}
	}
	return out
}
