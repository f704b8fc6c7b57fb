package simulation

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/utakatalp/league-outlook/internal/league"
	"github.com/utakatalp/league-outlook/internal/model"
)

// SimulationDivergenceError marks a fixture whose probabilities could not be
// repaired. Replicas reaching it are discarded.
type SimulationDivergenceError struct {
	Fixture league.Match
	Dist    model.Distribution
	Err     error
}

func (e *SimulationDivergenceError) Error() string {
	return fmt.Sprintf("fixture %s on %s diverged: %v", e.Fixture.ScoreLine(), e.Fixture.Date.Format("2006-01-02"), e.Err)
}

func (e *SimulationDivergenceError) Unwrap() error { return e.Err }

// Fixture is a remaining match with its frozen outcome distribution.
type Fixture struct {
	Match         league.Match
	Dist          model.Distribution
	ExpectedGoals *model.ExpectedGoals
	LowConfidence bool
	// Divergent is set when Dist failed validation and renormalisation.
	Divergent error
}

// FeatureSource yields leakage-free pre-match features.
type FeatureSource interface {
	Features(leagueCode, home, away string, asOf time.Time) model.FeatureVector
}

// BuildFixtures computes every remaining fixture's features once from real
// history and predicts them in a single batch. Simulated results never feed
// back into these distributions.
func BuildFixtures(src FeatureSource, p model.Predictor, remaining []league.Match, tol float64, log *logrus.Entry) ([]Fixture, error) {
	if len(remaining) == 0 {
		return nil, nil
	}
	fvs := make([]model.FeatureVector, len(remaining))
	for i, m := range remaining {
		fvs[i] = src.Features(m.League, m.Home, m.Away, m.Date)
	}
	preds, err := p.PredictBatch(fvs)
	if err != nil {
		return nil, fmt.Errorf("predicting remaining fixtures: %w", err)
	}
	if len(preds) != len(fvs) {
		return nil, fmt.Errorf("model returned %d predictions for %d fixtures", len(preds), len(fvs))
	}

	out := make([]Fixture, len(remaining))
	for i, m := range remaining {
		f := Fixture{
			Match:         m,
			Dist:          preds[i].Distribution,
			ExpectedGoals: preds[i].ExpectedGoals,
			LowConfidence: fvs[i].LowConfidence,
		}
		f.Dist, f.Divergent = checkDistribution(m, f.Dist, tol, log)
		out[i] = f
	}
	return out, nil
}

// checkDistribution renormalises a distribution whose sum is off by more
// than tol. It returns a *SimulationDivergenceError when that is impossible.
func checkDistribution(m league.Match, d model.Distribution, tol float64, log *logrus.Entry) (model.Distribution, error) {
	err := d.Validate(tol)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, model.ErrDivergent) {
		fixed, nerr := d.Normalize()
		if nerr == nil {
			if log != nil {
				log.WithFields(logrus.Fields{
					"home": m.Home,
					"away": m.Away,
					"date": m.Date.Format("2006-01-02"),
					"sum":  d.Sum(),
				}).Warn("Renormalised fixture probabilities")
			}
			return fixed, nil
		}
		err = nerr
	}
	return d, &SimulationDivergenceError{Fixture: m, Dist: d, Err: err}
}

// scoreline picks the goals credited for an outcome: rounded expected goals
// nudged to agree with the outcome, or a neutral 2-1 / 1-1 / 1-2.
func scoreline(o league.Outcome, xg *model.ExpectedGoals) (home, away int) {
	if xg == nil {
		switch o {
		case league.HomeWin:
			return 2, 1
		case league.AwayWin:
			return 1, 2
		}
		return 1, 1
	}
	home = int(math.Round(xg.Home))
	away = int(math.Round(xg.Away))
	switch o {
	case league.HomeWin:
		if home <= away {
			home = away + 1
		}
	case league.AwayWin:
		if away <= home {
			away = home + 1
		}
	default:
		g := int(math.Round((xg.Home + xg.Away) / 2))
		home, away = g, g
	}
	return home, away
}
