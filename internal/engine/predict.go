package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/utakatalp/league-outlook/internal/league"
	"github.com/utakatalp/league-outlook/internal/model"
	"github.com/utakatalp/league-outlook/internal/rating"
)

// ModelRef names the model that produced a prediction.
type ModelRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MatchPrediction is the answer to a single-fixture query.
type MatchPrediction struct {
	League        string               `json:"league"`
	Home          string               `json:"home_team"`
	Away          string               `json:"away_team"`
	Date          string               `json:"date"`
	Probabilities model.Distribution   `json:"probabilities"`
	Predicted     string               `json:"predicted"`
	Confidence    float64              `json:"confidence"`
	LowConfidence bool                 `json:"low_confidence"`
	ExpectedGoals *model.ExpectedGoals `json:"expected_goals,omitempty"`
	Explanations  []model.Explanation  `json:"explanations"`
	HomeRating    float64              `json:"home_rating"`
	AwayRating    float64              `json:"away_rating"`
	HomeForm      rating.Form          `json:"home_form"`
	AwayForm      rating.Form          `json:"away_form"`
	HeadToHead    rating.HeadToHead    `json:"head_to_head"`
	Model         ModelRef             `json:"model"`
	Warnings      []string             `json:"warnings,omitempty"`
}

func (e *Engine) validateFixture(s *snapshot, leagueCode, home, away string) error {
	switch {
	case home == "" || away == "":
		return &InvalidFixtureError{League: leagueCode, Home: home, Away: away, Reason: "team name required"}
	case home == away:
		return &InvalidFixtureError{League: leagueCode, Home: home, Away: away, Reason: "a team cannot play itself"}
	case !s.registry.HasLeague(leagueCode):
		return &InvalidFixtureError{League: leagueCode, Home: home, Away: away, Reason: "unknown league"}
	}
	for _, team := range [2]string{home, away} {
		if !s.registry.InLeague(leagueCode, team) {
			return &InvalidFixtureError{League: leagueCode, Home: home, Away: away, Reason: "unknown team " + team}
		}
	}
	return nil
}

// PredictMatch estimates the outcome distribution of home vs away on date
// using only information dated before it.
func (e *Engine) PredictMatch(ctx context.Context, home, away, leagueCode string, date time.Time) (MatchPrediction, error) {
	s, err := e.current(ctx)
	if err != nil {
		return MatchPrediction{}, err
	}
	if err := e.validateFixture(s, leagueCode, home, away); err != nil {
		return MatchPrediction{}, err
	}

	fv := s.tracker.Features(leagueCode, home, away, date)
	pred, err := e.predictor.Predict(fv)
	if err != nil {
		return MatchPrediction{}, err
	}
	dist := pred.Distribution
	if err := dist.Validate(e.sim.Config().Tolerance); err != nil {
		if errors.Is(err, model.ErrDivergent) {
			return MatchPrediction{}, fmt.Errorf("predicting %s vs %s: %w", home, away, err)
		}
		if dist, err = dist.Normalize(); err != nil {
			return MatchPrediction{}, fmt.Errorf("predicting %s vs %s: %w", home, away, err)
		}
	}

	meta := e.predictor.Metadata()
	best, conf := dist.Best()
	out := MatchPrediction{
		League:        leagueCode,
		Home:          home,
		Away:          away,
		Date:          date.Format("2006-01-02"),
		Probabilities: dist,
		Predicted:     best.String(),
		Confidence:    conf,
		LowConfidence: fv.LowConfidence,
		ExpectedGoals: pred.ExpectedGoals,
		Explanations:  model.Explain(fv, e.opts.Explanations),
		HomeRating:    s.tracker.RatingAsOf(leagueCode, home, date),
		AwayRating:    s.tracker.RatingAsOf(leagueCode, away, date),
		HomeForm:      s.tracker.RollingForm(leagueCode, home, date, e.opts.Rating.FormWindow),
		AwayForm:      s.tracker.RollingForm(leagueCode, away, date, e.opts.Rating.FormWindow),
		HeadToHead:    s.tracker.HeadToHead(leagueCode, home, away, date),
		Model:         ModelRef{Name: meta.Name, Version: meta.Version},
	}
	if c, ok := e.predictor.(model.Contributor); ok && !fv.LowConfidence {
		if contrib, err := c.Contributions(fv); err == nil {
			if ex, err := model.ExplainContributions(fv, contrib, e.opts.Explanations); err == nil {
				out.Explanations = ex
			}
		}
	}
	if fv.Gap != nil {
		out.Warnings = append(out.Warnings, fv.Gap.Error())
	}
	if latest, err := s.resolver.LatestSeason(leagueCode); err == nil {
		for _, team := range [2]string{home, away} {
			if !s.registry.Member(leagueCode, latest, team) {
				out.Warnings = append(out.Warnings, fmt.Sprintf("%s did not play in season %s", team, latest))
			}
		}
	}
	if !meta.TrainingCutoff.IsZero() && !date.After(meta.TrainingCutoff) {
		out.Warnings = append(out.Warnings, fmt.Sprintf("match date is not after the model's training cutoff %s",
			meta.TrainingCutoff.Format("2006-01-02")))
	}
	return out, nil
}

// CalibrationTolerance is the largest gap between a bucket's mean predicted
// probability and its observed frequency that still counts as calibrated.
const CalibrationTolerance = 0.05

// Backtest is a walk-forward evaluation of the model on a played season.
type Backtest struct {
	League      string                  `json:"league"`
	Season      string                  `json:"season"`
	Metrics     model.Metrics           `json:"metrics"`
	Calibration model.CalibrationReport `json:"calibration"`
	// Calibrated is set when every non-empty bucket is within
	// CalibrationTolerance of its observed frequency.
	Calibrated bool `json:"calibrated"`
	// Skipped counts low-confidence matches left out of the evaluation.
	Skipped int `json:"skipped"`
}

// Backtest predicts every played match of a league-season from features
// dated before it and scores the predictions against the results. An empty
// season means the latest.
func (e *Engine) Backtest(ctx context.Context, leagueCode, season string, buckets int) (Backtest, error) {
	s, err := e.current(ctx)
	if err != nil {
		return Backtest{}, err
	}
	if season == "" {
		if season, err = s.resolver.LatestSeason(leagueCode); err != nil {
			return Backtest{}, err
		}
	}
	completed, _, err := s.resolver.Partition(leagueCode, season)
	if err != nil {
		return Backtest{}, err
	}

	bt := Backtest{League: leagueCode, Season: season}
	var (
		fvs      []model.FeatureVector
		outcomes []league.Outcome
	)
	for _, m := range completed {
		fv := s.tracker.Features(leagueCode, m.Home, m.Away, m.Date)
		if fv.LowConfidence {
			bt.Skipped++
			continue
		}
		fvs = append(fvs, fv)
		outcomes = append(outcomes, m.Result.Outcome())
	}
	preds, err := e.predictor.PredictBatch(fvs)
	if err != nil {
		return bt, fmt.Errorf("backtesting %s %s: %w", leagueCode, season, err)
	}
	dists := make([]model.Distribution, len(preds))
	for i, p := range preds {
		dists[i] = p.Distribution
	}

	if bt.Metrics, err = model.Evaluate(dists, outcomes); err != nil {
		return bt, err
	}
	if bt.Calibration, err = model.Calibrate(dists, outcomes, buckets); err != nil {
		return bt, err
	}
	bt.Calibrated = bt.Calibration.Within(CalibrationTolerance)
	return bt, nil
}
