package model

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/utakatalp/league-outlook/internal/league"
)

// Tolerance is the allowed deviation of a distribution's sum from 1.
const Tolerance = 1e-6

// ErrDivergent is returned when a distribution cannot be renormalised.
var ErrDivergent = errors.New("probabilities outside valid range")

// Metadata describes a trained model artifact.
type Metadata struct {
	Name           string    `json:"name"`
	Version        string    `json:"version"`
	Schema         Schema    `json:"schema"`
	TrainingCutoff time.Time `json:"training_cutoff"`
	Classes        []string  `json:"classes"`
}

// Predictor maps feature vectors to outcome distributions.
type Predictor interface {
	Metadata() Metadata
	Predict(fv FeatureVector) (Prediction, error)
	PredictBatch(fvs []FeatureVector) ([]Prediction, error)
}

// ExpectedGoals is the model's goal expectation for each side.
type ExpectedGoals struct {
	Home float64 `json:"home"`
	Away float64 `json:"away"`
}

// Prediction is the model output for one fixture.
type Prediction struct {
	Distribution
	ExpectedGoals *ExpectedGoals `json:"expected_goals,omitempty"`
}

// Distribution is a home/draw/away probability triple.
type Distribution struct {
	Home float64 `json:"home_win"`
	Draw float64 `json:"draw"`
	Away float64 `json:"away_win"`
}

// Sum returns Home+Draw+Away.
func (d Distribution) Sum() float64 { return d.Home + d.Draw + d.Away }

// Of returns the probability of o.
func (d Distribution) Of(o league.Outcome) float64 {
	switch o {
	case league.HomeWin:
		return d.Home
	case league.Draw:
		return d.Draw
	}
	return d.Away
}

// Best returns the most likely outcome and its probability. Ties go to the
// earlier class in H, D, A order.
func (d Distribution) Best() (league.Outcome, float64) {
	best, p := league.HomeWin, d.Home
	if d.Draw > p {
		best, p = league.Draw, d.Draw
	}
	if d.Away > p {
		best, p = league.AwayWin, d.Away
	}
	return best, p
}

// Validate checks that each probability lies in [0,1] and the sum is within
// tol of 1.
func (d Distribution) Validate(tol float64) error {
	for _, p := range [3]float64{d.Home, d.Draw, d.Away} {
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
			return fmt.Errorf("%w: %+v", ErrDivergent, d)
		}
		if p > 1 {
			return fmt.Errorf("probability %.9f above 1", p)
		}
	}
	if math.Abs(d.Sum()-1) > tol {
		return fmt.Errorf("distribution sums to %.9f", d.Sum())
	}
	return nil
}

// Normalize rescales d to sum to 1. Negative, NaN, infinite or all-zero
// inputs cannot be repaired and return ErrDivergent.
func (d Distribution) Normalize() (Distribution, error) {
	for _, p := range [3]float64{d.Home, d.Draw, d.Away} {
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
			return d, fmt.Errorf("%w: %+v", ErrDivergent, d)
		}
	}
	s := d.Sum()
	if s <= 0 {
		return d, fmt.Errorf("%w: zero mass", ErrDivergent)
	}
	return Distribution{Home: d.Home / s, Draw: d.Draw / s, Away: d.Away / s}, nil
}

// SchemaMismatchError reports a feature vector incompatible with a model.
// It indicates a deployment defect and must not be retried.
type SchemaMismatchError struct {
	Model   string
	Want    Schema
	Got     Schema
	Missing []string
	Extra   []string
}

func (e *SchemaMismatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "schema mismatch for model %s: want %s (%d fields), got %s (%d fields)",
		e.Model, e.Want.Version, len(e.Want.Fields), e.Got.Version, len(e.Got.Fields))
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, "; missing %s", strings.Join(e.Missing, ","))
	}
	if len(e.Extra) > 0 {
		fmt.Fprintf(&b, "; unexpected %s", strings.Join(e.Extra, ","))
	}
	return b.String()
}

// CheckSchema returns a *SchemaMismatchError when fv does not follow meta's
// schema exactly.
func CheckSchema(meta Metadata, fv FeatureVector) error {
	if meta.Schema.Equal(fv.Schema) && fv.Len() == len(meta.Schema.Fields) {
		return nil
	}
	e := &SchemaMismatchError{Model: meta.Name + "@" + meta.Version, Want: meta.Schema, Got: fv.Schema}
	got := make(map[string]bool, len(fv.Schema.Fields))
	for _, f := range fv.Schema.Fields {
		got[f] = true
	}
	want := make(map[string]bool, len(meta.Schema.Fields))
	for _, f := range meta.Schema.Fields {
		want[f] = true
		if !got[f] {
			e.Missing = append(e.Missing, f)
		}
	}
	for _, f := range fv.Schema.Fields {
		if !want[f] {
			e.Extra = append(e.Extra, f)
		}
	}
	return e
}

// predictAll runs predict over fvs, failing on the first error.
func predictAll(fvs []FeatureVector, predict func(FeatureVector) (Prediction, error)) ([]Prediction, error) {
	out := make([]Prediction, len(fvs))
	for i, fv := range fvs {
		p, err := predict(fv)
		if err != nil {
			return nil, fmt.Errorf("fixture %d (%s vs %s): %w", i, fv.Home, fv.Away, err)
		}
		out[i] = p
	}
	return out, nil
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// EstimateExpectedGoals derives a goal expectation from the rating, points
// and momentum differentials.
func EstimateExpectedGoals(fv FeatureVector) ExpectedGoals {
	shift := fv.get(EloDiff)/500.0 + fv.get(PPGDiff)*0.45 + fv.get(RecentPointsDiff)*0.08
	return ExpectedGoals{
		Home: clip(1.35+shift, 0.2, 3.8),
		Away: clip(1.35-shift, 0.2, 3.8),
	}
}
