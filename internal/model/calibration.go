package model

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/utakatalp/league-outlook/internal/league"
)

// CalibrationBin compares predicted and observed home-win rates for one
// bucket of matches.
type CalibrationBin struct {
	Lower         float64 `json:"lower"`
	Upper         float64 `json:"upper"`
	Count         int     `json:"count"`
	MeanPredicted float64 `json:"mean_predicted"`
	Observed      float64 `json:"observed"`
}

// Gap is the absolute difference between predicted and observed rates.
func (b CalibrationBin) Gap() float64 { return math.Abs(b.MeanPredicted - b.Observed) }

// CalibrationReport buckets held-out matches by predicted p_home.
type CalibrationReport struct {
	Bins  []CalibrationBin `json:"bins"`
	Total int              `json:"total"`
}

// Calibrate sorts matches by predicted home-win probability and splits them
// into buckets of equal size (deciles for buckets=10).
func Calibrate(preds []Distribution, outcomes []league.Outcome, buckets int) (CalibrationReport, error) {
	if len(preds) != len(outcomes) {
		return CalibrationReport{}, fmt.Errorf("calibration: %d predictions for %d outcomes", len(preds), len(outcomes))
	}
	if buckets <= 0 {
		return CalibrationReport{}, fmt.Errorf("calibration: bucket count must be positive")
	}
	n := len(preds)
	if n < buckets {
		return CalibrationReport{}, fmt.Errorf("calibration: %d matches for %d buckets", n, buckets)
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return preds[order[a]].Home < preds[order[b]].Home })

	report := CalibrationReport{Total: n}
	for b := 0; b < buckets; b++ {
		lo, hi := b*n/buckets, (b+1)*n/buckets
		predicted := make([]float64, 0, hi-lo)
		observed := make([]float64, 0, hi-lo)
		for _, idx := range order[lo:hi] {
			predicted = append(predicted, preds[idx].Home)
			hit := 0.0
			if outcomes[idx] == league.HomeWin {
				hit = 1
			}
			observed = append(observed, hit)
		}
		report.Bins = append(report.Bins, CalibrationBin{
			Lower:         predicted[0],
			Upper:         predicted[len(predicted)-1],
			Count:         len(predicted),
			MeanPredicted: stat.Mean(predicted, nil),
			Observed:      stat.Mean(observed, nil),
		})
	}
	return report, nil
}

// MaxGap returns the largest per-bucket gap.
func (r CalibrationReport) MaxGap() float64 {
	var g float64
	for _, b := range r.Bins {
		g = math.Max(g, b.Gap())
	}
	return g
}

// Within reports whether every bucket tracks the observed rate within tol.
func (r CalibrationReport) Within(tol float64) bool {
	return len(r.Bins) > 0 && r.MaxGap() <= tol
}

// Metrics summarises predictive quality on resolved matches.
type Metrics struct {
	Matches  int     `json:"matches"`
	Accuracy float64 `json:"accuracy"`
	LogLoss  float64 `json:"log_loss"`
	Brier    float64 `json:"brier"`
}

// Evaluate computes accuracy, multi-class log loss and Brier score.
func Evaluate(preds []Distribution, outcomes []league.Outcome) (Metrics, error) {
	if len(preds) != len(outcomes) {
		return Metrics{}, fmt.Errorf("evaluate: %d predictions for %d outcomes", len(preds), len(outcomes))
	}
	if len(preds) == 0 {
		return Metrics{}, fmt.Errorf("evaluate: no matches")
	}
	const eps = 1e-15
	var correct int
	var logLoss, brier float64
	for i, d := range preds {
		best, _ := d.Best()
		if best == outcomes[i] {
			correct++
		}
		logLoss -= math.Log(clip(d.Of(outcomes[i]), eps, 1))
		for _, o := range league.Outcomes {
			y := 0.0
			if o == outcomes[i] {
				y = 1
			}
			diff := d.Of(o) - y
			brier += diff * diff
		}
	}
	n := float64(len(preds))
	return Metrics{
		Matches:  len(preds),
		Accuracy: float64(correct) / n,
		LogLoss:  logLoss / n,
		Brier:    brier / n,
	}, nil
}
