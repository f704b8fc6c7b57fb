package model

import (
	"math"
	"time"
)

// HeuristicModel scores a fixture from rating, points-per-game, recent form
// and rest differentials, then splits the mass with a draw share that
// shrinks as the matchup gets lopsided.
type HeuristicModel struct {
	meta Metadata
}

// NewHeuristicModel returns the fallback predictor for the default schema.
func NewHeuristicModel() *HeuristicModel {
	return &HeuristicModel{meta: Metadata{
		Name:           "heuristic",
		Version:        "1",
		Schema:         DefaultSchema,
		TrainingCutoff: time.Time{},
		Classes:        []string{"H", "D", "A"},
	}}
}

func (m *HeuristicModel) Metadata() Metadata { return m.meta }

func (m *HeuristicModel) Predict(fv FeatureVector) (Prediction, error) {
	if err := CheckSchema(m.meta, fv); err != nil {
		return Prediction{}, err
	}
	score := 0.0028*fv.get(EloDiff) +
		0.85*fv.get(PPGDiff) +
		0.25*fv.get(RecentPointsDiff) +
		0.02*clip(fv.get(RestDaysDiff), -7, 7)

	pHomeRaw := 1.0 / (1.0 + math.Exp(-score))
	pDraw := math.Max(0.14, 0.26-0.08*math.Abs(score))
	d, err := Distribution{
		Home: pHomeRaw * (1 - pDraw),
		Draw: pDraw,
		Away: (1 - pHomeRaw) * (1 - pDraw),
	}.Normalize()
	if err != nil {
		return Prediction{}, err
	}
	xg := EstimateExpectedGoals(fv)
	return Prediction{Distribution: d, ExpectedGoals: &xg}, nil
}

func (m *HeuristicModel) PredictBatch(fvs []FeatureVector) ([]Prediction, error) {
	return predictAll(fvs, m.Predict)
}
