package model

import (
	"fmt"
	"math"
	"sort"
)

// Explanation describes one feature's pull on a prediction.
type Explanation struct {
	Feature string  `json:"feature"`
	Value   float64 `json:"value"`
	Effect  string  `json:"effect"`
}

var explainable = []struct{ key, label string }{
	{EloDiff, "Elo strength"},
	{PPGDiff, "Points per game"},
	{GDPerGameDiff, "Goal difference per game"},
	{RecentPointsDiff, "Recent form"},
	{RestDaysDiff, "Relative rest"},
	{HeadToHeadPtsDiff, "Head-to-head"},
}

func labelOf(field string) string {
	for _, c := range explainable {
		if c.key == field {
			return c.label
		}
	}
	return field
}

// Contributor is implemented by predictors that can attribute a prediction
// to individual features. Positive contributions push toward a home win.
type Contributor interface {
	Contributions(fv FeatureVector) ([]float64, error)
}

// Explain ranks the differential features of fv by magnitude and returns
// the top n.
func Explain(fv FeatureVector, n int) []Explanation {
	var items []Explanation
	for _, c := range explainable {
		if v, ok := fv.Value(c.key); ok {
			items = append(items, explanation(c.label, v))
		}
	}
	return top(items, n)
}

// ExplainContributions ranks the fields of fv by the size of their model
// contribution and returns the top n.
func ExplainContributions(fv FeatureVector, contrib []float64, n int) ([]Explanation, error) {
	if len(contrib) != fv.Len() {
		return nil, fmt.Errorf("%d contributions for %d features", len(contrib), fv.Len())
	}
	items := make([]Explanation, len(contrib))
	for i, v := range contrib {
		items[i] = explanation(labelOf(fv.Schema.Fields[i]), v)
	}
	return top(items, n), nil
}

func explanation(label string, v float64) Explanation {
	effect := "favours away"
	switch {
	case math.Abs(v) < 1e-9:
		effect = "neutral"
	case v > 0:
		effect = "favours home"
	}
	return Explanation{Feature: label, Value: math.Round(v*1e4) / 1e4, Effect: effect}
}

func top(items []Explanation, n int) []Explanation {
	sort.SliceStable(items, func(i, j int) bool { return math.Abs(items[i].Value) > math.Abs(items[j].Value) })
	if n > len(items) {
		n = len(items)
	}
	if n < 0 {
		n = 0
	}
	return items[:n]
}
