package model

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Artifact is the on-disk form of a trained multinomial logistic model.
type Artifact struct {
	Name           string          `toml:"name"`
	Version        string          `toml:"version"`
	TrainingCutoff string          `toml:"training_cutoff"` // YYYY-MM-DD
	Schema         Schema          `toml:"schema"`
	Scaler         ScalerArtifact  `toml:"scaler"`
	Classes        []ClassArtifact `toml:"class"`
}

// ScalerArtifact standardises inputs as (x - mean) / scale.
type ScalerArtifact struct {
	Mean  []float64 `toml:"mean"`
	Scale []float64 `toml:"scale"`
}

// ClassArtifact holds one class's linear predictor.
type ClassArtifact struct {
	Label     string    `toml:"label"`
	Intercept float64   `toml:"intercept"`
	Coef      []float64 `toml:"coef"`
}

// LogisticModel is a softmax regression over standardised features.
type LogisticModel struct {
	meta      Metadata
	mean      []float64
	scale     []float64
	intercept [3]float64
	coef      [3][]float64
}

// LoadArtifact reads a TOML model artifact from path.
func LoadArtifact(path string) (*LogisticModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model artifact: %w", err)
	}
	return ParseArtifact(data)
}

// ParseArtifact decodes and validates a TOML model artifact.
func ParseArtifact(data []byte) (*LogisticModel, error) {
	var a Artifact
	if err := toml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decoding model artifact: %w", err)
	}
	return NewLogisticModel(a)
}

// NewLogisticModel validates a and builds the model. Classes may appear in
// any order but must be exactly H, D and A.
func NewLogisticModel(a Artifact) (*LogisticModel, error) {
	n := len(a.Schema.Fields)
	if n == 0 {
		return nil, fmt.Errorf("artifact %s has an empty feature schema", a.Name)
	}
	if len(a.Scaler.Mean) != n || len(a.Scaler.Scale) != n {
		return nil, fmt.Errorf("artifact %s: scaler has %d/%d entries for %d fields",
			a.Name, len(a.Scaler.Mean), len(a.Scaler.Scale), n)
	}
	if len(a.Classes) != 3 {
		return nil, fmt.Errorf("artifact %s: want 3 classes, got %d", a.Name, len(a.Classes))
	}

	var cutoff time.Time
	if a.TrainingCutoff != "" {
		t, err := time.Parse("2006-01-02", a.TrainingCutoff)
		if err != nil {
			return nil, fmt.Errorf("artifact %s: training cutoff: %w", a.Name, err)
		}
		cutoff = t
	}

	m := &LogisticModel{
		meta: Metadata{
			Name:           a.Name,
			Version:        a.Version,
			Schema:         Schema{Version: a.Schema.Version, Fields: append([]string(nil), a.Schema.Fields...)},
			TrainingCutoff: cutoff,
			Classes:        []string{"H", "D", "A"},
		},
		mean:  append([]float64(nil), a.Scaler.Mean...),
		scale: append([]float64(nil), a.Scaler.Scale...),
	}
	seen := [3]bool{}
	for _, c := range a.Classes {
		var idx int
		switch c.Label {
		case "H":
			idx = 0
		case "D":
			idx = 1
		case "A":
			idx = 2
		default:
			return nil, fmt.Errorf("artifact %s: unknown class %q", a.Name, c.Label)
		}
		if seen[idx] {
			return nil, fmt.Errorf("artifact %s: duplicate class %q", a.Name, c.Label)
		}
		if len(c.Coef) != n {
			return nil, fmt.Errorf("artifact %s: class %s has %d coefficients for %d fields",
				a.Name, c.Label, len(c.Coef), n)
		}
		seen[idx] = true
		m.intercept[idx] = c.Intercept
		m.coef[idx] = append([]float64(nil), c.Coef...)
	}
	for i, s := range m.scale {
		if s == 0 {
			m.scale[i] = 1
		}
	}
	return m, nil
}

func (m *LogisticModel) Metadata() Metadata { return m.meta }

func (m *LogisticModel) Predict(fv FeatureVector) (Prediction, error) {
	if err := CheckSchema(m.meta, fv); err != nil {
		return Prediction{}, err
	}

	var logits [3]float64
	for k := 0; k < 3; k++ {
		z := m.intercept[k]
		for i := 0; i < fv.Len(); i++ {
			z += m.coef[k][i] * (fv.At(i) - m.mean[i]) / m.scale[i]
		}
		logits[k] = z
	}
	mx := math.Max(logits[0], math.Max(logits[1], logits[2]))
	var e [3]float64
	for k := range logits {
		e[k] = math.Exp(logits[k] - mx)
	}
	d, err := Distribution{Home: e[0], Draw: e[1], Away: e[2]}.Normalize()
	if err != nil {
		return Prediction{}, err
	}

	pred := Prediction{Distribution: d}
	if fv.Schema.Index(EloDiff) >= 0 && fv.Schema.Index(PPGDiff) >= 0 {
		xg := EstimateExpectedGoals(fv)
		pred.ExpectedGoals = &xg
	}
	return pred, nil
}

func (m *LogisticModel) PredictBatch(fvs []FeatureVector) ([]Prediction, error) {
	return predictAll(fvs, m.Predict)
}

// Contributions returns, per feature, the standardised value times the
// home-minus-away coefficient: positive values push toward a home win.
func (m *LogisticModel) Contributions(fv FeatureVector) ([]float64, error) {
	if err := CheckSchema(m.meta, fv); err != nil {
		return nil, err
	}
	out := make([]float64, fv.Len())
	for i := range out {
		z := (fv.At(i) - m.mean[i]) / m.scale[i]
		out[i] = z * (m.coef[0][i] - m.coef[2][i])
	}
	return out, nil
}

// Load returns the logistic model stored at path, or the heuristic model
// when path is empty.
func Load(path string) (Predictor, error) {
	if path == "" {
		return NewHeuristicModel(), nil
	}
	m, err := LoadArtifact(path)
	if err != nil {
		return nil, err
	}
	return m, nil
}
