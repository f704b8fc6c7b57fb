package model

import (
	"fmt"
	"time"
)

// Feature names of the default schema.
const (
	HomeElo            = "home_elo_pre"
	AwayElo            = "away_elo_pre"
	EloDiff            = "elo_diff"
	HomePlayed         = "home_matches_played_pre"
	AwayPlayed         = "away_matches_played_pre"
	HomePPG            = "home_points_per_game_pre"
	AwayPPG            = "away_points_per_game_pre"
	PPGDiff            = "ppg_diff"
	HomeGDPerGame      = "home_goal_diff_per_game_pre"
	AwayGDPerGame      = "away_goal_diff_per_game_pre"
	GDPerGameDiff      = "goal_diff_pg_diff"
	HomeRecentPoints   = "home_recent_points_avg_pre"
	AwayRecentPoints   = "away_recent_points_avg_pre"
	RecentPointsDiff   = "recent_points_diff"
	HomeRecentGD       = "home_recent_goal_diff_avg_pre"
	AwayRecentGD       = "away_recent_goal_diff_avg_pre"
	RecentGDDiff       = "recent_goal_diff_diff"
	HomeRestDays       = "home_rest_days_pre"
	AwayRestDays       = "away_rest_days_pre"
	RestDaysDiff       = "rest_days_diff"
	HeadToHeadPtsDiff  = "h2h_points_diff"
	Month              = "month"
	Weekday            = "weekday"
	DefaultSchemaLabel = "match-features/v1"
)

// DefaultSchema is the feature layout produced by the rating tracker.
var DefaultSchema = Schema{
	Version: DefaultSchemaLabel,
	Fields: []string{
		HomeElo, AwayElo, EloDiff,
		HomePlayed, AwayPlayed,
		HomePPG, AwayPPG, PPGDiff,
		HomeGDPerGame, AwayGDPerGame, GDPerGameDiff,
		HomeRecentPoints, AwayRecentPoints, RecentPointsDiff,
		HomeRecentGD, AwayRecentGD, RecentGDDiff,
		HomeRestDays, AwayRestDays, RestDaysDiff,
		HeadToHeadPtsDiff,
		Month, Weekday,
	},
}

// Schema names the ordered fields of a feature vector.
type Schema struct {
	Version string   `toml:"version" json:"version"`
	Fields  []string `toml:"fields" json:"fields"`
}

// Index returns the position of field, or -1.
func (s Schema) Index(field string) int {
	for i, f := range s.Fields {
		if f == field {
			return i
		}
	}
	return -1
}

// Equal reports whether two schemas have the same version and field order.
func (s Schema) Equal(o Schema) bool {
	if s.Version != o.Version || len(s.Fields) != len(o.Fields) {
		return false
	}
	for i := range s.Fields {
		if s.Fields[i] != o.Fields[i] {
			return false
		}
	}
	return true
}

// FeatureVector is a point-in-time snapshot of pre-match features. It is
// immutable once built: values are copied in and out.
type FeatureVector struct {
	League string
	Home   string
	Away   string
	Date   time.Time
	Schema Schema

	// LowConfidence is set when either team lacked enough history and the
	// vector holds neutral defaults. Gap carries the cause.
	LowConfidence bool
	Gap           error

	values []float64
}

// NewFeatureVector builds a vector whose values follow schema.Fields.
func NewFeatureVector(schema Schema, leagueCode, home, away string, date time.Time, values []float64) (FeatureVector, error) {
	if len(values) != len(schema.Fields) {
		return FeatureVector{}, fmt.Errorf("feature vector has %d values, schema %s has %d fields",
			len(values), schema.Version, len(schema.Fields))
	}
	v := make([]float64, len(values))
	copy(v, values)
	return FeatureVector{
		League: leagueCode,
		Home:   home,
		Away:   away,
		Date:   date,
		Schema: schema,
		values: v,
	}, nil
}

// Len returns the number of values.
func (fv FeatureVector) Len() int { return len(fv.values) }

// At returns the i-th value.
func (fv FeatureVector) At(i int) float64 { return fv.values[i] }

// Value looks a feature up by name.
func (fv FeatureVector) Value(name string) (float64, bool) {
	i := fv.Schema.Index(name)
	if i < 0 || i >= len(fv.values) {
		return 0, false
	}
	return fv.values[i], true
}

// Values returns a copy of the values.
func (fv FeatureVector) Values() []float64 {
	out := make([]float64, len(fv.values))
	copy(out, fv.values)
	return out
}

// get is Value without the presence flag, for callers that already checked
// the schema.
func (fv FeatureVector) get(name string) float64 {
	v, _ := fv.Value(name)
	return v
}
