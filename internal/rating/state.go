package rating

import (
	"fmt"
	"time"
)

// Config controls the Elo update and the feature windows.
type Config struct {
	BaseRating       float64
	KFactor          float64
	HomeAdvantage    float64
	SeasonRegression float64 // share of the league mean blended in at season start
	MarginScaling    bool
	FormWindow       int
	MinHistory       int
	HeadToHeadWindow int
	DefaultRestDays  float64
}

// DefaultConfig mirrors the classic club Elo settings.
func DefaultConfig() Config {
	return Config{
		BaseRating:       1500,
		KFactor:          20,
		HomeAdvantage:    60,
		SeasonRegression: 0.25,
		FormWindow:       5,
		MinHistory:       3,
		HeadToHeadWindow: 10,
		DefaultRestDays:  7,
	}
}

type entry struct {
	date        time.Time
	opponent    string
	goalsFor    int
	goalsAgst   int
	points      int
	ratingAfter float64
}

// TeamSeasonState is one team's rating and form within one league-season.
// Only the Tracker mutates it; readers get copies from Snapshot.
type TeamSeasonState struct {
	Team         string    `json:"team"`
	Season       string    `json:"season"`
	StartRating  float64   `json:"start_rating"`
	Rating       float64   `json:"rating"`
	Played       int       `json:"played"`
	Points       int       `json:"points"`
	GoalsFor     int       `json:"goals_for"`
	GoalsAgainst int       `json:"goals_against"`
	LastMatch    time.Time `json:"last_match"`

	log []entry
}

func (s *TeamSeasonState) clone() TeamSeasonState {
	c := *s
	c.log = append([]entry(nil), s.log...)
	return c
}

// before returns the log entries dated strictly before asOf.
func (s *TeamSeasonState) before(asOf time.Time) []entry {
	i := len(s.log)
	for i > 0 && !s.log[i-1].date.Before(asOf) {
		i--
	}
	return s.log[:i]
}

// ratingAt is the rating carried into a match on asOf.
func (s *TeamSeasonState) ratingAt(asOf time.Time) float64 {
	prior := s.before(asOf)
	if len(prior) == 0 {
		return s.StartRating
	}
	return prior[len(prior)-1].ratingAfter
}

// Form summarises the last matches before a date.
type Form struct {
	Matches       int     `json:"matches"`
	PointsPerGame float64 `json:"points_per_game"`
	GoalsFor      int     `json:"goals_for"`
	GoalsAgainst  int     `json:"goals_against"`
	GoalDiffAvg   float64 `json:"goal_diff_avg"`
}

func formOf(es []entry, window int) Form {
	if window > 0 && len(es) > window {
		es = es[len(es)-window:]
	}
	f := Form{Matches: len(es)}
	if len(es) == 0 {
		return f
	}
	var pts int
	for _, e := range es {
		pts += e.points
		f.GoalsFor += e.goalsFor
		f.GoalsAgainst += e.goalsAgst
	}
	f.PointsPerGame = float64(pts) / float64(len(es))
	f.GoalDiffAvg = float64(f.GoalsFor-f.GoalsAgainst) / float64(len(es))
	return f
}

// StateRow is the persisted form of a TeamSeasonState.
type StateRow struct {
	League       string    `json:"league"`
	Season       string    `json:"season"`
	Team         string    `json:"team"`
	Rating       float64   `json:"rating"`
	Played       int       `json:"played"`
	Points       int       `json:"points"`
	GoalsFor     int       `json:"goals_for"`
	GoalsAgainst int       `json:"goals_against"`
	FormPPG      float64   `json:"form_ppg"`
	FormGoalDiff float64   `json:"form_goal_diff"`
	LastMatch    time.Time `json:"last_match"`
}

// DataGapError reports a team with too little history for reliable
// features. The tracker recovers from it with a neutral vector.
type DataGapError struct {
	League string
	Team   string
	Have   int
	Need   int
}

func (e *DataGapError) Error() string {
	return fmt.Sprintf("insufficient history for %s in %s: %d matches, need %d", e.Team, e.League, e.Have, e.Need)
}
