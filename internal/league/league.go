package league

import (
	"fmt"
	"time"
)

// Outcome is the three-way result label of a match from the home side's view.
type Outcome int

const (
	HomeWin Outcome = iota
	Draw
	AwayWin
)

// Outcomes lists the labels in model class order.
var Outcomes = [3]Outcome{HomeWin, Draw, AwayWin}

func (o Outcome) String() string {
	switch o {
	case HomeWin:
		return "H"
	case Draw:
		return "D"
	case AwayWin:
		return "A"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// ParseOutcome reads an H/D/A label.
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "H":
		return HomeWin, nil
	case "D":
		return Draw, nil
	case "A":
		return AwayWin, nil
	}
	return 0, fmt.Errorf("unknown outcome label %q", s)
}

// Points returns the league points awarded to home and away.
func (o Outcome) Points() (home, away int) {
	switch o {
	case HomeWin:
		return 3, 0
	case AwayWin:
		return 0, 3
	}
	return 1, 1
}

// Score holds the full-time goals of a resolved match.
type Score struct {
	HomeGoals int `json:"home_goals"`
	AwayGoals int `json:"away_goals"`
}

// Outcome derives the H/D/A label.
func (s Score) Outcome() Outcome {
	switch {
	case s.HomeGoals > s.AwayGoals:
		return HomeWin
	case s.HomeGoals < s.AwayGoals:
		return AwayWin
	}
	return Draw
}

// Match represents a fixture between two teams. Result is nil until played.
type Match struct {
	League string    `json:"league"`
	Season string    `json:"season"`
	Week   int       `json:"week"`
	Date   time.Time `json:"date"`
	Home   string    `json:"home_team"`
	Away   string    `json:"away_team"`
	Result *Score    `json:"result,omitempty"`
}

// Played reports whether the match has a resolved result.
func (m Match) Played() bool { return m.Result != nil }

func (m Match) ScoreLine() string {
	if m.Result == nil {
		return fmt.Sprintf("%s vs %s", m.Home, m.Away)
	}
	return fmt.Sprintf("%s %d - %d %s",
		m.Home, m.Result.HomeGoals,
		m.Result.AwayGoals, m.Away,
	)
}

// Standing holds the table row of one team.
type Standing struct {
	Team         string `json:"team"`
	Played       int    `json:"played"`
	Wins         int    `json:"wins"`
	Draws        int    `json:"draws"`
	Losses       int    `json:"losses"`
	GoalsFor     int    `json:"goals_for"`
	GoalsAgainst int    `json:"goals_against"`
	GoalDiff     int    `json:"goal_diff"`
	Points       int    `json:"points"`
}

// Ranks reports whether a should be placed above b. Points, goal difference,
// goals scored, then team name ascending.
func Ranks(aPts, aGD, aGF int, aName string, bPts, bGD, bGF int, bName string) bool {
	if aPts != bPts {
		return aPts > bPts
	}
	if aGD != bGD {
		return aGD > bGD
	}
	if aGF != bGF {
		return aGF > bGF
	}
	return aName < bName
}

// Above applies Ranks to two standings rows.
func (s Standing) Above(o Standing) bool {
	return Ranks(s.Points, s.GoalDiff, s.GoalsFor, s.Team, o.Points, o.GoalDiff, o.GoalsFor, o.Team)
}
