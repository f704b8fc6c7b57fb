package league

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrUnknownLeague is returned for a league code with no history.
	ErrUnknownLeague = errors.New("unknown league")
	// ErrNoSeason is returned when a league has no matches for a season.
	ErrNoSeason = errors.New("no matches for season")
)

// Resolver splits league-seasons into completed and remaining fixtures and
// derives standings from the completed ones. It never mutates its input.
type Resolver struct {
	byLeague map[string][]Match

	// FillMissing makes Partition synthesise remaining fixtures for double
	// round-robin pairings that never appear in the season.
	FillMissing bool
	// FixtureSpacing is the gap between synthesised rounds.
	FixtureSpacing time.Duration
}

// NewResolver indexes matches by league, ordered chronologically.
func NewResolver(matches []Match) *Resolver {
	r := &Resolver{
		byLeague:       make(map[string][]Match),
		FixtureSpacing: 7 * 24 * time.Hour,
	}
	for _, m := range matches {
		r.byLeague[m.League] = append(r.byLeague[m.League], m)
	}
	for code := range r.byLeague {
		SortChronological(r.byLeague[code])
	}
	return r
}

// SortChronological orders matches by date, then home team name.
func SortChronological(ms []Match) {
	sort.SliceStable(ms, func(i, j int) bool {
		if !ms[i].Date.Equal(ms[j].Date) {
			return ms[i].Date.Before(ms[j].Date)
		}
		return ms[i].Home < ms[j].Home
	})
}

// Leagues returns the known league codes in ascending order.
func (r *Resolver) Leagues() []string {
	codes := make([]string, 0, len(r.byLeague))
	for code := range r.byLeague {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// History returns every match of a league in chronological order.
func (r *Resolver) History(leagueCode string) ([]Match, error) {
	ms, ok := r.byLeague[leagueCode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLeague, leagueCode)
	}
	out := make([]Match, len(ms))
	copy(out, ms)
	return out, nil
}

// Seasons returns the league's seasons in order of first match.
func (r *Resolver) Seasons(leagueCode string) ([]string, error) {
	ms, ok := r.byLeague[leagueCode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLeague, leagueCode)
	}
	var seasons []string
	seen := make(map[string]bool)
	for _, m := range ms {
		if !seen[m.Season] {
			seen[m.Season] = true
			seasons = append(seasons, m.Season)
		}
	}
	return seasons, nil
}

// LatestSeason returns the season of the league's most recent match.
func (r *Resolver) LatestSeason(leagueCode string) (string, error) {
	seasons, err := r.Seasons(leagueCode)
	if err != nil {
		return "", err
	}
	if len(seasons) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoSeason, leagueCode)
	}
	return seasons[len(seasons)-1], nil
}

// Teams returns the teams appearing in a league-season, sorted by name.
func (r *Resolver) Teams(leagueCode, season string) ([]string, error) {
	ms, err := r.season(leagueCode, season)
	if err != nil {
		return nil, err
	}
	return teamsOf(ms), nil
}

func (r *Resolver) season(leagueCode, season string) ([]Match, error) {
	all, ok := r.byLeague[leagueCode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLeague, leagueCode)
	}
	var ms []Match
	for _, m := range all {
		if m.Season == season {
			ms = append(ms, m)
		}
	}
	if len(ms) == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrNoSeason, leagueCode, season)
	}
	return ms, nil
}

func teamsOf(ms []Match) []string {
	seen := make(map[string]bool)
	var teams []string
	for _, m := range ms {
		for _, t := range [2]string{m.Home, m.Away} {
			if !seen[t] {
				seen[t] = true
				teams = append(teams, t)
			}
		}
	}
	sort.Strings(teams)
	return teams
}

// Partition splits a league-season into completed and remaining matches,
// both ordered by date ascending.
func (r *Resolver) Partition(leagueCode, season string) (completed, remaining []Match, err error) {
	ms, err := r.season(leagueCode, season)
	if err != nil {
		return nil, nil, err
	}
	for _, m := range ms {
		if m.Played() {
			completed = append(completed, m)
		} else {
			remaining = append(remaining, m)
		}
	}

	if r.FillMissing {
		var last time.Time
		lastWeek := 0
		for _, m := range ms {
			if m.Date.After(last) {
				last = m.Date
			}
			if m.Week > lastWeek {
				lastWeek = m.Week
			}
		}
		spacing := r.FixtureSpacing
		if spacing <= 0 {
			spacing = 7 * 24 * time.Hour
		}
		remaining = append(remaining, MissingFixtures(leagueCode, season, teamsOf(ms), ms, last.Add(spacing), spacing, lastWeek)...)
	}

	SortChronological(completed)
	SortChronological(remaining)
	return completed, remaining, nil
}

// StandingsAsOf ranks the season's teams using completed matches dated on
// or before date.
func (r *Resolver) StandingsAsOf(leagueCode, season string, date time.Time) ([]Standing, error) {
	ms, err := r.season(leagueCode, season)
	if err != nil {
		return nil, err
	}
	var played []Match
	for _, m := range ms {
		if m.Played() && !m.Date.After(date) {
			played = append(played, m)
		}
	}
	return CalculateTable(teamsOf(ms), played), nil
}

// Registry records which teams belong to which league in each season.
type Registry struct {
	members map[string]map[string]map[string]bool // league -> season -> team
}

// NewRegistry derives league membership from the match history.
func NewRegistry(matches []Match) *Registry {
	reg := &Registry{members: make(map[string]map[string]map[string]bool)}
	for _, m := range matches {
		seasons, ok := reg.members[m.League]
		if !ok {
			seasons = make(map[string]map[string]bool)
			reg.members[m.League] = seasons
		}
		teams, ok := seasons[m.Season]
		if !ok {
			teams = make(map[string]bool)
			seasons[m.Season] = teams
		}
		teams[m.Home] = true
		teams[m.Away] = true
	}
	return reg
}

// HasLeague reports whether the league appears in the history.
func (reg *Registry) HasLeague(leagueCode string) bool {
	_, ok := reg.members[leagueCode]
	return ok
}

// Member reports whether team played in league during season.
func (reg *Registry) Member(leagueCode, season, team string) bool {
	return reg.members[leagueCode][season][team]
}

// InLeague reports whether team played in league during any season.
func (reg *Registry) InLeague(leagueCode, team string) bool {
	for _, teams := range reg.members[leagueCode] {
		if teams[team] {
			return true
		}
	}
	return false
}
