package rating

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/utakatalp/league-outlook/internal/league"
	"github.com/utakatalp/league-outlook/internal/model"
)

var (
	// ErrOutOfOrder is returned when a match predates the last applied one.
	ErrOutOfOrder = errors.New("match applied out of chronological order")
	// ErrUnplayed is returned when applying a match without a result.
	ErrUnplayed = errors.New("match has no result")
)

type meeting struct {
	date       time.Time
	home, away string
	outcome    league.Outcome
}

type seasonStates struct {
	name   string
	start  time.Time
	seeds  map[string]float64
	states map[string]*TeamSeasonState
}

// startRating is the rating a team carries into its first match of the
// season.
func (ss *seasonStates) startRating(team string, base float64) float64 {
	if r, ok := ss.seeds[team]; ok {
		return r
	}
	return base
}

type leagueState struct {
	seasons  []*seasonStates // chronological; last is current
	lastDate time.Time
	careers  map[string][]time.Time
	meetings []meeting
}

func (ls *leagueState) current() *seasonStates {
	if len(ls.seasons) == 0 {
		return nil
	}
	return ls.seasons[len(ls.seasons)-1]
}

func (ls *leagueState) season(name string) *seasonStates {
	for _, ss := range ls.seasons {
		if ss.name == name {
			return ss
		}
	}
	return nil
}

// seasonAt returns the season in force on asOf.
func (ls *leagueState) seasonAt(asOf time.Time) *seasonStates {
	for i := len(ls.seasons) - 1; i >= 0; i-- {
		if !ls.seasons[i].start.After(asOf) {
			return ls.seasons[i]
		}
	}
	return nil
}

// Tracker maintains per-(team, season) Elo ratings and form from completed
// matches, applied strictly in chronological order per league.
type Tracker struct {
	cfg     Config
	log     *logrus.Entry
	leagues map[string]*leagueState
}

// NewTracker returns an empty tracker.
func NewTracker(cfg Config, log *logrus.Entry) *Tracker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Tracker{cfg: cfg, log: log, leagues: make(map[string]*leagueState)}
}

// Replay builds a tracker from a chronological history. Unplayed matches
// only open their season; a season starts at its first fixture.
func Replay(cfg Config, log *logrus.Entry, matches []league.Match) (*Tracker, error) {
	t := NewTracker(cfg, log)
	for _, m := range matches {
		if err := t.BeginSeason(m.League, m.Season, m.Date); err != nil {
			return nil, err
		}
		if !m.Played() {
			continue
		}
		if err := t.Apply(m); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Expected is the Elo expected score of a side rated r against rOpp.
func Expected(r, rOpp float64) float64 {
	return 1.0 / (1.0 + math.Pow(10, (rOpp-r)/400))
}

// MarginWeight scales K by the goal margin.
func MarginWeight(margin int) float64 {
	if margin < 0 {
		margin = -margin
	}
	switch {
	case margin <= 1:
		return 1
	case margin == 2:
		return 1.5
	}
	return (11 + float64(margin)) / 8
}

// UpdateRating applies R' = R + K*w*(S - E) to s alone and returns R'.
// opponentRating must already include any venue adjustment.
func (t *Tracker) UpdateRating(s *TeamSeasonState, opponentRating, score, weight float64) float64 {
	s.Rating += t.cfg.KFactor * weight * (score - Expected(s.Rating, opponentRating))
	return s.Rating
}

func (t *Tracker) leagueOf(code string) *leagueState {
	ls, ok := t.leagues[code]
	if !ok {
		ls = &leagueState{careers: make(map[string][]time.Time)}
		t.leagues[code] = ls
	}
	return ls
}

// BeginSeason opens season from start, seeding every team with its rating
// regressed toward the previous season's mean. Completed matches are left
// untouched. It is a no-op for a season the league already has.
func (t *Tracker) BeginSeason(leagueCode, season string, start time.Time) error {
	ls := t.leagueOf(leagueCode)
	if ls.season(season) != nil {
		return nil
	}
	if cur := ls.current(); cur != nil && start.Before(cur.start) {
		return fmt.Errorf("%w: season %s starting %s before %s", ErrOutOfOrder, season,
			start.Format("2006-01-02"), cur.start.Format("2006-01-02"))
	}
	t.rollover(ls, season, start)
	return nil
}

// rollover archives the current season and seeds the next one with ratings
// regressed toward the finished season's mean.
func (t *Tracker) rollover(ls *leagueState, season string, start time.Time) *seasonStates {
	seeds := make(map[string]float64)
	cur := ls.current()
	if cur != nil && len(cur.states) > 0 {
		var sum float64
		for _, s := range cur.states {
			sum += s.Rating
		}
		mean := sum / float64(len(cur.states))
		r := t.cfg.SeasonRegression
		for name, s := range cur.states {
			seeds[name] = (1-r)*s.Rating + r*mean
		}
		t.log.WithFields(logrus.Fields{
			"from_season": cur.name,
			"to_season":   season,
			"league_mean": mean,
		}).Debug("Season rollover")
	} else if cur != nil {
		// an unplayed season passes its seeds on unchanged
		for name, r := range cur.seeds {
			seeds[name] = r
		}
	}
	ss := &seasonStates{name: season, start: start, seeds: seeds, states: make(map[string]*TeamSeasonState)}
	ls.seasons = append(ls.seasons, ss)
	return ss
}

func (t *Tracker) stateFor(ss *seasonStates, team string) *TeamSeasonState {
	s, ok := ss.states[team]
	if !ok {
		r := ss.startRating(team, t.cfg.BaseRating)
		s = &TeamSeasonState{Team: team, Season: ss.name, StartRating: r, Rating: r}
		ss.states[team] = s
	}
	return s
}

// Apply folds one completed match into both teams' states.
func (t *Tracker) Apply(m league.Match) error {
	if m.Result == nil {
		return fmt.Errorf("%w: %s on %s", ErrUnplayed, m.ScoreLine(), m.Date.Format("2006-01-02"))
	}
	ls := t.leagueOf(m.League)
	if m.Date.Before(ls.lastDate) {
		return fmt.Errorf("%w: %s on %s after %s", ErrOutOfOrder, m.ScoreLine(),
			m.Date.Format("2006-01-02"), ls.lastDate.Format("2006-01-02"))
	}
	ss := ls.season(m.Season)
	if ss == nil {
		ss = t.rollover(ls, m.Season, m.Date)
	}

	home := t.stateFor(ss, m.Home)
	away := t.stateFor(ss, m.Away)
	preHome, preAway := home.Rating, away.Rating

	outcome := m.Result.Outcome()
	var score float64
	switch outcome {
	case league.HomeWin:
		score = 1
	case league.Draw:
		score = 0.5
	}
	weight := 1.0
	if t.cfg.MarginScaling {
		weight = MarginWeight(m.Result.HomeGoals - m.Result.AwayGoals)
	}
	t.UpdateRating(home, preAway-t.cfg.HomeAdvantage, score, weight)
	t.UpdateRating(away, preHome+t.cfg.HomeAdvantage, 1-score, weight)

	hp, ap := outcome.Points()
	record(home, m.Date, m.Away, m.Result.HomeGoals, m.Result.AwayGoals, hp)
	record(away, m.Date, m.Home, m.Result.AwayGoals, m.Result.HomeGoals, ap)

	ls.careers[m.Home] = append(ls.careers[m.Home], m.Date)
	ls.careers[m.Away] = append(ls.careers[m.Away], m.Date)
	ls.meetings = append(ls.meetings, meeting{date: m.Date, home: m.Home, away: m.Away, outcome: outcome})
	ls.lastDate = m.Date
	return nil
}

func record(s *TeamSeasonState, date time.Time, opponent string, gf, ga, pts int) {
	s.Played++
	s.Points += pts
	s.GoalsFor += gf
	s.GoalsAgainst += ga
	s.LastMatch = date
	s.log = append(s.log, entry{
		date:        date,
		opponent:    opponent,
		goalsFor:    gf,
		goalsAgst:   ga,
		points:      pts,
		ratingAfter: s.Rating,
	})
}

// Rating returns a team's current rating in the league's current season.
func (t *Tracker) Rating(leagueCode, team string) (float64, bool) {
	ls, ok := t.leagues[leagueCode]
	if !ok || ls.current() == nil {
		return 0, false
	}
	s, ok := ls.current().states[team]
	if !ok {
		return 0, false
	}
	return s.Rating, true
}

// RatingAsOf returns the rating a team carried into a match on asOf.
func (t *Tracker) RatingAsOf(leagueCode, team string, asOf time.Time) float64 {
	ls, ok := t.leagues[leagueCode]
	if !ok {
		return t.cfg.BaseRating
	}
	ss := ls.seasonAt(asOf)
	if ss == nil {
		return t.cfg.BaseRating
	}
	if s, ok := ss.states[team]; ok {
		return s.ratingAt(asOf)
	}
	return ss.startRating(team, t.cfg.BaseRating)
}

func (t *Tracker) seasonState(ls *leagueState, team string, asOf time.Time) *TeamSeasonState {
	ss := ls.seasonAt(asOf)
	if ss == nil {
		return nil
	}
	return ss.states[team]
}

// RollingForm summarises a team's last window matches of the season in
// force, strictly before asOf.
func (t *Tracker) RollingForm(leagueCode, team string, asOf time.Time, window int) Form {
	ls, ok := t.leagues[leagueCode]
	if !ok {
		return Form{}
	}
	s := t.seasonState(ls, team, asOf)
	if s == nil {
		return Form{}
	}
	return formOf(s.before(asOf), window)
}

// history counts a team's league matches strictly before asOf, across
// seasons.
func (ls *leagueState) history(team string, asOf time.Time) int {
	dates := ls.careers[team]
	return sort.Search(len(dates), func(i int) bool { return !dates[i].Before(asOf) })
}

// HeadToHead summarises past meetings from the home team's side.
type HeadToHead struct {
	Meetings int `json:"meetings"`
	HomeWins int `json:"home_wins"`
	Draws    int `json:"draws"`
	AwayWins int `json:"away_wins"`
}

// PointsDiff is the average points margin of home over away per meeting.
func (h HeadToHead) PointsDiff() float64 {
	if h.Meetings == 0 {
		return 0
	}
	return float64(3*h.HomeWins-3*h.AwayWins) / float64(h.Meetings)
}

// HeadToHead returns the last meetings between two teams before asOf,
// regardless of venue.
func (t *Tracker) HeadToHead(leagueCode, home, away string, asOf time.Time) HeadToHead {
	var h HeadToHead
	ls, ok := t.leagues[leagueCode]
	if !ok {
		return h
	}
	for i := len(ls.meetings) - 1; i >= 0 && h.Meetings < t.cfg.HeadToHeadWindow; i-- {
		mt := ls.meetings[i]
		if !mt.date.Before(asOf) {
			continue
		}
		var winner string
		switch mt.outcome {
		case league.HomeWin:
			winner = mt.home
		case league.AwayWin:
			winner = mt.away
		}
		switch {
		case mt.home == home && mt.away == away, mt.home == away && mt.away == home:
		default:
			continue
		}
		h.Meetings++
		switch winner {
		case "":
			h.Draws++
		case home:
			h.HomeWins++
		default:
			h.AwayWins++
		}
	}
	return h
}

// Snapshot returns copies of the current season's states.
func (t *Tracker) Snapshot(leagueCode string) map[string]TeamSeasonState {
	out := make(map[string]TeamSeasonState)
	ls, ok := t.leagues[leagueCode]
	if !ok || ls.current() == nil {
		return out
	}
	for name, s := range ls.current().states {
		out[name] = s.clone()
	}
	return out
}

// Archive returns copies of a finished (or current) season's states.
func (t *Tracker) Archive(leagueCode, season string) (map[string]TeamSeasonState, bool) {
	ls, ok := t.leagues[leagueCode]
	if !ok {
		return nil, false
	}
	for _, ss := range ls.seasons {
		if ss.name != season {
			continue
		}
		out := make(map[string]TeamSeasonState, len(ss.states))
		for name, s := range ss.states {
			out[name] = s.clone()
		}
		return out, true
	}
	return nil, false
}

// Table returns the current season as persistable rows sorted by rating.
func (t *Tracker) Table(leagueCode string) []StateRow {
	return t.rows(leagueCode, t.Snapshot(leagueCode))
}

// SeasonTable is Table for any season the tracker has seen.
func (t *Tracker) SeasonTable(leagueCode, season string) ([]StateRow, bool) {
	states, ok := t.Archive(leagueCode, season)
	if !ok {
		return nil, false
	}
	return t.rows(leagueCode, states), true
}

func (t *Tracker) rows(leagueCode string, states map[string]TeamSeasonState) []StateRow {
	rows := make([]StateRow, 0, len(states))
	for _, s := range states {
		f := formOf(s.log, t.cfg.FormWindow)
		rows = append(rows, StateRow{
			League:       leagueCode,
			Season:       s.Season,
			Team:         s.Team,
			Rating:       s.Rating,
			Played:       s.Played,
			Points:       s.Points,
			GoalsFor:     s.GoalsFor,
			GoalsAgainst: s.GoalsAgainst,
			FormPPG:      f.PointsPerGame,
			FormGoalDiff: f.GoalDiffAvg,
			LastMatch:    s.LastMatch,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Rating != rows[j].Rating {
			return rows[i].Rating > rows[j].Rating
		}
		return rows[i].Team < rows[j].Team
	})
	return rows
}

type side struct {
	elo, played, ppg, gdpg, recentPts, recentGD, rest float64
}

func (t *Tracker) side(ls *leagueState, team string, asOf time.Time) side {
	sd := side{elo: t.cfg.BaseRating, rest: t.cfg.DefaultRestDays}
	if ls == nil {
		return sd
	}
	ss := ls.seasonAt(asOf)
	if ss == nil {
		return sd
	}
	s, ok := ss.states[team]
	if !ok {
		sd.elo = ss.startRating(team, t.cfg.BaseRating)
		return sd
	}
	sd.elo = s.ratingAt(asOf)
	prior := s.before(asOf)
	season := formOf(prior, 0)
	recent := formOf(prior, t.cfg.FormWindow)
	sd.played = float64(season.Matches)
	sd.ppg = season.PointsPerGame
	sd.gdpg = season.GoalDiffAvg
	sd.recentPts = recent.PointsPerGame
	sd.recentGD = recent.GoalDiffAvg
	if len(prior) > 0 {
		sd.rest = asOf.Sub(prior[len(prior)-1].date).Hours() / 24
	}
	return sd
}

// Features builds the pre-match vector for home vs away on asOf from data
// dated strictly before asOf. A team with fewer than MinHistory league
// matches yields a neutral, low-confidence vector.
func (t *Tracker) Features(leagueCode, home, away string, asOf time.Time) model.FeatureVector {
	ls := t.leagues[leagueCode]
	h := t.side(ls, home, asOf)
	a := t.side(ls, away, asOf)

	var gap error
	if ls == nil {
		gap = &DataGapError{League: leagueCode, Team: home, Have: 0, Need: t.cfg.MinHistory}
	} else {
		for _, team := range [2]string{home, away} {
			if have := ls.history(team, asOf); have < t.cfg.MinHistory {
				gap = &DataGapError{League: leagueCode, Team: team, Have: have, Need: t.cfg.MinHistory}
				break
			}
		}
	}

	var h2h float64
	if gap == nil {
		h2h = t.HeadToHead(leagueCode, home, away, asOf).PointsDiff()
	} else {
		// neutral: both sides look identical so no differential carries signal
		mean := (h.elo + a.elo) / 2
		h = side{elo: mean, played: h.played, rest: t.cfg.DefaultRestDays}
		a = side{elo: mean, played: a.played, rest: t.cfg.DefaultRestDays}
	}

	values := []float64{
		h.elo, a.elo, h.elo - a.elo,
		h.played, a.played,
		h.ppg, a.ppg, h.ppg - a.ppg,
		h.gdpg, a.gdpg, h.gdpg - a.gdpg,
		h.recentPts, a.recentPts, h.recentPts - a.recentPts,
		h.recentGD, a.recentGD, h.recentGD - a.recentGD,
		h.rest, a.rest, h.rest - a.rest,
		h2h,
		float64(asOf.Month()), float64((int(asOf.Weekday()) + 6) % 7),
	}
	fv, err := model.NewFeatureVector(model.DefaultSchema, leagueCode, home, away, asOf, values)
	if err != nil {
		// DefaultSchema and values above are built together
		panic(err)
	}
	if gap != nil {
		fv.LowConfidence = true
		fv.Gap = gap
		t.log.WithFields(logrus.Fields{
			"league": leagueCode,
			"home":   home,
			"away":   away,
		}).WithError(gap).Debug("Neutral features for short history")
	}
	return fv
}
