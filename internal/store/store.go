package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/utakatalp/league-outlook/internal/league"
	"github.com/utakatalp/league-outlook/internal/rating"
)

const (
	dateLayout = "2006-01-02"
	// stampLayout is fixed width so that text order is time order.
	stampLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps a SQL connection and persists match history, rating tables
// and simulation runs. Postgres is the production backend; SQLite serves
// local runs and tests.
type Store struct {
	DB     *sql.DB
	driver string
}

// NewStore opens a connection for driver ("postgres" or "sqlite").
func NewStore(driver, dsn string) (*Store, error) {
	switch driver {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if driver == "sqlite" {
		// a single connection keeps in-memory databases shared
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{DB: db, driver: driver}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.DB.Close() }

// rebind rewrites $N placeholders for drivers that expect '?'. Queries use
// each placeholder once and in argument order.
func (s *Store) rebind(q string) string {
	if s.driver == "postgres" {
		return q
	}
	var b strings.Builder
	for i := 0; i < len(q); i++ {
		if q[i] == '$' && i+1 < len(q) && q[i+1] >= '0' && q[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(q) && q[i+1] >= '0' && q[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// Migrate creates the necessary tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS matches (
		    league      TEXT NOT NULL,
		    season      TEXT NOT NULL,
		    week        INT  NOT NULL DEFAULT 0,
		    match_date  TEXT NOT NULL,
		    home_team   TEXT NOT NULL,
		    away_team   TEXT NOT NULL,
		    home_goals  INT,
		    away_goals  INT,
		    PRIMARY KEY (league, season, home_team, away_team, match_date)
		);`,
		`CREATE TABLE IF NOT EXISTS team_ratings (
		    league          TEXT NOT NULL,
		    season          TEXT NOT NULL,
		    team            TEXT NOT NULL,
		    rating          DOUBLE PRECISION NOT NULL,
		    played          INT NOT NULL DEFAULT 0,
		    points          INT NOT NULL DEFAULT 0,
		    goals_for       INT NOT NULL DEFAULT 0,
		    goals_against   INT NOT NULL DEFAULT 0,
		    form_ppg        DOUBLE PRECISION NOT NULL DEFAULT 0,
		    form_goal_diff  DOUBLE PRECISION NOT NULL DEFAULT 0,
		    last_match      TEXT NOT NULL DEFAULT '',
		    PRIMARY KEY (league, season, team)
		);`,
		`CREATE TABLE IF NOT EXISTS simulation_runs (
		    run_id              TEXT PRIMARY KEY,
		    league              TEXT NOT NULL,
		    season              TEXT NOT NULL,
		    seed                BIGINT NOT NULL,
		    replicas            INT NOT NULL,
		    valid_replicas      BIGINT NOT NULL,
		    invalid_replicas    BIGINT NOT NULL,
		    invalid_rate        DOUBLE PRECISION NOT NULL,
		    unreliable          BOOLEAN NOT NULL,
		    partial             BOOLEAN NOT NULL,
		    remaining_fixtures  INT NOT NULL,
		    model_name          TEXT NOT NULL,
		    model_version       TEXT NOT NULL,
		    started_at          TEXT NOT NULL,
		    finished_at         TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS simulation_estimates (
		    run_id                TEXT NOT NULL REFERENCES simulation_runs(run_id),
		    team                  TEXT NOT NULL,
		    champion_probability  DOUBLE PRECISION NOT NULL,
		    champion_low          DOUBLE PRECISION NOT NULL,
		    champion_high         DOUBLE PRECISION NOT NULL,
		    top4_probability      DOUBLE PRECISION NOT NULL,
		    expected_points       DOUBLE PRECISION NOT NULL,
		    points_std_dev        DOUBLE PRECISION NOT NULL,
		    expected_points_low   DOUBLE PRECISION NOT NULL,
		    expected_points_high  DOUBLE PRECISION NOT NULL,
		    points_min            DOUBLE PRECISION NOT NULL,
		    points_max            DOUBLE PRECISION NOT NULL,
		    PRIMARY KEY (run_id, team)
		);`,
		`CREATE TABLE IF NOT EXISTS simulation_leader_trend (
		    run_id       TEXT NOT NULL REFERENCES simulation_runs(run_id),
		    position     INT NOT NULL,
		    week         INT NOT NULL,
		    leader       TEXT NOT NULL,
		    probability  DOUBLE PRECISION NOT NULL,
		    PRIMARY KEY (run_id, position)
		);`,
	}
	for _, q := range queries {
		if _, err := s.DB.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrating: %w", err)
		}
	}
	return nil
}

// SaveMatches upserts matches, updating results of already stored fixtures.
func (s *Store) SaveMatches(ctx context.Context, matches []league.Match) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin SaveMatches tx: %w", err)
	}
	defer tx.Rollback()

	q := s.rebind(`
INSERT INTO matches (league, season, week, match_date, home_team, away_team, home_goals, away_goals)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (league, season, home_team, away_team, match_date)
DO UPDATE SET week = excluded.week, home_goals = excluded.home_goals, away_goals = excluded.away_goals
`)
	for _, m := range matches {
		var hg, ag sql.NullInt64
		if m.Result != nil {
			hg = sql.NullInt64{Int64: int64(m.Result.HomeGoals), Valid: true}
			ag = sql.NullInt64{Int64: int64(m.Result.AwayGoals), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, q,
			m.League, m.Season, m.Week, m.Date.Format(dateLayout), m.Home, m.Away, hg, ag,
		); err != nil {
			return fmt.Errorf("saving match %s: %w", m.ScoreLine(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit SaveMatches tx: %w", err)
	}
	return nil
}

// LoadMatches fetches a league's matches in chronological order. An empty
// league code loads every league.
func (s *Store) LoadMatches(ctx context.Context, leagueCode string) ([]league.Match, error) {
	q := `
SELECT league, season, week, match_date, home_team, away_team, home_goals, away_goals
FROM matches`
	var args []any
	if leagueCode != "" {
		q += ` WHERE league = $1`
		args = append(args, leagueCode)
	}
	q += ` ORDER BY league, match_date, home_team`

	rows, err := s.DB.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("querying matches: %w", err)
	}
	defer rows.Close()

	var matches []league.Match
	for rows.Next() {
		var (
			m      league.Match
			date   string
			hg, ag sql.NullInt64
		)
		if err := rows.Scan(&m.League, &m.Season, &m.Week, &date, &m.Home, &m.Away, &hg, &ag); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		if m.Date, err = time.Parse(dateLayout, date); err != nil {
			return nil, fmt.Errorf("parsing match date %q: %w", date, err)
		}
		if hg.Valid && ag.Valid {
			m.Result = &league.Score{HomeGoals: int(hg.Int64), AwayGoals: int(ag.Int64)}
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating matches rows: %w", err)
	}
	return matches, nil
}

// Leagues lists league codes with stored matches.
func (s *Store) Leagues(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT DISTINCT league FROM matches ORDER BY league`)
	if err != nil {
		return nil, fmt.Errorf("querying leagues: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scanning league: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// SaveRatings replaces the rating table rows of each given team-season.
func (s *Store) SaveRatings(ctx context.Context, table []rating.StateRow) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin SaveRatings tx: %w", err)
	}
	defer tx.Rollback()

	q := s.rebind(`
INSERT INTO team_ratings (league, season, team, rating, played, points, goals_for, goals_against, form_ppg, form_goal_diff, last_match)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (league, season, team)
DO UPDATE SET
    rating         = excluded.rating,
    played         = excluded.played,
    points         = excluded.points,
    goals_for      = excluded.goals_for,
    goals_against  = excluded.goals_against,
    form_ppg       = excluded.form_ppg,
    form_goal_diff = excluded.form_goal_diff,
    last_match     = excluded.last_match
`)
	for _, r := range table {
		last := ""
		if !r.LastMatch.IsZero() {
			last = r.LastMatch.Format(dateLayout)
		}
		if _, err := tx.ExecContext(ctx, q,
			r.League, r.Season, r.Team, r.Rating, r.Played, r.Points,
			r.GoalsFor, r.GoalsAgainst, r.FormPPG, r.FormGoalDiff, last,
		); err != nil {
			return fmt.Errorf("saving rating of %s: %w", r.Team, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit SaveRatings tx: %w", err)
	}
	return nil
}

// LoadRatings returns a league-season's rating table by rating descending.
func (s *Store) LoadRatings(ctx context.Context, leagueCode, season string) ([]rating.StateRow, error) {
	const q = `
SELECT league, season, team, rating, played, points, goals_for, goals_against, form_ppg, form_goal_diff, last_match
FROM team_ratings
WHERE league = $1 AND season = $2
ORDER BY rating DESC, team ASC
`
	rows, err := s.DB.QueryContext(ctx, s.rebind(q), leagueCode, season)
	if err != nil {
		return nil, fmt.Errorf("querying ratings: %w", err)
	}
	defer rows.Close()

	var table []rating.StateRow
	for rows.Next() {
		var (
			r    rating.StateRow
			last string
		)
		if err := rows.Scan(&r.League, &r.Season, &r.Team, &r.Rating, &r.Played, &r.Points,
			&r.GoalsFor, &r.GoalsAgainst, &r.FormPPG, &r.FormGoalDiff, &last); err != nil {
			return nil, fmt.Errorf("scanning rating row: %w", err)
		}
		if last != "" {
			if r.LastMatch, err = time.Parse(dateLayout, last); err != nil {
				return nil, fmt.Errorf("parsing last match %q: %w", last, err)
			}
		}
		table = append(table, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rating rows: %w", err)
	}
	return table, nil
}

// DeleteLeague removes a league's matches and ratings, e.g. before a full
// reload from a new data feed.
func (s *Store) DeleteLeague(ctx context.Context, leagueCode string) error {
	for _, table := range []string{"matches", "team_ratings"} {
		if _, err := s.DB.ExecContext(ctx, s.rebind(`DELETE FROM `+table+` WHERE league = $1`), leagueCode); err != nil {
			return fmt.Errorf("deleting %s of %s: %w", table, leagueCode, err)
		}
	}
	return nil
}
