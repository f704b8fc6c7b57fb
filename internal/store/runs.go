package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/utakatalp/league-outlook/internal/aggregate"
)

// SaveRun persists a run's manifest, per-team estimates and leader trend.
func (s *Store) SaveRun(ctx context.Context, est aggregate.LeagueEstimate) error {
	m := est.Manifest
	if m.RunID == "" {
		return errors.New("run has no id")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin SaveRun tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`
INSERT INTO simulation_runs (run_id, league, season, seed, replicas, valid_replicas, invalid_replicas,
    invalid_rate, unreliable, partial, remaining_fixtures, model_name, model_version, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
`),
		m.RunID, m.League, m.Season, int64(m.Seed), m.Replicas, m.Valid, m.Invalid,
		m.InvalidRate, m.Unreliable, m.Partial, m.RemainingFixtures, m.ModelName, m.ModelVersion,
		m.StartedAt.UTC().Format(stampLayout), m.FinishedAt.UTC().Format(stampLayout),
	)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", m.RunID, err)
	}

	teamQ := s.rebind(`
INSERT INTO simulation_estimates (run_id, team, champion_probability, champion_low, champion_high,
    top4_probability, expected_points, points_std_dev, expected_points_low, expected_points_high, points_min, points_max)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`)
	for _, t := range est.Teams {
		if _, err := tx.ExecContext(ctx, teamQ,
			m.RunID, t.Team, t.ChampionProbability, t.ChampionInterval.Low, t.ChampionInterval.High,
			t.TopProbability, t.ExpectedPoints, t.PointsStdDev, t.ExpectedPointsCI.Low, t.ExpectedPointsCI.High,
			t.PointsRange.Low, t.PointsRange.High,
		); err != nil {
			return fmt.Errorf("saving estimate for %s: %w", t.Team, err)
		}
	}

	trendQ := s.rebind(`
INSERT INTO simulation_leader_trend (run_id, position, week, leader, probability)
VALUES ($1, $2, $3, $4, $5)
`)
	for i, w := range est.LeaderTrend {
		if _, err := tx.ExecContext(ctx, trendQ, m.RunID, i, w.Week, w.Leader, w.Probability); err != nil {
			return fmt.Errorf("saving leader trend week %d: %w", w.Week, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit SaveRun tx: %w", err)
	}
	return nil
}

const runColumns = `run_id, league, season, seed, replicas, valid_replicas, invalid_replicas,
    invalid_rate, unreliable, partial, remaining_fixtures, model_name, model_version, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanManifest(row scanner) (aggregate.Manifest, error) {
	var (
		m                 aggregate.Manifest
		seed              int64
		started, finished string
	)
	if err := row.Scan(&m.RunID, &m.League, &m.Season, &seed, &m.Replicas, &m.Valid, &m.Invalid,
		&m.InvalidRate, &m.Unreliable, &m.Partial, &m.RemainingFixtures, &m.ModelName, &m.ModelVersion,
		&started, &finished); err != nil {
		return m, err
	}
	m.Seed = uint64(seed)
	var err error
	if m.StartedAt, err = time.Parse(stampLayout, started); err != nil {
		return m, fmt.Errorf("parsing started_at: %w", err)
	}
	if m.FinishedAt, err = time.Parse(stampLayout, finished); err != nil {
		return m, fmt.Errorf("parsing finished_at: %w", err)
	}
	return m, nil
}

// LoadRun reads a stored run back into a LeagueEstimate. Teams come back in
// the order the aggregator ranked them.
func (s *Store) LoadRun(ctx context.Context, runID string) (aggregate.LeagueEstimate, error) {
	var est aggregate.LeagueEstimate
	row := s.DB.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM simulation_runs WHERE run_id = $1`), runID)
	m, err := scanManifest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return est, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return est, fmt.Errorf("loading run %s: %w", runID, err)
	}
	est.Manifest = m

	rows, err := s.DB.QueryContext(ctx, s.rebind(`
SELECT team, champion_probability, champion_low, champion_high, top4_probability, expected_points,
    points_std_dev, expected_points_low, expected_points_high, points_min, points_max
FROM simulation_estimates
WHERE run_id = $1
ORDER BY champion_probability DESC, expected_points DESC, team ASC
`), runID)
	if err != nil {
		return est, fmt.Errorf("querying estimates: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t aggregate.TeamEstimate
		if err := rows.Scan(&t.Team, &t.ChampionProbability, &t.ChampionInterval.Low, &t.ChampionInterval.High,
			&t.TopProbability, &t.ExpectedPoints, &t.PointsStdDev, &t.ExpectedPointsCI.Low, &t.ExpectedPointsCI.High,
			&t.PointsRange.Low, &t.PointsRange.High); err != nil {
			return est, fmt.Errorf("scanning estimate: %w", err)
		}
		est.Teams = append(est.Teams, t)
	}
	if err := rows.Err(); err != nil {
		return est, fmt.Errorf("iterating estimate rows: %w", err)
	}

	trend, err := s.DB.QueryContext(ctx, s.rebind(`
SELECT week, leader, probability FROM simulation_leader_trend WHERE run_id = $1 ORDER BY position
`), runID)
	if err != nil {
		return est, fmt.Errorf("querying leader trend: %w", err)
	}
	defer trend.Close()
	for trend.Next() {
		var w aggregate.WeekLeader
		if err := trend.Scan(&w.Week, &w.Leader, &w.Probability); err != nil {
			return est, fmt.Errorf("scanning leader trend: %w", err)
		}
		est.LeaderTrend = append(est.LeaderTrend, w)
	}
	return est, trend.Err()
}

// ListRuns returns the most recent manifests, newest first. An empty league
// code lists every league.
func (s *Store) ListRuns(ctx context.Context, leagueCode string, limit int) ([]aggregate.Manifest, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + runColumns + ` FROM simulation_runs`
	var args []any
	if leagueCode != "" {
		q += ` WHERE league = $1`
		args = append(args, leagueCode)
	}
	q += fmt.Sprintf(` ORDER BY started_at DESC, run_id LIMIT %d`, limit)

	rows, err := s.DB.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []aggregate.Manifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
