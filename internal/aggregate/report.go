package aggregate

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Manifest records what a simulation run did, for reproducibility audits.
type Manifest struct {
	RunID             string    `json:"run_id"`
	League            string    `json:"league"`
	Season            string    `json:"season"`
	Seed              uint64    `json:"seed"`
	Replicas          int       `json:"replicas"`
	Valid             int64     `json:"valid_replicas"`
	Invalid           int64     `json:"invalid_replicas"`
	InvalidRate       float64   `json:"invalid_rate"`
	Unreliable        bool      `json:"unreliable"`
	Partial           bool      `json:"partial"`
	RemainingFixtures int       `json:"remaining_fixtures"`
	ModelName         string    `json:"model_name"`
	ModelVersion      string    `json:"model_version"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
}

// NewManifest starts a manifest with a fresh run id.
func NewManifest(leagueCode, season string, seed uint64, replicas int, started time.Time) Manifest {
	return Manifest{
		RunID:     uuid.NewString(),
		League:    leagueCode,
		Season:    season,
		Seed:      seed,
		Replicas:  replicas,
		StartedAt: started,
	}
}

// Close fills the outcome counters from a and flags the run unreliable when
// the invalid rate exceeds threshold.
func (m *Manifest) Close(a *Accumulator, threshold float64, finished time.Time) {
	m.Valid = a.Valid
	m.Invalid = a.Invalid
	m.InvalidRate = a.InvalidRate()
	m.Unreliable = a.Valid == 0 || m.InvalidRate > threshold
	m.Partial = a.Total() < int64(m.Replicas)
	m.FinishedAt = finished
}

// LeagueEstimate is the reportable result of one league's run.
type LeagueEstimate struct {
	Manifest    Manifest       `json:"manifest"`
	Teams       []TeamEstimate `json:"teams"`
	LeaderTrend []WeekLeader   `json:"leader_trend"`
}

// Team returns the estimate for name.
func (le LeagueEstimate) Team(name string) (TeamEstimate, bool) {
	for _, t := range le.Teams {
		if t.Team == name {
			return t, true
		}
	}
	return TeamEstimate{}, false
}

// Summarize reduces a into a LeagueEstimate.
func Summarize(a *Accumulator, m Manifest, level float64) LeagueEstimate {
	return LeagueEstimate{
		Manifest:    m,
		Teams:       a.Estimates(level),
		LeaderTrend: a.LeaderTrend(),
	}
}

// Report is the per-league breakdown of a multi-league run.
type Report struct {
	GeneratedAt time.Time                 `json:"generated_at"`
	Leagues     map[string]LeagueEstimate `json:"leagues"`
}

// LeagueCodes returns the report's leagues in order.
func (r Report) LeagueCodes() []string {
	codes := make([]string, 0, len(r.Leagues))
	for code := range r.Leagues {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Manifests lists every league's manifest.
func (r Report) Manifests() []Manifest {
	var out []Manifest
	for _, code := range r.LeagueCodes() {
		out = append(out, r.Leagues[code].Manifest)
	}
	return out
}
