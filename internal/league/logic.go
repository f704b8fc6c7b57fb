// internal/league/logic.go
package league

import (
	"sort"
	"time"
)

// CalculateTable builds the ordered standings for teams from the played
// matches. Teams without a played match still appear with zero rows.
func CalculateTable(teams []string, matches []Match) []Standing {
	entries := make(map[string]*Standing, len(teams))
	for _, t := range teams {
		entries[t] = &Standing{Team: t}
	}
	entry := func(name string) *Standing {
		e, ok := entries[name]
		if !ok {
			e = &Standing{Team: name}
			entries[name] = e
		}
		return e
	}

	for _, m := range matches {
		if m.Result == nil {
			continue
		}
		home, away := entry(m.Home), entry(m.Away)

		home.Played++
		away.Played++

		home.GoalsFor += m.Result.HomeGoals
		home.GoalsAgainst += m.Result.AwayGoals
		away.GoalsFor += m.Result.AwayGoals
		away.GoalsAgainst += m.Result.HomeGoals

		switch m.Result.Outcome() {
		case HomeWin:
			home.Wins++
			away.Losses++
			home.Points += 3
		case AwayWin:
			away.Wins++
			home.Losses++
			away.Points += 3
		default:
			home.Draws++
			away.Draws++
			home.Points++
			away.Points++
		}
	}

	table := make([]Standing, 0, len(entries))
	for _, e := range entries {
		e.GoalDiff = e.GoalsFor - e.GoalsAgainst
		table = append(table, *e)
	}
	SortTable(table)
	return table
}

// SortTable orders rows in place by the league tie-break rule.
func SortTable(table []Standing) {
	sort.Slice(table, func(i, j int) bool {
		return table[i].Above(table[j])
	})
}

// GenerateSchedule returns a single round-robin for the provided teams using
// the circle method. Each round is a slice of (home, away) pairings.
func GenerateSchedule(teams []string) [][][2]string {
	ring := make([]string, len(teams))
	copy(ring, teams)
	// odd number of teams: an empty slot is the bye
	if len(ring)%2 != 0 {
		ring = append(ring, "")
	}
	n := len(ring)
	if n < 2 {
		return nil
	}

	rounds := make([][][2]string, n-1)
	for i := 0; i < n-1; i++ {
		round := make([][2]string, 0, n/2)
		for j := 0; j < n/2; j++ {
			home, away := ring[j], ring[n-1-j]
			if home == "" || away == "" {
				continue
			}
			// alternate the fixed team's venue so home games spread out
			if j == 0 && i%2 == 1 {
				home, away = away, home
			}
			round = append(round, [2]string{home, away})
		}
		rounds[i] = round

		// rotate everyone except the first slot
		last := ring[n-1]
		copy(ring[2:], ring[1:n-1])
		ring[1] = last
	}
	return rounds
}

// GenerateFullSeason returns a double round-robin: the second half mirrors
// the first with venues swapped.
func GenerateFullSeason(teams []string) [][][2]string {
	firstHalf := GenerateSchedule(teams)
	secondHalf := make([][][2]string, len(firstHalf))
	for i, rnd := range firstHalf {
		swapped := make([][2]string, len(rnd))
		for j, p := range rnd {
			swapped[j] = [2]string{p[1], p[0]}
		}
		secondHalf[i] = swapped
	}
	return append(firstHalf, secondHalf...)
}

// MissingFixtures returns the double round-robin pairings absent from the
// season's matches, dated one round every spacing after start. Week numbers
// continue after lastWeek.
func MissingFixtures(leagueCode, season string, teams []string, existing []Match, start time.Time, spacing time.Duration, lastWeek int) []Match {
	seen := make(map[[2]string]bool, len(existing))
	for _, m := range existing {
		seen[[2]string{m.Home, m.Away}] = true
	}

	sorted := make([]string, len(teams))
	copy(sorted, teams)
	sort.Strings(sorted)

	var out []Match
	date := start
	week := lastWeek
	for _, round := range GenerateFullSeason(sorted) {
		added := false
		for _, p := range round {
			if seen[p] {
				continue
			}
			if !added {
				week++
				added = true
			}
			seen[p] = true
			out = append(out, Match{
				League: leagueCode,
				Season: season,
				Week:   week,
				Date:   date,
				Home:   p[0],
				Away:   p[1],
			})
		}
		if added {
			date = date.Add(spacing)
		}
	}
	return out
}
