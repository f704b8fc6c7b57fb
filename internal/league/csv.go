package league

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// football-data.co.uk layouts, newest first
var csvDateLayouts = []string{"02/01/2006", "02/01/06", "2006-01-02"}

// ParseResultsCSV reads a season file in football-data.co.uk layout (Date,
// HomeTeam, AwayTeam, FTHG, FTAG). Rows with blank goals become unplayed
// fixtures; rows without team names are skipped. A Wk column, when present,
// sets the matchweek.
func ParseResultsCSV(r io.Reader, leagueCode, season string) ([]Match, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	headers := records[0]
	col := make(map[string]int, len(headers))
	for i, h := range headers {
		col[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, required := range []string{"Date", "HomeTeam", "AwayTeam", "FTHG", "FTAG"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %s", required)
		}
	}
	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var matches []Match
	for n, rec := range records[1:] {
		row := n + 2
		home, away := field(rec, "HomeTeam"), field(rec, "AwayTeam")
		if home == "" || away == "" {
			continue
		}
		date, err := parseCSVDate(field(rec, "Date"))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		m := Match{League: leagueCode, Season: season, Date: date, Home: home, Away: away}
		if wk := field(rec, "Wk"); wk != "" {
			if m.Week, err = strconv.Atoi(wk); err != nil {
				return nil, fmt.Errorf("row %d: invalid week %q", row, wk)
			}
		}

		hg, ag := field(rec, "FTHG"), field(rec, "FTAG")
		if hg != "" && ag != "" {
			var s Score
			if s.HomeGoals, err = strconv.Atoi(hg); err != nil {
				return nil, fmt.Errorf("row %d: invalid FTHG %q", row, hg)
			}
			if s.AwayGoals, err = strconv.Atoi(ag); err != nil {
				return nil, fmt.Errorf("row %d: invalid FTAG %q", row, ag)
			}
			if s.HomeGoals < 0 || s.AwayGoals < 0 {
				return nil, fmt.Errorf("row %d: negative score %d-%d", row, s.HomeGoals, s.AwayGoals)
			}
			m.Result = &s
		}
		matches = append(matches, m)
	}
	return matches, nil
}

func parseCSVDate(s string) (time.Time, error) {
	for _, layout := range csvDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("could not parse date %q", s)
}
