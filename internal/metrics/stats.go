package metrics

import (
	"sort"
	"time"

	"leakwatch/internal/model"
)

// Summary is a basic statistics snapshot over visit records.
type Summary struct {
	Count           int
	From            time.Time
	To              time.Time
	UniqueAddresses int
	UniqueCountries int
	// Unresolved counts records whose country is unknown.
	Unresolved       int
	TopCountry       string
	TopCountryVisits int
}

// Summarize computes summary figures for records observed at or after since.
func Summarize(items []model.LocationRecord, since time.Time) Summary {
	filtered := make([]model.LocationRecord, 0, len(items))
	for _, r := range items {
		if !r.Observed().Before(since) {
			filtered = append(filtered, r)
		}
	}

	if len(filtered) == 0 {
		return Summary{Count: 0}
	}

	addresses := map[string]struct{}{}
	countries := map[string]int{}
	unresolved := 0
	from := filtered[0].Observed()
	to := from

	for _, r := range filtered {
		addresses[r.Address] = struct{}{}
		if r.Country == "" || r.Country == model.Unknown {
			unresolved++
		} else {
			countries[r.Country]++
		}
		ts := r.Observed()
		if ts.Before(from) {
			from = ts
		}
		if ts.After(to) {
			to = ts
		}
	}

	top, topVisits := topCountry(countries)
	return Summary{
		Count:            len(filtered),
		From:             from,
		To:               to,
		UniqueAddresses:  len(addresses),
		UniqueCountries:  len(countries),
		Unresolved:       unresolved,
		TopCountry:       top,
		TopCountryVisits: topVisits,
	}
}

// topCountry breaks ties alphabetically.
func topCountry(counts map[string]int) (string, int) {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	best, bestCount := "", 0
	for _, name := range names {
		if counts[name] > bestCount {
			best, bestCount = name, counts[name]
		}
	}
	return best, bestCount
}
