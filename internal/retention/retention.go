// Package retention implements the tiered keep/drop policy shared by
// database backups and version snapshots.
package retention

import (
	"sort"
	"time"

	"github.com/scrypster/locai/pkg/types"
)

// Policy defines how many items to keep at each age tier:
//   - Hourly: younger than 24 hours
//   - Daily: 1 to 7 days old
//   - Weekly: 7 to 30 days old
//   - Monthly: 30 to 365 days old
//
// Items older than a year are always dropped.
type Policy struct {
	Hourly  int `json:"hourly" yaml:"hourly" toml:"hourly"`
	Daily   int `json:"daily" yaml:"daily" toml:"daily"`
	Weekly  int `json:"weekly" yaml:"weekly" toml:"weekly"`
	Monthly int `json:"monthly" yaml:"monthly" toml:"monthly"`
}

// DefaultPolicy keeps a day of hourlies, a week of dailies, a month of
// weeklies and a year of monthlies.
func DefaultPolicy() Policy {
	return Policy{Hourly: 24, Daily: 7, Weekly: 4, Monthly: 12}
}

// IsZero reports whether every tier is zero. A zero policy disables
// retention rather than dropping everything.
func (p Policy) IsZero() bool {
	return p == Policy{}
}

// Validate rejects negative tier counts.
func (p Policy) Validate() error {
	if p.Hourly < 0 || p.Daily < 0 || p.Weekly < 0 || p.Monthly < 0 {
		return types.Errorf(types.KindConfiguration, "retention tiers must be >= 0, got %+v", p)
	}
	return nil
}

// Select splits items into kept and dropped according to p, using at for
// each item's timestamp. Within a tier the newest items are kept. Both
// results are ordered newest first.
func Select[T any](items []T, at func(T) time.Time, p Policy, now time.Time) (keep, drop []T) {
	sorted := make([]T, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return at(sorted[i]).After(at(sorted[j]))
	})

	var hourly, daily, weekly, monthly int
	for _, item := range sorted {
		age := now.Sub(at(item))
		var n, limit *int
		switch {
		case age < 24*time.Hour:
			n, limit = &hourly, &p.Hourly
		case age < 7*24*time.Hour:
			n, limit = &daily, &p.Daily
		case age < 30*24*time.Hour:
			n, limit = &weekly, &p.Weekly
		case age < 365*24*time.Hour:
			n, limit = &monthly, &p.Monthly
		default:
			drop = append(drop, item)
			continue
		}
		if *n < *limit {
			*n++
			keep = append(keep, item)
		} else {
			drop = append(drop, item)
		}
	}
	return keep, drop
}
