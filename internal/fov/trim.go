package fov

import (
	"log/slog"
	"sort"
)

// TrimOptions limits the catalog before processing.
type TrimOptions struct {
	// Proteins keeps only rows whose ProteinDisplayName is listed. Empty keeps all.
	Proteins []string
	// MaxPerCohort keeps at most this many FOVs per cell line, choosing the
	// smallest FOVId_rng values. Zero or negative disables the limit.
	MaxPerCohort int
}

// Trim applies opts to rows and returns the survivors in their original order.
func Trim(rows []Row, opts TrimOptions, log *slog.Logger) []Row {
	if log == nil {
		log = slog.Default()
	}

	filtered := rows
	if len(opts.Proteins) > 0 {
		allowed := make(map[string]struct{}, len(opts.Proteins))
		for _, p := range opts.Proteins {
			allowed[p] = struct{}{}
		}
		filtered = make([]Row, 0, len(rows))
		for _, r := range rows {
			if _, ok := allowed[r.ProteinDisplayName]; ok {
				filtered = append(filtered, r)
			}
		}
	}
	if opts.MaxPerCohort <= 0 {
		return filtered
	}

	cohorts := make(map[string][]Row)
	var order []string
	for _, r := range filtered {
		key := r.Cohort()
		if _, ok := cohorts[key]; !ok {
			order = append(order, key)
		}
		cohorts[key] = append(cohorts[key], r)
	}

	keep := make(map[int64]struct{})
	for _, key := range order {
		members := Unique(cohorts[key])
		if len(members) < opts.MaxPerCohort {
			log.Warn("fewer FOVs than requested, keeping all", "cohort", key, "available", len(members), "requested", opts.MaxPerCohort)
		}
		sort.SliceStable(members, func(i, j int) bool { return members[i].Rand < members[j].Rand })
		for i, r := range members {
			if i >= opts.MaxPerCohort {
				break
			}
			keep[r.FOVId] = struct{}{}
		}
	}

	out := make([]Row, 0, len(keep))
	for _, r := range filtered {
		if _, ok := keep[r.FOVId]; ok {
			out = append(out, r)
		}
	}
	return out
}
