package storage

import (
	"sort"

	"github.com/balticgrid/estfeed/internal/models"
)

// MergeRanges normalizes a set of half-open intervals into an ordered,
// non-overlapping sequence. Touching intervals are coalesced, so caching
// [day1,day5) and then [day3,day8) yields the single range [day1,day8).
func MergeRanges(ranges []models.TimeRange) []models.TimeRange {
	if len(ranges) == 0 {
		return nil
	}

	sorted := make([]models.TimeRange, 0, len(ranges))
	for _, r := range ranges {
		if r.End.After(r.Start) {
			sorted = append(sorted, r)
		}
	}
	if len(sorted) == 0 {
		return nil
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	merged := []models.TimeRange{sorted[0]}
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if r.Start.After(last.End) {
			merged = append(merged, r)
			continue
		}
		if r.End.After(last.End) {
			last.End = r.End
		}
	}
	return merged
}

// Covered reports whether target is fully inside one of the merged,
// ordered ranges.
func Covered(ranges []models.TimeRange, target models.TimeRange) bool {
	for _, r := range ranges {
		if r.Contains(target) {
			return true
		}
		if r.Start.After(target.Start) {
			break
		}
	}
	return false
}
