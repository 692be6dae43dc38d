package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/balticgrid/estfeed/internal/models"
)

func day(d int) time.Time {
	return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
}

func r(start, end int) models.TimeRange {
	return models.TimeRange{Start: day(start), End: day(end)}
}

func TestMergeRanges(t *testing.T) {
	tests := []struct {
		name   string
		input  []models.TimeRange
		expect []models.TimeRange
	}{
		{
			name:   "empty",
			input:  nil,
			expect: nil,
		},
		{
			name:   "single",
			input:  []models.TimeRange{r(1, 5)},
			expect: []models.TimeRange{r(1, 5)},
		},
		{
			name:   "overlapping merge into one",
			input:  []models.TimeRange{r(1, 5), r(3, 8)},
			expect: []models.TimeRange{r(1, 8)},
		},
		{
			name:   "touching ranges coalesce",
			input:  []models.TimeRange{r(1, 3), r(3, 5)},
			expect: []models.TimeRange{r(1, 5)},
		},
		{
			name:   "disjoint stay separate and ordered",
			input:  []models.TimeRange{r(10, 12), r(1, 3)},
			expect: []models.TimeRange{r(1, 3), r(10, 12)},
		},
		{
			name:   "contained range is absorbed",
			input:  []models.TimeRange{r(1, 10), r(3, 5)},
			expect: []models.TimeRange{r(1, 10)},
		},
		{
			name:   "empty ranges are dropped",
			input:  []models.TimeRange{r(5, 5), r(1, 2)},
			expect: []models.TimeRange{r(1, 2)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, MergeRanges(tt.input))
		})
	}
}

func TestCovered(t *testing.T) {
	merged := MergeRanges([]models.TimeRange{r(1, 5), r(10, 20)})

	assert.True(t, Covered(merged, r(2, 4)))
	assert.True(t, Covered(merged, r(1, 5)))
	assert.True(t, Covered(merged, r(10, 20)))
	assert.False(t, Covered(merged, r(4, 11)), "gap between ranges is not covered")
	assert.False(t, Covered(merged, r(20, 21)))
	assert.False(t, Covered(nil, r(1, 2)))
}
