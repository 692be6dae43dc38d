// Package models defines the domain types shared across the service.
package models

import (
	"fmt"
	"time"
)

// Resolution is the granularity of a metering time series.
type Resolution string

const (
	ResolutionFifteenMin Resolution = "FIFTEEN_MIN"
	ResolutionHour       Resolution = "HOUR"
	ResolutionWeek       Resolution = "WEEK"
	ResolutionMonth      Resolution = "MONTH"
)

// resolutionLabels maps config labels to API resolution values.
var resolutionLabels = map[string]Resolution{
	"15min": ResolutionFifteenMin,
	"1h":    ResolutionHour,
	"1w":    ResolutionWeek,
	"1m":    ResolutionMonth,
}

// ParseResolution converts a config label ("15min", "1h", "1w", "1m") or a
// raw API value ("HOUR", ...) to a Resolution.
func ParseResolution(s string) (Resolution, error) {
	if r, ok := resolutionLabels[s]; ok {
		return r, nil
	}
	switch Resolution(s) {
	case ResolutionFifteenMin, ResolutionHour, ResolutionWeek, ResolutionMonth:
		return Resolution(s), nil
	}
	return "", fmt.Errorf("invalid resolution: %q", s)
}

// CommodityType distinguishes electricity and gas metering points.
type CommodityType string

const (
	CommodityElectricity CommodityType = "ELECTRICITY"
	CommodityGas         CommodityType = "GAS"
)

// MeteringPoint is a metering point the credentials grant access to.
// Read-only after discovery.
type MeteringPoint struct {
	EIC       string        `json:"eic"`
	Commodity CommodityType `json:"commodityType"`
}

// DataPoint is a single measurement field at a timestamp. Immutable once
// stored; identity within a series is (timestamp, field).
type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Field     string    `json:"field"`
	Value     float64   `json:"value"`
}

// TimeRange is a half-open [Start, End) interval.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether r fully covers other.
func (r TimeRange) Contains(other TimeRange) bool {
	return !r.Start.After(other.Start) && !r.End.Before(other.End)
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// MaxBackfillDays bounds a single backfill request span.
const MaxBackfillDays = 365

// BackfillRequest asks for historical data over [StartDay, EndDay],
// inclusive of both days.
type BackfillRequest struct {
	EIC        string     `json:"eic"`
	StartDay   time.Time  `json:"startDay"`
	EndDay     time.Time  `json:"endDay"`
	Resolution Resolution `json:"resolution"`
}

// Validate enforces the entry constraints on the request span.
func (r BackfillRequest) Validate() error {
	if r.EIC == "" {
		return fmt.Errorf("backfill request: missing EIC")
	}
	start := r.StartDay.Truncate(24 * time.Hour)
	end := r.EndDay.Truncate(24 * time.Hour)
	if end.Before(start) {
		return fmt.Errorf("backfill request: end day %s before start day %s",
			end.Format("2006-01-02"), start.Format("2006-01-02"))
	}
	if days := int(end.Sub(start).Hours()/24) + 1; days > MaxBackfillDays {
		return fmt.Errorf("backfill request: span %d days exceeds %d-day limit", days, MaxBackfillDays)
	}
	return nil
}

// BackfillStatus is the state of a backfill run.
type BackfillStatus string

const (
	BackfillPending               BackfillStatus = "pending"
	BackfillRunning               BackfillStatus = "running"
	BackfillCompleted             BackfillStatus = "completed"
	BackfillCompletedWithFailures BackfillStatus = "completed_with_failures"
	BackfillAborted               BackfillStatus = "aborted"
)

// BackfillResult aggregates the outcome of a backfill run so callers can
// report partial success.
type BackfillResult struct {
	RunID         string         `json:"runId"`
	Status        BackfillStatus `json:"status"`
	PointsFetched int            `json:"pointsFetched"`
	ChunksSkipped int            `json:"chunksSkipped"`
	ChunksFailed  int            `json:"chunksFailed"`
}
