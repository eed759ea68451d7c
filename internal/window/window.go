// Package window implements the Window Engine (C5, spec §4.5): given a
// machine's active process order and reference data, it slices the order
// interval into one-hour buckets and computes per-bucket overlap minutes
// against production, breaks, planned downtime, unplanned downtime, and
// micro-stops.
package window

import (
	"log"
	"time"

	"github.com/schmeckm/OEE-Solution-sub000/internal/models"
)

// Engine computes hourly datasets. It is stateless; all inputs are passed
// per call.
type Engine struct {
	logger *log.Logger
}

// New builds an Engine. A nil logger falls back to the standard logger.
func New(logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{logger: logger}
}

// Compute produces the HourlyDataset for order, given the downtime records
// and shifts belonging to its machine (spec §4.5).
func (e *Engine) Compute(order *models.ProcessOrder, planned, unplanned, microstops []models.DowntimeRecord, shifts []models.Shift) models.HourlyDataset {
	start := floorToHour(order.EffectiveStart())
	end := ceilToHour(order.EffectiveEnd())

	out := models.HourlyDataset{
		MachineID:   order.MachineID,
		OrderNumber: order.OrderNumber,
	}

	seen := make(map[string]bool)
	for bucketStart := start; bucketStart.Before(end); bucketStart = bucketStart.Add(time.Hour) {
		bucketEnd := bucketStart.Add(time.Hour)
		label := bucketStart.UTC().Format(time.RFC3339)

		if seen[label] {
			e.logger.Printf("window: duplicate hour label %s for order %s, skipping", label, order.OrderNumber)
			continue
		}
		seen[label] = true

		plannedMin := sumOverlapMinutes(bucketStart, bucketEnd, order, planned)
		unplannedMin := sumOverlapMinutes(bucketStart, bucketEnd, order, unplanned)
		microMin := sumOverlapMinutes(bucketStart, bucketEnd, order, microstops)
		breakMin := sumBreakMinutes(bucketStart, bucketEnd, order.MachineID, shifts)

		productionMin := 60 - breakMin - plannedMin - unplannedMin - microMin
		if productionMin < 0 {
			productionMin = 0
		}

		out.Labels = append(out.Labels, label)
		out.ProductionMinutes = append(out.ProductionMinutes, productionMin)
		out.BreakMinutes = append(out.BreakMinutes, breakMin)
		out.PlannedMinutes = append(out.PlannedMinutes, plannedMin)
		out.UnplannedMinutes = append(out.UnplannedMinutes, unplannedMin)
		out.MicrostopMinutes = append(out.MicrostopMinutes, microMin)
	}

	return out
}

// Overlap returns max(0, min(b,d) - max(a,c)) in whole minutes (spec §4.5).
func Overlap(a, b, c, d time.Time) int {
	lo := a
	if c.After(lo) {
		lo = c
	}
	hi := b
	if d.Before(hi) {
		hi = d
	}
	if hi.Before(lo) {
		return 0
	}
	minutes := int(hi.Sub(lo).Minutes())
	if minutes < 0 {
		return 0
	}
	return minutes
}

func sumOverlapMinutes(bucketStart, bucketEnd time.Time, order *models.ProcessOrder, records []models.DowntimeRecord) int {
	orderStart, orderEnd := order.EffectiveStart(), order.EffectiveEnd()
	total := 0
	for _, r := range records {
		if r.MachineID != order.MachineID {
			continue
		}
		// Clip the record to the order window first (spec §4.5 edge case:
		// "records straddling the order boundary contribute only their
		// overlap with the order window").
		clipStart, clipEnd := r.Start, r.End
		if clipStart.Before(orderStart) {
			clipStart = orderStart
		}
		if clipEnd.After(orderEnd) {
			clipEnd = orderEnd
		}
		if !clipEnd.After(clipStart) {
			continue
		}
		total += Overlap(bucketStart, bucketEnd, clipStart, clipEnd)
	}
	return total
}

func sumBreakMinutes(bucketStart, bucketEnd time.Time, machineID string, shifts []models.Shift) int {
	total := 0
	for _, s := range shifts {
		if s.MachineID != machineID {
			continue
		}
		breakStart, breakEnd := s.MaterializeBreak(bucketStart)
		total += Overlap(bucketStart, bucketEnd, breakStart, breakEnd)
		// A break materialized against the previous day can still reach
		// into this bucket (overnight shift, spec edge case E); check that
		// day too.
		prevStart, prevEnd := s.MaterializeBreak(bucketStart.Add(-24 * time.Hour))
		total += Overlap(bucketStart, bucketEnd, prevStart, prevEnd)
	}
	return total
}

func floorToHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

func ceilToHour(t time.Time) time.Time {
	u := t.UTC()
	floor := u.Truncate(time.Hour)
	if floor.Equal(u) {
		return floor
	}
	return floor.Add(time.Hour)
}
