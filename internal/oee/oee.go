// Package oee implements the OEE Calculator (C6, spec §4.6): per-machine
// state plus availability/performance/quality/OEE computation and
// classification. Grounded on savegress/iotsense/internal/oee/tracker.go's
// calculateOEE shape (a per-entity mutex-guarded map, clamp helper), adapted
// from iotsense's daily-aggregate model to spec.md's per-order/takt model.
package oee

import (
	"sync"
	"time"

	"github.com/schmeckm/OEE-Solution-sub000/internal/errs"
	"github.com/schmeckm/OEE-Solution-sub000/internal/models"
)

// state is the per-machine OEE state initialized from the active order.
type state struct {
	order *models.ProcessOrder

	plant string
	area  string

	runtime           float64
	plannedQuantity   float64
	targetPerformance float64

	plannedTakt float64
	actualTakt  float64
	expectedEnd time.Time

	lastMetrics *models.OEEMetrics
}

// Calculator holds per-machine OEE state for the process lifetime (spec
// §3 Lifecycle). Safe for concurrent use across machines; a single
// machine's state is only ever touched by that machine's worker (spec §5).
type Calculator struct {
	asPercent bool

	mu     sync.Mutex
	states map[string]*state
}

// New builds a Calculator. asPercent selects whether ComputeMetrics reports
// availability/performance/quality/oee as percentages (spec §6 oeeAsPercent).
func New(asPercent bool) *Calculator {
	return &Calculator{asPercent: asPercent, states: make(map[string]*state)}
}

// Init (re)initializes a machine's OEE state from its active order and the
// Machine it runs on (spec §4.6 "State init"). Plant/area are carried on the
// state so every subsequent ComputeMetrics call can tag its output without
// the caller re-resolving the Machine each cycle (spec §4.7). Must be called
// at least once before ComputeMetrics.
func (c *Calculator) Init(machine models.Machine, order *models.ProcessOrder) error {
	if order.PlannedQuantity <= 0 {
		return &errs.ValidationError{Reason: "plannedQuantity must be > 0"}
	}

	plannedDurationMinutes := order.End.Sub(order.Start).Minutes()
	plannedTakt := 0.0
	if order.PlannedQuantity > 0 {
		plannedTakt = plannedDurationMinutes / order.PlannedQuantity
	}

	st := &state{
		order:             order,
		plant:             machine.Plant,
		area:              machine.Area,
		runtime:           order.Runtime(),
		plannedQuantity:   order.PlannedQuantity,
		targetPerformance: order.TargetPerformance,
		plannedTakt:       plannedTakt,
		actualTakt:        plannedTakt,
		expectedEnd:       order.End,
	}

	switch {
	case order.ActualStart != nil && order.ActualEnd == nil:
		st.actualTakt = plannedTakt
		st.expectedEnd = order.End
	case order.ActualStart != nil && order.ActualEnd != nil:
		actualDurationMinutes := order.ActualEnd.Sub(*order.ActualStart).Minutes()
		if order.PlannedQuantity > 0 {
			st.actualTakt = actualDurationMinutes / order.PlannedQuantity
		}
		remaining := (order.PlannedQuantity - order.ProducedQuantity) * st.actualTakt
		st.expectedEnd = order.ActualEnd.Add(time.Duration(remaining * float64(time.Minute)))
	}

	c.mu.Lock()
	c.states[order.MachineID] = st
	c.mu.Unlock()
	return nil
}

// ComputeMetricsInput bundles the aggregates the window engine produces
// plus the current production counters (spec §4.6 "Compute metrics").
type ComputeMetricsInput struct {
	TotalUnplannedDowntimeMinutes float64
	TotalNonProductiveMinutes     float64
	ProducedQuantity              float64
	YieldQuantity                 float64

	PlannedDowntimeMinutes   float64
	UnplannedDowntimeMinutes float64
	MicrostopMinutes         float64
}

// ComputeMetrics validates the inputs and (on success) produces and caches
// the classified OEEMetrics for order.MachineID. On ValidationError the
// previous metrics remain current (spec §7).
func (c *Calculator) ComputeMetrics(order *models.ProcessOrder, in ComputeMetricsInput) (models.OEEMetrics, error) {
	c.mu.Lock()
	st, ok := c.states[order.MachineID]
	c.mu.Unlock()
	if !ok {
		return models.OEEMetrics{}, errs.OEENotComputed(order.MachineID)
	}

	if err := validate(st, in); err != nil {
		return models.OEEMetrics{}, err
	}

	availability := clamp01((st.runtime - in.TotalUnplannedDowntimeMinutes) / st.runtime)

	performance := 0.0
	if st.actualTakt > 0 {
		performance = clamp01(st.plannedTakt / st.actualTakt)
	}

	quality := 0.0
	if in.ProducedQuantity > 0 {
		quality = clamp01(in.YieldQuantity / in.ProducedQuantity)
	}

	fractionalOEE := availability * performance * quality

	metrics := models.OEEMetrics{
		MachineID:                order.MachineID,
		Plant:                    st.plant,
		Area:                     st.area,
		OrderID:                  order.OrderID,
		OrderNumber:              order.OrderNumber,
		MaterialNumber:           order.MaterialNumber,
		MaterialDescription:      order.MaterialDescription,
		Availability:             scale(availability, c.asPercent),
		Performance:              scale(performance, c.asPercent),
		Quality:                  scale(quality, c.asPercent),
		OEE:                      scale(fractionalOEE, c.asPercent),
		Classification:           models.Classify(fractionalOEE),
		PlannedQuantity:          st.plannedQuantity,
		ProducedQuantity:         in.ProducedQuantity,
		YieldQuantity:            in.YieldQuantity,
		ScrapQuantity:            in.ProducedQuantity - in.YieldQuantity,
		PlannedDowntimeMinutes:   in.PlannedDowntimeMinutes,
		UnplannedDowntimeMinutes: in.UnplannedDowntimeMinutes,
		MicrostopMinutes:         in.MicrostopMinutes,
		ExpectedEnd:              st.expectedEnd,
		ComputedAt:               time.Now().UTC(),
	}

	c.mu.Lock()
	st.lastMetrics = &metrics
	c.mu.Unlock()

	return metrics, nil
}

// Last returns the most recently computed metrics for a machine, if any.
func (c *Calculator) Last(machineID string) (models.OEEMetrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[machineID]
	if !ok || st.lastMetrics == nil {
		return models.OEEMetrics{}, false
	}
	return *st.lastMetrics, true
}

func validate(st *state, in ComputeMetricsInput) error {
	switch {
	case st.runtime <= 0:
		return &errs.ValidationError{Reason: "runtime must be > 0"}
	case st.plannedQuantity <= 0:
		return &errs.ValidationError{Reason: "plannedQuantity must be > 0"}
	case in.ProducedQuantity < 0:
		return &errs.ValidationError{Reason: "producedQuantity must be >= 0"}
	case in.YieldQuantity < 0:
		return &errs.ValidationError{Reason: "yieldQuantity must be >= 0"}
	case in.YieldQuantity > in.ProducedQuantity:
		return &errs.ValidationError{Reason: "yieldQuantity must be <= producedQuantity"}
	case in.ProducedQuantity > st.targetPerformance:
		return &errs.ValidationError{Reason: "producedQuantity must be <= targetPerformance"}
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func scale(fraction float64, asPercent bool) float64 {
	if asPercent {
		return fraction * 100
	}
	return fraction
}
