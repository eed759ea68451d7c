// Package metrics implements the Metric Router (C4, spec §4.4): a
// per-machine {name -> value} buffer that distinguishes live (MQTT-sourced)
// from static (order-sourced) metrics and schedules coalesced
// recomputation. The per-machine worker queue shape is adapted from
// tohafrit-savegress-addons/pkg/workerpool's worker/task/stats structure,
// rewritten for a single-slot coalescing queue (spec §5 drop-and-merge,
// not a generic unbounded FIFO).
package metrics

import (
	"log"
	"sync"
)

// Spec is the static recognition table for one metric name (spec §4.4).
type Spec struct {
	MachineConnect  bool
	MandatoryStatic bool
}

// DefaultRegistry is the recognized metric configuration (spec §4.4). Live
// metrics come from MQTT; mandatory-static metrics are derived once per
// order from reference data; anything else is discarded with a warning.
var DefaultRegistry = map[string]Spec{
	"machineConnect":            {MachineConnect: true},
	"goodCount":                 {MachineConnect: true},
	"totalCount":                {MachineConnect: true},
	"scrapCount":                {MachineConnect: true},
	"plannedProductionQuantity": {MandatoryStatic: true},
	"runtime":                   {MandatoryStatic: true},
	"targetPerformance":         {MandatoryStatic: true},
}

// Buffer is the per-machine metric buffer (spec §3 "Metric Buffer").
type Buffer struct {
	mu      sync.Mutex
	values  map[string]float64
}

func newBuffer() *Buffer { return &Buffer{values: make(map[string]float64)} }

// Snapshot returns a copy of the buffer's current values.
func (b *Buffer) Snapshot() map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]float64, len(b.values))
	for k, v := range b.values {
		out[k] = v
	}
	return out
}

// Router owns one Buffer plus a coalesced recompute trigger per machine.
// Within a machine, updates are processed in arrival order (spec §5); at
// most one recompute is ever in flight, and updates that arrive while one
// is running are merged into the buffer for the next cycle.
type Router struct {
	logger   *log.Logger
	registry map[string]Spec

	// Recompute is invoked (on its own goroutine) when a live metric
	// changes the buffer.
	Recompute func(machineID string)
	// DeriveStatic is the caller-supplied function that derives the
	// mandatory-static values from the active order.
	DeriveStatic func(machineID, metricName string) (float64, bool)

	mu      sync.Mutex
	buffers map[string]*Buffer
	pending map[string]bool // machineID -> a recompute is scheduled/running
	dirty   map[string]bool // machineID -> buffer changed since recompute started
}

// New builds a Router against registry (DefaultRegistry if nil).
func New(registry map[string]Spec, logger *log.Logger) *Router {
	if registry == nil {
		registry = DefaultRegistry
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Router{
		logger:   logger,
		registry: registry,
		buffers:  make(map[string]*Buffer),
		pending:  make(map[string]bool),
		dirty:    make(map[string]bool),
	}
}

func (r *Router) bufferFor(machineID string) *Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[machineID]
	if !ok {
		b = newBuffer()
		r.buffers[machineID] = b
	}
	return b
}

// Buffer exposes the per-machine buffer for read access (e.g. by the
// window/oee stages building their compute inputs).
func (r *Router) Buffer(machineID string) *Buffer { return r.bufferFor(machineID) }

// Trigger schedules a coalesced recompute for machineID unconditionally,
// for callers outside the live-metric path (e.g. a recorded unplanned
// downtime) that need to force a recompute without depending on a buffer
// value actually changing.
func (r *Router) Trigger(machineID string) {
	r.scheduleRecompute(machineID)
}

// Observe applies one decoded metric update for machineID (spec §4.4).
// Unrecognized metric names are discarded with a warning; live metrics are
// buffered and trigger a coalesced recompute on change; mandatory-static
// metrics are derived via DeriveStatic.
func (r *Router) Observe(machineID, metricName string, value float64) {
	spec, known := r.registry[metricName]
	if !known {
		r.logger.Printf("metrics: unknown metric %q for machine %s, discarding", metricName, machineID)
		return
	}

	buf := r.bufferFor(machineID)

	if spec.MachineConnect {
		buf.mu.Lock()
		old, existed := buf.values[metricName]
		changed := !existed || old != value
		if changed {
			buf.values[metricName] = value
		}
		buf.mu.Unlock()

		if changed {
			r.scheduleRecompute(machineID)
		}
		return
	}

	if spec.MandatoryStatic {
		derived, ok := value, true
		if r.DeriveStatic != nil {
			if v, derivedOK := r.DeriveStatic(machineID, metricName); derivedOK {
				derived, ok = v, true
			} else {
				ok = false
			}
		}
		if !ok {
			r.logger.Printf("metrics: could not derive static metric %q for machine %s", metricName, machineID)
			return
		}
		buf.mu.Lock()
		buf.values[metricName] = derived
		buf.mu.Unlock()
		return
	}

	r.logger.Printf("metrics: metric %q for machine %s is neither live nor mandatory-static, discarding", metricName, machineID)
}

// scheduleRecompute coalesces concurrent triggers: if a recompute is
// already pending/running for machineID, this call just marks the buffer
// dirty so the in-flight worker re-triggers once more when it finishes.
func (r *Router) scheduleRecompute(machineID string) {
	r.mu.Lock()
	if r.pending[machineID] {
		r.dirty[machineID] = true
		r.mu.Unlock()
		return
	}
	r.pending[machineID] = true
	r.mu.Unlock()

	go r.runRecompute(machineID)
}

func (r *Router) runRecompute(machineID string) {
	for {
		if r.Recompute != nil {
			r.Recompute(machineID)
		}

		r.mu.Lock()
		if r.dirty[machineID] {
			r.dirty[machineID] = false
			r.mu.Unlock()
			continue // one more merged cycle
		}
		r.pending[machineID] = false
		r.mu.Unlock()
		return
	}
}
