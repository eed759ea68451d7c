// Package command implements the Command Handler (C3, spec §4.3): it turns
// Hold/Unhold signals into durable unplanned-downtime records, threshold-
// filtered. Per-order state is a stack of hold instants in a per-entity map,
// shaped after savegress/iotsense/internal/oee/tracker.go's map pattern; the
// map has no lock of its own, so a Handler is not safe for concurrent use.
package command

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/schmeckm/OEE-Solution-sub000/internal/models"
)

// Signal is the command type carried by a DCMD message (spec §4.3).
type Signal string

const (
	SignalHold   Signal = "Hold"
	SignalUnhold Signal = "Unhold"
	SignalStart  Signal = "Start"
	SignalEnd    Signal = "End"
)

// DowntimeAppender is the subset of the Reference Data Client the Handler
// needs (spec §4.1's appendUnplannedDowntime). A narrow interface keeps the
// handler testable without a live refdata.Client.
type DowntimeAppender interface {
	AppendUnplannedDowntime(record models.DowntimeRecord) error
}

// ActiveOrderLookup resolves the single released order for a machine, or
// nil if none (spec §4.3: "ignored if there is no released order").
type ActiveOrderLookup func(machineID string) (*models.ProcessOrder, error)

// Handler holds the per-order hold stack (spec §3 "Hold-State Entry").
type Handler struct {
	logger           *log.Logger
	thresholdSeconds float64
	appender         DowntimeAppender
	lookupOrder      ActiveOrderLookup
	now              func() time.Time
	// onRecorded is invoked after a threshold-qualifying unplanned-downtime
	// record is appended, so the Supervisor can trigger the Microstops
	// broadcast (spec §4.3: "appended ... and then broadcast via C7").
	onRecorded func(models.DowntimeRecord)

	holds map[string][]time.Time // orderNumber -> stack of hold instants
}

// New builds a Handler. logger defaults to log.Default() if nil. onRecorded
// may be nil if the caller doesn't need a broadcast hook.
func New(thresholdSeconds float64, appender DowntimeAppender, lookup ActiveOrderLookup, onRecorded func(models.DowntimeRecord), logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	if onRecorded == nil {
		onRecorded = func(models.DowntimeRecord) {}
	}
	return &Handler{
		logger:           logger,
		thresholdSeconds: thresholdSeconds,
		appender:         appender,
		lookupOrder:      lookup,
		onRecorded:       onRecorded,
		now:              time.Now,
		holds:            make(map[string][]time.Time),
	}
}

// HandleHold pushes a hold instant for the machine's active order, ignoring
// the event (with a log line) if there is no released order (spec §4.3).
// value is the raw Hold metric value; only value==1 is a valid Hold.
func (h *Handler) HandleHold(machineID string, value float64) error {
	if value != 1 {
		return nil
	}

	order, err := h.lookupOrder(machineID)
	if err != nil {
		return err
	}
	if order == nil {
		h.logger.Printf("command: Hold for machine %s ignored: no released order", machineID)
		return nil
	}

	h.holds[order.OrderNumber] = append(h.holds[order.OrderNumber], h.now())
	return nil
}

// HandleUnhold pops the most recent hold instant for the machine's active
// order. If elapsed time meets thresholdSeconds, it appends and broadcasts
// an unplanned-downtime record (spec §4.3).
func (h *Handler) HandleUnhold(machineID string) error {
	order, err := h.lookupOrder(machineID)
	if err != nil {
		return err
	}
	if order == nil {
		h.logger.Printf("command: Unhold for machine %s ignored: no released order", machineID)
		return nil
	}

	stack := h.holds[order.OrderNumber]
	if len(stack) == 0 {
		h.logger.Printf("command: Unhold for order %s has no matching Hold, ignoring", order.OrderNumber)
		return nil
	}

	popped := stack[len(stack)-1]
	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		delete(h.holds, order.OrderNumber)
	} else {
		h.holds[order.OrderNumber] = stack
	}

	now := h.now()
	elapsed := now.Sub(popped)
	if elapsed.Seconds() < h.thresholdSeconds {
		return nil
	}

	record := models.DowntimeRecord{
		ID:              uuid.NewString(),
		MachineID:       machineID,
		OrderNumber:     order.OrderNumber,
		Start:           popped,
		End:             now,
		Reason:          "tbd",
		DurationSeconds: elapsed.Round(time.Second).Seconds(),
		Kind:            models.KindUnplanned,
	}

	if err := h.appender.AppendUnplannedDowntime(record); err != nil {
		return err
	}
	h.onRecorded(record)
	return nil
}

// HandleStart and HandleEnd are observed but have no side effect in this
// core beyond logging, reserved for future use (spec §4.3).
func (h *Handler) HandleStart(machineID string) { h.logger.Printf("command: Start observed for machine %s", machineID) }
func (h *Handler) HandleEnd(machineID string)   { h.logger.Printf("command: End observed for machine %s", machineID) }

// HoldDepth reports the current hold-stack depth for an order, for tests
// and observability.
func (h *Handler) HoldDepth(orderNumber string) int {
	return len(h.holds[orderNumber])
}
