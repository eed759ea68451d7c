package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schmeckm/OEE-Solution-sub000/internal/models"
)

type fakeAppender struct {
	records []models.DowntimeRecord
}

func (f *fakeAppender) AppendUnplannedDowntime(r models.DowntimeRecord) error {
	f.records = append(f.records, r)
	return nil
}

func fixedOrder(machineID string) *models.ProcessOrder {
	return &models.ProcessOrder{MachineID: machineID, OrderNumber: "PO-1", Status: models.OrderReleased}
}

func newHandlerWithClock(threshold float64, appender DowntimeAppender, start time.Time) (*Handler, *time.Time) {
	clock := start
	h := New(threshold, appender, func(machineID string) (*models.ProcessOrder, error) {
		return fixedOrder(machineID), nil
	}, nil, nil)
	h.now = func() time.Time { return clock }
	return h, &clock
}

// Scenario B: hold below threshold.
func TestHoldBelowThresholdEmitsNoRecord(t *testing.T) {
	appender := &fakeAppender{}
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	h, clock := newHandlerWithClock(300, appender, t0)

	require.NoError(t, h.HandleHold("m1", 1))
	*clock = t0.Add(200 * time.Second)
	require.NoError(t, h.HandleUnhold("m1"))

	require.Empty(t, appender.records)
	require.Equal(t, 0, h.HoldDepth("PO-1"))
}

// Scenario C: hold above threshold.
func TestHoldAboveThresholdEmitsRecord(t *testing.T) {
	appender := &fakeAppender{}
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	h, clock := newHandlerWithClock(300, appender, t0)

	require.NoError(t, h.HandleHold("m1", 1))
	*clock = t0.Add(600 * time.Second)
	require.NoError(t, h.HandleUnhold("m1"))

	require.Len(t, appender.records, 1)
	rec := appender.records[0]
	require.Equal(t, "tbd", rec.Reason)
	require.InDelta(t, 600, rec.DurationSeconds, 1e-9)
	require.NotEmpty(t, rec.ID)
}

func TestHoldWithValueNotOneIsIgnored(t *testing.T) {
	appender := &fakeAppender{}
	h, _ := newHandlerWithClock(300, appender, time.Now())
	require.NoError(t, h.HandleHold("m1", 0))
	require.Equal(t, 0, h.HoldDepth("PO-1"))
}

func TestUnholdWithoutMatchingHoldIsIgnored(t *testing.T) {
	appender := &fakeAppender{}
	h, _ := newHandlerWithClock(300, appender, time.Now())
	require.NoError(t, h.HandleUnhold("m1"))
	require.Empty(t, appender.records)
}

// Property 4: two holds without an intervening unhold are both retained,
// in order; an unhold pops only the most recent.
func TestMultipleHoldsRetainedLIFO(t *testing.T) {
	appender := &fakeAppender{}
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	h, clock := newHandlerWithClock(300, appender, t0)

	require.NoError(t, h.HandleHold("m1", 1))
	*clock = t0.Add(10 * time.Second)
	require.NoError(t, h.HandleHold("m1", 1))
	require.Equal(t, 2, h.HoldDepth("PO-1"))

	*clock = t0.Add(700 * time.Second)
	require.NoError(t, h.HandleUnhold("m1"))
	require.Equal(t, 1, h.HoldDepth("PO-1"))
	require.Len(t, appender.records, 1)
	// The popped hold is the second (most recent) one, at t0+10s.
	require.Equal(t, t0.Add(10*time.Second), appender.records[0].Start)
}

func TestNoReleasedOrderIgnoresHold(t *testing.T) {
	appender := &fakeAppender{}
	h := New(300, appender, func(machineID string) (*models.ProcessOrder, error) {
		return nil, nil
	}, nil, nil)
	require.NoError(t, h.HandleHold("m1", 1))
	require.Equal(t, 0, h.HoldDepth("PO-1"))
}

func TestOnRecordedCallbackInvoked(t *testing.T) {
	appender := &fakeAppender{}
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	var called bool
	h := New(300, appender, func(machineID string) (*models.ProcessOrder, error) {
		return fixedOrder(machineID), nil
	}, func(r models.DowntimeRecord) { called = true }, nil)
	clock := t0
	h.now = func() time.Time { return clock }

	require.NoError(t, h.HandleHold("m1", 1))
	clock = t0.Add(600 * time.Second)
	require.NoError(t, h.HandleUnhold("m1"))
	require.True(t, called)
}
