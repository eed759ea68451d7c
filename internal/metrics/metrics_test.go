package metrics

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestObserveLiveMetricUpdatesBufferOnChange(t *testing.T) {
	r := New(nil, nil)
	var recomputes int32
	r.Recompute = func(machineID string) { atomic.AddInt32(&recomputes, 1) }

	r.Observe("m1", "goodCount", 10)
	waitForRecompute(t, &recomputes, 1)
	require.Equal(t, 10.0, r.Buffer("m1").Snapshot()["goodCount"])

	// same value again: no new recompute.
	r.Observe("m1", "goodCount", 10)
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&recomputes))

	r.Observe("m1", "goodCount", 11)
	waitForRecompute(t, &recomputes, 2)
}

func TestObserveUnknownMetricDiscarded(t *testing.T) {
	r := New(nil, nil)
	r.Observe("m1", "bogus", 1)
	require.Empty(t, r.Buffer("m1").Snapshot())
}

func TestObserveMandatoryStaticDerived(t *testing.T) {
	r := New(nil, nil)
	r.DeriveStatic = func(machineID, metricName string) (float64, bool) {
		if metricName == "runtime" {
			return 120, true
		}
		return 0, false
	}
	r.Observe("m1", "runtime", 0)
	require.Equal(t, 120.0, r.Buffer("m1").Snapshot()["runtime"])
}

func TestCoalescedRecomputeMergesConcurrentUpdates(t *testing.T) {
	r := New(nil, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32

	var once sync.Once
	r.Recompute = func(machineID string) {
		atomic.AddInt32(&calls, 1)
		once.Do(func() {
			close(started)
			<-release
		})
	}

	r.Observe("m1", "goodCount", 1)
	<-started

	// These arrive while the first recompute is in flight; they must merge
	// into a single follow-up recompute, not one per update.
	r.Observe("m1", "goodCount", 2)
	r.Observe("m1", "goodCount", 3)

	close(release)
	waitForRecompute(t, &calls, 2)
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestTriggerForcesRecomputeEvenWithoutBufferChange(t *testing.T) {
	r := New(nil, nil)
	var recomputes int32
	r.Recompute = func(machineID string) { atomic.AddInt32(&recomputes, 1) }

	r.Trigger("m1")
	waitForRecompute(t, &recomputes, 1)
}

func waitForRecompute(t *testing.T, counter *int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(counter) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("recompute count did not reach %d, got %d", want, atomic.LoadInt32(counter))
}
