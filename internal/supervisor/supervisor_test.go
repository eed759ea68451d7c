package supervisor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schmeckm/OEE-Solution-sub000/internal/config"
	"github.com/schmeckm/OEE-Solution-sub000/internal/models"
	"github.com/schmeckm/OEE-Solution-sub000/internal/mqttsub"
	"github.com/schmeckm/OEE-Solution-sub000/internal/sparkplug"
)

func newTestRefdataServer(t *testing.T, order models.ProcessOrder) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/machines", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.Machine{testMachine()})
	})
	mux.HandleFunc("/processorders/rel", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.ProcessOrder{order})
	})
	mux.HandleFunc("/shiftmodels/machine/m1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.Shift{})
	})
	mux.HandleFunc("/planneddowntime", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.DowntimeRecord{})
	})
	mux.HandleFunc("/unplanneddowntime", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			return
		}
		json.NewEncoder(w).Encode([]models.DowntimeRecord{})
	})
	mux.HandleFunc("/microstops", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.DowntimeRecord{})
	})
	return httptest.NewServer(mux)
}

func testMachine() models.Machine {
	return models.Machine{MachineID: "m1", LineCode: "L1", Plant: "p1", Area: "a1", OEEEnabled: true}
}

func testOrder() models.ProcessOrder {
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	return models.ProcessOrder{
		OrderID:           "o1",
		OrderNumber:       "PO-1",
		MachineID:         "m1",
		Status:            models.OrderReleased,
		Start:             start,
		End:               start.Add(2 * time.Hour),
		SetupMinutes:      10,
		ProcessingMinutes: 100,
		TeardownMinutes:   10,
		PlannedQuantity:   100,
		TargetPerformance: 100,
	}
}

func newTestSupervisor(t *testing.T, order models.ProcessOrder) *Supervisor {
	t.Helper()
	srv := newTestRefdataServer(t, order)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		ReferenceData: config.ReferenceData{BaseURL: srv.URL, RequestTimeout: 2 * time.Second},
		ThresholdSeconds: 300,
		Server:           config.Server{ListenAddr: ":0"},
	}
	return New(cfg, nil)
}

func TestDeriveStaticMetricReadsFromActiveOrder(t *testing.T) {
	s := newTestSupervisor(t, testOrder())

	v, ok := s.deriveStaticMetric("m1", "plannedProductionQuantity")
	require.True(t, ok)
	require.Equal(t, 100.0, v)

	v, ok = s.deriveStaticMetric("m1", "runtime")
	require.True(t, ok)
	require.Equal(t, 120.0, v)

	_, ok = s.deriveStaticMetric("m1", "bogus")
	require.False(t, ok)
}

func TestDispatchResolvesLineCodeAndRoutesDDATA(t *testing.T) {
	s := newTestSupervisor(t, testOrder())

	env := sparkplug.Envelope{Metrics: []sparkplug.Metric{
		{Name: "goodCount", Type: sparkplug.TypeFloat64, FloatValue: 42},
	}}
	s.dispatch("L1", mqttsub.DataTypeDDATA, "goodCount", env)

	require.Eventually(t, func() bool {
		return s.router.Buffer("m1").Snapshot()["goodCount"] == 42
	}, time.Second, 5*time.Millisecond)
}

func TestDispatchUnknownLineCodeIsDiscarded(t *testing.T) {
	s := newTestSupervisor(t, testOrder())
	env := sparkplug.Envelope{Metrics: []sparkplug.Metric{{Name: "goodCount", Type: sparkplug.TypeFloat64, FloatValue: 1}}}
	s.dispatch("unknown-line", mqttsub.DataTypeDDATA, "goodCount", env)
	require.Empty(t, s.router.Buffer("m1").Snapshot())
}

func TestDispatchCommandRoutesHoldAndUnhold(t *testing.T) {
	s := newTestSupervisor(t, testOrder())

	hold := sparkplug.Envelope{Metrics: []sparkplug.Metric{{Name: "Hold", Type: sparkplug.TypeFloat64, FloatValue: 1}}}
	s.dispatch("L1", mqttsub.DataTypeDCMD, "Hold", hold)
	require.Equal(t, 1, s.cmds.HoldDepth("PO-1"))

	unhold := sparkplug.Envelope{Metrics: []sparkplug.Metric{{Name: "Unhold", Type: sparkplug.TypeFloat64, FloatValue: 1}}}
	s.dispatch("L1", mqttsub.DataTypeDCMD, "Unhold", unhold)
	require.Equal(t, 0, s.cmds.HoldDepth("PO-1"))
}

func TestRecomputeComputesOEEMetricsAfterInit(t *testing.T) {
	order := testOrder()
	s := newTestSupervisor(t, order)
	require.NoError(t, s.calc.Init(testMachine(), &order))

	s.recompute("m1")

	metricsOut, ok := s.calc.Last("m1")
	require.True(t, ok)
	require.Equal(t, "m1", metricsOut.MachineID)
	require.Equal(t, "p1", metricsOut.Plant)
	require.Equal(t, "a1", metricsOut.Area)
}
