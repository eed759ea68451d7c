// Package supervisor wires C1 through C7 into one running process (C8,
// spec §4.8): it resolves Sparkplug topic segments to machine IDs, routes
// DDATA to the Metric Router and DCMD to the Command Handler, recomputes
// the Window Engine and OEE Calculator on a coalesced trigger, and fans the
// result out over the WebSocket Hub and optional time-series sink. The
// concurrent-subsystem-startup/shutdown shape uses golang.org/x/sync/errgroup,
// already an indirect dependency of the teacher's go.mod.
package supervisor

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/schmeckm/OEE-Solution-sub000/internal/command"
	"github.com/schmeckm/OEE-Solution-sub000/internal/config"
	"github.com/schmeckm/OEE-Solution-sub000/internal/errs"
	"github.com/schmeckm/OEE-Solution-sub000/internal/fanout"
	"github.com/schmeckm/OEE-Solution-sub000/internal/metrics"
	"github.com/schmeckm/OEE-Solution-sub000/internal/models"
	"github.com/schmeckm/OEE-Solution-sub000/internal/mqttsub"
	"github.com/schmeckm/OEE-Solution-sub000/internal/oee"
	"github.com/schmeckm/OEE-Solution-sub000/internal/refdata"
	"github.com/schmeckm/OEE-Solution-sub000/internal/sparkplug"
	"github.com/schmeckm/OEE-Solution-sub000/internal/window"
)

// Supervisor owns the fleet-wide wiring: one Metric Router/OEE Calculator
// pair shared across machines, keyed by machineID, plus the shared
// Reference Data Client, Command Handler, Window Engine, and Fan-out Hub.
type Supervisor struct {
	cfg    *config.Config
	logger *log.Logger

	refdata *refdata.Client
	sub     *mqttsub.Subscriber
	cmds    *command.Handler
	router  *metrics.Router
	windows *window.Engine
	calc    *oee.Calculator
	hub     *fanout.Hub
	sink    *fanout.TimeSeriesSink

	echo *echo.Echo
}

// New builds a Supervisor and wires every component's callbacks together.
// It does not dial the broker or bind the listener; call Run for that.
func New(cfg *config.Config, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.New(os.Stdout, "supervisor ", log.LstdFlags|log.Lmicroseconds)
	}

	s := &Supervisor{
		cfg:     cfg,
		logger:  logger,
		refdata: refdata.New(cfg.ReferenceData),
		windows: window.New(logger),
		calc:    oee.New(cfg.OEEAsPercent),
		hub:     fanout.NewHub(logger),
		sink:    fanout.NewTimeSeriesSink(cfg.Sink, logger),
	}

	s.cmds = command.New(cfg.ThresholdSeconds, s.refdata, s.refdata.LoadActiveOrder, s.onUnplannedDowntimeRecorded, logger)

	s.router = metrics.New(nil, logger)
	s.router.DeriveStatic = s.deriveStaticMetric
	s.router.Recompute = s.recompute

	s.sub = mqttsub.New(cfg.MQTT, s.dispatch, logger)

	s.echo = echo.New()
	s.echo.HideBanner = true
	if cfg.Server.WebsocketEnabled {
		s.echo.GET("/ws", s.hub.Handler())
	}
	s.echo.GET("/healthz", s.handleHealth)

	return s
}

// Run dials the broker, subscribes every OEE-enabled machine, binds the
// HTTP/WebSocket listener, and blocks until ctx is cancelled (spec §4.8:
// "all subsystems start together; a failure in any aborts the others").
// On cancellation it shuts everything down within the configured grace
// period.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.sub.Connect(gctx); err != nil {
			return err
		}
		machines, err := s.refdata.LoadMachines()
		if err != nil {
			return err
		}
		s.initMachines(machines)
		return s.sub.SubscribeMachines(machines, []string{"machineConnect", "goodCount", "totalCount", "scrapCount"})
	})

	g.Go(func() error {
		if err := s.echo.Start(s.cfg.Server.ListenAddr); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	return g.Wait()
}

func (s *Supervisor) shutdown() error {
	grace := s.cfg.Server.GracefulGracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	s.sub.Disconnect()
	s.hub.CloseAll()
	return s.echo.Shutdown(stopCtx)
}

func (s *Supervisor) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"mqttState":    s.sub.State(),
		"reconnects":   s.sub.ReconnectCount(),
		"decodeErrors": s.sub.DecodeErrors(),
		"wsClients":    s.hub.ClientCount(),
	})
}

// initMachines initializes the OEE Calculator state for every OEE-enabled
// machine that currently has a released order (spec §4.6 "State init").
func (s *Supervisor) initMachines(machs []models.Machine) {
	for _, m := range machs {
		if !m.OEEEnabled {
			continue
		}
		order, err := s.refdata.LoadActiveOrder(m.MachineID)
		if err != nil {
			s.logger.Printf("supervisor: load active order for %s: %v", m.MachineID, err)
			continue
		}
		if order == nil {
			continue
		}
		if err := s.calc.Init(m, order); err != nil {
			s.logger.Printf("supervisor: init OEE state for %s: %v", m.MachineID, err)
		}
	}
}

// dispatch is the mqttsub.Dispatch callback: it resolves lineCode to a
// machineID and routes DDATA metrics to the Router, DCMD signals to the
// Command Handler (spec §4.1 resolveMachineIdByLineCode, §4.2 routing).
func (s *Supervisor) dispatch(lineCode string, dataType mqttsub.DataType, metricName string, env sparkplug.Envelope) {
	machineID, ok, err := s.refdata.ResolveMachineIDByLineCode(lineCode)
	if err != nil {
		s.logger.Printf("supervisor: resolve lineCode %s: %v", lineCode, err)
		return
	}
	if !ok {
		s.logger.Printf("supervisor: unknown lineCode %q, discarding (%s)", lineCode, &errs.RoutingError{Reason: "no machine for lineCode"})
		return
	}

	switch dataType {
	case mqttsub.DataTypeDDATA:
		for _, metric := range env.Metrics {
			s.router.Observe(machineID, metric.Name, metric.AsFloat64())
		}
	case mqttsub.DataTypeDCMD:
		s.dispatchCommand(machineID, metricName, env)
	}
}

func (s *Supervisor) dispatchCommand(machineID, metricName string, env sparkplug.Envelope) {
	value := 0.0
	if len(env.Metrics) > 0 {
		value = env.Metrics[0].AsFloat64()
	}

	var err error
	switch command.Signal(metricName) {
	case command.SignalHold:
		err = s.cmds.HandleHold(machineID, value)
	case command.SignalUnhold:
		err = s.cmds.HandleUnhold(machineID)
	case command.SignalStart:
		s.cmds.HandleStart(machineID)
	case command.SignalEnd:
		s.cmds.HandleEnd(machineID)
	default:
		s.logger.Printf("supervisor: unknown command signal %q for machine %s, discarding", metricName, machineID)
		return
	}
	if err != nil {
		s.logger.Printf("supervisor: command %s for machine %s: %v", metricName, machineID, err)
	}
}

// deriveStaticMetric supplies the Router's mandatory-static values from the
// machine's active order (spec §4.4).
func (s *Supervisor) deriveStaticMetric(machineID, metricName string) (float64, bool) {
	order, err := s.refdata.LoadActiveOrder(machineID)
	if err != nil || order == nil {
		return 0, false
	}
	switch metricName {
	case "plannedProductionQuantity":
		return order.PlannedQuantity, true
	case "runtime":
		return order.Runtime(), true
	case "targetPerformance":
		return order.TargetPerformance, true
	default:
		return 0, false
	}
}

// onUnplannedDowntimeRecorded is the Command Handler's broadcast hook (spec
// §4.3): a threshold-qualifying Hold/Unhold pair invalidates the cached
// downtime collection and triggers an immediate recompute so the new
// unplanned-downtime record is reflected without waiting for the next live
// metric.
func (s *Supervisor) onUnplannedDowntimeRecorded(record models.DowntimeRecord) {
	s.refdata.Invalidate(refdata.KindUnplannedDowntime)
	s.router.Trigger(record.MachineID)
}

// recompute is the Router's coalesced-trigger callback (spec §4.4, §4.5,
// §4.6, §4.7): it runs the Window Engine and OEE Calculator for machineID
// and fans the result out.
func (s *Supervisor) recompute(machineID string) {
	order, err := s.refdata.LoadActiveOrder(machineID)
	if err != nil {
		s.logger.Printf("supervisor: recompute %s: load order: %v", machineID, err)
		return
	}
	if order == nil {
		return
	}

	planned, err := s.refdata.LoadPlannedDowntime()
	if err != nil {
		s.logger.Printf("supervisor: recompute %s: load planned downtime: %v", machineID, err)
		return
	}
	unplanned, err := s.refdata.LoadUnplannedDowntime()
	if err != nil {
		s.logger.Printf("supervisor: recompute %s: load unplanned downtime: %v", machineID, err)
		return
	}
	microstops, err := s.refdata.LoadMicrostops()
	if err != nil {
		s.logger.Printf("supervisor: recompute %s: load microstops: %v", machineID, err)
		return
	}
	shifts, err := s.refdata.LoadShiftModels(machineID)
	if err != nil {
		s.logger.Printf("supervisor: recompute %s: load shifts: %v", machineID, err)
		return
	}

	dataset := s.windows.Compute(order, planned, unplanned, microstops, shifts)
	s.hub.BroadcastMicrostops(machineID, dataset)

	buf := s.router.Buffer(machineID).Snapshot()
	unplannedMinutes := sumInts(dataset.UnplannedMinutes)
	plannedMinutes := sumInts(dataset.PlannedMinutes)
	microstopMinutes := sumInts(dataset.MicrostopMinutes)
	input := oee.ComputeMetricsInput{
		TotalUnplannedDowntimeMinutes: unplannedMinutes,
		TotalNonProductiveMinutes:     plannedMinutes + sumInts(dataset.BreakMinutes) + microstopMinutes,
		ProducedQuantity:              buf["totalCount"],
		YieldQuantity:                 buf["goodCount"],
		PlannedDowntimeMinutes:        plannedMinutes,
		UnplannedDowntimeMinutes:      unplannedMinutes,
		MicrostopMinutes:              microstopMinutes,
	}

	metricsOut, err := s.calc.ComputeMetrics(order, input)
	if err != nil {
		s.logger.Printf("supervisor: recompute %s: compute metrics: %v", machineID, err)
		return
	}

	s.hub.BroadcastOEEData(metricsOut)

	if s.sink != nil {
		if !s.cfg.Sink.WriteOnCompletionOnly || order.Status == models.OrderCompleted {
			if err := s.sink.Write(context.Background(), metricsOut); err != nil {
				s.logger.Printf("supervisor: sink write for %s: %v", machineID, err)
			}
		}
	}
}

func sumInts(vs []int) float64 {
	total := 0
	for _, v := range vs {
		total += v
	}
	return float64(total)
}
