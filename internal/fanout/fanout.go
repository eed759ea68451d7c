// Package fanout implements the Fan-out & Sink (C7, spec §4.7): a WebSocket
// broadcast server for connected dashboards, plus an optional time-series
// point write. Grounded on the teacher's go.mod (gorilla/websocket,
// labstack/echo/v4 present as indirect deps) and the common
// gorilla/websocket hub pattern also used via upbound/xgql.
package fanout

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/schmeckm/OEE-Solution-sub000/internal/config"
	"github.com/schmeckm/OEE-Solution-sub000/internal/errs"
	"github.com/schmeckm/OEE-Solution-sub000/internal/models"
)

// MessageType names the two envelope shapes the hub emits (spec §4.7, §6).
type MessageType string

const (
	MessageOEEData    MessageType = "OEEData"
	MessageMicrostops MessageType = "Microstops"
)

// envelope is the JSON shape sent over the WebSocket (spec §6).
type envelope struct {
	Type MessageType `json:"type"`
	Data any         `json:"data"`
}

const clientSendBuffer = 32

// client wraps one dashboard connection. send has bounded capacity; a full
// buffer means the broadcaster drops the message to this client rather
// than blocking the others (spec §4.7).
type client struct {
	conn *websocket.Conn
	send chan envelope
}

// Hub is the WebSocket client registry and broadcaster (spec §5: "adds/
// removes and broadcast iteration must be safe under concurrent calls").
type Hub struct {
	logger *log.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}

	// latestMicrostops is replayed to every newly connected client before
	// any other message (spec §4.7 "Initial client message").
	latestMicrostops map[string]models.HourlyDataset
	upgrader         websocket.Upgrader
}

// NewHub builds a Hub.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		logger:           logger,
		clients:          make(map[*client]struct{}),
		latestMicrostops: make(map[string]models.HourlyDataset),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns an echo.HandlerFunc that upgrades the request to a
// WebSocket and registers the connection with the Hub.
func (h *Hub) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		cl := &client{conn: conn, send: make(chan envelope, clientSendBuffer)}

		// The snapshot is queued while the lock is held, so no broadcast can
		// reach this client ahead of it.
		h.mu.Lock()
		h.clients[cl] = struct{}{}
		for _, ds := range h.latestMicrostops {
			select {
			case cl.send <- envelope{Type: MessageMicrostops, Data: ds}:
			default:
			}
		}
		h.mu.Unlock()

		go h.writePump(cl)
		go h.readPump(cl)
		return nil
	}
}

func (h *Hub) readPump(cl *client) {
	defer h.remove(cl)
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(cl *client) {
	defer cl.conn.Close()
	for env := range cl.send {
		if err := cl.conn.WriteJSON(env); err != nil {
			return
		}
	}
}

func (h *Hub) remove(cl *client) {
	h.mu.Lock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		close(cl.send)
	}
	h.mu.Unlock()
}

// broadcast enqueues env to every client; a client whose buffer is full has
// the message dropped, never blocking the others (spec §4.7).
func (h *Hub) broadcast(env envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for cl := range h.clients {
		select {
		case cl.send <- env:
		default:
			h.logger.Printf("fanout: dropping message for slow client")
		}
	}
}

// BroadcastOEEData publishes the computed metrics for one machine.
func (h *Hub) BroadcastOEEData(metrics models.OEEMetrics) {
	h.broadcast(envelope{Type: MessageOEEData, Data: metrics})
}

// BroadcastMicrostops publishes a full stoppage-dataset snapshot for a
// machine and keeps it as the replay snapshot for new connections (spec
// §4.7: "used on initial client connection and on updates").
func (h *Hub) BroadcastMicrostops(machineID string, dataset models.HourlyDataset) {
	h.mu.Lock()
	h.latestMicrostops[machineID] = dataset
	h.mu.Unlock()
	h.broadcast(envelope{Type: MessageMicrostops, Data: dataset})
}

// ClientCount reports the number of currently connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every client connection (spec §4.8 graceful shutdown).
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		cl.conn.Close()
	}
}

// TimeSeriesSink writes one multi-field point per compute cycle to an
// optional time-series endpoint (spec §4.7, §6). It speaks the
// InfluxDB-style line protocol over HTTP, since no time-series client
// library is present anywhere in the retrieved example pack.
type TimeSeriesSink struct {
	cfg        config.Sink
	httpClient *http.Client
	logger     *log.Logger
}

// NewTimeSeriesSink builds a sink; nil if cfg is not fully configured.
func NewTimeSeriesSink(cfg config.Sink, logger *log.Logger) *TimeSeriesSink {
	if !cfg.Enabled() {
		return nil
	}
	if logger == nil {
		logger = log.Default()
	}
	return &TimeSeriesSink{cfg: cfg, httpClient: &http.Client{Timeout: cfg.WriteTimeout}, logger: logger}
}

// Write posts one `oee_metrics` point tagged and fielded per spec §4.7.
// The order's completion gate (spec §9 open question i) is the caller's
// responsibility via cfg.WriteOnCompletionOnly; this method always writes
// when called.
func (s *TimeSeriesSink) Write(ctx context.Context, metrics models.OEEMetrics) error {
	if s == nil {
		return nil
	}

	line := fmt.Sprintf(
		"oee_metrics,plant=%s,area=%s,machineId=%s,orderNumber=%s,materialNumber=%s,materialDescription=%s "+
			"oee=%f,availability=%f,performance=%f,quality=%f,plannedQuantity=%f,plannedDowntimeMinutes=%f,unplannedDowntimeMinutes=%f,microstopMinutes=%f %d\n",
		escapeTag(metrics.Plant), escapeTag(metrics.Area), escapeTag(metrics.MachineID), escapeTag(metrics.OrderNumber),
		escapeTag(metrics.MaterialNumber), escapeTag(metrics.MaterialDescription),
		metrics.OEE, metrics.Availability, metrics.Performance, metrics.Quality,
		metrics.PlannedQuantity, metrics.PlannedDowntimeMinutes, metrics.UnplannedDowntimeMinutes, metrics.MicrostopMinutes,
		metrics.ComputedAt.UnixNano(),
	)

	url := fmt.Sprintf("%s/api/v2/write?org=%s&bucket=%s", s.cfg.URL, s.cfg.Org, s.cfg.Bucket)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(line))
	if err != nil {
		return &errs.SinkError{Sink: "timeseries", Cause: err}
	}
	req.Header.Set("Authorization", "Token "+s.cfg.Token)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &errs.SinkError{Sink: "timeseries", Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &errs.SinkError{Sink: "timeseries", Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

func escapeTag(v string) string {
	var buf bytes.Buffer
	for _, r := range v {
		switch r {
		case ' ', ',', '=':
			buf.WriteByte('\\')
		}
		buf.WriteRune(r)
	}
	return buf.String()
}
