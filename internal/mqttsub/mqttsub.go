// Package mqttsub implements the MQTT Subscriber (C2, spec §4.2): it
// maintains a durable connection to the broker, subscribes once per
// OEE-enabled machine/metric, decodes Sparkplug envelopes, and dispatches
// by topic. Grounded on alibo/simple-mqtt-network-lab's paho option wiring
// (keepalive, reconnect interval, custom dialer) and the teacher's
// ingestion_service/main.go topic-split-and-route shape.
package mqttsub

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/schmeckm/OEE-Solution-sub000/internal/config"
	"github.com/schmeckm/OEE-Solution-sub000/internal/errs"
	"github.com/schmeckm/OEE-Solution-sub000/internal/models"
	"github.com/schmeckm/OEE-Solution-sub000/internal/sparkplug"
)

// DataType is the Sparkplug message kind (spec §4.2).
type DataType string

const (
	DataTypeDDATA DataType = "DDATA"
	DataTypeDCMD  DataType = "DCMD"
)

// ConnState is the subscriber's connection state machine (spec §4.2).
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateStopped
)

// Dispatch receives one decoded, routed message. dataType distinguishes
// DCMD (routed to the Command Handler) from DDATA (routed to the Metric
// Router); metricName is the final topic segment. lineCode is the raw
// topic segment; resolving it to a machineID is the Supervisor's job
// (spec §4.1 resolveMachineIdByLineCode), since this package is decoupled
// from the Reference Data Client.
type Dispatch func(lineCode string, dataType DataType, metricName string, env sparkplug.Envelope)

// topicTemplate is a parsed cfg.MQTT.TopicFormat: the segment count and the
// index of each placeholder within it, so a topic built from the template
// can also be parsed back without assuming a fixed segment order (spec §6:
// method/topicFormat select the topic family).
type topicTemplate struct {
	segments     []string
	segmentCount int
	dataTypeIdx  int
	lineCodeIdx  int
	metricIdx    int
}

func parseTopicTemplate(format string) (topicTemplate, error) {
	segments := strings.Split(format, "/")
	tpl := topicTemplate{segments: segments, segmentCount: len(segments), dataTypeIdx: -1, lineCodeIdx: -1, metricIdx: -1}
	for i, seg := range segments {
		switch seg {
		case "{dataType}":
			tpl.dataTypeIdx = i
		case "{lineCode}":
			tpl.lineCodeIdx = i
		case "{metricName}":
			tpl.metricIdx = i
		}
	}
	if tpl.dataTypeIdx < 0 || tpl.lineCodeIdx < 0 || tpl.metricIdx < 0 {
		return topicTemplate{}, fmt.Errorf("topic format %q missing {dataType}/{lineCode}/{metricName} placeholder", format)
	}
	return tpl, nil
}

// defaultTopicTemplate is the canonical spBv1.0 grammar (spec §4.2), used
// as a fallback if cfg.MQTT.TopicFormat fails to parse (config.Validate
// should already have rejected that at startup, but Subscriber doesn't
// trust its caller blindly).
var defaultTopicTemplate = topicTemplate{
	segments:     []string{"spBv1.0", "{plant}", "{area}", "{dataType}", "{lineCode}", "{metricName}"},
	segmentCount: 6,
	dataTypeIdx:  3,
	lineCodeIdx:  4,
	metricIdx:    5,
}

// Subscriber owns the paho client and the reconnect/watchdog state machine.
type Subscriber struct {
	cfg    config.MQTT
	logger *log.Logger
	topic  topicTemplate

	client mqtt.Client
	state  atomic.Int32

	reconnectCount atomic.Int64
	decodeErrors   atomic.Int64
	droppedRouting atomic.Int64

	lastMessageAt atomic.Int64 // unix nanos

	onMessage Dispatch

	watchdogCancel context.CancelFunc
}

// New builds a Subscriber. onMessage is called for every successfully
// decoded message.
func New(cfg config.MQTT, onMessage Dispatch, logger *log.Logger) *Subscriber {
	if logger == nil {
		logger = log.New(os.Stdout, "mqttsub ", log.LstdFlags|log.Lmicroseconds)
	}
	tpl, err := parseTopicTemplate(cfg.TopicFormat)
	if err != nil {
		tpl = defaultTopicTemplate
		logger.Printf("mqttsub: %v, falling back to default spBv1.0 grammar", err)
	}
	s := &Subscriber{cfg: cfg, logger: logger, topic: tpl, onMessage: onMessage}
	s.state.Store(int32(StateDisconnected))
	return s
}

// State returns the current connection state.
func (s *Subscriber) State() ConnState { return ConnState(s.state.Load()) }

// ReconnectCount returns the monotonically increasing reconnection counter
// (spec §4.2).
func (s *Subscriber) ReconnectCount() int64 { return s.reconnectCount.Load() }

// DecodeErrors returns the count of payloads that failed to decode.
func (s *Subscriber) DecodeErrors() int64 { return s.decodeErrors.Load() }

// Connect dials the broker and blocks until the initial handshake
// completes or fails.
func (s *Subscriber) Connect(ctx context.Context) error {
	s.state.Store(int32(StateConnecting))

	opts := mqtt.NewClientOptions().AddBroker(s.cfg.BrokerURL)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true) // spec §5: per-machine arrival order preserved

	if s.cfg.TLSEnabled() {
		tlsCfg, err := buildTLSConfig(s.cfg)
		if err != nil {
			return &errs.ConfigError{Field: "mqtt.tls", Cause: err}
		}
		opts.SetTLSConfig(tlsCfg)
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		s.state.Store(int32(StateConnected))
		s.logger.Printf("mqttsub: connected to %s", s.cfg.BrokerURL)
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		s.state.Store(int32(StateReconnecting))
		s.reconnectCount.Add(1)
		s.logger.Printf("mqttsub: connection lost: %v (reconnect #%d)", err, s.reconnectCount.Load())
	})
	opts.SetReconnectingHandler(func(c mqtt.Client, o *mqtt.ClientOptions) {
		s.state.Store(int32(StateReconnecting))
	})

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		s.state.Store(int32(StateDisconnected))
		return &errs.SourceUnavailable{Source: s.cfg.BrokerURL, Cause: token.Error()}
	}

	watchdogCtx, cancel := context.WithCancel(ctx)
	s.watchdogCancel = cancel
	go s.watchdog(watchdogCtx)

	return nil
}

// watchdog force-closes the connection if no message arrives for the
// configured timeout while Connected (spec §4.2).
func (s *Subscriber) watchdog(ctx context.Context) {
	timeout := s.cfg.WatchdogTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	s.lastMessageAt.Store(time.Now().UnixNano())

	ticker := time.NewTicker(timeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.State() != StateConnected {
				continue
			}
			last := time.Unix(0, s.lastMessageAt.Load())
			if time.Since(last) >= timeout {
				s.logger.Printf("mqttsub: watchdog timeout (%v since last message), forcing reconnect", timeout)
				s.client.Disconnect(0)
				s.state.Store(int32(StateReconnecting))
				s.reconnectCount.Add(1)
				s.lastMessageAt.Store(time.Now().UnixNano())
				s.client.Connect()
			}
		}
	}
}

// SubscribeMachines subscribes to every configured metric topic for each
// OEE-enabled machine, retrying per topic with exponential backoff bounded
// at cfg.SubscribeRetries attempts (spec §4.2).
func (s *Subscriber) SubscribeMachines(machines []models.Machine, metricNames []string) error {
	for _, m := range machines {
		if !m.OEEEnabled {
			continue
		}
		for _, dataType := range []DataType{DataTypeDDATA, DataTypeDCMD} {
			names := metricNames
			if dataType == DataTypeDCMD {
				names = []string{"Hold", "Unhold", "Start", "End"}
			}
			for _, metric := range names {
				topic := s.Topic(m.Plant, m.Area, dataType, m.LineCode, metric)
				if err := s.subscribeWithRetry(topic); err != nil {
					s.logger.Printf("mqttsub: giving up subscribing to %s: %v", topic, err)
				}
			}
		}
	}
	return nil
}

func (s *Subscriber) subscribeWithRetry(topic string) error {
	delay := s.cfg.SubscribeBackoff
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	attempts := s.cfg.SubscribeRetries
	if attempts <= 0 {
		attempts = 5
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		token := s.client.Subscribe(topic, 1, s.handleMessage)
		if token.WaitTimeout(5*time.Second) && token.Error() == nil {
			return nil
		}
		lastErr = token.Error()
		time.Sleep(delay)
		delay *= 2
	}
	return fmt.Errorf("subscribe %s after %d attempts: %w", topic, attempts, lastErr)
}

// Topic builds the topic for one metric, rendering s.cfg.TopicFormat's
// placeholders (spec §6: method/topicFormat select the topic family).
func (s *Subscriber) Topic(plant, area string, dataType DataType, lineCode, metricName string) string {
	replacer := strings.NewReplacer(
		"{plant}", plant,
		"{area}", area,
		"{dataType}", string(dataType),
		"{lineCode}", lineCode,
		"{metricName}", metricName,
	)
	return replacer.Replace(strings.Join(s.topic.segments, "/"))
}

// handleMessage decodes and routes one incoming MQTT message (spec §4.2).
// Decode errors and unknown data types are logged and discarded; never
// fatal to the subscriber. Topic segments are located by s.topic's parsed
// placeholder positions, not a hardcoded order, so both the "parris" and
// "schultz" topic families (spec §6) are routed the same way.
func (s *Subscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	s.lastMessageAt.Store(time.Now().UnixNano())

	parts := strings.Split(msg.Topic(), "/")
	if len(parts) != s.topic.segmentCount {
		s.droppedRouting.Add(1)
		s.logger.Printf("mqttsub: unexpected topic shape %q, discarding", msg.Topic())
		return
	}
	dataTypeSeg, lineCode, metricName := parts[s.topic.dataTypeIdx], parts[s.topic.lineCodeIdx], parts[s.topic.metricIdx]

	env, err := sparkplug.Decode(msg.Payload())
	if err != nil {
		s.decodeErrors.Add(1)
		s.logger.Printf("mqttsub: decode error on %s: %v", msg.Topic(), err)
		return
	}

	var dataType DataType
	switch dataTypeSeg {
	case string(DataTypeDDATA):
		dataType = DataTypeDDATA
	case string(DataTypeDCMD):
		dataType = DataTypeDCMD
	default:
		s.droppedRouting.Add(1)
		s.logger.Printf("mqttsub: unknown dataType %q on %s, discarding", dataTypeSeg, msg.Topic())
		return
	}

	if s.onMessage != nil {
		s.onMessage(lineCode, dataType, metricName, env)
	}
}

// Disconnect stops the client gracefully.
func (s *Subscriber) Disconnect() {
	s.state.Store(int32(StateStopped))
	if s.watchdogCancel != nil {
		s.watchdogCancel()
	}
	if s.client != nil && s.client.IsConnectionOpen() {
		s.client.Disconnect(250)
	}
}

func buildTLSConfig(cfg config.MQTT) (*tls.Config, error) {
	tlsCfg := &tls.Config{}
	if cfg.TLSCA != "" && cfg.TLSCA != "null" {
		caCert, err := os.ReadFile(cfg.TLSCA)
		if err != nil {
			return nil, fmt.Errorf("read CA: %w", err)
		}
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(caCert)
		tlsCfg.RootCAs = pool
	}
	if cfg.TLSCert != "" && cfg.TLSCert != "null" && cfg.TLSKey != "" && cfg.TLSKey != "null" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load keypair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
