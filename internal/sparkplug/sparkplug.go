// Package sparkplug isolates Sparkplug B envelope decoding behind a single
// operation (spec §4.2, §9 design note: "the rest of the core is decoupled
// from wire encoding"). No Sparkplug or protobuf library is present
// anywhere in the retrieved example pack, so this is a hand-rolled, minimal
// TLV decoder for the envelope shape the core needs: a timestamp followed
// by a list of (name, type, value) metrics. See DESIGN.md's stdlib
// justification ledger.
package sparkplug

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// MetricType tags the wire representation of a metric value.
type MetricType byte

const (
	TypeInt64   MetricType = 1
	TypeFloat64 MetricType = 2
	TypeBool    MetricType = 3
	TypeString  MetricType = 4
)

// Metric is one decoded (name, value, type) entry from the envelope.
type Metric struct {
	Name string
	Type MetricType

	IntValue    int64
	FloatValue  float64
	BoolValue   bool
	StringValue string
}

// AsFloat64 returns the metric's value coerced to float64, for callers that
// don't care about the distinction between numeric representations.
func (m Metric) AsFloat64() float64 {
	switch m.Type {
	case TypeInt64:
		return float64(m.IntValue)
	case TypeFloat64:
		return m.FloatValue
	case TypeBool:
		if m.BoolValue {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// Envelope is a decoded Sparkplug B DDATA/DCMD payload.
type Envelope struct {
	TimestampMillis int64
	Metrics         []Metric
}

// Encode serializes an Envelope into the wire format Decode understands.
// It exists so the simulator (cmd/iot-simulator) and tests can produce
// payloads without duplicating the format.
//
// Wire format (little-endian, all integers fixed-width):
//
//	int64   timestampMillis
//	uint16  metricCount
//	for each metric:
//	  uint16 nameLen; []byte name
//	  byte   type
//	  payload depending on type: int64 | float64 | byte(bool) | (uint16 len; []byte)
func Encode(env Envelope) []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, env.TimestampMillis)
	binary.Write(buf, binary.LittleEndian, uint16(len(env.Metrics)))
	for _, m := range env.Metrics {
		name := []byte(m.Name)
		binary.Write(buf, binary.LittleEndian, uint16(len(name)))
		buf.Write(name)
		buf.WriteByte(byte(m.Type))
		switch m.Type {
		case TypeInt64:
			binary.Write(buf, binary.LittleEndian, m.IntValue)
		case TypeFloat64:
			binary.Write(buf, binary.LittleEndian, math.Float64bits(m.FloatValue))
		case TypeBool:
			b := byte(0)
			if m.BoolValue {
				b = 1
			}
			buf.WriteByte(b)
		case TypeString:
			s := []byte(m.StringValue)
			binary.Write(buf, binary.LittleEndian, uint16(len(s)))
			buf.Write(s)
		}
	}
	return buf.Bytes()
}

// Decode parses a Sparkplug B envelope payload. Any structural problem is
// returned as an error; callers map it to errs.DecodeError and discard the
// message (spec §4.2 failure semantics).
func Decode(payload []byte) (Envelope, error) {
	r := bytes.NewReader(payload)

	var ts int64
	if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
		return Envelope{}, fmt.Errorf("read timestamp: %w", err)
	}

	var count uint16
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return Envelope{}, fmt.Errorf("read metric count: %w", err)
	}

	env := Envelope{TimestampMillis: ts, Metrics: make([]Metric, 0, count)}
	for i := uint16(0); i < count; i++ {
		m, err := decodeMetric(r)
		if err != nil {
			return Envelope{}, fmt.Errorf("metric %d: %w", i, err)
		}
		env.Metrics = append(env.Metrics, m)
	}
	return env, nil
}

func decodeMetric(r *bytes.Reader) (Metric, error) {
	var nameLen uint16
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return Metric{}, fmt.Errorf("name length: %w", err)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return Metric{}, fmt.Errorf("name: %w", err)
	}

	typeByte, err := r.ReadByte()
	if err != nil {
		return Metric{}, fmt.Errorf("type tag: %w", err)
	}
	mt := MetricType(typeByte)

	m := Metric{Name: string(name), Type: mt}
	switch mt {
	case TypeInt64:
		if err := binary.Read(r, binary.LittleEndian, &m.IntValue); err != nil {
			return Metric{}, fmt.Errorf("int64 value: %w", err)
		}
	case TypeFloat64:
		var bits uint64
		if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
			return Metric{}, fmt.Errorf("float64 value: %w", err)
		}
		m.FloatValue = math.Float64frombits(bits)
	case TypeBool:
		b, err := r.ReadByte()
		if err != nil {
			return Metric{}, fmt.Errorf("bool value: %w", err)
		}
		m.BoolValue = b != 0
	case TypeString:
		var strLen uint16
		if err := binary.Read(r, binary.LittleEndian, &strLen); err != nil {
			return Metric{}, fmt.Errorf("string length: %w", err)
		}
		s := make([]byte, strLen)
		if _, err := io.ReadFull(r, s); err != nil {
			return Metric{}, fmt.Errorf("string value: %w", err)
		}
		m.StringValue = string(s)
	default:
		return Metric{}, fmt.Errorf("unknown metric type tag %d", typeByte)
	}
	return m, nil
}
