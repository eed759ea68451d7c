package mqttsub

import (
	"log"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/schmeckm/OEE-Solution-sub000/internal/config"
	"github.com/schmeckm/OEE-Solution-sub000/internal/sparkplug"
)

// fakeMessage implements mqtt.Message without a broker, for exercising
// handleMessage's topic parsing and dispatch directly.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func TestParseTopicTemplateLocatesPlaceholders(t *testing.T) {
	tpl, err := parseTopicTemplate("spBv1.0/{plant}/{area}/{dataType}/{lineCode}/{metricName}")
	require.NoError(t, err)
	require.Equal(t, 6, tpl.segmentCount)
	require.Equal(t, 3, tpl.dataTypeIdx)
	require.Equal(t, 4, tpl.lineCodeIdx)
	require.Equal(t, 5, tpl.metricIdx)
}

func TestParseTopicTemplateRejectsMissingPlaceholder(t *testing.T) {
	_, err := parseTopicTemplate("spBv1.0/{plant}/{area}/{dataType}/{lineCode}")
	require.Error(t, err)
}

func TestTopicRendersConfiguredFormat(t *testing.T) {
	s := New(config.MQTT{TopicFormat: "{plant}/{area}/{lineCode}/spBv1.0/{dataType}/{metricName}"}, nil, nil)
	got := s.Topic("p1", "a1", DataTypeDDATA, "L1", "goodCount")
	require.Equal(t, "p1/a1/L1/spBv1.0/DDATA/goodCount", got)
}

func TestHandleMessageRoutesBySchultzTemplate(t *testing.T) {
	var gotLineCode string
	var gotDataType DataType
	var gotMetric string

	s := New(config.MQTT{TopicFormat: "{plant}/{area}/{lineCode}/spBv1.0/{dataType}/{metricName}"}, func(lineCode string, dataType DataType, metricName string, env sparkplug.Envelope) {
		gotLineCode, gotDataType, gotMetric = lineCode, dataType, metricName
	}, log.Default())

	env := sparkplug.Envelope{Metrics: []sparkplug.Metric{{Name: "goodCount", Type: sparkplug.TypeFloat64, FloatValue: 42}}}
	payload := sparkplug.Encode(env)

	s.handleMessage(nil, &fakeMessage{topic: "p1/a1/L1/spBv1.0/DDATA/goodCount", payload: payload})

	require.Equal(t, "L1", gotLineCode)
	require.Equal(t, DataTypeDDATA, gotDataType)
	require.Equal(t, "goodCount", gotMetric)
}

func TestHandleMessageDiscardsWrongSegmentCount(t *testing.T) {
	called := false
	s := New(config.MQTT{TopicFormat: "spBv1.0/{plant}/{area}/{dataType}/{lineCode}/{metricName}"}, func(string, DataType, string, sparkplug.Envelope) {
		called = true
	}, log.Default())

	s.handleMessage(nil, &fakeMessage{topic: "spBv1.0/p1/DDATA/L1/goodCount", payload: nil})
	require.False(t, called)
}
