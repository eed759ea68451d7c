package sparkplug

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := Envelope{
		TimestampMillis: 1714550400000,
		Metrics: []Metric{
			{Name: "machineConnect", Type: TypeBool, BoolValue: true},
			{Name: "goodCount", Type: TypeInt64, IntValue: 42},
			{Name: "targetPerformance", Type: TypeFloat64, FloatValue: 60.5},
			{Name: "orderNumber", Type: TypeString, StringValue: "PO-1001"},
		},
	}

	out, err := Decode(Encode(env))
	require.NoError(t, err)
	require.Equal(t, env.TimestampMillis, out.TimestampMillis)
	require.Len(t, out.Metrics, 4)
	require.Equal(t, "machineConnect", out.Metrics[0].Name)
	require.True(t, out.Metrics[0].BoolValue)
	require.Equal(t, int64(42), out.Metrics[1].IntValue)
	require.InDelta(t, 60.5, out.Metrics[2].FloatValue, 1e-9)
	require.Equal(t, "PO-1001", out.Metrics[3].StringValue)
}

func TestDecodeTruncatedPayloadErrors(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestDecodeUnknownTypeTagErrors(t *testing.T) {
	env := Envelope{Metrics: []Metric{{Name: "x", Type: TypeInt64, IntValue: 1}}}
	payload := Encode(env)
	// layout: int64 ts(8) + uint16 count(2) + uint16 nameLen(2) + name(1) + type(1) + ...
	const typeTagOffset = 8 + 2 + 2 + 1
	payload[typeTagOffset] = 0xFF
	_, err := Decode(payload)
	require.Error(t, err)
}

func TestAsFloat64(t *testing.T) {
	require.Equal(t, 1.0, Metric{Type: TypeBool, BoolValue: true}.AsFloat64())
	require.Equal(t, 0.0, Metric{Type: TypeBool, BoolValue: false}.AsFloat64())
	require.Equal(t, 42.0, Metric{Type: TypeInt64, IntValue: 42}.AsFloat64())
}
