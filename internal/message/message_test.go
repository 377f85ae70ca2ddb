package message

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"pushclient/internal/fault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKnownTypes(t *testing.T) {
	t.Parallel()
	now := time.Now()
	cases := []struct {
		name  string
		frame string
		want  Body
	}{
		{"notification flat", `{"type":"NOTIFICATION","messageId":"m1","title":"Hi","body":"there","url":"/inbox"}`,
			Notification{MessageID: "m1", Title: "Hi", Body: "there", URL: "/inbox"}},
		{"notification nested", `{"type":"NOTIFICATION","priority":3,"data":{"messageId":"m2","body":"only body"}}`,
			Notification{MessageID: "m2", Body: "only body"}},
		{"ack", `{"type":"ACK","messageId":"m1","status":"ok"}`, ServerAck{MessageID: "m1", Status: "ok"}},
		{"heartbeat", `{"type":"HEARTBEAT","sequence":4}`, Heartbeat{Sequence: 4}},
		{"heartbeat ack relaxed", `{"type":"HEARTBEAT_ACK"}`, HeartbeatAck{}},
		{"system relaxed", `{"type":"SYSTEM","action":"reconnect"}`, System{Action: "reconnect", Params: map[string]any{"action": "reconnect"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := Parse([]byte(tc.frame), 0, now)
			require.NoError(t, err)
			assert.Equal(t, tc.want, m.Body)
			assert.True(t, m.Known())
		})
	}
}

func TestParseRejectsBadFrames(t *testing.T) {
	t.Parallel()
	now := time.Now()
	cases := []struct {
		name  string
		frame string
		kind  fault.Kind
	}{
		{"not json", `{"type":`, fault.KindParse},
		{"not an object", `[1,2]`, fault.KindParse},
		{"no type", `{"messageId":"x"}`, fault.KindValidation},
		{"notification without id", `{"type":"NOTIFICATION","title":"x"}`, fault.KindValidation},
		{"notification without text", `{"type":"NOTIFICATION","messageId":"x"}`, fault.KindValidation},
		{"ack without id", `{"type":"ACK"}`, fault.KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.frame), 0, now)
			require.Error(t, err)
			assert.Equal(t, tc.kind, fault.KindOf(err))
			assert.False(t, fault.IsRetryable(err))
		})
	}
}

func TestParseSizeLimit(t *testing.T) {
	t.Parallel()
	frame := `{"type":"SYSTEM","pad":"` + strings.Repeat("x", 100) + `"}`
	_, err := Parse([]byte(frame), 64, time.Now())
	require.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Equal(t, fault.KindParse, fault.KindOf(err))
}

func TestUnknownTypePassesThrough(t *testing.T) {
	t.Parallel()
	m, err := Parse([]byte(`{"type":"PROMO_V2","campaign":"spring","priority":2}`), 0, time.Now())
	require.NoError(t, err)
	assert.False(t, m.Known())
	assert.Equal(t, Unknown{Raw: map[string]any{"campaign": "spring"}}, m.Body)
	assert.Equal(t, 2, m.Priority)
}

func TestParseDefaultsPriorityAndTimestamp(t *testing.T) {
	t.Parallel()
	recv := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	m, err := Parse([]byte(`{"type":"HEARTBEAT"}`), 0, recv)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Priority)
	assert.Equal(t, recv, m.Timestamp)

	m, err = Parse([]byte(`{"type":"HEARTBEAT","timestamp":12}`), 0, recv)
	require.NoError(t, err)
	assert.Equal(t, recv, m.Timestamp, "implausibly old")

	m, err = Parse([]byte(`{"type":"HEARTBEAT","timestamp":"2099-01-01T00:00:00Z"}`), 0, recv)
	require.NoError(t, err)
	assert.Equal(t, recv, m.Timestamp, "too far in the future")

	sent := recv.Add(-time.Minute)
	m, err = Parse([]byte(`{"type":"HEARTBEAT","priority":"7","timestamp":`+strconv.FormatInt(sent.UnixMilli(), 10)+`}`), 0, recv)
	require.NoError(t, err)
	assert.Equal(t, 7, m.Priority)
	assert.True(t, sent.Equal(m.Timestamp))
}

func TestEncodeParseRoundTrip(t *testing.T) {
	t.Parallel()
	now := time.Now()
	frames := []string{
		`{"type":"NOTIFICATION","priority":5,"messageId":"m1","title":"T","body":"B","url":"/x","extra":{"k":[1,2]}}`,
		`{"type":"ACK","priority":1,"messageId":"m1","status":"received"}`,
		`{"type":"HEARTBEAT","sequence":9}`,
		`{"type":"HEARTBEAT_ACK","sequence":9}`,
		`{"type":"SYSTEM","priority":10,"action":"logout","reason":"revoked"}`,
		`{"type":"SOMETHING_NEW","payload":{"a":true}}`,
	}
	for _, f := range frames {
		m1, err := Parse([]byte(f), 0, now)
		require.NoError(t, err, f)
		enc, err := Encode(m1)
		require.NoError(t, err)
		m2, err := Parse(enc, 0, now)
		require.NoError(t, err, string(enc))

		assert.Equal(t, m1.Type, m2.Type)
		assert.Equal(t, m1.Priority, m2.Priority)
		assert.Equal(t, m1.Data, m2.Data)
		assert.Equal(t, m1.Body, m2.Body)
	}
}
