package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTaskRoundTrip(t *testing.T) {
	env := NewTask("sess-1", TaskPayload{
		ChildID: 1,
		Prompt:  "Process A",
		Context: map[string]interface{}{"k": "v"},
	})

	buf, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode(buf)
	require.NoError(t, err)

	require.Equal(t, TypeTask, decoded.Type)
	require.Equal(t, env.MessageID, decoded.MessageID)
	require.Equal(t, env.Task.TaskID, decoded.Task.TaskID)
	require.Equal(t, "Process A", decoded.Task.EffectivePrompt())
	require.Equal(t, 3, decoded.Task.Priority)
}

func TestInstructionAliasWinsOverPrompt(t *testing.T) {
	raw := []byte(`{"type":"task","message_id":"m1","timestamp":"2026-01-01T00:00:00.000000Z","session_id":"s1","task_id":"t1","child_id":1,"prompt":"old","instruction":"hello"}`)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, "hello", decoded.Task.EffectivePrompt())
}

func TestDecodeAcceptsTrailingZAsUTC(t *testing.T) {
	raw := []byte(`{"type":"status","message_id":"m1","timestamp":"2026-03-05T10:20:30.000000Z","session_id":"s1","child_id":2,"event":"started"}`)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, time.UTC, decoded.Timestamp.Location())
	require.Equal(t, EventStarted, decoded.Status.Event)
}

func TestDecodeUnknownTypeFails(t *testing.T) {
	raw := []byte(`{"type":"bogus","message_id":"m1","timestamp":"2026-01-01T00:00:00.000000Z","session_id":"s1"}`)
	_, err := Decode(raw)
	require.Error(t, err)
}

func TestReportRoundTrip(t *testing.T) {
	env := NewReport("sess-1", ReportPayload{
		TaskID:     "t1",
		ChildID:    1,
		Status:     StatusSuccess,
		Result:     map[string]interface{}{"summary": "ok"},
		DurationMs: 42,
	})
	buf, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, decoded.Report.Status)
	require.Equal(t, int64(42), decoded.Report.DurationMs)
}

func TestShutdownBroadcastHasNilTarget(t *testing.T) {
	env := NewShutdown("sess-1", ShutdownPayload{Reason: "test", Graceful: true})
	buf, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode(buf)
	require.NoError(t, err)
	require.Nil(t, decoded.Shutdown.TargetChildID)
}

func TestMonitorEnvelopeRoundTrip(t *testing.T) {
	env := NewTask("sess-1", TaskPayload{ChildID: 1, Prompt: "hi"})
	encoded, err := Encode(env)
	require.NoError(t, err)

	mon := NewMonitorEnvelope("sess-1:tasks:1", string(encoded))
	buf, err := EncodeMonitorEnvelope(mon)
	require.NoError(t, err)

	decoded, err := DecodeMonitorEnvelope(buf)
	require.NoError(t, err)
	require.Equal(t, "sess-1:tasks:1", decoded.Queue)
	require.Equal(t, string(encoded), decoded.Message)
}
