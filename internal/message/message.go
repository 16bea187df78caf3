// Package message implements the Message Envelope (spec §3, §4.3): a tagged
// sum of task/report/shutdown/status payloads, encoded as a single flat JSON
// object discriminated by "type", matching
// original_source/scripts/redis-utils/app/messages.py's BaseMessage/
// TaskMessage/ReportMessage/ShutdownMessage/StatusMessage dataclasses.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type discriminates an Envelope's payload variant.
type Type string

const (
	TypeTask     Type = "task"
	TypeReport   Type = "report"
	TypeShutdown Type = "shutdown"
	TypeStatus   Type = "status"
)

// ReportStatus is the outcome discriminator on a report payload.
type ReportStatus string

const (
	StatusSuccess ReportStatus = "success"
	StatusFailure ReportStatus = "failure"
	StatusError   ReportStatus = "error"
	StatusTimeout ReportStatus = "timeout"
)

// StatusEvent is the lifecycle tag on a status payload.
type StatusEvent string

const (
	EventStarted   StatusEvent = "started"
	EventReady     StatusEvent = "ready"
	EventBusy      StatusEvent = "busy"
	EventCompleted StatusEvent = "completed"
	EventStopped   StatusEvent = "stopped"
)

// ErrTaskExecution is the error code a failure report carries when a task
// handler panics or returns an error (spec §4.5).
const ErrTaskExecution = "E_TASK_EXECUTION"

// TaskPayload is the task-variant payload (spec §3).
type TaskPayload struct {
	TaskID         string                 `json:"task_id"`
	ChildID        int                    `json:"child_id"`
	Prompt         string                 `json:"prompt"`
	Instruction    string                 `json:"instruction,omitempty"`
	Context        map[string]interface{} `json:"context,omitempty"`
	Priority       int                    `json:"priority"`
	TimeoutSeconds *int                   `json:"timeout_seconds,omitempty"`
}

// EffectivePrompt resolves the instruction/prompt alias: instruction wins
// when both are present (spec §4.3 edge case, Scenario E).
func (p *TaskPayload) EffectivePrompt() string {
	if p.Instruction != "" {
		return p.Instruction
	}
	return p.Prompt
}

// ReportPayload is the report-variant payload.
type ReportPayload struct {
	TaskID     string                 `json:"task_id"`
	ChildID    int                    `json:"child_id"`
	Status     ReportStatus           `json:"status"`
	Result     map[string]interface{} `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	DurationMs int64                  `json:"duration_ms"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ShutdownPayload is the shutdown-variant payload.
type ShutdownPayload struct {
	Reason        string `json:"reason"`
	Graceful      bool   `json:"graceful"`
	TargetChildID *int   `json:"target_child_id,omitempty"`
}

// StatusPayload is the status-variant payload.
type StatusPayload struct {
	ChildID int                    `json:"child_id"`
	Event   StatusEvent            `json:"event"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Envelope is the self-describing record pushed on a queue or published on
// a channel (spec §3). Exactly one of Task/Report/Shutdown/Status is
// populated, selected by Type.
type Envelope struct {
	Type      Type      `json:"type"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`

	Task     *TaskPayload     `json:"-"`
	Report   *ReportPayload   `json:"-"`
	Shutdown *ShutdownPayload `json:"-"`
	Status   *StatusPayload   `json:"-"`
}

// NewTask builds a valid task envelope; task_id and message_id are
// auto-filled when empty (spec §4.3).
func NewTask(sessionID string, p TaskPayload) *Envelope {
	if p.TaskID == "" {
		p.TaskID = uuid.New().String()
	}
	if p.Priority == 0 {
		p.Priority = 3
	}
	return &Envelope{
		Type:      TypeTask,
		MessageID: uuid.New().String(),
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Task:      &p,
	}
}

// NewReport builds a valid report envelope.
func NewReport(sessionID string, p ReportPayload) *Envelope {
	return &Envelope{
		Type:      TypeReport,
		MessageID: uuid.New().String(),
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Report:    &p,
	}
}

// NewShutdown builds a valid shutdown envelope.
func NewShutdown(sessionID string, p ShutdownPayload) *Envelope {
	return &Envelope{
		Type:      TypeShutdown,
		MessageID: uuid.New().String(),
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Shutdown:  &p,
	}
}

// NewStatus builds a valid status envelope.
func NewStatus(sessionID string, p StatusPayload) *Envelope {
	return &Envelope{
		Type:      TypeStatus,
		MessageID: uuid.New().String(),
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Status:    &p,
	}
}

// envelopeWire is the flat on-wire shape: the common fields plus every
// variant's fields inlined at the same level, matching the Python
// dataclasses' to_dict() output.
type envelopeWire struct {
	Type      Type   `json:"type"`
	MessageID string `json:"message_id"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"session_id"`

	// task_id and child_id occur in more than one embedded variant, and
	// encoding/json drops same-depth duplicates, so they are carried here at
	// the top level where they take precedence over the embedded copies.
	TaskID  string `json:"task_id,omitempty"`
	ChildID int    `json:"child_id,omitempty"`

	TaskPayload
	ReportPayload
	ShutdownPayload
	StatusPayload
}

// Encode serializes an envelope to UTF-8 JSON without ASCII-escaping
// (spec §4.3). Field ordering is not deterministic and not required to be.
func Encode(e *Envelope) ([]byte, error) {
	w := envelopeWire{
		Type:      e.Type,
		MessageID: e.MessageID,
		Timestamp: formatTimestamp(e.Timestamp),
		SessionID: e.SessionID,
	}
	switch e.Type {
	case TypeTask:
		if e.Task == nil {
			return nil, fmt.Errorf("message: task envelope missing payload")
		}
		w.TaskPayload = *e.Task
		w.TaskID, w.ChildID = e.Task.TaskID, e.Task.ChildID
	case TypeReport:
		if e.Report == nil {
			return nil, fmt.Errorf("message: report envelope missing payload")
		}
		w.ReportPayload = *e.Report
		w.TaskID, w.ChildID = e.Report.TaskID, e.Report.ChildID
	case TypeShutdown:
		if e.Shutdown == nil {
			return nil, fmt.Errorf("message: shutdown envelope missing payload")
		}
		w.ShutdownPayload = *e.Shutdown
	case TypeStatus:
		if e.Status == nil {
			return nil, fmt.Errorf("message: status envelope missing payload")
		}
		w.StatusPayload = *e.Status
		w.ChildID = e.Status.ChildID
	default:
		return nil, fmt.Errorf("message: unknown message type %q", e.Type)
	}

	buf, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Decode parses a flat JSON envelope and dispatches on its "type" field to
// the matching payload variant. Unknown types fail with "unknown message
// type" (spec §4.3).
func Decode(data []byte) (*Envelope, error) {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("message: decode: %w", err)
	}

	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("message: decode: bad timestamp: %w", err)
	}

	e := &Envelope{
		Type:      w.Type,
		MessageID: w.MessageID,
		Timestamp: ts,
		SessionID: w.SessionID,
	}

	switch w.Type {
	case TypeTask:
		p := w.TaskPayload
		p.TaskID, p.ChildID = w.TaskID, w.ChildID
		// instruction wins over prompt when both present (Scenario E).
		if p.Instruction != "" {
			p.Prompt = p.Instruction
		}
		if p.Priority == 0 {
			p.Priority = 3
		}
		e.Task = &p
	case TypeReport:
		p := w.ReportPayload
		p.TaskID, p.ChildID = w.TaskID, w.ChildID
		e.Report = &p
	case TypeShutdown:
		p := w.ShutdownPayload
		e.Shutdown = &p
	case TypeStatus:
		p := w.StatusPayload
		p.ChildID = w.ChildID
		e.Status = &p
	default:
		return nil, fmt.Errorf("message: unknown message type %q", w.Type)
	}

	return e, nil
}

// formatTimestamp renders UTC with a trailing "Z", the form spec §4.3
// requires decode to accept and the form encode should produce.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}

// parseTimestamp accepts both a trailing "Z" (parsed as UTC) and an
// explicit numeric offset (spec §4.3).
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{
		"2006-01-02T15:04:05.000000Z",
		time.RFC3339Nano,
		time.RFC3339,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format %q", s)
}

// MonitorEnvelope is the wrapper published on a monitor channel (spec §3):
// {queue, message, timestamp}. message is the original envelope's JSON
// serialized as a string, matching
// original_source/scripts/redis-utils/app/sender.py's create_publish_payload.
type MonitorEnvelope struct {
	Queue     string `json:"queue"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// NewMonitorEnvelope builds a monitor envelope wrapping an already-encoded
// message for the given queue, stamped with the current time.
func NewMonitorEnvelope(queue, encodedMessage string) *MonitorEnvelope {
	return &MonitorEnvelope{
		Queue:     queue,
		Message:   encodedMessage,
		Timestamp: formatTimestamp(time.Now()),
	}
}

// EncodeMonitorEnvelope serializes a monitor envelope to JSON.
func EncodeMonitorEnvelope(m *MonitorEnvelope) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMonitorEnvelope parses a monitor envelope.
func DecodeMonitorEnvelope(data []byte) (*MonitorEnvelope, error) {
	var m MonitorEnvelope
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("message: decode monitor envelope: %w", err)
	}
	return &m, nil
}
