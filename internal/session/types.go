package session

import "errors"

var (
	// ErrSessionNotFound is returned when a descriptor does not exist.
	ErrSessionNotFound = errors.New("session: descriptor not found")

	// ErrNoAvailableSequence is returned when all of 1..100 sequence slots
	// are occupied for a prefix (spec §4.2).
	ErrNoAvailableSequence = errors.New("session: no available sequence")

	// ErrChildIDOutOfRange is returned for a child_id outside 1..MaxChildren.
	ErrChildIDOutOfRange = errors.New("session: child_id out of range")
)

// Mode discriminates the two Session Descriptor shapes (spec §3).
type Mode string

const (
	ModeSequenced Mode = "sequenced"
	ModeUUID      Mode = "uuid"
)

// Descriptor is the authoritative record of a session, persisted as JSON at
// "<prefix>:config" (spec §3).
type Descriptor struct {
	SessionID      string   `json:"session_id"`
	Prefix         string   `json:"prefix"`
	MaxChildren    int      `json:"max_children"`
	CreatedAt      string   `json:"created_at"`
	TaskQueues     []string `json:"task_queues"`
	ReportQueue    string   `json:"report_queue"`
	ReportQueues   []string `json:"report_queues,omitempty"`
	StatusStream   string   `json:"status_stream"`
	ResultStream   string   `json:"result_stream"`
	ControlList    string   `json:"control_list"`
	MonitorChannel string   `json:"monitor_channel,omitempty"`
	Mode           Mode     `json:"mode"`
}

// ReportQueueFor returns the report list a worker at childID should push
// reports onto: the shared queue in uuid mode, or its own per-slot queue in
// sequenced mode (spec §3 "report_queue" variants).
func (d *Descriptor) ReportQueueFor(childID int) string {
	if d.Mode == ModeUUID {
		return d.ReportQueue
	}
	if childID < 1 || childID > len(d.ReportQueues) {
		return ""
	}
	return d.ReportQueues[childID-1]
}

// TaskQueueFor returns the task list dedicated to childID, or "" if
// childID is out of range.
func (d *Descriptor) TaskQueueFor(childID int) string {
	if childID < 1 || childID > len(d.TaskQueues) {
		return ""
	}
	return d.TaskQueues[childID-1]
}

// AllKeys enumerates every store key referenced by the descriptor, used by
// Cleanup to delete the full session footprint (spec §4.2).
func (d *Descriptor) AllKeys() []string {
	keys := make([]string, 0, len(d.TaskQueues)+len(d.ReportQueues)+5)
	keys = append(keys, d.Prefix+":config")
	keys = append(keys, d.TaskQueues...)
	if d.Mode == ModeUUID {
		keys = append(keys, d.ReportQueue)
	} else {
		keys = append(keys, d.ReportQueues...)
	}
	keys = append(keys, d.StatusStream, d.ResultStream, d.ControlList)
	return keys
}
