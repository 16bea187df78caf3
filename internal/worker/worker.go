// Package worker implements the Worker Runtime (spec §4.5): consumes tasks
// assigned to one slot and emits reports. Grounded on
// original_source/scripts/redis-utils/app/receiver.py's wait_for_shutdown
// loop-and-discard shape and
// original_source/skills/multi-agent-system/child_agent.py's run-loop /
// stop-flag / current-task-lock design (_run_loop, _handle_task,
// _default_task_handler).
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/moogle-fabric/fabric/internal/message"
	"github.com/moogle-fabric/fabric/internal/session"
	"github.com/moogle-fabric/fabric/internal/storeclient"
)

// State is one node of the worker's state machine (spec §4.5).
type State int

const (
	StateStarting State = iota
	StateConnecting
	StateIdle
	StateBusy
	StateReporting
	StateDraining
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateReporting:
		return "reporting"
	case StateDraining:
		return "draining"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// TaskHandler executes one task's prompt and returns the data a success
// report should carry. Returning an error (or panicking) produces a failure
// report whose error string is "E_TASK_EXECUTION: <message>" (spec §4.5).
type TaskHandler func(ctx context.Context, task message.TaskPayload) (summary string, data map[string]interface{}, err error)

// DefaultTaskHandler simulates execution the way
// child_agent.py's _default_task_handler does: pause briefly (two seconds),
// then report a canned summary. Intended for smoke-testing a
// session end-to-end before a real handler is wired in.
func DefaultTaskHandler(ctx context.Context, task message.TaskPayload) (string, map[string]interface{}, error) {
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
	prompt := task.EffectivePrompt()
	summary := fmt.Sprintf("completed task: %.50s", prompt)
	return summary, map[string]interface{}{"prompt_length": len(prompt)}, nil
}

// RunResult summarizes why RunWorkerLoop returned.
type RunResult struct {
	TasksCompleted   int
	ShutdownReceived bool
	StopRequested    bool
}

// Worker is the child side ("chocobo") of one slot within a session.
type Worker struct {
	store   *storeclient.Client
	desc    *session.Descriptor
	childID int
	handler TaskHandler
	logger  *zap.Logger

	mu       sync.Mutex
	state    State
	stopFlag atomic.Bool
}

// New builds a Worker bound to one task-queue slot. handler defaults to
// DefaultTaskHandler when nil.
func New(store *storeclient.Client, desc *session.Descriptor, childID int, handler TaskHandler, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		handler = DefaultTaskHandler
	}
	return &Worker{store: store, desc: desc, childID: childID, handler: handler, logger: logger, state: StateStarting}
}

// State returns the worker's current state machine node.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Stop requests a graceful drain: the in-flight task (if any) finishes and
// reports, then RunWorkerLoop returns without consuming further tasks
// (spec §4.5, external stop transitions Idle/Busy → Draining).
func (w *Worker) Stop() {
	w.stopFlag.Store(true)
}

// RunWorkerLoop consumes tasks from this slot's queue until a shutdown
// envelope is consumed, Stop is called, maxTasks tasks complete (0 means
// unbounded), or the context is canceled. blockTimeout bounds each BLPOP
// iteration; timeouts are not errors and simply trigger another iteration
// (spec §4.5).
func (w *Worker) RunWorkerLoop(ctx context.Context, maxTasks int, blockTimeout time.Duration) (*RunResult, error) {
	w.setState(StateConnecting)
	queue := w.desc.TaskQueueFor(w.childID)
	if queue == "" {
		w.setState(StateTerminal)
		return nil, fmt.Errorf("worker: child_id %d: %w", w.childID, session.ErrChildIDOutOfRange)
	}
	w.setState(StateIdle)

	result := &RunResult{}
	for {
		if ctx.Err() != nil {
			w.setState(StateDraining)
			break
		}
		if w.stopFlag.Load() {
			w.setState(StateDraining)
			result.StopRequested = true
			break
		}
		if maxTasks > 0 && result.TasksCompleted >= maxTasks {
			break
		}

		res, err := w.store.BLPop(ctx, blockTimeout, queue)
		if err != nil {
			w.setState(StateTerminal)
			return result, fmt.Errorf("worker: receive: %w", err)
		}
		if res == nil {
			// Timeout: not an error, try again.
			continue
		}

		env, err := message.Decode([]byte(res.Value))
		if err != nil {
			w.logger.Warn("dropping undecodable task-queue message", zap.Error(err))
			continue
		}

		switch env.Type {
		case message.TypeShutdown:
			w.logger.Info("shutdown received", zap.Int("child_id", w.childID),
				zap.String("reason", env.Shutdown.Reason))
			w.setState(StateDraining)
			result.ShutdownReceived = true
			w.emitStatus(ctx, message.EventStopped, map[string]interface{}{"reason": env.Shutdown.Reason})
		case message.TypeTask:
			w.setState(StateBusy)
			w.handleTask(ctx, env.Task)
			result.TasksCompleted++
			w.setState(StateIdle)
			continue
		default:
			w.logger.Warn("dropping unexpected message type on task queue",
				zap.String("type", string(env.Type)))
			continue
		}
		break
	}

	w.setState(StateTerminal)
	return result, nil
}

// handleTask runs one task end to end: started status, handler invocation
// with monotonic timing, report push, ready status (spec §4.5).
func (w *Worker) handleTask(ctx context.Context, task *message.TaskPayload) {
	w.emitStatus(ctx, message.EventStarted, nil)

	start := time.Now()
	summary, data, err := func() (s string, d map[string]interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task handler panic: %v", r)
			}
		}()
		return w.handler(ctx, *task)
	}()
	durationMs := time.Since(start).Milliseconds()

	w.setState(StateReporting)
	var report message.ReportPayload
	if err != nil {
		w.logger.Error("task failed", zap.String("task_id", task.TaskID), zap.Error(err))
		report = message.ReportPayload{
			TaskID:     task.TaskID,
			ChildID:    w.childID,
			Status:     message.StatusFailure,
			Error:      fmt.Sprintf("%s: %s", message.ErrTaskExecution, err.Error()),
			DurationMs: durationMs,
		}
	} else {
		w.logger.Info("task completed", zap.String("task_id", task.TaskID), zap.Int64("duration_ms", durationMs))
		report = message.ReportPayload{
			TaskID:     task.TaskID,
			ChildID:    w.childID,
			Status:     message.StatusSuccess,
			Result:     data,
			DurationMs: durationMs,
			Metadata:   map[string]interface{}{"summary": summary},
		}
	}
	w.pushReport(ctx, report)
	w.emitStatus(ctx, message.EventReady, nil)
}

func (w *Worker) pushReport(ctx context.Context, report message.ReportPayload) {
	env := message.NewReport(w.desc.SessionID, report)
	encoded, err := message.Encode(env)
	if err != nil {
		w.logger.Error("failed to encode report", zap.Error(err))
		return
	}
	queue := w.reportQueue()
	if _, err := w.store.RPush(ctx, queue, string(encoded)); err != nil {
		w.logger.Error("failed to push report", zap.Error(err))
		return
	}
	w.mirror(ctx, queue, string(encoded))
}

func (w *Worker) reportQueue() string {
	if w.desc.Mode == session.ModeUUID {
		return w.desc.ReportQueue
	}
	return w.desc.ReportQueueFor(w.childID)
}

// emitStatus publishes a status envelope directly on the monitor channel.
// Status events are not pushed onto any list: they have no queue to mirror,
// so (unlike tasks/reports/shutdowns) they are published, not RPushed-then-
// mirrored (see DESIGN.md's worker/status open-question decision).
func (w *Worker) emitStatus(ctx context.Context, event message.StatusEvent, details map[string]interface{}) {
	if w.desc.MonitorChannel == "" {
		return
	}
	env := message.NewStatus(w.desc.SessionID, message.StatusPayload{
		ChildID: w.childID,
		Event:   event,
		Details: details,
	})
	encoded, err := message.Encode(env)
	if err != nil {
		w.logger.Warn("failed to encode status envelope", zap.Error(err))
		return
	}
	if _, err := w.store.Publish(ctx, w.desc.MonitorChannel, string(encoded)); err != nil {
		w.logger.Warn("failed to publish status envelope", zap.Error(err))
	}
}

func (w *Worker) mirror(ctx context.Context, queue, encoded string) {
	if w.desc.MonitorChannel == "" {
		return
	}
	mon := message.NewMonitorEnvelope(queue, encoded)
	payload, err := message.EncodeMonitorEnvelope(mon)
	if err != nil {
		w.logger.Warn("failed to encode monitor envelope", zap.Error(err))
		return
	}
	if _, err := w.store.Publish(ctx, w.desc.MonitorChannel, string(payload)); err != nil {
		w.logger.Warn("failed to publish monitor envelope", zap.Error(err))
	}
}
