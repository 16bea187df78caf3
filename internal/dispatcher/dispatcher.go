// Package dispatcher implements the Parent Dispatcher (spec §4.4): fans
// tasks out to worker task queues, collects reports off the report queue,
// and issues shutdown. Grounded on
// original_source/scripts/redis-utils/app/sender.py's RedisSender
// (send_with_publish's publish-failure-does-not-fail-the-send semantics,
// SendResult) and receiver.py's receive_many/receive_and_parse
// loop-until-budget shape.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/moogle-fabric/fabric/internal/message"
	"github.com/moogle-fabric/fabric/internal/session"
	"github.com/moogle-fabric/fabric/internal/storeclient"
)

// perCallBlockCap bounds the blocking granularity of ReceiveAllReports so the
// overall deadline is honored even while waiting for more reports than have
// arrived (spec §4.4).
const perCallBlockCap = 5 * time.Second

// SendResult is the outcome of a single push, mirroring sender.py's
// SendResult: a publish failure never fails the send.
type SendResult struct {
	OK      bool
	TaskID  string
	ChildID int
	Error   string
}

// Dispatcher is the parent side ("moogle") of one session.
type Dispatcher struct {
	store  *storeclient.Client
	sm     *session.Manager
	logger *zap.Logger

	desc *session.Descriptor
}

// New builds a Dispatcher over a store client and session manager.
func New(store *storeclient.Client, sm *session.Manager, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{store: store, sm: sm, logger: logger}
}

// Connect loads the session descriptor, failing if it is absent (spec §4.4).
func (d *Dispatcher) Connect(ctx context.Context, sessionID string) error {
	desc, err := d.sm.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("dispatcher: connect: %w", err)
	}
	d.desc = desc
	return nil
}

// Descriptor returns the connected session's descriptor.
func (d *Dispatcher) Descriptor() *session.Descriptor {
	return d.desc
}

// SendTask pushes an encoded task envelope onto the task queue for childID,
// mirroring it on the monitor channel when present (spec §4.4).
func (d *Dispatcher) SendTask(ctx context.Context, childID int, prompt string, taskCtx map[string]interface{}, priority int, timeoutSeconds *int) SendResult {
	if d.desc == nil {
		return SendResult{OK: false, ChildID: childID, Error: "dispatcher: not connected"}
	}
	queue := d.desc.TaskQueueFor(childID)
	if queue == "" {
		return SendResult{OK: false, ChildID: childID, Error: "dispatcher: child_id out of range"}
	}

	env := message.NewTask(d.desc.SessionID, message.TaskPayload{
		ChildID:        childID,
		Prompt:         prompt,
		Context:        taskCtx,
		Priority:       priority,
		TimeoutSeconds: timeoutSeconds,
	})
	encoded, err := message.Encode(env)
	if err != nil {
		return SendResult{OK: false, ChildID: childID, Error: err.Error()}
	}

	if _, err := d.store.RPush(ctx, queue, string(encoded)); err != nil {
		return SendResult{OK: false, ChildID: childID, Error: err.Error()}
	}

	d.mirror(ctx, queue, string(encoded))
	d.logger.Info("task dispatched",
		zap.String("session_id", d.desc.SessionID), zap.Int("child_id", childID), zap.String("task_id", env.Task.TaskID))
	return SendResult{OK: true, TaskID: env.Task.TaskID, ChildID: childID}
}

// SendTasksToAll fans one prompt per slot out across 1..len(prompts), capped
// at max_children (spec §4.4). Fairness is not required; each prompt goes
// only to its own slot.
func (d *Dispatcher) SendTasksToAll(ctx context.Context, prompts []string) []SendResult {
	results := make([]SendResult, 0, len(prompts))
	limit := len(prompts)
	if d.desc != nil && d.desc.MaxChildren < limit {
		limit = d.desc.MaxChildren
	}
	for i := 0; i < limit; i++ {
		childID := i + 1
		results = append(results, d.SendTask(ctx, childID, prompts[i], nil, 0, nil))
	}
	return results
}

// ReceiveReport blocks on the report queue until a report arrives or timeout
// elapses, returning nil on timeout (spec §4.4). Any decoded non-report
// message is discarded and another receive is attempted within budget.
func (d *Dispatcher) ReceiveReport(ctx context.Context, timeout time.Duration) (*message.ReportPayload, error) {
	if d.desc == nil {
		return nil, fmt.Errorf("dispatcher: not connected")
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := timeout
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return nil, nil
			}
		}

		queues := d.reportQueues()
		res, err := d.store.BLPop(ctx, remaining, queues...)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: receive report: %w", err)
		}
		if res == nil {
			return nil, nil
		}

		env, err := message.Decode([]byte(res.Value))
		if err != nil {
			d.logger.Warn("dropping undecodable report-queue message", zap.Error(err))
			if timeout == 0 {
				continue
			}
			if time.Now().After(deadline) {
				return nil, nil
			}
			continue
		}
		if env.Type != message.TypeReport {
			d.logger.Warn("dropping non-report message on report queue", zap.String("type", string(env.Type)))
			if timeout == 0 {
				continue
			}
			if time.Now().After(deadline) {
				return nil, nil
			}
			continue
		}
		return env.Report, nil
	}
}

// ReceiveAllReports loops receiving until expectedCount is met or
// overallTimeout elapses, bounding each BLPOP call at perCallBlockCap so the
// overall deadline is honored (spec §4.4).
func (d *Dispatcher) ReceiveAllReports(ctx context.Context, expectedCount int, overallTimeout time.Duration) []message.ReportPayload {
	reports := make([]message.ReportPayload, 0, expectedCount)
	deadline := time.Now().Add(overallTimeout)

	for len(reports) < expectedCount {
		remaining := time.Until(deadline)
		if overallTimeout > 0 && remaining <= 0 {
			break
		}
		callTimeout := perCallBlockCap
		if overallTimeout > 0 && remaining < callTimeout {
			callTimeout = remaining
		}

		report, err := d.ReceiveReport(ctx, callTimeout)
		if err != nil {
			d.logger.Warn("receive_all_reports: receive failed", zap.Error(err))
			break
		}
		if report == nil {
			if overallTimeout > 0 && time.Now().After(deadline) {
				break
			}
			continue
		}
		reports = append(reports, *report)
	}
	return reports
}

// SendShutdown pushes a shutdown envelope. target==nil broadcasts one
// envelope per task queue; otherwise only that slot is targeted (spec §4.4).
func (d *Dispatcher) SendShutdown(ctx context.Context, reason string, graceful bool, target *int) []SendResult {
	if d.desc == nil {
		return []SendResult{{OK: false, Error: "dispatcher: not connected"}}
	}

	childIDs := []int{}
	if target == nil {
		for i := 1; i <= d.desc.MaxChildren; i++ {
			childIDs = append(childIDs, i)
		}
	} else {
		childIDs = append(childIDs, *target)
	}

	results := make([]SendResult, 0, len(childIDs))
	for _, childID := range childIDs {
		queue := d.desc.TaskQueueFor(childID)
		if queue == "" {
			results = append(results, SendResult{OK: false, ChildID: childID, Error: "dispatcher: child_id out of range"})
			continue
		}
		env := message.NewShutdown(d.desc.SessionID, message.ShutdownPayload{
			Reason:        reason,
			Graceful:      graceful,
			TargetChildID: target,
		})
		encoded, err := message.Encode(env)
		if err != nil {
			results = append(results, SendResult{OK: false, ChildID: childID, Error: err.Error()})
			continue
		}
		if _, err := d.store.RPush(ctx, queue, string(encoded)); err != nil {
			results = append(results, SendResult{OK: false, ChildID: childID, Error: err.Error()})
			continue
		}
		d.mirror(ctx, queue, string(encoded))
		results = append(results, SendResult{OK: true, ChildID: childID})
	}
	return results
}

func (d *Dispatcher) reportQueues() []string {
	if d.desc.Mode == session.ModeUUID {
		return []string{d.desc.ReportQueue}
	}
	return d.desc.ReportQueues
}

// mirror publishes the monitor envelope wrapping an already-encoded message;
// a publish failure never fails the preceding push (spec §4.4,
// sender.py's send_with_publish).
func (d *Dispatcher) mirror(ctx context.Context, queue, encoded string) {
	if d.desc.MonitorChannel == "" {
		return
	}
	mon := message.NewMonitorEnvelope(queue, encoded)
	payload, err := message.EncodeMonitorEnvelope(mon)
	if err != nil {
		d.logger.Warn("failed to encode monitor envelope", zap.Error(err))
		return
	}
	if _, err := d.store.Publish(ctx, d.desc.MonitorChannel, string(payload)); err != nil {
		d.logger.Warn("failed to publish monitor envelope", zap.Error(err))
	}
}
