package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/moogle-fabric/fabric/internal/message"
	"github.com/moogle-fabric/fabric/internal/session"
	"github.com/moogle-fabric/fabric/internal/storeclient"
)

func newTestWorker(t *testing.T, childID int, handler TaskHandler) (*Worker, *storeclient.Client, *session.Descriptor) {
	t.Helper()
	s := miniredis.RunT(t)
	c, err := storeclient.New(storeclient.Config{Addr: s.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	sm := session.NewManager(c, zaptest.NewLogger(t))
	desc, err := sm.CreateUUID(context.Background(), 2, 0, "")
	require.NoError(t, err)

	return New(c, desc, childID, handler, zaptest.NewLogger(t)), c, desc
}

func instantHandler(summary string, data map[string]interface{}, err error) TaskHandler {
	return func(ctx context.Context, task message.TaskPayload) (string, map[string]interface{}, error) {
		return summary, data, err
	}
}

func TestRunWorkerLoop_CompletesOneTaskAndPushesSuccessReport(t *testing.T) {
	w, store, desc := newTestWorker(t, 1, instantHandler("ok", map[string]interface{}{"x": 1}, nil))
	ctx := context.Background()

	env := message.NewTask(desc.SessionID, message.TaskPayload{ChildID: 1, Prompt: "do it"})
	encoded, err := message.Encode(env)
	require.NoError(t, err)
	_, err = store.RPush(ctx, desc.TaskQueueFor(1), string(encoded))
	require.NoError(t, err)

	result, err := w.RunWorkerLoop(ctx, 1, 200*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 1, result.TasksCompleted)
	require.False(t, result.ShutdownReceived)
	require.Equal(t, StateTerminal, w.State())

	popped, err := store.BLPop(ctx, 0, desc.ReportQueue)
	require.NoError(t, err)
	require.NotNil(t, popped)
	reportEnv, err := message.Decode([]byte(popped.Value))
	require.NoError(t, err)
	require.Equal(t, message.TypeReport, reportEnv.Type)
	require.Equal(t, message.StatusSuccess, reportEnv.Report.Status)
	require.Equal(t, env.Task.TaskID, reportEnv.Report.TaskID)
}

func TestRunWorkerLoop_HandlerErrorProducesFailureReport(t *testing.T) {
	w, store, desc := newTestWorker(t, 1, instantHandler("", nil, errors.New("boom")))
	ctx := context.Background()

	env := message.NewTask(desc.SessionID, message.TaskPayload{ChildID: 1, Prompt: "x"})
	encoded, err := message.Encode(env)
	require.NoError(t, err)
	_, err = store.RPush(ctx, desc.TaskQueueFor(1), string(encoded))
	require.NoError(t, err)

	result, err := w.RunWorkerLoop(ctx, 1, 200*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 1, result.TasksCompleted)

	popped, err := store.BLPop(ctx, 0, desc.ReportQueue)
	require.NoError(t, err)
	reportEnv, err := message.Decode([]byte(popped.Value))
	require.NoError(t, err)
	require.Equal(t, message.StatusFailure, reportEnv.Report.Status)
	require.Contains(t, reportEnv.Report.Error, "E_TASK_EXECUTION")
}

func TestRunWorkerLoop_ShutdownStopsConsumption(t *testing.T) {
	w, store, desc := newTestWorker(t, 1, instantHandler("ok", nil, nil))
	ctx := context.Background()

	shutdown := message.NewShutdown(desc.SessionID, message.ShutdownPayload{Reason: "done", Graceful: true})
	encoded, err := message.Encode(shutdown)
	require.NoError(t, err)
	_, err = store.RPush(ctx, desc.TaskQueueFor(1), string(encoded))
	require.NoError(t, err)

	taskEnv := message.NewTask(desc.SessionID, message.TaskPayload{ChildID: 1, Prompt: "never runs"})
	taskEncoded, err := message.Encode(taskEnv)
	require.NoError(t, err)
	_, err = store.RPush(ctx, desc.TaskQueueFor(1), string(taskEncoded))
	require.NoError(t, err)

	result, err := w.RunWorkerLoop(ctx, 0, 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, result.ShutdownReceived)
	require.Equal(t, 0, result.TasksCompleted)

	n, err := store.LLen(ctx, desc.TaskQueueFor(1))
	require.NoError(t, err)
	require.EqualValues(t, 1, n, "the task queued after shutdown must remain unconsumed")
}

func TestRunWorkerLoop_KeepsPollingThroughTimeoutsUntilStop(t *testing.T) {
	w, _, _ := newTestWorker(t, 1, instantHandler("ok", nil, nil))

	go func() {
		time.Sleep(250 * time.Millisecond)
		w.Stop()
	}()

	result, err := w.RunWorkerLoop(context.Background(), 0, 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, result.StopRequested)
	require.Equal(t, 0, result.TasksCompleted)
}

func TestRunWorkerLoop_RejectsOutOfRangeChild(t *testing.T) {
	w, _, _ := newTestWorker(t, 99, instantHandler("ok", nil, nil))
	_, err := w.RunWorkerLoop(context.Background(), 1, 50*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, StateTerminal, w.State())
}
