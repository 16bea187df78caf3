package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/moogle-fabric/fabric/internal/message"
	"github.com/moogle-fabric/fabric/internal/session"
	"github.com/moogle-fabric/fabric/internal/storeclient"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *storeclient.Client, *session.Manager) {
	t.Helper()
	s := miniredis.RunT(t)
	c, err := storeclient.New(storeclient.Config{Addr: s.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	sm := session.NewManager(c, zaptest.NewLogger(t))
	return New(c, sm, zaptest.NewLogger(t)), c, sm
}

func TestSendTask_DeliversOnlyToTargetSlot(t *testing.T) {
	d, store, sm := newTestDispatcher(t)
	ctx := context.Background()

	desc, err := sm.CreateUUID(ctx, 3, 0, "")
	require.NoError(t, err)
	require.NoError(t, d.Connect(ctx, desc.SessionID))

	res := d.SendTask(ctx, 2, "do the thing", nil, 0, nil)
	require.True(t, res.OK)
	require.NotEmpty(t, res.TaskID)

	for i, q := range desc.TaskQueues {
		n, err := store.LLen(ctx, q)
		require.NoError(t, err)
		if i == 1 {
			require.EqualValues(t, 1, n)
		} else {
			require.EqualValues(t, 0, n)
		}
	}
}

func TestSendTask_RejectsOutOfRangeChild(t *testing.T) {
	d, _, sm := newTestDispatcher(t)
	ctx := context.Background()

	desc, err := sm.CreateUUID(ctx, 2, 0, "")
	require.NoError(t, err)
	require.NoError(t, d.Connect(ctx, desc.SessionID))

	res := d.SendTask(ctx, 3, "x", nil, 0, nil)
	require.False(t, res.OK)
}

func TestSendShutdown_BroadcastHitsEveryQueue(t *testing.T) {
	d, store, sm := newTestDispatcher(t)
	ctx := context.Background()

	desc, err := sm.CreateUUID(ctx, 3, 0, "")
	require.NoError(t, err)
	require.NoError(t, d.Connect(ctx, desc.SessionID))

	results := d.SendShutdown(ctx, "test", true, nil)
	require.Len(t, results, 3)
	for _, r := range results {
		require.True(t, r.OK)
	}
	for _, q := range desc.TaskQueues {
		n, err := store.LLen(ctx, q)
		require.NoError(t, err)
		require.EqualValues(t, 1, n)
	}
}

func TestReceiveReport_DropsNonReportMessages(t *testing.T) {
	d, store, sm := newTestDispatcher(t)
	ctx := context.Background()

	desc, err := sm.CreateUUID(ctx, 1, 0, "")
	require.NoError(t, err)
	require.NoError(t, d.Connect(ctx, desc.SessionID))

	junk, err := message.Encode(message.NewStatus(desc.SessionID, message.StatusPayload{ChildID: 1, Event: message.EventStarted}))
	require.NoError(t, err)
	_, err = store.RPush(ctx, desc.ReportQueue, string(junk))
	require.NoError(t, err)

	report, err := message.Encode(message.NewReport(desc.SessionID, message.ReportPayload{
		TaskID: "t1", ChildID: 1, Status: message.StatusSuccess, DurationMs: 5,
	}))
	require.NoError(t, err)
	_, err = store.RPush(ctx, desc.ReportQueue, string(report))
	require.NoError(t, err)

	got, err := d.ReceiveReport(ctx, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "t1", got.TaskID)
}

func TestReceiveReport_TimesOutOnEmptyQueue(t *testing.T) {
	d, _, sm := newTestDispatcher(t)
	ctx := context.Background()

	desc, err := sm.CreateUUID(ctx, 1, 0, "")
	require.NoError(t, err)
	require.NoError(t, d.Connect(ctx, desc.SessionID))

	got, err := d.ReceiveReport(ctx, 200*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestReceiveAllReports_StopsAtCount(t *testing.T) {
	d, store, sm := newTestDispatcher(t)
	ctx := context.Background()

	desc, err := sm.CreateUUID(ctx, 1, 0, "")
	require.NoError(t, err)
	require.NoError(t, d.Connect(ctx, desc.SessionID))

	for i := 0; i < 3; i++ {
		env, err := message.Encode(message.NewReport(desc.SessionID, message.ReportPayload{
			TaskID: "t", ChildID: 1, Status: message.StatusSuccess,
		}))
		require.NoError(t, err)
		_, err = store.RPush(ctx, desc.ReportQueue, string(env))
		require.NoError(t, err)
	}

	reports := d.ReceiveAllReports(ctx, 2, 2*time.Second)
	require.Len(t, reports, 2)
}

func TestSendTasksToAll_CapsAtMaxChildren(t *testing.T) {
	d, _, sm := newTestDispatcher(t)
	ctx := context.Background()

	desc, err := sm.CreateUUID(ctx, 2, 0, "")
	require.NoError(t, err)
	require.NoError(t, d.Connect(ctx, desc.SessionID))

	results := d.SendTasksToAll(ctx, []string{"a", "b", "c"})
	require.Len(t, results, 2)
	require.Equal(t, 1, results[0].ChildID)
	require.Equal(t, 2, results[1].ChildID)
}
