package observer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/moogle-fabric/fabric/internal/dispatcher"
	"github.com/moogle-fabric/fabric/internal/message"
	"github.com/moogle-fabric/fabric/internal/observer/logstore"
	"github.com/moogle-fabric/fabric/internal/session"
	"github.com/moogle-fabric/fabric/internal/storeclient"
)

func newTestObserver(t *testing.T) (*Observer, *storeclient.Client, *session.Manager, string) {
	t.Helper()
	s := miniredis.RunT(t)
	c, err := storeclient.New(storeclient.Config{Addr: s.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	sm := session.NewManager(c, zaptest.NewLogger(t))
	logDir := filepath.Join(t.TempDir(), "logs")
	logs := logstore.New(logDir)

	obs := New(c, s.Addr(), sm, logs, Config{
		ScanInterval:    time.Hour,
		PresentInterval: time.Hour,
		SampleInterval:  time.Hour,
		SubscriberCap:   10,
	}, zaptest.NewLogger(t))
	t.Cleanup(obs.closeAll)
	return obs, c, sm, s.Addr()
}

func TestReconcile_TracksAndUntracksSessions(t *testing.T) {
	obs, _, sm, _ := newTestObserver(t)
	ctx := context.Background()

	desc, err := sm.CreateUUID(ctx, 1, 0, "")
	require.NoError(t, err)

	obs.reconcile(ctx)
	require.Contains(t, obs.ActiveSessionIDs(), desc.SessionID)

	ok, err := sm.Cleanup(ctx, desc.SessionID)
	require.NoError(t, err)
	require.True(t, ok)

	obs.reconcile(ctx)
	require.NotContains(t, obs.ActiveSessionIDs(), desc.SessionID)
}

func TestPresent_PersistsTaskMessage(t *testing.T) {
	obs, store, sm, _ := newTestObserver(t)
	ctx := context.Background()

	desc, err := sm.CreateUUID(ctx, 2, 0, "")
	require.NoError(t, err)
	obs.reconcile(ctx)
	require.Contains(t, obs.ActiveSessionIDs(), desc.SessionID)
	time.Sleep(20 * time.Millisecond) // let the subscriber's SUBSCRIBE land

	d := dispatcher.New(store, sm, zaptest.NewLogger(t))
	require.NoError(t, d.Connect(ctx, desc.SessionID))
	res := d.SendTask(ctx, 1, "investigate the thing", nil, 0, nil)
	require.True(t, res.OK)

	require.Eventually(t, func() bool {
		obs.present(ctx)
		entries, err := obs.ReplaySession(desc.SessionID)
		return err == nil && len(entries) == 1
	}, 2*time.Second, 20*time.Millisecond)

	entries, err := obs.ReplaySession(desc.SessionID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "task", entries[0].MsgType)
	require.Equal(t, "moogle", entries[0].Sender)
	require.Contains(t, entries[0].Content, "chocobo-1")
}

func TestSample_RecordsQueueDepths(t *testing.T) {
	obs, store, sm, _ := newTestObserver(t)
	ctx := context.Background()

	desc, err := sm.CreateUUID(ctx, 2, 0, "")
	require.NoError(t, err)
	obs.reconcile(ctx)

	_, err = store.RPush(ctx, desc.TaskQueues[0], "x")
	require.NoError(t, err)
	_, err = store.RPush(ctx, desc.TaskQueues[0], "y")
	require.NoError(t, err)

	obs.sample(ctx)

	depths := obs.QueueDepths()
	require.EqualValues(t, 2, depths[desc.SessionID][desc.TaskQueues[0]])
	require.EqualValues(t, 0, depths[desc.SessionID][desc.TaskQueues[1]])
}

func TestDeriveSenderReceiver(t *testing.T) {
	taskEnv := message.NewTask("s1", message.TaskPayload{ChildID: 2, Prompt: "p"})
	msgType, sender, receiver, content := deriveSenderReceiver("summoner:s1:tasks:2", taskEnv)
	require.Equal(t, "task", msgType)
	require.Equal(t, "moogle", sender)
	require.Equal(t, "chocobo-2", receiver)
	require.Equal(t, "p", content)

	reportEnv := message.NewReport("s1", message.ReportPayload{ChildID: 3, Status: message.StatusSuccess, DurationMs: 10})
	_, sender, receiver, _ = deriveSenderReceiver("summoner:s1:reports", reportEnv)
	require.Equal(t, "chocobo-3", sender)
	require.Equal(t, "moogle", receiver)

	shutdownEnv := message.NewShutdown("s1", message.ShutdownPayload{Reason: "bye"})
	_, sender, receiver, _ = deriveSenderReceiver("summoner:s1:tasks:1", shutdownEnv)
	require.Equal(t, "moogle", sender)
	require.Equal(t, "chocobo-1", receiver)
}

func TestDropOldestQueue_DropsOldestWhenFull(t *testing.T) {
	q := newDropOldestQueue(2)
	q.push(storeclient.Message{Payload: "a"})
	q.push(storeclient.Message{Payload: "b"})
	q.push(storeclient.Message{Payload: "c"})

	drained := q.drain(10)
	require.Len(t, drained, 2)
	require.Equal(t, "b", drained[0].Payload)
	require.Equal(t, "c", drained[1].Payload)
}

func TestLogstoreIntegration_DirectoryCreatedIdempotently(t *testing.T) {
	dir := t.TempDir()
	s := logstore.New(dir)
	require.NoError(t, s.SaveMessage("sess-1", "task", "moogle", "hi", nil))
	require.NoError(t, s.SaveMessage("sess-1", "task", "moogle", "again", nil))

	info, err := os.Stat(filepath.Join(dir, "sess-1", "messages.jsonl"))
	require.NoError(t, err)
	require.False(t, info.IsDir())

	count, err := s.GetSessionMessageCount("sess-1")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	sessions, err := s.ListSessions()
	require.NoError(t, err)
	require.Equal(t, []string{"sess-1"}, sessions)

	require.NoError(t, s.ClearSessionLogs("sess-1"))
	count, err = s.GetSessionMessageCount("sess-1")
	require.NoError(t, err)
	require.Equal(t, 0, count)
}
