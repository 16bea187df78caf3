package storeclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	c, err := New(Config{Addr: s.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, s
}

func TestClient_SetGetExistsDelete(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", "v1", 0))

	v, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", v)

	exists, err := c.Exists(ctx, "k1")
	require.NoError(t, err)
	require.True(t, exists)

	n, err := c.Delete(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, ok, err = c.Get(ctx, "k1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClient_ExpireAndTTLSet(t *testing.T) {
	c, s := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", "v1", 10*time.Second))
	s.FastForward(5 * time.Second)

	exists, err := c.Exists(ctx, "k1")
	require.NoError(t, err)
	require.True(t, exists)

	ok, err := c.Expire(ctx, "k1", 1*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestClient_ListOps(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	n, err := c.RPush(ctx, "list1", "a", "b")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	n, err = c.LPush(ctx, "list1", "z")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	l, err := c.LLen(ctx, "list1")
	require.NoError(t, err)
	require.Equal(t, int64(3), l)

	vals, err := c.LRange(ctx, "list1", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"z", "a", "b"}, vals)
}

func TestClient_BLPopImmediate(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.RPush(ctx, "queue1", "hello")
	require.NoError(t, err)

	res, err := c.BLPop(ctx, 5*time.Second, "queue1")
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, "queue1", res.List)
	require.Equal(t, "hello", res.Value)
}

func TestClient_BLPopTimeout(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	start := time.Now()
	res, err := c.BLPop(ctx, 1*time.Second, "empty-queue")
	require.NoError(t, err)
	require.Nil(t, res)
	require.GreaterOrEqual(t, time.Since(start), 1*time.Second)
}

func TestClient_BLPopLeftmostNonEmptyWins(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.RPush(ctx, "q2", "second")
	require.NoError(t, err)

	res, err := c.BLPop(ctx, 2*time.Second, "q1", "q2")
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, "q2", res.List)
	require.Equal(t, "second", res.Value)
}

func TestClient_PublishNoSubscribers(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	n, err := c.Publish(ctx, "chan1", "hi")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestClient_XAdd(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	id, err := c.XAdd(ctx, "stream1", map[string]string{"event": "initialized"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

func TestClient_Scan(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "summoner:abc:config", "{}", 0))
	require.NoError(t, c.Set(ctx, "summoner:def:config", "{}", 0))
	require.NoError(t, c.Set(ctx, "unrelated", "{}", 0))

	var keys []string
	cursor := "0"
	for {
		res, err := c.Scan(ctx, cursor, "summoner:*:config", 100)
		require.NoError(t, err)
		keys = append(keys, res.Keys...)
		cursor = res.Cursor
		if cursor == "0" {
			break
		}
	}
	require.ElementsMatch(t, []string{"summoner:abc:config", "summoner:def:config"}, keys)
}

func TestSubscriber_ReceivesPublishedMessage(t *testing.T) {
	s := miniredis.RunT(t)
	sub, err := NewSubscriber(s.Addr(), 0)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, sub.Subscribe("monitor1"))
	time.Sleep(50 * time.Millisecond) // let SUBSCRIBE register before publishing

	c, err := New(Config{Addr: s.Addr()})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Publish(context.Background(), "monitor1", `{"queue":"q","message":"m"}`)
	require.NoError(t, err)

	select {
	case msg := <-sub.Message:
		require.Equal(t, "monitor1", msg.Channel)
		require.Equal(t, `{"queue":"q","message":"m"}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}
