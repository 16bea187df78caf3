package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/moogle-fabric/fabric/internal/storeclient"
)

func TestStoreWrapper_NormalOperations(t *testing.T) {
	s := miniredis.RunT(t)
	client, err := storeclient.New(storeclient.Config{Addr: s.Addr()})
	require.NoError(t, err)
	defer client.Close()

	wrapper := NewStoreWrapper(client, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, wrapper.Ping(ctx))
	require.NoError(t, wrapper.Set(ctx, "test:key", "test:value", time.Minute))

	val, ok, err := wrapper.Get(ctx, "test:key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "test:value", val)

	// Non-existent key is not an error and must not trip the breaker.
	_, ok, err = wrapper.Get(ctx, "nonexistent:key")
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, wrapper.IsCircuitBreakerOpen())

	exists, err := wrapper.Exists(ctx, "test:key")
	require.NoError(t, err)
	require.True(t, exists)

	n, err := wrapper.Delete(ctx, "test:key")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestStoreWrapper_CircuitBreakerTriggering(t *testing.T) {
	s := miniredis.RunT(t)
	client, err := storeclient.New(storeclient.Config{
		Addr:        s.Addr(),
		DialTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer client.Close()

	wrapper := NewStoreWrapper(client, zaptest.NewLogger(t))
	ctx := context.Background()

	// Take the server down so every retried connect/ping fails.
	s.Close()

	for i := 0; i < 4; i++ {
		_ = wrapper.Ping(ctx)
	}

	require.True(t, wrapper.IsCircuitBreakerOpen())

	_, _, err = wrapper.Get(ctx, "any:key")
	require.ErrorIs(t, err, ErrCircuitBreakerOpen)
}

func TestStoreWrapper_ScanWraps(t *testing.T) {
	s := miniredis.RunT(t)
	client, err := storeclient.New(storeclient.Config{Addr: s.Addr()})
	require.NoError(t, err)
	defer client.Close()

	wrapper := NewStoreWrapper(client, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, wrapper.Set(ctx, "summoner:a:config", "{}", 0))
	res, err := wrapper.Scan(ctx, "0", "summoner:*:config", 100)
	require.NoError(t, err)
	require.Contains(t, res.Keys, "summoner:a:config")
}
