package main

import (
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func withStoreAddr(t *testing.T) string {
	t.Helper()
	s := miniredis.RunT(t)
	old := os.Getenv("FABRIC_STORE_ADDR")
	os.Setenv("FABRIC_STORE_ADDR", s.Addr())
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv("FABRIC_STORE_ADDR")
		} else {
			os.Setenv("FABRIC_STORE_ADDR", old)
		}
	})
	return s.Addr()
}

func TestRun_InitUUIDThenGet(t *testing.T) {
	withStoreAddr(t)

	code := run([]string{"init", "--mode", "uuid", "--max-children", "2", "--session-id", "abc"})
	require.Equal(t, exitOK, code)

	code = run([]string{"get", "summoner:abc"})
	require.Equal(t, exitOK, code)
}

func TestRun_InitSequencedThenCleanup(t *testing.T) {
	withStoreAddr(t)

	code := run([]string{"init", "--mode", "sequenced", "--prefix", "testproj-hostA", "--max-children", "1"})
	require.Equal(t, exitOK, code)

	code = run([]string{"cleanup", "testproj-hostA-001"})
	require.Equal(t, exitOK, code)

	// A second cleanup finds nothing left and reports failure.
	code = run([]string{"cleanup", "testproj-hostA-001"})
	require.Equal(t, exitFailure, code)
}

func TestRun_RPushThenBLPop(t *testing.T) {
	withStoreAddr(t)

	code := run([]string{"rpush", "some:queue", "hello", "world"})
	require.Equal(t, exitOK, code)

	code = run([]string{"blpop", "--timeout", "1", "some:queue"})
	require.Equal(t, exitOK, code)
}

func TestRun_UnknownSubcommand(t *testing.T) {
	require.Equal(t, exitFailure, run([]string{"bogus"}))
}

func TestRun_NoArgs(t *testing.T) {
	require.Equal(t, exitFailure, run(nil))
}
