package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetVerboseFilters(t *testing.T) {
	t.Cleanup(func() { SetVerbose("") })

	SetVerbose("")
	require.False(t, IsVerbose("pool", "Send"))

	SetVerbose("all")
	require.True(t, IsVerbose("pool", "Send"))
	require.True(t, IsVerbose("anything", ""))

	SetVerbose("pool, nip77.Sync")
	require.True(t, IsVerbose("pool", "Send"))
	require.True(t, IsVerbose("pool", ""))
	require.True(t, IsVerbose("nip77", "Sync"))
	require.False(t, IsVerbose("nip77", "SyncSingleRelay"))
	require.False(t, IsVerbose("connection", "Connect"))
}

func TestDebugMethodRespectsFilter(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() {
		SetVerbose("")
		SetLogger(zap.NewNop())
	})

	SetVerbose("connection")
	DebugMethod("connection", "Connect", "dialing %s", "wss://a")
	DebugMethod("pool", "Send", "hidden")
	Warn("queue full for %s", "wss://b")

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "connection.Connect: dialing wss://a", entries[0].Message)
	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
}
