package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerWritesAndDumps(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "nodeA")
	require.NoError(t, err)
	defer l.Close()

	l.Info("hello", "peer", "nodeB")

	var buf bytes.Buffer
	require.NoError(t, l.Dump(&buf))
	require.Contains(t, buf.String(), "hello")
	require.Contains(t, buf.String(), "nodeB")
}

func TestLoggerMuteSuppressesOutput(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "nodeA")
	require.NoError(t, err)
	defer l.Close()

	l.SetMuted(true)
	l.Info("should not appear")

	var buf bytes.Buffer
	require.NoError(t, l.Dump(&buf))
	require.Empty(t, buf.String())
}

func TestLoggerClearTruncates(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "nodeA")
	require.NoError(t, err)
	defer l.Close()

	l.Info("first")
	require.NoError(t, l.Clear())
	l.Info("second")

	var buf bytes.Buffer
	require.NoError(t, l.Dump(&buf))
	require.NotContains(t, buf.String(), "first")
	require.Contains(t, buf.String(), "second")
}
