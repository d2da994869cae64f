package replication

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sqlcluster/internal/db"
	"sqlcluster/internal/logger"
	"sqlcluster/internal/wire"
)

func testLogger() *logger.Logger {
	l := &logger.Logger{}
	l.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return l
}

func TestWorkerCommitsOnMatchingHash(t *testing.T) {
	engine := db.NewMemoryEngine()
	var votes []*wire.Message
	c := New(engine, testLogger(), func() int { return 1 }, func(msg *wire.Message) error {
		votes = append(votes, msg)
		return nil
	}, func() {})

	begin := wire.New(wire.BeginTransaction).
		SetInt(wire.HeaderNewCount, 1).
		Set(wire.HeaderNewHash, "").
		Set(wire.HeaderID, "1").
		SetBody([]byte("stmt"))
	// compute the hash the engine would produce, then patch NewHash so
	// applyBegin's verification matches.
	tmp := db.NewMemoryEngine()
	rec, err := tmp.ApplyExternal([]byte("stmt"))
	require.NoError(t, err)
	begin.Set(wire.HeaderNewHash, rec.Hash)

	c.HandleBeginTransaction(begin)
	require.Eventually(t, func() bool { return len(votes) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, wire.ApproveTransaction, votes[0].Method)

	commit := wire.New(wire.CommitTransaction).Set(wire.HeaderHash, rec.Hash)
	c.HandleCommitTransaction(commit)

	require.Eventually(t, func() bool { return engine.CommittedCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, rec.Hash, engine.CommittedHash())
}

func TestWorkerRollsBackOnRollbackSignal(t *testing.T) {
	engine := db.NewMemoryEngine()
	c := New(engine, testLogger(), func() int { return 0 }, func(msg *wire.Message) error { return nil }, func() {})

	tmp := db.NewMemoryEngine()
	rec, err := tmp.ApplyExternal([]byte("stmt"))
	require.NoError(t, err)

	begin := wire.New(wire.BeginTransaction).
		SetInt(wire.HeaderNewCount, 1).
		Set(wire.HeaderNewHash, rec.Hash).
		Set(wire.HeaderID, "1").
		SetBody([]byte("stmt"))

	c.HandleBeginTransaction(begin)
	require.Eventually(t, func() bool { return c.ActiveWorkers() == 1 }, time.Second, 5*time.Millisecond)

	rollback := wire.New(wire.RollbackTransaction).Set(wire.HeaderNewHash, rec.Hash)
	c.HandleRollbackTransaction(rollback)

	require.Eventually(t, func() bool { return c.ActiveWorkers() == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(0), engine.CommittedCount())
	require.False(t, engine.HasOpenTransaction())
}

func TestWorkerDisconnectsLeaderOnHashMismatch(t *testing.T) {
	engine := db.NewMemoryEngine()
	disconnected := make(chan struct{}, 1)
	c := New(engine, testLogger(), func() int { return 0 }, func(msg *wire.Message) error { return nil }, func() {
		disconnected <- struct{}{}
	})

	begin := wire.New(wire.BeginTransaction).
		SetInt(wire.HeaderNewCount, 1).
		Set(wire.HeaderNewHash, "not-the-real-hash").
		Set(wire.HeaderID, "1").
		SetBody([]byte("stmt"))
	c.HandleBeginTransaction(begin)

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("expected disconnectLeader to be called on hash mismatch")
	}
	// the worker denied and has nothing left to commit or roll back to,
	// so it parks waiting for an outcome that will never arrive until
	// the caller drains it (mirroring leaving FOLLOWING after the
	// disconnect).
	c.Drain()
	require.Equal(t, 0, c.ActiveWorkers())
	require.False(t, engine.HasOpenTransaction())
}

func TestDrainWaitsForWorkersToExit(t *testing.T) {
	engine := db.NewMemoryEngine()
	c := New(engine, testLogger(), func() int { return 0 }, func(msg *wire.Message) error { return nil }, func() {})

	begin := wire.New(wire.BeginTransaction).
		SetInt(wire.HeaderNewCount, 99). // never satisfied, worker parks on precondition
		Set(wire.HeaderNewHash, "x").
		Set(wire.HeaderID, "1").
		SetBody([]byte("stmt"))
	c.HandleBeginTransaction(begin)
	require.Eventually(t, func() bool { return c.ActiveWorkers() == 1 }, time.Second, 5*time.Millisecond)

	c.Drain()
	require.Equal(t, 0, c.ActiveWorkers())
}
