package hal

import (
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flakeos/kernel/internal/infrastructure/logging"
	"github.com/flakeos/kernel/internal/shared/kerr"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestRunnerSpawnAndKill(t *testing.T) {
	r := NewGoRunner()

	var iterations atomic.Int64
	task, err := r.Spawn("worker", func(tk Task) {
		for tk.Yield() {
			iterations.Add(1)
			time.Sleep(time.Millisecond)
		}
	})
	require.NoError(t, err)

	waitFor(t, func() bool { return iterations.Load() > 3 })

	task.Kill()
	waitFor(t, task.Done)
	assert.True(t, task.Done())
}

func TestRunnerSuspendResume(t *testing.T) {
	r := NewGoRunner()

	var iterations atomic.Int64
	task, err := r.Spawn("worker", func(tk Task) {
		for tk.Yield() {
			iterations.Add(1)
			time.Sleep(time.Millisecond)
		}
	})
	require.NoError(t, err)

	waitFor(t, func() bool { return iterations.Load() > 0 })

	task.Suspend()
	// Give the task time to park at its yield point.
	time.Sleep(20 * time.Millisecond)
	frozen := iterations.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, iterations.Load(), frozen+1, "suspended task must not keep iterating")

	task.Resume()
	waitFor(t, func() bool { return iterations.Load() > frozen+1 })

	task.Kill()
	waitFor(t, task.Done)
}

func TestRunnerKillUnblocksSuspended(t *testing.T) {
	r := NewGoRunner()

	task, err := r.Spawn("worker", func(tk Task) {
		for tk.Yield() {
		}
	})
	require.NoError(t, err)

	task.Suspend()
	time.Sleep(10 * time.Millisecond)
	task.Kill()
	waitFor(t, task.Done)
}

func TestRunnerSuspendThenImmediateKill(t *testing.T) {
	r := NewGoRunner()

	// Kill racing the park at the yield gate must still wake the
	// task; run many rounds to cover the window.
	for i := 0; i < 200; i++ {
		task, err := r.Spawn("worker", func(tk Task) {
			for tk.Yield() {
			}
		})
		require.NoError(t, err)

		task.Suspend()
		task.Kill()
		waitFor(t, task.Done)
	}
}

func TestHostWatchdogArmFeedDisarm(t *testing.T) {
	w := NewHostWatchdog(logging.NewNop())

	assert.ErrorIs(t, w.Feed(), kerr.ErrInvalidState)
	assert.ErrorIs(t, w.Arm(0), kerr.ErrInvalidParam)

	require.NoError(t, w.Arm(30*time.Second))
	assert.ErrorIs(t, w.Arm(30*time.Second), kerr.ErrInvalidState)
	require.NoError(t, w.Feed())

	require.NoError(t, w.Disarm())
	assert.ErrorIs(t, w.Disarm(), kerr.ErrInvalidState)
}

func TestMemStoreRoundTrip(t *testing.T) {
	s := NewMemStore()

	require.NoError(t, s.Put("cfg/clock", []byte(`{"format":24}`)))

	got, err := s.Get("cfg/clock")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"format":24}`), got)

	_, err = s.Get("cfg/missing")
	assert.ErrorIs(t, err, kerr.ErrNotFound)

	require.NoError(t, s.Delete("cfg/clock"))
	_, err = s.Get("cfg/clock")
	assert.ErrorIs(t, err, kerr.ErrNotFound)
}

func TestMemStoreKeysPrefix(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Put("crash/1", []byte("a")))
	require.NoError(t, s.Put("crash/2", []byte("b")))
	require.NoError(t, s.Put("cfg/clock", []byte("c")))

	keys, err := s.Keys("crash/")
	require.NoError(t, err)
	assert.Equal(t, []string{"crash/1", "crash/2"}, keys)
}

func TestMapFS(t *testing.T) {
	fs := NewMapFS(map[string][]byte{
		"apps/demo.app": []byte("payload"),
	})

	size, err := fs.Size("apps/demo.app")
	require.NoError(t, err)
	assert.Equal(t, int64(7), size)

	f, err := fs.Open("apps/demo.app")
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, "payload", string(data))

	names, err := fs.List("apps")
	require.NoError(t, err)
	assert.Equal(t, []string{"demo.app"}, names)

	_, err = fs.Open("apps/missing.app")
	assert.ErrorIs(t, err, kerr.ErrNotFound)
}
