package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	semerrors "github.com/standardbeagle/semfold/internal/errors"
)

func TestMain(m *testing.M) {
	// the os/signal watcher goroutine started by Run never exits
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("os/signal.loop"))
}

// aliveProbe treats the given pids as live daemon processes.
func aliveProbe(pids ...int) func(int) bool {
	return func(pid int) bool {
		for _, p := range pids {
			if p == pid {
				return true
			}
		}
		return false
	}
}

// testRegistry builds a registry whose process inspection sees only the
// given pids, both for the record probe and the process-table scan.
func testRegistry(dir string, pids ...int) *Registry {
	reg := NewRegistryAt(dir)
	reg.probe = aliveProbe(pids...)
	reg.scan = func(exclude int) []int {
		var out []int
		for _, p := range pids {
			if p != exclude {
				out = append(out, p)
			}
		}
		return out
	}
	return reg
}

func TestAcquireWritesRecord(t *testing.T) {
	reg := testRegistry(t.TempDir(), os.Getpid())

	rec, err := reg.Acquire(8080, 8081)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), rec.PID)
	assert.Equal(t, 8080, rec.HTTPPort)
	assert.Equal(t, 8081, rec.WSPort)
	assert.NotEmpty(t, rec.Version)
	assert.WithinDuration(t, time.Now(), rec.StartTime, time.Minute)

	onDisk, err := reg.Current()
	require.NoError(t, err)
	require.NotNil(t, onDisk)
	assert.Equal(t, rec.PID, onDisk.PID)
}

func TestSecondAcquireFailsWithWinnerPid(t *testing.T) {
	dir := t.TempDir()
	reg := testRegistry(dir, os.Getpid())
	_, err := reg.Acquire(0, 0)
	require.NoError(t, err)

	other := testRegistry(dir, os.Getpid())
	_, err = other.Acquire(0, 0)
	require.Error(t, err)
	assert.Equal(t, semerrors.KindSupervisor, semerrors.KindOf(err))
	assert.Contains(t, err.Error(), "already running")
}

func TestStaleRecordIsReplaced(t *testing.T) {
	dir := t.TempDir()
	reg := testRegistry(dir) // nothing is alive

	stale := Record{PID: 999999, StartTime: time.Now().Add(-time.Hour), Version: "0.0.1"}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(reg.Path(), data, 0o644))

	running, err := reg.Running()
	require.NoError(t, err)
	assert.Nil(t, running, "dead pid must read as no daemon")
	assert.NoFileExists(t, reg.Path(), "stale record must be cleaned up")

	reg.probe = aliveProbe(os.Getpid())
	rec, err := reg.Acquire(0, 0)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), rec.PID)
}

func TestAcquireFindsUnregisteredDaemon(t *testing.T) {
	// a daemon whose registry file was deleted is still alive in the
	// process table; the scan must block a second daemon
	reg := testRegistry(t.TempDir(), 4242)
	reg.probe = aliveProbe() // no record to probe, file is gone

	_, err := reg.Acquire(0, 0)
	require.Error(t, err)
	assert.Equal(t, semerrors.KindSupervisor, semerrors.KindOf(err))
	assert.Contains(t, err.Error(), "4242")
	assert.NoFileExists(t, reg.Path(), "loser must not overwrite the live daemon's absence")
}

func TestCorruptRecordIsTreatedAsStale(t *testing.T) {
	reg := testRegistry(t.TempDir(), os.Getpid())
	require.NoError(t, os.WriteFile(reg.Path(), []byte("{not json"), 0o644))

	rec, err := reg.Current()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestReleaseOnlyRemovesOwnRecord(t *testing.T) {
	reg := testRegistry(t.TempDir(), os.Getpid())
	_, err := reg.Acquire(0, 0)
	require.NoError(t, err)

	require.NoError(t, reg.Release())
	assert.NoFileExists(t, reg.Path())

	// a record owned by another pid is left alone
	foreign := Record{PID: os.Getpid() + 1, StartTime: time.Now(), Version: "x"}
	data, err := json.Marshal(foreign)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(reg.Path(), data, 0o644))
	require.NoError(t, reg.Release())
	assert.FileExists(t, reg.Path())
}

func TestSimultaneousStartRace(t *testing.T) {
	dir := t.TempDir()
	reg := testRegistry(dir, os.Getpid())

	// simulate the winner's rename landing after our liveness check but
	// before our own write is verified: the re-read sees the winner
	winner := Record{PID: os.Getpid() + 42, StartTime: time.Now(), Version: "x"}
	require.NoError(t, reg.write(winner))

	rec, err := reg.Current()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.NotEqual(t, os.Getpid(), rec.PID)
}

func TestWriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistryAt(dir)
	require.NoError(t, reg.write(Record{PID: 1, StartTime: time.Now(), Version: "x"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files may remain")
	assert.Equal(t, filepath.Base(reg.Path()), entries[0].Name())
}
