package db

import (
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestreldb/kestrel/internal/threadid"
)

func TestRegistry_GetMissesEmptyRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Get("/nowhere.db", threadid.Current()))
	assert.Nil(t, r.GetAny("/nowhere.db"))
}

func TestRegistry_GetAnyFindsOtherThreadsInstance(t *testing.T) {
	r := NewRegistry()
	path := filepath.Join(t.TempDir(), "items.db")

	w := newWorker()
	defer w.stop()

	var inst *Instance
	w.run(func() { inst = openItems(t, r, path) })
	defer w.run(func() { inst.Close() })

	// Not visible under this goroutine's key, but visible to GetAny.
	assert.Nil(t, r.Get(path, threadid.Current()))
	assert.Same(t, inst, r.GetAny(path))
}

func TestRegistry_ClosedInstanceIsPruned(t *testing.T) {
	r := NewRegistry()
	path := filepath.Join(t.TempDir(), "items.db")

	inst := openItems(t, r, path)
	tid := inst.Thread()

	require.NoError(t, inst.Close())
	assert.Nil(t, r.Get(path, tid))
	assert.Nil(t, r.GetAny(path))
}

func TestRegistry_EntriesAreWeak(t *testing.T) {
	r := NewRegistry()
	path := filepath.Join(t.TempDir(), "items.db")
	tid := threadid.Current()

	// Open in a scope that drops the only strong reference. The
	// registry entry must not keep the instance alive.
	func() {
		inst := openItems(t, r, path)
		require.Same(t, inst, r.Get(path, tid))
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return r.Get(path, tid) == nil
	}, 5*time.Second, 10*time.Millisecond, "weak entry should be pruned once the instance is collected")
}

func TestRegistry_ReopenAfterCollectionCreatesFreshInstance(t *testing.T) {
	r := NewRegistry()
	path := filepath.Join(t.TempDir(), "items.db")
	tid := threadid.Current()

	func() {
		_ = openItems(t, r, path)
	}()
	require.Eventually(t, func() bool {
		runtime.GC()
		return r.Get(path, tid) == nil
	}, 5*time.Second, 10*time.Millisecond)

	inst := openItems(t, r, path)
	defer inst.Close()
	assert.Same(t, inst, r.Get(path, tid))
}
