package signals

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCanceler struct {
	mu        sync.Mutex
	active    map[string]bool
	cancelled []string
	all       int
}

func newFakeCanceler(active ...string) *fakeCanceler {
	c := &fakeCanceler{active: map[string]bool{}}
	for _, id := range active {
		c.active[id] = true
	}
	return c
}

func (c *fakeCanceler) Cancel(opID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active[opID] {
		return false
	}
	delete(c.active, opID)
	c.cancelled = append(c.cancelled, opID)
	return true
}

func (c *fakeCanceler) CancelAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.active)
	c.active = map[string]bool{}
	c.all++
	return n
}

func (c *fakeCanceler) activate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[id] = true
}

func (c *fakeCanceler) wasCancelled(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, x := range c.cancelled {
		if x == id {
			return true
		}
	}
	return false
}

func startWatcher(t *testing.T, dir string, c Canceler, opts ...Option) *Watcher {
	t.Helper()
	w, err := NewWatcher(dir, c, opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		w.Close()
	})
	return w
}

func gone(path string) func() bool {
	return func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}
}

func TestCancelSignal(t *testing.T) {
	dir := t.TempDir()
	c := newFakeCanceler("wf-1.T0001")
	w := startWatcher(t, dir, c)

	require.NoError(t, Cancel(dir, "wf-1.T0001"))
	assert.Eventually(t, func() bool { return c.wasCancelled("wf-1.T0001") }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, gone(filepath.Join(w.Dir(), "wf-1.T0001")), 2*time.Second, 10*time.Millisecond)
}

func TestSignalPresentAtStart(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Cancel(dir, "task.T0002"))
	c := newFakeCanceler("task.T0002")
	startWatcher(t, dir, c)

	assert.Eventually(t, func() bool { return c.wasCancelled("task.T0002") }, 2*time.Second, 10*time.Millisecond)
}

func TestCancelAllSignal(t *testing.T) {
	dir := t.TempDir()
	c := newFakeCanceler("a", "b")
	startWatcher(t, dir, c)

	require.NoError(t, Cancel(dir, AllOperations))
	assert.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.all == 1 && len(c.active) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInactiveSignalDropped(t *testing.T) {
	dir := t.TempDir()
	c := newFakeCanceler()
	w := startWatcher(t, dir, c)

	require.NoError(t, Cancel(dir, "ghost"))
	assert.Eventually(t, gone(filepath.Join(w.Dir(), "ghost")), 2*time.Second, 10*time.Millisecond)
	assert.False(t, c.wasCancelled("ghost"))
}

func TestRetainedSignalAppliesLater(t *testing.T) {
	dir := t.TempDir()
	c := newFakeCanceler()
	w := startWatcher(t, dir, c, WithRetain(time.Minute))

	require.NoError(t, Cancel(dir, "wf-2.T0003"))
	time.Sleep(50 * time.Millisecond)
	_, err := os.Stat(filepath.Join(w.Dir(), "wf-2.T0003"))
	require.NoError(t, err, "signal for an inactive operation is retained")

	c.activate("wf-2.T0003")
	assert.Eventually(t, func() bool { return c.wasCancelled("wf-2.T0003") }, 3*time.Second, 20*time.Millisecond)
}

func TestCancelRejectsPaths(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []string{"", "../escape", "a/b", ".hidden"} {
		assert.Error(t, Cancel(dir, id), "id %q", id)
	}
}
