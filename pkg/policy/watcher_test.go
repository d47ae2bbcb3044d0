package policy

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherDebouncesChanges(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int32

	w, err := NewWatcher(NewLoader(), 100*time.Millisecond, zerolog.Nop(), func() { calls.Add(1) })
	require.NoError(t, err)
	defer w.Stop()
	require.NoError(t, w.Watch(dir))

	writeFile(t, dir, "a.md", "one")
	writeFile(t, dir, "b.md", "two")
	writeFile(t, dir, "a.md", "three")

	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 20*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWatcherIgnoresUnsupportedFiles(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int32

	w, err := NewWatcher(NewLoader(), 50*time.Millisecond, zerolog.Nop(), func() { calls.Add(1) })
	require.NoError(t, err)
	defer w.Stop()
	require.NoError(t, w.Watch(dir))

	writeFile(t, dir, "scratch.tmp", "x")
	time.Sleep(250 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	w, err := NewWatcher(NewLoader(), 0, zerolog.Nop(), func() {})
	require.NoError(t, err)

	require.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}
