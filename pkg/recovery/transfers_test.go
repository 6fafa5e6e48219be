package recovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTransfer(id, device string) *TransferState {
	return &TransferState{
		ID:          id,
		DeviceID:    device,
		Filename:    "photo.jpg",
		Destination: filepath.Join(os.TempDir(), "photo.jpg.part"),
		TotalSize:   4 << 20,
	}
}

func TestTransferCheckpointSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	s, err := NewTransferStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Begin(newTransfer("t-1", "phone-1")))
	require.NoError(t, s.Checkpoint("t-1", 1<<20))

	// Simulate a daemon restart.
	restarted, err := NewTransferStore(dir, nil)
	require.NoError(t, err)

	state, ok := restarted.Get("t-1")
	require.True(t, ok)
	require.Equal(t, "phone-1", state.DeviceID)
	require.Equal(t, int64(1<<20), state.BytesReceived)
	require.Equal(t, int64(4<<20), state.TotalSize)
}

func TestTransferCompleteRemovesCheckpoint(t *testing.T) {
	dir := t.TempDir()
	s, err := NewTransferStore(dir, nil)
	require.NoError(t, err)

	require.NoError(t, s.Begin(newTransfer("t-1", "phone-1")))
	require.NoError(t, s.Complete("t-1"))

	_, ok := s.Get("t-1")
	require.False(t, ok)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "the checkpoint file must be gone")
}

func TestTransferAbortCleansPartialOutput(t *testing.T) {
	dir := t.TempDir()
	s, err := NewTransferStore(dir, nil)
	require.NoError(t, err)

	partial := filepath.Join(t.TempDir(), "photo.jpg.part")
	require.NoError(t, os.WriteFile(partial, []byte("half a photo"), 0600))

	state := newTransfer("t-1", "phone-1")
	state.Destination = partial
	require.NoError(t, s.Begin(state))

	require.NoError(t, s.Abort("t-1"))

	_, err = os.Stat(partial)
	require.True(t, os.IsNotExist(err), "partial output must be cleaned up")
	_, ok := s.Get("t-1")
	require.False(t, ok)
}

func TestTransferGCCollectsStale(t *testing.T) {
	dir := t.TempDir()
	s, err := NewTransferStore(dir, nil)
	require.NoError(t, err)

	require.NoError(t, s.Begin(newTransfer("stale", "phone-1")))
	require.NoError(t, s.Begin(newTransfer("fresh", "phone-1")))

	s.mu.Lock()
	s.transfers["stale"].UpdatedAt = time.Now().Add(-25 * time.Hour)
	s.mu.Unlock()

	require.Equal(t, 1, s.GC(time.Now()))

	_, ok := s.Get("stale")
	require.False(t, ok)
	_, ok = s.Get("fresh")
	require.True(t, ok)
}

func TestCheckpointUnknownTransfer(t *testing.T) {
	s, err := NewTransferStore(t.TempDir(), nil)
	require.NoError(t, err)

	require.ErrorIs(t, s.Checkpoint("nope", 10), ErrUnknownTransfer)
}

func TestCorruptCheckpointSkippedOnLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.transfer"), []byte("garbage"), 0600))

	s, err := NewTransferStore(dir, nil)
	require.NoError(t, err, "a corrupt checkpoint must not prevent startup")
	require.Empty(t, s.List())
}
