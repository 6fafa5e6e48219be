package recovery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fxamacker/cbor/v2"
)

// TransferRetention is how long a stale checkpoint survives before the
// periodic garbage collection removes it.
const TransferRetention = 24 * time.Hour

const transferExt = ".transfer"

// Transfer store errors.
var (
	ErrUnknownTransfer = errors.New("unknown transfer")
)

// TransferState is one in-flight transfer checkpoint. It is persisted on
// every chunk so a crash mid-transfer can be inspected, resumed, or cleanly
// aborted on restart.
type TransferState struct {
	ID            string    `cbor:"1,keyasint"`
	DeviceID      string    `cbor:"2,keyasint"`
	Filename      string    `cbor:"3,keyasint"`
	Destination   string    `cbor:"4,keyasint"`
	TotalSize     int64     `cbor:"5,keyasint"`
	BytesReceived int64     `cbor:"6,keyasint"`
	StartedAt     time.Time `cbor:"7,keyasint"`
	UpdatedAt     time.Time `cbor:"8,keyasint"`
}

// TransferStore checkpoints transfer progress to disk, one file per
// transfer. All operations are safe for concurrent use.
type TransferStore struct {
	dir    string
	logger *log.Logger

	mu        sync.Mutex
	transfers map[string]*TransferState
}

// NewTransferStore opens the store, loading any checkpoints a previous run
// left behind.
func NewTransferStore(dir string, logger *log.Logger) (*TransferStore, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create transfer dir: %w", err)
	}

	s := &TransferStore{
		dir:       dir,
		logger:    logger.With("component", "recovery.transfers"),
		transfers: make(map[string]*TransferState),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads every checkpoint file in the store directory. Unreadable
// entries are skipped, not fatal: a corrupt checkpoint must not keep the
// daemon from starting.
func (s *TransferStore) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read transfer dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), transferExt) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("unreadable checkpoint", "file", entry.Name(), "err", err)
			continue
		}
		var state TransferState
		if err := cbor.Unmarshal(data, &state); err != nil {
			s.logger.Warn("corrupt checkpoint, removing", "file", entry.Name(), "err", err)
			os.Remove(path)
			continue
		}
		s.transfers[state.ID] = &state
	}
	if len(s.transfers) > 0 {
		s.logger.Info("recovered transfer checkpoints", "count", len(s.transfers))
	}
	return nil
}

// Begin records a new transfer and writes its first checkpoint.
func (s *TransferStore) Begin(state *TransferState) error {
	now := time.Now()
	state.StartedAt = now
	state.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers[state.ID] = state
	return s.persist(state)
}

// Checkpoint records chunk progress durably.
func (s *TransferStore) Checkpoint(transferID string, bytesReceived int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.transfers[transferID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID)
	}
	state.BytesReceived = bytesReceived
	state.UpdatedAt = time.Now()
	return s.persist(state)
}

// Complete removes the checkpoint of a finished transfer.
func (s *TransferStore) Complete(transferID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(transferID)
}

// Abort removes the checkpoint and cleans up the partial output file, so a
// failed transfer leaves nothing behind.
func (s *TransferStore) Abort(transferID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.transfers[transferID]
	if ok && state.Destination != "" {
		if err := os.Remove(state.Destination); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("partial output not removed", "path", state.Destination, "err", err)
		}
	}
	return s.remove(transferID)
}

// Get returns a copy of one checkpoint.
func (s *TransferStore) Get(transferID string) (*TransferState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.transfers[transferID]
	if !ok {
		return nil, false
	}
	copied := *state
	return &copied, true
}

// List returns copies of all checkpoints.
func (s *TransferStore) List() []*TransferState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*TransferState, 0, len(s.transfers))
	for _, state := range s.transfers {
		copied := *state
		out = append(out, &copied)
	}
	return out
}

// GC removes checkpoints not updated within the retention window and
// returns how many were collected.
func (s *TransferStore) GC(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var collected int
	for id, state := range s.transfers {
		if now.Sub(state.UpdatedAt) > TransferRetention {
			if err := s.remove(id); err != nil {
				s.logger.Warn("stale checkpoint not removed", "transfer", id, "err", err)
				continue
			}
			collected++
		}
	}
	if collected > 0 {
		s.logger.Info("collected stale transfers", "count", collected)
	}
	return collected
}

// persist writes one checkpoint atomically. Caller holds the lock.
func (s *TransferStore) persist(state *TransferState) error {
	data, err := cbor.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	path := s.path(state.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// remove deletes one checkpoint. Caller holds the lock.
func (s *TransferStore) remove(transferID string) error {
	delete(s.transfers, transferID)
	if err := os.Remove(s.path(transferID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}

func (s *TransferStore) path(transferID string) string {
	return filepath.Join(s.dir, transferID+transferExt)
}
