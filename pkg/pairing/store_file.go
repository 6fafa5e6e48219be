package pairing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// trustFileVersion is the trust file format version.
const trustFileVersion = 1

// trustFile is the on-disk layout of the trust store.
type trustFile struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Records []*Record `json:"records,omitempty"`
}

// FileStore is a Store persisted to a single JSON file. Records are held
// in memory and flushed on every mutation, so trust survives restarts.
type FileStore struct {
	mu      sync.Mutex
	path    string
	records map[string]*Record
}

// NewFileStore opens (or initializes) the trust store at path.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:    path,
		records: make(map[string]*Record),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the record for a device, or nil.
func (s *FileStore) Get(deviceID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[deviceID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// Put inserts or replaces a record and flushes to disk.
func (s *FileStore) Put(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.records[rec.DeviceID] = &cp
	return s.save()
}

// Delete removes a record and flushes to disk.
func (s *FileStore) Delete(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[deviceID]; !ok {
		return nil
	}
	delete(s.records, deviceID)
	return s.save()
}

// List returns copies of all records.
func (s *FileStore) List() ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// load reads the trust file. A missing file is an empty store.
func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var file trustFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	for _, rec := range file.Records {
		s.records[rec.DeviceID] = rec
	}
	return nil
}

// save writes the trust file. Written to a temp file and renamed so a
// crash mid-write never corrupts the store.
func (s *FileStore) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}

	file := trustFile{
		Version: trustFileVersion,
		SavedAt: time.Now(),
		Records: make([]*Record, 0, len(s.records)),
	}
	for _, rec := range s.records {
		file.Records = append(file.Records, rec)
	}

	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// MemoryStore is an in-memory Store for tests and ephemeral sessions.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Get returns the record for a device, or nil.
func (s *MemoryStore) Get(deviceID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[deviceID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// Put inserts or replaces a record.
func (s *MemoryStore) Put(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.DeviceID] = &cp
	return nil
}

// Delete removes a record.
func (s *MemoryStore) Delete(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, deviceID)
	return nil
}

// List returns copies of all records.
func (s *MemoryStore) List() ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// Compile-time interface satisfaction checks.
var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
