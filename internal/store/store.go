// Package store provides key-indexed byte-record storage that survives
// restarts. Records are small and written whole; callers own the encoding.
package store

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// Record keys. Saved-device slots occupy KeySavedDeviceBase through
// KeySavedDeviceBase+MaxSavedDevices-1.
const (
	KeySavedDeviceBase uint16 = 1
	KeyGradeTable      uint16 = 100
	KeyNameSuffix      uint16 = 200
)

// MaxSavedDevices is the number of persistent saved-device slots.
const MaxSavedDevices = 4

// ErrNotFound is returned by Read when no record exists for the key.
var ErrNotFound = errors.New("store: record not found")

// Store is key-indexed byte-record storage.
type Store interface {
	Read(key uint16) ([]byte, error)
	Write(key uint16, data []byte) error
}

// FileStore keeps one file per record under a data directory.
type FileStore struct {
	dir    string
	logger *log.Logger
}

// NewFileStore creates the data directory if needed and returns a store
// rooted there.
func NewFileStore(dir string, logger *log.Logger) (*FileStore, error) {
	if logger == nil {
		panic("FileStore: logger cannot be nil")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) path(key uint16) string {
	return filepath.Join(s.dir, fmt.Sprintf("record-%04x.bin", key))
}

func (s *FileStore) Read(key uint16) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read record %d: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) Write(key uint16, data []byte) error {
	// Write via a temp file and rename so a crash mid-write cannot leave a
	// truncated record behind.
	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write record %d: %w", key, err)
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		return fmt.Errorf("failed to commit record %d: %w", key, err)
	}
	s.logger.Printf("Store: wrote record %d (%d bytes)", key, len(data))
	return nil
}

// MemStore is an in-memory Store for tests.
type MemStore struct {
	records map[uint16][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{records: make(map[uint16][]byte)}
}

func (s *MemStore) Read(key uint16) ([]byte, error) {
	data, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemStore) Write(key uint16, data []byte) error {
	s.records[key] = append([]byte(nil), data...)
	return nil
}
