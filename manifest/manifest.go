// Package manifest persists the versioned pointer to a collection's
// live state: the active segment set, the live record count, the
// highest sequence number captured in segments, the current WAL file
// and the HNSW snapshot epoch.
//
// Updates are atomic: the new manifest is written to a temp file,
// fsynced, renamed into place, and then the CURRENT pointer file is
// swapped the same way. A crash between swap and old-file deletion
// leaves a valid state; unreferenced files are reclaimed lazily on the
// next startup.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ajkumar-13/forgedb/internal/fs"
	"github.com/ajkumar-13/forgedb/model"
)

const (
	FilePrefix      = "MANIFEST"
	CurrentFileName = "CURRENT"
	CurrentVersion  = 1
)

// Manifest describes the durable state of a collection at one epoch.
type Manifest struct {
	Version       int             `json:"version"`
	ID            uint64          `json:"id"`
	Epoch         uint64          `json:"epoch"`
	NextSegmentID model.SegmentID `json:"next_segment_id"`
	Segments      []SegmentInfo   `json:"segments"`
	LiveCount     uint64          `json:"live_count"`
	MaxSeq        uint64          `json:"max_seq"`
	WALID         uint64          `json:"wal_id"`

	// Snapshot names the graph snapshot file written at this epoch,
	// relative to the collection dir. Empty when the snapshot write
	// failed; recovery then rebuilds the graph from the segments.
	Snapshot string `json:"snapshot,omitempty"`
}

// SegmentInfo describes one active segment.
type SegmentInfo struct {
	ID       model.SegmentID `json:"id"`
	Path     string          `json:"path"` // relative to the collection dir
	RowCount uint32          `json:"row_count"`
}

// Store manages the manifest files and atomic updates within one
// collection directory.
type Store struct {
	fs  fs.FileSystem
	dir string
	mu  sync.Mutex
}

// NewStore creates a manifest store for dir.
func NewStore(fsys fs.FileSystem, dir string) *Store {
	if fsys == nil {
		fsys = fs.Default
	}
	return &Store{fs: fsys, dir: dir}
}

// Load reads the manifest named by CURRENT. A missing CURRENT yields an
// empty manifest (fresh collection), not an error.
func (s *Store) Load() (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	readFile := func(path string) ([]byte, error) {
		f, err := s.fs.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}

	content, err := readFile(filepath.Join(s.dir, CurrentFileName))
	if os.IsNotExist(err) {
		return &Manifest{Version: CurrentVersion, WALID: 1, NextSegmentID: 1}, nil
	}
	if err != nil {
		return nil, err
	}

	data, err := readFile(filepath.Join(s.dir, string(content)))
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest unmarshal: %w", err)
	}
	if m.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported manifest version: %d (expected %d)", m.Version, CurrentVersion)
	}
	return &m, nil
}

// Save atomically persists m as the new current manifest.
func (s *Store) Save(m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Version = CurrentVersion
	m.ID++

	filename := fmt.Sprintf("%s-%06d.json", FilePrefix, m.ID)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	if err := s.writeAtomic(filename, data); err != nil {
		return err
	}
	if err := s.writeAtomic(CurrentFileName, []byte(filename)); err != nil {
		return err
	}

	// Drop the superseded manifest file; CURRENT no longer names it.
	if m.ID > 1 {
		prev := fmt.Sprintf("%s-%06d.json", FilePrefix, m.ID-1)
		_ = s.fs.Remove(filepath.Join(s.dir, prev))
	}
	return nil
}

// writeAtomic writes name via temp file + fsync + rename + dir sync.
func (s *Store) writeAtomic(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	tmpPath := path + ".tmp"

	f, err := s.fs.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		s.fs.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		s.fs.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(tmpPath)
		return err
	}
	if err := s.fs.Rename(tmpPath, path); err != nil {
		s.fs.Remove(tmpPath)
		return err
	}
	return fs.SyncDir(s.fs, s.dir)
}
