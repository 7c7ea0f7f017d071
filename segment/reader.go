package segment

import (
	"encoding/binary"
	"hash/crc32"
	"sort"
	"sync/atomic"
	"unsafe"

	"github.com/ajkumar-13/forgedb/internal/mmap"
	"github.com/ajkumar-13/forgedb/model"
)

// Segment is an open, memory-mapped segment file. It is safe for
// concurrent readers. The mapping is reference counted: snapshots
// retain open segments so that compaction can unmap a superseded file
// only once the last reader has released it.
type Segment struct {
	ID     model.SegmentID
	path   string
	header Header
	m      *mmap.Mapping
	ids    []model.RecordID
	refs   atomic.Int32
}

// Open maps the segment file at path and validates magic, version and
// checksum. A failed validation yields a *CorruptionError; callers fall
// back to WAL-based reconstruction for that data.
func Open(path string, id model.SegmentID) (*Segment, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}

	data := m.Bytes()
	if len(data) < HeaderSize+4 {
		m.Close()
		return nil, &CorruptionError{Path: path, cause: ErrShortFile}
	}

	header, err := DecodeHeader(data)
	if err != nil {
		m.Close()
		return nil, &CorruptionError{Path: path, cause: err}
	}

	body := data[:len(data)-4]
	want := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.Checksum(body, castagnoli) != want {
		m.Close()
		return nil, &CorruptionError{Path: path, cause: ErrChecksum}
	}

	ids, err := parseIDTable(header, body)
	if err != nil {
		m.Close()
		return nil, &CorruptionError{Path: path, cause: err}
	}

	s := &Segment{
		ID:     id,
		path:   path,
		header: header,
		m:      m,
		ids:    ids,
	}
	s.refs.Store(1)

	// Searches touch vectors in id order, effectively at random.
	_ = m.Advise(mmap.AccessRandom)

	return s, nil
}

func parseIDTable(h Header, body []byte) ([]model.RecordID, error) {
	off := h.idTableOffset()
	ids := make([]model.RecordID, h.Count)
	for i := range ids {
		if off+2 > len(body) {
			return nil, ErrShortFile
		}
		n := int(binary.LittleEndian.Uint16(body[off:]))
		off += 2
		if off+n > len(body) {
			return nil, ErrShortFile
		}
		ids[i] = model.RecordID(body[off : off+n])
		off += n
	}
	return ids, nil
}

// Path returns the on-disk location of the segment.
func (s *Segment) Path() string { return s.path }

// Count returns the number of records in the segment.
func (s *Segment) Count() int { return int(s.header.Count) }

// Dimension returns the vector dimension of the segment.
func (s *Segment) Dimension() int { return int(s.header.Dimension) }

// VectorAt returns a zero-copy view of record i's vector, resolved by
// O(1) offset arithmetic into the mapped region. The returned slice is
// valid until the segment is released by its last holder.
func (s *Segment) VectorAt(i int) ([]float32, error) {
	if i < 0 || i >= int(s.header.Count) {
		return nil, ErrOutOfRange
	}
	dim := int(s.header.Dimension)
	raw, err := s.m.Range(s.header.vectorOffset(i), dim*elemSize)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&raw[0])), dim), nil
}

// IDAt returns the record id at index i.
func (s *Segment) IDAt(i int) (model.RecordID, error) {
	if i < 0 || i >= len(s.ids) {
		return "", ErrOutOfRange
	}
	return s.ids[i], nil
}

// Find locates id via binary search over the sorted id table, returning
// its record index.
func (s *Segment) Find(id model.RecordID) (int, bool) {
	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= id })
	if i < len(s.ids) && s.ids[i] == id {
		return i, true
	}
	return 0, false
}

// Records materializes all records by a linear scan. Used during
// recovery and compaction, not on the query path.
func (s *Segment) Records() ([]model.VectorRecord, error) {
	out := make([]model.VectorRecord, 0, s.Count())
	for i := 0; i < s.Count(); i++ {
		vec, err := s.VectorAt(i)
		if err != nil {
			return nil, err
		}
		cp := make([]float32, len(vec))
		copy(cp, vec)
		out = append(out, model.VectorRecord{ID: s.ids[i], Vector: cp})
	}
	return out, nil
}

// Retain adds a reference for a new holder.
func (s *Segment) Retain() {
	s.refs.Add(1)
}

// Release drops a reference; the mapping is closed when the count
// reaches zero.
func (s *Segment) Release() error {
	if s.refs.Add(-1) == 0 {
		return s.m.Close()
	}
	return nil
}
