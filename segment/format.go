package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
)

const (
	// Magic identifies a segment file ("VECT", little-endian).
	Magic uint32 = 0x54434556
	// Version is the current format version.
	Version uint32 = 1
	// HeaderSize is magic + version + count + dimension.
	HeaderSize = 16
	// elemSize is the width of one vector element (IEEE-754 float32).
	elemSize = 4
)

var (
	ErrInvalidMagic   = errors.New("invalid segment magic")
	ErrInvalidVersion = errors.New("unsupported segment version")
	ErrChecksum       = errors.New("segment checksum mismatch")
	ErrShortFile      = errors.New("segment file too short")
	ErrOutOfRange     = errors.New("record index out of range")
)

// CorruptionError reports an unreadable segment. The collection reacts
// by rejecting the segment and rebuilding its data from the WAL.
type CorruptionError struct {
	Path  string
	cause error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("segment %s is corrupt: %v", e.Path, e.cause)
}

func (e *CorruptionError) Unwrap() error { return e.cause }

// Header describes the fixed-size segment file header.
type Header struct {
	Version   uint32
	Count     uint32
	Dimension uint32
}

// Encode writes the header into a fresh HeaderSize byte slice.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], Magic)
	binary.LittleEndian.PutUint32(buf[4:], h.Version)
	binary.LittleEndian.PutUint32(buf[8:], h.Count)
	binary.LittleEndian.PutUint32(buf[12:], h.Dimension)
	return buf
}

// DecodeHeader parses and validates the header prefix of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortFile
	}
	if binary.LittleEndian.Uint32(buf[0:]) != Magic {
		return Header{}, ErrInvalidMagic
	}
	h := Header{
		Version:   binary.LittleEndian.Uint32(buf[4:]),
		Count:     binary.LittleEndian.Uint32(buf[8:]),
		Dimension: binary.LittleEndian.Uint32(buf[12:]),
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrInvalidVersion, h.Version)
	}
	return h, nil
}

// vectorOffset returns the byte offset of record i's vector.
func (h Header) vectorOffset(i int) int {
	return HeaderSize + i*int(h.Dimension)*elemSize
}

// idTableOffset returns the byte offset of the id table.
func (h Header) idTableOffset() int {
	return HeaderSize + int(h.Count)*int(h.Dimension)*elemSize
}

// Filename returns the segment file name for the given id.
func Filename(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("seg-%06d.vec", id))
}
