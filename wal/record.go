package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"math"

	"github.com/ajkumar-13/forgedb/model"
)

// RecordType identifies the operation a WAL record carries.
type RecordType uint8

const (
	RecordTypeUpsert RecordType = 1
	RecordTypeDelete RecordType = 2
)

var (
	ErrInvalidCRC     = errors.New("invalid WAL record checksum")
	ErrInvalidType    = errors.New("invalid WAL record type")
	ErrRecordTooLarge = errors.New("WAL record too large")
)

// maxRecordSize bounds a single record's payload. Guards replay against
// reading garbage lengths from a torn write.
const maxRecordSize = 64 * 1024 * 1024

// recordHeaderSize is Type(1) + Seq(8) + PayloadLen(4).
const recordHeaderSize = 13

// Record is a single operation in the WAL.
type Record struct {
	Seq    uint64
	Type   RecordType
	ID     model.RecordID
	Vector []float32
}

// payloadSize returns the encoded payload length.
//
// Payload layout:
//
//	Upsert: [IDLen:2][ID:N][Dim:4][Vector:Dim*4]
//	Delete: [IDLen:2][ID:N]
func (r *Record) payloadSize() uint32 {
	n := 2 + uint32(len(r.ID))
	if r.Type == RecordTypeUpsert {
		n += 4 + uint32(len(r.Vector))*4
	}
	return n
}

// Encode writes the record to w.
//
// Frame layout: [CRC32:4][Type:1][Seq:8][PayloadLen:4][Payload].
// The checksum covers the header (excluding itself) and the payload.
func (r *Record) Encode(w io.Writer) error {
	payloadLen := r.payloadSize()

	buf := make([]byte, 4+recordHeaderSize+int(payloadLen))
	header := buf[4 : 4+recordHeaderSize]
	header[0] = byte(r.Type)
	binary.LittleEndian.PutUint64(header[1:], r.Seq)
	binary.LittleEndian.PutUint32(header[9:], payloadLen)

	payload := buf[4+recordHeaderSize:]
	binary.LittleEndian.PutUint16(payload[0:], uint16(len(r.ID)))
	copy(payload[2:], r.ID)
	if r.Type == RecordTypeUpsert {
		off := 2 + len(r.ID)
		binary.LittleEndian.PutUint32(payload[off:], uint32(len(r.Vector)))
		off += 4
		for _, v := range r.Vector {
			binary.LittleEndian.PutUint32(payload[off:], math.Float32bits(v))
			off += 4
		}
	}

	crc := crc32.NewIEEE()
	crc.Write(buf[4:])
	binary.LittleEndian.PutUint32(buf[0:4], crc.Sum32())

	_, err := w.Write(buf)
	return err
}

// Decode reads one record from r. It returns the record and the number
// of bytes consumed. A short read or checksum mismatch yields an error;
// the replay loop treats any decode failure as a torn tail.
func Decode(br *bufio.Reader) (*Record, int64, error) {
	var frame [4 + recordHeaderSize]byte
	if _, err := io.ReadFull(br, frame[:4]); err != nil {
		return nil, 0, err
	}
	checksum := binary.LittleEndian.Uint32(frame[:4])

	if _, err := io.ReadFull(br, frame[4:]); err != nil {
		return nil, 4, err
	}

	recType := RecordType(frame[4])
	seq := binary.LittleEndian.Uint64(frame[5:])
	payloadLen := binary.LittleEndian.Uint32(frame[13:])

	if payloadLen > maxRecordSize {
		return nil, 4 + recordHeaderSize, ErrRecordTooLarge
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, 4 + recordHeaderSize, err
	}

	consumed := int64(4 + recordHeaderSize + int(payloadLen))

	crc := crc32.NewIEEE()
	crc.Write(frame[4:])
	crc.Write(payload)
	if crc.Sum32() != checksum {
		return nil, consumed, ErrInvalidCRC
	}

	rec := &Record{Seq: seq, Type: recType}
	switch recType {
	case RecordTypeUpsert:
		if err := parseUpsert(payload, rec); err != nil {
			return nil, consumed, err
		}
	case RecordTypeDelete:
		if err := parseDelete(payload, rec); err != nil {
			return nil, consumed, err
		}
	default:
		return nil, consumed, ErrInvalidType
	}

	return rec, consumed, nil
}

var errTruncatedPayload = errors.New("truncated WAL payload")

func parseUpsert(payload []byte, rec *Record) error {
	id, rest, err := parseID(payload)
	if err != nil {
		return err
	}
	if len(rest) < 4 {
		return errTruncatedPayload
	}
	dim := binary.LittleEndian.Uint32(rest)
	rest = rest[4:]
	if uint32(len(rest)) < dim*4 {
		return errTruncatedPayload
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(rest[i*4:]))
	}
	rec.ID = id
	rec.Vector = vec
	return nil
}

func parseDelete(payload []byte, rec *Record) error {
	id, _, err := parseID(payload)
	if err != nil {
		return err
	}
	rec.ID = id
	return nil
}

func parseID(payload []byte) (model.RecordID, []byte, error) {
	if len(payload) < 2 {
		return "", nil, errTruncatedPayload
	}
	n := int(binary.LittleEndian.Uint16(payload))
	if len(payload) < 2+n {
		return "", nil, errTruncatedPayload
	}
	return model.RecordID(payload[2 : 2+n]), payload[2+n:], nil
}
