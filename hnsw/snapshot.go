package hnsw

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/ajkumar-13/forgedb/distance"
	"github.com/ajkumar-13/forgedb/model"
)

// A snapshot is a self-contained copy of the graph: topology, vectors
// and tombstones. Layout:
//
//	[Magic "FGSN"][Version u32][Codec u8]
//	[UncompressedSize u32][CompressedSize u32][Body]
//	[CRC32 u32]
//
// CompressedSize == 0 means the body is stored uncompressed. The CRC
// covers everything before it.

const (
	snapshotMagic   = uint32(0x4E534746) // "FGSN" little-endian
	snapshotVersion = uint32(1)
)

// Codec selects the snapshot body compression.
type Codec uint8

const (
	// CodecNone stores the body uncompressed.
	CodecNone Codec = 0
	// CodecLZ4 uses LZ4 block compression (fast).
	CodecLZ4 Codec = 1
	// CodecZstd uses zstd (better ratio).
	CodecZstd Codec = 2
)

var (
	ErrInvalidSnapshot = errors.New("hnsw: invalid snapshot")
	ErrSnapshotCRC     = errors.New("hnsw: snapshot checksum mismatch")
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// WriteSnapshot serializes the full graph to w. The caller must hold
// the graph quiescent (no concurrent mutations).
func (h *HNSW) WriteSnapshot(w io.Writer, codec Codec) error {
	body, err := h.encodeBody()
	if err != nil {
		return err
	}

	compressed, err := compressBody(body, codec)
	if err != nil {
		return err
	}

	crc := crc32.NewIEEE()
	tee := io.MultiWriter(w, crc)

	var head [17]byte
	binary.LittleEndian.PutUint32(head[0:], snapshotMagic)
	binary.LittleEndian.PutUint32(head[4:], snapshotVersion)
	head[8] = byte(codec)
	binary.LittleEndian.PutUint32(head[9:], uint32(len(body)))
	binary.LittleEndian.PutUint32(head[13:], uint32(len(compressed)))
	if _, err := tee.Write(head[:]); err != nil {
		return err
	}

	payload := compressed
	if payload == nil {
		payload = body
	}
	if _, err := tee.Write(payload); err != nil {
		return err
	}

	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], crc.Sum32())
	_, err = w.Write(trailer[:])
	return err
}

func compressBody(body []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecNone:
		return nil, nil
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(body)))
		n, err := lz4.CompressBlock(body, dst, nil)
		if err != nil {
			return nil, err
		}
		if n == 0 || n >= len(body) {
			return nil, nil // incompressible, store raw
		}
		return dst[:n], nil
	case CodecZstd:
		enc := getZstdEncoder()
		defer zstdEncoderPool.Put(enc)
		out := enc.EncodeAll(body, nil)
		if len(out) >= len(body) {
			return nil, nil
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrInvalidSnapshot, codec)
	}
}

func (h *HNSW) encodeBody() ([]byte, error) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)

	nodes := *h.nodes.Load()

	writeU32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		bw.Write(b[:])
	}

	writeU32(uint32(h.opts.Dimension))
	writeU32(uint32(h.opts.M))
	writeU32(uint32(h.opts.EFConstruction))
	writeU32(uint32(h.opts.EFSearch))
	bw.WriteByte(byte(h.opts.Metric))
	if h.opts.Heuristic {
		bw.WriteByte(1)
	} else {
		bw.WriteByte(0)
	}
	if h.haveEntryAtomic.Load() {
		bw.WriteByte(1)
	} else {
		bw.WriteByte(0)
	}
	writeU32(h.entryPointAtomic.Load())
	writeU32(uint32(int32(h.maxLevelAtomic.Load())))
	writeU32(uint32(len(nodes)))

	for id, n := range nodes {
		if n == nil {
			bw.WriteByte(0)
			continue
		}
		bw.WriteByte(1)
		if h.tombstones.Test(uint32(id)) {
			bw.WriteByte(1)
		} else {
			bw.WriteByte(0)
		}
		writeU32(uint32(n.level + 1))
		for l := 0; l <= int(n.level); l++ {
			conns := h.getConnections(uint32(id), l)
			writeU32(uint32(len(conns)))
			for _, c := range conns {
				writeU32(c)
			}
		}
		vec, ok := h.vectors.Get(uint32(id))
		if !ok {
			return nil, fmt.Errorf("hnsw: node %d has no vector", id)
		}
		for _, f := range vec {
			writeU32(math.Float32bits(f))
		}
	}

	if err := bw.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadSnapshot reconstructs a graph from an earlier WriteSnapshot. The
// RandomSeed and Vectors options may be supplied through optFns; the
// structural options come from the snapshot itself.
func ReadSnapshot(r io.Reader, optFns ...func(o *Options)) (*HNSW, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(raw) < 21 {
		return nil, fmt.Errorf("%w: truncated", ErrInvalidSnapshot)
	}

	if binary.LittleEndian.Uint32(raw[0:]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidSnapshot)
	}
	if v := binary.LittleEndian.Uint32(raw[4:]); v != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, v)
	}
	codec := Codec(raw[8])
	uncompressedSize := binary.LittleEndian.Uint32(raw[9:])
	compressedSize := binary.LittleEndian.Uint32(raw[13:])

	bodyLen := int(compressedSize)
	if bodyLen == 0 {
		bodyLen = int(uncompressedSize)
	}
	if len(raw) < 17+bodyLen+4 {
		return nil, fmt.Errorf("%w: truncated body", ErrInvalidSnapshot)
	}

	stored := binary.LittleEndian.Uint32(raw[17+bodyLen:])
	if crc32.ChecksumIEEE(raw[:17+bodyLen]) != stored {
		return nil, ErrSnapshotCRC
	}

	body := raw[17 : 17+bodyLen]
	if compressedSize != 0 {
		decompressed := make([]byte, uncompressedSize)
		switch codec {
		case CodecLZ4:
			n, err := lz4.UncompressBlock(body, decompressed)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
			}
			if uint32(n) != uncompressedSize {
				return nil, fmt.Errorf("%w: size mismatch", ErrInvalidSnapshot)
			}
			body = decompressed
		case CodecZstd:
			dec := getZstdDecoder()
			defer zstdDecoderPool.Put(dec)
			out, err := dec.DecodeAll(body, decompressed[:0])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
			}
			if uint32(len(out)) != uncompressedSize {
				return nil, fmt.Errorf("%w: size mismatch", ErrInvalidSnapshot)
			}
			body = out
		default:
			return nil, fmt.Errorf("%w: unknown codec %d", ErrInvalidSnapshot, codec)
		}
	}

	return decodeBody(body, optFns...)
}

func decodeBody(body []byte, optFns ...func(o *Options)) (*HNSW, error) {
	br := bytes.NewReader(body)

	readU32 := func() (uint32, error) {
		var b [4]byte
		if _, err := io.ReadFull(br, b[:]); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
		return binary.LittleEndian.Uint32(b[:]), nil
	}
	readByte := func() (byte, error) {
		b, err := br.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
		return b, nil
	}

	dim, err := readU32()
	if err != nil {
		return nil, err
	}
	m, err := readU32()
	if err != nil {
		return nil, err
	}
	efc, err := readU32()
	if err != nil {
		return nil, err
	}
	efs, err := readU32()
	if err != nil {
		return nil, err
	}
	metric, err := readByte()
	if err != nil {
		return nil, err
	}
	heuristic, err := readByte()
	if err != nil {
		return nil, err
	}
	haveEntry, err := readByte()
	if err != nil {
		return nil, err
	}
	entryPoint, err := readU32()
	if err != nil {
		return nil, err
	}
	maxLevelRaw, err := readU32()
	if err != nil {
		return nil, err
	}
	arenaLen, err := readU32()
	if err != nil {
		return nil, err
	}

	h, err := New(func(o *Options) {
		for _, fn := range optFns {
			fn(o)
		}
		// Structural parameters always come from the snapshot; optFns
		// may only supply Vectors and RandomSeed.
		o.Dimension = int(dim)
		o.M = int(m)
		o.EFConstruction = int(efc)
		o.EFSearch = int(efs)
		o.Metric = distance.Metric(metric)
		o.Heuristic = heuristic == 1
	})
	if err != nil {
		return nil, err
	}

	nodes := make([]*node, arenaLen)
	vec := make([]float32, dim)

	var live int64
	for id := uint32(0); id < arenaLen; id++ {
		present, err := readByte()
		if err != nil {
			return nil, err
		}
		if present == 0 {
			continue
		}
		tombstoned, err := readByte()
		if err != nil {
			return nil, err
		}
		layerCount, err := readU32()
		if err != nil {
			return nil, err
		}
		if layerCount == 0 || layerCount > 64 {
			return nil, fmt.Errorf("%w: node %d has layer count %d", ErrInvalidSnapshot, id, layerCount)
		}
		n := &node{level: int32(layerCount - 1), neighbors: make([][]uint32, layerCount)}
		for l := uint32(0); l < layerCount; l++ {
			count, err := readU32()
			if err != nil {
				return nil, err
			}
			if count > arenaLen {
				return nil, fmt.Errorf("%w: node %d layer %d has %d neighbors", ErrInvalidSnapshot, id, l, count)
			}
			conns := make([]uint32, count)
			for i := range conns {
				if conns[i], err = readU32(); err != nil {
					return nil, err
				}
			}
			n.neighbors[l] = conns
		}
		for i := range vec {
			bits, err := readU32()
			if err != nil {
				return nil, err
			}
			vec[i] = math.Float32frombits(bits)
		}
		if err := h.vectors.Set(id, vec); err != nil {
			return nil, err
		}
		nodes[id] = n
		if tombstoned == 1 {
			h.tombstones.Set(id)
		} else {
			live++
		}
	}

	h.nodes.Store(&nodes)
	h.countAtomic.Store(live)
	h.entryPointAtomic.Store(entryPoint)
	h.maxLevelAtomic.Store(int32(maxLevelRaw))
	h.haveEntryAtomic.Store(haveEntry == 1)

	return h, nil
}

// RestoreNode installs a node and its vector directly, bypassing the
// insertion algorithm. Used by recovery paths that rebuild an arena.
func (h *HNSW) RestoreNode(id model.LocalID, level int, neighbors [][]uint32, vec []float32) error {
	if len(vec) != h.opts.Dimension {
		return &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(vec)}
	}
	if err := h.vectors.Set(uint32(id), vec); err != nil {
		return err
	}
	h.setNode(uint32(id), &node{level: int32(level), neighbors: neighbors})
	h.countAtomic.Add(1)
	return nil
}
