package engine

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/ajkumar-13/forgedb/hnsw"
	"github.com/ajkumar-13/forgedb/internal/fs"
	"github.com/ajkumar-13/forgedb/model"
)

// A snapshot file pairs the id map with the graph's own snapshot so
// recovery can restore both without re-inserting segment records.
// Layout:
//
//	[Magic "FGID"][Version u32][Next u32][SlotCount u32]
//	per slot: [IDLen u16][ID bytes]       ("" marks a dead LocalID)
//	[CRC32 u32 over everything above]
//	[graph snapshot, self-checksummed]
const (
	snapMagic   = uint32(0x44494746) // "FGID" little-endian
	snapVersion = uint32(1)
)

var errSnapshotCorrupt = errors.New("engine: corrupt snapshot file")

func snapshotFilename(epoch uint64) string {
	return fmt.Sprintf("snap-%06d.fgs", epoch)
}

// writeSnapshot persists v's id map and graph under the given epoch,
// atomically via temp file and rename. The caller holds e.mu, keeping
// v quiescent. Returns the file's base name for the manifest.
func (e *Engine) writeSnapshot(v *view, epoch uint64) (string, error) {
	name := snapshotFilename(epoch)
	path := filepath.Join(e.dir, name)
	tmpPath := path + ".tmp"

	f, err := e.fsys.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	fail := func(err error) (string, error) {
		f.Close()
		e.fsys.Remove(tmpPath)
		return "", err
	}

	bw := bufio.NewWriter(f)
	if err := encodeIDTable(bw, v.ids); err != nil {
		return fail(err)
	}
	if err := v.graph.WriteSnapshot(bw, e.opts.SnapshotCodec); err != nil {
		return fail(err)
	}
	if err := bw.Flush(); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		e.fsys.Remove(tmpPath)
		return "", err
	}
	if err := e.fsys.Rename(tmpPath, path); err != nil {
		e.fsys.Remove(tmpPath)
		return "", err
	}
	if err := fs.SyncDir(e.fsys, e.dir); err != nil {
		return "", err
	}
	return name, nil
}

// readSnapshot loads a snapshot file back into an id map and graph.
func (e *Engine) readSnapshot(path string) (*IDMap, *hnsw.HNSW, error) {
	f, err := e.fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	ids, err := decodeIDTable(br)
	if err != nil {
		return nil, nil, err
	}

	graph, err := hnsw.ReadSnapshot(br, func(o *hnsw.Options) {
		o.RandomSeed = e.opts.RandomSeed
	})
	if err != nil {
		return nil, nil, err
	}
	return ids, graph, nil
}

func encodeIDTable(w io.Writer, m *IDMap) error {
	slots, next := m.slots()

	crc := crc32.NewIEEE()
	tee := io.MultiWriter(w, crc)

	var head [16]byte
	binary.LittleEndian.PutUint32(head[0:], snapMagic)
	binary.LittleEndian.PutUint32(head[4:], snapVersion)
	binary.LittleEndian.PutUint32(head[8:], uint32(next))
	binary.LittleEndian.PutUint32(head[12:], uint32(len(slots)))
	if _, err := tee.Write(head[:]); err != nil {
		return err
	}

	var lenBuf [2]byte
	for _, record := range slots {
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(record)))
		if _, err := tee.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := io.WriteString(tee, string(record)); err != nil {
			return err
		}
	}

	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], crc.Sum32())
	_, err := w.Write(trailer[:])
	return err
}

func decodeIDTable(br *bufio.Reader) (*IDMap, error) {
	crc := crc32.NewIEEE()
	tr := io.TeeReader(br, crc)

	var head [16]byte
	if _, err := io.ReadFull(tr, head[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", errSnapshotCorrupt, err)
	}
	if binary.LittleEndian.Uint32(head[0:]) != snapMagic {
		return nil, fmt.Errorf("%w: bad magic", errSnapshotCorrupt)
	}
	if v := binary.LittleEndian.Uint32(head[4:]); v != snapVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", errSnapshotCorrupt, v)
	}
	next := model.LocalID(binary.LittleEndian.Uint32(head[8:]))
	count := int(binary.LittleEndian.Uint32(head[12:]))

	slots := make([]model.RecordID, 0, min(count, 1<<20))
	var lenBuf [2]byte
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(tr, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", errSnapshotCorrupt, err)
		}
		n := int(binary.LittleEndian.Uint16(lenBuf[:]))
		id := make([]byte, n)
		if _, err := io.ReadFull(tr, id); err != nil {
			return nil, fmt.Errorf("%w: %v", errSnapshotCorrupt, err)
		}
		slots = append(slots, model.RecordID(id))
	}

	var trailer [4]byte
	if _, err := io.ReadFull(br, trailer[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", errSnapshotCorrupt, err)
	}
	if binary.LittleEndian.Uint32(trailer[:]) != crc.Sum32() {
		return nil, fmt.Errorf("%w: id table checksum mismatch", errSnapshotCorrupt)
	}

	return idMapFromSlots(slots, next), nil
}
