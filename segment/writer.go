package segment

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"sort"

	"github.com/ajkumar-13/forgedb/internal/fs"
	"github.com/ajkumar-13/forgedb/model"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Write writes records as a new immutable segment file at path.
// Records are sorted by id before writing; tombstoned records must be
// filtered by the caller. The file is fsynced before Write returns.
func Write(fsys fs.FileSystem, path string, dimension int, records []model.VectorRecord) error {
	if fsys == nil {
		fsys = fs.Default
	}

	sorted := make([]model.VectorRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for i, rec := range sorted {
		if len(rec.Vector) != dimension {
			return fmt.Errorf("record %d (%s): dimension %d, expected %d", i, rec.ID, len(rec.Vector), dimension)
		}
	}

	f, err := fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	crc := crc32.New(castagnoli)
	bw := bufio.NewWriter(f)

	write := func(p []byte) error {
		crc.Write(p)
		_, err := bw.Write(p)
		return err
	}

	header := Header{
		Version:   Version,
		Count:     uint32(len(sorted)),
		Dimension: uint32(dimension),
	}
	if err := write(header.Encode()); err != nil {
		f.Close()
		return err
	}

	var scratch [4]byte
	for _, rec := range sorted {
		for _, v := range rec.Vector {
			binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(v))
			if err := write(scratch[:]); err != nil {
				f.Close()
				return err
			}
		}
	}

	var idLen [2]byte
	for _, rec := range sorted {
		binary.LittleEndian.PutUint16(idLen[:], uint16(len(rec.ID)))
		if err := write(idLen[:]); err != nil {
			f.Close()
			return err
		}
		if err := write([]byte(rec.ID)); err != nil {
			f.Close()
			return err
		}
	}

	binary.LittleEndian.PutUint32(scratch[:], crc.Sum32())
	if _, err := bw.Write(scratch[:]); err != nil {
		f.Close()
		return err
	}

	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
