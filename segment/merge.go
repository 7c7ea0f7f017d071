package segment

import (
	"github.com/ajkumar-13/forgedb/internal/fs"
	"github.com/ajkumar-13/forgedb/model"
)

// Merge writes one merged segment at path from the given inputs plus
// fresh records, dropping tombstoned ids. Later sources win: fresh
// records supersede segment records, and a later segment supersedes an
// earlier one. The caller performs the manifest swap and deletes the
// superseded files only after the swap is durable.
func Merge(fsys fs.FileSystem, path string, dimension int, segments []*Segment, fresh []model.VectorRecord, tombstoned func(model.RecordID) bool) (int, error) {
	latest := make(map[model.RecordID][]float32)

	for _, seg := range segments {
		recs, err := seg.Records()
		if err != nil {
			return 0, err
		}
		for _, rec := range recs {
			latest[rec.ID] = rec.Vector
		}
	}
	for _, rec := range fresh {
		latest[rec.ID] = rec.Vector
	}

	merged := make([]model.VectorRecord, 0, len(latest))
	for id, vec := range latest {
		if tombstoned != nil && tombstoned(id) {
			continue
		}
		merged = append(merged, model.VectorRecord{ID: id, Vector: vec})
	}

	if err := Write(fsys, path, dimension, merged); err != nil {
		return 0, err
	}
	return len(merged), nil
}
