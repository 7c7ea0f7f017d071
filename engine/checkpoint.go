package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ajkumar-13/forgedb/manifest"
	"github.com/ajkumar-13/forgedb/model"
	"github.com/ajkumar-13/forgedb/segment"
	"github.com/ajkumar-13/forgedb/wal"
)

// Checkpoint merges the live record set into one fresh segment, writes
// a graph snapshot, swings the manifest atomically and rotates the
// WAL. After a successful checkpoint the previous segment, snapshot
// and, unless RetainWAL is set, the previous WAL file are reclaimed.
//
// The writer lock is held for the duration; searches continue
// unaffected.
func (e *Engine) Checkpoint(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.dirty == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	v := e.cur.Load()
	fresh := make([]model.VectorRecord, 0, len(e.pending))
	for record := range e.pending {
		local, ok := v.ids.Lookup(record)
		if !ok {
			continue
		}
		vec, ok := v.graph.Vectors().Get(uint32(local))
		if !ok {
			continue
		}
		fresh = append(fresh, model.VectorRecord{ID: record, Vector: vec})
	}

	segID := e.man.NextSegmentID
	segPath := segment.Filename(e.dir, uint64(segID))

	tombstoned := func(id model.RecordID) bool {
		_, live := v.ids.Lookup(id)
		return !live
	}

	count, err := segment.Merge(e.fsys, segPath, e.opts.Dimension, e.segments, fresh, tombstoned)
	if err != nil {
		return fmt.Errorf("checkpoint merge: %w", err)
	}

	// Reopen immediately: the checksum verification catches a bad
	// write now, while the old state is still authoritative.
	newSeg, err := segment.Open(segPath, segID)
	if err != nil {
		e.fsys.Remove(segPath)
		return fmt.Errorf("checkpoint verify: %w", err)
	}

	if err := e.wal.Sync(); err != nil {
		newSeg.Release()
		e.fsys.Remove(segPath)
		return err
	}
	checkpointSeq := e.wal.LastSeq()

	next := *e.man
	next.Epoch++
	next.NextSegmentID = segID + 1
	next.Segments = []manifest.SegmentInfo{{
		ID:       segID,
		Path:     filepath.Base(segPath),
		RowCount: uint32(count),
	}}
	next.LiveCount = uint64(count)
	next.MaxSeq = checkpointSeq
	next.WALID = e.man.WALID + 1

	// The snapshot is a recovery accelerator, not a correctness
	// requirement: a failed write degrades the next open to segment
	// replay.
	next.Snapshot = ""
	if snapName, err := e.writeSnapshot(v, next.Epoch); err != nil {
		e.log.Warn("snapshot write failed", "error", err)
	} else {
		next.Snapshot = snapName
	}

	if err := e.manStore.Save(&next); err != nil {
		newSeg.Release()
		e.fsys.Remove(segPath)
		if next.Snapshot != "" {
			e.fsys.Remove(filepath.Join(e.dir, next.Snapshot))
		}
		return fmt.Errorf("checkpoint manifest: %w", err)
	}

	// The swap is durable. Everything from here is cleanup; failures
	// leave orphans that startup reclaims.
	oldWALPath := e.wal.Path()
	oldSegments := e.segments
	oldSnapshot := e.man.Snapshot

	newWAL, err := wal.Open(e.fsys, wal.Filename(e.dir, next.WALID), wal.Options{
		Durability: e.opts.Durability,
	})
	if err != nil {
		return fmt.Errorf("checkpoint WAL rotate: %w", err)
	}
	newWAL.SetLastSeq(checkpointSeq)

	if err := e.wal.Close(); err != nil {
		e.log.Warn("old WAL close failed", "error", err)
	}
	e.wal = newWAL
	e.man = &next
	e.segments = []*segment.Segment{newSeg}
	e.pending = make(map[model.RecordID]struct{})
	e.dirty = 0

	for _, seg := range oldSegments {
		path := seg.Path()
		if err := seg.Release(); err != nil {
			e.log.Warn("segment release failed", "path", path, "error", err)
			continue
		}
		if err := e.fsys.Remove(path); err != nil && !os.IsNotExist(err) {
			e.log.Warn("segment remove failed", "path", path, "error", err)
		}
	}
	if oldSnapshot != "" && oldSnapshot != next.Snapshot {
		if err := e.fsys.Remove(filepath.Join(e.dir, oldSnapshot)); err != nil && !os.IsNotExist(err) {
			e.log.Warn("snapshot remove failed", "name", oldSnapshot, "error", err)
		}
	}
	if !e.opts.RetainWAL {
		if err := e.fsys.Remove(oldWALPath); err != nil && !os.IsNotExist(err) {
			e.log.Warn("WAL remove failed", "path", oldWALPath, "error", err)
		}
	}
	e.log.Info("checkpoint complete",
		"segment", segID,
		"rows", count,
		"max_seq", checkpointSeq)

	e.archive(ctx, segPath, next.ID)
	return nil
}

// archive mirrors the fresh segment and manifest to the configured
// object store. Best effort: a failed upload is logged and retried
// implicitly by the next checkpoint.
func (e *Engine) archive(ctx context.Context, segPath string, manifestID uint64) {
	if e.opts.Archive == nil {
		return
	}

	upload := func(localPath, key string) error {
		f, err := e.fsys.OpenFile(localPath, os.O_RDONLY, 0)
		if err != nil {
			return err
		}
		defer f.Close()

		stat, err := f.Stat()
		if err != nil {
			return err
		}
		if err := e.res.AcquireIO(ctx, int(stat.Size())); err != nil {
			return err
		}
		return e.opts.Archive.Put(ctx, key, f, stat.Size())
	}

	prefix := e.opts.ArchivePrefix
	segKey := prefix + "segments/" + filepath.Base(segPath)
	if err := upload(segPath, segKey); err != nil {
		e.log.Warn("segment archive failed", "key", segKey, "error", err)
		return
	}

	manifestName := fmt.Sprintf("%s-%06d.json", manifest.FilePrefix, manifestID)
	manKey := prefix + "manifests/" + manifestName
	if err := upload(filepath.Join(e.dir, manifestName), manKey); err != nil {
		e.log.Warn("manifest archive failed", "key", manKey, "error", err)
	}
}

// OptimizeIndex rebuilds the graph without tombstones when the
// tombstone ratio exceeds threshold (pass 0 to force). The rebuild
// reassigns LocalIDs, so the id map and metadata index are remapped
// into copies and the whole view is published in one store; a search
// running against the prior view keeps resolving through the id space
// its graph was built with.
func (e *Engine) OptimizeIndex(ctx context.Context, threshold float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	v := e.cur.Load()
	if v.graph.TombstoneRatio() < threshold {
		return nil
	}

	rebuilt, remap, err := v.graph.Compact(ctx)
	if err != nil {
		return err
	}

	next := &view{graph: rebuilt, ids: v.ids.WithRemap(remap)}
	if v.meta != nil {
		metaRemap := make(map[uint32]uint32, len(remap))
		for old, now := range remap {
			metaRemap[uint32(old)] = uint32(now)
		}
		next.meta = v.meta.Remapped(metaRemap)
	}
	e.publish(next)

	e.log.Info("graph rebuilt", "live", rebuilt.Count())
	return nil
}
