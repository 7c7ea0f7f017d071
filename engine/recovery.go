package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ajkumar-13/forgedb/hnsw"
	"github.com/ajkumar-13/forgedb/model"
	"github.com/ajkumar-13/forgedb/segment"
	"github.com/ajkumar-13/forgedb/wal"
)

// recover loads the manifest state and replays the WAL tail. The graph
// comes from the checkpoint's snapshot when one exists; otherwise it is
// rebuilt by re-inserting the segments' records. On a corrupt segment
// it falls back to full WAL-history reconstruction when the retained
// WAL files cover everything; otherwise the corruption is fatal.
func (e *Engine) recover() error {
	man, err := e.manStore.Load()
	if err != nil {
		return err
	}
	e.man = man

	loaded := false
	if man.Snapshot != "" {
		if err := e.recoverFromSnapshot(); err != nil {
			e.log.Warn("snapshot load failed, rebuilding from segments", "error", err)
		} else {
			loaded = true
		}
	}

	if !loaded {
		if err := e.loadSegments(); err != nil {
			var corrupt *segment.CorruptionError
			if !errors.As(err, &corrupt) {
				return err
			}
			e.log.Warn("segment corrupt, attempting WAL reconstruction", "error", err)
			if rebuildErr := e.rebuildFromWALHistory(); rebuildErr != nil {
				return fmt.Errorf("segment corrupt and WAL reconstruction failed: %w", errors.Join(err, rebuildErr))
			}
			// The rebuild replayed every WAL file, active one included.
			return nil
		}
	}

	return e.replayCurrentWAL()
}

// loadSegments opens the manifest's segments and installs their
// records in the graph. Later segments supersede earlier ones.
func (e *Engine) loadSegments() error {
	ctx := context.Background()

	release := func() {
		for _, open := range e.segments {
			open.Release()
		}
		e.segments = nil
	}

	latest := make(map[model.RecordID][]float32)
	for _, info := range e.man.Segments {
		seg, err := segment.Open(filepath.Join(e.dir, info.Path), info.ID)
		if err != nil {
			release()
			return err
		}
		e.segments = append(e.segments, seg)

		recs, err := seg.Records()
		if err != nil {
			release()
			return err
		}
		for _, rec := range recs {
			latest[rec.ID] = rec.Vector
		}
	}

	for record, vec := range latest {
		if _, err := e.applyUpsert(ctx, record, vec); err != nil {
			return fmt.Errorf("rebuild graph from segments: %w", err)
		}
	}
	return nil
}

// recoverFromSnapshot restores the graph and id map directly from the
// manifest's snapshot file, skipping per-record re-insertion. The
// manifest's segments are still opened; checkpoints merge from them.
// Any failure leaves the engine untouched so the caller can fall back
// to the segment path.
func (e *Engine) recoverFromSnapshot() error {
	ids, graph, err := e.readSnapshot(filepath.Join(e.dir, e.man.Snapshot))
	if err != nil {
		return err
	}
	if graph.Dimension() != e.opts.Dimension {
		return fmt.Errorf("%w: snapshot dimension %d, expected %d",
			hnsw.ErrInvalidSnapshot, graph.Dimension(), e.opts.Dimension)
	}

	var segs []*segment.Segment
	for _, info := range e.man.Segments {
		seg, err := segment.Open(filepath.Join(e.dir, info.Path), info.ID)
		if err != nil {
			for _, open := range segs {
				open.Release()
			}
			return err
		}
		segs = append(segs, seg)
	}

	e.segments = segs
	e.cur.Store(&view{graph: graph, ids: ids, meta: e.cur.Load().meta})
	e.log.Info("graph restored from snapshot", "records", ids.Count())
	return nil
}

// openActiveWAL opens the WAL file the manifest names, priming the
// sequence counter from the checkpointed high-water mark.
func (e *Engine) openActiveWAL() error {
	w, err := wal.Open(e.fsys, wal.Filename(e.dir, e.man.WALID), wal.Options{
		Durability: e.opts.Durability,
	})
	if err != nil {
		return err
	}
	e.wal = w
	if w.LastSeq() < e.man.MaxSeq {
		w.SetLastSeq(e.man.MaxSeq)
	}
	return nil
}

// replayCurrentWAL opens the active WAL file and applies records past
// the last checkpointed sequence. A torn trailing record was an
// incomplete crash-time write; the WAL drops it on open.
func (e *Engine) replayCurrentWAL() error {
	if err := e.openActiveWAL(); err != nil {
		return err
	}

	ctx := context.Background()
	replayed := 0
	if _, err := e.wal.Replay(func(rec *wal.Record) error {
		if rec.Seq <= e.man.MaxSeq {
			return nil
		}
		replayed++
		return e.applyWALRecord(ctx, rec)
	}); err != nil {
		return err
	}
	if e.wal.LastSeq() < e.man.MaxSeq {
		e.wal.SetLastSeq(e.man.MaxSeq)
	}

	if replayed > 0 {
		e.log.Info("WAL tail replayed", "records", replayed)
		e.dirty = replayed
	}
	return nil
}

func (e *Engine) applyWALRecord(ctx context.Context, rec *wal.Record) error {
	switch rec.Type {
	case wal.RecordTypeUpsert:
		if _, err := e.applyUpsert(ctx, rec.ID, rec.Vector); err != nil {
			return err
		}
		e.pending[rec.ID] = struct{}{}
	case wal.RecordTypeDelete:
		e.applyDelete(rec.ID)
	}
	return nil
}

// rebuildFromWALHistory reconstructs the collection from WAL files 1
// through the active one. Possible only when every file still exists,
// which RetainWAL guarantees.
func (e *Engine) rebuildFromWALHistory() error {
	for id := uint64(1); id <= e.man.WALID; id++ {
		if _, err := e.fsys.Stat(wal.Filename(e.dir, id)); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("WAL history incomplete: %s missing", filepath.Base(wal.Filename(e.dir, id)))
			}
			return err
		}
	}

	// Discard any state the failed segment load installed.
	for _, seg := range e.segments {
		seg.Release()
	}
	e.segments = nil
	graph, err := e.freshGraph()
	if err != nil {
		return err
	}
	e.cur.Store(&view{graph: graph, ids: NewIDMap(), meta: e.cur.Load().meta})

	ctx := context.Background()
	for id := uint64(1); id <= e.man.WALID; id++ {
		w, err := wal.Open(e.fsys, wal.Filename(e.dir, id), wal.Options{
			Durability: e.opts.Durability,
		})
		if err != nil {
			return err
		}

		_, replayErr := w.Replay(func(rec *wal.Record) error {
			return e.applyWALRecord(ctx, rec)
		})

		if id == e.man.WALID {
			if replayErr != nil {
				w.Close()
				return replayErr
			}
			// The newest file stays open as the active WAL.
			e.wal = w
			e.dirty = e.Count()
			break
		}

		closeErr := w.Close()
		if replayErr != nil {
			return replayErr
		}
		if closeErr != nil {
			return closeErr
		}
	}

	// The manifest's segments and snapshot are gone; the next
	// checkpoint writes fresh ones from the rebuilt state.
	e.man.Segments = nil
	e.man.Snapshot = ""
	e.log.Info("collection rebuilt from WAL history", "records", e.Count())
	return nil
}

func (e *Engine) freshGraph() (*hnsw.HNSW, error) {
	return hnsw.New(func(o *hnsw.Options) {
		o.Dimension = e.opts.Dimension
		o.Metric = e.opts.Metric
		o.M = e.opts.M
		o.EFConstruction = e.opts.EFConstruction
		o.EFSearch = e.opts.EFSearch
		o.RandomSeed = e.opts.RandomSeed
	})
}
