package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/ajkumar-13/forgedb/hnsw"
	"github.com/ajkumar-13/forgedb/internal/fs"
	"github.com/ajkumar-13/forgedb/internal/resource"
	"github.com/ajkumar-13/forgedb/manifest"
	"github.com/ajkumar-13/forgedb/metadata"
	"github.com/ajkumar-13/forgedb/model"
	"github.com/ajkumar-13/forgedb/planner"
	"github.com/ajkumar-13/forgedb/segment"
	"github.com/ajkumar-13/forgedb/wal"
)

var (
	// ErrClosed rejects operations after Close.
	ErrClosed = errors.New("engine: closed")

	// ErrNotFound reports an absent record id.
	ErrNotFound = errors.New("engine: record not found")

	// ErrInvalidRecordID rejects an empty record id.
	ErrInvalidRecordID = errors.New("engine: invalid record id")
)

// view is the read-side snapshot: a graph, the id map, the metadata
// index and the planner, all built against the same LocalID space.
// Readers load it once per operation and the four stay consistent for
// that operation's lifetime. Incremental writes mutate the published
// view in place under e.mu, which is safe because LocalIDs are never
// reused; a wholesale remap (OptimizeIndex) builds a fresh view and
// publishes it in a single store instead.
type view struct {
	graph *hnsw.HNSW
	ids   *IDMap
	meta  *metadata.Index
	plan  *planner.Planner
}

// collaborator avoids handing the planner a typed-nil interface.
func (v *view) collaborator() metadata.Collaborator {
	if v.meta == nil {
		return nil
	}
	return v.meta
}

// Engine is one durable collection: WAL, segments, graph index and id
// map behind a single writer lock.
type Engine struct {
	mu   sync.Mutex // serializes mutations and checkpoints
	opts Options
	dir  string
	fsys fs.FileSystem
	log  *slog.Logger

	wal *wal.WAL
	cur atomic.Pointer[view]

	manStore *manifest.Store
	man      *manifest.Manifest
	segments []*segment.Segment

	// pending holds record ids upserted since the last checkpoint;
	// their vectors live only in the graph and the WAL.
	pending map[model.RecordID]struct{}
	dirty   int

	res    *resource.Controller
	closed bool
}

// Open opens or creates the collection in dir and recovers its state:
// manifest, then graph snapshot or segments, then WAL replay past the
// last checkpointed sequence.
func Open(dir string, optFns ...func(o *Options)) (*Engine, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("%w: %d", hnsw.ErrInvalidDimension, opts.Dimension)
	}

	fsys := opts.FS
	if fsys == nil {
		fsys = fs.Default
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = log.With("dir", dir)

	e := &Engine{
		opts:     opts,
		dir:      dir,
		fsys:     fsys,
		log:      log,
		manStore: manifest.NewStore(fsys, dir),
		pending:  make(map[model.RecordID]struct{}),
		res:      resource.NewController(opts.Resources),
	}

	graph, err := e.freshGraph()
	if err != nil {
		return nil, err
	}
	e.cur.Store(&view{graph: graph, ids: NewIDMap(), meta: opts.Metadata})

	if err := e.recover(); err != nil {
		return nil, err
	}

	e.publish(e.cur.Load())
	e.reclaimOrphans()

	log.Info("collection opened",
		"records", e.Count(),
		"segments", len(e.segments),
		"last_seq", e.wal.LastSeq())

	return e, nil
}

// publish installs v with a planner bound to v's graph and ids.
func (e *Engine) publish(v *view) {
	v.plan = planner.New(v.graph, v.collaborator(), v.ids, func(o *planner.Options) {
		*o = e.opts.Planner
	})
	e.cur.Store(v)
}

// Upsert durably writes the record and makes it searchable. An
// existing record id is superseded under a fresh internal id. doc, if
// non-nil, replaces the record's metadata in the in-process index.
func (e *Engine) Upsert(ctx context.Context, record model.RecordID, vector []float32, doc metadata.Document) error {
	// Validation happens before the WAL append so a rejected write
	// leaves zero side effects.
	if _, _, err := e.cur.Load().graph.Prepare(vector); err != nil {
		return err
	}
	if record == "" {
		return ErrInvalidRecordID
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	if _, err := e.wal.Append(&wal.Record{
		Type:   wal.RecordTypeUpsert,
		ID:     record,
		Vector: vector,
	}); err != nil {
		return err
	}

	local, err := e.applyUpsert(ctx, record, vector)
	if err != nil {
		return err
	}
	if v := e.cur.Load(); doc != nil && v.meta != nil {
		v.meta.Update(uint32(local), doc)
	}

	e.pending[record] = struct{}{}
	e.dirty++
	e.maybeCheckpoint()
	return nil
}

// applyUpsert installs the record in the id map and graph. The caller
// holds e.mu; no WAL write happens here, so both the live write path
// and replay share it.
func (e *Engine) applyUpsert(ctx context.Context, record model.RecordID, vector []float32) (model.LocalID, error) {
	v := e.cur.Load()
	local, prev, hadPrev := v.ids.Assign(record)
	if hadPrev {
		v.graph.Delete(prev)
		if v.meta != nil {
			v.meta.Remove(uint32(prev))
		}
	}
	if err := v.graph.Insert(ctx, local, vector); err != nil {
		return 0, err
	}
	return local, nil
}

// Delete durably removes the record. Deleting an absent id returns
// ErrNotFound.
func (e *Engine) Delete(ctx context.Context, record model.RecordID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	if _, ok := e.cur.Load().ids.Lookup(record); !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, record)
	}

	if _, err := e.wal.Append(&wal.Record{
		Type: wal.RecordTypeDelete,
		ID:   record,
	}); err != nil {
		return err
	}

	e.applyDelete(record)
	e.dirty++
	e.maybeCheckpoint()
	return nil
}

func (e *Engine) applyDelete(record model.RecordID) {
	v := e.cur.Load()
	local, ok := v.ids.Remove(record)
	if !ok {
		return
	}
	v.graph.Delete(local)
	if v.meta != nil {
		v.meta.Remove(uint32(local))
	}
	delete(e.pending, record)
}

// Get fetches one record. Under cosine the returned vector is the
// stored unit-normalized form.
func (e *Engine) Get(record model.RecordID) (*model.VectorRecord, error) {
	v := e.cur.Load()
	local, ok := v.ids.Lookup(record)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, record)
	}
	vec, ok := v.graph.Vectors().Get(uint32(local))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, record)
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return &model.VectorRecord{ID: record, Vector: out}, nil
}

// Search runs a hybrid query through the planner.
func (e *Engine) Search(ctx context.Context, query []float32, topK int, fs *metadata.FilterSet) (*model.Result, error) {
	return e.cur.Load().plan.Execute(ctx, query, topK, fs)
}

// Count returns the number of live records.
func (e *Engine) Count() int { return e.cur.Load().ids.Count() }

// maybeCheckpoint schedules a background checkpoint when enough
// mutations accumulated. Caller holds e.mu.
func (e *Engine) maybeCheckpoint() {
	if e.opts.CheckpointEvery <= 0 || e.dirty < e.opts.CheckpointEvery {
		return
	}
	if !e.res.TryAcquireBackground() {
		return
	}
	go func() {
		defer e.res.ReleaseBackground()
		if err := e.Checkpoint(context.Background()); err != nil {
			e.log.Error("background checkpoint failed", "error", err)
		}
	}()
}

// Close releases the WAL and segment resources. Buffered state stays
// recoverable through the WAL.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var firstErr error
	if err := e.wal.Close(); err != nil {
		firstErr = err
	}
	for _, seg := range e.segments {
		if err := seg.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.segments = nil
	return firstErr
}

// Stats is a point-in-time operational summary.
type Stats struct {
	Records      int
	Segments     int
	PendingWAL   int
	WALSize      int64
	Graph        hnsw.Stats
	LastSeq      uint64
	Checkpointed uint64
}

// Stats reports operational counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.cur.Load()
	return Stats{
		Records:      v.ids.Count(),
		Segments:     len(e.segments),
		PendingWAL:   e.dirty,
		WALSize:      e.wal.Size(),
		Graph:        v.graph.Stats(),
		LastSeq:      e.wal.LastSeq(),
		Checkpointed: e.man.MaxSeq,
	}
}

// reclaimOrphans removes files a crash left unreferenced: segments and
// snapshots not in the manifest, superseded manifest files and, unless
// RetainWAL is set, WAL files older than the active one.
func (e *Engine) reclaimOrphans() {
	entries, err := e.fsys.ReadDir(e.dir)
	if err != nil {
		return
	}

	referenced := make(map[string]bool)
	for _, info := range e.man.Segments {
		referenced[info.Path] = true
	}
	referenced[filepath.Base(wal.Filename(e.dir, e.man.WALID))] = true
	referenced[fmt.Sprintf("%s-%06d.json", manifest.FilePrefix, e.man.ID)] = true
	referenced[manifest.CurrentFileName] = true
	if e.man.Snapshot != "" {
		referenced[e.man.Snapshot] = true
	}

	for _, entry := range entries {
		name := entry.Name()
		if referenced[name] || entry.IsDir() {
			continue
		}
		var remove bool
		switch {
		case matchesPattern(name, "seg-", ".vec"):
			remove = true
		case matchesPattern(name, "snap-", ".fgs"):
			remove = true
		case matchesPattern(name, manifest.FilePrefix+"-", ".json"):
			remove = true
		case matchesPattern(name, "wal-", ".log"):
			remove = !e.opts.RetainWAL
		case filepath.Ext(name) == ".tmp":
			remove = true
		}
		if remove {
			e.log.Debug("reclaiming orphan file", "name", name)
			if err := e.fsys.Remove(filepath.Join(e.dir, name)); err != nil && !os.IsNotExist(err) {
				e.log.Warn("orphan reclaim failed", "name", name, "error", err)
			}
		}
	}
}

func matchesPattern(name, prefix, suffix string) bool {
	return len(name) > len(prefix)+len(suffix) &&
		name[:len(prefix)] == prefix &&
		name[len(name)-len(suffix):] == suffix
}
