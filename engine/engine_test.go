package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajkumar-13/forgedb/blobstore"
	"github.com/ajkumar-13/forgedb/distance"
	"github.com/ajkumar-13/forgedb/hnsw"
	"github.com/ajkumar-13/forgedb/manifest"
	"github.com/ajkumar-13/forgedb/metadata"
	"github.com/ajkumar-13/forgedb/model"
	"github.com/ajkumar-13/forgedb/segment"
	"github.com/ajkumar-13/forgedb/wal"
)

func testOptions(optFns ...func(o *Options)) func(o *Options) {
	return func(o *Options) {
		o.Dimension = 3
		o.Metric = distance.MetricL2
		o.CheckpointEvery = 0
		seed := int64(7)
		o.RandomSeed = &seed
		for _, fn := range optFns {
			fn(o)
		}
	}
}

func TestUpsertGetDelete(t *testing.T) {
	ctx := context.Background()
	e, err := Open(t.TempDir(), testOptions())
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Upsert(ctx, "a", []float32{1, 2, 3}, nil))

	rec, err := e.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, rec.Vector)

	require.NoError(t, e.Delete(ctx, "a"))
	_, err = e.Get("a")
	require.ErrorIs(t, err, ErrNotFound)

	err = e.Delete(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertSupersedes(t *testing.T) {
	ctx := context.Background()
	e, err := Open(t.TempDir(), testOptions())
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Upsert(ctx, "a", []float32{1, 0, 0}, nil))
	require.NoError(t, e.Upsert(ctx, "a", []float32{0, 1, 0}, nil))

	assert.Equal(t, 1, e.Count())

	rec, err := e.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0}, rec.Vector)

	res, err := e.Search(ctx, []float32{0, 1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, model.RecordID("a"), res.Results[0].ID)
	assert.Equal(t, float32(0), res.Results[0].Distance)
}

func TestDimensionMismatchLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	e, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer e.Close()

	walSize := e.Stats().WALSize
	err = e.Upsert(ctx, "bad", []float32{1, 2}, nil)
	require.Error(t, err)

	assert.Equal(t, walSize, e.Stats().WALSize, "rejected write must not touch the WAL")
	assert.Zero(t, e.Count())
}

func TestReopenReplaysWAL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e, err := Open(dir, testOptions())
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		id := model.RecordID(fmt.Sprintf("rec-%02d", i))
		require.NoError(t, e.Upsert(ctx, id, []float32{float32(i), 0, 0}, nil))
	}
	require.NoError(t, e.Delete(ctx, "rec-03"))
	require.NoError(t, e.Close())

	e2, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer e2.Close()

	assert.Equal(t, 19, e2.Count())
	_, err = e2.Get("rec-03")
	require.ErrorIs(t, err, ErrNotFound)

	rec, err := e2.Get("rec-07")
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 0, 0}, rec.Vector)

	res, err := e2.Search(ctx, []float32{7, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, model.RecordID("rec-07"), res.Results[0].ID)
}

func TestTornWALTailDiscarded(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e, err := Open(dir, testOptions())
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		id := model.RecordID(fmt.Sprintf("rec-%02d", i))
		require.NoError(t, e.Upsert(ctx, id, []float32{float32(i), 0, 0}, nil))
	}
	require.NoError(t, e.Close())

	// Chop bytes off the WAL tail, as an interrupted write would.
	walPath := wal.Filename(dir, 1)
	data, err := os.ReadFile(walPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(walPath, data[:len(data)-5], 0o644))

	e2, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer e2.Close()

	// The torn final record is gone; the prefix survives intact.
	assert.Equal(t, 9, e2.Count())
	_, err = e2.Get("rec-09")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = e2.Get("rec-08")
	require.NoError(t, err)
}

func TestCheckpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e, err := Open(dir, testOptions())
	require.NoError(t, err)
	for i := 0; i < 30; i++ {
		id := model.RecordID(fmt.Sprintf("rec-%02d", i))
		require.NoError(t, e.Upsert(ctx, id, []float32{float32(i), 0, 0}, nil))
	}
	require.NoError(t, e.Delete(ctx, "rec-05"))

	require.NoError(t, e.Checkpoint(ctx))

	stats := e.Stats()
	assert.Equal(t, 1, stats.Segments)
	assert.Zero(t, stats.PendingWAL)
	assert.Equal(t, stats.LastSeq, stats.Checkpointed)

	// The first segment holds the live set; the first WAL is gone.
	seg, err := segment.Open(segment.Filename(dir, 1), 1)
	require.NoError(t, err)
	assert.Equal(t, 29, seg.Count())
	require.NoError(t, seg.Release())

	_, err = os.Stat(wal.Filename(dir, 1))
	assert.True(t, os.IsNotExist(err))

	// Mutations after the checkpoint land in the rotated WAL.
	require.NoError(t, e.Upsert(ctx, "late", []float32{99, 0, 0}, nil))
	require.NoError(t, e.Close())

	e2, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer e2.Close()

	assert.Equal(t, 30, e2.Count())
	_, err = e2.Get("rec-05")
	require.ErrorIs(t, err, ErrNotFound, "tombstone must not resurrect")
	_, err = e2.Get("late")
	require.NoError(t, err)
}

func TestCheckpointIdempotentWhenClean(t *testing.T) {
	ctx := context.Background()
	e, err := Open(t.TempDir(), testOptions())
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Checkpoint(ctx), "empty checkpoint is a no-op")

	require.NoError(t, e.Upsert(ctx, "a", []float32{1, 0, 0}, nil))
	require.NoError(t, e.Checkpoint(ctx))
	epoch := e.man.Epoch

	require.NoError(t, e.Checkpoint(ctx))
	assert.Equal(t, epoch, e.man.Epoch, "clean checkpoint must not advance the epoch")
}

func TestCorruptSegmentFatalWithoutWALHistory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e, err := Open(dir, testOptions())
	require.NoError(t, err)
	require.NoError(t, e.Upsert(ctx, "a", []float32{1, 0, 0}, nil))
	require.NoError(t, e.Checkpoint(ctx))
	require.NoError(t, e.Close())

	corruptFile(t, segment.Filename(dir, 1))

	_, err = Open(dir, testOptions())
	require.Error(t, err)
	var corrupt *segment.CorruptionError
	require.ErrorAs(t, err, &corrupt)
}

func TestCorruptSegmentRebuildsFromRetainedWAL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	opts := testOptions(func(o *Options) { o.RetainWAL = true })

	e, err := Open(dir, opts)
	require.NoError(t, err)
	for i := 0; i < 15; i++ {
		id := model.RecordID(fmt.Sprintf("rec-%02d", i))
		require.NoError(t, e.Upsert(ctx, id, []float32{float32(i), 0, 0}, nil))
	}
	require.NoError(t, e.Delete(ctx, "rec-02"))
	require.NoError(t, e.Checkpoint(ctx))
	require.NoError(t, e.Upsert(ctx, "post", []float32{50, 0, 0}, nil))
	require.NoError(t, e.Close())

	corruptFile(t, segment.Filename(dir, 1))

	e2, err := Open(dir, opts)
	require.NoError(t, err)
	defer e2.Close()

	assert.Equal(t, 15, e2.Count())
	_, err = e2.Get("rec-02")
	require.ErrorIs(t, err, ErrNotFound)
	rec, err := e2.Get("post")
	require.NoError(t, err)
	assert.Equal(t, []float32{50, 0, 0}, rec.Vector)

	// The rebuilt state checkpoints into a fresh valid segment.
	require.NoError(t, e2.Checkpoint(ctx))
	assert.Equal(t, 1, e2.Stats().Segments)
}

func TestFilteredSearch(t *testing.T) {
	ctx := context.Background()
	meta := metadata.NewIndex()

	e, err := Open(t.TempDir(), testOptions(func(o *Options) {
		o.Metadata = meta
	}))
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 40; i++ {
		id := model.RecordID(fmt.Sprintf("rec-%02d", i))
		doc := metadata.Document{"group": metadata.Int(int64(i % 4))}
		require.NoError(t, e.Upsert(ctx, id, []float32{float32(i), 0, 0}, doc))
	}

	fs := metadata.NewFilterSet(metadata.Eq("group", metadata.Int(2)))
	res, err := e.Search(ctx, []float32{10, 0, 0}, 5, fs)
	require.NoError(t, err)
	require.NotEmpty(t, res.Results)
	for _, r := range res.Results {
		var n int
		_, serr := fmt.Sscanf(string(r.ID), "rec-%02d", &n)
		require.NoError(t, serr)
		assert.Equal(t, 2, n%4)
	}
}

func TestOptimizeIndex(t *testing.T) {
	ctx := context.Background()
	meta := metadata.NewIndex()

	e, err := Open(t.TempDir(), testOptions(func(o *Options) {
		o.Metadata = meta
	}))
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 40; i++ {
		id := model.RecordID(fmt.Sprintf("rec-%02d", i))
		doc := metadata.Document{"even": metadata.Bool(i%2 == 0)}
		require.NoError(t, e.Upsert(ctx, id, []float32{float32(i), 0, 0}, doc))
	}
	for i := 1; i < 40; i += 2 {
		require.NoError(t, e.Delete(ctx, model.RecordID(fmt.Sprintf("rec-%02d", i))))
	}

	require.NoError(t, e.OptimizeIndex(ctx, 0.3))

	assert.Equal(t, 20, e.Count())
	assert.Zero(t, e.Stats().Graph.Tombstones)

	// Lookups and filtered search still line up after the remap.
	rec, err := e.Get("rec-10")
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 0, 0}, rec.Vector)

	fs := metadata.NewFilterSet(metadata.Eq("even", metadata.Bool(true)))
	res, err := e.Search(ctx, []float32{10, 0, 0}, 3, fs)
	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	assert.Equal(t, model.RecordID("rec-10"), res.Results[0].ID)
}

func TestArchiveMirrorsCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemory()

	e, err := Open(t.TempDir(), testOptions(func(o *Options) {
		o.Archive = store
		o.ArchivePrefix = "coll/"
	}))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Upsert(ctx, "a", []float32{1, 0, 0}, nil))
	require.NoError(t, e.Checkpoint(ctx))

	keys, err := store.List(ctx, "coll/")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Contains(t, keys[1], "segments/seg-000001.vec")
	assert.Contains(t, keys[0], "manifests/MANIFEST-")
}

func TestClosedEngineRejectsMutations(t *testing.T) {
	ctx := context.Background()
	e, err := Open(t.TempDir(), testOptions())
	require.NoError(t, err)
	require.NoError(t, e.Close())

	require.ErrorIs(t, e.Upsert(ctx, "a", []float32{1, 0, 0}, nil), ErrClosed)
	require.ErrorIs(t, e.Checkpoint(ctx), ErrClosed)
	assert.NoError(t, e.Close(), "double close")
}

func corruptFile(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestReclaimOrphans(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e, err := Open(dir, testOptions())
	require.NoError(t, err)
	require.NoError(t, e.Upsert(ctx, "a", []float32{1, 0, 0}, nil))
	require.NoError(t, e.Checkpoint(ctx))
	require.NoError(t, e.Close())

	// A crash mid-checkpoint leaves an unreferenced segment behind.
	orphan := segment.Filename(dir, 99)
	require.NoError(t, os.WriteFile(orphan, []byte("partial"), 0o644))
	tmp := filepath.Join(dir, "MANIFEST-000099.json.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("{}"), 0o644))

	e2, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer e2.Close()

	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(tmp)
	assert.True(t, os.IsNotExist(err))
}

func TestOptimizeIndexPreservesPriorView(t *testing.T) {
	ctx := context.Background()
	meta := metadata.NewIndex()

	e, err := Open(t.TempDir(), testOptions(func(o *Options) {
		o.Metadata = meta
	}))
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 30; i++ {
		id := model.RecordID(fmt.Sprintf("rec-%02d", i))
		doc := metadata.Document{"even": metadata.Bool(i%2 == 0)}
		require.NoError(t, e.Upsert(ctx, id, []float32{float32(i), 0, 0}, doc))
	}
	for i := 1; i < 20; i += 2 {
		require.NoError(t, e.Delete(ctx, model.RecordID(fmt.Sprintf("rec-%02d", i))))
	}

	before := e.cur.Load()
	priorLocal, ok := before.ids.Lookup("rec-10")
	require.True(t, ok)
	priorVec, ok := before.graph.Vectors().Get(uint32(priorLocal))
	require.True(t, ok)

	require.NoError(t, e.OptimizeIndex(ctx, 0))

	after := e.cur.Load()
	require.NotSame(t, before, after)

	// The rebuild reassigned LocalIDs, but the prior view's id map
	// stayed frozen: a reader mid-flight on it keeps resolving the id
	// space its graph was built with.
	local, ok := before.ids.Lookup("rec-10")
	require.True(t, ok)
	assert.Equal(t, priorLocal, local)
	vec, ok := before.graph.Vectors().Get(uint32(local))
	require.True(t, ok)
	assert.Equal(t, priorVec, vec)

	// A filtered search through the prior planner still returns the
	// right records, resolved through the prior id space.
	fs := metadata.NewFilterSet(metadata.Eq("even", metadata.Bool(true)))
	res, err := before.plan.Execute(ctx, []float32{10, 0, 0}, 3, fs)
	require.NoError(t, err)
	require.NotEmpty(t, res.Results)
	assert.Equal(t, model.RecordID("rec-10"), res.Results[0].ID)

	// And the published view is the compacted one.
	assert.Zero(t, e.Stats().Graph.Tombstones)
	rec, err := e.Get("rec-10")
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 0, 0}, rec.Vector)
	res, err = e.Search(ctx, []float32{10, 0, 0}, 3, fs)
	require.NoError(t, err)
	assert.Equal(t, model.RecordID("rec-10"), res.Results[0].ID)
}

func TestCheckpointWritesSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e, err := Open(dir, testOptions())
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		id := model.RecordID(fmt.Sprintf("rec-%02d", i))
		require.NoError(t, e.Upsert(ctx, id, []float32{float32(i), 0, 0}, nil))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Delete(ctx, model.RecordID(fmt.Sprintf("rec-%02d", i))))
	}
	require.NoError(t, e.Checkpoint(ctx))

	require.NotEmpty(t, e.man.Snapshot)
	_, err = os.Stat(filepath.Join(dir, e.man.Snapshot))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e2, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer e2.Close()

	// The snapshot restored the graph as checkpointed, pre-delete
	// tombstones included; a segment rebuild would start clean.
	assert.Equal(t, 22, e2.Count())
	assert.Equal(t, 3, e2.Stats().Graph.Tombstones)

	rec, err := e2.Get("rec-10")
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 0, 0}, rec.Vector)

	res, err := e2.Search(ctx, []float32{10, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, model.RecordID("rec-10"), res.Results[0].ID)

	// The restored id map hands out fresh LocalIDs past the snapshot.
	require.NoError(t, e2.Upsert(ctx, "fresh", []float32{99, 0, 0}, nil))
	rec, err = e2.Get("fresh")
	require.NoError(t, err)
	assert.Equal(t, []float32{99, 0, 0}, rec.Vector)
	assert.Equal(t, 23, e2.Count())
}

func TestCorruptSnapshotFallsBackToSegments(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e, err := Open(dir, testOptions())
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		id := model.RecordID(fmt.Sprintf("rec-%02d", i))
		require.NoError(t, e.Upsert(ctx, id, []float32{float32(i), 0, 0}, nil))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Delete(ctx, model.RecordID(fmt.Sprintf("rec-%02d", i))))
	}
	require.NoError(t, e.Checkpoint(ctx))
	snapPath := filepath.Join(dir, e.man.Snapshot)
	require.NoError(t, e.Close())

	corruptFile(t, snapPath)

	e2, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer e2.Close()

	// Rebuilt from the merged segment: same live set, no tombstones.
	assert.Equal(t, 22, e2.Count())
	assert.Zero(t, e2.Stats().Graph.Tombstones)

	rec, err := e2.Get("rec-10")
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 0, 0}, rec.Vector)
	_, err = e2.Get("rec-01")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLoadSegmentsReleasesOnFailure(t *testing.T) {
	dir := t.TempDir()
	recs := []model.VectorRecord{{ID: "a", Vector: []float32{1, 0, 0}}}
	require.NoError(t, segment.Write(nil, segment.Filename(dir, 1), 3, recs))
	require.NoError(t, segment.Write(nil, segment.Filename(dir, 2), 3, recs))
	corruptFile(t, segment.Filename(dir, 2))

	graph, err := hnsw.New(func(o *hnsw.Options) { o.Dimension = 3 })
	require.NoError(t, err)

	e := &Engine{
		dir: dir,
		man: &manifest.Manifest{Segments: []manifest.SegmentInfo{
			{ID: 1, Path: "seg-000001.vec"},
			{ID: 2, Path: "seg-000002.vec"},
		}},
	}
	e.cur.Store(&view{graph: graph, ids: NewIDMap()})

	err = e.loadSegments()
	require.Error(t, err)
	assert.Empty(t, e.segments, "failed load must not leak open segments")
}

func TestCrashPrefixRecoveryMatchesHistory(t *testing.T) {
	ctx := context.Background()
	srcDir := t.TempDir()

	type op struct {
		del bool
		id  model.RecordID
		vec []float32
	}
	ops := []op{
		{id: "a", vec: []float32{1, 0, 0}},
		{id: "b", vec: []float32{0, 1, 0}},
		{id: "c", vec: []float32{0, 0, 1}},
		{id: "a", vec: []float32{2, 0, 0}},
		{del: true, id: "b"},
		{id: "d", vec: []float32{1, 1, 0}},
		{del: true, id: "a"},
		{id: "b", vec: []float32{3, 0, 0}},
	}

	e, err := Open(srcDir, testOptions())
	require.NoError(t, err)

	// states[k] is the expected live set after the first k operations.
	states := make([]map[model.RecordID][]float32, 1, len(ops)+1)
	states[0] = map[model.RecordID][]float32{}
	for _, o := range ops {
		if o.del {
			require.NoError(t, e.Delete(ctx, o.id))
		} else {
			require.NoError(t, e.Upsert(ctx, o.id, o.vec, nil))
		}
		next := make(map[model.RecordID][]float32, len(states[len(states)-1])+1)
		for id, v := range states[len(states)-1] {
			next[id] = v
		}
		if o.del {
			delete(next, o.id)
		} else {
			next[o.id] = o.vec
		}
		states = append(states, next)
	}
	require.NoError(t, e.Close())

	data, err := os.ReadFile(wal.Filename(srcDir, 1))
	require.NoError(t, err)

	// Reconstruct the record boundaries by re-encoding each operation;
	// whatever precedes the first record is the file header.
	boundaries := make([]int, 0, len(ops))
	total := 0
	for i, o := range ops {
		rec := &wal.Record{Seq: uint64(i + 1), Type: wal.RecordTypeUpsert, ID: o.id, Vector: o.vec}
		if o.del {
			rec = &wal.Record{Seq: uint64(i + 1), Type: wal.RecordTypeDelete, ID: o.id}
		}
		var buf bytes.Buffer
		require.NoError(t, rec.Encode(&buf))
		total += buf.Len()
		boundaries = append(boundaries, total)
	}
	headerLen := len(data) - total
	require.Positive(t, headerLen)

	// Crash at every possible byte prefix: the recovered collection
	// must equal the state after exactly the operations whose records
	// survived in full.
	for cut := headerLen; cut <= len(data); cut++ {
		k := 0
		for k < len(boundaries) && headerLen+boundaries[k] <= cut {
			k++
		}
		want := states[k]

		crashDir := t.TempDir()
		require.NoError(t, os.WriteFile(wal.Filename(crashDir, 1), data[:cut], 0o644))

		e2, err := Open(crashDir, testOptions())
		require.NoErrorf(t, err, "open failed at cut %d", cut)

		require.Equalf(t, len(want), e2.Count(), "live count diverged at cut %d (ops replayed: %d)", cut, k)
		for id, vec := range want {
			rec, err := e2.Get(id)
			require.NoErrorf(t, err, "record %s missing at cut %d", id, cut)
			assert.Equalf(t, vec, rec.Vector, "record %s has stale vector at cut %d", id, cut)
		}
		require.NoError(t, e2.Close())
	}
}
