package forgedb_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajkumar-13/forgedb"
	"github.com/ajkumar-13/forgedb/distance"
	"github.com/ajkumar-13/forgedb/metadata"
	"github.com/ajkumar-13/forgedb/model"
)

func testDB(t *testing.T, optFns ...forgedb.Option) *forgedb.DB {
	t.Helper()
	opts := append([]forgedb.Option{
		forgedb.WithMetric(distance.MetricL2),
		forgedb.WithCheckpointEvery(0),
		forgedb.WithRandomSeed(7),
	}, optFns...)
	db, err := forgedb.Open(t.TempDir(), 3, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestUpsertGetDelete(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	require.NoError(t, db.Upsert(ctx, "a", []float32{1, 0, 0}, nil))
	require.NoError(t, db.Upsert(ctx, "b", []float32{0, 1, 0}, nil))
	assert.Equal(t, 2, db.Count())

	rec, err := db.Get("a")
	require.NoError(t, err)
	assert.Equal(t, model.RecordID("a"), rec.ID)
	assert.Equal(t, []float32{1, 0, 0}, rec.Vector)

	require.NoError(t, db.Delete(ctx, "a"))
	_, err = db.Get("a")
	assert.ErrorIs(t, err, forgedb.ErrNotFound)
	assert.ErrorIs(t, db.Delete(ctx, "a"), forgedb.ErrNotFound)
}

func TestSearchFluent(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	require.NoError(t, db.Upsert(ctx, "a", []float32{1, 0, 0}, nil))
	require.NoError(t, db.Upsert(ctx, "b", []float32{0, 1, 0}, nil))
	require.NoError(t, db.Upsert(ctx, "c", []float32{0.9, 0.1, 0}, nil))

	results, err := db.Search([]float32{1, 0, 0}).KNN(2).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, model.RecordID("a"), results[0].ID)
	assert.Equal(t, model.RecordID("c"), results[1].ID)

	first, err := db.Search([]float32{0, 1, 0}).First(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RecordID("b"), first.ID)

	ok, err := db.Search([]float32{1, 0, 0}).Exists(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := db.Search([]float32{1, 0, 0}).KNN(10).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSearchValidation(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	require.NoError(t, db.Upsert(ctx, "a", []float32{1, 0, 0}, nil))

	_, err := db.Search([]float32{1, 0, 0}).KNN(0).Execute(ctx)
	assert.ErrorIs(t, err, forgedb.ErrInvalidK)

	_, err = db.Search([]float32{1, 0}).KNN(1).Execute(ctx)
	var dm *forgedb.ErrDimensionMismatch
	require.True(t, errors.As(err, &dm))
	assert.Equal(t, 3, dm.Expected)
	assert.Equal(t, 2, dm.Actual)
}

func TestUpsertValidation(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	var dm *forgedb.ErrDimensionMismatch
	require.True(t, errors.As(db.Upsert(ctx, "a", []float32{1}, nil), &dm))
	assert.ErrorIs(t, db.Upsert(ctx, "", []float32{1, 0, 0}, nil), forgedb.ErrInvalidRecordID)
	assert.Equal(t, 0, db.Count())
}

func TestFilteredSearch(t *testing.T) {
	ctx := context.Background()
	idx := metadata.NewIndex()
	db := testDB(t, forgedb.WithMetadataIndex(idx))

	require.NoError(t, db.Upsert(ctx, "a", []float32{1, 0, 0}, metadata.Document{
		"color": metadata.String("red"),
	}))
	require.NoError(t, db.Upsert(ctx, "b", []float32{0.9, 0, 0}, metadata.Document{
		"color": metadata.String("blue"),
	}))

	results, err := db.Search([]float32{1, 0, 0}).
		KNN(2).
		Where(metadata.NewFilterSet(metadata.Eq("color", metadata.String("blue")))).
		Execute(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, model.RecordID("b"), results[0].ID)

	_, err = db.Search([]float32{1, 0, 0}).
		KNN(2).
		Where(metadata.NewFilterSet(metadata.Eq("missing", metadata.Int(1)))).
		Execute(ctx)
	assert.ErrorIs(t, err, forgedb.ErrInvalidFilter)
}

func TestSearchTimeout(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	require.NoError(t, db.Upsert(ctx, "a", []float32{1, 0, 0}, nil))

	expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()
	_, err := db.Search([]float32{1, 0, 0}).KNN(1).Execute(expired)
	assert.ErrorIs(t, err, forgedb.ErrDeadlineExceeded)
}

func TestCheckpointAndReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	open := func() *forgedb.DB {
		db, err := forgedb.Open(dir, 3,
			forgedb.WithMetric(distance.MetricL2),
			forgedb.WithCheckpointEvery(0),
			forgedb.WithRandomSeed(7),
		)
		require.NoError(t, err)
		return db
	}

	db := open()
	for i, id := range []model.RecordID{"a", "b", "c"} {
		require.NoError(t, db.Upsert(ctx, id, []float32{float32(i), 0, 0}, nil))
	}
	require.NoError(t, db.Checkpoint(ctx))
	require.NoError(t, db.Upsert(ctx, "d", []float32{9, 0, 0}, nil))
	require.NoError(t, db.Close())

	db = open()
	defer db.Close()
	assert.Equal(t, 4, db.Count())

	rec, err := db.Get("d")
	require.NoError(t, err)
	assert.Equal(t, []float32{9, 0, 0}, rec.Vector)

	stats := db.Stats()
	assert.Equal(t, 4, stats.Records)
	assert.Equal(t, 1, stats.Segments)
}

func TestClosedDB(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	require.NoError(t, db.Close())

	assert.ErrorIs(t, db.Upsert(ctx, "a", []float32{1, 0, 0}, nil), forgedb.ErrClosed)
	assert.ErrorIs(t, db.Delete(ctx, "a"), forgedb.ErrClosed)
}

func TestMetricsCollected(t *testing.T) {
	ctx := context.Background()
	metrics := &forgedb.BasicMetricsCollector{}
	db := testDB(t, forgedb.WithMetricsCollector(metrics))

	require.NoError(t, db.Upsert(ctx, "a", []float32{1, 0, 0}, nil))
	_, err := db.Search([]float32{1, 0, 0}).KNN(1).Execute(ctx)
	require.NoError(t, err)
	require.NoError(t, db.Delete(ctx, "a"))
	assert.Error(t, db.Delete(ctx, "a"))

	stats := metrics.GetStats()
	assert.Equal(t, int64(1), stats.UpsertCount)
	assert.Equal(t, int64(1), stats.SearchCount)
	assert.Equal(t, int64(2), stats.DeleteCount)
	assert.Equal(t, int64(1), stats.DeleteErrors)
}

func TestOptimizeIndex(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	for i := 0; i < 20; i++ {
		id := model.RecordID(rune('a' + i))
		require.NoError(t, db.Upsert(ctx, id, []float32{float32(i), 0, 0}, nil))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, db.Delete(ctx, model.RecordID(rune('a'+i))))
	}

	require.NoError(t, db.OptimizeIndex(ctx, 0.3))
	assert.Equal(t, 10, db.Count())

	results, err := db.Search([]float32{19, 0, 0}).KNN(1).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, model.RecordID("t"), results[0].ID)
}
