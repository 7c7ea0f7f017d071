package forgedb

import (
	"context"
	"time"

	"github.com/ajkumar-13/forgedb/engine"
	"github.com/ajkumar-13/forgedb/metadata"
	"github.com/ajkumar-13/forgedb/model"
)

// Aliases for the shared value types, so simple callers need only this
// package.
type (
	RecordID     = model.RecordID
	SearchResult = model.SearchResult
	VectorRecord = model.VectorRecord
)

// DB is a persistent embedding-similarity database with crash-safe
// durability, metadata filtering and approximate nearest-neighbor search.
//
// A DB owns one directory. All mutations are logged before they are
// applied; reopening a directory replays whatever a crash left behind.
type DB struct {
	eng     *engine.Engine
	metrics MetricsCollector
	logger  *Logger
}

// Open opens (or creates) the database in dir for vectors of the given
// dimension. The dimension and distance metric are fixed at creation.
func Open(dir string, dimension int, optFns ...Option) (*DB, error) {
	opts := applyOptions(dimension, optFns)
	if opts.metrics == nil {
		opts.metrics = NoopMetricsCollector{}
	}
	if opts.logger == nil {
		opts.logger = NoopLogger()
	}
	opts.engine.Logger = opts.logger.Logger

	eng, err := engine.Open(dir, func(o *engine.Options) {
		*o = opts.engine
	})
	if err != nil {
		return nil, translateError(err)
	}

	return &DB{
		eng:     eng,
		metrics: opts.metrics,
		logger:  opts.logger,
	}, nil
}

// Upsert inserts or replaces the record with the given id. doc is the
// record's metadata for the attached metadata index; it may be nil.
//
// The mutation is durable (per the configured durability mode) before
// Upsert returns. A validation failure leaves no trace.
func (db *DB) Upsert(ctx context.Context, id model.RecordID, vector []float32, doc metadata.Document) error {
	start := time.Now()
	err := translateError(db.eng.Upsert(ctx, id, vector, doc))
	db.metrics.RecordUpsert(time.Since(start), err)
	db.logger.LogUpsert(ctx, id, len(vector), err)
	return err
}

// Delete removes the record with the given id. Deleting an absent id
// returns ErrNotFound.
func (db *DB) Delete(ctx context.Context, id model.RecordID) error {
	start := time.Now()
	err := translateError(db.eng.Delete(ctx, id))
	db.metrics.RecordDelete(time.Since(start), err)
	db.logger.LogDelete(ctx, id, err)
	return err
}

// Get returns the live record with the given id, or ErrNotFound.
// The returned vector is a copy.
func (db *DB) Get(id model.RecordID) (*model.VectorRecord, error) {
	rec, err := db.eng.Get(id)
	return rec, translateError(err)
}

// knnSearch executes a (optionally filtered) nearest-neighbor query.
// Used by the fluent SearchBuilder.
func (db *DB) knnSearch(ctx context.Context, query []float32, k int, fs *metadata.FilterSet) (*model.Result, error) {
	start := time.Now()
	res, err := db.eng.Search(ctx, query, k, fs)
	err = translateError(err)
	if err == nil && res != nil && res.TimedOut {
		err = ErrDeadlineExceeded
	}
	db.metrics.RecordSearch(k, time.Since(start), err)
	if res != nil {
		db.logger.LogSearch(ctx, k, len(res.Results), res.Strategy, err)
	} else {
		db.logger.LogSearch(ctx, k, 0, "", err)
	}
	return res, err
}

// Checkpoint merges buffered mutations and sealed segments into a fresh
// segment, swaps the manifest and rotates the durability log. Blocks
// until the new state is durable.
func (db *DB) Checkpoint(ctx context.Context) error {
	start := time.Now()
	err := translateError(db.eng.Checkpoint(ctx))
	db.metrics.RecordCheckpoint(time.Since(start), err)
	db.logger.LogCheckpoint(ctx, err)
	return err
}

// OptimizeIndex rebuilds the graph index when the fraction of deleted
// nodes exceeds threshold. A no-op below the threshold.
func (db *DB) OptimizeIndex(ctx context.Context, threshold float64) error {
	return translateError(db.eng.OptimizeIndex(ctx, threshold))
}

// Count returns the number of live records.
func (db *DB) Count() int {
	return db.eng.Count()
}

// Stats returns a point-in-time snapshot of storage and index state.
func (db *DB) Stats() engine.Stats {
	return db.eng.Stats()
}

// Close flushes and releases all resources. The DB must not be used
// afterwards.
func (db *DB) Close() error {
	if db == nil {
		return nil
	}
	return translateError(db.eng.Close())
}
