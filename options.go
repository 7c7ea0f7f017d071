package forgedb

import (
	"log/slog"

	"github.com/ajkumar-13/forgedb/blobstore"
	"github.com/ajkumar-13/forgedb/distance"
	"github.com/ajkumar-13/forgedb/engine"
	"github.com/ajkumar-13/forgedb/hnsw"
	"github.com/ajkumar-13/forgedb/metadata"
	"github.com/ajkumar-13/forgedb/planner"
	"github.com/ajkumar-13/forgedb/wal"
)

type options struct {
	engine  engine.Options
	metrics MetricsCollector
	logger  *Logger
}

// Option configures database open behavior.
//
// Options exist primarily to avoid exploding the API surface
// (e.g. durability-specific constructor variants).
type Option func(*options)

// WithMetric configures the distance metric. The metric is fixed for the
// lifetime of the collection; reopening with a different metric is not
// supported.
func WithMetric(m distance.Metric) Option {
	return func(o *options) {
		o.engine.Metric = m
	}
}

// WithM configures the HNSW graph connectivity (max neighbors per node on
// upper layers; layer 0 allows twice as many).
func WithM(m int) Option {
	return func(o *options) {
		o.engine.M = m
	}
}

// WithEFConstruction configures the beam width used while building the
// graph. Higher values improve graph quality at insert cost.
func WithEFConstruction(ef int) Option {
	return func(o *options) {
		o.engine.EFConstruction = ef
	}
}

// WithEFSearch configures the default beam width used during search.
// Higher values improve recall but slow down search.
func WithEFSearch(ef int) Option {
	return func(o *options) {
		o.engine.EFSearch = ef
	}
}

// WithDurability configures when the durability log fsyncs.
//
// DurabilitySync (the default) makes every mutation durable before it
// returns. DurabilityAsync trades the tail of the log on crash for
// throughput.
func WithDurability(d wal.Durability) Option {
	return func(o *options) {
		o.engine.Durability = d
	}
}

// WithCheckpointEvery triggers a background checkpoint after n buffered
// mutations. Zero disables automatic checkpoints; Checkpoint can still be
// called explicitly.
func WithCheckpointEvery(n int) Option {
	return func(o *options) {
		o.engine.CheckpointEvery = n
	}
}

// WithRetainWAL keeps rotated log files on disk instead of reclaiming them
// at checkpoint. Retained files make a corrupt segment recoverable by
// full-history replay at the cost of disk space.
func WithRetainWAL(retain bool) Option {
	return func(o *options) {
		o.engine.RetainWAL = retain
	}
}

// WithSnapshotCodec selects the compression codec for the graph
// snapshot written at each checkpoint. The default is zstd; lz4 trades
// ratio for speed and CodecNone skips compression entirely.
func WithSnapshotCodec(codec hnsw.Codec) Option {
	return func(o *options) {
		o.engine.SnapshotCodec = codec
	}
}

// WithMetadataIndex attaches an in-process metadata index used as the
// planner's collaborator for hybrid queries. The database keeps the index
// aligned across deletes and graph rebuilds.
func WithMetadataIndex(idx *metadata.Index) Option {
	return func(o *options) {
		o.engine.Metadata = idx
	}
}

// WithPlannerOptions tunes the hybrid query planner thresholds.
func WithPlannerOptions(fn func(po *planner.Options)) Option {
	return func(o *options) {
		if fn != nil {
			fn(&o.engine.Planner)
		}
	}
}

// WithArchive mirrors checkpointed segments and manifests to an object
// store under the given key prefix. Archive failures are logged, never
// fatal.
func WithArchive(store blobstore.Store, prefix string) Option {
	return func(o *options) {
		o.engine.Archive = store
		o.engine.ArchivePrefix = prefix
	}
}

// WithBackgroundWorkers bounds concurrent background work (checkpoints,
// index rebuilds).
func WithBackgroundWorkers(n int) Option {
	return func(o *options) {
		o.engine.Resources.MaxBackgroundWorkers = int64(n)
	}
}

// WithRandomSeed pins the graph's level RNG for reproducible index builds.
func WithRandomSeed(seed int64) Option {
	return func(o *options) {
		o.engine.RandomSeed = &seed
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &forgedb.BasicMetricsCollector{}
//	db, _ := forgedb.Open(dir, 128, forgedb.WithMetricsCollector(metrics))
//	// ... use db ...
//	stats := metrics.GetStats()
//	fmt.Printf("Upserts: %d, Avg latency: %dns\n", stats.UpsertCount, stats.UpsertAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metrics = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := forgedb.NewJSONLogger(slog.LevelInfo)
//	db, _ := forgedb.Open(dir, 128, forgedb.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(dimension int, optFns []Option) options {
	o := options{
		engine:  engine.DefaultOptions,
		metrics: NoopMetricsCollector{},
		logger:  NoopLogger(),
	}
	o.engine.Dimension = dimension
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
