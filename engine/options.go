package engine

import (
	"log/slog"

	"github.com/ajkumar-13/forgedb/blobstore"
	"github.com/ajkumar-13/forgedb/distance"
	"github.com/ajkumar-13/forgedb/hnsw"
	"github.com/ajkumar-13/forgedb/internal/fs"
	"github.com/ajkumar-13/forgedb/internal/resource"
	"github.com/ajkumar-13/forgedb/metadata"
	"github.com/ajkumar-13/forgedb/planner"
	"github.com/ajkumar-13/forgedb/wal"
)

// Options configures a collection engine.
type Options struct {
	// Dimension is the fixed vector dimension. Required.
	Dimension int

	Metric         distance.Metric
	M              int
	EFConstruction int
	EFSearch       int

	Durability wal.Durability

	// FS overrides the filesystem, mainly for fault injection in
	// tests. Nil means the local filesystem.
	FS fs.FileSystem

	// CheckpointEvery triggers a background checkpoint after this many
	// buffered mutations. Zero disables automatic checkpoints.
	CheckpointEvery int

	// RetainWAL keeps rotated WAL files on disk instead of reclaiming
	// them at checkpoint. Retained files make a corrupt segment
	// recoverable by full-history replay at the cost of disk space.
	RetainWAL bool

	// Metadata is the optional in-process metadata index, keyed by
	// LocalID. The engine keeps it aligned across deletes and graph
	// rebuilds; population is the caller's job.
	Metadata *metadata.Index

	// SnapshotCodec compresses the graph snapshot written at each
	// checkpoint.
	SnapshotCodec hnsw.Codec

	// Planner tunes the query planner thresholds.
	Planner planner.Options

	// Resources bounds background work and archive IO.
	Resources resource.Config

	// Archive mirrors checkpointed segments and manifests to an object
	// store. Optional; failures are logged, not fatal.
	Archive       blobstore.Store
	ArchivePrefix string

	Logger *slog.Logger

	// RandomSeed pins the graph's level RNG for reproducible builds.
	RandomSeed *int64
}

// DefaultOptions contains the default options for the engine.
var DefaultOptions = Options{
	Metric:          distance.MetricCosine,
	M:               16,
	EFConstruction:  200,
	EFSearch:        100,
	Durability:      wal.DurabilitySync,
	CheckpointEvery: 10000,
	SnapshotCodec:   hnsw.CodecZstd,
	Planner:         planner.DefaultOptions,
	Resources: resource.Config{
		MaxBackgroundWorkers: 2,
	},
}
