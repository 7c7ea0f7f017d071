// Package forgedb provides an embedded, persistent, embedding-similarity
// database for Go.
//
// A forgedb database owns a single directory and combines:
//
//   - A crash-safe write-ahead log: every mutation is durable before it is
//     applied, and reopening a directory replays whatever a crash left behind
//   - An immutable, memory-mapped segment store for checkpointed vectors
//   - An HNSW graph index for approximate nearest-neighbor search
//   - A cost-based planner for hybrid (vector + metadata filter) queries
//
// # Quick start
//
//	ctx := context.Background()
//	db, err := forgedb.Open("./data", 128,
//	    forgedb.WithMetric(distance.MetricCosine),
//	    forgedb.WithM(16),
//	    forgedb.WithEFSearch(100),
//	)
//	if err != nil {
//	    panic(err)
//	}
//	defer db.Close()
//
// Insert vectors with metadata:
//
//	err = db.Upsert(ctx, "doc-1", vector, metadata.Document{
//	    "category": metadata.String("tech"),
//	    "year":     metadata.Int(2024),
//	})
//
// Search with the fluent API:
//
//	results, err := db.Search(query).
//	    KNN(10).
//	    Where(metadata.NewFilterSet(
//	        metadata.Eq("category", metadata.String("tech")),
//	    )).
//	    Execute(ctx)
//
// # Durability
//
// Mutations are appended to a write-ahead log before they touch the index.
// Checkpoint merges the buffered mutations into an immutable segment file,
// swaps the manifest atomically and rotates the log; a crash at any point
// leaves a recoverable state. Automatic checkpoints are controlled with
// WithCheckpointEvery.
//
// # Hybrid queries
//
// Attach a metadata index with WithMetadataIndex to enable filtered search.
// The planner estimates filter selectivity and picks between scanning the
// matching set directly (highly selective filters) and beam search with
// post-filtering (broad filters).
package forgedb
