package model

import "fmt"

// RecordID is the user-facing stable identifier of a vector record.
type RecordID string

// LocalID is a dense, engine-local identifier for a record. The HNSW
// arena and the tombstone set are indexed by LocalID. LocalIDs are
// assigned sequentially by the engine and are never reused: a
// re-inserted record gets a fresh LocalID.
type LocalID uint32

// SegmentID is the unique identifier of a segment within a collection.
type SegmentID uint64

// VectorRecord represents a full data record.
type VectorRecord struct {
	ID         RecordID
	Vector     []float32
	Tombstoned bool
}

// SearchResult is a single ranked match.
type SearchResult struct {
	ID RecordID
	// Distance is metric-dependent: smaller is closer.
	Distance float32
}

// Candidate is an internal match prior to RecordID resolution.
type Candidate struct {
	Local    LocalID
	Distance float32
}

func (c Candidate) String() string {
	return fmt.Sprintf("Cand(%d:%g)", c.Local, c.Distance)
}

// Result is the outcome of a planner execution.
type Result struct {
	Results []SearchResult
	// TimedOut is set when the search deadline elapsed and Results holds
	// the best candidates found so far rather than a full-effort answer.
	TimedOut bool
	// Strategy names the execution path taken (vector-first, filter-first).
	Strategy string
}
