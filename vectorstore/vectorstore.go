// Package vectorstore holds the live vectors of a collection in
// memory, addressed by dense LocalID. The HNSW graph references vectors
// through this store rather than embedding copies in its nodes.
package vectorstore

import "errors"

// ErrWrongDimension is returned when a stored vector's length does not
// match the store dimension.
var ErrWrongDimension = errors.New("vectorstore: wrong vector dimension")

// Store is the vector storage interface consumed by the HNSW index.
type Store interface {
	// Get returns the vector for id. The returned slice must be treated
	// as immutable.
	Get(id uint32) ([]float32, bool)
	// Set stores v under id, copying it.
	Set(id uint32, v []float32) error
	// Dimension returns the configured vector dimension.
	Dimension() int
}
