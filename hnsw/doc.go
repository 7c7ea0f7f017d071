// Package hnsw implements the Hierarchical Navigable Small World graph
// used for approximate k-nearest-neighbor search over the live vector
// set.
//
// Nodes live in a dense arena indexed by LocalID; neighbor lists store
// LocalIDs rather than pointers, which keeps the cyclic graph free of
// ownership cycles and makes snapshots cheap. Level assignment draws
// from an exponential distribution through an injectable, seedable
// random source, so search results are reproducible under a fixed seed.
//
// Deletes only tombstone: the node stays in the graph for navigation
// but is excluded from results. Edges are rewired wholesale by Compact,
// which rebuilds the graph without tombstoned nodes.
package hnsw
