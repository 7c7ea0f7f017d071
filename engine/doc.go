// Package engine ties the durability log, the segment store and the
// graph index into one collection. All mutations funnel through a
// single writer lock: a record lands in the WAL first, then in the
// graph and the id map. Reads never take the writer lock; they operate
// on the concurrent-safe graph and id map directly.
//
// Checkpoint merges the current live set into one fresh segment,
// swings the manifest and rotates the WAL. Recovery loads the manifest
// segments, rebuilds the graph and replays WAL records past the last
// checkpointed sequence.
package engine
