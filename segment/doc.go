// Package segment implements the immutable, memory-mapped segment
// files of a collection.
//
// A segment is written once by compaction and never mutated; it is only
// superseded by a later merge. The file layout is:
//
//	┌─────────────────────────────────┐
//	│ Magic "VECT" (4 bytes)          │
//	│ Version (4 bytes)               │
//	│ Count (4 bytes)                 │
//	│ Dimension (4 bytes)             │
//	├─────────────────────────────────┤
//	│ Vector 0 (Dim × 4 bytes, f32 LE)│
//	│ ...                             │
//	├─────────────────────────────────┤
//	│ ID table (u16 len + bytes each) │
//	├─────────────────────────────────┤
//	│ CRC32-C of everything above (4) │
//	└─────────────────────────────────┘
//
// Records are sorted by id, so lookups binary-search the id table.
// VectorAt is O(1) offset arithmetic into the mapped region and returns
// a zero-copy view.
package segment
