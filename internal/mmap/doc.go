// Package mmap provides read-only memory mapping of files.
//
// A [Mapping] owns the mapped byte range and is responsible for
// unmapping it on Close. Segment readers hand out zero-copy views into
// the mapping; those views are valid only while the mapping is open,
// which the engine guarantees through snapshot reference counting.
//
// On platforms without mmap support the same contract could be served
// by a buffered random-access read path; all callers go through the
// [Mapping] API and never touch the syscall layer directly.
package mmap
