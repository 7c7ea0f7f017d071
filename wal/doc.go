// Package wal implements the append-only durability log of a
// collection.
//
// Every mutation lands in the WAL before any in-memory structure is
// touched. Records are length-prefixed and individually checksummed;
// sequence numbers are assigned under the append lock and are strictly
// increasing and gap-free. Replay tolerates a truncated trailing record
// (crash mid-write) by discarding it silently.
//
// Durability is configurable: DurabilitySync acknowledges an append
// only after fsync, amortized across concurrent appenders by a group
// commit goroutine; DurabilityAsync relies on the OS page cache.
package wal
