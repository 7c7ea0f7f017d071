// Package bitset implements a concurrent growable bitset. It backs the
// tombstone set: written under the engine's writer lock, read lock-free
// by concurrent searches.
package bitset

import (
	"math/bits"
	"sync/atomic"
)

// BitSet is a thread-safe growable bitset. Growth is copy-on-write:
// readers always see a consistent word array.
type BitSet struct {
	words atomic.Pointer[[]atomic.Uint64]
}

// New creates a BitSet sized for at least size bits.
func New(size uint32) *BitSet {
	b := &BitSet{}
	b.Grow(size)
	return b
}

// Grow ensures capacity for at least size bits.
func (b *BitSet) Grow(size uint32) {
	need := int(size+63) / 64
	for {
		old := b.words.Load()
		if old != nil && len(*old) >= need {
			return
		}
		newCap := need
		if old != nil && 2*len(*old) > newCap {
			newCap = 2 * len(*old)
		}
		words := make([]atomic.Uint64, newCap)
		if old != nil {
			for i := range *old {
				words[i].Store((*old)[i].Load())
			}
		}
		if b.words.CompareAndSwap(old, &words) {
			return
		}
	}
}

// Set marks bit id.
func (b *BitSet) Set(id uint32) {
	b.Grow(id + 1)
	words := *b.words.Load()
	idx := int(id >> 6)
	mask := uint64(1) << (id & 63)
	for {
		old := words[idx].Load()
		if old&mask != 0 || words[idx].CompareAndSwap(old, old|mask) {
			return
		}
	}
}

// Test reports whether bit id is set.
func (b *BitSet) Test(id uint32) bool {
	words := b.words.Load()
	if words == nil {
		return false
	}
	idx := int(id >> 6)
	if idx >= len(*words) {
		return false
	}
	return (*words)[idx].Load()&(uint64(1)<<(id&63)) != 0
}

// Count returns the number of set bits.
func (b *BitSet) Count() int {
	words := b.words.Load()
	if words == nil {
		return 0
	}
	var n int
	for i := range *words {
		n += bits.OnesCount64((*words)[i].Load())
	}
	return n
}
