package metadata

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// ErrUnknownField indicates a filter referencing a field no document
// has ever carried.
var ErrUnknownField = errors.New("metadata: unknown field")

// Collaborator is the oracle interface the query planner consults for
// hybrid queries. EstimateSelectivity returns the fraction of records
// matching the filter set in [0, 1]; MatchIDs returns the exact
// matching id set in ascending order.
type Collaborator interface {
	EstimateSelectivity(ctx context.Context, fs *FilterSet) (float64, error)
	MatchIDs(ctx context.Context, fs *FilterSet) (*roaring.Bitmap, error)
}

// Index is the reference Collaborator: a roaring-bitmap inverted index
// over exact field values, with a document store backing the
// non-indexable operators (ranges, contains).
type Index struct {
	mu sync.RWMutex

	// field -> value key -> posting list
	postings map[string]map[string]*roaring.Bitmap
	// field -> ids carrying the field at all
	fieldIDs map[string]*roaring.Bitmap
	all      *roaring.Bitmap
	docs     map[uint32]Document
}

var _ Collaborator = (*Index)(nil)

// NewIndex creates an empty metadata index.
func NewIndex() *Index {
	return &Index{
		postings: make(map[string]map[string]*roaring.Bitmap),
		fieldIDs: make(map[string]*roaring.Bitmap),
		all:      roaring.New(),
		docs:     make(map[uint32]Document),
	}
}

// Add indexes doc under id. A nil doc still registers the id so the
// selectivity denominator stays accurate.
func (ix *Index) Add(id uint32, doc Document) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.all.Add(id)
	if doc == nil {
		return
	}
	ix.docs[id] = doc

	for field, v := range doc {
		vm, ok := ix.postings[field]
		if !ok {
			vm = make(map[string]*roaring.Bitmap)
			ix.postings[field] = vm
		}
		vk := v.Key()
		ids, ok := vm[vk]
		if !ok {
			ids = roaring.New()
			vm[vk] = ids
		}
		ids.Add(id)

		fids, ok := ix.fieldIDs[field]
		if !ok {
			fids = roaring.New()
			ix.fieldIDs[field] = fids
		}
		fids.Add(id)
	}
}

// Remove drops id from the index.
func (ix *Index) Remove(id uint32) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.all.Remove(id)
	doc, ok := ix.docs[id]
	if !ok {
		return
	}
	delete(ix.docs, id)

	for field, v := range doc {
		vm, ok := ix.postings[field]
		if !ok {
			continue
		}
		vk := v.Key()
		if ids, ok := vm[vk]; ok {
			ids.Remove(id)
			if ids.IsEmpty() {
				delete(vm, vk)
			}
		}
		if len(vm) == 0 {
			delete(ix.postings, field)
		}
		if fids, ok := ix.fieldIDs[field]; ok {
			fids.Remove(id)
			if fids.IsEmpty() {
				delete(ix.fieldIDs, field)
			}
		}
	}
}

// Update replaces id's document.
func (ix *Index) Update(id uint32, doc Document) {
	ix.Remove(id)
	ix.Add(id, doc)
}

// Remapped returns a copy of the index with all ids rewritten through
// remap, dropping ids it does not cover. The receiver is unchanged, so
// readers pairing it with the pre-rebuild graph stay consistent.
// Called after a graph rebuild reassigns local ids.
func (ix *Index) Remapped(remap map[uint32]uint32) *Index {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := NewIndex()
	it := ix.all.Iterator()
	for it.HasNext() {
		old := it.Next()
		now, ok := remap[old]
		if !ok {
			continue
		}
		out.Add(now, ix.docs[old])
	}
	return out
}

// Count returns the number of indexed records.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return int(ix.all.GetCardinality())
}

// EstimateSelectivity returns the exact matching fraction. The
// reference index is small enough that estimation and evaluation
// coincide; a remote collaborator would sample instead.
func (ix *Index) EstimateSelectivity(ctx context.Context, fs *FilterSet) (float64, error) {
	ix.mu.RLock()
	total := ix.all.GetCardinality()
	ix.mu.RUnlock()

	if total == 0 {
		return 0, nil
	}
	if fs == nil || len(fs.Filters) == 0 {
		return 1, nil
	}

	matched, err := ix.MatchIDs(ctx, fs)
	if err != nil {
		return 0, err
	}
	return float64(matched.GetCardinality()) / float64(total), nil
}

// MatchIDs evaluates the conjunction and returns the matching ids.
// Unknown fields fail with ErrUnknownField.
func (ix *Index) MatchIDs(ctx context.Context, fs *FilterSet) (*roaring.Bitmap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if fs == nil || len(fs.Filters) == 0 {
		return ix.all.Clone(), nil
	}

	var acc *roaring.Bitmap
	for i := range fs.Filters {
		f := &fs.Filters[i]

		fids, known := ix.fieldIDs[f.Field]
		if !known {
			return nil, fmt.Errorf("%w: %q", ErrUnknownField, f.Field)
		}

		matched, err := ix.evalLocked(f, fids)
		if err != nil {
			return nil, err
		}

		if acc == nil {
			acc = matched
		} else {
			acc.And(matched)
		}
		if acc.IsEmpty() {
			return acc, nil
		}
	}
	return acc, nil
}

// evalLocked evaluates one filter. Equality and membership run off the
// posting lists; everything else scans the ids carrying the field.
func (ix *Index) evalLocked(f *Filter, fids *roaring.Bitmap) (*roaring.Bitmap, error) {
	switch f.Operator {
	case OpEqual:
		if vm, ok := ix.postings[f.Field]; ok {
			if ids, ok := vm[f.Value.Key()]; ok {
				return ids.Clone(), nil
			}
		}
		return roaring.New(), nil

	case OpIn:
		if f.Value.Kind != KindArray {
			return roaring.New(), nil
		}
		union := roaring.New()
		if vm, ok := ix.postings[f.Field]; ok {
			for _, v := range f.Value.A {
				if ids, ok := vm[v.Key()]; ok {
					union.Or(ids)
				}
			}
		}
		return union, nil

	default:
		out := roaring.New()
		it := fids.Iterator()
		for it.HasNext() {
			id := it.Next()
			if doc, ok := ix.docs[id]; ok && f.Matches(doc) {
				out.Add(id)
			}
		}
		return out, nil
	}
}
