package hnsw

import (
	"context"

	"github.com/ajkumar-13/forgedb/model"
)

// Compact rebuilds the graph without tombstoned nodes and returns the
// new graph together with the identity remapping (old LocalID to new
// LocalID). Live nodes are reinserted in ascending id order with the
// same structural options; tombstoned nodes and their edges vanish.
//
// The source graph must be quiescent for the duration of the rebuild.
func (h *HNSW) Compact(ctx context.Context, optFns ...func(o *Options)) (*HNSW, map[model.LocalID]model.LocalID, error) {
	rebuilt, err := New(func(o *Options) {
		*o = h.opts
		o.Vectors = nil
		for _, fn := range optFns {
			fn(o)
		}
	})
	if err != nil {
		return nil, nil, err
	}

	remap := make(map[model.LocalID]model.LocalID, h.Count())
	next := model.LocalID(0)

	for _, old := range h.Live() {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		vec, ok := h.vectors.Get(uint32(old))
		if !ok {
			continue
		}
		if err := rebuilt.Insert(ctx, next, vec); err != nil {
			return nil, nil, err
		}
		remap[old] = next
		next++
	}

	return rebuilt, remap, nil
}
