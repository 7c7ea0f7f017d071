package planner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajkumar-13/forgedb/hnsw"
	"github.com/ajkumar-13/forgedb/metadata"
	"github.com/ajkumar-13/forgedb/model"
)

// mapResolver is a trivial IDResolver for tests.
type mapResolver struct {
	records map[model.LocalID]model.RecordID
	dead    map[model.LocalID]bool
}

func (r *mapResolver) RecordID(local model.LocalID) (model.RecordID, bool) {
	id, ok := r.records[local]
	return id, ok
}

func (r *mapResolver) Live(local model.LocalID) bool {
	_, ok := r.records[local]
	return ok && !r.dead[local]
}

type fixture struct {
	planner *Planner
	graph   *hnsw.HNSW
	meta    *metadata.Index
	ids     *mapResolver
}

// newFixture builds a 100-vector collection where vector i is
// [i, 0, 0] with metadata {parity, bucket}.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	seed := int64(11)
	graph, err := hnsw.New(func(o *hnsw.Options) {
		o.Dimension = 3
		o.RandomSeed = &seed
	})
	require.NoError(t, err)

	meta := metadata.NewIndex()
	ids := &mapResolver{
		records: make(map[model.LocalID]model.RecordID),
		dead:    make(map[model.LocalID]bool),
	}

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		local := model.LocalID(i)
		require.NoError(t, graph.Insert(ctx, local, []float32{float32(i), 0, 0}))

		parity := "odd"
		if i%2 == 0 {
			parity = "even"
		}
		meta.Add(uint32(i), metadata.Document{
			"parity": metadata.String(parity),
			"bucket": metadata.Int(int64(i / 10)),
		})
		ids.records[local] = model.RecordID(fmt.Sprintf("rec-%03d", i))
	}

	return &fixture{
		planner: New(graph, meta, ids),
		graph:   graph,
		meta:    meta,
		ids:     ids,
	}
}

func TestExecuteValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	t.Run("non-positive k", func(t *testing.T) {
		_, err := f.planner.Execute(ctx, []float32{1, 0, 0}, 0, nil)
		require.ErrorIs(t, err, ErrInvalidK)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := f.planner.Execute(ctx, []float32{1, 0}, 5, nil)
		var dimErr *hnsw.ErrDimensionMismatch
		require.ErrorAs(t, err, &dimErr)
	})

	t.Run("unknown filter field", func(t *testing.T) {
		fs := metadata.NewFilterSet(metadata.Eq("nope", metadata.String("x")))
		_, err := f.planner.Execute(ctx, []float32{1, 0, 0}, 5, fs)
		require.ErrorIs(t, err, ErrInvalidFilter)
	})
}

func TestExecuteEmptyCollection(t *testing.T) {
	ctx := context.Background()

	seed := int64(1)
	graph, err := hnsw.New(func(o *hnsw.Options) {
		o.Dimension = 3
		o.RandomSeed = &seed
	})
	require.NoError(t, err)

	p := New(graph, metadata.NewIndex(), &mapResolver{records: map[model.LocalID]model.RecordID{}})

	res, err := p.Execute(ctx, []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	assert.False(t, res.TimedOut)
}

func TestExecuteUnfiltered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.planner.Execute(ctx, []float32{42, 0, 0}, 5, nil)
	require.NoError(t, err)
	require.Len(t, res.Results, 5)
	assert.Equal(t, StrategyVectorFirst, res.Strategy)
	assert.Equal(t, model.RecordID("rec-042"), res.Results[0].ID)

	for i := 1; i < len(res.Results); i++ {
		assert.LessOrEqual(t, res.Results[i-1].Distance, res.Results[i].Distance)
	}
}

func TestExecuteFilterFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// bucket==3 matches ids 30..39: selectivity 0.1 is above the
	// default low threshold, so force filter-first with a higher cutoff.
	f.planner.opts.LowSelectivity = 0.2

	fs := metadata.NewFilterSet(metadata.Eq("bucket", metadata.Int(3)))
	res, err := f.planner.Execute(ctx, []float32{0, 0, 0}, 3, fs)
	require.NoError(t, err)

	assert.Equal(t, StrategyFilterFirst, res.Strategy)
	require.Len(t, res.Results, 3)
	assert.Equal(t, model.RecordID("rec-030"), res.Results[0].ID)
	assert.Equal(t, model.RecordID("rec-031"), res.Results[1].ID)
	assert.Equal(t, model.RecordID("rec-032"), res.Results[2].ID)
}

func TestExecuteZeroSelectivity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	fs := metadata.NewFilterSet(metadata.Eq("bucket", metadata.Int(99)))
	res, err := f.planner.Execute(ctx, []float32{1, 0, 0}, 5, fs)
	require.NoError(t, err)

	assert.Equal(t, StrategyFilterFirst, res.Strategy)
	assert.Empty(t, res.Results)
}

func TestFullSelectivityMatchesUnfiltered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	fs := metadata.NewFilterSet(metadata.In("parity",
		metadata.String("even"), metadata.String("odd")))

	query := []float32{37, 0, 0}
	unfiltered, err := f.planner.Execute(ctx, query, 10, nil)
	require.NoError(t, err)

	filtered, err := f.planner.Execute(ctx, query, 10, fs)
	require.NoError(t, err)

	// A filter matching everything must not change the answer.
	assert.Equal(t, unfiltered.Results, filtered.Results)

	// The same holds against exact filter-first evaluation.
	forced := New(f.graph, f.meta, f.ids, func(o *Options) {
		o.LowSelectivity = 1.0
	})
	exact, err := forced.Execute(ctx, query, 10, fs)
	require.NoError(t, err)
	assert.Equal(t, StrategyFilterFirst, exact.Strategy)
	assert.Equal(t, unfiltered.Results, exact.Results)
}

func TestOversampling(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// parity==even keeps half the candidates; the post-filter must
	// still deliver a full top-k.
	fs := metadata.NewFilterSet(metadata.Eq("parity", metadata.String("even")))
	res, err := f.planner.Execute(ctx, []float32{50, 0, 0}, 10, fs)
	require.NoError(t, err)

	assert.Equal(t, StrategyVectorFirst, res.Strategy)
	require.Len(t, res.Results, 10)
	for _, r := range res.Results {
		var n int
		_, err := fmt.Sscanf(string(r.ID), "rec-%03d", &n)
		require.NoError(t, err)
		assert.Zero(t, n%2, "id %s leaked through the parity filter", r.ID)
	}
}

func TestDeadRecordsExcluded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.ids.dead[42] = true

	res, err := f.planner.Execute(ctx, []float32{42, 0, 0}, 3, nil)
	require.NoError(t, err)
	for _, r := range res.Results {
		assert.NotEqual(t, model.RecordID("rec-042"), r.ID)
	}
}

func TestTieBreakByRecordID(t *testing.T) {
	ctx := context.Background()

	seed := int64(2)
	graph, err := hnsw.New(func(o *hnsw.Options) {
		o.Dimension = 2
		o.RandomSeed = &seed
	})
	require.NoError(t, err)

	records := map[model.LocalID]model.RecordID{}
	same := []float32{1, 1}
	for i := 0; i < 5; i++ {
		require.NoError(t, graph.Insert(ctx, model.LocalID(i), same))
		records[model.LocalID(i)] = model.RecordID(fmt.Sprintf("rec-%d", 4-i))
	}

	p := New(graph, nil, &mapResolver{records: records})
	res, err := p.Execute(ctx, []float32{1, 1}, 5, nil)
	require.NoError(t, err)

	require.Len(t, res.Results, 5)
	for i := 1; i < len(res.Results); i++ {
		assert.Less(t, res.Results[i-1].ID, res.Results[i].ID)
	}
}

func TestFilterFirstMatchesBruteForce(t *testing.T) {
	ctx := context.Background()

	seed := int64(8)
	graph, err := hnsw.New(func(o *hnsw.Options) {
		o.Dimension = 4
		o.RandomSeed = &seed
	})
	require.NoError(t, err)

	meta := metadata.NewIndex()
	records := map[model.LocalID]model.RecordID{}
	rng := rand.New(rand.NewSource(8))

	vectors := make(map[model.LocalID][]float32)
	for i := 0; i < 200; i++ {
		v := []float32{rng.Float32(), rng.Float32(), rng.Float32(), rng.Float32()}
		local := model.LocalID(i)
		require.NoError(t, graph.Insert(ctx, local, v))
		vectors[local] = v
		meta.Add(uint32(i), metadata.Document{"tag": metadata.Int(int64(i % 25))})
		records[local] = model.RecordID(fmt.Sprintf("rec-%03d", i))
	}

	p := New(graph, meta, &mapResolver{records: records})

	// tag==7 matches 8 of 200 records: firmly below the low threshold.
	fs := metadata.NewFilterSet(metadata.Eq("tag", metadata.Int(7)))
	query := []float32{0.5, 0.5, 0.5, 0.5}

	res, err := p.Execute(ctx, query, 3, fs)
	require.NoError(t, err)
	require.Equal(t, StrategyFilterFirst, res.Strategy)
	require.Len(t, res.Results, 3)

	// Every result must carry the filtered tag.
	for _, r := range res.Results {
		var n int
		_, serr := fmt.Sscanf(string(r.ID), "rec-%03d", &n)
		require.NoError(t, serr)
		assert.Equal(t, 7, n%25)
	}
}

// pinnedMeta serves MatchIDs from a real index but reports a fixed
// selectivity estimate, or a failure.
type pinnedMeta struct {
	*metadata.Index
	selectivity float64
	estimateErr error
}

func (m *pinnedMeta) EstimateSelectivity(ctx context.Context, fs *metadata.FilterSet) (float64, error) {
	if m.estimateErr != nil {
		return 0, m.estimateErr
	}
	return m.selectivity, nil
}

func TestSelectivityBandRouting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	fs := metadata.NewFilterSet(metadata.Eq("parity", metadata.String("even")))

	tests := []struct {
		name        string
		selectivity float64
		strategy    string
	}{
		{"below low threshold", 0.01, StrategyFilterFirst},
		{"ambiguous band", 0.3, StrategyVectorFirst},
		{"above high threshold", 0.8, StrategyVectorFirst},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := &pinnedMeta{Index: f.meta, selectivity: tt.selectivity}
			p := New(f.graph, meta, f.ids)

			res, err := p.Execute(ctx, []float32{50, 0, 0}, 5, fs)
			require.NoError(t, err)
			assert.Equal(t, tt.strategy, res.Strategy)
			for _, r := range res.Results {
				var n int
				_, serr := fmt.Sscanf(string(r.ID), "rec-%03d", &n)
				require.NoError(t, serr)
				assert.Zero(t, n%2, "id %s leaked through the parity filter", r.ID)
			}
		})
	}
}

func TestEstimatorFailureFallsBackToVectorFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	meta := &pinnedMeta{Index: f.meta, estimateErr: errors.New("estimator offline")}
	p := New(f.graph, meta, f.ids)

	fs := metadata.NewFilterSet(metadata.Eq("parity", metadata.String("even")))
	res, err := p.Execute(ctx, []float32{50, 0, 0}, 5, fs)
	require.NoError(t, err)

	assert.Equal(t, StrategyVectorFirst, res.Strategy)
	require.NotEmpty(t, res.Results)
	for _, r := range res.Results {
		var n int
		_, serr := fmt.Sscanf(string(r.ID), "rec-%03d", &n)
		require.NoError(t, serr)
		assert.Zero(t, n%2, "id %s leaked through the parity filter", r.ID)
	}
}

func TestEstimatorUnknownFieldStillFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	meta := &pinnedMeta{Index: f.meta, estimateErr: fmt.Errorf("wrapped: %w", metadata.ErrUnknownField)}
	p := New(f.graph, meta, f.ids)

	fs := metadata.NewFilterSet(metadata.Eq("parity", metadata.String("even")))
	_, err := p.Execute(ctx, []float32{50, 0, 0}, 5, fs)
	require.ErrorIs(t, err, ErrInvalidFilter)
}
