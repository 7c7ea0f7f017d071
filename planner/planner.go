package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/ajkumar-13/forgedb/hnsw"
	"github.com/ajkumar-13/forgedb/metadata"
	"github.com/ajkumar-13/forgedb/model"
)

// Execution strategy names, reported in model.Result.
const (
	StrategyVectorFirst = "vector-first"
	StrategyFilterFirst = "filter-first"
)

const (
	// DefaultHighSelectivity is the threshold above which a filter is
	// permissive enough for vector-first with post-filtering.
	DefaultHighSelectivity = 0.5

	// DefaultLowSelectivity is the threshold below which the candidate
	// set is small enough for restricted brute force.
	DefaultLowSelectivity = 0.05

	// DefaultEFMultiplier scales ef relative to top-k for unfiltered
	// queries.
	DefaultEFMultiplier = 4

	// DefaultMaxOversampleAttempts bounds the ef-doubling retries when
	// a post-filter starves the result set.
	DefaultMaxOversampleAttempts = 3
)

var (
	// ErrInvalidK rejects non-positive top-k values.
	ErrInvalidK = errors.New("planner: top-k must be positive")

	// ErrInvalidFilter flags a filter the metadata collaborator cannot
	// evaluate, such as an unknown field.
	ErrInvalidFilter = errors.New("planner: invalid filter")
)

// IDResolver maps between engine-local ids and record ids, and exposes
// liveness so superseded rows never surface.
type IDResolver interface {
	RecordID(local model.LocalID) (model.RecordID, bool)
	Live(local model.LocalID) bool
}

// Options tunes the planner thresholds.
type Options struct {
	HighSelectivity       float64
	LowSelectivity        float64
	EFMultiplier          int
	MaxOversampleAttempts int
}

// DefaultOptions contains the default options for the planner.
var DefaultOptions = Options{
	HighSelectivity:       DefaultHighSelectivity,
	LowSelectivity:        DefaultLowSelectivity,
	EFMultiplier:          DefaultEFMultiplier,
	MaxOversampleAttempts: DefaultMaxOversampleAttempts,
}

// Planner executes hybrid queries against a graph index and a metadata
// collaborator.
type Planner struct {
	graph *hnsw.HNSW
	meta  metadata.Collaborator
	ids   IDResolver
	opts  Options
}

// New creates a planner. meta may be nil when no filtered queries will
// be issued.
func New(graph *hnsw.HNSW, meta metadata.Collaborator, ids IDResolver, optFns ...func(o *Options)) *Planner {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Planner{graph: graph, meta: meta, ids: ids, opts: opts}
}

// Execute runs one query. Results are sorted by distance, ties broken
// by RecordID; at most topK entries are returned. A ctx deadline bounds
// the work, flagging the result as TimedOut with the best candidates
// found so far.
func (p *Planner) Execute(ctx context.Context, query []float32, topK int, fs *metadata.FilterSet) (*model.Result, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidK, topK)
	}
	if len(query) != p.graph.Dimension() {
		return nil, &hnsw.ErrDimensionMismatch{Expected: p.graph.Dimension(), Actual: len(query)}
	}

	if p.graph.Count() == 0 {
		return &model.Result{Results: []model.SearchResult{}, Strategy: StrategyVectorFirst}, nil
	}

	if fs == nil || len(fs.Filters) == 0 {
		return p.vectorFirst(ctx, query, topK, nil, 1)
	}

	if p.meta == nil {
		return nil, fmt.Errorf("%w: no metadata collaborator configured", ErrInvalidFilter)
	}

	selectivity, err := p.meta.EstimateSelectivity(ctx, fs)
	if err != nil {
		if errors.Is(err, metadata.ErrUnknownField) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, translateMetaErr(err)
		}
		// A broken estimator costs the plan choice, not the query:
		// fall back to a single vector-first pass.
		return p.vectorFirst(ctx, query, topK, fs, 1)
	}

	switch {
	case selectivity <= p.opts.LowSelectivity:
		return p.filterFirst(ctx, query, topK, fs)
	case selectivity >= p.opts.HighSelectivity:
		// Permissive filter: post-filtering rarely starves the result
		// set, and the oversampling retries absorb it when it does.
		return p.vectorFirst(ctx, query, topK, fs, p.opts.MaxOversampleAttempts)
	default:
		// Ambiguous band: one pass, no retry budget.
		return p.vectorFirst(ctx, query, topK, fs, 1)
	}
}

func translateMetaErr(err error) error {
	if errors.Is(err, metadata.ErrUnknownField) {
		return fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return err
}

// vectorFirst walks the graph and post-filters, keeping candidates by
// bitmap membership. When the filter starves the result set below topK,
// ef doubles and the search reruns, up to attempts times.
func (p *Planner) vectorFirst(ctx context.Context, query []float32, topK int, fs *metadata.FilterSet, attempts int) (*model.Result, error) {
	var matched *roaring.Bitmap
	if fs != nil {
		var err error
		matched, err = p.meta.MatchIDs(ctx, fs)
		if err != nil {
			return nil, translateMetaErr(err)
		}
	}

	keep := func(local model.LocalID) bool {
		if !p.ids.Live(local) {
			return false
		}
		return matched == nil || matched.Contains(uint32(local))
	}

	ef := p.opts.EFMultiplier * topK
	if attempts < 1 {
		attempts = 1
	}

	var (
		candidates []model.Candidate
		timedOut   bool
	)
	for attempt := 0; attempt < attempts; attempt++ {
		var err error
		candidates, err = p.graph.SearchFiltered(ctx, query, topK, ef, keep)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				timedOut = true
				break
			}
			return nil, err
		}
		if len(candidates) >= topK {
			break
		}
		ef *= 2
	}

	return p.finish(candidates, topK, StrategyVectorFirst, timedOut), nil
}

// filterFirst computes exact distances over the matching id set only.
// An empty candidate set costs zero distance computations.
func (p *Planner) filterFirst(ctx context.Context, query []float32, topK int, fs *metadata.FilterSet) (*model.Result, error) {
	ids, err := p.meta.MatchIDs(ctx, fs)
	if err != nil {
		return nil, translateMetaErr(err)
	}

	q, dist, err := p.graph.Prepare(query)
	if err != nil {
		return nil, err
	}

	deadline, hasDeadline := ctx.Deadline()

	candidates := make([]model.Candidate, 0, min(int(ids.GetCardinality()), 4*topK))
	var timedOut bool

	it := ids.Iterator()
	var steps int
	for it.HasNext() {
		local := model.LocalID(it.Next())
		if !p.ids.Live(local) {
			continue
		}
		vec, ok := p.graph.Vectors().Get(uint32(local))
		if !ok {
			continue
		}
		candidates = append(candidates, model.Candidate{Local: local, Distance: dist(q, vec)})

		steps++
		if hasDeadline && steps%64 == 0 && deadlinePassed(deadline) {
			timedOut = true
			break
		}
	}

	return p.finish(candidates, topK, StrategyFilterFirst, timedOut), nil
}

func deadlinePassed(d time.Time) bool {
	return time.Now().After(d)
}

// finish resolves RecordIDs, orders by distance with RecordID as the
// tie break, and truncates to topK.
func (p *Planner) finish(candidates []model.Candidate, topK int, strategy string, timedOut bool) *model.Result {
	results := make([]model.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		id, ok := p.ids.RecordID(c.Local)
		if !ok {
			continue
		}
		results = append(results, model.SearchResult{ID: id, Distance: c.Distance})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > topK {
		results = results[:topK]
	}

	return &model.Result{Results: results, TimedOut: timedOut, Strategy: strategy}
}
