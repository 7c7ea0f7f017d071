package hnsw

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajkumar-13/forgedb/distance"
	"github.com/ajkumar-13/forgedb/internal/bitset"
	"github.com/ajkumar-13/forgedb/internal/queue"
	"github.com/ajkumar-13/forgedb/internal/visited"
	"github.com/ajkumar-13/forgedb/model"
	"github.com/ajkumar-13/forgedb/vectorstore"
)

const (
	// layerNormalizationBase is the base constant for the exponential
	// layer probability distribution.
	layerNormalizationBase = 1.0

	// mmax0Multiplier scales the layer-0 connection cap relative to M.
	mmax0Multiplier = 2

	// minimumM is the minimum valid value for M.
	minimumM = 2

	// DefaultM is the default number of bidirectional links.
	DefaultM = 16

	// DefaultEFConstruction is the default build-time beam width.
	DefaultEFConstruction = 200

	// DefaultEFSearch is the default query-time beam width.
	DefaultEFSearch = 100

	// deadlineCheckInterval is how many beam expansions pass between
	// deadline checks.
	deadlineCheckInterval = 32
)

var (
	ErrInvalidDimension = errors.New("hnsw: invalid dimension")
	ErrZeroVector       = errors.New("hnsw: cannot normalize zero vector")
	ErrNodeExists       = errors.New("hnsw: node already present")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Options configures an HNSW graph.
type Options struct {
	Dimension      int
	M              int
	EFConstruction int
	EFSearch       int
	// Heuristic enables diversity-aware neighbor selection (relative
	// neighborhood rule); when false, plain nearest-M is used.
	Heuristic bool
	Metric    distance.Metric
	// Vectors is the backing vector store. A columnar store is created
	// when nil.
	Vectors vectorstore.Store
	// RandomSeed fixes the level-assignment RNG for reproducible
	// graphs. When nil, a time-based seed is used.
	RandomSeed *int64
}

// DefaultOptions contains the default options for HNSW.
var DefaultOptions = Options{
	M:              DefaultM,
	EFConstruction: DefaultEFConstruction,
	EFSearch:       DefaultEFSearch,
	Heuristic:      true,
	Metric:         distance.MetricL2,
}

// node is one entry in the dense arena.
type node struct {
	level int32
	// neighbors[l] is the neighbor list at layer l, bounded by M above
	// layer 0 and mmax0Multiplier*M at layer 0. Lists are replaced
	// wholesale under the node's shard lock; a published slice is never
	// mutated in place.
	neighbors [][]uint32
}

// HNSW is the multi-layer graph index. Mutations are expected to be
// serialized by the caller (single-writer discipline); searches may run
// concurrently with a mutation.
type HNSW struct {
	entryPointAtomic atomic.Uint32
	maxLevelAtomic   atomic.Int32
	countAtomic      atomic.Int64 // live (non-tombstoned) nodes
	haveEntryAtomic  atomic.Bool

	// Dense arena indexed by LocalID. Growth is copy-on-write so
	// readers always hold a consistent directory.
	nodes   atomic.Pointer[[]*node]
	nodesMu sync.Mutex

	shardedLocks []sync.RWMutex
	epMu         sync.Mutex

	distanceFunc distance.Func
	vectors      vectorstore.Store
	rng          *rand.Rand
	rngMu        sync.Mutex

	maxConnectionsPerLayer int
	maxConnectionsLayer0   int
	layerMultiplier        float64
	opts                   Options

	tombstones *bitset.BitSet

	minQueuePool *sync.Pool
	maxQueuePool *sync.Pool
	visitedPool  *sync.Pool
}

// New creates a new HNSW instance.
func New(optFns ...func(o *Options)) (*HNSW, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDimension, opts.Dimension)
	}
	if opts.M < minimumM {
		opts.M = minimumM
	}
	if opts.EFConstruction <= 0 {
		opts.EFConstruction = DefaultEFConstruction
	}
	if opts.EFSearch <= 0 {
		opts.EFSearch = DefaultEFSearch
	}

	distanceFunc, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	var rng *rand.Rand
	if opts.RandomSeed != nil {
		rng = rand.New(rand.NewSource(*opts.RandomSeed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	h := &HNSW{
		maxConnectionsPerLayer: opts.M,
		maxConnectionsLayer0:   mmax0Multiplier * opts.M,
		layerMultiplier:        layerNormalizationBase / math.Log(float64(opts.M)),
		distanceFunc:           distanceFunc,
		vectors:                opts.Vectors,
		rng:                    rng,
		opts:                   opts,
		shardedLocks:           make([]sync.RWMutex, 512),
		tombstones:             bitset.New(1024),
		minQueuePool: &sync.Pool{
			New: func() any { return queue.NewMin(opts.EFConstruction) },
		},
		maxQueuePool: &sync.Pool{
			New: func() any { return queue.NewMax(opts.EFConstruction) },
		},
		visitedPool: &sync.Pool{
			New: func() any { return visited.New(1024) },
		},
	}
	h.maxLevelAtomic.Store(-1)

	if h.vectors == nil {
		h.vectors = vectorstore.NewColumnar(opts.Dimension)
	}

	empty := make([]*node, 0)
	h.nodes.Store(&empty)

	return h, nil
}

// Options returns the effective configuration of the graph.
func (h *HNSW) Options() Options { return h.opts }

// Dimension returns the vector dimension of the index.
func (h *HNSW) Dimension() int { return h.opts.Dimension }

// Count returns the number of live (non-tombstoned) nodes.
func (h *HNSW) Count() int { return int(h.countAtomic.Load()) }

// EntryPoint returns the current entry point and whether one exists.
func (h *HNSW) EntryPoint() (model.LocalID, bool) {
	return model.LocalID(h.entryPointAtomic.Load()), h.haveEntryAtomic.Load()
}

// Vectors exposes the backing vector store.
func (h *HNSW) Vectors() vectorstore.Store { return h.vectors }

// Contains reports whether id is present and live.
func (h *HNSW) Contains(id model.LocalID) bool {
	if h.tombstones.Test(uint32(id)) {
		return false
	}
	return h.getNode(uint32(id)) != nil
}

// Tombstoned reports whether id has been logically deleted.
func (h *HNSW) Tombstoned(id model.LocalID) bool {
	return h.tombstones.Test(uint32(id))
}

// TombstoneRatio returns the fraction of arena nodes that are
// tombstoned. Compaction triggers off this.
func (h *HNSW) TombstoneRatio() float64 {
	total := len(*h.nodes.Load())
	if total == 0 {
		return 0
	}
	return float64(h.tombstones.Count()) / float64(total)
}

func (h *HNSW) getNode(id uint32) *node {
	nodes := *h.nodes.Load()
	if int(id) >= len(nodes) {
		return nil
	}
	return nodes[id]
}

// setNode publishes n under id, growing the arena as needed.
func (h *HNSW) setNode(id uint32, n *node) {
	h.nodesMu.Lock()
	defer h.nodesMu.Unlock()

	nodes := *h.nodes.Load()
	if int(id) >= len(nodes) {
		newLen := int(id) + 1
		if newLen < 2*len(nodes) {
			newLen = 2 * len(nodes)
		}
		grown := make([]*node, newLen)
		copy(grown, nodes)
		nodes = grown
	} else {
		// Copy so concurrent readers never see an in-place write.
		cp := make([]*node, len(nodes))
		copy(cp, nodes)
		nodes = cp
	}
	nodes[id] = n
	h.nodes.Store(&nodes)
}

func (h *HNSW) lockFor(id uint32) *sync.RWMutex {
	return &h.shardedLocks[id%uint32(len(h.shardedLocks))]
}

func (h *HNSW) getConnections(id uint32, layer int) []uint32 {
	mu := h.lockFor(id)
	mu.RLock()
	defer mu.RUnlock()

	n := h.getNode(id)
	if n == nil || layer > int(n.level) {
		return nil
	}
	return n.neighbors[layer]
}

// setConnections installs conns as the layer's neighbor list. The slice
// must not be mutated by the caller afterwards.
func (h *HNSW) setConnections(id uint32, layer int, conns []uint32) {
	mu := h.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	n := h.getNode(id)
	if n == nil || layer > int(n.level) {
		return
	}
	n.neighbors[layer] = conns
}

func (h *HNSW) dist(v []float32, id uint32) float32 {
	vec, ok := h.vectors.Get(id)
	if !ok {
		return math.MaxFloat32
	}
	return h.distanceFunc(v, vec)
}

// drawLevel samples a top layer from the exponential distribution
// parameterized by 1/ln(M).
func (h *HNSW) drawLevel() int {
	h.rngMu.Lock()
	r := h.rng.Float64()
	h.rngMu.Unlock()
	if r == 0 {
		r = math.SmallestNonzeroFloat64
	}
	return int(math.Floor(-math.Log(r) * h.layerMultiplier))
}

// Insert adds a vector under the given LocalID. The caller serializes
// inserts (single-writer discipline); callers replaying a WAL pass the
// LocalID recorded at append time so the graph is rebuilt with stable
// identifiers.
func (h *HNSW) Insert(ctx context.Context, id model.LocalID, v []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(v) != h.opts.Dimension {
		return &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(v)}
	}
	if h.getNode(uint32(id)) != nil {
		return ErrNodeExists
	}

	vec := v
	if h.opts.Metric.NeedsNormalization() {
		normalized, ok := distance.NormalizeL2Copy(v)
		if !ok {
			return ErrZeroVector
		}
		vec = normalized
	}

	level := h.drawLevel()

	n := &node{level: int32(level), neighbors: make([][]uint32, level+1)}

	if err := h.vectors.Set(uint32(id), vec); err != nil {
		return err
	}

	// First node: becomes the entry point without any linking.
	if !h.haveEntryAtomic.Load() {
		h.epMu.Lock()
		if !h.haveEntryAtomic.Load() {
			h.setNode(uint32(id), n)
			h.entryPointAtomic.Store(uint32(id))
			h.maxLevelAtomic.Store(int32(level))
			h.haveEntryAtomic.Store(true)
			h.countAtomic.Add(1)
			h.epMu.Unlock()
			return nil
		}
		h.epMu.Unlock()
	}

	// Publish the node so bidirectional links can land on it.
	h.setNode(uint32(id), n)

	if err := h.linkNode(uint32(id), vec, level); err != nil {
		return err
	}

	h.countAtomic.Add(1)

	// The entry point moves only under the writer's exclusivity; readers
	// observe it through the atomics, never half-updated.
	if level > int(h.maxLevelAtomic.Load()) {
		h.epMu.Lock()
		if level > int(h.maxLevelAtomic.Load()) {
			h.maxLevelAtomic.Store(int32(level))
			h.entryPointAtomic.Store(uint32(id))
		}
		h.epMu.Unlock()
	}

	return nil
}

// linkNode performs the greedy descent and per-layer linking.
func (h *HNSW) linkNode(id uint32, vec []float32, level int) error {
	currID := h.entryPointAtomic.Load()
	currDist := h.dist(vec, currID)

	// 1. Greedy descent through layers above the node's top layer,
	// keeping only the single nearest candidate.
	maxLevel := int(h.maxLevelAtomic.Load())
	for l := maxLevel; l > level; l-- {
		currID, currDist = h.greedyStep(vec, currID, currDist, l)
	}

	// 2. Beam search and linking from min(level, maxLevel) down to 0.
	for l := min(level, maxLevel); l >= 0; l-- {
		results := h.searchLayer(context.Background(), vec, currID, currDist, l, h.opts.EFConstruction, nil)

		if best, ok := results.Min(); ok {
			currID = best.Node
			currDist = best.Distance
		}

		maxConns := h.maxConnectionsPerLayer
		if l == 0 {
			maxConns = h.maxConnectionsLayer0
		}

		neighbors := h.selectNeighbors(results, maxConns)
		results.Reset()
		h.maxQueuePool.Put(results)

		h.setConnections(id, l, neighbors)
		for _, neighborID := range neighbors {
			h.addConnection(neighborID, id, l)
		}
	}

	return nil
}

// greedyStep walks layer l greedily until no neighbor improves.
func (h *HNSW) greedyStep(vec []float32, currID uint32, currDist float32, l int) (uint32, float32) {
	for changed := true; changed; {
		changed = false
		for _, nextID := range h.getConnections(currID, l) {
			if nextDist := h.dist(vec, nextID); nextDist < currDist {
				currID = nextID
				currDist = nextDist
				changed = true
			}
		}
	}
	return currID, currDist
}

// addConnection links target into source's list at the given layer,
// pruning back to the cap with the selection heuristic when the list
// overflows.
func (h *HNSW) addConnection(sourceID, targetID uint32, layer int) {
	mu := h.lockFor(sourceID)
	mu.Lock()
	defer mu.Unlock()

	n := h.getNode(sourceID)
	if n == nil || layer > int(n.level) {
		return
	}

	conns := n.neighbors[layer]
	for _, c := range conns {
		if c == targetID {
			return
		}
	}

	maxConns := h.maxConnectionsPerLayer
	if layer == 0 {
		maxConns = h.maxConnectionsLayer0
	}

	if len(conns) < maxConns {
		grown := make([]uint32, len(conns)+1)
		copy(grown, conns)
		grown[len(conns)] = targetID
		n.neighbors[layer] = grown
		return
	}

	vSource, ok := h.vectors.Get(sourceID)
	if !ok {
		return
	}

	candidates := h.maxQueuePool.Get().(*queue.PriorityQueue)
	candidates.Reset()
	defer h.maxQueuePool.Put(candidates)

	for _, c := range conns {
		candidates.Push(queue.Item{Node: c, Distance: h.dist(vSource, c)})
	}
	candidates.Push(queue.Item{Node: targetID, Distance: h.dist(vSource, targetID)})

	n.neighbors[layer] = h.selectNeighbors(candidates, maxConns)
}

// selectNeighbors picks up to m neighbors from candidates (a max-heap).
// The queue is drained but not returned to a pool.
func (h *HNSW) selectNeighbors(candidates *queue.PriorityQueue, m int) []uint32 {
	if h.opts.Heuristic && candidates.Len() > m {
		return h.selectNeighborsHeuristic(candidates, m)
	}
	return h.selectNeighborsSimple(candidates, m)
}

func (h *HNSW) selectNeighborsSimple(candidates *queue.PriorityQueue, m int) []uint32 {
	for candidates.Len() > m {
		candidates.Pop()
	}
	res := make([]uint32, candidates.Len())
	for i := candidates.Len() - 1; i >= 0; i-- {
		item, _ := candidates.Pop()
		res[i] = item.Node
	}
	return res
}

// selectNeighborsHeuristic applies the relative-neighborhood rule: a
// candidate is kept only if it is closer to the base point than to any
// already-selected neighbor. This favors edges in distinct directions
// and measurably improves recall on clustered data over plain
// nearest-M. Remaining slots are filled nearest-first.
func (h *HNSW) selectNeighborsHeuristic(candidates *queue.PriorityQueue, m int) []uint32 {
	// Drain the max-heap into nearest-first order.
	sorted := make([]queue.Item, candidates.Len())
	for i := len(sorted) - 1; i >= 0; i-- {
		sorted[i], _ = candidates.Pop()
	}

	result := make([]uint32, 0, m)
	resultVecs := make([][]float32, 0, m)

	for _, cand := range sorted {
		if len(result) >= m {
			break
		}
		candVec, ok := h.vectors.Get(cand.Node)
		if !ok {
			continue
		}
		good := true
		for _, selVec := range resultVecs {
			if h.distanceFunc(candVec, selVec) < cand.Distance {
				good = false
				break
			}
		}
		if good {
			result = append(result, cand.Node)
			resultVecs = append(resultVecs, candVec)
		}
	}

	// Fill up with skipped candidates, nearest first.
	for _, cand := range sorted {
		if len(result) >= m {
			break
		}
		seen := false
		for _, r := range result {
			if r == cand.Node {
				seen = true
				break
			}
		}
		if !seen {
			result = append(result, cand.Node)
		}
	}

	return result
}

// searchLayer runs a beam search of width ef at the given layer.
// Tombstoned nodes are traversed but never enter the result set. filter
// additionally restricts results (not traversal). The returned max-heap
// must be returned to maxQueuePool by the caller.
//
// ctx carries an optional deadline; on expiry the beam stops and the
// current result set is returned as-is.
func (h *HNSW) searchLayer(ctx context.Context, query []float32, epID uint32, epDist float32, level, ef int, filter func(uint32) bool) *queue.PriorityQueue {
	deadline, hasDeadline := ctx.Deadline()

	vis := h.visitedPool.Get().(*visited.Set)
	vis.Reset()
	defer h.visitedPool.Put(vis)

	candidates := h.minQueuePool.Get().(*queue.PriorityQueue)
	candidates.Reset()
	defer func() {
		candidates.Reset()
		h.minQueuePool.Put(candidates)
	}()

	results := h.maxQueuePool.Get().(*queue.PriorityQueue)
	results.Reset()

	vis.Visit(epID)
	candidates.Push(queue.Item{Node: epID, Distance: epDist})
	if (filter == nil || filter(epID)) && !h.tombstones.Test(epID) {
		results.Push(queue.Item{Node: epID, Distance: epDist})
	}

	var steps int
	for candidates.Len() > 0 {
		if hasDeadline {
			steps++
			if steps%deadlineCheckInterval == 0 && time.Now().After(deadline) {
				break
			}
		}

		curr, _ := candidates.Pop()

		if results.Len() >= ef {
			if worst, ok := results.Top(); ok && curr.Distance > worst.Distance {
				break
			}
		}

		for _, nextID := range h.getConnections(curr.Node, level) {
			if vis.Visited(nextID) {
				continue
			}
			vis.Visit(nextID)

			nextDist := h.dist(query, nextID)

			// Skip clearly-losing candidates once the beam is full;
			// with a filter active, stay permissive so traversal does
			// not strand in filtered-out regions.
			if filter == nil && results.Len() >= ef {
				if worst, ok := results.Top(); ok && nextDist > worst.Distance {
					continue
				}
			}

			candidates.Push(queue.Item{Node: nextID, Distance: nextDist})
			if (filter == nil || filter(nextID)) && !h.tombstones.Test(nextID) {
				results.Push(queue.Item{Node: nextID, Distance: nextDist})
				if results.Len() > ef {
					results.Pop()
				}
			}
		}
	}

	return results
}

// Search returns the k approximate nearest neighbors of query. ef is
// clamped to at least k. A ctx deadline bounds the search: on expiry
// the best candidates found so far are returned together with
// context.DeadlineExceeded.
func (h *HNSW) Search(ctx context.Context, query []float32, k, ef int) ([]model.Candidate, error) {
	return h.SearchFiltered(ctx, query, k, ef, nil)
}

// SearchFiltered is Search with an additional result filter applied
// during traversal.
func (h *HNSW) SearchFiltered(ctx context.Context, query []float32, k, ef int, filter func(model.LocalID) bool) ([]model.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(query) != h.opts.Dimension {
		return nil, &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(query)}
	}

	q := query
	if h.opts.Metric.NeedsNormalization() {
		normalized, ok := distance.NormalizeL2Copy(query)
		if !ok {
			return nil, ErrZeroVector
		}
		q = normalized
	}

	if !h.haveEntryAtomic.Load() {
		return nil, nil
	}

	if ef < k {
		ef = k
	}

	var rawFilter func(uint32) bool
	if filter != nil {
		rawFilter = func(id uint32) bool { return filter(model.LocalID(id)) }
	}

	// Greedy descent to layer 1.
	currID := h.entryPointAtomic.Load()
	currDist := h.dist(q, currID)
	for l := int(h.maxLevelAtomic.Load()); l > 0; l-- {
		currID, currDist = h.greedyStep(q, currID, currDist, l)
	}

	results := h.searchLayer(ctx, q, currID, currDist, 0, ef, rawFilter)
	defer func() {
		results.Reset()
		h.maxQueuePool.Put(results)
	}()

	for results.Len() > k {
		results.Pop()
	}

	out := make([]model.Candidate, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		item, _ := results.Pop()
		out[i] = model.Candidate{Local: model.LocalID(item.Node), Distance: item.Distance}
	}

	if deadline, ok := ctx.Deadline(); ok && time.Now().After(deadline) {
		return out, context.DeadlineExceeded
	}
	return out, nil
}

// Prepare validates and, under cosine, normalizes a query vector,
// returning it together with the graph's distance function. Callers
// computing distances outside the graph walk (restricted brute force)
// go through this so both paths agree on the metric.
func (h *HNSW) Prepare(query []float32) ([]float32, distance.Func, error) {
	if len(query) != h.opts.Dimension {
		return nil, nil, &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(query)}
	}
	if h.opts.Metric.NeedsNormalization() {
		normalized, ok := distance.NormalizeL2Copy(query)
		if !ok {
			return nil, nil, ErrZeroVector
		}
		return normalized, h.distanceFunc, nil
	}
	return query, h.distanceFunc, nil
}

// Delete tombstones id. The node stays in the graph for navigation and
// is excluded from all subsequent search results; its edges are rewired
// only at the next compaction. Deleting an absent or already-deleted id
// reports false.
func (h *HNSW) Delete(id model.LocalID) bool {
	if h.getNode(uint32(id)) == nil {
		return false
	}
	if h.tombstones.Test(uint32(id)) {
		return false
	}
	h.tombstones.Set(uint32(id))
	h.countAtomic.Add(-1)
	return true
}

// Live reports all live LocalIDs in ascending order.
func (h *HNSW) Live() []model.LocalID {
	nodes := *h.nodes.Load()
	out := make([]model.LocalID, 0, h.Count())
	for id, n := range nodes {
		if n != nil && !h.tombstones.Test(uint32(id)) {
			out = append(out, model.LocalID(id))
		}
	}
	return out
}
