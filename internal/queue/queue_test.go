package queue

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinHeapOrdering(t *testing.T) {
	pq := NewMin(8)
	for _, d := range []float32{5, 1, 3, 2, 4} {
		pq.Push(Item{Node: uint32(d), Distance: d})
	}

	var got []float32
	for pq.Len() > 0 {
		it, ok := pq.Pop()
		require.True(t, ok)
		got = append(got, it.Distance)
	}
	assert.Equal(t, []float32{1, 2, 3, 4, 5}, got)
}

func TestMaxHeapOrdering(t *testing.T) {
	pq := NewMax(8)
	for _, d := range []float32{5, 1, 3, 2, 4} {
		pq.Push(Item{Node: uint32(d), Distance: d})
	}

	top, ok := pq.Top()
	require.True(t, ok)
	assert.Equal(t, float32(5), top.Distance)

	min, ok := pq.Min()
	require.True(t, ok)
	assert.Equal(t, float32(1), min.Distance)
}

func TestEmptyQueue(t *testing.T) {
	pq := NewMin(0)
	_, ok := pq.Pop()
	assert.False(t, ok)
	_, ok = pq.Top()
	assert.False(t, ok)
	_, ok = pq.Min()
	assert.False(t, ok)
}

func TestReset(t *testing.T) {
	pq := NewMax(4)
	pq.Push(Item{Node: 1, Distance: 1})
	pq.Reset()
	assert.Equal(t, 0, pq.Len())
}

func TestRandomizedAgainstSort(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	pq := NewMin(128)

	expect := make([]float32, 0, 100)
	for i := 0; i < 100; i++ {
		d := rng.Float32()
		expect = append(expect, d)
		pq.Push(Item{Node: uint32(i), Distance: d})
	}
	sort.Slice(expect, func(i, j int) bool { return expect[i] < expect[j] })

	for _, want := range expect {
		it, ok := pq.Pop()
		require.True(t, ok)
		assert.Equal(t, want, it.Distance)
	}
}
