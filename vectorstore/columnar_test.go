package vectorstore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	s := NewColumnar(3)

	require.NoError(t, s.Set(0, []float32{1, 2, 3}))
	require.NoError(t, s.Set(5000, []float32{4, 5, 6})) // crosses a chunk boundary

	v, ok := s.Get(0)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, v)

	v, ok = s.Get(5000)
	require.True(t, ok)
	assert.Equal(t, []float32{4, 5, 6}, v)

	_, ok = s.Get(100000)
	assert.False(t, ok)
}

func TestSetCopies(t *testing.T) {
	s := NewColumnar(2)
	src := []float32{1, 2}
	require.NoError(t, s.Set(0, src))
	src[0] = 99

	v, _ := s.Get(0)
	assert.Equal(t, float32(1), v[0])
}

func TestWrongDimension(t *testing.T) {
	s := NewColumnar(3)
	assert.ErrorIs(t, s.Set(0, []float32{1}), ErrWrongDimension)
}

func TestConcurrentReadDuringGrowth(t *testing.T) {
	s := NewColumnar(4)
	require.NoError(t, s.Set(0, []float32{1, 2, 3, 4}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := uint32(1); i < 20000; i++ {
			_ = s.Set(i, []float32{float32(i), 0, 0, 0})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20000; i++ {
			if v, ok := s.Get(0); ok {
				assert.Equal(t, float32(1), v[0])
			}
		}
	}()
	wg.Wait()
}
