package hnsw

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajkumar-13/forgedb/model"
)

func buildSnapshotGraph(t *testing.T) *HNSW {
	t.Helper()

	h := newTestGraph(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 150; i++ {
		v := []float32{rng.Float32(), rng.Float32(), rng.Float32()}
		require.NoError(t, h.Insert(ctx, model.LocalID(i), v))
	}
	for i := 0; i < 150; i += 10 {
		require.True(t, h.Delete(model.LocalID(i)))
	}
	return h
}

func TestSnapshotRoundTrip(t *testing.T) {
	codecs := map[string]Codec{
		"none": CodecNone,
		"lz4":  CodecLZ4,
		"zstd": CodecZstd,
	}

	for name, codec := range codecs {
		t.Run(name, func(t *testing.T) {
			h := buildSnapshotGraph(t)

			var buf bytes.Buffer
			require.NoError(t, h.WriteSnapshot(&buf, codec))

			restored, err := ReadSnapshot(&buf)
			require.NoError(t, err)

			assert.Equal(t, h.Count(), restored.Count())
			assert.Equal(t, h.Options().Dimension, restored.Options().Dimension)
			assert.Equal(t, h.Options().M, restored.Options().M)
			assert.Equal(t, h.Options().Metric, restored.Options().Metric)

			// Same topology means identical search results.
			ctx := context.Background()
			query := []float32{0.4, 0.2, 0.9}
			want, err := h.Search(ctx, query, 10, 50)
			require.NoError(t, err)
			got, err := restored.Search(ctx, query, 10, 50)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			// Tombstones survive the round trip.
			assert.True(t, restored.Tombstoned(0))
			assert.True(t, restored.Tombstoned(10))
		})
	}
}

func TestSnapshotRejectsCorruption(t *testing.T) {
	h := buildSnapshotGraph(t)

	var buf bytes.Buffer
	require.NoError(t, h.WriteSnapshot(&buf, CodecZstd))
	data := buf.Bytes()

	t.Run("bit flip fails checksum", func(t *testing.T) {
		mutated := make([]byte, len(data))
		copy(mutated, data)
		mutated[len(mutated)/2] ^= 0x40

		_, err := ReadSnapshot(bytes.NewReader(mutated))
		require.Error(t, err)
	})

	t.Run("truncation", func(t *testing.T) {
		_, err := ReadSnapshot(bytes.NewReader(data[:len(data)/2]))
		require.ErrorIs(t, err, ErrInvalidSnapshot)
	})

	t.Run("bad magic", func(t *testing.T) {
		mutated := make([]byte, len(data))
		copy(mutated, data)
		mutated[0] = 'X'

		_, err := ReadSnapshot(bytes.NewReader(mutated))
		require.ErrorIs(t, err, ErrInvalidSnapshot)
	})
}
