package distance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	assert.InDelta(t, 32.0, Dot([]float32{1, 2, 3}, []float32{4, 5, 6}), 1e-6)
	assert.InDelta(t, 0.0, Dot([]float32{1, 0}, []float32{0, 1}), 1e-6)
}

func TestSquaredL2(t *testing.T) {
	assert.InDelta(t, 0.0, SquaredL2([]float32{1, 2}, []float32{1, 2}), 1e-6)
	assert.InDelta(t, 8.0, SquaredL2([]float32{0, 0}, []float32{2, 2}), 1e-6)
}

func TestNormalizeL2(t *testing.T) {
	v := []float32{3, 4}
	require.True(t, NormalizeL2InPlace(v))
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	assert.False(t, NormalizeL2InPlace([]float32{0, 0}))
	assert.False(t, NormalizeL2InPlace(nil))

	dst, ok := NormalizeL2Copy([]float32{0, 5})
	require.True(t, ok)
	assert.Equal(t, []float32{0, 1}, dst)
}

func TestCosineDistanceOrdering(t *testing.T) {
	a, _ := NormalizeL2Copy([]float32{1, 0, 0})
	b, _ := NormalizeL2Copy([]float32{0, 1, 0})
	c, _ := NormalizeL2Copy([]float32{0.9, 0.1, 0})
	q, _ := NormalizeL2Copy([]float32{1, 0, 0})

	da := CosineDistance(q, a)
	db := CosineDistance(q, b)
	dc := CosineDistance(q, c)

	assert.InDelta(t, 0.0, da, 1e-6)
	assert.Less(t, dc, db)
}

func TestProvider(t *testing.T) {
	tests := []struct {
		name    string
		metric  Metric
		wantErr bool
	}{
		{name: "l2", metric: MetricL2},
		{name: "cosine", metric: MetricCosine},
		{name: "dot", metric: MetricDot},
		{name: "unknown", metric: Metric(42), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := Provider(tt.metric)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, fn)
		})
	}
}
