package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajkumar-13/forgedb/model"
)

func TestIDMapAssign(t *testing.T) {
	m := NewIDMap()

	a, _, had := m.Assign("a")
	assert.False(t, had)
	assert.Equal(t, model.LocalID(0), a)

	b, _, had := m.Assign("b")
	assert.False(t, had)
	assert.Equal(t, model.LocalID(1), b)

	// Reassignment hands out a fresh id and kills the old one.
	a2, prev, had := m.Assign("a")
	assert.True(t, had)
	assert.Equal(t, a, prev)
	assert.Equal(t, model.LocalID(2), a2)
	assert.False(t, m.Live(a))
	assert.True(t, m.Live(a2))

	assert.Equal(t, 2, m.Count())
}

func TestIDMapLookups(t *testing.T) {
	m := NewIDMap()
	local, _, _ := m.Assign("rec")

	got, ok := m.Lookup("rec")
	require.True(t, ok)
	assert.Equal(t, local, got)

	record, ok := m.RecordID(local)
	require.True(t, ok)
	assert.Equal(t, model.RecordID("rec"), record)

	_, ok = m.Lookup("absent")
	assert.False(t, ok)
	_, ok = m.RecordID(99)
	assert.False(t, ok)
}

func TestIDMapRemove(t *testing.T) {
	m := NewIDMap()
	local, _, _ := m.Assign("rec")

	got, ok := m.Remove("rec")
	require.True(t, ok)
	assert.Equal(t, local, got)
	assert.False(t, m.Live(local))
	assert.Zero(t, m.Count())

	_, ok = m.Remove("rec")
	assert.False(t, ok)
}

func TestIDMapWithRemap(t *testing.T) {
	m := NewIDMap()
	m.Assign("a") // 0
	m.Assign("b") // 1
	m.Assign("c") // 2
	m.Remove("b")

	m2 := m.WithRemap(map[model.LocalID]model.LocalID{0: 0, 2: 1})

	la, ok := m2.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, model.LocalID(0), la)

	lc, ok := m2.Lookup("c")
	require.True(t, ok)
	assert.Equal(t, model.LocalID(1), lc)

	_, ok = m2.Lookup("b")
	assert.False(t, ok)

	// Fresh assignments continue past the remapped range.
	ld, _, _ := m2.Assign("d")
	assert.Equal(t, model.LocalID(2), ld)

	// The source map is untouched: a reader holding it still resolves
	// the old id space.
	lc, ok = m.Lookup("c")
	require.True(t, ok)
	assert.Equal(t, model.LocalID(2), lc)
	assert.True(t, m.Live(2))
}
