package engine

import (
	"sync"

	"github.com/ajkumar-13/forgedb/model"
)

// IDMap maintains the RecordID to LocalID mapping. LocalIDs are dense,
// sequential and never reused; a re-upserted record gets a fresh
// LocalID and its old one goes dead.
type IDMap struct {
	mu       sync.RWMutex
	byRecord map[model.RecordID]model.LocalID
	byLocal  []model.RecordID // "" marks a dead or unassigned slot
	next     model.LocalID
}

// NewIDMap creates an empty id map.
func NewIDMap() *IDMap {
	return &IDMap{byRecord: make(map[model.RecordID]model.LocalID)}
}

// Assign maps record to a fresh LocalID. If the record was already
// mapped, the previous LocalID is returned dead.
func (m *IDMap) Assign(record model.RecordID) (local model.LocalID, prev model.LocalID, hadPrev bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, hadPrev = m.byRecord[record]; hadPrev {
		m.byLocal[prev] = ""
	}

	local = m.next
	m.next++
	m.byRecord[record] = local
	m.byLocal = append(m.byLocal, record)
	return local, prev, hadPrev
}

// Lookup returns the live LocalID for record.
func (m *IDMap) Lookup(record model.RecordID) (model.LocalID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	local, ok := m.byRecord[record]
	return local, ok
}

// RecordID returns the record mapped to local, if the mapping is live.
func (m *IDMap) RecordID(local model.LocalID) (model.RecordID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if int(local) >= len(m.byLocal) || m.byLocal[local] == "" {
		return "", false
	}
	return m.byLocal[local], true
}

// Live reports whether local maps to a current record.
func (m *IDMap) Live(local model.LocalID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int(local) < len(m.byLocal) && m.byLocal[local] != ""
}

// Remove drops record from the map, returning its LocalID.
func (m *IDMap) Remove(record model.RecordID) (model.LocalID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	local, ok := m.byRecord[record]
	if !ok {
		return 0, false
	}
	delete(m.byRecord, record)
	m.byLocal[local] = ""
	return local, true
}

// Count returns the number of live records.
func (m *IDMap) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byRecord)
}

// Range calls fn for every live mapping until fn returns false.
func (m *IDMap) Range(fn func(record model.RecordID, local model.LocalID) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for record, local := range m.byRecord {
		if !fn(record, local) {
			return
		}
	}
}

// slots returns a copy of the LocalID slot table and the next free id,
// for snapshot serialization.
func (m *IDMap) slots() ([]model.RecordID, model.LocalID) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.RecordID, len(m.byLocal))
	copy(out, m.byLocal)
	return out, m.next
}

// idMapFromSlots rebuilds a map from a serialized slot table.
func idMapFromSlots(slots []model.RecordID, next model.LocalID) *IDMap {
	m := &IDMap{
		byRecord: make(map[model.RecordID]model.LocalID, len(slots)),
		byLocal:  slots,
		next:     next,
	}
	for i, record := range slots {
		if record != "" {
			m.byRecord[record] = model.LocalID(i)
		}
	}
	return m
}

// WithRemap returns a new map with all live mappings rewritten through
// remap. Mappings absent from remap are dropped. The receiver is left
// untouched: a reader still holding it keeps resolving the id space
// its graph was built with. Used after a graph rebuild reassigns
// LocalIDs.
func (m *IDMap) WithRemap(remap map[model.LocalID]model.LocalID) *IDMap {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var maxLocal model.LocalID
	for _, now := range remap {
		if now >= maxLocal {
			maxLocal = now + 1
		}
	}

	out := &IDMap{
		byRecord: make(map[model.RecordID]model.LocalID, len(remap)),
		byLocal:  make([]model.RecordID, maxLocal),
		next:     maxLocal,
	}
	for record, old := range m.byRecord {
		now, ok := remap[old]
		if !ok {
			continue
		}
		out.byRecord[record] = now
		out.byLocal[now] = record
	}
	return out
}
