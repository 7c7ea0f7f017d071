package hnsw

// Stats is a point-in-time summary of the graph shape.
type Stats struct {
	Nodes          int
	Tombstones     int
	MaxLevel       int
	Edges          int
	AvgDegreeL0    float64
	TombstoneRatio float64
}

// Stats walks the arena and reports graph statistics. It is intended
// for diagnostics, not hot paths.
func (h *HNSW) Stats() Stats {
	nodes := *h.nodes.Load()

	var s Stats
	var l0Nodes, l0Edges int
	for id, n := range nodes {
		if n == nil {
			continue
		}
		s.Nodes++
		if h.tombstones.Test(uint32(id)) {
			s.Tombstones++
		}
		if int(n.level) > s.MaxLevel {
			s.MaxLevel = int(n.level)
		}
		for l := 0; l <= int(n.level); l++ {
			conns := h.getConnections(uint32(id), l)
			s.Edges += len(conns)
			if l == 0 {
				l0Edges += len(conns)
			}
		}
		l0Nodes++
	}
	if l0Nodes > 0 {
		s.AvgDegreeL0 = float64(l0Edges) / float64(l0Nodes)
	}
	if s.Nodes > 0 {
		s.TombstoneRatio = float64(s.Tombstones) / float64(s.Nodes)
	}
	return s
}
