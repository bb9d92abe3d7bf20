package matcher

import (
	"math"

	"github.com/coder/hnsw"

	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

const (
	// hnswMaxNeighbors is the M parameter of the graph.
	hnswMaxNeighbors = 16
	// hnswEfSearch is the candidate list size during search.
	hnswEfSearch = 64
	// hnswCandidates is how many neighbours are re-ranked exactly.
	hnswCandidates = 8
	// hnswMinRecords is the roster size below which a linear scan is used.
	hnswMinRecords = 64
)

// HNSWIndex searches an approximate nearest-neighbour graph and re-ranks
// the returned neighbours by exact distance. Small rosters are scanned
// linearly, where the graph buys nothing.
type HNSWIndex struct {
	graph   *hnsw.Graph[int]
	records []storage.StudentRecord
	linear  *LinearIndex
}

// NewHNSWIndex returns an empty HNSW index.
func NewHNSWIndex() *HNSWIndex {
	return &HNSWIndex{linear: NewLinearIndex()}
}

// Rebuild implements Index.
func (h *HNSWIndex) Rebuild(records []storage.StudentRecord) {
	h.records = records
	h.linear.Rebuild(records)
	h.graph = nil

	if len(records) < hnswMinRecords {
		return
	}

	g := hnsw.NewGraph[int]()
	g.M = hnswMaxNeighbors
	g.Ml = 1.0 / float64(hnswMaxNeighbors)
	g.EfSearch = hnswEfSearch
	g.Distance = hnsw.EuclideanDistance

	for i, r := range records {
		g.Add(hnsw.MakeNode(i, []float32(r.Embedding)))
	}
	h.graph = g
}

// Nearest implements Index.
func (h *HNSWIndex) Nearest(q recognition.Vector) (Candidate, float64, bool) {
	if h.graph == nil {
		return h.linear.Nearest(q)
	}

	k := hnswCandidates
	if k > len(h.records) {
		k = len(h.records)
	}

	best := -1
	bestDist := math.MaxFloat64
	for _, n := range h.graph.Search([]float32(q), k) {
		d := recognition.EuclideanDistance(q, h.records[n.Key].Embedding)
		if d < bestDist || (d == bestDist && n.Key < best) {
			best, bestDist = n.Key, d
		}
	}

	if best < 0 {
		return h.linear.Nearest(q)
	}
	r := h.records[best]
	return Candidate{StudentID: r.StudentID, Name: r.Name, Position: best}, bestDist, true
}
