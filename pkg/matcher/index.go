package matcher

import (
	"math"

	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

// Candidate is the nearest roster entry returned by an Index.
type Candidate struct {
	StudentID string
	Name      string
	// Position is the registration order of the record; lower wins ties.
	Position int
}

// Index answers nearest-neighbour queries over a roster snapshot.
// Implementations are not safe for concurrent use; Matcher serialises access.
type Index interface {
	// Rebuild replaces the indexed records.
	Rebuild(records []storage.StudentRecord)
	// Nearest returns the closest record and its Euclidean distance.
	// ok is false when the index is empty.
	Nearest(q recognition.Vector) (c Candidate, distance float64, ok bool)
}

// LinearIndex compares the query against every record.
type LinearIndex struct {
	records []storage.StudentRecord
}

// NewLinearIndex returns an empty linear index.
func NewLinearIndex() *LinearIndex {
	return &LinearIndex{}
}

// Rebuild implements Index.
func (l *LinearIndex) Rebuild(records []storage.StudentRecord) {
	l.records = records
}

// Nearest implements Index. The strict comparison keeps the earliest
// registered record when distances are equal.
func (l *LinearIndex) Nearest(q recognition.Vector) (Candidate, float64, bool) {
	best := -1
	bestDist := math.MaxFloat64

	for i, r := range l.records {
		d := recognition.EuclideanDistance(q, r.Embedding)
		if d < bestDist {
			best, bestDist = i, d
		}
	}

	if best < 0 {
		return Candidate{}, 0, false
	}
	r := l.records[best]
	return Candidate{StudentID: r.StudentID, Name: r.Name, Position: best}, bestDist, true
}
