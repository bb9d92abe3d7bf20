// Package matcher identifies a face embedding against the student roster.
//
// A query matches the nearest registered embedding when its Euclidean
// distance is strictly below the tolerance. Equidistant records resolve to
// the one registered first.
package matcher

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

// DefaultTolerance is the distance threshold used when none is configured.
const DefaultTolerance = 0.4

// ErrUnmatched is returned when no registered student is close enough.
var ErrUnmatched = errors.New("face not recognized")

// ErrInvalidQuery is returned for an empty query embedding.
var ErrInvalidQuery = errors.New("empty query embedding")

// Match is a successful identification.
type Match struct {
	StudentID string  `json:"student_id"`
	Name      string  `json:"name"`
	Distance  float64 `json:"distance"`
}

// Roster is the read side of the embedding store.
type Roster interface {
	Records() ([]storage.StudentRecord, error)
	Version() uint64
}

// Matcher matches embeddings against a Roster, rebuilding its index when
// the roster changes.
type Matcher struct {
	roster Roster

	mu        sync.Mutex
	index     Index
	built     bool
	version   uint64
	tolerance float64
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithIndex replaces the default linear index.
func WithIndex(idx Index) Option {
	return func(m *Matcher) {
		m.index = idx
	}
}

// NewIndex returns the index implementation for a configured name.
func NewIndex(kind string) (Index, error) {
	switch kind {
	case "", "linear":
		return NewLinearIndex(), nil
	case "hnsw":
		return NewHNSWIndex(), nil
	default:
		return nil, fmt.Errorf("unknown index type %q", kind)
	}
}

// New creates a Matcher. A non-positive tolerance selects DefaultTolerance.
func New(roster Roster, tolerance float64, opts ...Option) *Matcher {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	m := &Matcher{
		roster:    roster,
		index:     NewLinearIndex(),
		tolerance: tolerance,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Tolerance returns the current distance threshold.
func (m *Matcher) Tolerance() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tolerance
}

// SetTolerance changes the distance threshold.
func (m *Matcher) SetTolerance(tolerance float64) error {
	if tolerance <= 0 {
		return fmt.Errorf("tolerance must be positive, got %f", tolerance)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tolerance = tolerance
	return nil
}

// Match returns the registered student nearest to q. It returns
// ErrUnmatched when the roster is empty or the nearest distance is not
// below the tolerance; the returned Match then still carries the nearest
// distance for diagnostics.
func (m *Matcher) Match(q recognition.Vector) (Match, error) {
	if len(q) == 0 {
		return Match{}, ErrInvalidQuery
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.refresh(); err != nil {
		return Match{}, err
	}

	c, dist, ok := m.index.Nearest(q)
	if !ok {
		return Match{}, ErrUnmatched
	}
	if dist >= m.tolerance {
		logging.Component("matcher").Debugf("Nearest student %s at %.4f is outside tolerance %.2f", c.StudentID, dist, m.tolerance)
		return Match{Distance: dist}, ErrUnmatched
	}
	return Match{StudentID: c.StudentID, Name: c.Name, Distance: dist}, nil
}

// refresh rebuilds the index if the roster changed. Callers hold mu.
func (m *Matcher) refresh() error {
	version := m.roster.Version()
	if m.built && version == m.version {
		return nil
	}

	records, err := m.roster.Records()
	if err != nil {
		return err
	}
	m.index.Rebuild(records)
	m.built = true
	m.version = version
	logging.Component("matcher").Debugf("Rebuilt index with %d student(s)", len(records))
	return nil
}

// MatchRecords matches q against records with a linear scan.
func MatchRecords(q recognition.Vector, records []storage.StudentRecord, tolerance float64) (Match, error) {
	if len(q) == 0 {
		return Match{}, ErrInvalidQuery
	}
	idx := NewLinearIndex()
	idx.Rebuild(records)

	c, dist, ok := idx.Nearest(q)
	if !ok {
		return Match{}, ErrUnmatched
	}
	if dist >= tolerance {
		return Match{Distance: dist}, ErrUnmatched
	}
	return Match{StudentID: c.StudentID, Name: c.Name, Distance: dist}, nil
}
