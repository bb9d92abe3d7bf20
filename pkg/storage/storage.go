// Package storage holds the student roster: every registered student with
// the face embedding used to recognise them. The roster lives in memory and
// is persisted as one snapshot, optionally encrypted with NaCl secretbox,
// after every mutation.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
)

// snapshotVersion is written into every persisted snapshot.
const snapshotVersion = 1

// StudentRecord is one registered student.
type StudentRecord struct {
	StudentID    string             `json:"student_id"`
	Name         string             `json:"name"`
	Embedding    recognition.Vector `json:"encoding"`
	RegisteredAt time.Time          `json:"registered_at"`
}

// ErrDuplicateID is returned when registering an id that already exists.
var ErrDuplicateID = errors.New("student id already registered")

// ErrStudentNotFound is returned when the id is not registered.
var ErrStudentNotFound = errors.New("student not found")

// ErrStorageCorrupt is returned when the persisted roster cannot be read.
// The store refuses to serve the roster until a Load succeeds.
var ErrStorageCorrupt = errors.New("embedding store is corrupt")

// ErrStorageWrite is returned when the roster could not be persisted.
var ErrStorageWrite = errors.New("failed to persist embedding store")

// ErrInvalidEmbedding is returned for empty, non-finite or wrongly sized embeddings.
var ErrInvalidEmbedding = errors.New("invalid embedding")

// snapshot is the persisted form of the roster.
type snapshot struct {
	Version  int             `json:"version"`
	Students []StudentRecord `json:"students"`
}

// Store is the in-memory roster backed by a Backend.
// Records keep their registration order.
type Store struct {
	backend Backend
	box     *SecretBox
	now     func() time.Time

	// writeMu serialises mutations together with their persistence so the
	// snapshot on disk always reflects a prefix of the mutation history.
	writeMu sync.Mutex

	mu      sync.RWMutex
	records []StudentRecord
	byID    map[string]int
	version uint64
	dirty   bool
	corrupt error
}

// Option configures a Store.
type Option func(*Store)

// WithEncryption encrypts snapshots with the given key.
func WithEncryption(box *SecretBox) Option {
	return func(s *Store) {
		s.box = box
	}
}

// WithClock overrides the registration timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty store. Call Load to read persisted state.
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		now:     time.Now,
		byID:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the in-memory roster with the persisted one. A missing
// snapshot yields an empty roster. An unreadable one marks the store as
// corrupt and returns ErrStorageCorrupt.
func (s *Store) Load(ctx context.Context) (map[string]StudentRecord, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	log := logging.Component("store")

	data, err := s.backend.Read(ctx)
	if errors.Is(err, ErrNotExist) {
		s.replace(nil, nil)
		log.Info("No embedding store found, starting with an empty roster")
		return map[string]StudentRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding store: %w", err)
	}

	records, err := s.decode(data)
	if err != nil {
		corrupt := fmt.Errorf("%w: %w", ErrStorageCorrupt, err)
		s.mu.Lock()
		s.corrupt = corrupt
		s.mu.Unlock()
		log.WithError(err).Error("Embedding store is unreadable; registration and recognition are disabled until it is repaired")
		return nil, corrupt
	}

	s.replace(records, nil)
	log.Infof("Loaded %d student(s) from embedding store", len(records))
	return s.Mapping()
}

func (s *Store) replace(records []StudentRecord, corrupt error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
	s.byID = make(map[string]int, len(records))
	for i, r := range records {
		s.byID[r.StudentID] = i
	}
	s.corrupt = corrupt
	s.dirty = false
	s.version++
}

// Save persists the full roster atomically.
func (s *Store) Save(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.persist(ctx)
}

// persist writes the current roster. Callers hold writeMu.
func (s *Store) persist(ctx context.Context) error {
	s.mu.RLock()
	if s.corrupt != nil {
		s.mu.RUnlock()
		return s.corrupt
	}
	data, err := s.encode()
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorageWrite, err)
	}

	if err := s.backend.Write(ctx, data); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrStorageWrite, err)
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	logging.Component("store").Debugf("Persisted embedding store (%d bytes)", len(data))
	return nil
}

// Register adds a student and persists the roster. If persisting fails the
// student is removed again and ErrStorageWrite is returned.
func (s *Store) Register(ctx context.Context, studentID, name string, embedding recognition.Vector) (StudentRecord, error) {
	if studentID == "" {
		return StudentRecord{}, errors.New("student id is required")
	}
	if err := validVector(embedding); err != nil {
		return StudentRecord{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.corrupt != nil {
		s.mu.Unlock()
		return StudentRecord{}, s.corrupt
	}
	if _, ok := s.byID[studentID]; ok {
		s.mu.Unlock()
		return StudentRecord{}, ErrDuplicateID
	}
	if len(s.records) > 0 && len(s.records[0].Embedding) != len(embedding) {
		s.mu.Unlock()
		return StudentRecord{}, fmt.Errorf("%w: expected %d dimensions, got %d",
			ErrInvalidEmbedding, len(s.records[0].Embedding), len(embedding))
	}

	vec := make(recognition.Vector, len(embedding))
	copy(vec, embedding)
	rec := StudentRecord{
		StudentID:    studentID,
		Name:         name,
		Embedding:    vec,
		RegisteredAt: s.now().UTC(),
	}
	s.records = append(s.records, rec)
	s.byID[studentID] = len(s.records) - 1
	s.version++
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		s.mu.Lock()
		s.records = s.records[:len(s.records)-1]
		delete(s.byID, studentID)
		s.version++
		s.dirty = false
		s.mu.Unlock()
		logging.Component("store").WithError(err).Warnf("Registration of %s rejected", studentID)
		return StudentRecord{}, err
	}

	logging.Component("store").WithField("student_id", studentID).Info("Student registered")
	return rec, nil
}

// Remove deletes a student. The in-memory removal stands even when
// persisting fails; the error is returned and Flush retries later.
func (s *Store) Remove(ctx context.Context, studentID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.corrupt != nil {
		s.mu.Unlock()
		return s.corrupt
	}
	idx, ok := s.byID[studentID]
	if !ok {
		s.mu.Unlock()
		return ErrStudentNotFound
	}
	records := make([]StudentRecord, 0, len(s.records)-1)
	records = append(records, s.records[:idx]...)
	records = append(records, s.records[idx+1:]...)
	s.records = records
	s.byID = make(map[string]int, len(records))
	for i, r := range records {
		s.byID[r.StudentID] = i
	}
	s.version++
	s.mu.Unlock()

	logging.Component("store").WithField("student_id", studentID).Info("Student removed")
	return s.persist(ctx)
}

// Flush persists the roster if a previous write failed.
func (s *Store) Flush(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.Dirty() {
		return nil
	}
	return s.persist(ctx)
}

// Dirty reports whether the in-memory roster differs from the persisted one.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// Get returns the record for a student id.
func (s *Store) Get(studentID string) (StudentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.corrupt != nil {
		return StudentRecord{}, s.corrupt
	}
	idx, ok := s.byID[studentID]
	if !ok {
		return StudentRecord{}, ErrStudentNotFound
	}
	return s.records[idx], nil
}

// Records returns a copy of all records in registration order.
func (s *Store) Records() ([]StudentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.corrupt != nil {
		return nil, s.corrupt
	}
	out := make([]StudentRecord, len(s.records))
	copy(out, s.records)
	return out, nil
}

// Mapping returns the roster keyed by student id.
func (s *Store) Mapping() (map[string]StudentRecord, error) {
	records, err := s.Records()
	if err != nil {
		return nil, err
	}
	m := make(map[string]StudentRecord, len(records))
	for _, r := range records {
		m[r.StudentID] = r
	}
	return m, nil
}

// Len returns the number of registered students.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Version increases on every change to the roster.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// encode serialises the roster. Callers hold at least a read lock.
func (s *Store) encode() ([]byte, error) {
	data, err := json.Marshal(snapshot{Version: snapshotVersion, Students: s.records})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal roster: %w", err)
	}
	if s.box != nil {
		data, err = s.box.Seal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt roster: %w", err)
		}
	}
	return data, nil
}

func (s *Store) decode(data []byte) ([]StudentRecord, error) {
	if s.box != nil {
		plain, err := s.box.Open(data)
		if err != nil {
			return nil, err
		}
		data = plain
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("malformed snapshot: %w", err)
	}

	// A flat mapping may hold students whose ids are "students" or
	// "version"; a snapshot has a numeric version next to its students.
	var version int
	rawVersion, hasVersion := fields["version"]
	_, hasStudents := fields["students"]
	isSnapshot := hasVersion && hasStudents && json.Unmarshal(rawVersion, &version) == nil

	var records []StudentRecord
	if isSnapshot {
		var snap snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("malformed snapshot: %w", err)
		}
		if snap.Version != snapshotVersion {
			return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
		}
		records = snap.Students
	} else {
		var err error
		records, err = decodeMapping(data)
		if err != nil {
			return nil, err
		}
	}

	if err := validateRecords(records); err != nil {
		return nil, err
	}
	return records, nil
}

// decodeMapping reads the flat {"<id>": {"name", "encoding"}} export format.
// Map order is lost, so records are ordered by student id.
func decodeMapping(data []byte) ([]StudentRecord, error) {
	var flat map[string]struct {
		Name     string             `json:"name"`
		Encoding recognition.Vector `json:"encoding"`
	}
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("malformed roster mapping: %w", err)
	}

	ids := make([]string, 0, len(flat))
	for id := range flat {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	records := make([]StudentRecord, 0, len(ids))
	for _, id := range ids {
		records = append(records, StudentRecord{StudentID: id, Name: flat[id].Name, Embedding: flat[id].Encoding})
	}
	return records, nil
}

func validateRecords(records []StudentRecord) error {
	seen := make(map[string]bool, len(records))
	for i, r := range records {
		if r.StudentID == "" {
			return fmt.Errorf("record %d has no student id", i)
		}
		if seen[r.StudentID] {
			return fmt.Errorf("duplicate student id %q", r.StudentID)
		}
		seen[r.StudentID] = true
		if err := validVector(r.Embedding); err != nil {
			return fmt.Errorf("student %q: %w", r.StudentID, err)
		}
		if len(r.Embedding) != len(records[0].Embedding) {
			return fmt.Errorf("student %q: embedding has %d dimensions, expected %d",
				r.StudentID, len(r.Embedding), len(records[0].Embedding))
		}
	}
	return nil
}

func validVector(v recognition.Vector) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidEmbedding)
	}
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite component", ErrInvalidEmbedding)
		}
	}
	return nil
}
