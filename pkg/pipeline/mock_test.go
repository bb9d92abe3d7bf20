package pipeline

import (
	"context"
	"sync"

	"github.com/MrCodeEU/rollcall/pkg/ledger"
	"github.com/MrCodeEU/rollcall/pkg/matcher"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

// MockDetector implements recognition.Detector for testing
type MockDetector struct {
	DetectFacesFunc func(ctx context.Context, imageData []byte) ([]recognition.Face, error)
}

func (m *MockDetector) DetectFaces(ctx context.Context, imageData []byte) ([]recognition.Face, error) {
	if m.DetectFacesFunc != nil {
		return m.DetectFacesFunc(ctx, imageData)
	}
	return []recognition.Face{{}}, nil
}

// MockEmbedder implements recognition.Embedder for testing
type MockEmbedder struct {
	EmbedFunc func(ctx context.Context, f recognition.Face) (recognition.Vector, error)
}

func (m *MockEmbedder) Embed(ctx context.Context, f recognition.Face) (recognition.Vector, error) {
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, f)
	}
	return recognition.Vector{0, 0, 0}, nil
}

// MockMatcher implements Matcher for testing
type MockMatcher struct {
	MatchFunc func(q recognition.Vector) (matcher.Match, error)
}

func (m *MockMatcher) Match(q recognition.Vector) (matcher.Match, error) {
	if m.MatchFunc != nil {
		return m.MatchFunc(q)
	}
	return matcher.Match{}, matcher.ErrUnmatched
}

// MockLedger implements Ledger for testing. Without MarkFunc it behaves
// like a real ledger for a single day.
type MockLedger struct {
	MarkFunc      func(ctx context.Context, studentID, name string) (ledger.Record, ledger.Result, error)
	TodayDateFunc func() string

	mu     sync.Mutex
	calls  []string
	marked map[string]bool
}

func (m *MockLedger) Mark(ctx context.Context, studentID, name string) (ledger.Record, ledger.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, studentID)
	m.mu.Unlock()

	if m.MarkFunc != nil {
		return m.MarkFunc(ctx, studentID, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.marked == nil {
		m.marked = make(map[string]bool)
	}
	rec := ledger.Record{StudentID: studentID, StudentName: name, Status: ledger.StatusPresent}
	if m.marked[studentID] {
		return rec, ledger.AlreadyMarked, nil
	}
	m.marked[studentID] = true
	return rec, ledger.Marked, nil
}

func (m *MockLedger) TodayDate() string {
	if m.TodayDateFunc != nil {
		return m.TodayDateFunc()
	}
	return "2026-09-01"
}

func (m *MockLedger) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// MockRegistrar implements Registrar for testing
type MockRegistrar struct {
	RegisterFunc func(ctx context.Context, studentID, name string, embedding recognition.Vector) (storage.StudentRecord, error)
}

func (m *MockRegistrar) Register(ctx context.Context, studentID, name string, embedding recognition.Vector) (storage.StudentRecord, error) {
	if m.RegisterFunc != nil {
		return m.RegisterFunc(ctx, studentID, name, embedding)
	}
	return storage.StudentRecord{StudentID: studentID, Name: name, Embedding: embedding}, nil
}

// byteMatcher recognizes a frame by its first byte: 'a' is alice, 'b' is
// bob, anything else is unknown.
func byteMatcher() (*MockDetector, *MockEmbedder, *MockMatcher) {
	d := &MockDetector{
		DetectFacesFunc: func(ctx context.Context, img []byte) ([]recognition.Face, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if len(img) == 0 {
				return nil, nil
			}
			return []recognition.Face{{Descriptor: recognition.Vector{float32(img[0])}}}, nil
		},
	}
	e := &MockEmbedder{
		EmbedFunc: func(_ context.Context, f recognition.Face) (recognition.Vector, error) {
			return f.Descriptor, nil
		},
	}
	m := &MockMatcher{
		MatchFunc: func(q recognition.Vector) (matcher.Match, error) {
			switch q[0] {
			case 'a':
				return matcher.Match{StudentID: "S001", Name: "Alice", Distance: 0.1}, nil
			case 'b':
				return matcher.Match{StudentID: "S002", Name: "Bob", Distance: 0.2}, nil
			}
			return matcher.Match{Distance: 0.9}, matcher.ErrUnmatched
		},
	}
	return d, e, m
}
