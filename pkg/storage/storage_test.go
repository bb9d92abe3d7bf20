package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/recognition"
)

func createTestEmbedding(seed int) recognition.Vector {
	vec := make(recognition.Vector, 128)
	for i := range vec {
		vec[i] = float32(seed*128+i) * 0.0013
	}
	return vec
}

func fixedClock() time.Time {
	return time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
}

func TestStore_LoadMissing(t *testing.T) {
	store := NewStore(NewFileBackend(filepath.Join(t.TempDir(), "encodings.json")))

	roster, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(roster) != 0 {
		t.Errorf("expected empty roster, got %d entries", len(roster))
	}
	if store.Len() != 0 {
		t.Errorf("expected empty store, got %d", store.Len())
	}
}

func TestStore_RegisterAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "encodings.json")

	store := NewStore(NewFileBackend(path), WithClock(fixedClock))
	if _, err := store.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	vec := recognition.Vector{0.1, 0.2, 0.3, float32(math.Pi), 1e-7, -0.333333}
	rec, err := store.Register(ctx, "S1", "Alice", vec)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !rec.RegisteredAt.Equal(fixedClock()) {
		t.Errorf("unexpected registration time %v", rec.RegisteredAt)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	reloaded := NewStore(NewFileBackend(path))
	roster, err := reloaded.Load(ctx)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	got, ok := roster["S1"]
	if !ok {
		t.Fatal("S1 missing after reload")
	}
	if got.Name != "Alice" {
		t.Errorf("expected name Alice, got %s", got.Name)
	}
	if len(got.Embedding) != len(vec) {
		t.Fatalf("expected %d dimensions, got %d", len(vec), len(got.Embedding))
	}
	for i := range vec {
		if got.Embedding[i] != vec[i] {
			t.Errorf("component %d changed across save/load: %v != %v", i, got.Embedding[i], vec[i])
		}
	}
}

func TestStore_RegisterCopiesEmbedding(t *testing.T) {
	store := NewStore(&MockBackend{})
	vec := createTestEmbedding(1)

	if _, err := store.Register(context.Background(), "S1", "Alice", vec); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	vec[0] = 42

	rec, err := store.Get("S1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Embedding[0] == 42 {
		t.Error("store must not alias the caller's slice")
	}
}

func TestStore_RegisterValidation(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		vec     recognition.Vector
		wantErr error
	}{
		{"duplicate id", "S1", createTestEmbedding(2), ErrDuplicateID},
		{"empty vector", "S2", recognition.Vector{}, ErrInvalidEmbedding},
		{"wrong dimension", "S3", recognition.Vector{1, 2, 3}, ErrInvalidEmbedding},
		{"NaN component", "S4", append(createTestEmbedding(4)[:127], float32(math.NaN())), ErrInvalidEmbedding},
		{"infinite component", "S5", append(createTestEmbedding(5)[:127], float32(math.Inf(1))), ErrInvalidEmbedding},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore(&MockBackend{})
			if _, err := store.Register(context.Background(), "S1", "Alice", createTestEmbedding(1)); err != nil {
				t.Fatalf("setup Register failed: %v", err)
			}

			_, err := store.Register(context.Background(), tt.id, "Bob", tt.vec)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if store.Len() != 1 {
				t.Errorf("rejected registration changed the roster: %d records", store.Len())
			}
		})
	}
}

func TestStore_RegisterEmptyID(t *testing.T) {
	store := NewStore(&MockBackend{})
	if _, err := store.Register(context.Background(), "", "Nobody", createTestEmbedding(1)); err == nil {
		t.Error("expected error for empty student id")
	}
}

func TestStore_RegisterRollbackOnWriteFailure(t *testing.T) {
	backend := &MockBackend{}
	store := NewStore(backend)
	ctx := context.Background()

	if _, err := store.Register(ctx, "S1", "Alice", createTestEmbedding(1)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	versionBefore := store.Version()

	backend.WriteFunc = func(ctx context.Context, data []byte) error {
		return errors.New("disk full")
	}

	_, err := store.Register(ctx, "S2", "Bob", createTestEmbedding(2))
	if !errors.Is(err, ErrStorageWrite) {
		t.Fatalf("expected ErrStorageWrite, got %v", err)
	}

	if _, err := store.Get("S2"); !errors.Is(err, ErrStudentNotFound) {
		t.Errorf("failed registration must not be visible, got %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("expected 1 record after rollback, got %d", store.Len())
	}
	if store.Dirty() {
		t.Error("store should not be dirty after rollback")
	}
	if store.Version() == versionBefore {
		t.Error("version must change so matchers rebuild")
	}

	backend.WriteFunc = nil
	if _, err := store.Register(ctx, "S2", "Bob", createTestEmbedding(2)); err != nil {
		t.Errorf("retry after rollback failed: %v", err)
	}
}

func TestStore_RemoveAndFlush(t *testing.T) {
	backend := &MockBackend{}
	store := NewStore(backend)
	ctx := context.Background()

	for i, id := range []string{"S1", "S2", "S3"} {
		if _, err := store.Register(ctx, id, fmt.Sprintf("Student %d", i), createTestEmbedding(i)); err != nil {
			t.Fatalf("Register %s failed: %v", id, err)
		}
	}

	backend.WriteFunc = func(ctx context.Context, data []byte) error {
		return errors.New("read-only filesystem")
	}
	if err := store.Remove(ctx, "S2"); !errors.Is(err, ErrStorageWrite) {
		t.Fatalf("expected ErrStorageWrite, got %v", err)
	}
	if !store.Dirty() {
		t.Error("store should be dirty after failed write")
	}

	records, err := store.Records()
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(records) != 2 || records[0].StudentID != "S1" || records[1].StudentID != "S3" {
		t.Errorf("unexpected records after remove: %+v", records)
	}

	backend.WriteFunc = nil
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if store.Dirty() {
		t.Error("store should be clean after flush")
	}

	reloaded := NewStore(backend)
	roster, err := reloaded.Load(ctx)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if _, ok := roster["S2"]; ok {
		t.Error("removed student came back after reload")
	}

	if err := store.Remove(ctx, "S9"); !errors.Is(err, ErrStudentNotFound) {
		t.Errorf("expected ErrStudentNotFound, got %v", err)
	}
}

func TestStore_FlushClean(t *testing.T) {
	backend := &MockBackend{}
	store := NewStore(backend)

	if err := store.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if backend.Writes() != 0 {
		t.Errorf("clean flush should not write, got %d writes", backend.Writes())
	}
}

func TestStore_RecordsKeepRegistrationOrder(t *testing.T) {
	store := NewStore(&MockBackend{})
	ids := []string{"S9", "S1", "S5", "S3"}

	for i, id := range ids {
		if _, err := store.Register(context.Background(), id, id, createTestEmbedding(i)); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	records, err := store.Records()
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	for i, r := range records {
		if r.StudentID != ids[i] {
			t.Errorf("position %d: expected %s, got %s", i, ids[i], r.StudentID)
		}
	}
}

func TestStore_LoadCorrupt(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "{{{"},
		{"unsupported version", `{"version":7,"students":[]}`},
		{"duplicate ids", `{"version":1,"students":[{"student_id":"S1","name":"A","encoding":[0.1]},{"student_id":"S1","name":"B","encoding":[0.2]}]}`},
		{"mixed dimensions", `{"version":1,"students":[{"student_id":"S1","name":"A","encoding":[0.1]},{"student_id":"S2","name":"B","encoding":[0.2,0.3]}]}`},
		{"empty encoding", `{"version":1,"students":[{"student_id":"S1","name":"A","encoding":[]}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "encodings.json")
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatalf("failed to write fixture: %v", err)
			}

			store := NewStore(NewFileBackend(path))
			_, err := store.Load(context.Background())
			if !errors.Is(err, ErrStorageCorrupt) {
				t.Fatalf("expected ErrStorageCorrupt, got %v", err)
			}

			if _, err := store.Records(); !errors.Is(err, ErrStorageCorrupt) {
				t.Errorf("corrupt store must refuse reads, got %v", err)
			}
			if _, err := store.Register(context.Background(), "S2", "Bob", recognition.Vector{0.5}); !errors.Is(err, ErrStorageCorrupt) {
				t.Errorf("corrupt store must refuse registration, got %v", err)
			}

			data, _ := os.ReadFile(path)
			if string(data) != tt.content {
				t.Error("corrupt snapshot must not be overwritten")
			}
		})
	}
}

func TestStore_LoadFlatMapping(t *testing.T) {
	backend := &MockBackend{data: []byte(`{"S2":{"name":"Bob","encoding":[0.5,0.6]},"S1":{"name":"Alice","encoding":[0.1,0.2]}}`)}
	store := NewStore(backend)

	roster, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if roster["S1"].Name != "Alice" || roster["S2"].Name != "Bob" {
		t.Errorf("unexpected roster: %+v", roster)
	}

	records, _ := store.Records()
	if records[0].StudentID != "S1" {
		t.Errorf("flat mapping should load in id order, got %s first", records[0].StudentID)
	}
}

func TestStore_LoadFlatMappingWithReservedIDs(t *testing.T) {
	tests := []struct {
		name string
		data string
		ids  []string
	}{
		{
			name: "student named students",
			data: `{"students":{"name":"Sam","encoding":[0.1,0.2]},"S1":{"name":"Alice","encoding":[0.3,0.4]}}`,
			ids:  []string{"S1", "students"},
		},
		{
			name: "students and version ids",
			data: `{"students":{"name":"Sam","encoding":[0.1,0.2]},"version":{"name":"Vera","encoding":[0.3,0.4]}}`,
			ids:  []string{"students", "version"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore(&MockBackend{data: []byte(tt.data)})
			if _, err := store.Load(context.Background()); err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			records, err := store.Records()
			if err != nil {
				t.Fatalf("Records failed: %v", err)
			}
			if len(records) != len(tt.ids) {
				t.Fatalf("got %d records, want %d", len(records), len(tt.ids))
			}
			for i, id := range tt.ids {
				if records[i].StudentID != id {
					t.Errorf("records[%d] = %s, want %s", i, records[i].StudentID, id)
				}
			}
		})
	}
}

func TestStore_Encryption(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "encodings.bin")

	key, err := ParseKey("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	if err != nil {
		t.Fatalf("ParseKey failed: %v", err)
	}

	store := NewStore(NewFileBackend(path), WithEncryption(NewSecretBox(key)))
	if _, err := store.Register(ctx, "S1", "Alice", createTestEmbedding(1)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read snapshot: %v", err)
	}
	if len(raw) < NonceSize || bytes.Contains(raw, []byte("Alice")) {
		t.Error("snapshot does not look encrypted")
	}

	reloaded := NewStore(NewFileBackend(path), WithEncryption(NewSecretBox(key)))
	roster, err := reloaded.Load(ctx)
	if err != nil {
		t.Fatalf("Load with correct key failed: %v", err)
	}
	if roster["S1"].Name != "Alice" {
		t.Errorf("unexpected roster after decrypt: %+v", roster)
	}

	var wrong [KeySize]byte
	wrong[0] = 1
	other := NewStore(NewFileBackend(path), WithEncryption(NewSecretBox(wrong)))
	if _, err := other.Load(ctx); !errors.Is(err, ErrStorageCorrupt) {
		t.Errorf("expected ErrStorageCorrupt with the wrong key, got %v", err)
	}
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f", false},
		{"surrounding whitespace", " 000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f\n", false},
		{"too short", "0001", true},
		{"not hex", "zz", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseKey(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseKey() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSecretBox_OpenShortInput(t *testing.T) {
	box := NewSecretBox(MachineKey())
	if _, err := box.Open([]byte("short")); !errors.Is(err, ErrEncryption) {
		t.Errorf("expected ErrEncryption, got %v", err)
	}
}

func TestMachineKey_Stable(t *testing.T) {
	if MachineKey() != MachineKey() {
		t.Error("machine key must be deterministic")
	}
}

func TestStore_ConcurrentRegister(t *testing.T) {
	backend := &MockBackend{}
	store := NewStore(backend)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = store.Register(ctx, fmt.Sprintf("S%02d", i), "student", createTestEmbedding(i))
		}(i)
	}
	wg.Wait()

	if store.Len() != 20 {
		t.Fatalf("expected 20 records, got %d", store.Len())
	}

	reloaded := NewStore(backend)
	roster, err := reloaded.Load(ctx)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if len(roster) != 20 {
		t.Errorf("persisted snapshot has %d records, expected 20", len(roster))
	}
}

func TestFileBackend_ReadMissing(t *testing.T) {
	b := NewFileBackend(filepath.Join(t.TempDir(), "missing.json"))
	if _, err := b.Read(context.Background()); !errors.Is(err, ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestFileBackend_CancelledContext(t *testing.T) {
	b := NewFileBackend(filepath.Join(t.TempDir(), "encodings.json"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := b.Write(ctx, []byte("{}")); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func BenchmarkStore_Register(b *testing.B) {
	store := NewStore(&MockBackend{})
	ctx := context.Background()
	vec := createTestEmbedding(1)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, _ = store.Register(ctx, fmt.Sprintf("S%d", i), "student", vec)
	}
}
