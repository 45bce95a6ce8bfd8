package changelog

import (
	"os"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "hydra-changelog-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndOpen(t *testing.T) {
	s := newTestStore(t)

	if err := s.Open(1); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound before create, got %v", err)
	}

	if err := s.Create(1); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := s.Open(1); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := s.Create(1); err != ErrSegmentExists {
		t.Fatalf("expected ErrSegmentExists, got %v", err)
	}
}

func TestAppendAndRead(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create(1); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	records := []Record{
		{RecordID: 0, Payload: []byte("a")},
		{RecordID: 1, Payload: []byte("bb")},
		{RecordID: 2, Payload: []byte("ccc")},
	}
	if err := s.Append(1, records); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := s.Read(1, 0, 10)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Read() returned %d records, want 3", len(got))
	}
	for i, r := range got {
		if r.RecordID != uint64(i) {
			t.Errorf("record %d has id %d", i, r.RecordID)
		}
	}

	count, err := s.RecordCount(1)
	if err != nil {
		t.Fatalf("RecordCount() error = %v", err)
	}
	if count != 3 {
		t.Errorf("RecordCount() = %d, want 3", count)
	}
}

func TestReadStopsAtGap(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create(1); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := s.Append(1, []Record{
		{RecordID: 0, Payload: []byte("a")},
		{RecordID: 1, Payload: []byte("b")},
		{RecordID: 5, Payload: []byte("far")},
	}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := s.Read(1, 0, 10)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Read() returned %d records, want 2 (stop at gap)", len(got))
	}
}

func TestSealTruncatesTailAndBlocksAppend(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create(1); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.Append(1, []Record{
		{RecordID: 0, Payload: []byte("a")},
		{RecordID: 1, Payload: []byte("b")},
		{RecordID: 2, Payload: []byte("c")},
	}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if err := s.Seal(1, 1); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	got, err := s.Read(1, 0, 10)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Read() after seal returned %d records, want 2", len(got))
	}

	sealed, err := s.IsSealed(1)
	if err != nil {
		t.Fatalf("IsSealed() error = %v", err)
	}
	if !sealed {
		t.Error("IsSealed() = false, want true")
	}

	if err := s.Append(1, []Record{{RecordID: 2, Payload: []byte("x")}}); err != ErrSealed {
		t.Fatalf("Append() after seal error = %v, want ErrSealed", err)
	}
}

func TestAppendUnknownSegment(t *testing.T) {
	s := newTestStore(t)
	if err := s.Append(99, []Record{{RecordID: 0, Payload: []byte("x")}}); err != ErrNotFound {
		t.Fatalf("Append() on unknown segment error = %v, want ErrNotFound", err)
	}
}

func TestSaveGetCARoundtrip(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetCA(); err != ErrNoCA {
		t.Fatalf("GetCA() on empty store error = %v, want ErrNoCA", err)
	}

	if err := s.SaveCA([]byte("ca-material-v1")); err != nil {
		t.Fatalf("SaveCA() error = %v", err)
	}
	got, err := s.GetCA()
	if err != nil {
		t.Fatalf("GetCA() error = %v", err)
	}
	if string(got) != "ca-material-v1" {
		t.Fatalf("GetCA() = %q, want ca-material-v1", got)
	}

	// A second save replaces, not appends.
	if err := s.SaveCA([]byte("ca-material-v2")); err != nil {
		t.Fatalf("SaveCA() error = %v", err)
	}
	if got, _ = s.GetCA(); string(got) != "ca-material-v2" {
		t.Fatalf("GetCA() after resave = %q, want ca-material-v2", got)
	}
}
