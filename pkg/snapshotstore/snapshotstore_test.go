package snapshotstore

import (
	"io"
	"os"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "hydra-snapshotstore-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func writeSnapshot(t *testing.T, s *Store, id uint64, payload []byte) Header {
	t.Helper()
	header := Header{
		LastSegmentID:  3,
		SequenceNumber: id * 100,
		RandomSeed:     42,
		StateHash:      1234,
	}
	w, err := s.Writer(id, header)
	if err != nil {
		t.Fatalf("Writer() error = %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return header
}

func TestWriteReadRoundtrip(t *testing.T) {
	s := newTestStore(t)
	payload := []byte("decorated automaton state blob")
	writeSnapshot(t, s, 5, payload)

	r, err := s.Reader(5)
	if err != nil {
		t.Fatalf("Reader() error = %v", err)
	}
	defer r.Close()

	if r.Header.SequenceNumber != 500 {
		t.Errorf("SequenceNumber = %d, want 500", r.Header.SequenceNumber)
	}

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload mismatch: got %q, want %q", got, payload)
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	s := newTestStore(t)
	writeSnapshot(t, s, 1, []byte("clean payload"))

	if err := s.Verify(1); err != nil {
		t.Fatalf("Verify() on untouched snapshot error = %v", err)
	}

	// Corrupt a byte in the payload region, after the header.
	path := s.path(1)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	data[headerSize] ^= 0xFF
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if err := s.Verify(1); err != ErrChecksumMismatch {
		t.Fatalf("Verify() after corruption error = %v, want ErrChecksumMismatch", err)
	}
}

func TestListAndLatestAtMost(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []uint64{10, 20, 30} {
		writeSnapshot(t, s, id, []byte("x"))
	}

	ids, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ids) != 3 || ids[0] != 10 || ids[2] != 30 {
		t.Fatalf("List() = %v, want [10 20 30]", ids)
	}

	id, found, err := s.LatestAtMost(25)
	if err != nil {
		t.Fatalf("LatestAtMost() error = %v", err)
	}
	if !found || id != 20 {
		t.Fatalf("LatestAtMost(25) = (%d, %v), want (20, true)", id, found)
	}

	if _, found, err := s.LatestAtMost(5); err != nil || found {
		t.Fatalf("LatestAtMost(5) found = %v, err = %v, want not found", found, err)
	}
}

func TestReaderNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Reader(999); err != ErrNotFound {
		t.Fatalf("Reader() on missing snapshot error = %v, want ErrNotFound", err)
	}
}
