package hydra

import (
	"testing"
	"time"

	"github.com/zhigibig/hydra/pkg/automaton"
)

func TestEncodeDecodeRecordRoundTrip(t *testing.T) {
	rec := automaton.Record{
		Reign:          automaton.CurrentReign,
		MutationType:   "set_tablet_state",
		Version:        automaton.Version{SegmentID: 2, RecordID: 9},
		PrevRandomSeed: 41,
		RandomSeed:     42,
		Term:           3,
		MutationID:     "mut-1",
		Timestamp:      time.Unix(0, 1234567890),
		Payload:        []byte("payload"),
	}

	blob := encodeRecord(rec, 17)
	got, seq, err := decodeRecord(blob)
	if err != nil {
		t.Fatalf("decodeRecord() error = %v", err)
	}
	if seq != 17 {
		t.Fatalf("sequence = %d, want 17", seq)
	}
	if got.Reign != rec.Reign || got.MutationType != rec.MutationType ||
		got.Version != rec.Version || got.PrevRandomSeed != rec.PrevRandomSeed ||
		got.RandomSeed != rec.RandomSeed || got.Term != rec.Term ||
		got.MutationID != rec.MutationID || string(got.Payload) != string(rec.Payload) {
		t.Fatalf("decoded record = %+v, want fields matching %+v", got, rec)
	}
	if !got.Timestamp.Equal(rec.Timestamp) {
		t.Fatalf("decoded timestamp = %v, want %v", got.Timestamp, rec.Timestamp)
	}
}

func TestDecodeRecordRejectsGarbage(t *testing.T) {
	if _, _, err := decodeRecord([]byte{0xff, 0x00, 0x01}); err == nil {
		t.Fatal("decodeRecord() error = nil, want a decode error for malformed input")
	}
}
