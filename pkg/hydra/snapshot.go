package hydra

import (
	"bytes"
	"hash/crc32"

	"github.com/zhigibig/hydra/pkg/automaton"
	"github.com/zhigibig/hydra/pkg/snapshotstore"
)

var snapshotCRCTable = crc32.MakeTable(crc32.Castagnoli)

// buildLocalSnapshot acquires aut's system lock, builds a snapshot of its
// current state via automaton.Decorated.BuildSnapshot, and writes the
// result to snaps under snapshotID. It returns the checksum of the
// written payload so the caller can report it as a SnapshotAck (or
// compare it against other peers', per spec §4.8).
func buildLocalSnapshot(aut *automaton.Decorated, snaps *snapshotstore.Store, snapshotID uint64) (uint32, error) {
	release, err := aut.LockSystem()
	if err != nil {
		return 0, err
	}
	defer release()

	var buf bytes.Buffer
	params, err := aut.BuildSnapshot(&buf)
	if err != nil {
		return 0, err
	}

	checksum := crc32.Checksum(buf.Bytes(), snapshotCRCTable)

	w, err := snaps.Writer(snapshotID, snapshotstore.Header{
		LastSegmentID:  params.LastSegmentID,
		SequenceNumber: params.SequenceNumber,
		RandomSeed:     params.RandomSeed,
		StateHash:      params.StateHash,
	})
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		w.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}

	return checksum, nil
}
