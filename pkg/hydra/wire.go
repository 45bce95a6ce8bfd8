package hydra

import (
	"fmt"
	"time"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/zhigibig/hydra/pkg/automaton"
)

// recordEnvelope is the on-disk (and on-the-wire, via transport.go's
// msgpack encoding of automaton.Record) representation of one mutation
// record's metadata. The changelog store itself is agnostic to this
// shape: it only sees RecordID+blob.
type recordEnvelope struct {
	Reign          uint16
	MutationType   string
	SegmentID      uint64
	RecordID       uint64
	SequenceNumber uint64
	PrevRandomSeed uint64
	RandomSeed     uint64
	Term           uint64
	MutationID     string
	TimestampUnix  int64
	Payload        []byte
}

// encodeRecord serializes rec plus its assigned sequence number into the
// blob stored in a changelog segment.
func encodeRecord(rec automaton.Record, seq uint64) []byte {
	env := recordEnvelope{
		Reign:          rec.Reign,
		MutationType:   rec.MutationType,
		SegmentID:      rec.Version.SegmentID,
		RecordID:       rec.Version.RecordID,
		SequenceNumber: seq,
		PrevRandomSeed: rec.PrevRandomSeed,
		RandomSeed:     rec.RandomSeed,
		Term:           rec.Term,
		MutationID:     rec.MutationID,
		TimestampUnix:  rec.Timestamp.UnixNano(),
		Payload:        rec.Payload,
	}
	var buf []byte
	enc := msgpack.NewEncoderBytes(&buf, mh)
	if err := enc.Encode(env); err != nil {
		// Encoding a plain struct of scalars and a byte slice cannot fail
		// under the msgpack handle used throughout this package.
		panic(fmt.Sprintf("hydra: encode record: %v", err))
	}
	return buf
}

// decodeRecord reverses encodeRecord, returning the automaton record and
// its sequence number.
func decodeRecord(data []byte) (automaton.Record, uint64, error) {
	var env recordEnvelope
	dec := msgpack.NewDecoderBytes(data, mh)
	if err := dec.Decode(&env); err != nil {
		return automaton.Record{}, 0, fmt.Errorf("hydra: decode record: %w", err)
	}
	rec := automaton.Record{
		Reign:          env.Reign,
		MutationType:   env.MutationType,
		Version:        automaton.Version{SegmentID: env.SegmentID, RecordID: env.RecordID},
		PrevRandomSeed: env.PrevRandomSeed,
		RandomSeed:     env.RandomSeed,
		Term:           env.Term,
		MutationID:     env.MutationID,
		Timestamp:      time.Unix(0, env.TimestampUnix),
		Payload:        env.Payload,
	}
	return rec, env.SequenceNumber, nil
}
