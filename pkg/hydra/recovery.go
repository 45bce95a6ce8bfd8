package hydra

import (
	"fmt"
	"hash/crc32"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhigibig/hydra/pkg/automaton"
	"github.com/zhigibig/hydra/pkg/cellmgr"
	"github.com/zhigibig/hydra/pkg/changelog"
	"github.com/zhigibig/hydra/pkg/log"
	"github.com/zhigibig/hydra/pkg/metrics"
	"github.com/zhigibig/hydra/pkg/snapshotstore"
)

// Recovery brings a peer's reachable state up to the leader's
// committed state before it rejoins normal replication.
type Recovery struct {
	cells   *cellmgr.CellManager
	changes *changelog.Store
	snaps   *snapshotstore.Store
	aut     *automaton.Decorated

	leaderClient  PeerClient
	peerClientFor func(cellmgr.PeerID) PeerClient

	logger zerolog.Logger
}

// NewRecovery constructs a Recovery for one peer's local stores, issuing
// leader RPCs over leaderClient and peer lookups for snapshot download
// via peerClientFor.
func NewRecovery(cells *cellmgr.CellManager, changes *changelog.Store, snaps *snapshotstore.Store, aut *automaton.Decorated, leaderClient PeerClient, peerClientFor func(cellmgr.PeerID) PeerClient) *Recovery {
	return &Recovery{
		cells:         cells,
		changes:       changes,
		snaps:         snaps,
		aut:           aut,
		leaderClient:  leaderClient,
		peerClientFor: peerClientFor,
		logger:        log.WithComponent("hydra.recovery"),
	}
}

// Run executes the recovery procedure, returning the resulting reachable
// state once the peer has caught up to the leader's committed state as
// observed at the start of recovery.
func (r *Recovery) Run(committedSeqBound uint64) (automaton.ReachableState, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RecoveryDuration)

	release, err := r.aut.LockSystem()
	if err != nil {
		return automaton.ReachableState{}, fmt.Errorf("hydra: recovery: acquire system lock: %w", err)
	}
	// The system lock covers only the snapshot load: ApplyMutation
	// refuses work while it is held, and the records replayed below go
	// through ApplyMutation.
	err = r.loadLatestSnapshot(committedSeqBound)
	release()
	if err != nil {
		return automaton.ReachableState{}, fmt.Errorf("hydra: recovery: load snapshot: %w", err)
	}

	leaderSegment := r.aut.Version().SegmentID

	for {
		if err := r.reconcileSegment(leaderSegment); err != nil {
			return automaton.ReachableState{}, err
		}
		leaderInfo, err := r.leaderClient.GetChangeLogInfo(&GetChangeLogInfoRequest{SegmentID: leaderSegment + 1})
		if err != nil {
			return automaton.ReachableState{}, fmt.Errorf("hydra: recovery: query leader segment %d: %w", leaderSegment+1, err)
		}
		if !leaderInfo.Found {
			break
		}
		leaderSegment++
	}

	return r.aut.ReachableState(), nil
}

// loadLatestSnapshot asks the leader for the latest snapshot id at or
// below bound; if the local automaton has not already loaded it (or
// anything newer), it downloads it from any peer that has it, verifies
// the checksum, and installs it.
func (r *Recovery) loadLatestSnapshot(bound uint64) error {
	info, err := r.leaderClient.GetSnapshotInfo(&GetSnapshotInfoRequest{Bound: bound})
	if err != nil {
		return err
	}
	if !info.Found {
		return nil
	}
	if r.aut.Version().SegmentID >= info.SnapshotID {
		return nil
	}

	data, header, err := r.downloadSnapshot(info.SnapshotID)
	if err != nil {
		return err
	}

	if crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli)) != info.Checksum {
		return fmt.Errorf("hydra: recovery: downloaded snapshot %d fails checksum verification", info.SnapshotID)
	}
	header.Checksum = info.Checksum

	w, err := r.snaps.Writer(info.SnapshotID, header)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	rd, err := r.snaps.Reader(info.SnapshotID)
	if err != nil {
		return err
	}
	defer rd.Close()

	version := automaton.Version{SegmentID: info.SnapshotID, RecordID: 0}
	return r.aut.LoadSnapshot(info.SnapshotID, version, header.SequenceNumber, header.RandomSeed, header.StateHash, time.Now(), rd)
}

// downloadSnapshot tries every known peer until one answers with the
// snapshot, rather than depending on a single designated source.
func (r *Recovery) downloadSnapshot(id uint64) ([]byte, snapshotstore.Header, error) {
	var lastErr error
	for _, p := range r.cells.Peers() {
		client := r.peerClientFor(p.ID)
		if client == nil {
			continue
		}
		const chunk = 1 << 20
		var data []byte
		var header snapshotstore.Header
		offset := int64(0)
		for {
			resp, err := client.ReadSnapshot(&ReadSnapshotRequest{SnapshotID: id, Offset: offset, MaxBytes: chunk})
			if err != nil {
				lastErr = err
				break
			}
			data = append(data, resp.Data...)
			header = snapshotstore.Header{
				LastSegmentID:  resp.Header.LastSegmentID,
				SequenceNumber: resp.Header.SequenceNumber,
				RandomSeed:     resp.Header.RandomSeed,
				StateHash:      resp.Header.StateHash,
			}
			offset += int64(len(resp.Data))
			if resp.EOF {
				return data, header, nil
			}
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("hydra: recovery: no peer had snapshot %d", id)
	}
	return nil, snapshotstore.Header{}, lastErr
}

// reconcileSegment compares the local and leader record counts for
// segmentID: seals locally if the leader has fewer (truncating a
// divergent suffix), downloads the missing tail if the leader has more,
// and creates+fills the segment from scratch if it does not exist
// locally at all.
func (r *Recovery) reconcileSegment(segmentID uint64) error {
	leaderInfo, err := r.leaderClient.GetChangeLogInfo(&GetChangeLogInfoRequest{SegmentID: segmentID})
	if err != nil {
		return fmt.Errorf("hydra: recovery: leader segment info %d: %w", segmentID, err)
	}
	if !leaderInfo.Found {
		return nil
	}

	localCount, err := r.changes.RecordCount(segmentID)
	if err == changelog.ErrNotFound {
		if err := r.changes.Create(segmentID); err != nil && err != changelog.ErrSegmentExists {
			return fmt.Errorf("hydra: recovery: create segment %d: %w", segmentID, err)
		}
		localCount = 0
	} else if err != nil {
		return err
	}

	if int64(leaderInfo.RecordCount) < localCount {
		if err := r.changes.Seal(segmentID, uint64(leaderInfo.RecordCount)-1); err != nil {
			return fmt.Errorf("hydra: recovery: seal segment %d at %d: %w", segmentID, leaderInfo.RecordCount, err)
		}
		r.logger.Warn().Uint64("segment_id", segmentID).Int64("sealed_to", leaderInfo.RecordCount).Msg("sealed diverged tail during recovery")
		localCount = leaderInfo.RecordCount
	}

	if int64(leaderInfo.RecordCount) > localCount {
		resp, err := r.leaderClient.ReadChangeLog(&ReadChangeLogRequest{
			SegmentID:  segmentID,
			StartID:    uint64(localCount),
			MaxRecords: int(leaderInfo.RecordCount - localCount),
		})
		if err != nil {
			return fmt.Errorf("hydra: recovery: read changelog tail %d: %w", segmentID, err)
		}

		logRecords := make([]changelog.Record, 0, len(resp.Records))
		for i, rec := range resp.Records {
			seq := r.aut.SequenceNumber() + uint64(i) + 1
			logRecords = append(logRecords, changelog.Record{
				RecordID: rec.Version.RecordID,
				Payload:  encodeRecord(rec, seq),
			})
		}
		if err := r.changes.Append(segmentID, logRecords); err != nil {
			return fmt.Errorf("hydra: recovery: append downloaded tail %d: %w", segmentID, err)
		}

		for _, rec := range resp.Records {
			if err := r.aut.ApplyMutation(rec); err != nil {
				return fmt.Errorf("hydra: recovery: apply downloaded record: %w", err)
			}
			metrics.MutationsAppliedTotal.Inc()
		}
	}

	return nil
}
