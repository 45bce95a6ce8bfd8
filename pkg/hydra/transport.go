package hydra

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/zhigibig/hydra/pkg/automaton"
	"github.com/zhigibig/hydra/pkg/cellmgr"
)

// messageType tags the envelope so a single connection can multiplex the
// seven RPCs of the inter-cell wire protocol, all of which must tolerate
// at-least-once delivery.
type messageType uint8

const (
	msgAcceptMutations messageType = iota + 1
	msgPingFollower
	msgGetSnapshotInfo
	msgReadSnapshot
	msgGetChangeLogInfo
	msgReadChangeLog
	msgForceRestart
)

// SnapshotRequest piggybacks on AcceptMutations when the leader wants a
// follower to build a snapshot at a given sequence number.
type SnapshotRequest struct {
	SnapshotID     uint64
	SequenceNumber uint64
}

// SnapshotAck is returned in the AcceptMutations reply once a follower
// has produced the snapshot requested by a prior SnapshotRequest.
type SnapshotAck struct {
	SnapshotID uint64
	Checksum   uint32
}

// AcceptMutationsRequest carries a contiguous batch of logged records
// from the leader to one follower, plus the leader's committed state so
// the follower can advance its own commit watermark.
type AcceptMutationsRequest struct {
	Term             uint64
	StartSequence    uint64
	Records          []automaton.Record
	CommittedVersion automaton.Version
	CommittedSeq     uint64
	Snapshot         *SnapshotRequest
}

// AcceptMutationsResponse reports what the follower actually logged, so
// the leader can update PeerState and compute the quorum watermark.
type AcceptMutationsResponse struct {
	Term                      uint64
	NextExpectedSequence      uint64
	LastLoggedSequence        uint64
	SnapshotAck               *SnapshotAck
	RequiresForceRestart      bool
}

// PingFollowerRequest is a lightweight liveness probe carrying the same
// term so a stale leader can detect it has been superseded.
type PingFollowerRequest struct {
	Term uint64
}

// PingFollowerResponse echoes the follower's reachable state.
type PingFollowerResponse struct {
	Term           uint64
	SequenceNumber uint64
	StateHash      uint64
}

// GetSnapshotInfoRequest asks a peer for the newest snapshot id at or
// below Bound.
type GetSnapshotInfoRequest struct {
	Bound uint64
}

// GetSnapshotInfoResponse answers with the snapshot id and its embedded
// checksum, or Found=false if no snapshot at or below Bound exists on
// that peer.
type GetSnapshotInfoResponse struct {
	SnapshotID uint64
	Checksum   uint32
	Found      bool
}

// ReadSnapshotRequest streams back a snapshot's bytes in fixed-size
// chunks so a single RPC does not have to hold an entire snapshot in
// memory.
type ReadSnapshotRequest struct {
	SnapshotID uint64
	Offset     int64
	MaxBytes   int
}

// ReadSnapshotResponse is one chunk of a snapshot's payload.
type ReadSnapshotResponse struct {
	Header automaton.SnapshotParams
	Data   []byte
	EOF    bool
}

// GetChangeLogInfoRequest asks a peer for a segment's current record
// count and sealed flag, used by recovery to decide whether to seal
// locally (truncate) or download the missing suffix.
type GetChangeLogInfoRequest struct {
	SegmentID uint64
}

// GetChangeLogInfoResponse answers with the segment's bookkeeping, or
// Found=false if the peer has no such segment.
type GetChangeLogInfoResponse struct {
	RecordCount int64
	Sealed      bool
	Found       bool
}

// ReadChangeLogRequest asks for a contiguous slice of a segment.
type ReadChangeLogRequest struct {
	SegmentID  uint64
	StartID    uint64
	MaxRecords int
}

// ReadChangeLogResponse is the contiguous slice answering a
// ReadChangeLogRequest; it may be shorter than MaxRecords if the segment
// ends first.
type ReadChangeLogResponse struct {
	Records []automaton.Record
}

// ForceRestartRequest tells a follower its PeerState is unrecoverable
// from the leader's point of view (the follower's next_expected
// sequence number is older than the leader's queue head) and it must
// restart its own epoch participation from recovery.
type ForceRestartRequest struct {
	Term uint64
}

// ForceRestartResponse acknowledges the restart instruction.
type ForceRestartResponse struct{}

// PeerClient is the set of RPCs one cell issues against another. A
// concrete Transport implements this for every configured peer.
type PeerClient interface {
	AcceptMutations(req *AcceptMutationsRequest) (*AcceptMutationsResponse, error)
	PingFollower(req *PingFollowerRequest) (*PingFollowerResponse, error)
	GetSnapshotInfo(req *GetSnapshotInfoRequest) (*GetSnapshotInfoResponse, error)
	ReadSnapshot(req *ReadSnapshotRequest) (*ReadSnapshotResponse, error)
	GetChangeLogInfo(req *GetChangeLogInfoRequest) (*GetChangeLogInfoResponse, error)
	ReadChangeLog(req *ReadChangeLogRequest) (*ReadChangeLogResponse, error)
	ForceRestart(req *ForceRestartRequest) (*ForceRestartResponse, error)
}

// PeerServer is implemented by whatever owns the local committer/
// recovery state and answers RPCs dispatched to this cell.
type PeerServer interface {
	HandleAcceptMutations(req *AcceptMutationsRequest) (*AcceptMutationsResponse, error)
	HandlePingFollower(req *PingFollowerRequest) (*PingFollowerResponse, error)
	HandleGetSnapshotInfo(req *GetSnapshotInfoRequest) (*GetSnapshotInfoResponse, error)
	HandleReadSnapshot(req *ReadSnapshotRequest) (*ReadSnapshotResponse, error)
	HandleGetChangeLogInfo(req *GetChangeLogInfoRequest) (*GetChangeLogInfoResponse, error)
	HandleReadChangeLog(req *ReadChangeLogRequest) (*ReadChangeLogResponse, error)
	HandleForceRestart(req *ForceRestartRequest) (*ForceRestartResponse, error)
}

var mh = &msgpack.MsgpackHandle{}

// envelope is the only thing ever written to the wire: a message type tag
// plus its msgpack-encoded body, length-prefixed so frames can be
// pipelined over one long-lived connection per peer, the same framing
// shape hashicorp/raft's own NetworkTransport uses underneath it.
type envelope struct {
	Type messageType
	Body []byte
}

func encodeEnvelope(w io.Writer, typ messageType, body interface{}) error {
	var buf []byte
	enc := msgpack.NewEncoderBytes(&buf, mh)
	if err := enc.Encode(body); err != nil {
		return fmt.Errorf("hydra: encode body: %w", err)
	}

	var frame []byte
	fenc := msgpack.NewEncoderBytes(&frame, mh)
	if err := fenc.Encode(envelope{Type: typ, Body: buf}); err != nil {
		return fmt.Errorf("hydra: encode envelope: %w", err)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

func decodeEnvelope(r io.Reader) (messageType, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return 0, nil, err
	}

	var env envelope
	dec := msgpack.NewDecoderBytes(frame, mh)
	if err := dec.Decode(&env); err != nil {
		return 0, nil, fmt.Errorf("hydra: decode envelope: %w", err)
	}
	return env.Type, env.Body, nil
}

// TCPTransport dials one connection per call against a cell's peers,
// favoring dial-per-request simplicity over the pooled-connection model
// of raft.NetworkTransport, since the mutation-replication RPCs here are
// already batched by the
// leader's Flush task and do not need per-call pooling to stay cheap.
type TCPTransport struct {
	cells      *cellmgr.CellManager
	dialTimeout time.Duration
	callTimeout time.Duration
	server      PeerServer
}

// NewTCPTransport returns a transport that resolves peer addresses via
// cells and dispatches incoming connections to server.
func NewTCPTransport(cells *cellmgr.CellManager, server PeerServer) *TCPTransport {
	return &TCPTransport{
		cells:       cells,
		dialTimeout: 2 * time.Second,
		callTimeout: 5 * time.Second,
		server:      server,
	}
}

// ClientFor returns a PeerClient that dials addr for every call.
func (t *TCPTransport) ClientFor(addr string) PeerClient {
	return &tcpPeerClient{transport: t, addr: addr}
}

// Serve accepts connections on listener and dispatches each to the
// transport's PeerServer until listener is closed.
func (t *TCPTransport) Serve(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go t.handleConn(conn)
	}
}

func (t *TCPTransport) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		typ, body, err := decodeEnvelope(r)
		if err != nil {
			return
		}
		resp, respType, err := t.dispatch(typ, body)
		if err != nil {
			return
		}
		if err := encodeEnvelope(conn, respType, resp); err != nil {
			return
		}
	}
}

func (t *TCPTransport) dispatch(typ messageType, body []byte) (interface{}, messageType, error) {
	decodeBody := func(v interface{}) error {
		dec := msgpack.NewDecoderBytes(body, mh)
		return dec.Decode(v)
	}

	switch typ {
	case msgAcceptMutations:
		var req AcceptMutationsRequest
		if err := decodeBody(&req); err != nil {
			return nil, 0, err
		}
		resp, err := t.server.HandleAcceptMutations(&req)
		return resp, msgAcceptMutations, err
	case msgPingFollower:
		var req PingFollowerRequest
		if err := decodeBody(&req); err != nil {
			return nil, 0, err
		}
		resp, err := t.server.HandlePingFollower(&req)
		return resp, msgPingFollower, err
	case msgGetSnapshotInfo:
		var req GetSnapshotInfoRequest
		if err := decodeBody(&req); err != nil {
			return nil, 0, err
		}
		resp, err := t.server.HandleGetSnapshotInfo(&req)
		return resp, msgGetSnapshotInfo, err
	case msgReadSnapshot:
		var req ReadSnapshotRequest
		if err := decodeBody(&req); err != nil {
			return nil, 0, err
		}
		resp, err := t.server.HandleReadSnapshot(&req)
		return resp, msgReadSnapshot, err
	case msgGetChangeLogInfo:
		var req GetChangeLogInfoRequest
		if err := decodeBody(&req); err != nil {
			return nil, 0, err
		}
		resp, err := t.server.HandleGetChangeLogInfo(&req)
		return resp, msgGetChangeLogInfo, err
	case msgReadChangeLog:
		var req ReadChangeLogRequest
		if err := decodeBody(&req); err != nil {
			return nil, 0, err
		}
		resp, err := t.server.HandleReadChangeLog(&req)
		return resp, msgReadChangeLog, err
	case msgForceRestart:
		var req ForceRestartRequest
		if err := decodeBody(&req); err != nil {
			return nil, 0, err
		}
		resp, err := t.server.HandleForceRestart(&req)
		return resp, msgForceRestart, err
	default:
		return nil, 0, fmt.Errorf("hydra: unknown message type %d", typ)
	}
}

type tcpPeerClient struct {
	transport *TCPTransport
	addr      string
}

func (c *tcpPeerClient) call(typ messageType, req interface{}, resp interface{}) error {
	conn, err := net.DialTimeout("tcp", c.addr, c.transport.dialTimeout)
	if err != nil {
		return fmt.Errorf("hydra: dial %s: %w", c.addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.transport.callTimeout))

	if err := encodeEnvelope(conn, typ, req); err != nil {
		return err
	}
	_, body, err := decodeEnvelope(bufio.NewReader(conn))
	if err != nil {
		return err
	}
	dec := msgpack.NewDecoderBytes(body, mh)
	return dec.Decode(resp)
}

func (c *tcpPeerClient) AcceptMutations(req *AcceptMutationsRequest) (*AcceptMutationsResponse, error) {
	var resp AcceptMutationsResponse
	if err := c.call(msgAcceptMutations, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *tcpPeerClient) PingFollower(req *PingFollowerRequest) (*PingFollowerResponse, error) {
	var resp PingFollowerResponse
	if err := c.call(msgPingFollower, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *tcpPeerClient) GetSnapshotInfo(req *GetSnapshotInfoRequest) (*GetSnapshotInfoResponse, error) {
	var resp GetSnapshotInfoResponse
	if err := c.call(msgGetSnapshotInfo, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *tcpPeerClient) ReadSnapshot(req *ReadSnapshotRequest) (*ReadSnapshotResponse, error) {
	var resp ReadSnapshotResponse
	if err := c.call(msgReadSnapshot, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *tcpPeerClient) GetChangeLogInfo(req *GetChangeLogInfoRequest) (*GetChangeLogInfoResponse, error) {
	var resp GetChangeLogInfoResponse
	if err := c.call(msgGetChangeLogInfo, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *tcpPeerClient) ReadChangeLog(req *ReadChangeLogRequest) (*ReadChangeLogResponse, error) {
	var resp ReadChangeLogResponse
	if err := c.call(msgReadChangeLog, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *tcpPeerClient) ForceRestart(req *ForceRestartRequest) (*ForceRestartResponse, error) {
	var resp ForceRestartResponse
	if err := c.call(msgForceRestart, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
