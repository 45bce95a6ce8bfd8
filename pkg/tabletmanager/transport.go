package tabletmanager

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"
)

// messageType tags the lifecycle envelope, the same length-prefixed
// msgpack framing pkg/hydra/transport.go uses for the consensus wire
// protocol: a single long-lived connection per call, one request and
// one reply per frame pair.
type messageType uint8

const (
	msgMountTablet messageType = iota + 1
	msgUnmountTablet
	msgFreezeTablet
	msgUnfreezeTablet
	msgRemountTablet
	msgAddTableReplica
	msgRemoveTableReplica
	msgAlterTableReplica
	msgLockTablet
	msgUnlockTablet
)

// CellServer is implemented by whatever runs on a cell process to carry
// out lifecycle requests dispatched from the master.
type CellServer interface {
	HandleMountTablet(req MountTabletRequest) error
	HandleUnmountTablet(req UnmountTabletRequest) error
	HandleFreezeTablet(req FreezeTabletRequest) error
	HandleUnfreezeTablet(req UnfreezeTabletRequest) error
	HandleRemountTablet(req RemountTabletRequest) error
	HandleAddTableReplica(req AddTableReplicaRequest) error
	HandleRemoveTableReplica(req RemoveTableReplicaRequest) error
	HandleAlterTableReplica(req AlterTableReplicaRequest) error
	HandleLockTablet(req LockTabletRequest) error
	HandleUnlockTablet(req UnlockTabletRequest) error
}

// ackResponse is the uniform reply for every lifecycle request: cell
// handlers either succeed or report a string error, never a payload.
type ackResponse struct {
	Error string
}

var mh = &msgpack.MsgpackHandle{}

type envelope struct {
	Type messageType
	Body []byte
}

func encodeEnvelope(w io.Writer, typ messageType, body interface{}) error {
	var buf []byte
	enc := msgpack.NewEncoderBytes(&buf, mh)
	if err := enc.Encode(body); err != nil {
		return fmt.Errorf("tabletmanager: encode body: %w", err)
	}

	var frame []byte
	fenc := msgpack.NewEncoderBytes(&frame, mh)
	if err := fenc.Encode(envelope{Type: typ, Body: buf}); err != nil {
		return fmt.Errorf("tabletmanager: encode envelope: %w", err)
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
		return 0, nil, fmt.Errorf("tabletmanager: decode envelope: %w", err)
	}
	return env.Type, env.Body, nil
}

// TCPCellTransport is the master-side transport: it resolves a catalog
// cell id to an address through a CellDirectory and dials that address
// once per call, the same dial-per-request simplicity
// pkg/hydra/transport.go uses, since these RPCs are already individually
// retried by the Mailbox and do not benefit from connection pooling.
type TCPCellTransport struct {
	directory   *CellDirectory
	dialTimeout time.Duration
	callTimeout time.Duration
	server      CellServer
}

// NewTCPCellTransport returns a transport resolving addresses through
// dir and, when Serve is run on the cell side, dispatching incoming
// requests to server.
func NewTCPCellTransport(dir *CellDirectory, server CellServer) *TCPCellTransport {
	return &TCPCellTransport{
		directory:   dir,
		dialTimeout: 2 * time.Second,
		callTimeout: 5 * time.Second,
		server:      server,
	}
}

func (t *TCPCellTransport) call(cellID string, typ messageType, req interface{}) error {
	addr, err := t.directory.Resolve(cellID)
	if err != nil {
		return err
	}
	conn, err := net.DialTimeout("tcp", addr, t.dialTimeout)
	if err != nil {
		return fmt.Errorf("tabletmanager: dial cell %s at %s: %w", cellID, addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(t.callTimeout))

	if err := encodeEnvelope(conn, typ, req); err != nil {
		return err
	}
	_, body, err := decodeEnvelope(bufio.NewReader(conn))
	if err != nil {
		return err
	}
	var ack ackResponse
	dec := msgpack.NewDecoderBytes(body, mh)
	if err := dec.Decode(&ack); err != nil {
		return err
	}
	if ack.Error != "" {
		return fmt.Errorf("tabletmanager: cell %s: %s", cellID, ack.Error)
	}
	return nil
}

func (t *TCPCellTransport) MountTablet(ctx context.Context, cellID string, req MountTabletRequest) error {
	return t.call(cellID, msgMountTablet, req)
}

func (t *TCPCellTransport) UnmountTablet(ctx context.Context, cellID string, req UnmountTabletRequest) error {
	return t.call(cellID, msgUnmountTablet, req)
}

func (t *TCPCellTransport) FreezeTablet(ctx context.Context, cellID string, req FreezeTabletRequest) error {
	return t.call(cellID, msgFreezeTablet, req)
}

func (t *TCPCellTransport) UnfreezeTablet(ctx context.Context, cellID string, req UnfreezeTabletRequest) error {
	return t.call(cellID, msgUnfreezeTablet, req)
}

func (t *TCPCellTransport) RemountTablet(ctx context.Context, cellID string, req RemountTabletRequest) error {
	return t.call(cellID, msgRemountTablet, req)
}

func (t *TCPCellTransport) AddTableReplica(ctx context.Context, cellID string, req AddTableReplicaRequest) error {
	return t.call(cellID, msgAddTableReplica, req)
}

func (t *TCPCellTransport) RemoveTableReplica(ctx context.Context, cellID string, req RemoveTableReplicaRequest) error {
	return t.call(cellID, msgRemoveTableReplica, req)
}

func (t *TCPCellTransport) AlterTableReplica(ctx context.Context, cellID string, req AlterTableReplicaRequest) error {
	return t.call(cellID, msgAlterTableReplica, req)
}

func (t *TCPCellTransport) LockTablet(ctx context.Context, cellID string, req LockTabletRequest) error {
	return t.call(cellID, msgLockTablet, req)
}

func (t *TCPCellTransport) UnlockTablet(ctx context.Context, cellID string, req UnlockTabletRequest) error {
	return t.call(cellID, msgUnlockTablet, req)
}

// Serve accepts connections from the master on listener and dispatches
// each request to t.server, the cell side of this transport. One
// connection carries exactly one request/reply pair, matching how the
// master's dial-per-call client behaves.
func (t *TCPCellTransport) Serve(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go t.handleConn(conn)
	}
}

func (t *TCPCellTransport) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	typ, body, err := decodeEnvelope(r)
	if err != nil {
		return
	}
	ack := t.dispatch(typ, body)
	encodeEnvelope(conn, typ, ack)
}

func (t *TCPCellTransport) dispatch(typ messageType, body []byte) ackResponse {
	decodeBody := func(v interface{}) error {
		dec := msgpack.NewDecoderBytes(body, mh)
		return dec.Decode(v)
	}
	ackErr := func(err error) ackResponse {
		if err != nil {
			return ackResponse{Error: err.Error()}
		}
		return ackResponse{}
	}

	switch typ {
	case msgMountTablet:
		var req MountTabletRequest
		if err := decodeBody(&req); err != nil {
			return ackErr(err)
		}
		return ackErr(t.server.HandleMountTablet(req))
	case msgUnmountTablet:
		var req UnmountTabletRequest
		if err := decodeBody(&req); err != nil {
			return ackErr(err)
		}
		return ackErr(t.server.HandleUnmountTablet(req))
	case msgFreezeTablet:
		var req FreezeTabletRequest
		if err := decodeBody(&req); err != nil {
			return ackErr(err)
		}
		return ackErr(t.server.HandleFreezeTablet(req))
	case msgUnfreezeTablet:
		var req UnfreezeTabletRequest
		if err := decodeBody(&req); err != nil {
			return ackErr(err)
		}
		return ackErr(t.server.HandleUnfreezeTablet(req))
	case msgRemountTablet:
		var req RemountTabletRequest
		if err := decodeBody(&req); err != nil {
			return ackErr(err)
		}
		return ackErr(t.server.HandleRemountTablet(req))
	case msgAddTableReplica:
		var req AddTableReplicaRequest
		if err := decodeBody(&req); err != nil {
			return ackErr(err)
		}
		return ackErr(t.server.HandleAddTableReplica(req))
	case msgRemoveTableReplica:
		var req RemoveTableReplicaRequest
		if err := decodeBody(&req); err != nil {
			return ackErr(err)
		}
		return ackErr(t.server.HandleRemoveTableReplica(req))
	case msgAlterTableReplica:
		var req AlterTableReplicaRequest
		if err := decodeBody(&req); err != nil {
			return ackErr(err)
		}
		return ackErr(t.server.HandleAlterTableReplica(req))
	case msgLockTablet:
		var req LockTabletRequest
		if err := decodeBody(&req); err != nil {
			return ackErr(err)
		}
		return ackErr(t.server.HandleLockTablet(req))
	case msgUnlockTablet:
		var req UnlockTabletRequest
		if err := decodeBody(&req); err != nil {
			return ackErr(err)
		}
		return ackErr(t.server.HandleUnlockTablet(req))
	default:
		return ackResponse{Error: fmt.Sprintf("tabletmanager: unknown message type %d", typ)}
	}
}

var _ CellClient = (*TCPCellTransport)(nil)
