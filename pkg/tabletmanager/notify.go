package tabletmanager

import (
	"bufio"
	"fmt"
	"net"
	"time"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"
)

// Notification message types occupy a disjoint range from the
// lifecycle-request types in transport.go since they travel the
// opposite direction (cell leader -> master) over their own listener.
const (
	msgTabletMounted messageType = iota + 101
	msgTabletUnmounted
	msgTabletFrozen
	msgTabletUnfrozen
	msgTableReplicaEnabled
	msgTableReplicaDisabled
	msgUpdateTableReplicaStatistics
	msgTabletLocked
	msgUpdateTabletTrimmedRowCount
	msgAllocateDynamicStore
	msgRegisterCell
)

// NotificationHandler is implemented by the master-side controller to
// absorb asynchronous reports from cells. *Controller satisfies this
// directly through its On* methods.
type NotificationHandler interface {
	OnTabletMounted(n TabletMountedNotification) error
	OnTabletUnmounted(n TabletUnmountedNotification) error
	OnTabletFrozen(n TabletFrozenNotification) error
	OnTabletUnfrozen(n TabletUnfrozenNotification) error
	OnTableReplicaEnabled(n TableReplicaEnabledNotification) error
	OnTableReplicaDisabled(n TableReplicaDisabledNotification) error
	OnUpdateTableReplicaStatistics(n UpdateTableReplicaStatisticsNotification) error
	OnTabletLocked(n TabletLockedNotification) error
	OnUpdateTabletTrimmedRowCount(n UpdateTabletTrimmedRowCountNotification) error
	AllocateDynamicStore(tabletID string) (string, error)
	OnRegisterCell(req RegisterCellRequest) error
}

// NotificationServer runs on the master and accepts one connection per
// reported event from whichever cell leader currently owns a tablet.
type NotificationServer struct {
	handler NotificationHandler
}

// NewNotificationServer wires a server dispatching to handler.
func NewNotificationServer(handler NotificationHandler) *NotificationServer {
	return &NotificationServer{handler: handler}
}

// Serve accepts connections on listener until it is closed.
func (s *NotificationServer) Serve(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *NotificationServer) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	typ, body, err := decodeEnvelope(r)
	if err != nil {
		return
	}

	decodeBody := func(v interface{}) error {
		dec := msgpack.NewDecoderBytes(body, mh)
		return dec.Decode(v)
	}

	switch typ {
	case msgTabletMounted:
		var n TabletMountedNotification
		if decodeBody(&n) == nil {
			s.handler.OnTabletMounted(n)
		}
		encodeEnvelope(conn, typ, ackResponse{})
	case msgTabletUnmounted:
		var n TabletUnmountedNotification
		if decodeBody(&n) == nil {
			s.handler.OnTabletUnmounted(n)
		}
		encodeEnvelope(conn, typ, ackResponse{})
	case msgTabletFrozen:
		var n TabletFrozenNotification
		if decodeBody(&n) == nil {
			s.handler.OnTabletFrozen(n)
		}
		encodeEnvelope(conn, typ, ackResponse{})
	case msgTabletUnfrozen:
		var n TabletUnfrozenNotification
		if decodeBody(&n) == nil {
			s.handler.OnTabletUnfrozen(n)
		}
		encodeEnvelope(conn, typ, ackResponse{})
	case msgTableReplicaEnabled:
		var n TableReplicaEnabledNotification
		if decodeBody(&n) == nil {
			s.handler.OnTableReplicaEnabled(n)
		}
		encodeEnvelope(conn, typ, ackResponse{})
	case msgTableReplicaDisabled:
		var n TableReplicaDisabledNotification
		if decodeBody(&n) == nil {
			s.handler.OnTableReplicaDisabled(n)
		}
		encodeEnvelope(conn, typ, ackResponse{})
	case msgUpdateTableReplicaStatistics:
		var n UpdateTableReplicaStatisticsNotification
		if decodeBody(&n) == nil {
			s.handler.OnUpdateTableReplicaStatistics(n)
		}
		encodeEnvelope(conn, typ, ackResponse{})
	case msgTabletLocked:
		var n TabletLockedNotification
		if decodeBody(&n) == nil {
			s.handler.OnTabletLocked(n)
		}
		encodeEnvelope(conn, typ, ackResponse{})
	case msgUpdateTabletTrimmedRowCount:
		var n UpdateTabletTrimmedRowCountNotification
		if decodeBody(&n) == nil {
			s.handler.OnUpdateTabletTrimmedRowCount(n)
		}
		encodeEnvelope(conn, typ, ackResponse{})
	case msgAllocateDynamicStore:
		var req AllocateDynamicStoreRequest
		resp := AllocateDynamicStoreResponse{}
		if decodeBody(&req) == nil {
			if id, err := s.handler.AllocateDynamicStore(req.TabletID); err == nil {
				resp.StoreID = id
			}
		}
		encodeEnvelope(conn, typ, resp)
	case msgRegisterCell:
		var req RegisterCellRequest
		if decodeBody(&req) == nil {
			s.handler.OnRegisterCell(req)
		}
		encodeEnvelope(conn, typ, ackResponse{})
	}
}

// MasterClient is the cell-side handle used to report events back to
// the master and to request freshly minted dynamic store ids.
type MasterClient struct {
	addr        string
	dialTimeout time.Duration
	callTimeout time.Duration
}

// NewMasterClient returns a client reporting to the master listening at
// addr.
func NewMasterClient(addr string) *MasterClient {
	return &MasterClient{
		addr:        addr,
		dialTimeout: 2 * time.Second,
		callTimeout: 5 * time.Second,
	}
}

func (c *MasterClient) send(typ messageType, body interface{}, resp interface{}) error {
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return fmt.Errorf("tabletmanager: dial master at %s: %w", c.addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.callTimeout))

	if err := encodeEnvelope(conn, typ, body); err != nil {
		return err
	}
	_, respBody, err := decodeEnvelope(bufio.NewReader(conn))
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	dec := msgpack.NewDecoderBytes(respBody, mh)
	return dec.Decode(resp)
}

func (c *MasterClient) ReportTabletMounted(n TabletMountedNotification) error {
	return c.send(msgTabletMounted, n, nil)
}

func (c *MasterClient) ReportTabletUnmounted(n TabletUnmountedNotification) error {
	return c.send(msgTabletUnmounted, n, nil)
}

func (c *MasterClient) ReportTabletFrozen(n TabletFrozenNotification) error {
	return c.send(msgTabletFrozen, n, nil)
}

func (c *MasterClient) ReportTabletUnfrozen(n TabletUnfrozenNotification) error {
	return c.send(msgTabletUnfrozen, n, nil)
}

func (c *MasterClient) ReportTableReplicaEnabled(n TableReplicaEnabledNotification) error {
	return c.send(msgTableReplicaEnabled, n, nil)
}

func (c *MasterClient) ReportTableReplicaDisabled(n TableReplicaDisabledNotification) error {
	return c.send(msgTableReplicaDisabled, n, nil)
}

func (c *MasterClient) ReportUpdateTableReplicaStatistics(n UpdateTableReplicaStatisticsNotification) error {
	return c.send(msgUpdateTableReplicaStatistics, n, nil)
}

func (c *MasterClient) ReportTabletLocked(n TabletLockedNotification) error {
	return c.send(msgTabletLocked, n, nil)
}

func (c *MasterClient) ReportUpdateTabletTrimmedRowCount(n UpdateTabletTrimmedRowCountNotification) error {
	return c.send(msgUpdateTabletTrimmedRowCount, n, nil)
}

// RegisterCell announces this cell's lifecycle address to the master.
func (c *MasterClient) RegisterCell(req RegisterCellRequest) error {
	return c.send(msgRegisterCell, req, nil)
}

// AllocateDynamicStore asks the master for a new dynamic store id.
// Unlike every other catalog-visible identifier, dynamic store ids are
// never replayed through the automaton: they are opaque handles a cell
// manages locally, so a plain uuid.New() on the master side (rather
// than the deterministic per-mutation RNG used inside Apply) is
// correct here.
func (c *MasterClient) AllocateDynamicStore(tabletID string) (string, error) {
	var resp AllocateDynamicStoreResponse
	if err := c.send(msgAllocateDynamicStore, AllocateDynamicStoreRequest{TabletID: tabletID}, &resp); err != nil {
		return "", err
	}
	if resp.StoreID == "" {
		return "", fmt.Errorf("tabletmanager: master returned no store id")
	}
	return resp.StoreID, nil
}
