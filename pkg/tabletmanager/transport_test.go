package tabletmanager

import (
	"context"
	"net"
	"testing"
)

type fakeCellServer struct {
	mounted   []MountTabletRequest
	unmounted []UnmountTabletRequest
	failNext  error
}

func (s *fakeCellServer) HandleMountTablet(req MountTabletRequest) error {
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	s.mounted = append(s.mounted, req)
	return nil
}
func (s *fakeCellServer) HandleUnmountTablet(req UnmountTabletRequest) error {
	s.unmounted = append(s.unmounted, req)
	return nil
}
func (s *fakeCellServer) HandleFreezeTablet(req FreezeTabletRequest) error     { return nil }
func (s *fakeCellServer) HandleUnfreezeTablet(req UnfreezeTabletRequest) error { return nil }
func (s *fakeCellServer) HandleRemountTablet(req RemountTabletRequest) error   { return nil }
func (s *fakeCellServer) HandleAddTableReplica(req AddTableReplicaRequest) error {
	return nil
}
func (s *fakeCellServer) HandleRemoveTableReplica(req RemoveTableReplicaRequest) error {
	return nil
}
func (s *fakeCellServer) HandleAlterTableReplica(req AlterTableReplicaRequest) error {
	return nil
}
func (s *fakeCellServer) HandleLockTablet(req LockTabletRequest) error     { return nil }
func (s *fakeCellServer) HandleUnlockTablet(req UnlockTabletRequest) error { return nil }

func newTestTransportPair(t *testing.T, server *fakeCellServer) (*TCPCellTransport, string) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	serverSide := NewTCPCellTransport(nil, server)
	go serverSide.Serve(listener)

	dir := NewCellDirectory()
	dir.Set("cellA", listener.Addr().String())
	clientSide := NewTCPCellTransport(dir, nil)
	return clientSide, listener.Addr().String()
}

func TestTCPCellTransportMountTabletRoundTrip(t *testing.T) {
	server := &fakeCellServer{}
	client, _ := newTestTransportPair(t, server)

	req := MountTabletRequest{TabletID: "tab1", MountRevision: 3, PivotKey: []byte("a")}
	if err := client.MountTablet(context.Background(), "cellA", req); err != nil {
		t.Fatalf("MountTablet() error = %v", err)
	}

	if len(server.mounted) != 1 {
		t.Fatalf("len(mounted) = %d, want 1", len(server.mounted))
	}
	if server.mounted[0].TabletID != "tab1" || server.mounted[0].MountRevision != 3 {
		t.Fatalf("mounted[0] = %+v, want TabletID=tab1 MountRevision=3", server.mounted[0])
	}
}

func TestTCPCellTransportUnmountTabletRoundTrip(t *testing.T) {
	server := &fakeCellServer{}
	client, _ := newTestTransportPair(t, server)

	req := UnmountTabletRequest{TabletID: "tab2", MountRevision: 1, Force: true}
	if err := client.UnmountTablet(context.Background(), "cellA", req); err != nil {
		t.Fatalf("UnmountTablet() error = %v", err)
	}
	if len(server.unmounted) != 1 || server.unmounted[0].TabletID != "tab2" {
		t.Fatalf("unmounted = %+v, want one request for tab2", server.unmounted)
	}
}

func TestTCPCellTransportPropagatesServerError(t *testing.T) {
	server := &fakeCellServer{failNext: errBoom}
	client, _ := newTestTransportPair(t, server)

	err := client.MountTablet(context.Background(), "cellA", MountTabletRequest{TabletID: "tab3"})
	if err == nil {
		t.Fatal("MountTablet() error = nil, want the server's failure surfaced")
	}
}

func TestTCPCellTransportUnknownCellFailsWithoutDialing(t *testing.T) {
	dir := NewCellDirectory()
	client := NewTCPCellTransport(dir, nil)

	err := client.MountTablet(context.Background(), "nowhere", MountTabletRequest{TabletID: "tab4"})
	if err == nil {
		t.Fatal("MountTablet() error = nil, want ErrUnknownCell")
	}
}
