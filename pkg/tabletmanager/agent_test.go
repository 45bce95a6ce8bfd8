package tabletmanager

import (
	"net"
	"testing"
)

type lockRecordingHandler struct {
	fakeNotificationHandler
	locked []TabletLockedNotification
}

func (h *lockRecordingHandler) OnTabletLocked(n TabletLockedNotification) error {
	h.locked = append(h.locked, n)
	return nil
}

func newTestAgent(t *testing.T, handler NotificationHandler) *CellAgent {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	server := NewNotificationServer(handler)
	go server.Serve(listener)

	return NewCellAgent(NewMasterClient(listener.Addr().String()))
}

func TestAgentMountIsIdempotentByRevision(t *testing.T) {
	handler := &fakeNotificationHandler{}
	agent := newTestAgent(t, handler)

	req := MountTabletRequest{TabletID: "t1", MountRevision: 3}
	if err := agent.HandleMountTablet(req); err != nil {
		t.Fatalf("HandleMountTablet() error = %v", err)
	}
	if err := agent.HandleMountTablet(req); err != nil {
		t.Fatalf("HandleMountTablet() retry error = %v", err)
	}
	if len(handler.mounted) != 1 {
		t.Fatalf("len(mounted) = %d, want 1 (retry must not re-report)", len(handler.mounted))
	}
}

func TestAgentLockUnlockReportsHolderSet(t *testing.T) {
	handler := &lockRecordingHandler{}
	agent := newTestAgent(t, handler)

	if err := agent.HandleLockTablet(LockTabletRequest{TabletID: "t1", TransactionID: "txn-b", Timestamp: 10}); err != nil {
		t.Fatalf("HandleLockTablet() error = %v", err)
	}
	if err := agent.HandleLockTablet(LockTabletRequest{TabletID: "t1", TransactionID: "txn-a", Timestamp: 11}); err != nil {
		t.Fatalf("HandleLockTablet() error = %v", err)
	}

	if len(handler.locked) != 2 {
		t.Fatalf("len(locked) = %d, want 2", len(handler.locked))
	}
	got := handler.locked[1].TransactionIDs
	if len(got) != 2 || got[0] != "txn-a" || got[1] != "txn-b" {
		t.Fatalf("holder set = %v, want [txn-a txn-b] sorted", got)
	}

	if err := agent.HandleUnlockTablet(UnlockTabletRequest{TabletID: "t1", TransactionID: "txn-b", CommitTimestamp: 12}); err != nil {
		t.Fatalf("HandleUnlockTablet() error = %v", err)
	}
	got = handler.locked[2].TransactionIDs
	if len(got) != 1 || got[0] != "txn-a" {
		t.Fatalf("holder set after unlock = %v, want [txn-a]", got)
	}

	// Releasing an unheld lock is acknowledged without changing the set.
	if err := agent.HandleUnlockTablet(UnlockTabletRequest{TabletID: "t1", TransactionID: "txn-gone"}); err != nil {
		t.Fatalf("HandleUnlockTablet() on unheld lock error = %v", err)
	}
	got = handler.locked[3].TransactionIDs
	if len(got) != 1 || got[0] != "txn-a" {
		t.Fatalf("holder set = %v, want [txn-a] unchanged", got)
	}
}
