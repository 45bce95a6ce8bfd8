package tabletmanager

import (
	"net"
	"testing"
)

type fakeNotificationHandler struct {
	mounted    []TabletMountedNotification
	unmounted  []TabletUnmountedNotification
	trimmed    []UpdateTabletTrimmedRowCountNotification
	registered []RegisterCellRequest
	storeID    string
}

func (h *fakeNotificationHandler) OnTabletMounted(n TabletMountedNotification) error {
	h.mounted = append(h.mounted, n)
	return nil
}
func (h *fakeNotificationHandler) OnTabletUnmounted(n TabletUnmountedNotification) error {
	h.unmounted = append(h.unmounted, n)
	return nil
}
func (h *fakeNotificationHandler) OnTabletFrozen(n TabletFrozenNotification) error     { return nil }
func (h *fakeNotificationHandler) OnTabletUnfrozen(n TabletUnfrozenNotification) error { return nil }
func (h *fakeNotificationHandler) OnTableReplicaEnabled(n TableReplicaEnabledNotification) error {
	return nil
}
func (h *fakeNotificationHandler) OnTableReplicaDisabled(n TableReplicaDisabledNotification) error {
	return nil
}
func (h *fakeNotificationHandler) OnUpdateTableReplicaStatistics(n UpdateTableReplicaStatisticsNotification) error {
	return nil
}
func (h *fakeNotificationHandler) OnTabletLocked(n TabletLockedNotification) error { return nil }
func (h *fakeNotificationHandler) OnUpdateTabletTrimmedRowCount(n UpdateTabletTrimmedRowCountNotification) error {
	h.trimmed = append(h.trimmed, n)
	return nil
}
func (h *fakeNotificationHandler) AllocateDynamicStore(tabletID string) (string, error) {
	return h.storeID, nil
}
func (h *fakeNotificationHandler) OnRegisterCell(req RegisterCellRequest) error {
	h.registered = append(h.registered, req)
	return nil
}

func newTestNotificationPair(t *testing.T, handler *fakeNotificationHandler) *MasterClient {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	server := NewNotificationServer(handler)
	go server.Serve(listener)

	return NewMasterClient(listener.Addr().String())
}

func TestMasterClientReportTabletMountedReachesHandler(t *testing.T) {
	handler := &fakeNotificationHandler{}
	client := newTestNotificationPair(t, handler)

	if err := client.ReportTabletMounted(TabletMountedNotification{TabletID: "t1", MountRevision: 2, Frozen: true}); err != nil {
		t.Fatalf("ReportTabletMounted() error = %v", err)
	}

	if len(handler.mounted) != 1 {
		t.Fatalf("len(mounted) = %d, want 1", len(handler.mounted))
	}
	if handler.mounted[0].TabletID != "t1" || !handler.mounted[0].Frozen {
		t.Fatalf("mounted[0] = %+v, want TabletID=t1 Frozen=true", handler.mounted[0])
	}
}

func TestMasterClientReportTabletUnmountedReachesHandler(t *testing.T) {
	handler := &fakeNotificationHandler{}
	client := newTestNotificationPair(t, handler)

	if err := client.ReportTabletUnmounted(TabletUnmountedNotification{TabletID: "t2", MountRevision: 5}); err != nil {
		t.Fatalf("ReportTabletUnmounted() error = %v", err)
	}
	if len(handler.unmounted) != 1 {
		t.Fatalf("len(unmounted) = %d, want 1", len(handler.unmounted))
	}
	if handler.unmounted[0].MountRevision != 5 {
		t.Fatalf("unmounted[0].MountRevision = %d, want 5", handler.unmounted[0].MountRevision)
	}
}

func TestMasterClientAllocateDynamicStoreReturnsID(t *testing.T) {
	handler := &fakeNotificationHandler{storeID: "store-123"}
	client := newTestNotificationPair(t, handler)

	id, err := client.AllocateDynamicStore("t3")
	if err != nil {
		t.Fatalf("AllocateDynamicStore() error = %v", err)
	}
	if id != "store-123" {
		t.Fatalf("AllocateDynamicStore() = %q, want store-123", id)
	}
}

func TestMasterClientAllocateDynamicStoreEmptyIDIsError(t *testing.T) {
	handler := &fakeNotificationHandler{storeID: ""}
	client := newTestNotificationPair(t, handler)

	if _, err := client.AllocateDynamicStore("t4"); err == nil {
		t.Fatal("AllocateDynamicStore() error = nil, want an error for an empty store id")
	}
}
