package hydra

import (
	"net"
	"testing"

	"github.com/zhigibig/hydra/pkg/automaton"
	"github.com/zhigibig/hydra/pkg/cellmgr"
)

type fakePeerServer struct {
	lastAccept *AcceptMutationsRequest
	pingCalls  int
}

func (s *fakePeerServer) HandleAcceptMutations(req *AcceptMutationsRequest) (*AcceptMutationsResponse, error) {
	s.lastAccept = req
	return &AcceptMutationsResponse{Term: req.Term, NextExpectedSequence: req.StartSequence + uint64(len(req.Records))}, nil
}
func (s *fakePeerServer) HandlePingFollower(req *PingFollowerRequest) (*PingFollowerResponse, error) {
	s.pingCalls++
	return &PingFollowerResponse{Term: req.Term, SequenceNumber: 5}, nil
}
func (s *fakePeerServer) HandleGetSnapshotInfo(req *GetSnapshotInfoRequest) (*GetSnapshotInfoResponse, error) {
	return &GetSnapshotInfoResponse{Found: false}, nil
}
func (s *fakePeerServer) HandleReadSnapshot(req *ReadSnapshotRequest) (*ReadSnapshotResponse, error) {
	return &ReadSnapshotResponse{EOF: true}, nil
}
func (s *fakePeerServer) HandleGetChangeLogInfo(req *GetChangeLogInfoRequest) (*GetChangeLogInfoResponse, error) {
	return &GetChangeLogInfoResponse{Found: false}, nil
}
func (s *fakePeerServer) HandleReadChangeLog(req *ReadChangeLogRequest) (*ReadChangeLogResponse, error) {
	return &ReadChangeLogResponse{}, nil
}
func (s *fakePeerServer) HandleForceRestart(req *ForceRestartRequest) (*ForceRestartResponse, error) {
	return &ForceRestartResponse{}, nil
}

func newTestTCPTransportPair(t *testing.T, server *fakePeerServer) PeerClient {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	serverSide := NewTCPTransport(&cellmgr.CellManager{}, server)
	go serverSide.Serve(listener)

	clientSide := NewTCPTransport(&cellmgr.CellManager{}, nil)
	return clientSide.ClientFor(listener.Addr().String())
}

func TestTCPTransportAcceptMutationsRoundTrip(t *testing.T) {
	server := &fakePeerServer{}
	client := newTestTCPTransportPair(t, server)

	req := &AcceptMutationsRequest{
		Term:          4,
		StartSequence: 10,
		Records: []automaton.Record{
			{Version: automaton.Version{SegmentID: 1, RecordID: 0}, Payload: []byte("a")},
		},
	}
	resp, err := client.AcceptMutations(req)
	if err != nil {
		t.Fatalf("AcceptMutations() error = %v", err)
	}
	if resp.Term != 4 || resp.NextExpectedSequence != 11 {
		t.Fatalf("response = %+v, want Term=4 NextExpectedSequence=11", resp)
	}
	if server.lastAccept == nil || server.lastAccept.StartSequence != 10 {
		t.Fatalf("server did not observe the request correctly: %+v", server.lastAccept)
	}
}

func TestTCPTransportPingFollowerRoundTrip(t *testing.T) {
	server := &fakePeerServer{}
	client := newTestTCPTransportPair(t, server)

	resp, err := client.PingFollower(&PingFollowerRequest{Term: 7})
	if err != nil {
		t.Fatalf("PingFollower() error = %v", err)
	}
	if resp.SequenceNumber != 5 {
		t.Fatalf("SequenceNumber = %d, want 5", resp.SequenceNumber)
	}
	if server.pingCalls != 1 {
		t.Fatalf("pingCalls = %d, want 1", server.pingCalls)
	}
}

func TestTCPTransportMultipleCallsOverSameConnectionType(t *testing.T) {
	server := &fakePeerServer{}
	client := newTestTCPTransportPair(t, server)

	if _, err := client.PingFollower(&PingFollowerRequest{Term: 1}); err != nil {
		t.Fatalf("first PingFollower() error = %v", err)
	}
	if _, err := client.PingFollower(&PingFollowerRequest{Term: 2}); err != nil {
		t.Fatalf("second PingFollower() error = %v", err)
	}
	if server.pingCalls != 2 {
		t.Fatalf("pingCalls = %d, want 2", server.pingCalls)
	}
}
