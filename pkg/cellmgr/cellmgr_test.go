package cellmgr

import "testing"

func threePeerConfig() Config {
	return Config{
		SelfID: "peer-a",
		Peers: []Peer{
			{ID: "peer-a", Address: "10.0.0.1:9000", Voting: true},
			{ID: "peer-b", Address: "10.0.0.2:9000", Voting: true},
			{ID: "peer-c", Address: "10.0.0.3:9000", Voting: true},
		},
	}
}

func TestNewRejectsMissingSelf(t *testing.T) {
	cfg := threePeerConfig()
	cfg.SelfID = "nowhere"

	if _, err := New(cfg); err == nil {
		t.Fatal("expected error when self id is not in the peer list")
	}
}

func TestNewRejectsDuplicatePeer(t *testing.T) {
	cfg := threePeerConfig()
	cfg.Peers = append(cfg.Peers, Peer{ID: "peer-a", Address: "dup:1", Voting: true})

	if _, err := New(cfg); err == nil {
		t.Fatal("expected error on duplicate peer id")
	}
}

func TestNewRejectsEmptyCell(t *testing.T) {
	if _, err := New(Config{SelfID: "x"}); err == nil {
		t.Fatal("expected error on empty peer list")
	}
}

func TestQuorumCount(t *testing.T) {
	tests := []struct {
		voting int
		want   int
	}{
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 3},
		{5, 3},
		{7, 4},
	}

	for _, tt := range tests {
		peers := make([]Peer, tt.voting)
		for i := range peers {
			peers[i] = Peer{ID: PeerID(rune('a' + i)), Address: "x", Voting: true}
		}
		cm, err := New(Config{SelfID: peers[0].ID, Peers: peers})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := cm.QuorumCount(); got != tt.want {
			t.Errorf("voting=%d: QuorumCount() = %d, want %d", tt.voting, got, tt.want)
		}
	}
}

func TestQuorumCountIgnoresNonVoting(t *testing.T) {
	cfg := threePeerConfig()
	cfg.Peers = append(cfg.Peers, Peer{ID: "observer", Address: "10.0.0.4:9000", Voting: false})

	cm, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := cm.PeerCount(); got != 4 {
		t.Errorf("PeerCount() = %d, want 4", got)
	}
	if got := cm.VotingPeerCount(); got != 3 {
		t.Errorf("VotingPeerCount() = %d, want 3", got)
	}
	if got := cm.QuorumCount(); got != 2 {
		t.Errorf("QuorumCount() = %d, want 2", got)
	}
}

func TestPeerAndChannelTo(t *testing.T) {
	cm, err := New(threePeerConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p, err := cm.Peer("peer-b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Address != "10.0.0.2:9000" {
		t.Errorf("Peer(peer-b).Address = %q, want %q", p.Address, "10.0.0.2:9000")
	}

	ch, err := cm.ChannelTo("peer-c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.Address != "10.0.0.3:9000" {
		t.Errorf("ChannelTo(peer-c).Address = %q, want %q", ch.Address, "10.0.0.3:9000")
	}

	if _, err := cm.Peer("ghost"); err == nil {
		t.Fatal("expected ErrUnknownPeer for missing peer")
	}
}

func TestIsSelf(t *testing.T) {
	cm, err := New(threePeerConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !cm.IsSelf("peer-a") {
		t.Error("IsSelf(peer-a) should be true")
	}
	if cm.IsSelf("peer-b") {
		t.Error("IsSelf(peer-b) should be false")
	}
	if cm.SelfID() != "peer-a" {
		t.Errorf("SelfID() = %q, want peer-a", cm.SelfID())
	}
}
