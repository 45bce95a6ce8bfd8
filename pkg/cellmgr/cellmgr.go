// Package cellmgr implements the static peer directory for one consensus
// cell: who the voting and non-voting members are, how many are needed for
// quorum, and how to reach each of them. It holds no state machine of its
// own and is immutable for the lifetime of an epoch, the same way a
// raft.Configuration is frozen once a Raft instance is running.
package cellmgr

import (
	"fmt"
	"sync"
)

// PeerID identifies one member of a cell.
type PeerID string

// Peer describes one member of a cell: its network address and whether it
// holds a vote in quorum computations.
type Peer struct {
	ID      PeerID
	Address string
	Voting  bool
}

// Config describes the static membership of a cell at construction time.
type Config struct {
	SelfID PeerID
	Peers  []Peer
}

// ErrUnknownPeer is returned by Peer/ChannelTo for an id not in the cell.
type ErrUnknownPeer struct {
	ID PeerID
}

func (e *ErrUnknownPeer) Error() string {
	return fmt.Sprintf("cellmgr: unknown peer %q", e.ID)
}

// Channel is a handle used by the committer/follower layers to address a
// specific peer; concrete wire transport lives in pkg/hydra/transport.go.
type Channel struct {
	PeerID  PeerID
	Address string
}

// CellManager is the immutable-within-an-epoch directory of one cell's
// membership. All methods are safe for concurrent use.
type CellManager struct {
	mu     sync.RWMutex
	selfID PeerID
	peers  map[PeerID]Peer
	order  []PeerID // stable iteration order, by construction
}

// New builds a CellManager from a Config. The self id must appear among
// the peers.
func New(cfg Config) (*CellManager, error) {
	if len(cfg.Peers) == 0 {
		return nil, fmt.Errorf("cellmgr: cell must have at least one peer")
	}

	peers := make(map[PeerID]Peer, len(cfg.Peers))
	order := make([]PeerID, 0, len(cfg.Peers))
	foundSelf := false
	for _, p := range cfg.Peers {
		if _, dup := peers[p.ID]; dup {
			return nil, fmt.Errorf("cellmgr: duplicate peer id %q", p.ID)
		}
		peers[p.ID] = p
		order = append(order, p.ID)
		if p.ID == cfg.SelfID {
			foundSelf = true
		}
	}
	if !foundSelf {
		return nil, fmt.Errorf("cellmgr: self id %q not present in peer list", cfg.SelfID)
	}

	return &CellManager{
		selfID: cfg.SelfID,
		peers:  peers,
		order:  order,
	}, nil
}

// SelfID returns this process's peer id within the cell.
func (c *CellManager) SelfID() PeerID {
	return c.selfID
}

// PeerCount returns the total number of peers, voting and non-voting.
func (c *CellManager) PeerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.peers)
}

// VotingPeerCount returns the number of peers that hold a vote.
func (c *CellManager) VotingPeerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, p := range c.peers {
		if p.Voting {
			n++
		}
	}
	return n
}

// QuorumCount returns floor(voting_peer_count/2) + 1, the number of voting
// acknowledgements required to commit a mutation.
func (c *CellManager) QuorumCount() int {
	return c.VotingPeerCount()/2 + 1
}

// Peer returns the peer record for id, or ErrUnknownPeer.
func (c *CellManager) Peer(id PeerID) (Peer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.peers[id]
	if !ok {
		return Peer{}, &ErrUnknownPeer{ID: id}
	}
	return p, nil
}

// Peers returns a snapshot of all peers in stable construction order.
func (c *CellManager) Peers() []Peer {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Peer, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.peers[id])
	}
	return out
}

// VotingPeers returns only the peers that hold a vote, in stable order.
func (c *CellManager) VotingPeers() []Peer {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Peer, 0, len(c.order))
	for _, id := range c.order {
		if p := c.peers[id]; p.Voting {
			out = append(out, p)
		}
	}
	return out
}

// ChannelTo returns the addressing handle used to reach id.
func (c *CellManager) ChannelTo(id PeerID) (Channel, error) {
	p, err := c.Peer(id)
	if err != nil {
		return Channel{}, err
	}
	return Channel{PeerID: p.ID, Address: p.Address}, nil
}

// IsSelf reports whether id names this process.
func (c *CellManager) IsSelf(id PeerID) bool {
	return id == c.selfID
}
