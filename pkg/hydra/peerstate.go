package hydra

// PeerState is the leader's view of one follower's replication progress.
// Known is false, and NextExpectedSequence/LastLoggedSequence are zero,
// until the first successful AcceptMutations reply.
type PeerState struct {
	NextExpectedSequence uint64
	LastLoggedSequence   uint64
	Known                bool
}

// unknownSequence marks a PeerState that has never been pinged.
const unknownSequence = ^uint64(0)

func newPeerState() PeerState {
	return PeerState{NextExpectedSequence: 0, LastLoggedSequence: 0, Known: false}
}
