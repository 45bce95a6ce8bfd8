package api

import (
	"context"
	"errors"
	"testing"
)

type fakeActionProposer struct {
	moveIDs, reshardIDs []string
	err                 error
}

func (f *fakeActionProposer) CreateMoveAction(tabletIDs, targetCellIDs []string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.moveIDs = append(f.moveIDs, tabletIDs...)
	return "move-1", nil
}

func (f *fakeActionProposer) CreateReshardAction(tabletIDs []string, pivotKeys [][]byte, tabletCount int) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.reshardIDs = append(f.reshardIDs, tabletIDs...)
	return "reshard-1", nil
}

func TestServerReshardTableDelegatesToActionProposer(t *testing.T) {
	proposer := &fakeActionProposer{}
	s := &Server{actions: proposer}

	resp, err := s.reshardTable(context.Background(), &ReshardTableRequest{TabletIDs: []string{"t1"}, TabletCount: 2})
	if err != nil {
		t.Fatalf("reshardTable() error = %v", err)
	}
	if resp.ActionID != "reshard-1" {
		t.Fatalf("ActionID = %q, want reshard-1", resp.ActionID)
	}
	if len(proposer.reshardIDs) != 1 || proposer.reshardIDs[0] != "t1" {
		t.Fatalf("reshardIDs = %v, want [t1]", proposer.reshardIDs)
	}
}

func TestServerMoveTableDelegatesToActionProposer(t *testing.T) {
	proposer := &fakeActionProposer{}
	s := &Server{actions: proposer}

	resp, err := s.moveTable(context.Background(), &MoveTableRequest{TabletIDs: []string{"t2"}, TargetCellIDs: []string{"c1"}})
	if err != nil {
		t.Fatalf("moveTable() error = %v", err)
	}
	if resp.ActionID != "move-1" {
		t.Fatalf("ActionID = %q, want move-1", resp.ActionID)
	}
}

func TestServerReshardTablePropagatesProposerError(t *testing.T) {
	proposer := &fakeActionProposer{err: errors.New("boom")}
	s := &Server{actions: proposer}

	if _, err := s.reshardTable(context.Background(), &ReshardTableRequest{TabletIDs: []string{"t1"}}); err == nil {
		t.Fatal("reshardTable() error = nil, want the proposer's failure surfaced")
	}
}
