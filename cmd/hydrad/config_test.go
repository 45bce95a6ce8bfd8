package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhigibig/hydra/pkg/cellmgr"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cells.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadClusterConfig(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		selfID    string
		wantErr   bool
		wantPeers []cellmgr.Peer
	}{
		{
			name: "three peers with mixed voting",
			yaml: `peers:
  - id: a
    address: 10.0.0.1:9101
    voting: true
  - id: b
    address: 10.0.0.2:9101
    voting: true
  - id: c
    address: 10.0.0.3:9101
    voting: false
`,
			selfID: "a",
			wantPeers: []cellmgr.Peer{
				{ID: "a", Address: "10.0.0.1:9101", Voting: true},
				{ID: "b", Address: "10.0.0.2:9101", Voting: true},
				{ID: "c", Address: "10.0.0.3:9101", Voting: false},
			},
		},
		{
			name:    "empty peer list",
			yaml:    "peers: []\n",
			selfID:  "a",
			wantErr: true,
		},
		{
			name: "peer missing address",
			yaml: `peers:
  - id: a
    voting: true
`,
			selfID:  "a",
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			yaml:    "peers: [unterminated\n",
			selfID:  "a",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadClusterConfig(writeConfig(t, tt.yaml), tt.selfID)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, cellmgr.PeerID(tt.selfID), cfg.SelfID)
			assert.Equal(t, tt.wantPeers, cfg.Peers)
		})
	}
}

func TestLoadClusterConfigMissingFile(t *testing.T) {
	_, err := loadClusterConfig(filepath.Join(t.TempDir(), "absent.yaml"), "a")
	assert.Error(t, err)
}

func TestParsePeers(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		wantIDs []cellmgr.PeerID
	}{
		{name: "two peers", raw: "a=host:1,b=host:2", wantIDs: []cellmgr.PeerID{"a", "b"}},
		{name: "trailing comma tolerated", raw: "a=host:1,", wantIDs: []cellmgr.PeerID{"a"}},
		{name: "missing addr", raw: "a", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parsePeers(tt.raw, "a")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			var ids []cellmgr.PeerID
			for _, p := range cfg.Peers {
				ids = append(ids, p.ID)
				assert.True(t, p.Voting)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}
