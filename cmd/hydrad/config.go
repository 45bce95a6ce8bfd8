package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zhigibig/hydra/pkg/cellmgr"
)

// clusterConfig is the YAML shape of a cells file: the fixed peer set
// of one consensus group, with per-peer voting flags. The peer set does
// not change within an epoch, so this file is read once at startup.
//
//	peers:
//	  - id: a
//	    address: 10.0.0.1:9101
//	    voting: true
//	  - id: b
//	    address: 10.0.0.2:9101
//	    voting: true
//	  - id: c
//	    address: 10.0.0.3:9101
//	    voting: false
type clusterConfig struct {
	Peers []peerConfig `yaml:"peers"`
}

type peerConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	Voting  bool   `yaml:"voting"`
}

// loadClusterConfig reads a cells file and selects selfID as the local
// peer.
func loadClusterConfig(path, selfID string) (cellmgr.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cellmgr.Config{}, fmt.Errorf("read cluster config: %w", err)
	}
	var cc clusterConfig
	if err := yaml.Unmarshal(data, &cc); err != nil {
		return cellmgr.Config{}, fmt.Errorf("parse cluster config: %w", err)
	}
	if len(cc.Peers) == 0 {
		return cellmgr.Config{}, fmt.Errorf("cluster config %s lists no peers", path)
	}
	cfg := cellmgr.Config{SelfID: cellmgr.PeerID(selfID)}
	for _, p := range cc.Peers {
		if p.ID == "" || p.Address == "" {
			return cellmgr.Config{}, fmt.Errorf("cluster config %s: every peer needs an id and an address", path)
		}
		cfg.Peers = append(cfg.Peers, cellmgr.Peer{ID: cellmgr.PeerID(p.ID), Address: p.Address, Voting: p.Voting})
	}
	return cfg, nil
}
