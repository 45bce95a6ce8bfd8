// Command hydrad runs one node of a Hydra cluster: either a master
// (tablet catalog + operator API + balancer) or a cell (tablet
// hosting, replicated through its own Hydra instance).
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/raft"
	"github.com/spf13/cobra"

	"github.com/zhigibig/hydra/pkg/api"
	"github.com/zhigibig/hydra/pkg/automaton"
	"github.com/zhigibig/hydra/pkg/balancer"
	"github.com/zhigibig/hydra/pkg/cellmgr"
	"github.com/zhigibig/hydra/pkg/changelog"
	"github.com/zhigibig/hydra/pkg/events"
	"github.com/zhigibig/hydra/pkg/hydra"
	"github.com/zhigibig/hydra/pkg/log"
	"github.com/zhigibig/hydra/pkg/metrics"
	"github.com/zhigibig/hydra/pkg/snapshotstore"
	"github.com/zhigibig/hydra/pkg/tablet"
	"github.com/zhigibig/hydra/pkg/tabletmanager"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "hydrad",
	Short:   "hydrad runs a Hydra master or cell node",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("hydrad version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(masterCmd)
	rootCmd.AddCommand(cellCmd)

	masterCmd.Flags().String("node-id", "", "this peer's id within the master cell")
	masterCmd.Flags().String("peers", "", "comma-separated id=raft_addr pairs for the master cell")
	masterCmd.Flags().String("config", "", "cells YAML file listing peer id, address, and voting flag (overrides --peers)")
	masterCmd.Flags().String("data-dir", "/var/lib/hydra/master", "data directory for changelog, snapshots, and raft state")
	masterCmd.Flags().String("raft-bind-addr", "127.0.0.1:9001", "address this node's election raft listens on")
	masterCmd.Flags().String("peer-bind-addr", "127.0.0.1:9101", "address this node's peer replication transport listens on")
	masterCmd.Flags().String("api-addr", "127.0.0.1:9443", "address the operator gRPC API listens on")
	masterCmd.Flags().String("metrics-addr", "127.0.0.1:9102", "address the Prometheus /metrics and /healthz endpoints listen on")
	masterCmd.Flags().String("notify-addr", "0.0.0.0:9501", "address the cell-report notification server listens on")
	masterCmd.Flags().Bool("bootstrap", false, "bootstrap a new master cell from --peers")
	masterCmd.Flags().String("cluster-id", "hydra", "cluster id the CA encryption key is derived from; must match on every master peer")
	masterCmd.MarkFlagRequired("node-id")

	cellCmd.Flags().String("cell-id", "", "this tablet cell's catalog id")
	cellCmd.Flags().String("node-id", "", "this peer's id within the cell")
	cellCmd.Flags().String("peers", "", "comma-separated id=raft_addr pairs for this cell")
	cellCmd.Flags().String("config", "", "cells YAML file listing peer id, address, and voting flag (overrides --peers)")
	cellCmd.Flags().String("data-dir", "/var/lib/hydra/cell", "data directory for changelog, snapshots, and raft state")
	cellCmd.Flags().String("raft-bind-addr", "127.0.0.1:9201", "address this node's election raft listens on")
	cellCmd.Flags().String("peer-bind-addr", "127.0.0.1:9301", "address this node's peer replication transport listens on")
	cellCmd.Flags().String("lifecycle-addr", "127.0.0.1:9401", "address this node's lifecycle transport listens on, dialed by the master")
	cellCmd.Flags().String("master-addr", "127.0.0.1:9501", "address the master's notification server listens on")
	cellCmd.Flags().String("metrics-addr", "127.0.0.1:9202", "address the Prometheus /metrics and /healthz endpoints listen on")
	cellCmd.Flags().Bool("bootstrap", false, "bootstrap a new cell from --peers")
	cellCmd.MarkFlagRequired("cell-id")
	cellCmd.MarkFlagRequired("node-id")
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

// parsePeers turns "a=host:1,b=host:2" into a cellmgr.Config selecting
// selfID as the local peer. Every peer given this way is voting;
// non-voting peers need the YAML cells file (--config), which carries a
// per-peer voting flag.
func parsePeers(raw, selfID string) (cellmgr.Config, error) {
	cfg := cellmgr.Config{SelfID: cellmgr.PeerID(selfID)}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return cellmgr.Config{}, fmt.Errorf("invalid peer entry %q, want id=addr", part)
		}
		cfg.Peers = append(cfg.Peers, cellmgr.Peer{ID: cellmgr.PeerID(kv[0]), Address: kv[1], Voting: true})
	}
	return cfg, nil
}

// resolvePeers builds the cell's peer set from --config when given,
// falling back to the inline --peers flag; at least one of the two must
// be present, and --config takes precedence when both are.
func resolvePeers(cmd *cobra.Command, selfID string) (cellmgr.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	peersRaw, _ := cmd.Flags().GetString("peers")
	if configPath != "" {
		return loadClusterConfig(configPath, selfID)
	}
	if peersRaw == "" {
		return cellmgr.Config{}, fmt.Errorf("either --config or --peers is required")
	}
	return parsePeers(peersRaw, selfID)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", metrics.LivenessHandler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Logger.Error().Err(err).Str("addr", addr).Msg("metrics listener exited")
		}
	}()
}

// logEvents drains broker until stopped, logging each published event at
// a level matching its severity; this is the simplest subscriber and
// doubles as the operator-visible audit trail DESIGN.md describes.
func logEvents(broker *events.Broker) {
	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			entry := log.Logger.Info()
			if ev.Type == events.EventInvariantAlert || ev.Type == events.EventActionFailed || ev.Type == events.EventCellLeaderLost {
				entry = log.Logger.Warn()
			}
			entry.Str("event", string(ev.Type)).Str("tablet_id", ev.TabletID).Str("cell_id", ev.CellID).Str("action_id", ev.ActionID).Msg(ev.Message)
		}
	}()
}

// registerWithMaster announces this cell's lifecycle address so the
// master can route mount/unmount/freeze requests to it and health-probe
// it; retried with truncated exponential backoff since the master may
// not be reachable yet when a cell starts.
func registerWithMaster(master *tabletmanager.MasterClient, cellID, lifecycleAddr string) {
	backoff := 200 * time.Millisecond
	const maxBackoff = 10 * time.Second
	for {
		err := master.RegisterCell(tabletmanager.RegisterCellRequest{
			CellID:          cellID,
			Address:         lifecycleAddr,
			MountConfigKeys: tabletmanager.KnownMountConfigKeys,
		})
		if err == nil {
			return
		}
		log.Logger.Warn().Err(err).Str("cell_id", cellID).Dur("retry_in", backoff).Msg("cell registration with master failed, retrying")
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "run a Hydra master node hosting the tablet catalog",
	RunE:  runMaster,
}

func runMaster(cmd *cobra.Command, args []string) error {
	nodeID, _ := cmd.Flags().GetString("node-id")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	raftBindAddr, _ := cmd.Flags().GetString("raft-bind-addr")
	peerBindAddr, _ := cmd.Flags().GetString("peer-bind-addr")
	apiAddr, _ := cmd.Flags().GetString("api-addr")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	notifyAddr, _ := cmd.Flags().GetString("notify-addr")
	bootstrap, _ := cmd.Flags().GetBool("bootstrap")
	clusterID, _ := cmd.Flags().GetString("cluster-id")

	cellsCfg, err := resolvePeers(cmd, nodeID)
	if err != nil {
		return err
	}
	cells, err := cellmgr.New(cellsCfg)
	if err != nil {
		return fmt.Errorf("master: cell manager: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("master: data dir: %w", err)
	}
	changes, err := changelog.Open(dataDir + "/changelog")
	if err != nil {
		return fmt.Errorf("master: changelog: %w", err)
	}
	defer changes.Close()
	snaps, err := snapshotstore.Open(dataDir + "/snapshots")
	if err != nil {
		return fmt.Errorf("master: snapshot store: %w", err)
	}

	if err := initializeCA(changes, clusterID, nodeID, apiAddr); err != nil {
		return fmt.Errorf("master: certificate authority: %w", err)
	}

	catalog := tablet.NewCatalog()
	catalog.RegisterLocalMountConfigKeys(tabletmanager.KnownMountConfigKeys)
	var decorated *automaton.Decorated
	catalogAut := tablet.NewCatalogAutomaton(catalog, func() *automaton.MutationContext {
		return decorated.MutationContext()
	})
	decorated = automaton.New(catalogAut)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	logEvents(broker)

	master := hydra.NewCell(cells, changes, snaps, decorated)
	master.SetEventBroker(broker)

	raftTransport, err := raft.NewTCPTransport(raftBindAddr, nil, 3, 0, os.Stderr)
	if err != nil {
		return fmt.Errorf("master: raft transport: %w", err)
	}

	if err := master.Start(hydra.ElectorConfig{
		DataDir:   dataDir + "/raft",
		BindAddr:  raftBindAddr,
		Transport: raftTransport,
		Bootstrap: bootstrap,
	}); err != nil {
		return fmt.Errorf("master: start: %w", err)
	}
	metrics.SetVersion(Version)
	metrics.RegisterComponent("raft", true, "elector started")

	peerListener, err := net.Listen("tcp", peerBindAddr)
	if err != nil {
		return fmt.Errorf("master: peer listener: %w", err)
	}
	go func() {
		if err := master.Serve(peerListener); err != nil {
			log.Logger.Error().Err(err).Msg("master peer transport exited")
		}
	}()

	cellDir := tabletmanager.NewCellDirectory()
	cellClient := tabletmanager.NewTCPCellTransport(cellDir, nil)
	ctrl := tabletmanager.NewController(master, catalogAut, cellClient, cellDir)
	ctrl.SetEventBroker(broker)
	defer ctrl.Stop()

	healthMon := tabletmanager.NewCellHealthMonitor(ctrl, cellDir)
	healthMon.Start()
	defer healthMon.Stop()

	notifyServer := tabletmanager.NewNotificationServer(ctrl)
	notifyListener, err := net.Listen("tcp", notifyAddr)
	if err != nil {
		return fmt.Errorf("master: notification listener: %w", err)
	}
	go func() {
		if err := notifyServer.Serve(notifyListener); err != nil {
			log.Logger.Error().Err(err).Msg("notification server exited")
		}
	}()

	actions := tabletmanager.NewActionDriver(ctrl)
	ctrl.SetActionKicker(actions.KickOrphanedTabletActions)
	actions.Start()
	defer actions.Stop()

	bal := balancer.NewBalancer(catalog, actions)
	bal.Start()
	defer bal.Stop()

	server, err := api.NewServer(ctrl, actions, "master", nodeID)
	if err != nil {
		return fmt.Errorf("master: api server: %w", err)
	}
	go func() {
		if err := server.Start(apiAddr); err != nil {
			log.Logger.Error().Err(err).Msg("operator api server exited")
		}
	}()
	defer server.Stop()
	metrics.RegisterComponent("api", true, "operator api server started")

	serveMetrics(metricsAddr)

	log.Logger.Info().Str("node_id", nodeID).Str("api_addr", apiAddr).Msg("master node started")
	waitForSignal()
	log.Logger.Info().Msg("master node shutting down")
	return nil
}

var cellCmd = &cobra.Command{
	Use:   "cell",
	Short: "run a Hydra cell node hosting tablets",
	RunE:  runCell,
}

func runCell(cmd *cobra.Command, args []string) error {
	cellID, _ := cmd.Flags().GetString("cell-id")
	nodeID, _ := cmd.Flags().GetString("node-id")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	raftBindAddr, _ := cmd.Flags().GetString("raft-bind-addr")
	peerBindAddr, _ := cmd.Flags().GetString("peer-bind-addr")
	lifecycleAddr, _ := cmd.Flags().GetString("lifecycle-addr")
	masterAddr, _ := cmd.Flags().GetString("master-addr")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	bootstrap, _ := cmd.Flags().GetBool("bootstrap")

	cellsCfg, err := resolvePeers(cmd, nodeID)
	if err != nil {
		return err
	}
	cells, err := cellmgr.New(cellsCfg)
	if err != nil {
		return fmt.Errorf("cell: cell manager: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("cell: data dir: %w", err)
	}
	changes, err := changelog.Open(dataDir + "/changelog")
	if err != nil {
		return fmt.Errorf("cell: changelog: %w", err)
	}
	defer changes.Close()
	snaps, err := snapshotstore.Open(dataDir + "/snapshots")
	if err != nil {
		return fmt.Errorf("cell: snapshot store: %w", err)
	}

	store := newKVStore()
	decorated := automaton.New(store)
	cell := hydra.NewCell(cells, changes, snaps, decorated)

	raftTransport, err := raft.NewTCPTransport(raftBindAddr, nil, 3, 0, os.Stderr)
	if err != nil {
		return fmt.Errorf("cell: raft transport: %w", err)
	}

	if err := cell.Start(hydra.ElectorConfig{
		DataDir:   dataDir + "/raft",
		BindAddr:  raftBindAddr,
		Transport: raftTransport,
		Bootstrap: bootstrap,
	}); err != nil {
		return fmt.Errorf("cell: start: %w", err)
	}
	metrics.SetVersion(Version)
	metrics.RegisterComponent("raft", true, "elector started")

	peerListener, err := net.Listen("tcp", peerBindAddr)
	if err != nil {
		return fmt.Errorf("cell: peer listener: %w", err)
	}
	go func() {
		if err := cell.Serve(peerListener); err != nil {
			log.Logger.Error().Err(err).Msg("cell peer transport exited")
		}
	}()

	master := tabletmanager.NewMasterClient(masterAddr)
	agent := tabletmanager.NewCellAgent(master)
	lifecycleListener, err := net.Listen("tcp", lifecycleAddr)
	if err != nil {
		return fmt.Errorf("cell: lifecycle listener: %w", err)
	}
	lifecycleTransport := tabletmanager.NewTCPCellTransport(nil, agent)
	go func() {
		if err := lifecycleTransport.Serve(lifecycleListener); err != nil {
			log.Logger.Error().Err(err).Msg("lifecycle transport exited")
		}
	}()

	go registerWithMaster(master, cellID, lifecycleAddr)

	serveMetrics(metricsAddr)

	log.Logger.Info().Str("cell_id", cellID).Str("node_id", nodeID).Str("lifecycle_addr", lifecycleAddr).Msg("cell node started")
	waitForSignal()
	log.Logger.Info().Msg("cell node shutting down")
	return nil
}

// kvStore is a minimal demo automaton hosting the key/value data a
// tablet actually stores underneath the lifecycle bookkeeping the rest
// of this package manages; production tablet storage is out of scope
// here, only the replication contract matters for this daemon.
type kvStore struct {
	data map[string]string
}

func newKVStore() *kvStore {
	return &kvStore{data: make(map[string]string)}
}

type kvMutation struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *kvStore) Apply(payload []byte) ([]byte, error) {
	var m kvMutation
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("kvstore: decode mutation: %w", err)
	}
	s.data[m.Key] = m.Value
	return payload, nil
}

func (s *kvStore) Save(w io.Writer) error {
	return json.NewEncoder(w).Encode(s.data)
}

func (s *kvStore) Load(r io.Reader) error {
	s.data = make(map[string]string)
	return json.NewDecoder(r).Decode(&s.data)
}

func (s *kvStore) Clear() {
	s.data = make(map[string]string)
}
