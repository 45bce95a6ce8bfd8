package tablet

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sort"

	"github.com/google/uuid"

	hydraautomaton "github.com/zhigibig/hydra/pkg/automaton"
)

// Op names the catalog mutation a Command carries. The decorated
// automaton never knows about tablets, cells, or actions, only that
// Apply(payload) returns effect bytes -- the "automaton is external, the
// core only calls it" relationship.
type Op string

const (
	OpCreateBundle     Op = "create_bundle"
	OpCreateCell       Op = "create_cell"
	OpSetCellHealthy   Op = "set_cell_healthy"
	OpCreateOwner      Op = "create_owner"
	OpAppendTablet     Op = "append_tablet"
	OpReplaceTablets   Op = "replace_tablets"
	OpSetTabletCell    Op = "set_tablet_cell"
	OpSetTabletState   Op = "set_tablet_state"
	OpSetTabletAction  Op = "set_tablet_action"
	OpDestroyTablet    Op = "destroy_tablet"
	OpCreateReplica    Op = "create_replica"
	OpRemoveReplica    Op = "remove_replica"
	OpSetReplicaState  Op = "set_replica_state"
	OpAlterReplica     Op = "alter_replica"
	OpAddMountConfigKeys Op = "add_mount_config_keys"
	OpCreateAction     Op = "create_action"
	OpSetActionState   Op = "set_action_state"
	OpSetActionTablets Op = "set_action_tablets"
	OpDestroyAction    Op = "destroy_action"
)

// Command is the mutation payload applied through the decorated
// automaton; Args is an op-specific JSON-encoded argument struct.
type Command struct {
	Op   Op
	Args json.RawMessage
}

// EncodeCommand serializes a command for submission as a mutation draft
// payload.
func EncodeCommand(op Op, args interface{}) ([]byte, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("tablet: encode args: %w", err)
	}
	return json.Marshal(Command{Op: op, Args: raw})
}

// CatalogAutomaton is the concrete Automaton implementation: the
// tablet manager's master is one automaton whose Apply dispatches typed
// Command.Op values onto Catalog methods.
type CatalogAutomaton struct {
	catalog     *Catalog
	rnd         *rand.Rand // reseeded per-mutation from the mutation context's random seed
	mutationCtx func() *hydraautomaton.MutationContext
}

// NewCatalogAutomaton wraps an empty (or restored) catalog. ctxSource
// must return the decorated automaton's active mutation context, the
// only legal source of "randomness" inside Apply; it is non-nil only
// for the duration of one ApplyMutation call.
func NewCatalogAutomaton(c *Catalog, ctxSource func() *hydraautomaton.MutationContext) *CatalogAutomaton {
	return &CatalogAutomaton{catalog: c, rnd: rand.New(rand.NewSource(1)), mutationCtx: ctxSource}
}

// Catalog returns the wrapped catalog for read-only queries from the
// controller/balancer.
func (a *CatalogAutomaton) Catalog() *Catalog {
	return a.catalog
}

// SeedRandom reseeds the deterministic id generator from the current
// mutation's random seed, the only legal source of "randomness" inside
// Apply.
func (a *CatalogAutomaton) SeedRandom(seed uint64) {
	a.rnd = rand.New(rand.NewSource(int64(seed)))
}

func (a *CatalogAutomaton) newUUID() uuid.UUID {
	var b [16]byte
	a.rnd.Read(b[:])
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	id, _ := uuid.FromBytes(b[:])
	return id
}

// Effect is the JSON value Apply returns: Op folds into the rolling
// state hash as before, ID carries a freshly generated entity id back
// to the caller for creation ops (empty for everything else).
type Effect struct {
	Op Op
	ID string
}

// DecodeEffect unpacks the value returned by a committed mutation whose
// payload was built with EncodeCommand.
func DecodeEffect(value []byte) (Effect, error) {
	var eff Effect
	if err := json.Unmarshal(value, &eff); err != nil {
		return Effect{}, fmt.Errorf("tablet: decode effect: %w", err)
	}
	return eff, nil
}

// Apply dispatches cmd onto the wrapped catalog and returns a small
// JSON effect summary folded into the rolling state hash by the
// decorated automaton.
func (a *CatalogAutomaton) Apply(payload []byte) ([]byte, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, fmt.Errorf("tablet: decode command: %w", err)
	}

	if a.mutationCtx != nil {
		if mc := a.mutationCtx(); mc != nil {
			a.SeedRandom(mc.RandomSeed)
		}
	}

	var err error
	var newID string
	switch cmd.Op {
	case OpCreateBundle:
		var args struct {
			Name   string
			Config BundleConfig
		}
		if err = json.Unmarshal(cmd.Args, &args); err == nil {
			newID = a.newUUID().String()
			_, err = a.catalog.CreateBundle(newID, args.Name, args.Config)
		}
	case OpCreateCell:
		var args struct{ BundleID string }
		if err = json.Unmarshal(cmd.Args, &args); err == nil {
			newID = a.newUUID().String()
			_, err = a.catalog.CreateCell(newID, args.BundleID)
		}
	case OpSetCellHealthy:
		var args struct {
			CellID  string
			Healthy bool
		}
		if err = json.Unmarshal(cmd.Args, &args); err == nil {
			err = a.catalog.SetCellHealthy(args.CellID, args.Healthy)
		}
	case OpCreateOwner:
		var args struct {
			Kind       OwnerKind
			TableKind  TableKind
			BundleID   string
			Replicated bool
		}
		if err = json.Unmarshal(cmd.Args, &args); err == nil {
			newID = a.newUUID().String()
			_, err = a.catalog.CreateOwner(newID, args.Kind, args.TableKind, args.BundleID, args.Replicated)
		}
	case OpAppendTablet:
		var t Tablet
		if err = json.Unmarshal(cmd.Args, &t); err == nil {
			if t.ID == "" {
				t.ID = a.newUUID().String()
			}
			newID = t.ID
			err = a.catalog.AppendTablet(&t)
		}
	case OpReplaceTablets:
		var args struct {
			OwnerID string
			Tablets []*Tablet
		}
		if err = json.Unmarshal(cmd.Args, &args); err == nil {
			for _, t := range args.Tablets {
				if t.ID == "" {
					t.ID = a.newUUID().String()
				}
			}
			err = a.catalog.ReplaceOwnerTablets(args.OwnerID, args.Tablets)
		}
	case OpSetTabletCell:
		var args struct {
			TabletID string
			CellID   string
			Revision uint64
		}
		if err = json.Unmarshal(cmd.Args, &args); err == nil {
			err = a.catalog.SetTabletCell(args.TabletID, args.CellID, args.Revision)
		}
	case OpSetTabletState:
		var args struct {
			TabletID string
			State    TabletState
		}
		if err = json.Unmarshal(cmd.Args, &args); err == nil {
			err = a.catalog.SetTabletState(args.TabletID, args.State)
		}
	case OpSetTabletAction:
		var args struct {
			TabletID string
			ActionID string
		}
		if err = json.Unmarshal(cmd.Args, &args); err == nil {
			err = a.catalog.SetTabletAction(args.TabletID, args.ActionID)
		}
	case OpDestroyTablet:
		var args struct{ TabletID string }
		if err = json.Unmarshal(cmd.Args, &args); err == nil {
			err = a.catalog.DestroyTablet(args.TabletID)
		}
	case OpCreateReplica:
		var r TableReplica
		if err = json.Unmarshal(cmd.Args, &r); err == nil {
			if r.ID == "" {
				r.ID = a.newUUID().String()
			}
			newID = r.ID
			err = a.catalog.CreateReplica(&r)
		}
	case OpRemoveReplica:
		var args struct{ ReplicaID string }
		if err = json.Unmarshal(cmd.Args, &args); err == nil {
			err = a.catalog.RemoveReplica(args.ReplicaID)
		}
	case OpSetReplicaState:
		var args struct {
			ReplicaID string
			State     ReplicaState
		}
		if err = json.Unmarshal(cmd.Args, &args); err == nil {
			err = a.catalog.SetReplicaState(args.ReplicaID, args.State)
		}
	case OpAlterReplica:
		var args struct {
			ReplicaID          string
			Mode               *ReplicaMode
			Atomicity          *ReplicaAtomicity
			PreserveTimestamps *bool
		}
		if err = json.Unmarshal(cmd.Args, &args); err == nil {
			err = a.catalog.AlterReplica(args.ReplicaID, args.Mode, args.Atomicity, args.PreserveTimestamps)
		}
	case OpAddMountConfigKeys:
		var args struct{ Keys []string }
		if err = json.Unmarshal(cmd.Args, &args); err == nil {
			a.catalog.AddMountConfigKeysFromNodes(args.Keys)
		}
	case OpCreateAction:
		var act TabletAction
		if err = json.Unmarshal(cmd.Args, &act); err == nil {
			if act.ID == "" {
				act.ID = a.newUUID().String()
			}
			newID = act.ID
			err = a.catalog.CreateAction(&act)
		}
	case OpSetActionState:
		var args struct {
			ActionID string
			State    ActionState
			Reason   string
		}
		if err = json.Unmarshal(cmd.Args, &args); err == nil {
			err = a.catalog.SetActionState(args.ActionID, args.State, args.Reason)
		}
	case OpSetActionTablets:
		var args struct {
			ActionID  string
			TabletIDs []string
		}
		if err = json.Unmarshal(cmd.Args, &args); err == nil {
			err = a.catalog.SetActionTablets(args.ActionID, args.TabletIDs)
		}
	case OpDestroyAction:
		var args struct{ ActionID string }
		if err = json.Unmarshal(cmd.Args, &args); err == nil {
			err = a.catalog.DestroyAction(args.ActionID)
		}
	default:
		err = fmt.Errorf("tablet: unknown op %q", cmd.Op)
	}

	if err != nil {
		return nil, err
	}
	eff, marshalErr := json.Marshal(Effect{Op: cmd.Op, ID: newID})
	if marshalErr != nil {
		return nil, fmt.Errorf("tablet: encode effect: %w", marshalErr)
	}
	return eff, nil
}

// catalogSnapshot is the serializable projection of a Catalog, split
// into a "keys" stream (ids grouped by entity kind) and a "values"
// stream (the full entity records).
type catalogSnapshot struct {
	Owners   map[string]*TabletOwner
	Tablets  map[string]*Tablet
	Cells    map[string]*TabletCell
	Bundles  map[string]*TabletCellBundle
	Replicas map[string]*TableReplica
	Actions  map[string]*TabletAction

	LocalMountConfigKeys     []string
	MountConfigKeysFromNodes []string
}

type catalogKeys struct {
	Owners   []string
	Tablets  []string
	Cells    []string
	Bundles  []string
	Replicas []string
	Actions  []string
}

func writeFramed(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readFramed(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Save streams the catalog as a keys stream followed by a values
// stream, each length-framed so Load can read them back in sequence
// without a separate index.
func (a *CatalogAutomaton) Save(w io.Writer) error {
	a.catalog.mu.RLock()
	snap := catalogSnapshot{
		Owners:   a.catalog.owners,
		Tablets:  a.catalog.tablets,
		Cells:    a.catalog.cells,
		Bundles:  a.catalog.bundles,
		Replicas: a.catalog.replicas,
		Actions:  a.catalog.actions,
	}
	for k := range a.catalog.localMountConfigKeys {
		snap.LocalMountConfigKeys = append(snap.LocalMountConfigKeys, k)
	}
	sort.Strings(snap.LocalMountConfigKeys)
	for k := range a.catalog.mountConfigKeysFromNodes {
		snap.MountConfigKeysFromNodes = append(snap.MountConfigKeysFromNodes, k)
	}
	sort.Strings(snap.MountConfigKeysFromNodes)
	keys := catalogKeys{}
	for id := range snap.Owners {
		keys.Owners = append(keys.Owners, id)
	}
	for id := range snap.Tablets {
		keys.Tablets = append(keys.Tablets, id)
	}
	for id := range snap.Cells {
		keys.Cells = append(keys.Cells, id)
	}
	for id := range snap.Bundles {
		keys.Bundles = append(keys.Bundles, id)
	}
	for id := range snap.Replicas {
		keys.Replicas = append(keys.Replicas, id)
	}
	for id := range snap.Actions {
		keys.Actions = append(keys.Actions, id)
	}
	a.catalog.mu.RUnlock()

	var buf bytes.Buffer
	if err := writeFramed(&buf, keys); err != nil {
		return err
	}
	if err := writeFramed(&buf, snap); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Load replaces the wrapped catalog's contents by reading back the
// keys/values stream pair written by Save. The keys stream is not
// needed to reconstruct state (the values stream is self-describing);
// Load reads it and checks only that its tablet count matches the
// values stream.
func (a *CatalogAutomaton) Load(r io.Reader) error {
	var keys catalogKeys
	if err := readFramed(r, &keys); err != nil {
		return fmt.Errorf("tablet: read keys stream: %w", err)
	}
	var snap catalogSnapshot
	if err := readFramed(r, &snap); err != nil {
		return fmt.Errorf("tablet: read values stream: %w", err)
	}
	if len(keys.Tablets) != len(snap.Tablets) {
		return fmt.Errorf("tablet: keys/values stream mismatch: %d tablet keys, %d tablet values", len(keys.Tablets), len(snap.Tablets))
	}

	a.catalog.mu.Lock()
	defer a.catalog.mu.Unlock()
	a.catalog.owners = snap.Owners
	a.catalog.tablets = snap.Tablets
	a.catalog.cells = snap.Cells
	a.catalog.bundles = snap.Bundles
	a.catalog.replicas = snap.Replicas
	a.catalog.actions = snap.Actions
	a.catalog.localMountConfigKeys = make(map[string]struct{}, len(snap.LocalMountConfigKeys))
	for _, k := range snap.LocalMountConfigKeys {
		a.catalog.localMountConfigKeys[k] = struct{}{}
	}
	a.catalog.mountConfigKeysFromNodes = make(map[string]struct{}, len(snap.MountConfigKeysFromNodes))
	for _, k := range snap.MountConfigKeysFromNodes {
		a.catalog.mountConfigKeysFromNodes[k] = struct{}{}
	}
	return nil
}

// Clear resets the wrapped catalog to empty, called before Load.
func (a *CatalogAutomaton) Clear() {
	a.catalog.mu.Lock()
	defer a.catalog.mu.Unlock()
	a.catalog.owners = make(map[string]*TabletOwner)
	a.catalog.tablets = make(map[string]*Tablet)
	a.catalog.cells = make(map[string]*TabletCell)
	a.catalog.bundles = make(map[string]*TabletCellBundle)
	a.catalog.replicas = make(map[string]*TableReplica)
	a.catalog.actions = make(map[string]*TabletAction)
	a.catalog.localMountConfigKeys = make(map[string]struct{})
	a.catalog.mountConfigKeysFromNodes = make(map[string]struct{})
}
