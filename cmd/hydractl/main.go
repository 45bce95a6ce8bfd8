// Command hydractl is the operator CLI for a running Hydra cluster:
// bootstrap a bundle/cell/table, then mount/unmount/freeze/unfreeze it
// and submit reshard/move actions, all over the mTLS operator API.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhigibig/hydra/pkg/client"
	"github.com/zhigibig/hydra/pkg/tablet"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hydractl",
	Short: "hydractl is the operator CLI for a Hydra cluster",
}

func init() {
	rootCmd.PersistentFlags().String("addr", "127.0.0.1:9443", "master operator API address")

	rootCmd.AddCommand(createBundleCmd)
	rootCmd.AddCommand(createCellCmd)
	rootCmd.AddCommand(createTableCmd)
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(unmountCmd)
	rootCmd.AddCommand(freezeCmd)
	rootCmd.AddCommand(unfreezeCmd)
	rootCmd.AddCommand(remountCmd)
	rootCmd.AddCommand(reshardCmd)
	rootCmd.AddCommand(moveCmd)
	rootCmd.AddCommand(createReplicaCmd)
	rootCmd.AddCommand(removeReplicaCmd)
	rootCmd.AddCommand(alterReplicaCmd)

	createBundleCmd.Flags().String("name", "", "bundle name")
	createBundleCmd.Flags().Bool("enable-balancer", true, "enable the tablet balancer for this bundle")
	createBundleCmd.Flags().Int64("min-tablet-size", 1<<20, "minimum tablet size in bytes before merging")
	createBundleCmd.Flags().Int64("max-tablet-size", 1<<30, "maximum tablet size in bytes before splitting")
	createBundleCmd.Flags().Int64("desired-tablet-size", 256<<20, "desired tablet size in bytes")
	createBundleCmd.MarkFlagRequired("name")

	createCellCmd.Flags().String("bundle-id", "", "owning bundle id")
	createCellCmd.MarkFlagRequired("bundle-id")

	createTableCmd.Flags().String("bundle-id", "", "owning bundle id")
	createTableCmd.Flags().String("kind", "sorted", "table kind: sorted or ordered")
	createTableCmd.Flags().Bool("replicated", false, "create a replicated table")
	createTableCmd.MarkFlagRequired("bundle-id")

	mountCmd.Flags().String("cell", "", "hint cell id to mount onto (otherwise assignment across the bundle by tablet count)")
	mountCmd.Flags().Bool("freeze", false, "mount directly into the frozen state")

	unmountCmd.Flags().Bool("force", false, "set the force flag on the unmount requests sent to the cells")

	reshardCmd.Flags().StringSlice("tablets", nil, "tablet ids to reshard")
	reshardCmd.Flags().StringSlice("pivots", nil, "hex-encoded pivot keys (sorted tables)")
	reshardCmd.Flags().Int("count", 0, "target tablet count (ordered tables)")
	reshardCmd.MarkFlagRequired("tablets")

	moveCmd.Flags().StringSlice("tablets", nil, "tablet ids to move")
	moveCmd.Flags().StringSlice("targets", nil, "destination cell ids, parallel to --tablets")
	moveCmd.MarkFlagRequired("tablets")
	moveCmd.MarkFlagRequired("targets")

	remountCmd.Flags().StringToString("set", nil, "settings to push, as key=value pairs")

	createReplicaCmd.Flags().String("cluster", "", "replica cluster name")
	createReplicaCmd.Flags().String("path", "", "replica table path on the target cluster")
	createReplicaCmd.Flags().String("mode", "async", "replication mode: sync or async")
	createReplicaCmd.Flags().String("atomicity", "full", "write atomicity: full or none")
	createReplicaCmd.MarkFlagRequired("cluster")
	createReplicaCmd.MarkFlagRequired("path")

	alterReplicaCmd.Flags().String("enabled", "", "enable (true) or disable (false) the replica")
	alterReplicaCmd.Flags().String("mode", "", "replication mode: sync or async")
	alterReplicaCmd.Flags().String("atomicity", "", "write atomicity: full or none")
	alterReplicaCmd.Flags().String("preserve-timestamps", "", "preserve row timestamps on replication (true/false)")
}

func dial(cmd *cobra.Command) (*client.Client, context.Context, context.CancelFunc, error) {
	addr, _ := cmd.Flags().GetString("addr")
	c, err := client.NewClient(addr)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	return c, ctx, cancel, nil
}

var createBundleCmd = &cobra.Command{
	Use:   "create-bundle",
	Short: "register a new tablet cell bundle",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		enableBalancer, _ := cmd.Flags().GetBool("enable-balancer")
		minSize, _ := cmd.Flags().GetInt64("min-tablet-size")
		maxSize, _ := cmd.Flags().GetInt64("max-tablet-size")
		desiredSize, _ := cmd.Flags().GetInt64("desired-tablet-size")

		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		cfg := tablet.BundleConfig{
			EnableBalancer:       enableBalancer,
			MinTabletSize:        minSize,
			MaxTabletSize:        maxSize,
			DesiredTabletSize:    desiredSize,
			MinIterationInterval: time.Minute,
		}
		id, err := c.CreateBundle(ctx, name, cfg)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var createCellCmd = &cobra.Command{
	Use:   "create-cell",
	Short: "register a new tablet cell within a bundle",
	RunE: func(cmd *cobra.Command, args []string) error {
		bundleID, _ := cmd.Flags().GetString("bundle-id")

		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		id, err := c.CreateCell(ctx, bundleID)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var createTableCmd = &cobra.Command{
	Use:   "create-table",
	Short: "register a new table owner with no tablets yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		bundleID, _ := cmd.Flags().GetString("bundle-id")
		kindStr, _ := cmd.Flags().GetString("kind")
		replicated, _ := cmd.Flags().GetBool("replicated")

		kind := tablet.TableSorted
		if strings.EqualFold(kindStr, "ordered") {
			kind = tablet.TableOrdered
		}

		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		id, err := c.CreateTable(ctx, kind, bundleID, replicated)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var mountCmd = &cobra.Command{
	Use:   "mount <owner-id>",
	Short: "mount every unmounted tablet of a table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hintCell, _ := cmd.Flags().GetString("cell")
		freeze, _ := cmd.Flags().GetBool("freeze")

		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		return c.MountTable(ctx, args[0], hintCell, freeze)
	},
}

var unmountCmd = &cobra.Command{
	Use:   "unmount <owner-id>",
	Short: "unmount every mounted tablet of a table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		return c.UnmountTable(ctx, args[0], force)
	},
}

var freezeCmd = &cobra.Command{
	Use:   "freeze <owner-id>",
	Short: "freeze every mounted tablet of a table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		return c.FreezeTable(ctx, args[0])
	},
}

var unfreezeCmd = &cobra.Command{
	Use:   "unfreeze <owner-id>",
	Short: "unfreeze every frozen tablet of a table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		return c.UnfreezeTable(ctx, args[0])
	},
}

var reshardCmd = &cobra.Command{
	Use:   "reshard",
	Short: "submit a reshard action over a set of tablets",
	RunE: func(cmd *cobra.Command, args []string) error {
		tabletIDs, _ := cmd.Flags().GetStringSlice("tablets")
		pivotsHex, _ := cmd.Flags().GetStringSlice("pivots")
		count, _ := cmd.Flags().GetInt("count")

		var pivots [][]byte
		for _, p := range pivotsHex {
			b, err := hex.DecodeString(p)
			if err != nil {
				return fmt.Errorf("invalid pivot key %q: %w", p, err)
			}
			pivots = append(pivots, b)
		}

		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		id, err := c.ReshardTable(ctx, tabletIDs, pivots, count)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var remountCmd = &cobra.Command{
	Use:   "remount <owner-id>",
	Short: "push refreshed settings to every hosted tablet of a table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, _ := cmd.Flags().GetStringToString("set")

		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		return c.RemountTable(ctx, args[0], settings)
	},
}

var createReplicaCmd = &cobra.Command{
	Use:   "create-replica <owner-id>",
	Short: "register a replica of a replicated table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cluster, _ := cmd.Flags().GetString("cluster")
		path, _ := cmd.Flags().GetString("path")
		modeStr, _ := cmd.Flags().GetString("mode")
		atomicityStr, _ := cmd.Flags().GetString("atomicity")

		mode := tablet.ReplicaModeAsync
		if strings.EqualFold(modeStr, "sync") {
			mode = tablet.ReplicaModeSync
		}
		atomicity := tablet.AtomicityFull
		if strings.EqualFold(atomicityStr, "none") {
			atomicity = tablet.AtomicityNone
		}

		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		id, err := c.CreateReplica(ctx, args[0], cluster, path, mode, atomicity)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var removeReplicaCmd = &cobra.Command{
	Use:   "remove-replica <replica-id>",
	Short: "delete a table replica",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		return c.RemoveReplica(ctx, args[0])
	},
}

var alterReplicaCmd = &cobra.Command{
	Use:   "alter-replica <replica-id>",
	Short: "change a replica's enable state, mode, or atomicity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		enabled, err := optionalBoolFlag(cmd, "enabled")
		if err != nil {
			return err
		}
		preserve, err := optionalBoolFlag(cmd, "preserve-timestamps")
		if err != nil {
			return err
		}

		var mode *tablet.ReplicaMode
		if s, _ := cmd.Flags().GetString("mode"); s != "" {
			m := tablet.ReplicaModeAsync
			if strings.EqualFold(s, "sync") {
				m = tablet.ReplicaModeSync
			}
			mode = &m
		}
		var atomicity *tablet.ReplicaAtomicity
		if s, _ := cmd.Flags().GetString("atomicity"); s != "" {
			a := tablet.AtomicityFull
			if strings.EqualFold(s, "none") {
				a = tablet.AtomicityNone
			}
			atomicity = &a
		}

		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		return c.AlterReplica(ctx, args[0], enabled, mode, atomicity, preserve)
	},
}

// optionalBoolFlag distinguishes "flag absent" (nil) from an explicit
// true/false, which a plain BoolVar cannot.
func optionalBoolFlag(cmd *cobra.Command, name string) (*bool, error) {
	s, _ := cmd.Flags().GetString(name)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s value %q: want true or false", name, s)
	}
	return &v, nil
}

var moveCmd = &cobra.Command{
	Use:   "move",
	Short: "submit a move action relocating tablets onto target cells",
	RunE: func(cmd *cobra.Command, args []string) error {
		tabletIDs, _ := cmd.Flags().GetStringSlice("tablets")
		targets, _ := cmd.Flags().GetStringSlice("targets")
		if len(tabletIDs) != len(targets) {
			return fmt.Errorf("--tablets and --targets must have the same length")
		}

		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		id, err := c.MoveTable(ctx, tabletIDs, targets)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}
