// Package client wraps the operator gRPC surface exposed by pkg/api for
// easy use from cmd/hydractl: mount/unmount/freeze/unfreeze/remount/
// reshard/move, replica CRUD, plus the bootstrap create* calls, all
// mTLS-authenticated the same way the server authenticates a cell
// leader.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/zhigibig/hydra/pkg/api"
	"github.com/zhigibig/hydra/pkg/security"
	"github.com/zhigibig/hydra/pkg/tablet"
)

// Client is a thin operator-facing wrapper over a *grpc.ClientConn
// talking the pkg/api Operator service.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewClient dials addr using the CLI's own mTLS certificate, requiring
// one to already exist at security.GetCLICertDir() -- this package does
// not implement a certificate bootstrap/join-token flow, since the
// operator surface has no RequestCertificate RPC of its own.
func NewClient(addr string) (*Client, error) {
	certDir, err := security.GetCLICertDir()
	if err != nil {
		return nil, fmt.Errorf("client: cert directory: %w", err)
	}
	if !security.CertExists(certDir) {
		return nil, fmt.Errorf("client: no certificate at %s - obtain one from the cluster CA first", certDir)
	}

	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("client: load certificate: %w", err)
	}
	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("client: load CA certificate: %w", err)
	}

	certPool := x509.NewCertPool()
	certPool.AddCert(caCert)

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      certPool,
		MinVersion:   tls.VersionTLS13,
	}
	creds := credentials.NewTLS(tlsConfig)

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}

	return &Client{conn: conn, timeout: 10 * time.Second}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req, resp interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.conn.Invoke(ctx, "/hydra.tabletmanager.Operator/"+method, req, resp)
}

// CreateBundle registers a new cell bundle and returns its generated id.
func (c *Client) CreateBundle(ctx context.Context, name string, cfg tablet.BundleConfig) (string, error) {
	resp := new(api.CreateBundleResponse)
	if err := c.call(ctx, "CreateBundle", &api.CreateBundleRequest{Name: name, Config: cfg}, resp); err != nil {
		return "", err
	}
	return resp.BundleID, nil
}

// CreateCell registers a new tablet cell within bundleID.
func (c *Client) CreateCell(ctx context.Context, bundleID string) (string, error) {
	resp := new(api.CreateCellResponse)
	if err := c.call(ctx, "CreateCell", &api.CreateCellRequest{BundleID: bundleID}, resp); err != nil {
		return "", err
	}
	return resp.CellID, nil
}

// CreateTable registers a new table owner with no tablets yet.
func (c *Client) CreateTable(ctx context.Context, kind tablet.TableKind, bundleID string, replicated bool) (string, error) {
	resp := new(api.CreateTableResponse)
	req := &api.CreateTableRequest{Kind: kind, BundleID: bundleID, Replicated: replicated}
	if err := c.call(ctx, "CreateTable", req, resp); err != nil {
		return "", err
	}
	return resp.OwnerID, nil
}

// MountTable mounts every currently unmounted tablet of ownerID, either
// onto hintCellID or, when hintCellID is empty, across the owner's
// bundle by tablet count; freeze mounts directly into Frozen.
func (c *Client) MountTable(ctx context.Context, ownerID, hintCellID string, freeze bool) error {
	req := &api.MountTableRequest{OwnerID: ownerID, HintCellID: hintCellID, Freeze: freeze}
	return c.call(ctx, "MountTable", req, new(api.MountTableResponse))
}

// UnmountTable unmounts every mounted tablet of ownerID.
func (c *Client) UnmountTable(ctx context.Context, ownerID string, force bool) error {
	req := &api.UnmountTableRequest{OwnerID: ownerID, Force: force}
	return c.call(ctx, "UnmountTable", req, new(api.UnmountTableResponse))
}

// FreezeTable freezes every mounted tablet of ownerID.
func (c *Client) FreezeTable(ctx context.Context, ownerID string) error {
	req := &api.FreezeTableRequest{OwnerID: ownerID}
	return c.call(ctx, "FreezeTable", req, new(api.FreezeTableResponse))
}

// UnfreezeTable unfreezes every frozen tablet of ownerID.
func (c *Client) UnfreezeTable(ctx context.Context, ownerID string) error {
	req := &api.UnfreezeTableRequest{OwnerID: ownerID}
	return c.call(ctx, "UnfreezeTable", req, new(api.UnfreezeTableResponse))
}

// RemountTable pushes refreshed settings to every hosted tablet of
// ownerID without a remount cycle.
func (c *Client) RemountTable(ctx context.Context, ownerID string, settings map[string]string) error {
	req := &api.RemountTableRequest{OwnerID: ownerID, Settings: settings}
	return c.call(ctx, "RemountTable", req, new(api.RemountTableResponse))
}

// CreateReplica registers a replica of the replicated table ownerID and
// returns its generated id.
func (c *Client) CreateReplica(ctx context.Context, ownerID, clusterName, replicaPath string, mode tablet.ReplicaMode, atomicity tablet.ReplicaAtomicity) (string, error) {
	resp := new(api.CreateReplicaResponse)
	req := &api.CreateReplicaRequest{OwnerID: ownerID, ClusterName: clusterName, ReplicaPath: replicaPath, Mode: mode, Atomicity: atomicity}
	if err := c.call(ctx, "CreateReplica", req, resp); err != nil {
		return "", err
	}
	return resp.ReplicaID, nil
}

// RemoveReplica deletes a table replica.
func (c *Client) RemoveReplica(ctx context.Context, replicaID string) error {
	req := &api.RemoveReplicaRequest{ReplicaID: replicaID}
	return c.call(ctx, "RemoveReplica", req, new(api.RemoveReplicaResponse))
}

// AlterReplica changes a replica's enable state, mode, atomicity, or
// timestamp preservation; nil fields are left unchanged.
func (c *Client) AlterReplica(ctx context.Context, replicaID string, enabled *bool, mode *tablet.ReplicaMode, atomicity *tablet.ReplicaAtomicity, preserveTimestamps *bool) error {
	req := &api.AlterReplicaRequest{ReplicaID: replicaID, Enabled: enabled, Mode: mode, Atomicity: atomicity, PreserveTimestamps: preserveTimestamps}
	return c.call(ctx, "AlterReplica", req, new(api.AlterReplicaResponse))
}

// ReshardTable submits a reshard action over tabletIDs, either splitting
// by pivotKeys (sorted tables) or to tabletCount tablets (ordered
// tables), and returns the new action's id.
func (c *Client) ReshardTable(ctx context.Context, tabletIDs []string, pivotKeys [][]byte, tabletCount int) (string, error) {
	resp := new(api.ReshardTableResponse)
	req := &api.ReshardTableRequest{TabletIDs: tabletIDs, PivotKeys: pivotKeys, TabletCount: tabletCount}
	if err := c.call(ctx, "ReshardTable", req, resp); err != nil {
		return "", err
	}
	return resp.ActionID, nil
}

// MoveTable submits a move action relocating tabletIDs onto
// targetCellIDs and returns the new action's id.
func (c *Client) MoveTable(ctx context.Context, tabletIDs, targetCellIDs []string) (string, error) {
	resp := new(api.MoveTableResponse)
	req := &api.MoveTableRequest{TabletIDs: tabletIDs, TargetCellIDs: targetCellIDs}
	if err := c.call(ctx, "MoveTable", req, resp); err != nil {
		return "", err
	}
	return resp.ActionID, nil
}
