package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/zhigibig/hydra/pkg/security"
	"github.com/zhigibig/hydra/pkg/tabletmanager"
)

// ActionProposer is the subset of *tabletmanager.ActionDriver the
// operator API needs for reshard/move requests.
type ActionProposer interface {
	CreateMoveAction(tabletIDs, targetCellIDs []string) (string, error)
	CreateReshardAction(tabletIDs []string, pivotKeys [][]byte, tabletCount int) (string, error)
}

// Server implements the tablet-manager's operator gRPC service:
// mount/unmount/freeze/unfreeze/remount/reshard/move plus replica CRUD,
// mTLS-authenticated, over *tabletmanager.Controller and an
// ActionProposer.
type Server struct {
	ctrl    *tabletmanager.Controller
	actions ActionProposer
	grpc    *grpc.Server
}

// NewServer creates an operator API server secured with the node
// certificate issued for (nodeType, nodeID) under pkg/security.
func NewServer(ctrl *tabletmanager.Controller, actions ActionProposer, nodeType, nodeID string) (*Server, error) {
	certDir, err := security.GetCertDir(nodeType, nodeID)
	if err != nil {
		return nil, fmt.Errorf("api: cert directory: %w", err)
	}
	if !security.CertExists(certDir) {
		return nil, fmt.Errorf("api: certificate not found at %s - ensure the cluster CA has issued one", certDir)
	}
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("api: load certificate: %w", err)
	}
	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("api: load CA certificate: %w", err)
	}

	certPool := x509.NewCertPool()
	certPool.AddCert(caCert)

	tlsConfig := &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{*cert},
		ClientCAs:    certPool,
		MinVersion:   tls.VersionTLS13,
	}
	creds := credentials.NewTLS(tlsConfig)

	return &Server{
		ctrl:    ctrl,
		actions: actions,
		grpc:    grpc.NewServer(grpc.Creds(creds)),
	}, nil
}

// Start listens on addr and serves until the listener is closed or an
// unrecoverable error occurs.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen: %w", err)
	}
	s.grpc.RegisterService(&serviceDesc, s)
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

func (s *Server) mountTable(ctx context.Context, req *MountTableRequest) (*MountTableResponse, error) {
	if err := s.ctrl.MountTable(ctx, req.OwnerID, req.HintCellID, req.Freeze); err != nil {
		return nil, err
	}
	return &MountTableResponse{}, nil
}

func (s *Server) unmountTable(ctx context.Context, req *UnmountTableRequest) (*UnmountTableResponse, error) {
	if err := s.ctrl.UnmountTable(ctx, req.OwnerID, req.Force); err != nil {
		return nil, err
	}
	return &UnmountTableResponse{}, nil
}

func (s *Server) freezeTable(ctx context.Context, req *FreezeTableRequest) (*FreezeTableResponse, error) {
	if err := s.ctrl.FreezeTable(ctx, req.OwnerID); err != nil {
		return nil, err
	}
	return &FreezeTableResponse{}, nil
}

func (s *Server) unfreezeTable(ctx context.Context, req *UnfreezeTableRequest) (*UnfreezeTableResponse, error) {
	if err := s.ctrl.UnfreezeTable(ctx, req.OwnerID); err != nil {
		return nil, err
	}
	return &UnfreezeTableResponse{}, nil
}

func (s *Server) remountTable(ctx context.Context, req *RemountTableRequest) (*RemountTableResponse, error) {
	if err := s.ctrl.RemountTable(ctx, req.OwnerID, req.Settings); err != nil {
		return nil, err
	}
	return &RemountTableResponse{}, nil
}

func (s *Server) createReplica(ctx context.Context, req *CreateReplicaRequest) (*CreateReplicaResponse, error) {
	id, err := s.ctrl.CreateTableReplica(ctx, req.OwnerID, req.ClusterName, req.ReplicaPath, req.Mode, req.Atomicity)
	if err != nil {
		return nil, err
	}
	return &CreateReplicaResponse{ReplicaID: id}, nil
}

func (s *Server) removeReplica(ctx context.Context, req *RemoveReplicaRequest) (*RemoveReplicaResponse, error) {
	if err := s.ctrl.RemoveTableReplica(ctx, req.ReplicaID); err != nil {
		return nil, err
	}
	return &RemoveReplicaResponse{}, nil
}

func (s *Server) alterReplica(ctx context.Context, req *AlterReplicaRequest) (*AlterReplicaResponse, error) {
	if err := s.ctrl.AlterTableReplica(ctx, req.ReplicaID, req.Enabled, req.Mode, req.Atomicity, req.PreserveTimestamps); err != nil {
		return nil, err
	}
	return &AlterReplicaResponse{}, nil
}

func (s *Server) reshardTable(ctx context.Context, req *ReshardTableRequest) (*ReshardTableResponse, error) {
	id, err := s.actions.CreateReshardAction(req.TabletIDs, req.PivotKeys, req.TabletCount)
	if err != nil {
		return nil, err
	}
	return &ReshardTableResponse{ActionID: id}, nil
}

func (s *Server) moveTable(ctx context.Context, req *MoveTableRequest) (*MoveTableResponse, error) {
	id, err := s.actions.CreateMoveAction(req.TabletIDs, req.TargetCellIDs)
	if err != nil {
		return nil, err
	}
	return &MoveTableResponse{ActionID: id}, nil
}

func (s *Server) createBundle(ctx context.Context, req *CreateBundleRequest) (*CreateBundleResponse, error) {
	id, err := s.ctrl.CreateBundle(req.Name, req.Config)
	if err != nil {
		return nil, err
	}
	return &CreateBundleResponse{BundleID: id}, nil
}

func (s *Server) createCell(ctx context.Context, req *CreateCellRequest) (*CreateCellResponse, error) {
	id, err := s.ctrl.CreateCell(req.BundleID)
	if err != nil {
		return nil, err
	}
	return &CreateCellResponse{CellID: id}, nil
}

func (s *Server) createTable(ctx context.Context, req *CreateTableRequest) (*CreateTableResponse, error) {
	id, err := s.ctrl.CreateTable(req.Kind, req.BundleID, req.Replicated)
	if err != nil {
		return nil, err
	}
	return &CreateTableResponse{OwnerID: id}, nil
}

// serviceDesc is the hand-wired equivalent of what protoc-gen-go-grpc
// would emit for this method set; see codec.go for why there is no
// generated package to emit it from instead.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "hydra.tabletmanager.Operator",
	HandlerType: (*operatorHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "MountTable", Handler: mountTableHandler},
		{MethodName: "UnmountTable", Handler: unmountTableHandler},
		{MethodName: "FreezeTable", Handler: freezeTableHandler},
		{MethodName: "UnfreezeTable", Handler: unfreezeTableHandler},
		{MethodName: "RemountTable", Handler: remountTableHandler},
		{MethodName: "CreateReplica", Handler: createReplicaHandler},
		{MethodName: "RemoveReplica", Handler: removeReplicaHandler},
		{MethodName: "AlterReplica", Handler: alterReplicaHandler},
		{MethodName: "ReshardTable", Handler: reshardTableHandler},
		{MethodName: "MoveTable", Handler: moveTableHandler},
		{MethodName: "CreateBundle", Handler: createBundleHandler},
		{MethodName: "CreateCell", Handler: createCellHandler},
		{MethodName: "CreateTable", Handler: createTableHandler},
	},
	Metadata: "pkg/api/operator.proto",
}

// operatorHandler pins the HandlerType grpc.RegisterService asserts
// against; the methods below each cast srv back to *Server themselves.
type operatorHandler interface{}

func mountTableHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(MountTableRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).mountTable(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hydra.tabletmanager.Operator/MountTable"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).mountTable(ctx, req.(*MountTableRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func unmountTableHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(UnmountTableRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).unmountTable(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hydra.tabletmanager.Operator/UnmountTable"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).unmountTable(ctx, req.(*UnmountTableRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func freezeTableHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(FreezeTableRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).freezeTable(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hydra.tabletmanager.Operator/FreezeTable"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).freezeTable(ctx, req.(*FreezeTableRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func unfreezeTableHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(UnfreezeTableRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).unfreezeTable(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hydra.tabletmanager.Operator/UnfreezeTable"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).unfreezeTable(ctx, req.(*UnfreezeTableRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func remountTableHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RemountTableRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).remountTable(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hydra.tabletmanager.Operator/RemountTable"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).remountTable(ctx, req.(*RemountTableRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func createReplicaHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CreateReplicaRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).createReplica(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hydra.tabletmanager.Operator/CreateReplica"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).createReplica(ctx, req.(*CreateReplicaRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func removeReplicaHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RemoveReplicaRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).removeReplica(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hydra.tabletmanager.Operator/RemoveReplica"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).removeReplica(ctx, req.(*RemoveReplicaRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func alterReplicaHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AlterReplicaRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).alterReplica(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hydra.tabletmanager.Operator/AlterReplica"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).alterReplica(ctx, req.(*AlterReplicaRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func reshardTableHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReshardTableRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).reshardTable(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hydra.tabletmanager.Operator/ReshardTable"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).reshardTable(ctx, req.(*ReshardTableRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func moveTableHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(MoveTableRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).moveTable(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hydra.tabletmanager.Operator/MoveTable"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).moveTable(ctx, req.(*MoveTableRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func createBundleHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CreateBundleRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).createBundle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hydra.tabletmanager.Operator/CreateBundle"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).createBundle(ctx, req.(*CreateBundleRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func createCellHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CreateCellRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).createCell(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hydra.tabletmanager.Operator/CreateCell"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).createCell(ctx, req.(*CreateCellRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func createTableHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CreateTableRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).createTable(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hydra.tabletmanager.Operator/CreateTable"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).createTable(ctx, req.(*CreateTableRequest))
	}
	return interceptor(ctx, in, info, handler)
}
