package server

import (
	"context"
	"net"

	"github.com/ddr4869/organchain/common/blockutil"
	"github.com/ddr4869/organchain/common/crypto"
	"github.com/ddr4869/organchain/common/logger"
	"github.com/ddr4869/organchain/ledger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// AuditServer serves a local ledger over gRPC.
type AuditServer struct {
	ledger *ledger.Ledger
	server *grpc.Server
	log    *zap.SugaredLogger
}

var _ AuditServiceServer = (*AuditServer)(nil)

// NewAuditServer creates the gRPC server with the audit service registered.
func NewAuditServer(l *ledger.Ledger, opts ...grpc.ServerOption) *AuditServer {
	s := &AuditServer{
		ledger: l,
		server: grpc.NewServer(opts...),
		log:    logger.Named("audit"),
	}
	s.Register(s.server)
	return s
}

// toStatus maps ledger errors to gRPC codes.
func toStatus(err error, msg string) error {
	code := codes.Internal
	switch {
	case errors.Is(err, ledger.ErrLedgerUnavailable):
		code = codes.Unavailable
	case errors.Is(err, crypto.ErrDecryption):
		code = codes.InvalidArgument
	}
	return status.Errorf(code, "%s: %v", msg, err)
}

func (s *AuditServer) GetChain(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	decrypt := req.GetFields()["decrypt"].GetBoolValue()

	// undecryptable entries are returned as ciphertext, never as an error
	blocks, err := s.ledger.Read(ctx, decrypt)
	if err != nil {
		return nil, toStatus(err, "failed to read chain")
	}
	out, err := blockutil.MarshalChainToStruct(blocks)
	if err != nil {
		return nil, toStatus(err, "failed to encode chain")
	}
	s.log.Debugf("Served chain of %d blocks (decrypt=%t)", len(blocks), decrypt)
	return out, nil
}

func (s *AuditServer) VerifyChain(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	report := s.ledger.Verify()
	if !report.OK() {
		s.log.Warnw("Chain verification failed", "corrupt_indices", report.CorruptIndices())
	}
	out, err := blockutil.ToStruct(report)
	if err != nil {
		return nil, toStatus(err, "failed to encode report")
	}
	return out, nil
}

func (s *AuditServer) RepairChain(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	result, err := s.ledger.Repair()
	if err != nil {
		return nil, toStatus(err, "failed to repair chain")
	}
	out, err := blockutil.ToStruct(result)
	if err != nil {
		return nil, toStatus(err, "failed to encode repair result")
	}
	return out, nil
}

func (s *AuditServer) Append(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tx, err := blockutil.UnmarshalTransactionFromStruct(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid transaction: %v", err)
	}
	if tx.SubjectID == "" || tx.Category == "" {
		return nil, status.Error(codes.InvalidArgument, "subject_id and category are required")
	}

	block, err := s.ledger.Append(ctx, tx)
	if err != nil {
		return nil, toStatus(err, "failed to append transaction")
	}
	logger.LogIfError(s.ledger.Persist(), "failed to save ledger snapshot after remote append")

	out, err := blockutil.MarshalBlockToStruct(block)
	if err != nil {
		return nil, toStatus(err, "failed to encode block")
	}
	return out, nil
}

// Register attaches the audit service to a gRPC server, e.g. one shared with
// other services.
func (s *AuditServer) Register(registrar grpc.ServiceRegistrar) {
	RegisterAuditServiceServer(registrar, s)
}

// Start listens on address and serves until Stop is called.
func (s *AuditServer) Start(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", address)
	}
	return s.Serve(lis)
}

// Serve serves on lis until Stop is called.
func (s *AuditServer) Serve(lis net.Listener) error {
	s.log.Infof("Audit server listening on %s", lis.Addr())
	return s.server.Serve(lis)
}

// StartWithContext serves on address until ctx is done, then stops gracefully.
func (s *AuditServer) StartWithContext(ctx context.Context, address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", address)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.log.Info("Shutting down audit server...")
		s.Stop()
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *AuditServer) Stop() {
	s.server.GracefulStop()
}
