package server

import (
	"context"
	"time"

	"github.com/ddr4869/organchain/common/blockutil"
	"github.com/ddr4869/organchain/common/logger"
	"github.com/ddr4869/organchain/common/types"
	"github.com/ddr4869/organchain/ledger"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const defaultCallTimeout = 30 * time.Second

// Client talks to a remote audit server. It implements ledger.Backend, so a
// service can log to a remote ledger node instead of a local chain.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

var _ ledger.Backend = (*Client)(nil)

// NewClient connects to address. Without a ClientTLS option in opts the
// connection is plaintext.
func NewClient(address string, opts ...grpc.DialOption) (*Client, error) {
	logger.Infof("Connecting to audit server at %s", address)

	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to audit server")
	}
	return &Client{conn: conn, timeout: defaultCallTimeout}, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.conn.Invoke(ctx, method, in, out)
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.Unavailable {
		return errors.Wrap(ledger.ErrLedgerUnavailable, err.Error())
	}
	return errors.Wrapf(err, "%s failed", method)
}

func (c *Client) Append(ctx context.Context, tx types.Transaction) (*types.Block, error) {
	in, err := blockutil.MarshalTransactionToStruct(tx)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := c.invoke(ctx, methodAppend, in, out); err != nil {
		return nil, err
	}
	return blockutil.UnmarshalBlockFromStruct(out)
}

func (c *Client) Read(ctx context.Context, decrypt bool) ([]*types.Block, error) {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"decrypt": structpb.NewBoolValue(decrypt),
	}}
	out := &structpb.Struct{}
	if err := c.invoke(ctx, methodGetChain, in, out); err != nil {
		return nil, err
	}
	return blockutil.UnmarshalChainFromStruct(out)
}

// VerifyChain asks the server to verify its chain.
func (c *Client) VerifyChain(ctx context.Context) (*ledger.Report, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, methodVerifyChain, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	report := &ledger.Report{}
	if err := blockutil.FromStruct(out, report); err != nil {
		return nil, errors.Wrap(err, "failed to decode report")
	}
	return report, nil
}

// RepairChain asks the server to repair its chain.
func (c *Client) RepairChain(ctx context.Context) (*ledger.RepairResult, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, methodRepairChain, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	result := &ledger.RepairResult{}
	if err := blockutil.FromStruct(out, result); err != nil {
		return nil, errors.Wrap(err, "failed to decode repair result")
	}
	return result, nil
}

func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
