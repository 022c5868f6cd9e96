package cli

import (
	"context"

	"github.com/ddr4869/organchain/common/crypto"
	"github.com/ddr4869/organchain/common/logger"
	"github.com/ddr4869/organchain/config"
	"github.com/ddr4869/organchain/core"
	"github.com/ddr4869/organchain/ledger"
	"github.com/ddr4869/organchain/ledger/storage"
	"github.com/ddr4869/organchain/registry"
	"github.com/ddr4869/organchain/server"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"google.golang.org/grpc"
)

// Node is everything one command needs: the service and, when the chain is
// kept in this process, the chain itself.
type Node struct {
	Service *core.Service
	// Ledger is nil when entries go to a remote audit server.
	Ledger *ledger.Ledger
}

// OpenLedger loads the local chain described by conf. With strict unset an
// unreadable snapshot only disables persistence: the process keeps logging
// to an in-memory chain so that registrations still go through.
func OpenLedger(conf *config.LedgerConfig, strict bool) (*ledger.Ledger, error) {
	key, err := crypto.LoadOrGenerateKey(conf.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load ledger key")
	}
	envelope, err := crypto.NewEnvelope(key)
	if err != nil {
		return nil, err
	}
	opts := []ledger.Option{ledger.WithDecryptCacheSize(conf.DecryptCacheSize)}

	store, err := storage.Open(conf.SnapshotBackend, conf.SnapshotPath)
	if err == nil {
		l, loadErr := ledger.Load(envelope, store, opts...)
		if loadErr == nil {
			return l, nil
		}
		store.Close()
		err = loadErr
	} else {
		err = errors.Wrapf(ledger.ErrLedgerUnavailable, "failed to open snapshot store: %v", err)
	}

	if strict {
		return nil, err
	}
	logger.Warnf("Ledger snapshot unavailable, continuing without persistence: %v", err)
	return ledger.New(envelope, nil, opts...), nil
}

// OpenRegistry opens the registry backend named by conf.
func OpenRegistry(ctx context.Context, conf *config.RegistryConfig) (registry.Store, error) {
	switch conf.Driver {
	case config.RegistryMemory:
		return registry.NewMemory(), nil
	case config.RegistrySQLite:
		return registry.OpenSQLite(ctx, conf.DSN)
	default:
		return nil, errors.Errorf("unknown registry driver %q", conf.Driver)
	}
}

// Open builds the node for conf. The ledger is remote when conf names an
// audit server and local otherwise.
func Open(ctx context.Context, conf *config.Config, strictLedger bool) (*Node, error) {
	store, err := OpenRegistry(ctx, &conf.Registry)
	if err != nil {
		return nil, logger.WrapError(err, "failed to open registry %s", conf.Registry.Driver)
	}

	if conf.Ledger.Remote != "" {
		var opts []grpc.DialOption
		if conf.Ledger.RemoteCA != "" {
			creds, err := server.ClientTLS(conf.Ledger.RemoteCA, conf.Ledger.RemoteServerName)
			if err != nil {
				store.Close()
				return nil, err
			}
			opts = append(opts, creds)
		}
		client, err := server.NewClient(conf.Ledger.Remote, opts...)
		if err != nil {
			store.Close()
			return nil, errors.Wrap(err, "failed to connect to audit server")
		}
		return &Node{Service: core.NewService(store, client)}, nil
	}

	l, err := OpenLedger(&conf.Ledger, strictLedger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &Node{Service: core.NewService(store, l), Ledger: l}, nil
}

// Close releases the service and the local snapshot store.
func (n *Node) Close() error {
	err := n.Service.Close()
	if n.Ledger != nil {
		err = multierr.Append(err, n.Ledger.Close())
	}
	return err
}
