package storage

import (
	"github.com/ddr4869/organchain/common/types"
	"github.com/pkg/errors"
)

// ErrNotFound is returned by Load when no snapshot has been saved yet.
var ErrNotFound = errors.New("no ledger snapshot found")

// SnapshotStore persists the whole chain as one document. Every Save
// replaces the previous snapshot; there is no incremental write.
type SnapshotStore interface {
	Save(snapshot *types.Snapshot) error
	Load() (*types.Snapshot, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile    = "file"
	BackendLevelDB = "leveldb"
)

// Open returns the snapshot store for the configured backend.
func Open(backend, path string) (SnapshotStore, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStore(path)
	case BackendLevelDB:
		return NewLevelDBStore(path)
	default:
		return nil, errors.Errorf("unknown snapshot backend %q", backend)
	}
}
