package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/ddr4869/organchain/common/logger"
	"github.com/ddr4869/organchain/common/types"
	"github.com/pkg/errors"
)

// FileStore keeps the snapshot in a single JSON file with atomic writes
type FileStore struct {
	mutex sync.Mutex
	path  string
}

// NewFileStore creates a file store, creating the parent directory if needed.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("snapshot path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create snapshot directory")
	}
	return &FileStore{path: path}, nil
}

// Save writes the snapshot to a temporary file and renames it over the old one.
func (fs *FileStore) Save(snapshot *types.Snapshot) error {
	if snapshot == nil {
		return errors.New("snapshot cannot be nil")
	}

	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal snapshot")
	}

	tempPath := fs.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write temporary snapshot file")
	}
	if err := os.Rename(tempPath, fs.path); err != nil {
		os.Remove(tempPath)
		return errors.Wrap(err, "failed to rename temporary snapshot file")
	}

	logger.Debugf("Saved ledger snapshot with %d blocks to %s", len(snapshot.Blocks), fs.path)
	return nil
}

// Load reads the snapshot file. A missing file yields ErrNotFound.
func (fs *FileStore) Load() (*types.Snapshot, error) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to read snapshot file")
	}

	var snapshot types.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal snapshot %s", fs.path)
	}
	return &snapshot, nil
}

func (fs *FileStore) Close() error {
	return nil
}
