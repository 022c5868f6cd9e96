package storage

import (
	"encoding/json"
	"strconv"

	"github.com/ddr4869/organchain/common/logger"
	"github.com/ddr4869/organchain/common/types"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
)

const (
	snapshotKey = "chain_snapshot"
	heightKey   = "chain_height"
)

// LevelDBStore keeps the snapshot document under a single key, with the
// chain height as a separate meta key for quick inspection.
type LevelDBStore struct {
	db *leveldb.DB
}

// NewLevelDBStore opens (or creates) the database directory at path.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	if path == "" {
		return nil, errors.New("leveldb path cannot be empty")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open leveldb at %s", path)
	}
	logger.Infof("[DB] LevelDB snapshot store opened at %s", path)
	return &LevelDBStore{db: db}, nil
}

// Save writes the document and height in one batch.
func (ls *LevelDBStore) Save(snapshot *types.Snapshot) error {
	if snapshot == nil {
		return errors.New("snapshot cannot be nil")
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return errors.Wrap(err, "failed to marshal snapshot")
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(snapshotKey), data)
	batch.Put([]byte(heightKey), []byte(strconv.Itoa(len(snapshot.Blocks))))
	if err := ls.db.Write(batch, nil); err != nil {
		return errors.Wrap(err, "failed to write snapshot batch")
	}
	return nil
}

// Load reads the document. A database without one yields ErrNotFound.
func (ls *LevelDBStore) Load() (*types.Snapshot, error) {
	data, err := ls.db.Get([]byte(snapshotKey), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to read snapshot")
	}

	var snapshot types.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal snapshot")
	}
	return &snapshot, nil
}

// Height returns the block count recorded with the last snapshot.
func (ls *LevelDBStore) Height() (int, bool) {
	v, err := ls.db.Get([]byte(heightKey), nil)
	if err != nil {
		return 0, false
	}
	h, err := strconv.Atoi(string(v))
	if err != nil {
		return 0, false
	}
	return h, true
}

func (ls *LevelDBStore) Close() error {
	if ls.db == nil {
		return nil
	}
	if err := ls.db.Close(); err != nil {
		return errors.Wrap(err, "failed to close leveldb")
	}
	logger.Info("[DB] Closed LevelDB")
	return nil
}
