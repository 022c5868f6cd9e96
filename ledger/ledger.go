package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/ddr4869/organchain/common/blockutil"
	"github.com/ddr4869/organchain/common/crypto"
	"github.com/ddr4869/organchain/common/logger"
	"github.com/ddr4869/organchain/common/types"
	"github.com/ddr4869/organchain/ledger/storage"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrLedgerUnavailable marks a failed snapshot read or write. Domain
// operations carry on without audit logging when they see it.
var ErrLedgerUnavailable = errors.New("ledger persistence unavailable")

const defaultDecryptCacheSize = 1024

// Backend is the append/read contract shared by the local chain and remote
// ledger nodes.
type Backend interface {
	Append(ctx context.Context, tx types.Transaction) (*types.Block, error)
	Read(ctx context.Context, decrypt bool) ([]*types.Block, error)
}

var _ Backend = (*Ledger)(nil)

// Ledger owns the hash chain. Append and Repair are serialised by the write
// lock; every returned block is a copy.
type Ledger struct {
	mutex        sync.RWMutex
	persistMutex sync.Mutex
	blocks       []*types.Block

	envelope  *crypto.Envelope
	store     storage.SnapshotStore
	cache     *lru.Cache
	cacheSize int
	now       func() time.Time
	log       *zap.SugaredLogger
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now for block timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithDecryptCacheSize bounds the decrypted-entry cache; 0 disables it.
func WithDecryptCacheSize(size int) Option {
	return func(l *Ledger) {
		l.cacheSize = size
	}
}

func newLedger(envelope *crypto.Envelope, store storage.SnapshotStore, opts ...Option) *Ledger {
	l := &Ledger{
		envelope:  envelope,
		store:     store,
		cacheSize: defaultDecryptCacheSize,
		now:       time.Now,
		log:       logger.Named("ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.cacheSize > 0 {
		// lru.New only fails for a non-positive size
		l.cache, _ = lru.New(l.cacheSize)
	}
	return l
}

// New creates a chain holding only a fresh genesis block. store may be nil,
// in which case Persist is a no-op.
func New(envelope *crypto.Envelope, store storage.SnapshotStore, opts ...Option) *Ledger {
	l := newLedger(envelope, store, opts...)
	l.blocks = []*types.Block{l.genesis()}
	return l
}

// Load restores the chain from store, starting a new one when no snapshot
// exists. An unreadable or malformed snapshot yields ErrLedgerUnavailable.
// Broken hash linkage is only reported: repair is an explicit action.
func Load(envelope *crypto.Envelope, store storage.SnapshotStore, opts ...Option) (*Ledger, error) {
	l := newLedger(envelope, store, opts...)
	if store == nil {
		l.blocks = []*types.Block{l.genesis()}
		return l, nil
	}

	snapshot, err := store.Load()
	if errors.Is(err, storage.ErrNotFound) {
		l.log.Info("No ledger snapshot found, starting a new chain")
		l.blocks = []*types.Block{l.genesis()}
		return l, nil
	}
	if err != nil {
		return nil, errors.Wrapf(ErrLedgerUnavailable, "failed to load snapshot: %v", err)
	}
	if err := validateStructure(snapshot.Blocks); err != nil {
		return nil, errors.Wrapf(ErrLedgerUnavailable, "snapshot is malformed: %v", err)
	}

	l.blocks = make([]*types.Block, 0, len(snapshot.Blocks))
	for _, block := range snapshot.Blocks {
		l.blocks = append(l.blocks, block.Stripped())
	}
	l.log.Infof("Loaded ledger snapshot with %d blocks", len(l.blocks))

	if report := Verify(l.blocks); !report.OK() {
		l.log.Warnw("Loaded chain fails integrity verification, run repair",
			"corrupt_indices", report.CorruptIndices())
	}
	return l, nil
}

// validateStructure checks what the chain needs to be usable at all:
// at least one block and contiguous 1-based indices.
func validateStructure(blocks []*types.Block) error {
	if len(blocks) == 0 {
		return errors.New("snapshot holds no blocks")
	}
	for i, block := range blocks {
		if block == nil {
			return errors.Errorf("block at position %d is null", i)
		}
		if block.Index != i+1 {
			return errors.Errorf("block at position %d has index %d, expected %d", i, block.Index, i+1)
		}
	}
	return nil
}

func (l *Ledger) genesis() *types.Block {
	return &types.Block{
		Index:        1,
		Timestamp:    l.timestamp(),
		PreviousHash: types.GenesisPreviousHash,
		Data:         []types.Entry{},
	}
}

func (l *Ledger) timestamp() float64 {
	return float64(l.now().UnixNano()) / float64(time.Second)
}

// Append encrypts tx and chains it in a new block after the current last block.
func (l *Ledger) Append(_ context.Context, tx types.Transaction) (*types.Block, error) {
	ciphertext, err := l.envelope.Encrypt(tx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encrypt transaction")
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	last := l.blocks[len(l.blocks)-1]
	previousHash, err := blockutil.CalculateBlockHash(last)
	if err != nil {
		return nil, errors.Wrap(err, "failed to hash last block")
	}

	block := &types.Block{
		Index:        len(l.blocks) + 1,
		Timestamp:    l.timestamp(),
		PreviousHash: previousHash,
		Data:         []types.Entry{{DataEncrypted: ciphertext}},
	}
	l.blocks = append(l.blocks, block)

	l.log.Debugf("Appended block %d (%s)", block.Index, tx.Category)
	return block.Clone(), nil
}

// Read returns a copy of the chain. With decrypt set, every entry that can
// be opened gets a decrypted view; the others keep only their ciphertext.
func (l *Ledger) Read(_ context.Context, decrypt bool) ([]*types.Block, error) {
	l.mutex.RLock()
	blocks := make([]*types.Block, 0, len(l.blocks))
	for _, block := range l.blocks {
		blocks = append(blocks, block.Clone())
	}
	l.mutex.RUnlock()

	if !decrypt {
		return blocks, nil
	}
	for _, block := range blocks {
		for i := range block.Data {
			if tx, ok := l.decryptEntry(block.Index, block.Data[i].DataEncrypted); ok {
				block.Data[i].DataDecrypted = tx
			}
		}
	}
	return blocks, nil
}

func (l *Ledger) decryptEntry(index int, ciphertext string) (*types.Transaction, bool) {
	if l.cache != nil {
		if cached, ok := l.cache.Get(ciphertext); ok {
			tx := cached.(types.Transaction)
			return &tx, true
		}
	}
	tx, err := l.envelope.Decrypt(ciphertext)
	if err != nil {
		l.log.Debugf("Skipping undecryptable entry in block %d: %v", index, err)
		return nil, false
	}
	if l.cache != nil {
		l.cache.Add(ciphertext, tx)
	}
	return &tx, true
}

// Len returns the number of blocks, genesis included.
func (l *Ledger) Len() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return len(l.blocks)
}

// Last returns a copy of the most recent block.
func (l *Ledger) Last() *types.Block {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.blocks[len(l.blocks)-1].Clone()
}

// Persist writes the full chain to the snapshot store.
func (l *Ledger) Persist() error {
	if l.store == nil {
		return nil
	}

	// snapshots are taken and saved in the same order
	l.persistMutex.Lock()
	defer l.persistMutex.Unlock()

	l.mutex.RLock()
	snapshot := &types.Snapshot{Blocks: make([]*types.Block, 0, len(l.blocks))}
	for _, block := range l.blocks {
		snapshot.Blocks = append(snapshot.Blocks, block.Stripped())
	}
	l.mutex.RUnlock()

	if err := l.store.Save(snapshot); err != nil {
		return errors.Wrapf(ErrLedgerUnavailable, "failed to save snapshot: %v", err)
	}
	return nil
}

// StartPersister saves the chain every interval until ctx is done, then
// saves once more. A non-positive interval only saves on shutdown. The
// returned channel is closed when the loop has exited.
func (l *Ledger) StartPersister(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		var tick <-chan time.Time
		if interval > 0 {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-tick:
				logger.LogIfError(l.Persist(), "periodic ledger snapshot failed")
			case <-ctx.Done():
				logger.LogIfError(l.Persist(), "final ledger snapshot failed")
				return
			}
		}
	}()
	return done
}

// Close releases the snapshot store without saving.
func (l *Ledger) Close() error {
	if l.store == nil {
		return nil
	}
	return l.store.Close()
}
