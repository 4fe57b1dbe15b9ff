// Package blockstore persists the host chain state the runtime keeps next to
// the account ledger: block headers, the recent blockhash queue and the
// per-blockhash status cache used to reject replayed transactions.
package blockstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/fortiblox/stratus-svm/internal/log"
	"github.com/fortiblox/stratus-svm/internal/types"
)

var (
	// ErrHeaderNotFound is returned when a block header doesn't exist.
	ErrHeaderNotFound = errors.New("header not found")

	// ErrClosed is returned when operating on a closed blockstore.
	ErrClosed = errors.New("blockstore closed")

	// ErrCorrupted is returned when a stored value cannot be decoded.
	ErrCorrupted = errors.New("blockstore data corrupted")

	// ErrReadOnly is returned for writes to a read-only blockstore.
	ErrReadOnly = errors.New("blockstore is read-only")
)

// Bucket names for BoltDB.
var (
	// bucketHeaders stores headers keyed by block number.
	bucketHeaders = []byte("headers")

	// bucketHashes maps block hash to block number.
	bucketHashes = []byte("hashes")

	// bucketBlockhashQueue stores HashInfo keyed by blockhash.
	bucketBlockhashQueue = []byte("blockhash_queue")

	// bucketStatusCache holds one nested bucket per blockhash, each mapping
	// message hash to TxStatus.
	bucketStatusCache = []byte("status_cache")

	// bucketMetadata stores blockstore metadata.
	bucketMetadata = []byte("metadata")
)

// Metadata keys.
var (
	keyLatestNumber     = []byte("latest_number")
	keyOldestNumber     = []byte("oldest_number")
	keyGenesisTimestamp = []byte("genesis_timestamp")
)

// Config holds blockstore configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// Timeout bounds waiting for the file lock.
	Timeout time.Duration

	// PruneEnabled enables background pruning of old headers.
	PruneEnabled bool

	// PruneInterval is how often to run the pruning routine.
	PruneInterval time.Duration

	// RetainBlocks is the number of headers kept by pruning.
	RetainBlocks uint64
}

// DefaultConfig returns the default blockstore configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		Timeout:       5 * time.Second,
		PruneEnabled:  false,
		PruneInterval: time.Hour,
		RetainBlocks:  DefaultRetainBlocks,
	}
}

// DefaultRetainBlocks is roughly one day of six second blocks.
const DefaultRetainBlocks uint64 = 14_400

// Store is the persistence the bank needs besides the account ledger.
type Store interface {
	// Headers
	PutHeader(h Header) error
	Header(number uint64) (Header, error)
	BlockHash(number uint64) (types.Hash, bool, error)
	LatestNumber() uint64

	GenesisTimestamp() (int64, bool)
	SetGenesisTimestamp(ms int64) error

	// Blockhash queue
	PutHashInfo(hash types.Hash, info HashInfo) error
	HashInfo(hash types.Hash) (HashInfo, bool, error)
	RemoveHashInfo(hash types.Hash) error
	HashInfoCount() (int, error)

	// Status cache
	PutStatus(blockhash, messageHash types.Hash, status TxStatus) error
	Status(blockhash, messageHash types.Hash) (TxStatus, bool, error)
	PurgeStatuses(blockhash types.Hash) error

	Close() error
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db     *bolt.DB
	config Config
	logger *zap.Logger

	// Cached values for fast reads.
	mu               sync.RWMutex
	latestNumber     uint64
	oldestNumber     uint64
	genesisTimestamp int64
	hasGenesis       bool

	pruneStop chan struct{}
	pruneWG   sync.WaitGroup

	closed bool
}

// Open creates or opens a blockstore at the configured path.
func Open(config Config, logger *zap.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = log.WithPackage(logger)

	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:  config.Timeout,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}
	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &BoltStore{
		db:        db,
		config:    config,
		logger:    logger,
		pruneStop: make(chan struct{}),
	}

	if !config.ReadOnly {
		if err := s.initBuckets(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}
	if err := s.loadCachedValues(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load cached values: %w", err)
	}
	if config.PruneEnabled && !config.ReadOnly {
		s.startPruning()
	}

	logger.Info("blockstore opened",
		zap.String("path", config.Path),
		zap.Uint64("latest", s.latestNumber),
	)
	return s, nil
}

func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketHeaders,
			bucketHashes,
			bucketBlockhashQueue,
			bucketStatusCache,
			bucketMetadata,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) loadCachedValues() error {
	return s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		if meta == nil {
			return nil
		}
		if v := meta.Get(keyLatestNumber); v != nil {
			s.latestNumber = DecodeNumberKey(v)
		}
		if v := meta.Get(keyOldestNumber); v != nil {
			s.oldestNumber = DecodeNumberKey(v)
		}
		if v := meta.Get(keyGenesisTimestamp); v != nil {
			s.genesisTimestamp = int64(DecodeNumberKey(v))
			s.hasGenesis = true
		}
		return nil
	})
}

func (s *BoltStore) startPruning() {
	s.pruneWG.Add(1)
	go func() {
		defer s.pruneWG.Done()
		ticker := time.NewTicker(s.config.PruneInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n, err := s.Prune(s.config.RetainBlocks); err != nil {
					s.logger.Warn("prune failed", zap.Error(err))
				} else if n > 0 {
					s.logger.Debug("pruned headers", zap.Uint64("count", n))
				}
			case <-s.pruneStop:
				return
			}
		}
	}()
}

// update runs fn in a write transaction unless the store is closed or
// read-only.
func (s *BoltStore) update(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if s.config.ReadOnly {
		return ErrReadOnly
	}
	return s.db.Update(fn)
}

func (s *BoltStore) view(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return s.db.View(fn)
}

// PutHeader stores a header and indexes its hash.
func (s *BoltStore) PutHeader(h Header) error {
	err := s.update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketHeaders).Put(EncodeNumberKey(h.Number), h.Encode()); err != nil {
			return err
		}
		if err := tx.Bucket(bucketHashes).Put(h.Hash[:], EncodeNumberKey(h.Number)); err != nil {
			return err
		}
		meta := tx.Bucket(bucketMetadata)
		if cur := meta.Get(keyLatestNumber); cur == nil || DecodeNumberKey(cur) < h.Number {
			if err := meta.Put(keyLatestNumber, EncodeNumberKey(h.Number)); err != nil {
				return err
			}
		}
		if meta.Get(keyOldestNumber) == nil {
			return meta.Put(keyOldestNumber, EncodeNumberKey(h.Number))
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if h.Number > s.latestNumber {
		s.latestNumber = h.Number
	}
	s.mu.Unlock()
	return nil
}

// Header returns the header of block number.
func (s *BoltStore) Header(number uint64) (Header, error) {
	var h Header
	err := s.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketHeaders).Get(EncodeNumberKey(number))
		if v == nil {
			return ErrHeaderNotFound
		}
		var err error
		h, err = DecodeHeader(v)
		return err
	})
	return h, err
}

// BlockHash returns the hash of block number.
func (s *BoltStore) BlockHash(number uint64) (types.Hash, bool, error) {
	h, err := s.Header(number)
	if errors.Is(err, ErrHeaderNotFound) {
		return types.Hash{}, false, nil
	}
	if err != nil {
		return types.Hash{}, false, err
	}
	return h.Hash, true, nil
}

// NumberOf returns the number of the block with the given hash.
func (s *BoltStore) NumberOf(hash types.Hash) (uint64, bool, error) {
	var n uint64
	var ok bool
	err := s.view(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketHashes).Get(hash[:]); v != nil {
			n, ok = DecodeNumberKey(v), true
		}
		return nil
	})
	return n, ok, err
}

// LatestNumber returns the highest stored block number.
func (s *BoltStore) LatestNumber() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestNumber
}

// GenesisTimestamp returns the genesis block time in unix milliseconds.
func (s *BoltStore) GenesisTimestamp() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.genesisTimestamp, s.hasGenesis
}

// SetGenesisTimestamp records the genesis block time.
func (s *BoltStore) SetGenesisTimestamp(ms int64) error {
	err := s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetadata).Put(keyGenesisTimestamp, EncodeNumberKey(uint64(ms)))
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.genesisTimestamp, s.hasGenesis = ms, true
	s.mu.Unlock()
	return nil
}

// PutHashInfo inserts or replaces a blockhash queue entry.
func (s *BoltStore) PutHashInfo(hash types.Hash, info HashInfo) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlockhashQueue).Put(hash[:], info.Encode())
	})
}

// HashInfo returns the blockhash queue entry of hash.
func (s *BoltStore) HashInfo(hash types.Hash) (HashInfo, bool, error) {
	var info HashInfo
	var ok bool
	err := s.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlockhashQueue).Get(hash[:])
		if v == nil {
			return nil
		}
		var err error
		info, err = DecodeHashInfo(v)
		ok = err == nil
		return err
	})
	return info, ok, err
}

// RemoveHashInfo drops hash from the blockhash queue.
func (s *BoltStore) RemoveHashInfo(hash types.Hash) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlockhashQueue).Delete(hash[:])
	})
}

// HashInfoCount returns the number of queued blockhashes.
func (s *BoltStore) HashInfoCount() (int, error) {
	var n int
	err := s.view(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketBlockhashQueue).Stats().KeyN
		return nil
	})
	return n, err
}

// PutStatus records a processed transaction under its blockhash.
func (s *BoltStore) PutStatus(blockhash, messageHash types.Hash, status TxStatus) error {
	return s.update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketStatusCache).CreateBucketIfNotExists(blockhash[:])
		if err != nil {
			return err
		}
		return b.Put(messageHash[:], status.Encode())
	})
}

// Status returns the recorded status of a transaction.
func (s *BoltStore) Status(blockhash, messageHash types.Hash) (TxStatus, bool, error) {
	var st TxStatus
	var ok bool
	err := s.view(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStatusCache).Bucket(blockhash[:])
		if b == nil {
			return nil
		}
		v := b.Get(messageHash[:])
		if v == nil {
			return nil
		}
		var err error
		st, err = DecodeTxStatus(v)
		ok = err == nil
		return err
	})
	return st, ok, err
}

// PurgeStatuses drops every status recorded under blockhash.
func (s *BoltStore) PurgeStatuses(blockhash types.Hash) error {
	return s.update(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketStatusCache).DeleteBucket(blockhash[:])
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// Prune deletes headers older than the newest keep blocks. It returns the
// number of headers removed.
func (s *BoltStore) Prune(keep uint64) (uint64, error) {
	s.mu.RLock()
	latest, oldest := s.latestNumber, s.oldestNumber
	s.mu.RUnlock()
	if keep == 0 || latest < keep {
		return 0, nil
	}
	cutoff := latest - keep + 1
	if oldest >= cutoff {
		return 0, nil
	}

	var removed uint64
	err := s.update(func(tx *bolt.Tx) error {
		headers := tx.Bucket(bucketHeaders)
		hashes := tx.Bucket(bucketHashes)
		var keys [][]byte
		c := headers.Cursor()
		for k, v := c.First(); k != nil && DecodeNumberKey(k) < cutoff; k, v = c.Next() {
			if h, err := DecodeHeader(v); err == nil {
				if err := hashes.Delete(h.Hash[:]); err != nil {
					return err
				}
			}
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := headers.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return tx.Bucket(bucketMetadata).Put(keyOldestNumber, EncodeNumberKey(cutoff))
	})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.oldestNumber = cutoff
	s.mu.Unlock()
	return removed, nil
}

// Sync forces an fsync of the database file.
func (s *BoltStore) Sync() error {
	return s.db.Sync()
}

// Close stops pruning and closes the database.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.mu.Unlock()

	close(s.pruneStop)
	s.pruneWG.Wait()
	s.logger.Info("blockstore closed")
	return s.db.Close()
}

var _ Store = (*BoltStore)(nil)
