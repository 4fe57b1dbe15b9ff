package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/fortiblox/stratus-svm/internal/log"
	"github.com/fortiblox/stratus-svm/pkg/accounts"
)

// Key prefixes. Every key is prefix + AccountID (32 bytes).
var (
	prefixMeta    = []byte{0x01}
	prefixData    = []byte{0x02}
	prefixBalance = []byte{0x03}
)

const keyLen = 1 + 32

// BadgerConfig contains configuration for BadgerLedger.
type BadgerConfig struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	NumCompactors    int
	NumMemtables     int
	ValueLogFileSize int64

	// MetaCacheSize is the number of AccountMeta lookups kept in memory.
	// Zero disables the cache.
	MetaCacheSize int

	// MaxDataLength is the largest account data accepted. Zero disables the
	// limit.
	MaxDataLength int
}

// DefaultBadgerConfig returns default configuration.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:             path,
		SyncWrites:       false,
		NumCompactors:    4,
		NumMemtables:     5,
		ValueLogFileSize: 256 << 20,
		MetaCacheSize:    16384,
		MaxDataLength:    10 << 20,
	}
}

// metaCacheEntry caches misses as well as hits.
type metaCacheEntry struct {
	meta  accounts.AccountMeta
	found bool
}

// BadgerLedger is a BadgerDB-backed Ledger.
type BadgerLedger struct {
	db      *badger.DB
	cache   *lru.Cache[AccountID, metaCacheEntry]
	maxData int
	logger  *zap.Logger

	// mu serializes read-modify-write balance updates.
	mu     sync.Mutex
	closed atomic.Bool
}

// NewBadgerLedger opens a BadgerDB-backed ledger.
func NewBadgerLedger(cfg BadgerConfig, logger *zap.Logger) (*BadgerLedger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = log.WithPackage(logger)

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumCompactors(cfg.NumCompactors).
		WithNumMemtables(cfg.NumMemtables).
		WithValueLogFileSize(cfg.ValueLogFileSize).
		WithLogger(badgerLogger{logger.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	l := &BadgerLedger{
		db:      db,
		maxData: cfg.MaxDataLength,
		logger:  logger,
	}
	if cfg.MetaCacheSize > 0 {
		cache, err := lru.New[AccountID, metaCacheEntry](cfg.MetaCacheSize)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("meta cache: %w", err)
		}
		l.cache = cache
	}

	logger.Info("ledger opened",
		zap.String("path", cfg.Path),
		zap.Bool("in_memory", cfg.InMemory),
		zap.Int("meta_cache", cfg.MetaCacheSize),
	)
	return l, nil
}

func key(prefix []byte, id AccountID) []byte {
	k := make([]byte, keyLen)
	k[0] = prefix[0]
	copy(k[1:], id[:])
	return k
}

func idFromKey(k []byte) (AccountID, bool) {
	var id AccountID
	if len(k) != keyLen {
		return id, false
	}
	copy(id[:], k[1:])
	return id, true
}

// AccountMeta implements Ledger.
func (l *BadgerLedger) AccountMeta(id AccountID) (accounts.AccountMeta, bool, error) {
	if l.closed.Load() {
		return accounts.AccountMeta{}, false, ErrClosed
	}
	if l.cache != nil {
		if e, ok := l.cache.Get(id); ok {
			return e.meta, e.found, nil
		}
	}

	var e metaCacheEntry
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(prefixMeta, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			meta, err := accounts.DecodeAccountMeta(val)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCorrupted, err)
			}
			e = metaCacheEntry{meta: meta, found: true}
			return nil
		})
	})
	if err != nil {
		return accounts.AccountMeta{}, false, err
	}
	if l.cache != nil {
		l.cache.Add(id, e)
	}
	return e.meta, e.found, nil
}

// SetAccountMeta implements Ledger.
func (l *BadgerLedger) SetAccountMeta(id AccountID, meta accounts.AccountMeta) error {
	if l.closed.Load() {
		return ErrClosed
	}
	err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(prefixMeta, id), meta.Encode())
	})
	if err != nil {
		if l.cache != nil {
			l.cache.Remove(id)
		}
		return err
	}
	if l.cache != nil {
		l.cache.Add(id, metaCacheEntry{meta: meta, found: true})
	}
	return nil
}

// AccountData implements Ledger.
func (l *BadgerLedger) AccountData(id AccountID) ([]byte, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	var data []byte
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(prefixData, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	return data, err
}

// SetAccountData implements Ledger.
func (l *BadgerLedger) SetAccountData(id AccountID, data []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if l.maxData > 0 && len(data) > l.maxData {
		return ErrDataTooLarge
	}
	return l.db.Update(func(txn *badger.Txn) error {
		if len(data) == 0 {
			return txn.Delete(key(prefixData, id))
		}
		return txn.Set(key(prefixData, id), append([]byte(nil), data...))
	})
}

// Balance implements Ledger.
func (l *BadgerLedger) Balance(id AccountID) (*uint256.Int, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	var b *uint256.Int
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		b, err = readBalance(txn, id)
		return err
	})
	return b, err
}

// IncreaseBalance implements Ledger.
func (l *BadgerLedger) IncreaseBalance(id AccountID, amount *uint256.Int) error {
	return l.updateBalance(id, func(cur *uint256.Int) (*uint256.Int, error) {
		return increase(cur, amount)
	})
}

// DecreaseBalance implements Ledger.
func (l *BadgerLedger) DecreaseBalance(id AccountID, amount *uint256.Int) error {
	return l.updateBalance(id, func(cur *uint256.Int) (*uint256.Int, error) {
		return decrease(cur, amount)
	})
}

func (l *BadgerLedger) updateBalance(id AccountID, fn func(*uint256.Int) (*uint256.Int, error)) error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.db.Update(func(txn *badger.Txn) error {
		cur, err := readBalance(txn, id)
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		if next.IsZero() {
			return txn.Delete(key(prefixBalance, id))
		}
		return txn.Set(key(prefixBalance, id), next.Bytes())
	})
}

// Apply implements Ledger. Staged changes are checked and written in one
// badger transaction, so a rejected batch writes nothing. A batch too large
// for one transaction fails with badger.ErrTxnTooBig.
func (l *BadgerLedger) Apply(b *Batch) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if b.Len() == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var writes []accountWrite
	err := l.db.Update(func(txn *badger.Txn) error {
		var err error
		writes, err = b.resolve(l.maxData, func(id AccountID) (*uint256.Int, error) {
			return readBalance(txn, id)
		})
		if err != nil {
			return err
		}
		return stageWrites(txn, writes)
	})
	if err != nil {
		l.forgetMeta(writes)
		return err
	}
	if l.cache != nil {
		for _, w := range writes {
			if w.meta != nil {
				l.cache.Add(w.id, metaCacheEntry{meta: *w.meta, found: true})
			}
		}
	}
	return nil
}

func stageWrites(w *badger.Txn, writes []accountWrite) error {
	for _, aw := range writes {
		if aw.meta != nil {
			if err := w.Set(key(prefixMeta, aw.id), aw.meta.Encode()); err != nil {
				return err
			}
		}
		if aw.setData {
			var err error
			if len(aw.data) == 0 {
				err = w.Delete(key(prefixData, aw.id))
			} else {
				err = w.Set(key(prefixData, aw.id), aw.data)
			}
			if err != nil {
				return err
			}
		}
		if aw.balance != nil {
			var err error
			if aw.balance.IsZero() {
				err = w.Delete(key(prefixBalance, aw.id))
			} else {
				err = w.Set(key(prefixBalance, aw.id), aw.balance.Bytes())
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *BadgerLedger) forgetMeta(writes []accountWrite) {
	if l.cache == nil {
		return
	}
	for _, w := range writes {
		if w.meta != nil {
			l.cache.Remove(w.id)
		}
	}
}

func readBalance(txn *badger.Txn, id AccountID) (*uint256.Int, error) {
	item, err := txn.Get(key(prefixBalance, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	b := new(uint256.Int)
	err = item.Value(func(val []byte) error {
		if len(val) > 32 {
			return fmt.Errorf("%w: balance length %d", ErrCorrupted, len(val))
		}
		b.SetBytes(val)
		return nil
	})
	return b, err
}

// ForEach implements Ledger. Metadata and balance keyspaces are walked
// together so accounts are visited once, in ascending id order.
func (l *BadgerLedger) ForEach(fn func(id AccountID, entry Entry) error) error {
	if l.closed.Load() {
		return ErrClosed
	}
	return l.db.View(func(txn *badger.Txn) error {
		mopts := badger.DefaultIteratorOptions
		mopts.Prefix = prefixMeta
		mi := txn.NewIterator(mopts)
		defer mi.Close()

		bopts := badger.DefaultIteratorOptions
		bopts.Prefix = prefixBalance
		bi := txn.NewIterator(bopts)
		defer bi.Close()

		mi.Rewind()
		bi.Rewind()
		for mi.Valid() || bi.Valid() {
			var mid, bid AccountID
			var mok, bok bool
			if mi.Valid() {
				mid, mok = idFromKey(mi.Item().Key())
			}
			if bi.Valid() {
				bid, bok = idFromKey(bi.Item().Key())
			}

			useMeta, useBal := mi.Valid(), bi.Valid()
			if useMeta && useBal {
				switch c := bytes.Compare(mid[:], bid[:]); {
				case c < 0:
					useBal = false
				case c > 0:
					useMeta = false
				}
			}

			var id AccountID
			entry := Entry{Balance: new(uint256.Int)}
			if useMeta {
				if !mok {
					return fmt.Errorf("%w: meta key length", ErrCorrupted)
				}
				id = mid
				val, err := mi.Item().ValueCopy(nil)
				if err != nil {
					return err
				}
				meta, err := accounts.DecodeAccountMeta(val)
				if err != nil {
					return fmt.Errorf("%w: %v", ErrCorrupted, err)
				}
				entry.Meta = &meta
				mi.Next()
			}
			if useBal {
				if !bok {
					return fmt.Errorf("%w: balance key length", ErrCorrupted)
				}
				id = bid
				val, err := bi.Item().ValueCopy(nil)
				if err != nil {
					return err
				}
				entry.Balance.SetBytes(val)
				bi.Next()
			}

			item, err := txn.Get(key(prefixData, id))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				if entry.Data, err = item.ValueCopy(nil); err != nil {
					return err
				}
			}

			if err := fn(id, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// RunGC runs garbage collection on the value log.
func (l *BadgerLedger) RunGC() error {
	if l.closed.Load() {
		return ErrClosed
	}
	err := l.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Sync ensures all writes are persisted to disk.
func (l *BadgerLedger) Sync() error {
	if l.closed.Load() {
		return ErrClosed
	}
	return l.db.Sync()
}

// Size returns the size of the database in bytes.
func (l *BadgerLedger) Size() (lsm, vlog int64) {
	return l.db.Size()
}

// Close implements Ledger.
func (l *BadgerLedger) Close() error {
	if l.closed.Swap(true) {
		return ErrClosed
	}
	if l.cache != nil {
		l.cache.Purge()
	}
	l.logger.Info("ledger closed")
	return l.db.Close()
}

// badgerLogger routes badger's own logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (b badgerLogger) Errorf(format string, args ...interface{})   { b.s.Errorf(format, args...) }
func (b badgerLogger) Warningf(format string, args ...interface{}) { b.s.Warnf(format, args...) }
func (b badgerLogger) Infof(format string, args ...interface{})    { b.s.Debugf(format, args...) }
func (b badgerLogger) Debugf(format string, args ...interface{})   { b.s.Debugf(format, args...) }

var _ Ledger = (*BadgerLedger)(nil)
