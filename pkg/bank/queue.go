package bank

import (
	"fmt"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/blockstore"
)

// BlockhashQueue is the FIFO of recent blockhashes transactions may
// reference. Entries live in the blockstore keyed by hash; a hash is valid
// while it is at most maxAge blocks older than the last registered one.
type BlockhashQueue struct {
	store  blockstore.Store
	maxAge uint64
}

// NewBlockhashQueue wraps store.
func NewBlockhashQueue(store blockstore.Store, maxAge uint64) *BlockhashQueue {
	return &BlockhashQueue{store: store, maxAge: maxAge}
}

// MaxAge returns the number of blocks a hash stays valid.
func (q *BlockhashQueue) MaxAge() uint64 {
	return q.maxAge
}

// Register records hash as the blockhash of block hashIndex.
func (q *BlockhashQueue) Register(hash types.Hash, hashIndex uint64, lamportsPerSignature uint64, timestamp int64) error {
	err := q.store.PutHashInfo(hash, blockstore.HashInfo{
		LamportsPerSignature: lamportsPerSignature,
		HashIndex:            hashIndex,
		Timestamp:            timestamp,
	})
	if err != nil {
		return fmt.Errorf("register blockhash %s: %w", hash, err)
	}
	return nil
}

// HashInfoIfValid returns the entry of hash when it is still valid for a
// transaction in block number.
func (q *BlockhashQueue) HashInfoIfValid(hash types.Hash, number uint64) (blockstore.HashInfo, bool, error) {
	info, ok, err := q.store.HashInfo(hash)
	if err != nil || !ok {
		return info, false, err
	}
	lastHashIndex := saturatingSub(number, 1)
	if info.HashIndex > lastHashIndex || lastHashIndex-info.HashIndex > q.maxAge {
		return info, false, nil
	}
	return info, true, nil
}

// Remove drops hash.
func (q *BlockhashQueue) Remove(hash types.Hash) error {
	return q.store.RemoveHashInfo(hash)
}

// Len returns the number of queued hashes.
func (q *BlockhashQueue) Len() (int, error) {
	return q.store.HashInfoCount()
}

// StatusCache remembers which transactions were processed under each
// blockhash, so a replay is rejected while the blockhash is still valid.
type StatusCache struct {
	store blockstore.Store
}

// NewStatusCache wraps store.
func NewStatusCache(store blockstore.Store) *StatusCache {
	return &StatusCache{store: store}
}

// Get returns the recorded status of the message under blockhash.
func (c *StatusCache) Get(blockhash, messageHash types.Hash) (blockstore.TxStatus, bool, error) {
	return c.store.Status(blockhash, messageHash)
}

// Insert records a processed transaction.
func (c *StatusCache) Insert(blockhash, messageHash types.Hash, status blockstore.TxStatus) error {
	return c.store.PutStatus(blockhash, messageHash, status)
}

// Purge forgets every transaction processed under blockhash.
func (c *StatusCache) Purge(blockhash types.Hash) error {
	return c.store.PurgeStatuses(blockhash)
}

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
