package programcache

import (
	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/svm/loader"
)

// Environments are the two runtime environments programs are verified under.
// V1 serves loaders v1 to v3, V2 serves loader v4.
type Environments struct {
	V1 *loader.Environment
	V2 *loader.Environment
}

// DefaultEnvironments builds both environments with the default syscalls.
func DefaultEnvironments() Environments {
	return Environments{
		V1: loader.NewDefaultEnvironment("program-runtime-v1"),
		V2: loader.NewDefaultEnvironment("program-runtime-v2"),
	}
}

// ForOwner returns the environment programs of owner are verified under.
func (e Environments) ForOwner(owner Owner) *loader.Environment {
	if owner == OwnerLoaderV4 {
		return e.V2
	}
	return e.V1
}

// ForTxBatch is the cache view of one batch of transactions. Entries modified
// by a transaction live in an overlay until they are merged.
type ForTxBatch struct {
	entries         map[types.Pubkey]*Entry
	modifiedEntries *OrderedEntries
	slot            uint64

	Environments         Environments
	UpcomingEnvironments *Environments
	LatestRootEpoch      uint64

	// HitMaxLimit is set when filling the batch caused evictions.
	HitMaxLimit bool
	// LoadedMissing is set when a program had to be loaded from its account.
	LoadedMissing bool
	// MergedModified is set once a transaction's modifications were merged.
	MergedModified bool
}

// NewForTxBatch returns an empty view for slot.
func NewForTxBatch(slot uint64, envs Environments, upcoming *Environments, latestRootEpoch uint64) *ForTxBatch {
	return &ForTxBatch{
		entries:              make(map[types.Pubkey]*Entry),
		modifiedEntries:      NewOrderedEntries(),
		slot:                 slot,
		Environments:         envs,
		UpcomingEnvironments: upcoming,
		LatestRootEpoch:      latestRootEpoch,
	}
}

// EnvironmentsForEpoch returns the upcoming environments for any epoch past
// the latest root epoch, if they are known.
func (b *ForTxBatch) EnvironmentsForEpoch(epoch uint64) Environments {
	if epoch != b.LatestRootEpoch && b.UpcomingEnvironments != nil {
		return *b.UpcomingEnvironments
	}
	return b.Environments
}

// Replenish inserts entry and reports whether key was already present.
func (b *ForTxBatch) Replenish(key types.Pubkey, entry *Entry) (bool, *Entry) {
	_, existed := b.entries[key]
	b.entries[key] = entry
	return existed, entry
}

// StoreModifiedEntry records an entry produced by the running transaction.
func (b *ForTxBatch) StoreModifiedEntry(key types.Pubkey, entry *Entry) {
	b.modifiedEntries.Set(key, entry)
}

// DrainModifiedEntries hands over the overlay and starts a new one.
func (b *ForTxBatch) DrainModifiedEntries() *OrderedEntries {
	drained := b.modifiedEntries
	b.modifiedEntries = NewOrderedEntries()
	return drained
}

// Find looks key up in the overlay, then in the batch entries. A Loaded entry
// that is not effective yet at the batch slot is returned as a DelayVisibility
// tombstone. The stored entry is left as is.
func (b *ForTxBatch) Find(key types.Pubkey) (*Entry, bool) {
	entry, ok := b.modifiedEntries.Get(key)
	if !ok {
		entry, ok = b.entries[key]
	}
	if !ok {
		return nil, false
	}
	if entry.IsImplicitDelayVisibilityTombstone(b.slot) {
		return NewTombstone(entry.DeploymentSlot, entry.Owner, DelayVisibility, nil), true
	}
	return entry, true
}

// Slot returns the batch slot.
func (b *ForTxBatch) Slot() uint64 {
	return b.slot
}

// SetSlot moves the batch to slot.
func (b *ForTxBatch) SetSlot(slot uint64) {
	b.slot = slot
}

// IsEmpty reports whether the batch has no entries.
func (b *ForTxBatch) IsEmpty() bool {
	return len(b.entries) == 0
}

// Len returns the number of batch entries, not counting the overlay.
func (b *ForTxBatch) Len() int {
	return len(b.entries)
}

// Merge folds a transaction's modified entries into the batch.
func (b *ForTxBatch) Merge(modified *OrderedEntries) {
	modified.Ascend(func(key types.Pubkey, entry *Entry) bool {
		b.MergedModified = true
		b.Replenish(key, entry)
		return true
	})
}
