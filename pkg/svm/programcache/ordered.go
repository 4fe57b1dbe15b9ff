package programcache

import (
	"github.com/google/btree"

	"github.com/fortiblox/stratus-svm/internal/types"
)

type keyedEntry struct {
	key   types.Pubkey
	entry *Entry
}

func lessKeyedEntry(a, b keyedEntry) bool {
	return a.key.Less(b.key)
}

// OrderedEntries maps program addresses to entries in key order.
type OrderedEntries struct {
	tree *btree.BTreeG[keyedEntry]
}

// NewOrderedEntries returns an empty map.
func NewOrderedEntries() *OrderedEntries {
	return &OrderedEntries{tree: btree.NewG(8, lessKeyedEntry)}
}

// Set inserts or replaces the entry of key and returns the previous one.
func (o *OrderedEntries) Set(key types.Pubkey, entry *Entry) (*Entry, bool) {
	prev, ok := o.tree.ReplaceOrInsert(keyedEntry{key: key, entry: entry})
	return prev.entry, ok
}

// Get returns the entry of key.
func (o *OrderedEntries) Get(key types.Pubkey) (*Entry, bool) {
	if o == nil {
		return nil, false
	}
	item, ok := o.tree.Get(keyedEntry{key: key})
	return item.entry, ok
}

// Delete removes key.
func (o *OrderedEntries) Delete(key types.Pubkey) (*Entry, bool) {
	item, ok := o.tree.Delete(keyedEntry{key: key})
	return item.entry, ok
}

// Len returns the number of entries.
func (o *OrderedEntries) Len() int {
	if o == nil {
		return 0
	}
	return o.tree.Len()
}

// Ascend calls fn in key order until it returns false.
func (o *OrderedEntries) Ascend(fn func(key types.Pubkey, entry *Entry) bool) {
	if o == nil {
		return
	}
	o.tree.Ascend(func(item keyedEntry) bool {
		return fn(item.key, item.entry)
	})
}

// Keys returns the keys in order.
func (o *OrderedEntries) Keys() []types.Pubkey {
	keys := make([]types.Pubkey, 0, o.Len())
	o.Ascend(func(key types.Pubkey, _ *Entry) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}
