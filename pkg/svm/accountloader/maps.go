package accountloader

import (
	"github.com/google/btree"

	"github.com/fortiblox/stratus-svm/internal/types"
)

// RentDebit is the rent taken from one account while loading.
type RentDebit struct {
	RentCollected uint64
	PostBalance   uint64
}

// RentDebits records the accounts rent was collected from.
type RentDebits struct {
	debits map[types.Pubkey]RentDebit
}

// NewRentDebits returns an empty set.
func NewRentDebits() *RentDebits {
	return &RentDebits{debits: make(map[types.Pubkey]RentDebit)}
}

// Insert records a debit. Zero rent is not recorded.
func (r *RentDebits) Insert(address types.Pubkey, rentCollected, postBalance uint64) {
	if rentCollected == 0 {
		return
	}
	r.debits[address] = RentDebit{RentCollected: rentCollected, PostBalance: postBalance}
}

// Get returns the debit recorded for address.
func (r *RentDebits) Get(address types.Pubkey) (RentDebit, bool) {
	if r == nil {
		return RentDebit{}, false
	}
	d, ok := r.debits[address]
	return d, ok
}

// Len returns the number of recorded debits.
func (r *RentDebits) Len() int {
	if r == nil {
		return 0
	}
	return len(r.debits)
}

// ProgramOwner is the loader owning a candidate program account and how many
// times the account appears across a batch.
type ProgramOwner struct {
	Owner types.Pubkey
	Count uint64
}

type programAccountItem struct {
	key   types.Pubkey
	owner ProgramOwner
}

func lessProgramAccountItem(a, b programAccountItem) bool {
	return a.key.Less(b.key)
}

// ProgramAccountsMap maps candidate program accounts to their owners, in key
// order so cache replenishment visits programs deterministically.
type ProgramAccountsMap struct {
	tree *btree.BTreeG[programAccountItem]
}

// NewProgramAccountsMap returns an empty map.
func NewProgramAccountsMap() *ProgramAccountsMap {
	return &ProgramAccountsMap{tree: btree.NewG(8, lessProgramAccountItem)}
}

// Add counts one more reference to key, recording owner on first sight.
func (m *ProgramAccountsMap) Add(key, owner types.Pubkey) {
	item, ok := m.tree.Get(programAccountItem{key: key})
	if !ok {
		item = programAccountItem{key: key, owner: ProgramOwner{Owner: owner}}
	}
	item.owner.Count++
	m.tree.ReplaceOrInsert(item)
}

// Set records key with an explicit owner and count.
func (m *ProgramAccountsMap) Set(key types.Pubkey, owner ProgramOwner) {
	m.tree.ReplaceOrInsert(programAccountItem{key: key, owner: owner})
}

// Get returns the owner recorded for key.
func (m *ProgramAccountsMap) Get(key types.Pubkey) (ProgramOwner, bool) {
	if m == nil {
		return ProgramOwner{}, false
	}
	item, ok := m.tree.Get(programAccountItem{key: key})
	return item.owner, ok
}

// Len returns the number of keys.
func (m *ProgramAccountsMap) Len() int {
	if m == nil {
		return 0
	}
	return m.tree.Len()
}

// Ascend visits entries in key order until fn returns false.
func (m *ProgramAccountsMap) Ascend(fn func(key types.Pubkey, owner ProgramOwner) bool) {
	if m == nil {
		return
	}
	m.tree.Ascend(func(item programAccountItem) bool {
		return fn(item.key, item.owner)
	})
}

// Keys returns the keys in order.
func (m *ProgramAccountsMap) Keys() []types.Pubkey {
	keys := make([]types.Pubkey, 0, m.Len())
	m.Ascend(func(key types.Pubkey, _ ProgramOwner) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}
