// Package ledger is the account storage the runtime executes against.
//
// The ledger keeps three keyspaces, all keyed by AccountID:
//   - AccountMeta: rent epoch, owner and executable flag
//   - AccountData: the account data bytes, absent when empty
//   - Balance: the native currency balance
//
// Metadata is stored apart from data so it can be read without loading
// potentially large program data. Balances are stored in the ledger's own
// native denomination; converting them to lamports is left to the caller.
//
// AccountID is derived from a 32-byte address with blake3. The mapping is
// one way: a ledger cannot recover the address of an account it stores.
package ledger

import (
	"errors"
	"sort"
	"sync"

	"github.com/holiman/uint256"
	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/accounts"
)

var (
	// ErrClosed is returned when operating on a closed ledger.
	ErrClosed = errors.New("ledger closed")

	// ErrInsufficientBalance is returned when a decrease exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrBalanceOverflow is returned when an increase overflows 256 bits.
	ErrBalanceOverflow = errors.New("balance overflow")

	// ErrDataTooLarge is returned when account data exceeds the configured
	// maximum length.
	ErrDataTooLarge = errors.New("account data too large")

	// ErrCorrupted is returned when a stored value cannot be decoded.
	ErrCorrupted = errors.New("ledger data corrupted")
)

// accountIDContext is the blake3 key derivation context for account ids.
const accountIDContext = "stratus-svm 2024-06 account id"

// AccountID identifies an account inside the ledger.
type AccountID [32]byte

// AccountIDFromPubkey derives the ledger id of an address.
func AccountIDFromPubkey(pubkey types.Pubkey) AccountID {
	var id AccountID
	blake3.DeriveKey(accountIDContext, pubkey[:], id[:])
	return id
}

// String returns the base58 form of the id.
func (id AccountID) String() string {
	return base58.Encode(id[:])
}

// Less orders ids bytewise.
func (id AccountID) Less(other AccountID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// Entry is everything the ledger stores for one account.
type Entry struct {
	// Meta is nil for accounts that only hold a balance.
	Meta    *accounts.AccountMeta
	Data    []byte
	Balance *uint256.Int
}

// Ledger is the account storage the bank reads from and commits to.
type Ledger interface {
	// AccountMeta returns the metadata of id, false when none is stored.
	AccountMeta(id AccountID) (accounts.AccountMeta, bool, error)
	// SetAccountMeta stores the metadata of id.
	SetAccountMeta(id AccountID, meta accounts.AccountMeta) error
	// AccountData returns the data of id, nil when none is stored.
	AccountData(id AccountID) ([]byte, error)
	// SetAccountData stores the data of id. Empty data removes the entry.
	SetAccountData(id AccountID, data []byte) error

	// Balance returns the spendable native balance of id, zero when absent.
	Balance(id AccountID) (*uint256.Int, error)
	// IncreaseBalance adds amount to the balance of id.
	IncreaseBalance(id AccountID, amount *uint256.Int) error
	// DecreaseBalance subtracts amount from the balance of id, failing with
	// ErrInsufficientBalance rather than going negative.
	DecreaseBalance(id AccountID, amount *uint256.Int) error

	// Apply writes every change staged in b, or none of them when a staged
	// balance decrease or data length is rejected.
	Apply(b *Batch) error

	// ForEach calls fn for every stored account in ascending id order.
	// Returning an error from fn stops the iteration.
	ForEach(fn func(id AccountID, entry Entry) error) error

	Close() error
}

// MemoryLedger is an in-memory Ledger for tests and simulation.
type MemoryLedger struct {
	mu       sync.RWMutex
	meta     map[AccountID]accounts.AccountMeta
	data     map[AccountID][]byte
	balances map[AccountID]*uint256.Int
	maxData  int
	closed   bool
}

// NewMemoryLedger creates an empty in-memory ledger with no data length
// limit.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		meta:     make(map[AccountID]accounts.AccountMeta),
		data:     make(map[AccountID][]byte),
		balances: make(map[AccountID]*uint256.Int),
	}
}

// WithMaxDataLength limits the data length accepted by SetAccountData.
// Zero disables the limit.
func (m *MemoryLedger) WithMaxDataLength(n int) *MemoryLedger {
	m.maxData = n
	return m
}

// AccountMeta implements Ledger.
func (m *MemoryLedger) AccountMeta(id AccountID) (accounts.AccountMeta, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return accounts.AccountMeta{}, false, ErrClosed
	}
	meta, ok := m.meta[id]
	return meta, ok, nil
}

// SetAccountMeta implements Ledger.
func (m *MemoryLedger) SetAccountMeta(id AccountID, meta accounts.AccountMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.meta[id] = meta
	return nil
}

// AccountData implements Ledger.
func (m *MemoryLedger) AccountData(id AccountID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	data, ok := m.data[id]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

// SetAccountData implements Ledger.
func (m *MemoryLedger) SetAccountData(id AccountID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if len(data) == 0 {
		delete(m.data, id)
		return nil
	}
	if m.maxData > 0 && len(data) > m.maxData {
		return ErrDataTooLarge
	}
	m.data[id] = append([]byte(nil), data...)
	return nil
}

// Balance implements Ledger.
func (m *MemoryLedger) Balance(id AccountID) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if b, ok := m.balances[id]; ok {
		return new(uint256.Int).Set(b), nil
	}
	return new(uint256.Int), nil
}

// IncreaseBalance implements Ledger.
func (m *MemoryLedger) IncreaseBalance(id AccountID, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	next, err := increase(m.balances[id], amount)
	if err != nil {
		return err
	}
	m.setBalanceLocked(id, next)
	return nil
}

// DecreaseBalance implements Ledger.
func (m *MemoryLedger) DecreaseBalance(id AccountID, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	next, err := decrease(m.balances[id], amount)
	if err != nil {
		return err
	}
	m.setBalanceLocked(id, next)
	return nil
}

func (m *MemoryLedger) setBalanceLocked(id AccountID, b *uint256.Int) {
	if b.IsZero() {
		delete(m.balances, id)
		return
	}
	m.balances[id] = b
}

// Apply implements Ledger.
func (m *MemoryLedger) Apply(b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	writes, err := b.resolve(m.maxData, func(id AccountID) (*uint256.Int, error) {
		return m.balances[id], nil
	})
	if err != nil {
		return err
	}
	for _, w := range writes {
		if w.meta != nil {
			m.meta[w.id] = *w.meta
		}
		if w.setData {
			if len(w.data) == 0 {
				delete(m.data, w.id)
			} else {
				m.data[w.id] = w.data
			}
		}
		if w.balance != nil {
			m.setBalanceLocked(w.id, w.balance)
		}
	}
	return nil
}

// ForEach implements Ledger.
func (m *MemoryLedger) ForEach(fn func(id AccountID, entry Entry) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	seen := make(map[AccountID]struct{}, len(m.meta)+len(m.balances))
	for id := range m.meta {
		seen[id] = struct{}{}
	}
	for id := range m.balances {
		seen[id] = struct{}{}
	}
	ids := make([]AccountID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	entries := make([]Entry, len(ids))
	for i, id := range ids {
		entries[i] = m.entryLocked(id)
	}
	m.mu.RUnlock()

	for i, id := range ids {
		if err := fn(id, entries[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryLedger) entryLocked(id AccountID) Entry {
	var e Entry
	if meta, ok := m.meta[id]; ok {
		e.Meta = &meta
	}
	if data, ok := m.data[id]; ok {
		e.Data = append([]byte(nil), data...)
	}
	e.Balance = new(uint256.Int)
	if b, ok := m.balances[id]; ok {
		e.Balance.Set(b)
	}
	return e
}

// Len returns the number of accounts with metadata.
func (m *MemoryLedger) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.meta)
}

// Close implements Ledger.
func (m *MemoryLedger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	return nil
}

func increase(current, amount *uint256.Int) (*uint256.Int, error) {
	next := new(uint256.Int)
	if current != nil {
		next.Set(current)
	}
	if _, overflow := next.AddOverflow(next, amount); overflow {
		return nil, ErrBalanceOverflow
	}
	return next, nil
}

func decrease(current, amount *uint256.Int) (*uint256.Int, error) {
	next := new(uint256.Int)
	if current != nil {
		next.Set(current)
	}
	if _, underflow := next.SubOverflow(next, amount); underflow {
		return nil, ErrInsufficientBalance
	}
	return next, nil
}

var _ Ledger = (*MemoryLedger)(nil)
