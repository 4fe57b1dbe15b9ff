// Package accounts implements the in-memory account model used by the runtime.
//
// It covers:
// - AccountSharedData, a copy-on-write account whose data buffer is shared
//   between clones until one of them writes
// - Lamports, a balance in the ledger's native unit with a lamport view
// - AccountMeta, the persisted (rent_epoch, owner, executable) triple
// - Rent, RentState and RentCollector
// - the nonce account state codec used by durable transactions
//
// Accounts are always handled through pointers. Copy them with Clone, never by
// dereferencing, so the share count of the data buffer stays accurate.
package accounts

import (
	"bytes"
	"math"
	"sync/atomic"

	"github.com/fortiblox/stratus-svm/internal/types"
)

// RentExemptRentEpoch marks an account as permanently rent exempt.
const RentExemptRentEpoch = uint64(math.MaxUint64)

// sharedBuffer is a byte buffer with an owner count. Writers holding a buffer
// with more than one owner clone it first.
type sharedBuffer struct {
	bytes  []byte
	owners atomic.Int32
}

func newSharedBuffer(b []byte) *sharedBuffer {
	buf := &sharedBuffer{bytes: b}
	buf.owners.Store(1)
	return buf
}

// AccountSharedData is a Solana account with a copy-on-write data buffer.
type AccountSharedData struct {
	lamports   Lamports
	data       *sharedBuffer
	owner      types.Pubkey
	executable bool
	rentEpoch  uint64
}

// NewAccount creates an account with zeroed data of the given size.
func NewAccount(lamports uint64, space int, owner types.Pubkey) *AccountSharedData {
	return NewAccountWithLamports(NewLamports(lamports, 1), make([]byte, space), owner)
}

// NewAccountWithData creates an account that takes ownership of data.
func NewAccountWithData(lamports uint64, data []byte, owner types.Pubkey) *AccountSharedData {
	return NewAccountWithLamports(NewLamports(lamports, 1), data, owner)
}

// NewAccountWithLamports creates an account from a native balance.
func NewAccountWithLamports(lamports Lamports, data []byte, owner types.Pubkey) *AccountSharedData {
	if data == nil {
		data = []byte{}
	}
	return &AccountSharedData{
		lamports: lamports,
		data:     newSharedBuffer(data),
		owner:    owner,
	}
}

// NewRentEpochAccount creates an account with an explicit rent epoch.
func NewRentEpochAccount(lamports uint64, space int, owner types.Pubkey, rentEpoch uint64) *AccountSharedData {
	a := NewAccount(lamports, space, owner)
	a.rentEpoch = rentEpoch
	return a
}

// NewDefaultAccount returns the zero account used for missing addresses.
func NewDefaultAccount() *AccountSharedData {
	return NewAccount(0, 0, types.Pubkey{})
}

// Reset turns the account into the default (empty, system owned) account.
func (a *AccountSharedData) Reset() {
	a.SetData(nil)
	a.lamports = Lamports{multiplier: a.lamports.Multiplier()}
	a.owner = types.Pubkey{}
	a.executable = false
	a.rentEpoch = 0
}

// Clone returns a copy that shares the data buffer until either side writes.
func (a *AccountSharedData) Clone() *AccountSharedData {
	if a == nil {
		return nil
	}
	a.buffer().owners.Add(1)
	c := *a
	return &c
}

func (a *AccountSharedData) buffer() *sharedBuffer {
	if a.data == nil {
		a.data = newSharedBuffer([]byte{})
	}
	return a.data
}

// IsShared reports whether the data buffer currently has other owners.
func (a *AccountSharedData) IsShared() bool {
	return a.buffer().owners.Load() > 1
}

// Lamports returns the balance in whole lamports.
func (a *AccountSharedData) Lamports() uint64 {
	return a.lamports.Get()
}

// LamportsValue returns the native balance.
func (a *AccountSharedData) LamportsValue() Lamports {
	return a.lamports
}

// SetLamports sets the balance to a whole number of lamports.
func (a *AccountSharedData) SetLamports(lamports uint64) {
	a.lamports = NewLamports(lamports, a.lamports.Multiplier())
}

// SetLamportsValue replaces the native balance.
func (a *AccountSharedData) SetLamportsValue(lamports Lamports) {
	a.lamports = lamports
}

// CheckedAddLamports credits lamports without discarding sub-lamport dust.
func (a *AccountSharedData) CheckedAddLamports(lamports uint64) error {
	l, err := a.lamports.CheckedAdd(lamports)
	if err != nil {
		return err
	}
	a.lamports = l
	return nil
}

// CheckedSubLamports debits lamports without discarding sub-lamport dust.
func (a *AccountSharedData) CheckedSubLamports(lamports uint64) error {
	l, err := a.lamports.CheckedSub(lamports)
	if err != nil {
		return err
	}
	a.lamports = l
	return nil
}

// SaturatingAddLamports credits lamports, clamping at the maximum.
func (a *AccountSharedData) SaturatingAddLamports(lamports uint64) {
	a.lamports = a.lamports.SaturatingAdd(lamports)
}

// SaturatingSubLamports debits lamports, clamping at zero.
func (a *AccountSharedData) SaturatingSubLamports(lamports uint64) {
	a.lamports = a.lamports.SaturatingSub(lamports)
}

// Data returns the account data. The slice must not be written to.
func (a *AccountSharedData) Data() []byte {
	return a.buffer().bytes
}

// DataLen returns the length of the account data.
func (a *AccountSharedData) DataLen() int {
	return len(a.buffer().bytes)
}

// DataMut returns a writable view of the data, cloning a shared buffer first.
func (a *AccountSharedData) DataMut() []byte {
	a.ensureUnique()
	return a.data.bytes
}

func (a *AccountSharedData) ensureUnique() {
	buf := a.buffer()
	if buf.owners.Load() <= 1 {
		return
	}
	fresh := make([]byte, len(buf.bytes))
	copy(fresh, buf.bytes)
	buf.owners.Add(-1)
	a.data = newSharedBuffer(fresh)
}

// SetData replaces the data buffer, taking ownership of data.
func (a *AccountSharedData) SetData(data []byte) {
	if data == nil {
		data = []byte{}
	}
	if a.data != nil {
		a.data.owners.Add(-1)
	}
	a.data = newSharedBuffer(data)
}

// SetDataFromSlice copies data into the account.
func (a *AccountSharedData) SetDataFromSlice(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	a.SetData(buf)
}

// Resize grows (zero filled) or truncates the data.
func (a *AccountSharedData) Resize(newLen int) {
	a.ensureUnique()
	cur := a.data.bytes
	switch {
	case newLen <= len(cur):
		a.data.bytes = cur[:newLen]
	case newLen <= cap(cur):
		a.data.bytes = cur[:newLen]
		clear(a.data.bytes[len(cur):])
	default:
		grown := make([]byte, newLen)
		copy(grown, cur)
		a.data.bytes = grown
	}
}

// ExtendFromSlice appends data.
func (a *AccountSharedData) ExtendFromSlice(data []byte) {
	a.ensureUnique()
	a.data.bytes = append(a.data.bytes, data...)
}

// Owner returns the owning program.
func (a *AccountSharedData) Owner() types.Pubkey {
	return a.owner
}

// SetOwner sets the owning program.
func (a *AccountSharedData) SetOwner(owner types.Pubkey) {
	a.owner = owner
}

// Executable reports whether the account holds a program.
func (a *AccountSharedData) Executable() bool {
	return a.executable
}

// SetExecutable sets the executable flag.
func (a *AccountSharedData) SetExecutable(executable bool) {
	a.executable = executable
}

// RentEpoch returns the epoch at which the account next owes rent.
func (a *AccountSharedData) RentEpoch() uint64 {
	return a.rentEpoch
}

// SetRentEpoch sets the rent epoch.
func (a *AccountSharedData) SetRentEpoch(epoch uint64) {
	a.rentEpoch = epoch
}

// Meta returns the persisted metadata of the account.
func (a *AccountSharedData) Meta() AccountMeta {
	return AccountMeta{
		RentEpoch:  a.rentEpoch,
		Owner:      a.owner,
		Executable: a.executable,
	}
}

// Equal compares every field, including native dust.
func (a *AccountSharedData) Equal(other *AccountSharedData) bool {
	if a == nil || other == nil {
		return a == other
	}
	return a.lamports.Equal(other.lamports) &&
		a.owner == other.owner &&
		a.executable == other.executable &&
		a.rentEpoch == other.rentEpoch &&
		bytes.Equal(a.Data(), other.Data())
}
