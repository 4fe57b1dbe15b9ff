package txcontext

import (
	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/accounts"
)

// BorrowedAccount is an exclusive handle on one account of the running
// instruction. Every mutator checks the runtime's capability rules first.
// Release must be called once the handle is no longer needed.
type BorrowedAccount struct {
	tc                 *TransactionContext
	ic                 *InstructionContext
	indexInTransaction IndexOfAccount
	indexInInstruction IndexOfAccount
	account            *accounts.AccountSharedData
	released           bool
}

// Release returns the borrow. Calling it twice is a no-op.
func (b *BorrowedAccount) Release() {
	if b.released {
		return
	}
	b.released = true
	b.tc.accounts.release(b.indexInTransaction)
}

// IndexInTransaction returns the account's transaction index.
func (b *BorrowedAccount) IndexInTransaction() IndexOfAccount {
	return b.indexInTransaction
}

// IndexInInstruction returns the account's position in the instruction,
// counting program accounts first.
func (b *BorrowedAccount) IndexInInstruction() IndexOfAccount {
	return b.indexInInstruction
}

// Key returns the account address.
func (b *BorrowedAccount) Key() types.Pubkey {
	return b.tc.keys[b.indexInTransaction]
}

// Owner returns the owning program.
func (b *BorrowedAccount) Owner() types.Pubkey {
	return b.account.Owner()
}

// Lamports returns the balance in whole lamports.
func (b *BorrowedAccount) Lamports() uint64 {
	return b.account.Lamports()
}

// Data returns the account data. The slice must not be written.
func (b *BorrowedAccount) Data() []byte {
	return b.account.Data()
}

// DataLen returns the data length.
func (b *BorrowedAccount) DataLen() int {
	return b.account.DataLen()
}

// IsExecutable reports the executable flag.
func (b *BorrowedAccount) IsExecutable() bool {
	return b.account.Executable()
}

// RentEpoch returns the account's rent epoch.
func (b *BorrowedAccount) RentEpoch() uint64 {
	return b.account.RentEpoch()
}

// SetOwner assigns a new owner.
func (b *BorrowedAccount) SetOwner(owner types.Pubkey) error {
	if !b.IsOwnedByCurrentProgram() || !b.IsWritable() || b.IsExecutable() || !isZeroed(b.account.Data()) {
		return ErrModifiedProgramID
	}
	if b.account.Owner() == owner {
		return nil
	}
	if err := b.touch(); err != nil {
		return err
	}
	b.account.SetOwner(owner)
	return nil
}

// SetLamports sets the balance. Only the delta is applied so sub-lamport dust
// is kept.
func (b *BorrowedAccount) SetLamports(lamports uint64) error {
	current := b.account.Lamports()
	if !b.IsOwnedByCurrentProgram() && lamports < current {
		return ErrExternalAccountLamportSpend
	}
	if !b.IsWritable() {
		return ErrReadonlyLamportChange
	}
	if b.IsExecutable() {
		return ErrExecutableLamportChange
	}
	if current == lamports {
		return nil
	}
	if err := b.touch(); err != nil {
		return err
	}
	var (
		next accounts.Lamports
		err  error
	)
	if lamports > current {
		next, err = b.account.LamportsValue().CheckedAdd(lamports - current)
	} else {
		next, err = b.account.LamportsValue().CheckedSub(current - lamports)
	}
	if err != nil {
		return ErrArithmeticOverflow
	}
	b.account.SetLamportsValue(next)
	return nil
}

// CheckedAddLamports credits the account.
func (b *BorrowedAccount) CheckedAddLamports(lamports uint64) error {
	current := b.account.Lamports()
	if current+lamports < current {
		return ErrArithmeticOverflow
	}
	return b.SetLamports(current + lamports)
}

// CheckedSubLamports debits the account.
func (b *BorrowedAccount) CheckedSubLamports(lamports uint64) error {
	current := b.account.Lamports()
	if lamports > current {
		return ErrArithmeticOverflow
	}
	return b.SetLamports(current - lamports)
}

// DataMut returns the data for in-place writes.
func (b *BorrowedAccount) DataMut() ([]byte, error) {
	if err := b.CanDataBeChanged(); err != nil {
		return nil, err
	}
	if err := b.touch(); err != nil {
		return nil, err
	}
	return b.account.DataMut(), nil
}

// SetDataFromSlice replaces the data, resizing as needed.
func (b *BorrowedAccount) SetDataFromSlice(data []byte) error {
	if err := b.CanDataBeResized(len(data)); err != nil {
		return err
	}
	if err := b.CanDataBeChanged(); err != nil {
		return err
	}
	if err := b.touch(); err != nil {
		return err
	}
	b.updateResizeDelta(len(data))
	b.account.SetDataFromSlice(data)
	return nil
}

// SetDataLength resizes the data, zero filling any growth.
func (b *BorrowedAccount) SetDataLength(newLength int) error {
	if err := b.CanDataBeResized(newLength); err != nil {
		return err
	}
	if err := b.CanDataBeChanged(); err != nil {
		return err
	}
	if b.account.DataLen() == newLength {
		return nil
	}
	if err := b.touch(); err != nil {
		return err
	}
	b.updateResizeDelta(newLength)
	b.account.Resize(newLength)
	return nil
}

// ExtendFromSlice appends data.
func (b *BorrowedAccount) ExtendFromSlice(data []byte) error {
	newLength := b.account.DataLen() + len(data)
	if err := b.CanDataBeResized(newLength); err != nil {
		return err
	}
	if err := b.CanDataBeChanged(); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := b.touch(); err != nil {
		return err
	}
	b.updateResizeDelta(newLength)
	b.account.ExtendFromSlice(data)
	return nil
}

// IsRentExemptAtDataLength reports whether the current balance covers rent
// for dataLen bytes.
func (b *BorrowedAccount) IsRentExemptAtDataLength(dataLen int) bool {
	return b.tc.rent.IsExempt(b.account.Lamports(), dataLen)
}

// SetExecutable marks the account executable. The flag can never be cleared.
func (b *BorrowedAccount) SetExecutable(executable bool) error {
	if !b.tc.rent.IsExempt(b.account.Lamports(), b.account.DataLen()) {
		return ErrExecutableAccountNotRentExempt
	}
	if !b.IsOwnedByCurrentProgram() || !b.IsWritable() {
		return ErrExecutableModified
	}
	if b.IsExecutable() && !executable {
		return ErrExecutableModified
	}
	if b.IsExecutable() == executable {
		return nil
	}
	if err := b.touch(); err != nil {
		return err
	}
	b.account.SetExecutable(executable)
	return nil
}

// IsSigner reports whether the account signed. Program accounts never do.
func (b *BorrowedAccount) IsSigner() bool {
	numProgram := IndexOfAccount(b.ic.NumberOfProgramAccounts())
	if b.indexInInstruction < numProgram {
		return false
	}
	signer, _ := b.ic.IsInstructionAccountSigner(b.indexInInstruction - numProgram)
	return signer
}

// IsWritable reports whether the account may be written. Program accounts never may.
func (b *BorrowedAccount) IsWritable() bool {
	numProgram := IndexOfAccount(b.ic.NumberOfProgramAccounts())
	if b.indexInInstruction < numProgram {
		return false
	}
	writable, _ := b.ic.IsInstructionAccountWritable(b.indexInInstruction - numProgram)
	return writable
}

// IsOwnedByCurrentProgram reports whether the executing program owns the account.
func (b *BorrowedAccount) IsOwnedByCurrentProgram() bool {
	key, err := b.ic.LastProgramKey(b.tc)
	return err == nil && key == b.account.Owner()
}

// CanDataBeChanged checks whether the running program may write the data.
func (b *BorrowedAccount) CanDataBeChanged() error {
	if b.IsExecutable() {
		return ErrExecutableDataModified
	}
	if !b.IsWritable() {
		return ErrReadonlyDataModified
	}
	if !b.IsOwnedByCurrentProgram() {
		return ErrExternalAccountDataModified
	}
	return nil
}

// CanDataBeResized checks whether the data may grow or shrink to newLength.
func (b *BorrowedAccount) CanDataBeResized(newLength int) error {
	oldLength := b.account.DataLen()
	if newLength != oldLength && !b.IsOwnedByCurrentProgram() {
		return ErrAccountDataSizeChanged
	}
	if newLength > MaxPermittedDataLength {
		return ErrInvalidRealloc
	}
	delta := int64(newLength) - int64(oldLength)
	if b.tc.accountsResizeDelta+delta > MaxPermittedAccountsDataAllocationsPerTransaction {
		return ErrMaxAccountsDataAllocationsExceeded
	}
	return nil
}

func (b *BorrowedAccount) updateResizeDelta(newLength int) {
	b.tc.accountsResizeDelta += int64(newLength) - int64(b.account.DataLen())
}

func (b *BorrowedAccount) touch() error {
	return b.tc.accounts.touch(b.indexInTransaction)
}

func isZeroed(data []byte) bool {
	for _, c := range data {
		if c != 0 {
			return false
		}
	}
	return true
}
