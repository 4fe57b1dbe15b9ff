// Package txcontext is the execution sandbox of a single transaction.
//
// A TransactionContext owns the loaded accounts of a transaction and the
// instruction stack and trace. Programs never touch accounts directly: they
// borrow them through an InstructionContext, and the returned BorrowedAccount
// enforces the ownership, writability and executability rules of the runtime.
//
// Lamport sums are computed in the ledger's native unit so sub-lamport dust is
// covered by the balance checks.
package txcontext

import (
	"github.com/holiman/uint256"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/accounts"
)

const (
	// MaxPermittedDataLength is the largest data size of a single account.
	MaxPermittedDataLength = 10 * 1024 * 1024

	// MaxPermittedAccountsDataAllocationsPerTransaction caps the total data
	// growth of all accounts in one transaction.
	MaxPermittedAccountsDataAllocationsPerTransaction = 2 * MaxPermittedDataLength
)

// IndexOfAccount indexes the accounts of a transaction or instruction.
type IndexOfAccount = uint16

// TransactionAccount is an account together with its address.
type TransactionAccount struct {
	Key     types.Pubkey
	Account *accounts.AccountSharedData
}

type accountCell struct {
	account  *accounts.AccountSharedData
	borrowed bool
}

// TransactionAccounts holds the accounts of a transaction behind exclusive
// borrow flags and records which of them were touched.
type TransactionAccounts struct {
	cells   []accountCell
	touched []bool
}

func newTransactionAccounts(accs []*accounts.AccountSharedData) *TransactionAccounts {
	cells := make([]accountCell, len(accs))
	for i, a := range accs {
		cells[i] = accountCell{account: a}
	}
	return &TransactionAccounts{cells: cells, touched: make([]bool, len(accs))}
}

// Len returns the number of accounts.
func (t *TransactionAccounts) Len() int {
	return len(t.cells)
}

// Get returns the account at index without borrowing it.
func (t *TransactionAccounts) Get(index IndexOfAccount) (*accounts.AccountSharedData, bool) {
	if int(index) >= len(t.cells) {
		return nil, false
	}
	return t.cells[index].account, true
}

func (t *TransactionAccounts) tryBorrowMut(index IndexOfAccount) (*accounts.AccountSharedData, error) {
	if int(index) >= len(t.cells) {
		return nil, ErrMissingAccount
	}
	cell := &t.cells[index]
	if cell.borrowed {
		return nil, ErrAccountBorrowFailed
	}
	cell.borrowed = true
	return cell.account, nil
}

func (t *TransactionAccounts) release(index IndexOfAccount) {
	if int(index) < len(t.cells) {
		t.cells[index].borrowed = false
	}
}

func (t *TransactionAccounts) isBorrowed(index IndexOfAccount) bool {
	return int(index) < len(t.cells) && t.cells[index].borrowed
}

func (t *TransactionAccounts) touch(index IndexOfAccount) error {
	if int(index) >= len(t.touched) {
		return ErrNotEnoughAccountKeys
	}
	t.touched[index] = true
	return nil
}

// TouchedCount returns how many accounts were modified.
func (t *TransactionAccounts) TouchedCount() int {
	n := 0
	for _, touched := range t.touched {
		if touched {
			n++
		}
	}
	return n
}

// ReturnData is the last return data set by a program.
type ReturnData struct {
	ProgramID types.Pubkey
	Data      []byte
}

// TransactionContext is the execution state of one transaction.
type TransactionContext struct {
	keys                []types.Pubkey
	accounts            *TransactionAccounts
	stackCapacity       int
	traceCapacity       int
	stack               []int
	trace               []*InstructionContext
	returnData          ReturnData
	accountsResizeDelta int64
	rent                accounts.Rent
}

// NewTransactionContext builds a context over txAccounts. The trace always
// ends in one pre-reserved, unconfigured instruction context.
func NewTransactionContext(txAccounts []TransactionAccount, rent accounts.Rent, stackCapacity, traceCapacity int) *TransactionContext {
	keys := make([]types.Pubkey, len(txAccounts))
	accs := make([]*accounts.AccountSharedData, len(txAccounts))
	for i, ta := range txAccounts {
		keys[i] = ta.Key
		accs[i] = ta.Account
	}
	return &TransactionContext{
		keys:          keys,
		accounts:      newTransactionAccounts(accs),
		stackCapacity: stackCapacity,
		traceCapacity: traceCapacity,
		stack:         make([]int, 0, stackCapacity),
		trace:         []*InstructionContext{{}},
		rent:          rent,
	}
}

// Accounts returns the borrow-tracked account table.
func (tc *TransactionContext) Accounts() *TransactionAccounts {
	return tc.accounts
}

// NumberOfAccounts returns the number of accounts in the transaction.
func (tc *TransactionContext) NumberOfAccounts() int {
	return tc.accounts.Len()
}

// Rent returns the rent parameters in force.
func (tc *TransactionContext) Rent() accounts.Rent {
	return tc.rent
}

// KeyOfAccountAtIndex returns the address of the account at index.
func (tc *TransactionContext) KeyOfAccountAtIndex(index IndexOfAccount) (types.Pubkey, error) {
	if int(index) >= len(tc.keys) {
		return types.Pubkey{}, ErrNotEnoughAccountKeys
	}
	return tc.keys[index], nil
}

// AccountAtIndex returns the account at index without borrowing it.
func (tc *TransactionContext) AccountAtIndex(index IndexOfAccount) (*accounts.AccountSharedData, error) {
	a, ok := tc.accounts.Get(index)
	if !ok {
		return nil, ErrNotEnoughAccountKeys
	}
	return a, nil
}

// FindIndexOfAccount returns the first index of key.
func (tc *TransactionContext) FindIndexOfAccount(key types.Pubkey) (IndexOfAccount, bool) {
	for i, k := range tc.keys {
		if k == key {
			return IndexOfAccount(i), true
		}
	}
	return 0, false
}

// FindIndexOfProgramAccount returns the last index of key.
func (tc *TransactionContext) FindIndexOfProgramAccount(key types.Pubkey) (IndexOfAccount, bool) {
	for i := len(tc.keys) - 1; i >= 0; i-- {
		if tc.keys[i] == key {
			return IndexOfAccount(i), true
		}
	}
	return 0, false
}

// InstructionStackCapacity returns the maximum nesting depth.
func (tc *TransactionContext) InstructionStackCapacity() int {
	return tc.stackCapacity
}

// InstructionTraceCapacity returns the maximum number of instructions.
func (tc *TransactionContext) InstructionTraceCapacity() int {
	return tc.traceCapacity
}

// InstructionStackHeight returns the current nesting depth.
func (tc *TransactionContext) InstructionStackHeight() int {
	return len(tc.stack)
}

// InstructionTraceLength returns the number of instructions pushed so far.
func (tc *TransactionContext) InstructionTraceLength() int {
	if len(tc.trace) == 0 {
		return 0
	}
	return len(tc.trace) - 1
}

// InstructionContextAtIndexInTrace returns a recorded instruction.
func (tc *TransactionContext) InstructionContextAtIndexInTrace(index int) (*InstructionContext, error) {
	if index < 0 || index >= len(tc.trace) {
		return nil, ErrCallDepth
	}
	return tc.trace[index], nil
}

// InstructionContextAtNestingLevel returns the instruction at a stack level.
func (tc *TransactionContext) InstructionContextAtNestingLevel(level int) (*InstructionContext, error) {
	if level < 0 || level >= len(tc.stack) {
		return nil, ErrCallDepth
	}
	ic, err := tc.InstructionContextAtIndexInTrace(tc.stack[level])
	if err != nil {
		return nil, err
	}
	if ic.nestingLevel != level {
		return nil, ErrCallDepth
	}
	return ic, nil
}

// CurrentInstructionContext returns the instruction on top of the stack.
func (tc *TransactionContext) CurrentInstructionContext() (*InstructionContext, error) {
	return tc.InstructionContextAtNestingLevel(len(tc.stack) - 1)
}

// NextInstructionContext returns the pre-reserved context to configure before Push.
func (tc *TransactionContext) NextInstructionContext() (*InstructionContext, error) {
	if len(tc.trace) == 0 {
		return nil, ErrCallDepth
	}
	return tc.trace[len(tc.trace)-1], nil
}

// Push enters the configured next instruction.
func (tc *TransactionContext) Push() error {
	nestingLevel := len(tc.stack)
	next, err := tc.NextInstructionContext()
	if err != nil {
		return err
	}
	calleeSum, err := tc.instructionAccountsLamportSum(next)
	if err != nil {
		return err
	}
	if len(tc.stack) > 0 {
		caller, err := tc.CurrentInstructionContext()
		if err != nil {
			return err
		}
		current, err := tc.instructionAccountsLamportSum(caller)
		if err != nil {
			return err
		}
		if !current.Eq(&caller.lamportSum) {
			return ErrUnbalancedInstruction
		}
	}
	next.nestingLevel = nestingLevel
	next.lamportSum = *calleeSum

	indexInTrace := tc.InstructionTraceLength()
	if indexInTrace >= tc.traceCapacity {
		return ErrMaxInstructionTraceLengthExceeded
	}
	tc.trace = append(tc.trace, &InstructionContext{})
	if nestingLevel >= tc.stackCapacity {
		return ErrCallDepth
	}
	tc.stack = append(tc.stack, indexInTrace)
	return nil
}

// Pop leaves the current instruction. The stack is popped even when the
// instruction turns out unbalanced.
func (tc *TransactionContext) Pop() error {
	if len(tc.stack) == 0 {
		return ErrCallDepth
	}
	unbalanced, err := tc.currentUnbalanced()
	tc.stack = tc.stack[:len(tc.stack)-1]
	if err != nil {
		return err
	}
	if unbalanced {
		return ErrUnbalancedInstruction
	}
	return nil
}

func (tc *TransactionContext) currentUnbalanced() (bool, error) {
	ic, err := tc.CurrentInstructionContext()
	if err != nil {
		return false, err
	}
	for _, index := range ic.programAccounts {
		if tc.accounts.isBorrowed(index) {
			return false, ErrAccountBorrowOutstanding
		}
	}
	sum, err := tc.instructionAccountsLamportSum(ic)
	if err != nil {
		return false, err
	}
	return !sum.Eq(&ic.lamportSum), nil
}

// instructionAccountsLamportSum adds up the native balances of the unique
// instruction accounts.
func (tc *TransactionContext) instructionAccountsLamportSum(ic *InstructionContext) (*uint256.Int, error) {
	sum := new(uint256.Int)
	for i := range ic.instructionAccounts {
		if _, dup, err := ic.IsInstructionAccountDuplicate(IndexOfAccount(i)); err != nil {
			return nil, err
		} else if dup {
			continue
		}
		index := ic.instructionAccounts[i].IndexInTransaction
		account, ok := tc.accounts.Get(index)
		if !ok {
			return nil, ErrNotEnoughAccountKeys
		}
		if tc.accounts.isBorrowed(index) {
			return nil, ErrAccountBorrowOutstanding
		}
		if _, overflow := sum.AddOverflow(sum, account.LamportsValue().Native()); overflow {
			return nil, ErrArithmeticOverflow
		}
	}
	return sum, nil
}

// ReturnData returns the program id and data of the last set return data.
func (tc *TransactionContext) ReturnData() ReturnData {
	return tc.returnData
}

// SetReturnData records return data from programID.
func (tc *TransactionContext) SetReturnData(programID types.Pubkey, data []byte) {
	tc.returnData = ReturnData{ProgramID: programID, Data: data}
}

// AccountsResizeDelta returns the net data growth so far.
func (tc *TransactionContext) AccountsResizeDelta() int64 {
	return tc.accountsResizeDelta
}

// ExecutionRecord is what remains of a context once execution is over.
type ExecutionRecord struct {
	Accounts            []TransactionAccount
	ReturnData          ReturnData
	TouchedAccountCount int
	AccountsResizeDelta int64
}

// Deconstruct hands back the accounts and execution summary. The context must
// not be used afterwards.
func (tc *TransactionContext) Deconstruct() ExecutionRecord {
	accs := make([]TransactionAccount, len(tc.keys))
	for i, key := range tc.keys {
		accs[i] = TransactionAccount{Key: key, Account: tc.accounts.cells[i].account}
	}
	return ExecutionRecord{
		Accounts:            accs,
		ReturnData:          tc.returnData,
		TouchedAccountCount: tc.accounts.TouchedCount(),
		AccountsResizeDelta: tc.accountsResizeDelta,
	}
}

// InstructionAccount describes one account of an instruction.
type InstructionAccount struct {
	// IndexInTransaction points into the transaction's accounts.
	IndexInTransaction IndexOfAccount
	// IndexInCaller points into the caller instruction's accounts.
	IndexInCaller IndexOfAccount
	// IndexInCallee is the first position of the same account in this
	// instruction. It differs from the position itself for duplicates.
	IndexInCallee IndexOfAccount
	IsSigner      bool
	IsWritable    bool
}

// InstructionContext is one entry of the instruction trace.
type InstructionContext struct {
	nestingLevel        int
	lamportSum          uint256.Int
	programAccounts     []IndexOfAccount
	instructionAccounts []InstructionAccount
	data                []byte
}

// Configure sets the accounts and data before the context is pushed.
func (ic *InstructionContext) Configure(programAccounts []IndexOfAccount, instructionAccounts []InstructionAccount, data []byte) {
	ic.programAccounts = programAccounts
	ic.instructionAccounts = instructionAccounts
	ic.data = data
}

// StackHeight is the 1-based nesting depth.
func (ic *InstructionContext) StackHeight() int {
	return ic.nestingLevel + 1
}

// NumberOfProgramAccounts returns the number of program accounts.
func (ic *InstructionContext) NumberOfProgramAccounts() int {
	return len(ic.programAccounts)
}

// NumberOfInstructionAccounts returns the number of instruction accounts.
func (ic *InstructionContext) NumberOfInstructionAccounts() int {
	return len(ic.instructionAccounts)
}

// CheckNumberOfInstructionAccounts fails unless at least n accounts are present.
func (ic *InstructionContext) CheckNumberOfInstructionAccounts(n int) error {
	if len(ic.instructionAccounts) < n {
		return ErrNotEnoughAccountKeys
	}
	return nil
}

// InstructionData returns the instruction's data.
func (ic *InstructionContext) InstructionData() []byte {
	return ic.data
}

// InstructionAccounts returns the instruction's accounts.
func (ic *InstructionContext) InstructionAccounts() []InstructionAccount {
	return ic.instructionAccounts
}

// ProgramAccounts returns the transaction indices of the program chain.
func (ic *InstructionContext) ProgramAccounts() []IndexOfAccount {
	return ic.programAccounts
}

// IndexOfProgramAccountInTransaction maps a program account position.
func (ic *InstructionContext) IndexOfProgramAccountInTransaction(i IndexOfAccount) (IndexOfAccount, error) {
	if int(i) >= len(ic.programAccounts) {
		return 0, ErrNotEnoughAccountKeys
	}
	return ic.programAccounts[i], nil
}

// IndexOfInstructionAccountInTransaction maps an instruction account position.
func (ic *InstructionContext) IndexOfInstructionAccountInTransaction(i IndexOfAccount) (IndexOfAccount, error) {
	if int(i) >= len(ic.instructionAccounts) {
		return 0, ErrNotEnoughAccountKeys
	}
	return ic.instructionAccounts[i].IndexInTransaction, nil
}

// IsInstructionAccountDuplicate returns the first position of the account at
// i if it appeared earlier in the instruction.
func (ic *InstructionContext) IsInstructionAccountDuplicate(i IndexOfAccount) (IndexOfAccount, bool, error) {
	if int(i) >= len(ic.instructionAccounts) {
		return 0, false, ErrNotEnoughAccountKeys
	}
	callee := ic.instructionAccounts[i].IndexInCallee
	if callee == i {
		return 0, false, nil
	}
	return callee, true, nil
}

// FindIndexOfInstructionAccount returns the position of key among the instruction accounts.
func (ic *InstructionContext) FindIndexOfInstructionAccount(tc *TransactionContext, key types.Pubkey) (IndexOfAccount, bool) {
	for i, ia := range ic.instructionAccounts {
		if k, err := tc.KeyOfAccountAtIndex(ia.IndexInTransaction); err == nil && k == key {
			return IndexOfAccount(i), true
		}
	}
	return 0, false
}

// LastProgramKey returns the address of the program executing the instruction.
func (ic *InstructionContext) LastProgramKey(tc *TransactionContext) (types.Pubkey, error) {
	if len(ic.programAccounts) == 0 {
		return types.Pubkey{}, ErrNotEnoughAccountKeys
	}
	return tc.KeyOfAccountAtIndex(ic.programAccounts[len(ic.programAccounts)-1])
}

// IsInstructionAccountSigner reports whether the account at i signed.
func (ic *InstructionContext) IsInstructionAccountSigner(i IndexOfAccount) (bool, error) {
	if int(i) >= len(ic.instructionAccounts) {
		return false, ErrMissingAccount
	}
	return ic.instructionAccounts[i].IsSigner, nil
}

// IsInstructionAccountWritable reports whether the account at i is writable.
func (ic *InstructionContext) IsInstructionAccountWritable(i IndexOfAccount) (bool, error) {
	if int(i) >= len(ic.instructionAccounts) {
		return false, ErrMissingAccount
	}
	return ic.instructionAccounts[i].IsWritable, nil
}

// Signers returns the addresses of all signing instruction accounts.
func (ic *InstructionContext) Signers(tc *TransactionContext) (map[types.Pubkey]struct{}, error) {
	signers := make(map[types.Pubkey]struct{})
	for _, ia := range ic.instructionAccounts {
		if !ia.IsSigner {
			continue
		}
		key, err := tc.KeyOfAccountAtIndex(ia.IndexInTransaction)
		if err != nil {
			return nil, err
		}
		signers[key] = struct{}{}
	}
	return signers, nil
}

func (ic *InstructionContext) tryBorrowAccount(tc *TransactionContext, indexInTransaction, indexInInstruction IndexOfAccount) (*BorrowedAccount, error) {
	account, err := tc.accounts.tryBorrowMut(indexInTransaction)
	if err != nil {
		return nil, err
	}
	return &BorrowedAccount{
		tc:                 tc,
		ic:                 ic,
		indexInTransaction: indexInTransaction,
		indexInInstruction: indexInInstruction,
		account:            account,
	}, nil
}

// TryBorrowLastProgramAccount borrows the program executing the instruction.
func (ic *InstructionContext) TryBorrowLastProgramAccount(tc *TransactionContext) (*BorrowedAccount, error) {
	if len(ic.programAccounts) == 0 {
		return nil, ErrNotEnoughAccountKeys
	}
	return ic.TryBorrowProgramAccount(tc, IndexOfAccount(len(ic.programAccounts)-1))
}

// TryBorrowProgramAccount borrows the program account at position i.
func (ic *InstructionContext) TryBorrowProgramAccount(tc *TransactionContext, i IndexOfAccount) (*BorrowedAccount, error) {
	index, err := ic.IndexOfProgramAccountInTransaction(i)
	if err != nil {
		return nil, err
	}
	return ic.tryBorrowAccount(tc, index, i)
}

// TryBorrowInstructionAccount borrows the instruction account at position i.
func (ic *InstructionContext) TryBorrowInstructionAccount(tc *TransactionContext, i IndexOfAccount) (*BorrowedAccount, error) {
	index, err := ic.IndexOfInstructionAccountInTransaction(i)
	if err != nil {
		return nil, err
	}
	return ic.tryBorrowAccount(tc, index, IndexOfAccount(len(ic.programAccounts))+i)
}
