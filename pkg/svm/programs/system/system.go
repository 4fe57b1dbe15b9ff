// Package system implements the Solana System Program.
//
// The System Program is responsible for:
// - Creating new accounts
// - Transferring lamports
// - Assigning account ownership
// - Allocating account space
// - Creating accounts with seeds
// - Managing durable nonce accounts
package system

import (
	"bytes"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/svm"
	"github.com/fortiblox/stratus-svm/pkg/svm/invoke"
	"github.com/fortiblox/stratus-svm/pkg/svm/txcontext"
)

// System program error codes, reported as custom instruction errors.
const (
	CodeAccountAlreadyInUse uint32 = iota
	CodeResultWithNegativeLamports
	CodeInvalidProgramID
	CodeInvalidAccountDataLength
	CodeMaxSeedLengthExceeded
	CodeAddressWithSeedMismatch
	CodeNonceNoRecentBlockhashes
	CodeNonceBlockhashNotExpired
	CodeNonceUnexpectedBlockhashValue
)

// Error types.
var (
	ErrAccountAlreadyInUse        error = &txcontext.CustomError{Code: CodeAccountAlreadyInUse}
	ErrResultWithNegativeLamports error = &txcontext.CustomError{Code: CodeResultWithNegativeLamports}
	ErrInvalidAccountDataLength   error = &txcontext.CustomError{Code: CodeInvalidAccountDataLength}
	ErrAddressWithSeedMismatch    error = &txcontext.CustomError{Code: CodeAddressWithSeedMismatch}
	ErrNonceBlockhashNotExpired   error = &txcontext.CustomError{Code: CodeNonceBlockhashNotExpired}

	// Address derivation failures carry their own codes.
	ErrSeedTooLong  error = &txcontext.CustomError{Code: 0}
	ErrIllegalOwner error = &txcontext.CustomError{Code: 2}
)

// MaxSeedLen is the longest seed CreateWithSeed accepts.
const MaxSeedLen = 32

var pdaMarker = []byte("ProgramDerivedAddress")

// Builtin returns the system program builtin.
func Builtin() *invoke.Builtin {
	return invoke.NewBuiltin("system_program", svm.CUSystemProgramDefault, process)
}

// CreateWithSeed derives the address of an account owned by owner from base
// and seed.
func CreateWithSeed(base types.Pubkey, seed string, owner types.Pubkey) (types.Pubkey, error) {
	if len(seed) > MaxSeedLen {
		return types.Pubkey{}, ErrSeedTooLong
	}
	if bytes.HasSuffix(owner[:], pdaMarker) {
		return types.Pubkey{}, ErrIllegalOwner
	}
	return types.Pubkey(types.HashV(base[:], []byte(seed), owner[:])), nil
}

// address is an account address that may be authorized by the signature of
// the base it was derived from.
type address struct {
	key  types.Pubkey
	base *types.Pubkey
}

func newAddress(ic *invoke.InvokeContext, key types.Pubkey, base *types.Pubkey, seed string, owner types.Pubkey) (address, error) {
	if base == nil {
		return address{key: key}, nil
	}
	derived, err := CreateWithSeed(*base, seed, owner)
	if err != nil {
		return address{}, err
	}
	if derived != key {
		ic.Log("Create: address %s does not match derived address %s", key, derived)
		return address{}, ErrAddressWithSeedMismatch
	}
	return address{key: key, base: base}, nil
}

func (a address) isSigner(signers map[types.Pubkey]struct{}) bool {
	key := a.key
	if a.base != nil {
		key = *a.base
	}
	_, ok := signers[key]
	return ok
}

func process(ic *invoke.InvokeContext) error {
	tc := ic.TransactionContext
	ixc, err := ic.CurrentInstruction()
	if err != nil {
		return err
	}
	ix, err := DecodeInstruction(ixc.InstructionData())
	if err != nil {
		return err
	}
	signers, err := ixc.Signers(tc)
	if err != nil {
		return err
	}

	p := &processor{ic: ic, tc: tc, ixc: ixc, signers: signers}
	switch ix.Kind {
	case InstructionCreateAccount:
		if err := ixc.CheckNumberOfInstructionAccounts(2); err != nil {
			return err
		}
		to, err := p.key(1)
		if err != nil {
			return err
		}
		return p.createAccount(0, 1, address{key: to}, ix.Lamports, ix.Space, ix.Owner)
	case InstructionCreateAccountWithSeed:
		if err := ixc.CheckNumberOfInstructionAccounts(2); err != nil {
			return err
		}
		to, err := p.key(1)
		if err != nil {
			return err
		}
		addr, err := newAddress(ic, to, &ix.Base, ix.Seed, ix.Owner)
		if err != nil {
			return err
		}
		return p.createAccount(0, 1, addr, ix.Lamports, ix.Space, ix.Owner)
	case InstructionAssign:
		if err := ixc.CheckNumberOfInstructionAccounts(1); err != nil {
			return err
		}
		key, err := p.key(0)
		if err != nil {
			return err
		}
		return p.withAccount(0, func(account *txcontext.BorrowedAccount) error {
			return p.assign(account, address{key: key}, ix.Owner)
		})
	case InstructionAssignWithSeed:
		if err := ixc.CheckNumberOfInstructionAccounts(1); err != nil {
			return err
		}
		key, err := p.key(0)
		if err != nil {
			return err
		}
		addr, err := newAddress(ic, key, &ix.Base, ix.Seed, ix.Owner)
		if err != nil {
			return err
		}
		return p.withAccount(0, func(account *txcontext.BorrowedAccount) error {
			return p.assign(account, addr, ix.Owner)
		})
	case InstructionTransfer:
		if err := ixc.CheckNumberOfInstructionAccounts(2); err != nil {
			return err
		}
		return p.transfer(0, 1, ix.Lamports)
	case InstructionTransferWithSeed:
		if err := ixc.CheckNumberOfInstructionAccounts(3); err != nil {
			return err
		}
		return p.transferWithSeed(0, 1, ix.Seed, ix.Owner, 2, ix.Lamports)
	case InstructionAllocate:
		if err := ixc.CheckNumberOfInstructionAccounts(1); err != nil {
			return err
		}
		key, err := p.key(0)
		if err != nil {
			return err
		}
		return p.withAccount(0, func(account *txcontext.BorrowedAccount) error {
			return p.allocate(account, address{key: key}, ix.Space)
		})
	case InstructionAllocateWithSeed:
		if err := ixc.CheckNumberOfInstructionAccounts(1); err != nil {
			return err
		}
		key, err := p.key(0)
		if err != nil {
			return err
		}
		addr, err := newAddress(ic, key, &ix.Base, ix.Seed, ix.Owner)
		if err != nil {
			return err
		}
		return p.withAccount(0, func(account *txcontext.BorrowedAccount) error {
			return p.allocateAndAssign(account, addr, ix.Space, ix.Owner)
		})
	case InstructionAdvanceNonceAccount:
		return p.advanceNonceAccount()
	case InstructionWithdrawNonceAccount:
		return p.withdrawNonceAccount(ix.Lamports)
	case InstructionInitializeNonceAccount:
		return p.initializeNonceAccount(ix.Authority)
	case InstructionAuthorizeNonceAccount:
		return p.authorizeNonceAccount(ix.Authority)
	case InstructionUpgradeNonceAccount:
		return p.upgradeNonceAccount()
	}
	return txcontext.ErrInvalidInstructionData
}

// processor carries the state of one system instruction.
type processor struct {
	ic      *invoke.InvokeContext
	tc      *txcontext.TransactionContext
	ixc     *txcontext.InstructionContext
	signers map[types.Pubkey]struct{}
}

func (p *processor) key(index txcontext.IndexOfAccount) (types.Pubkey, error) {
	inTx, err := p.ixc.IndexOfInstructionAccountInTransaction(index)
	if err != nil {
		return types.Pubkey{}, err
	}
	return p.tc.KeyOfAccountAtIndex(inTx)
}

func (p *processor) isSigner(index txcontext.IndexOfAccount) bool {
	ok, err := p.ixc.IsInstructionAccountSigner(index)
	return err == nil && ok
}

func (p *processor) withAccount(index txcontext.IndexOfAccount, fn func(*txcontext.BorrowedAccount) error) error {
	account, err := p.ixc.TryBorrowInstructionAccount(p.tc, index)
	if err != nil {
		return err
	}
	defer account.Release()
	return fn(account)
}

func (p *processor) allocate(account *txcontext.BorrowedAccount, addr address, space uint64) error {
	if !addr.isSigner(p.signers) {
		p.ic.Log("Allocate: 'to' account %s must sign", addr.key)
		return txcontext.ErrMissingRequiredSignature
	}
	if account.DataLen() != 0 || account.Owner() != types.SystemProgramAddr {
		p.ic.Log("Allocate: account %s already in use", addr.key)
		return ErrAccountAlreadyInUse
	}
	if space > txcontext.MaxPermittedDataLength {
		p.ic.Log("Allocate: requested %d, max allowed %d", space, txcontext.MaxPermittedDataLength)
		return ErrInvalidAccountDataLength
	}
	return account.SetDataLength(int(space))
}

func (p *processor) assign(account *txcontext.BorrowedAccount, addr address, owner types.Pubkey) error {
	if account.Owner() == owner {
		return nil
	}
	if !addr.isSigner(p.signers) {
		p.ic.Log("Assign: account %s must sign", addr.key)
		return txcontext.ErrMissingRequiredSignature
	}
	return account.SetOwner(owner)
}

func (p *processor) allocateAndAssign(account *txcontext.BorrowedAccount, addr address, space uint64, owner types.Pubkey) error {
	if err := p.allocate(account, addr, space); err != nil {
		return err
	}
	return p.assign(account, addr, owner)
}

func (p *processor) createAccount(from, to txcontext.IndexOfAccount, addr address, lamports, space uint64, owner types.Pubkey) error {
	err := p.withAccount(to, func(account *txcontext.BorrowedAccount) error {
		if account.Lamports() > 0 {
			p.ic.Log("Create Account: account %s already in use", addr.key)
			return ErrAccountAlreadyInUse
		}
		return p.allocateAndAssign(account, addr, space, owner)
	})
	if err != nil {
		return err
	}
	return p.transfer(from, to, lamports)
}

func (p *processor) transferVerified(from, to txcontext.IndexOfAccount, lamports uint64) error {
	err := p.withAccount(from, func(account *txcontext.BorrowedAccount) error {
		if account.DataLen() != 0 {
			p.ic.Log("Transfer: `from` must not carry data")
			return txcontext.ErrInvalidArgument
		}
		if lamports > account.Lamports() {
			p.ic.Log("Transfer: insufficient lamports %d, need %d", account.Lamports(), lamports)
			return ErrResultWithNegativeLamports
		}
		return account.CheckedSubLamports(lamports)
	})
	if err != nil {
		return err
	}
	return p.withAccount(to, func(account *txcontext.BorrowedAccount) error {
		return account.CheckedAddLamports(lamports)
	})
}

func (p *processor) transfer(from, to txcontext.IndexOfAccount, lamports uint64) error {
	if !p.isSigner(from) {
		key, _ := p.key(from)
		p.ic.Log("Transfer: `from` account %s must sign", key)
		return txcontext.ErrMissingRequiredSignature
	}
	return p.transferVerified(from, to, lamports)
}

func (p *processor) transferWithSeed(from, base txcontext.IndexOfAccount, seed string, fromOwner types.Pubkey, to txcontext.IndexOfAccount, lamports uint64) error {
	baseKey, err := p.key(base)
	if err != nil {
		return err
	}
	if !p.isSigner(base) {
		p.ic.Log("Transfer: 'from' account %s must sign", baseKey)
		return txcontext.ErrMissingRequiredSignature
	}
	derived, err := CreateWithSeed(baseKey, seed, fromOwner)
	if err != nil {
		return err
	}
	fromKey, err := p.key(from)
	if err != nil {
		return err
	}
	if fromKey != derived {
		p.ic.Log("Transfer: 'from' address %s does not match derived address %s", fromKey, derived)
		return ErrAddressWithSeedMismatch
	}
	return p.transferVerified(from, to, lamports)
}
