// Package rollback captures the fee payer and nonce account state a failed
// transaction commits instead of its own account changes.
package rollback

import (
	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/accounts"
)

// Kind selects which accounts are rolled back.
type Kind uint8

const (
	// FeePayerOnly restores the fee payer.
	FeePayerOnly Kind = iota
	// SameNonceAndFeePayer restores the fee payer, which is also the nonce account.
	SameNonceAndFeePayer
	// SeparateNonceAndFeePayer restores both accounts.
	SeparateNonceAndFeePayer
)

func (k Kind) String() string {
	switch k {
	case FeePayerOnly:
		return "fee-payer-only"
	case SameNonceAndFeePayer:
		return "same-nonce-and-fee-payer"
	case SeparateNonceAndFeePayer:
		return "separate-nonce-and-fee-payer"
	default:
		return "unknown"
	}
}

// Accounts is the state to commit for a transaction that fails to execute.
type Accounts struct {
	kind            Kind
	nonce           *accounts.NonceInfo
	feePayerAccount *accounts.AccountSharedData
}

// New captures the rollback state. feePayerAccount is the fee payer after the
// fee was charged; the rent debited from it while loading is given back.
// Without a nonce the fee payer keeps the rent epoch it was loaded with.
func New(
	nonce *accounts.NonceInfo,
	feePayerAddress types.Pubkey,
	feePayerAccount *accounts.AccountSharedData,
	feePayerRentDebit uint64,
	feePayerLoadedRentEpoch uint64,
) *Accounts {
	feePayerAccount = feePayerAccount.Clone()
	feePayerAccount.SaturatingAddLamports(feePayerRentDebit)

	if nonce != nil {
		if nonce.Address == feePayerAddress {
			return &Accounts{
				kind:  SameNonceAndFeePayer,
				nonce: accounts.NewNonceInfo(feePayerAddress, feePayerAccount),
			}
		}
		return &Accounts{
			kind:            SeparateNonceAndFeePayer,
			nonce:           nonce,
			feePayerAccount: feePayerAccount,
		}
	}

	feePayerAccount.SetRentEpoch(feePayerLoadedRentEpoch)
	return &Accounts{kind: FeePayerOnly, feePayerAccount: feePayerAccount}
}

// Kind returns which accounts are rolled back.
func (r *Accounts) Kind() Kind {
	return r.kind
}

// Nonce returns the nonce account to restore, if any.
func (r *Accounts) Nonce() *accounts.NonceInfo {
	return r.nonce
}

// FeePayerAccount returns the fee payer state to restore.
func (r *Accounts) FeePayerAccount() *accounts.AccountSharedData {
	if r.kind == SameNonceAndFeePayer {
		return r.nonce.Account
	}
	return r.feePayerAccount
}

// Count returns the number of distinct accounts restored.
func (r *Accounts) Count() int {
	if r.kind == SeparateNonceAndFeePayer {
		return 2
	}
	return 1
}

// DataSize returns the data length of the restored accounts.
func (r *Accounts) DataSize() int {
	size := r.FeePayerAccount().DataLen()
	if r.kind == SeparateNonceAndFeePayer {
		size += r.nonce.Account.DataLen()
	}
	return size
}
