package system

import (
	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/accounts"
	"github.com/fortiblox/stratus-svm/pkg/svm/txcontext"
)

// checkSysvarAccount verifies that instruction account index is the sysvar key.
func (p *processor) checkSysvarAccount(index txcontext.IndexOfAccount, key types.Pubkey) error {
	got, err := p.key(index)
	if err != nil {
		return err
	}
	if got != key {
		return txcontext.ErrInvalidArgument
	}
	return nil
}

func (p *processor) rent(index txcontext.IndexOfAccount) (accounts.Rent, error) {
	if err := p.checkSysvarAccount(index, types.SysvarRentAddr); err != nil {
		return accounts.Rent{}, err
	}
	return p.ic.Env.Sysvars.Rent()
}

func (p *processor) isSignedBy(key types.Pubkey) bool {
	_, ok := p.signers[key]
	return ok
}

func nonceState(account *txcontext.BorrowedAccount) (accounts.NonceState, error) {
	state, err := accounts.DecodeNonceState(account.Data())
	if err != nil {
		return accounts.NonceState{}, txcontext.ErrInvalidAccountData
	}
	return state, nil
}

func setNonceState(account *txcontext.BorrowedAccount, state accounts.NonceState) error {
	if account.DataLen() < accounts.NonceStateSize {
		return txcontext.ErrAccountDataTooSmall
	}
	data, err := account.DataMut()
	if err != nil {
		return err
	}
	copy(data, state.Encode())
	return nil
}

func (p *processor) advanceNonceAccount() error {
	if err := p.ixc.CheckNumberOfInstructionAccounts(1); err != nil {
		return err
	}
	if err := p.checkSysvarAccount(1, types.SysvarRecentBlockhashesAddr); err != nil {
		return err
	}
	return p.withAccount(0, func(account *txcontext.BorrowedAccount) error {
		if !account.IsWritable() {
			p.ic.Log("Advance nonce account: Account %s must be writeable", account.Key())
			return txcontext.ErrInvalidArgument
		}
		state, err := nonceState(account)
		if err != nil {
			return err
		}
		if !state.Initialized {
			p.ic.Log("Advance nonce account: Account %s state is invalid", account.Key())
			return txcontext.ErrInvalidAccountData
		}
		if !p.isSignedBy(state.Data.Authority) {
			p.ic.Log("Advance nonce account: Account %s must be a signer", state.Data.Authority)
			return txcontext.ErrMissingRequiredSignature
		}
		next := accounts.DurableNonceFromBlockhash(p.ic.Env.Blockhash)
		if state.Data.DurableNonce == next {
			p.ic.Log("Advance nonce account: nonce can only advance once per slot")
			return ErrNonceBlockhashNotExpired
		}
		return setNonceState(account, accounts.NewInitializedNonceState(
			state.Data.Authority, next, p.ic.Env.LamportsPerSignature))
	})
}

func (p *processor) withdrawNonceAccount(lamports uint64) error {
	if err := p.ixc.CheckNumberOfInstructionAccounts(2); err != nil {
		return err
	}
	if err := p.checkSysvarAccount(2, types.SysvarRecentBlockhashesAddr); err != nil {
		return err
	}
	rent, err := p.rent(3)
	if err != nil {
		return err
	}

	err = p.withAccount(0, func(from *txcontext.BorrowedAccount) error {
		if !from.IsWritable() {
			p.ic.Log("Withdraw nonce account: Account %s must be writeable", from.Key())
			return txcontext.ErrInvalidArgument
		}
		state, err := nonceState(from)
		if err != nil {
			return err
		}
		signer := from.Key()
		if !state.Initialized {
			if lamports > from.Lamports() {
				p.ic.Log("Withdraw nonce account: insufficient lamports %d, need %d", from.Lamports(), lamports)
				return txcontext.ErrInsufficientFunds
			}
		} else if lamports == from.Lamports() {
			if state.Data.DurableNonce == accounts.DurableNonceFromBlockhash(p.ic.Env.Blockhash) {
				p.ic.Log("Withdraw nonce account: nonce can only advance once per slot")
				return ErrNonceBlockhashNotExpired
			}
			if err := setNonceState(from, accounts.NonceState{Version: state.Version}); err != nil {
				return err
			}
			signer = state.Data.Authority
		} else {
			minBalance := rent.MinimumBalance(from.DataLen())
			amount := lamports + minBalance
			if amount < lamports {
				return txcontext.ErrInsufficientFunds
			}
			if amount > from.Lamports() {
				p.ic.Log("Withdraw nonce account: insufficient lamports %d, need %d", from.Lamports(), amount)
				return txcontext.ErrInsufficientFunds
			}
			signer = state.Data.Authority
		}
		if !p.isSignedBy(signer) {
			p.ic.Log("Withdraw nonce account: Account %s must sign", signer)
			return txcontext.ErrMissingRequiredSignature
		}
		return from.CheckedSubLamports(lamports)
	})
	if err != nil {
		return err
	}
	return p.withAccount(1, func(to *txcontext.BorrowedAccount) error {
		return to.CheckedAddLamports(lamports)
	})
}

func (p *processor) initializeNonceAccount(authority types.Pubkey) error {
	if err := p.ixc.CheckNumberOfInstructionAccounts(1); err != nil {
		return err
	}
	if err := p.checkSysvarAccount(1, types.SysvarRecentBlockhashesAddr); err != nil {
		return err
	}
	rent, err := p.rent(2)
	if err != nil {
		return err
	}
	return p.withAccount(0, func(account *txcontext.BorrowedAccount) error {
		if !account.IsWritable() {
			p.ic.Log("Initialize nonce account: Account %s must be writeable", account.Key())
			return txcontext.ErrInvalidArgument
		}
		state, err := nonceState(account)
		if err != nil {
			return err
		}
		if state.Initialized {
			p.ic.Log("Initialize nonce account: Account %s state is invalid", account.Key())
			return txcontext.ErrInvalidAccountData
		}
		minBalance := rent.MinimumBalance(account.DataLen())
		if account.Lamports() < minBalance {
			p.ic.Log("Initialize nonce account: insufficient lamports %d, need %d", account.Lamports(), minBalance)
			return txcontext.ErrInsufficientFunds
		}
		return setNonceState(account, accounts.NewInitializedNonceState(
			authority,
			accounts.DurableNonceFromBlockhash(p.ic.Env.Blockhash),
			p.ic.Env.LamportsPerSignature,
		))
	})
}

func (p *processor) authorizeNonceAccount(authority types.Pubkey) error {
	if err := p.ixc.CheckNumberOfInstructionAccounts(1); err != nil {
		return err
	}
	return p.withAccount(0, func(account *txcontext.BorrowedAccount) error {
		if !account.IsWritable() {
			p.ic.Log("Authorize nonce account: Account %s must be writeable", account.Key())
			return txcontext.ErrInvalidArgument
		}
		state, err := nonceState(account)
		if err != nil {
			return err
		}
		if !state.Initialized {
			p.ic.Log("Authorize nonce account: Account %s state is invalid", account.Key())
			return txcontext.ErrInvalidAccountData
		}
		if !p.isSignedBy(state.Data.Authority) {
			p.ic.Log("Authorize nonce account: Account %s must sign", state.Data.Authority)
			return txcontext.ErrMissingRequiredSignature
		}
		state.Data.Authority = authority
		return setNonceState(account, state)
	})
}

// upgradeNonceAccount moves a legacy nonce, which stores a raw blockhash, to
// the current version holding a durable nonce.
func (p *processor) upgradeNonceAccount() error {
	if err := p.ixc.CheckNumberOfInstructionAccounts(1); err != nil {
		return err
	}
	return p.withAccount(0, func(account *txcontext.BorrowedAccount) error {
		if account.Owner() != types.SystemProgramAddr {
			return txcontext.ErrInvalidAccountOwner
		}
		if !account.IsWritable() {
			return txcontext.ErrInvalidArgument
		}
		state, err := nonceState(account)
		if err != nil {
			return err
		}
		if state.Version != accounts.NonceVersionLegacy || !state.Initialized {
			return txcontext.ErrInvalidArgument
		}
		state.Version = accounts.NonceVersionCurrent
		state.Data.DurableNonce = accounts.DurableNonceFromBlockhash(state.Data.DurableNonce.AsHash())
		return setNonceState(account, state)
	})
}
