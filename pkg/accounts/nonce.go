package accounts

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/stratus-svm/internal/types"
)

// NonceStateSize is the encoded size of a nonce account.
const NonceStateSize = 4 + 4 + types.PubkeySize + types.HashSize + 8

// durableNoncePrefix is hashed with a blockhash to derive a durable nonce.
var durableNoncePrefix = []byte("DURABLE_NONCE")

// ErrInvalidNonceState is returned when nonce account data cannot be decoded.
var ErrInvalidNonceState = errors.New("invalid nonce account state")

// NonceVersion is the outer version tag of nonce account data.
type NonceVersion uint32

const (
	NonceVersionLegacy NonceVersion = iota
	NonceVersionCurrent
)

// DurableNonce is a nonce derived from a blockhash. Deriving it keeps a nonce
// value from ever colliding with a real blockhash.
type DurableNonce types.Hash

// DurableNonceFromBlockhash derives the durable nonce for blockhash.
func DurableNonceFromBlockhash(blockhash types.Hash) DurableNonce {
	return DurableNonce(types.HashV(durableNoncePrefix, blockhash[:]))
}

// AsHash returns the nonce as a hash.
func (n DurableNonce) AsHash() types.Hash {
	return types.Hash(n)
}

// NonceData is the payload of an initialized nonce account.
type NonceData struct {
	Authority            types.Pubkey
	DurableNonce         DurableNonce
	LamportsPerSignature uint64
}

// NonceState is the decoded content of a nonce account.
type NonceState struct {
	Version     NonceVersion
	Initialized bool
	Data        NonceData
}

// NewInitializedNonceState builds a current-version initialized state.
func NewInitializedNonceState(authority types.Pubkey, nonce DurableNonce, lamportsPerSignature uint64) NonceState {
	return NonceState{
		Version:     NonceVersionCurrent,
		Initialized: true,
		Data: NonceData{
			Authority:            authority,
			DurableNonce:         nonce,
			LamportsPerSignature: lamportsPerSignature,
		},
	}
}

// Encode serializes the state (bincode layout, always NonceStateSize bytes).
func (s NonceState) Encode() []byte {
	buf := make([]byte, NonceStateSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(s.Version))
	if !s.Initialized {
		return buf
	}
	binary.LittleEndian.PutUint32(buf[4:8], 1)
	copy(buf[8:40], s.Data.Authority[:])
	copy(buf[40:72], s.Data.DurableNonce[:])
	binary.LittleEndian.PutUint64(buf[72:80], s.Data.LamportsPerSignature)
	return buf
}

// DecodeNonceState parses nonce account data.
func DecodeNonceState(data []byte) (NonceState, error) {
	var s NonceState
	if len(data) < 8 {
		return s, fmt.Errorf("%w: length %d", ErrInvalidNonceState, len(data))
	}
	version := NonceVersion(binary.LittleEndian.Uint32(data[0:4]))
	if version > NonceVersionCurrent {
		return s, fmt.Errorf("%w: version %d", ErrInvalidNonceState, version)
	}
	s.Version = version
	switch binary.LittleEndian.Uint32(data[4:8]) {
	case 0:
		return s, nil
	case 1:
	default:
		return s, fmt.Errorf("%w: state tag", ErrInvalidNonceState)
	}
	if len(data) < NonceStateSize {
		return s, fmt.Errorf("%w: length %d", ErrInvalidNonceState, len(data))
	}
	s.Initialized = true
	copy(s.Data.Authority[:], data[8:40])
	copy(s.Data.DurableNonce[:], data[40:72])
	s.Data.LamportsPerSignature = binary.LittleEndian.Uint64(data[72:80])
	return s, nil
}

// VerifyNonceAccount returns the nonce data if account is a system owned,
// initialized nonce account whose stored nonce equals recentBlockhash.
func VerifyNonceAccount(account *AccountSharedData, recentBlockhash types.Hash) (NonceData, bool) {
	if account.Owner() != types.SystemProgramAddr {
		return NonceData{}, false
	}
	state, err := DecodeNonceState(account.Data())
	if err != nil || !state.Initialized {
		return NonceData{}, false
	}
	if state.Data.DurableNonce.AsHash() != recentBlockhash {
		return NonceData{}, false
	}
	return state.Data, true
}

// SystemAccountKind classifies accounts that may pay fees.
type SystemAccountKind uint8

const (
	SystemAccountNone SystemAccountKind = iota
	SystemAccountSystem
	SystemAccountNonce
)

// GetSystemAccountKind classifies account. Only system owned accounts that are
// either empty or hold an initialized nonce qualify.
func GetSystemAccountKind(account *AccountSharedData) SystemAccountKind {
	if account.Owner() != types.SystemProgramAddr {
		return SystemAccountNone
	}
	switch account.DataLen() {
	case 0:
		return SystemAccountSystem
	case NonceStateSize:
		state, err := DecodeNonceState(account.Data())
		if err == nil && state.Initialized {
			return SystemAccountNonce
		}
	}
	return SystemAccountNone
}

// NonceInfo pairs a nonce account address with its account snapshot.
type NonceInfo struct {
	Address types.Pubkey
	Account *AccountSharedData
}

// NewNonceInfo wraps a nonce account.
func NewNonceInfo(address types.Pubkey, account *AccountSharedData) *NonceInfo {
	return &NonceInfo{Address: address, Account: account}
}

// LamportsPerSignature returns the fee rate stored in the nonce, if any.
func (n *NonceInfo) LamportsPerSignature() (uint64, bool) {
	state, err := DecodeNonceState(n.Account.Data())
	if err != nil || !state.Initialized {
		return 0, false
	}
	return state.Data.LamportsPerSignature, true
}
