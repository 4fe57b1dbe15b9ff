package accounts

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/stratus-svm/internal/types"
)

// AccountMetaSize is the encoded size of AccountMeta.
// Layout: rent_epoch (8, LE) + owner (32) + executable (1).
const AccountMetaSize = 8 + types.PubkeySize + 1

// ErrInvalidMeta is returned when persisted metadata cannot be decoded.
var ErrInvalidMeta = errors.New("invalid account meta")

// AccountMeta is the part of an account persisted apart from its data and
// balance, so it can be read without loading potentially large data.
type AccountMeta struct {
	// RentEpoch is the epoch at which this account will next owe rent.
	RentEpoch uint64

	// Owner is the program that owns this account.
	Owner types.Pubkey

	// Executable marks program accounts.
	Executable bool
}

// Encode serializes the metadata.
func (m AccountMeta) Encode() []byte {
	buf := make([]byte, AccountMetaSize)
	binary.LittleEndian.PutUint64(buf[0:8], m.RentEpoch)
	copy(buf[8:40], m.Owner[:])
	if m.Executable {
		buf[40] = 1
	}
	return buf
}

// DecodeAccountMeta parses metadata written by Encode.
func DecodeAccountMeta(data []byte) (AccountMeta, error) {
	var m AccountMeta
	if len(data) != AccountMetaSize {
		return m, fmt.Errorf("%w: length %d", ErrInvalidMeta, len(data))
	}
	m.RentEpoch = binary.LittleEndian.Uint64(data[0:8])
	copy(m.Owner[:], data[8:40])
	switch data[40] {
	case 0:
	case 1:
		m.Executable = true
	default:
		return m, fmt.Errorf("%w: executable flag %d", ErrInvalidMeta, data[40])
	}
	return m, nil
}
