package bpfloader

import (
	"bytes"
	"encoding/binary"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/svm/txcontext"
)

// Parameter layout constants.
const (
	// MaxPermittedDataIncrease is the room reserved behind every account's
	// data so a program can grow it in place.
	MaxPermittedDataIncrease = 10 * 1024

	nonDupMarker = 0xff
	alignment    = 8

	// accountHeaderSize covers the duplicate marker, signer, writable and
	// executable flags and 4 bytes of padding.
	accountHeaderSize = 8
	// accountMetaSize covers key, owner, lamports and data length.
	accountMetaSize = types.PubkeySize + types.PubkeySize + 8 + 8
)

func alignPadding(n int) int {
	return (alignment - n%alignment) % alignment
}

// serializedLen is the space one non duplicate account takes in the input.
func serializedLen(dataLen int) int {
	return accountHeaderSize + accountMetaSize + dataLen + MaxPermittedDataIncrease + alignPadding(dataLen) + 8
}

// serializeParameters lays the current instruction out in the aligned input
// format programs expect:
//
//   - num_accounts (u64)
//   - for each account:
//   - duplicate: index of the first occurrence (u8) and 7 bytes of padding
//   - otherwise: 0xff, is_signer, is_writable, executable (u8 each),
//     4 bytes of padding, key, owner, lamports (u64), data_len (u64), data,
//     MaxPermittedDataIncrease zero bytes, padding to 8 byte alignment,
//     rent_epoch (u64)
//   - instruction_data_len (u64)
//   - instruction_data
//   - program_id
//
// It returns the buffer and the data length of every account at
// serialization time.
func serializeParameters(tc *txcontext.TransactionContext, ixc *txcontext.InstructionContext) ([]byte, []int, error) {
	programID, err := ixc.LastProgramKey(tc)
	if err != nil {
		return nil, nil, err
	}
	instructionAccounts := ixc.InstructionAccounts()
	lengths := make([]int, len(instructionAccounts))

	size := 8
	for i, ia := range instructionAccounts {
		if int(ia.IndexInCallee) != i {
			size += accountHeaderSize
			continue
		}
		account, err := ixc.TryBorrowInstructionAccount(tc, txcontext.IndexOfAccount(i))
		if err != nil {
			return nil, nil, err
		}
		lengths[i] = account.DataLen()
		account.Release()
		size += serializedLen(lengths[i])
	}
	data := ixc.InstructionData()
	size += 8 + len(data) + types.PubkeySize

	buf := make([]byte, size)
	offset := 0

	binary.LittleEndian.PutUint64(buf[offset:], uint64(len(instructionAccounts)))
	offset += 8

	for i, ia := range instructionAccounts {
		if int(ia.IndexInCallee) != i {
			buf[offset] = byte(ia.IndexInCallee)
			offset += accountHeaderSize
			continue
		}
		account, err := ixc.TryBorrowInstructionAccount(tc, txcontext.IndexOfAccount(i))
		if err != nil {
			return nil, nil, err
		}
		buf[offset] = nonDupMarker
		if account.IsSigner() {
			buf[offset+1] = 1
		}
		if account.IsWritable() {
			buf[offset+2] = 1
		}
		if account.IsExecutable() {
			buf[offset+3] = 1
		}
		offset += accountHeaderSize

		key, owner := account.Key(), account.Owner()
		copy(buf[offset:], key[:])
		offset += types.PubkeySize
		copy(buf[offset:], owner[:])
		offset += types.PubkeySize

		binary.LittleEndian.PutUint64(buf[offset:], account.Lamports())
		offset += 8
		binary.LittleEndian.PutUint64(buf[offset:], uint64(lengths[i]))
		offset += 8

		copy(buf[offset:], account.Data())
		offset += lengths[i] + MaxPermittedDataIncrease + alignPadding(lengths[i])

		binary.LittleEndian.PutUint64(buf[offset:], account.RentEpoch())
		offset += 8
		account.Release()
	}

	binary.LittleEndian.PutUint64(buf[offset:], uint64(len(data)))
	offset += 8
	copy(buf[offset:], data)
	offset += len(data)
	copy(buf[offset:], programID[:])

	return buf, lengths, nil
}

// deserializeParameters applies the account changes a program made to its
// input buffer. Lamports and data are applied before the owner so a program
// can still write an account it gives away.
func deserializeParameters(tc *txcontext.TransactionContext, ixc *txcontext.InstructionContext, buf []byte, lengths []int) error {
	offset := 8
	for i, ia := range ixc.InstructionAccounts() {
		if int(ia.IndexInCallee) != i {
			offset += accountHeaderSize
			continue
		}
		if offset+serializedLen(lengths[i]) > len(buf) {
			return txcontext.ErrInvalidAccountData
		}
		account, err := ixc.TryBorrowInstructionAccount(tc, txcontext.IndexOfAccount(i))
		if err != nil {
			return err
		}
		err = deserializeAccount(account, buf[offset:], lengths[i])
		account.Release()
		if err != nil {
			return err
		}
		offset += serializedLen(lengths[i])
	}
	return nil
}

func deserializeAccount(account *txcontext.BorrowedAccount, buf []byte, preLen int) error {
	offset := accountHeaderSize + types.PubkeySize

	var owner types.Pubkey
	copy(owner[:], buf[offset:offset+types.PubkeySize])
	offset += types.PubkeySize

	lamports := binary.LittleEndian.Uint64(buf[offset:])
	offset += 8
	if lamports != account.Lamports() {
		if err := account.SetLamports(lamports); err != nil {
			return err
		}
	}

	postLen := binary.LittleEndian.Uint64(buf[offset:])
	offset += 8
	if postLen > uint64(preLen)+MaxPermittedDataIncrease || postLen > txcontext.MaxPermittedDataLength {
		return txcontext.ErrInvalidRealloc
	}
	data := buf[offset : offset+int(postLen)]

	canResize := account.CanDataBeResized(len(data))
	canChange := account.CanDataBeChanged()
	switch {
	case canResize == nil && canChange == nil:
		if !bytes.Equal(account.Data(), data) {
			if err := account.SetDataFromSlice(data); err != nil {
				return err
			}
		}
	case !bytes.Equal(account.Data(), data):
		if canResize != nil {
			return canResize
		}
		return canChange
	}

	if owner != account.Owner() {
		return account.SetOwner(owner)
	}
	return nil
}
