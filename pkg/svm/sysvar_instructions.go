package svm

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"

	"github.com/fortiblox/stratus-svm/internal/types"
)

const (
	instructionAccountSigner   = 1 << 0
	instructionAccountWritable = 1 << 1
)

// ConstructInstructionsData serializes instructions into the layout of the
// instructions sysvar: an instruction count, an offset per instruction, the
// instructions themselves and a trailing current instruction index.
func ConstructInstructionsData(instructions []Instruction) ([]byte, error) {
	var buf bytes.Buffer
	enc := bin.NewBinEncoder(&buf)

	offsets := make([]uint16, len(instructions))
	next := 2 + 2*len(instructions)
	for i, ix := range instructions {
		if next > 0xffff {
			return nil, fmt.Errorf("instructions sysvar overflow at instruction %d", i)
		}
		offsets[i] = uint16(next)
		next += 2 + len(ix.Accounts)*(1+types.PubkeySize) + types.PubkeySize + 2 + len(ix.Data)
	}

	if err := enc.WriteUint16(uint16(len(instructions)), binary.LittleEndian); err != nil {
		return nil, err
	}
	for _, off := range offsets {
		if err := enc.WriteUint16(off, binary.LittleEndian); err != nil {
			return nil, err
		}
	}
	for _, ix := range instructions {
		if err := encodeInstruction(enc, ix); err != nil {
			return nil, err
		}
	}
	if err := enc.WriteUint16(0, binary.LittleEndian); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeInstruction(enc *bin.Encoder, ix Instruction) error {
	if err := enc.WriteUint16(uint16(len(ix.Accounts)), binary.LittleEndian); err != nil {
		return err
	}
	for _, meta := range ix.Accounts {
		var flags byte
		if meta.IsSigner {
			flags |= instructionAccountSigner
		}
		if meta.IsWritable {
			flags |= instructionAccountWritable
		}
		if err := enc.WriteByte(flags); err != nil {
			return err
		}
		if err := enc.WriteBytes(meta.Pubkey[:], false); err != nil {
			return err
		}
	}
	if err := enc.WriteBytes(ix.ProgramID[:], false); err != nil {
		return err
	}
	if err := enc.WriteUint16(uint16(len(ix.Data)), binary.LittleEndian); err != nil {
		return err
	}
	return enc.WriteBytes(ix.Data, false)
}

// StoreCurrentIndex overwrites the trailing current instruction index.
func StoreCurrentIndex(data []byte, index uint16) {
	if len(data) < 2 {
		return
	}
	binary.LittleEndian.PutUint16(data[len(data)-2:], index)
}

// LoadCurrentIndex reads the trailing current instruction index.
func LoadCurrentIndex(data []byte) uint16 {
	if len(data) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(data[len(data)-2:])
}

// LoadInstructionAt decodes instruction index from instructions sysvar data.
func LoadInstructionAt(data []byte, index int) (Instruction, error) {
	d := bin.NewBinDecoder(data)
	count, err := d.ReadUint16(binary.LittleEndian)
	if err != nil {
		return Instruction{}, err
	}
	if index < 0 || index >= int(count) {
		return Instruction{}, fmt.Errorf("instruction %d out of range (%d)", index, count)
	}
	if err := d.SkipBytes(uint(2 * index)); err != nil {
		return Instruction{}, err
	}
	off, err := d.ReadUint16(binary.LittleEndian)
	if err != nil {
		return Instruction{}, err
	}
	if int(off) >= len(data) {
		return Instruction{}, fmt.Errorf("instruction offset %d out of range", off)
	}
	d = bin.NewBinDecoder(data[off:])

	n, err := d.ReadUint16(binary.LittleEndian)
	if err != nil {
		return Instruction{}, err
	}
	ix := Instruction{Accounts: make([]InstructionAccountMeta, n)}
	for i := range ix.Accounts {
		flags, err := d.ReadByte()
		if err != nil {
			return Instruction{}, err
		}
		key, err := d.ReadBytes(types.PubkeySize)
		if err != nil {
			return Instruction{}, err
		}
		ix.Accounts[i] = InstructionAccountMeta{
			Pubkey:     types.Pubkey(key),
			IsSigner:   flags&instructionAccountSigner != 0,
			IsWritable: flags&instructionAccountWritable != 0,
		}
	}
	program, err := d.ReadBytes(types.PubkeySize)
	if err != nil {
		return Instruction{}, err
	}
	ix.ProgramID = types.Pubkey(program)
	dataLen, err := d.ReadUint16(binary.LittleEndian)
	if err != nil {
		return Instruction{}, err
	}
	if ix.Data, err = d.ReadBytes(int(dataLen)); err != nil {
		return Instruction{}, err
	}
	return ix, nil
}
