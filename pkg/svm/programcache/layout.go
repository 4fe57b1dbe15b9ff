package programcache

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"

	"github.com/fortiblox/stratus-svm/internal/types"
)

// Loader v3 account states.
const (
	upgradeableUninitialized = 0
	upgradeableBuffer        = 1
	upgradeableProgram       = 2
	upgradeableProgramData   = 3
)

// Loader v3 and v4 layouts.
const (
	// UpgradeableProgramSize is the size of a loader v3 program account.
	UpgradeableProgramSize = 4 + types.PubkeySize
	// ProgramDataMetadataSize is where the ELF starts in a programdata account.
	ProgramDataMetadataSize = 4 + 8 + 1 + types.PubkeySize
	// LoaderV4ProgramDataOffset is where the ELF starts in a loader v4 program account.
	LoaderV4ProgramDataOffset = 8 + types.PubkeySize + 8
)

// LoaderV4Status is the deployment status of a loader v4 program.
type LoaderV4Status uint64

const (
	LoaderV4Retracted LoaderV4Status = iota
	LoaderV4Deployed
	LoaderV4Finalized
)

// ErrInvalidProgramState is returned when a loader account cannot be decoded.
var ErrInvalidProgramState = errors.New("invalid program account state")

// DecodeUpgradeableProgram returns the programdata address of a loader v3
// program account.
func DecodeUpgradeableProgram(data []byte) (types.Pubkey, error) {
	d := bin.NewBinDecoder(data)
	tag, err := d.ReadUint32(bin.LE)
	if err != nil {
		return types.Pubkey{}, fmt.Errorf("%w: %v", ErrInvalidProgramState, err)
	}
	if tag != upgradeableProgram {
		return types.Pubkey{}, fmt.Errorf("%w: state %d is not a program", ErrInvalidProgramState, tag)
	}
	raw, err := d.ReadBytes(types.PubkeySize)
	if err != nil {
		return types.Pubkey{}, fmt.Errorf("%w: %v", ErrInvalidProgramState, err)
	}
	return types.PubkeyFromBytes(raw)
}

// ProgramDataHeader is the metadata in front of a loader v3 ELF.
type ProgramDataHeader struct {
	Slot             uint64
	UpgradeAuthority *types.Pubkey
}

// DecodeProgramData decodes the metadata of a loader v3 programdata account.
func DecodeProgramData(data []byte) (ProgramDataHeader, error) {
	var h ProgramDataHeader
	d := bin.NewBinDecoder(data)
	tag, err := d.ReadUint32(bin.LE)
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidProgramState, err)
	}
	if tag != upgradeableProgramData {
		return h, fmt.Errorf("%w: state %d is not programdata", ErrInvalidProgramState, tag)
	}
	if h.Slot, err = d.ReadUint64(bin.LE); err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidProgramState, err)
	}
	some, err := d.ReadBool()
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidProgramState, err)
	}
	if some {
		raw, err := d.ReadBytes(types.PubkeySize)
		if err != nil {
			return h, fmt.Errorf("%w: %v", ErrInvalidProgramState, err)
		}
		authority, _ := types.PubkeyFromBytes(raw)
		h.UpgradeAuthority = &authority
	}
	return h, nil
}

// EncodeUpgradeableProgram builds a loader v3 program account's data.
func EncodeUpgradeableProgram(programData types.Pubkey) []byte {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	_ = enc.WriteUint32(upgradeableProgram, bin.LE)
	_ = enc.WriteBytes(programData[:], false)
	return buf.Bytes()
}

// EncodeProgramData builds a programdata account holding elf.
func EncodeProgramData(header ProgramDataHeader, elf []byte) []byte {
	out := make([]byte, ProgramDataMetadataSize, ProgramDataMetadataSize+len(elf))
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	_ = enc.WriteUint32(upgradeableProgramData, bin.LE)
	_ = enc.WriteUint64(header.Slot, bin.LE)
	if header.UpgradeAuthority != nil {
		_ = enc.WriteBool(true)
		_ = enc.WriteBytes(header.UpgradeAuthority[:], false)
	} else {
		_ = enc.WriteBool(false)
	}
	copy(out, buf.Bytes())
	return append(out, elf...)
}

// LoaderV4State is the header of a loader v4 program account.
type LoaderV4State struct {
	Slot                          uint64
	AuthorityAddressOrNextVersion types.Pubkey
	Status                        LoaderV4Status
}

// DecodeLoaderV4State decodes the header of a loader v4 program account.
func DecodeLoaderV4State(data []byte) (LoaderV4State, error) {
	var s LoaderV4State
	if len(data) < LoaderV4ProgramDataOffset {
		return s, fmt.Errorf("%w: loader v4 account of %d bytes", ErrInvalidProgramState, len(data))
	}
	d := bin.NewBinDecoder(data)
	s.Slot, _ = d.ReadUint64(bin.LE)
	raw, _ := d.ReadBytes(types.PubkeySize)
	copy(s.AuthorityAddressOrNextVersion[:], raw)
	status, _ := d.ReadUint64(bin.LE)
	if status > uint64(LoaderV4Finalized) {
		return s, fmt.Errorf("%w: loader v4 status %d", ErrInvalidProgramState, status)
	}
	s.Status = LoaderV4Status(status)
	return s, nil
}

// EncodeLoaderV4Program builds a loader v4 program account holding elf.
func EncodeLoaderV4Program(state LoaderV4State, elf []byte) []byte {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	_ = enc.WriteUint64(state.Slot, bin.LE)
	_ = enc.WriteBytes(state.AuthorityAddressOrNextVersion[:], false)
	_ = enc.WriteUint64(uint64(state.Status), bin.LE)
	_ = enc.WriteBytes(elf, false)
	return buf.Bytes()
}
