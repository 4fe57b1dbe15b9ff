package programcache

import (
	"fmt"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/accounts"
	"github.com/fortiblox/stratus-svm/pkg/svm/loader"
)

// AccountSource looks accounts up by address.
type AccountSource interface {
	GetAccountSharedData(key types.Pubkey) (*accounts.AccountSharedData, bool)
}

// ProgramAccounts are the accounts holding one program's bytes.
type ProgramAccounts struct {
	Owner Owner
	// Invalid is set when the accounts do not form a deployed program.
	Invalid            bool
	Program            *accounts.AccountSharedData
	ProgramData        *accounts.AccountSharedData
	ProgramDataAddress types.Pubkey
	Slot               uint64
}

// LoadProgramAccounts fetches the accounts of the program at key. It returns
// false when the account is missing or not owned by a loader.
func LoadProgramAccounts(src AccountSource, key types.Pubkey) (ProgramAccounts, bool) {
	program, ok := src.GetAccountSharedData(key)
	if !ok {
		return ProgramAccounts{}, false
	}

	switch program.Owner() {
	case types.LoaderV4Addr:
		state, err := DecodeLoaderV4State(program.Data())
		if err != nil || state.Status == LoaderV4Retracted {
			return ProgramAccounts{Owner: OwnerLoaderV4, Invalid: true}, true
		}
		return ProgramAccounts{Owner: OwnerLoaderV4, Program: program, Slot: state.Slot}, true

	case types.BPFLoaderDeprecatedAddr:
		return ProgramAccounts{Owner: OwnerLoaderV1, Program: program}, true

	case types.BPFLoaderAddr:
		return ProgramAccounts{Owner: OwnerLoaderV2, Program: program}, true

	case types.BPFLoaderUpgradeableAddr:
		invalid := ProgramAccounts{Owner: OwnerLoaderV3, Invalid: true}
		programDataAddr, err := DecodeUpgradeableProgram(program.Data())
		if err != nil {
			return invalid, true
		}
		programData, ok := src.GetAccountSharedData(programDataAddr)
		if !ok {
			return invalid, true
		}
		header, err := DecodeProgramData(programData.Data())
		if err != nil {
			return invalid, true
		}
		return ProgramAccounts{
			Owner:              OwnerLoaderV3,
			Program:            program,
			ProgramData:        programData,
			ProgramDataAddress: programDataAddr,
			Slot:               header.Slot,
		}, true

	default:
		return ProgramAccounts{}, false
	}
}

// LoadProgramWithPubkey builds the cache entry of the program at key as seen
// at slot. It returns false when key is not a program account. Accounts that
// are not deployed programs become Closed tombstones and bytes that fail to
// load or verify become FailedVerification tombstones.
//
// With reload set, verification is skipped. See ReloadUnverified.
func LoadProgramWithPubkey(src AccountSource, envs Environments, key types.Pubkey, slot uint64, reload bool) (*Entry, bool) {
	pa, ok := LoadProgramAccounts(src, key)
	if !ok {
		return nil, false
	}
	if pa.Invalid {
		return NewTombstone(slot, pa.Owner, Closed, nil), true
	}

	env := envs.ForOwner(pa.Owner)
	entry, err := loadFromProgramAccounts(pa, env, reload)
	if err != nil {
		return NewTombstone(slot, pa.Owner, FailedVerification, env), true
	}
	entry.UpdateAccessSlot(slot)
	return entry, true
}

func loadFromProgramAccounts(pa ProgramAccounts, env *loader.Environment, reload bool) (*Entry, error) {
	var (
		elf            []byte
		size           int
		deploymentSlot uint64
	)
	switch pa.Owner {
	case OwnerLoaderV1, OwnerLoaderV2:
		elf = pa.Program.Data()
		size = len(elf)
	case OwnerLoaderV3:
		data := pa.ProgramData.Data()
		if len(data) < ProgramDataMetadataSize {
			return nil, fmt.Errorf("%w: programdata of %d bytes", ErrInvalidProgramState, len(data))
		}
		elf = data[ProgramDataMetadataSize:]
		size = pa.Program.DataLen() + len(data)
		deploymentSlot = pa.Slot
	case OwnerLoaderV4:
		data := pa.Program.Data()
		elf = data[LoaderV4ProgramDataOffset:]
		size = len(data)
		deploymentSlot = pa.Slot
	default:
		return nil, fmt.Errorf("%w: owner %s", ErrInvalidProgramState, pa.Owner)
	}

	effectiveSlot := deploymentSlot + DelayVisibilitySlotOffset
	load := NewEntry
	if reload {
		load = ReloadUnverified
	}
	entry, err := load(pa.Owner, env, deploymentSlot, effectiveSlot, elf, size)
	if err != nil {
		return nil, err
	}
	entry.programData = pa.ProgramDataAddress
	return entry, nil
}
