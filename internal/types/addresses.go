package types

// Native program addresses.
var (
	// SystemProgramAddr is the System Program address.
	SystemProgramAddr = MustPubkeyFromBase58("11111111111111111111111111111111")

	// VoteProgramAddr is the Vote Program address.
	VoteProgramAddr = MustPubkeyFromBase58("Vote111111111111111111111111111111111111111")

	// StakeProgramAddr is the Stake Program address.
	StakeProgramAddr = MustPubkeyFromBase58("Stake11111111111111111111111111111111111111")

	// ComputeBudgetProgramAddr is the Compute Budget Program address.
	ComputeBudgetProgramAddr = MustPubkeyFromBase58("ComputeBudget111111111111111111111111111111")

	// AddressLookupTableProgramAddr is the Address Lookup Table Program address.
	AddressLookupTableProgramAddr = MustPubkeyFromBase58("AddressLookupTab1e1111111111111111111111111")

	// BPFLoaderDeprecatedAddr is the first (v1) BPF loader.
	BPFLoaderDeprecatedAddr = MustPubkeyFromBase58("BPFLoader1111111111111111111111111111111111")

	// BPFLoaderAddr is the v2 BPF loader.
	BPFLoaderAddr = MustPubkeyFromBase58("BPFLoader2111111111111111111111111111111111")

	// BPFLoaderUpgradeableAddr is the upgradeable (v3) BPF loader.
	BPFLoaderUpgradeableAddr = MustPubkeyFromBase58("BPFLoaderUpgradeab1e11111111111111111111111")

	// LoaderV4Addr is the Loader V4 address.
	LoaderV4Addr = MustPubkeyFromBase58("LoaderV411111111111111111111111111111111111")

	// NativeLoaderAddr is the Native Loader address.
	NativeLoaderAddr = MustPubkeyFromBase58("NativeLoader1111111111111111111111111111111")

	// SysvarProgramAddr owns every sysvar account.
	SysvarProgramAddr = MustPubkeyFromBase58("Sysvar1111111111111111111111111111111111111")

	// Secp256k1ProgramAddr is the secp256k1 signature verification precompile.
	Secp256k1ProgramAddr = MustPubkeyFromBase58("KeccakSecp256k11111111111111111111111111111")

	// Ed25519ProgramAddr is the ed25519 signature verification precompile.
	Ed25519ProgramAddr = MustPubkeyFromBase58("Ed25519SigVerify111111111111111111111111111")

	// IncineratorAddr burns whatever is sent to it. Exempt from rent state checks.
	IncineratorAddr = MustPubkeyFromBase58("1nc1nerator11111111111111111111111111111111")
)

// Sysvar addresses.
var (
	// SysvarClockAddr is the Clock sysvar address.
	SysvarClockAddr = MustPubkeyFromBase58("SysvarC1ock11111111111111111111111111111111")

	// SysvarRentAddr is the Rent sysvar address.
	SysvarRentAddr = MustPubkeyFromBase58("SysvarRent111111111111111111111111111111111")

	// SysvarEpochScheduleAddr is the Epoch Schedule sysvar address.
	SysvarEpochScheduleAddr = MustPubkeyFromBase58("SysvarEpochSchedu1e111111111111111111111111")

	// SysvarRecentBlockhashesAddr is the Recent Blockhashes sysvar address (deprecated).
	SysvarRecentBlockhashesAddr = MustPubkeyFromBase58("SysvarRecentB1ockHashes11111111111111111111")

	// SysvarSlotHistoryAddr is the Slot History sysvar address.
	SysvarSlotHistoryAddr = MustPubkeyFromBase58("SysvarS1otHistory11111111111111111111111111")

	// SysvarInstructionsAddr is the Instructions sysvar address.
	SysvarInstructionsAddr = MustPubkeyFromBase58("Sysvar1nstructions1111111111111111111111111")
)

// LoaderOwners are the owners whose accounts hold on-chain programs, in the
// order account_matches_owners is queried with.
var LoaderOwners = []Pubkey{
	BPFLoaderUpgradeableAddr,
	BPFLoaderAddr,
	BPFLoaderDeprecatedAddr,
	LoaderV4Addr,
}

// IsLoader returns true if the pubkey is one of the program loaders.
func IsLoader(p Pubkey) bool {
	for _, owner := range LoaderOwners {
		if owner == p {
			return true
		}
	}
	return false
}

// IsSysvar returns true if the pubkey is a sysvar.
func IsSysvar(p Pubkey) bool {
	switch p {
	case SysvarClockAddr,
		SysvarRentAddr,
		SysvarEpochScheduleAddr,
		SysvarRecentBlockhashesAddr,
		SysvarSlotHistoryAddr,
		SysvarInstructionsAddr:
		return true
	default:
		return false
	}
}
