package svm

// DefaultLamportsPerSignature is the signature fee when none is configured.
const DefaultLamportsPerSignature = uint64(5000)

// FeeBin charges Fee lamports to transactions requesting at most Limit units.
type FeeBin struct {
	Limit uint64
	Fee   uint64
}

// FeeStructure is the fee schedule.
type FeeStructure struct {
	LamportsPerSignature uint64
	LamportsPerWriteLock uint64
	ComputeFeeBins       []FeeBin
}

// DefaultFeeStructure charges signatures only.
func DefaultFeeStructure() FeeStructure {
	return FeeStructure{
		LamportsPerSignature: DefaultLamportsPerSignature,
		ComputeFeeBins:       []FeeBin{{Limit: uint64(MaxComputeUnitLimit), Fee: 0}},
	}
}

// FeeDetails splits a fee into its base and priority parts.
type FeeDetails struct {
	TransactionFee    uint64
	PrioritizationFee uint64
}

// Total returns the full fee, saturating.
func (f FeeDetails) Total() uint64 {
	return saturatingAdd(f.TransactionFee, f.PrioritizationFee)
}

// loadedAccountsDataSizePage is the unit in which loaded account data is
// charged heap cost.
const loadedAccountsDataSizePage = 32 * 1024

// CalculateFeeDetails prices msg. A zero lamportsPerSignature makes the
// transaction free.
func (fs FeeStructure) CalculateFeeDetails(msg *SanitizedMessage, lamportsPerSignature uint64, limits ComputeBudgetLimits, features *FeatureSet) FeeDetails {
	if lamportsPerSignature == 0 {
		return FeeDetails{}
	}
	signatureFee := saturatingMul(msg.NumTotalSignatures(), fs.LamportsPerSignature)
	writeLockFee := saturatingMul(uint64(msg.NumWriteLocks()), fs.LamportsPerWriteLock)
	units := uint64(limits.ComputeUnitLimit)
	if features.IsActive(IncludeLoadedAccountsDataSizeInFee) {
		units = saturatingAdd(units, LoadedAccountsDataSizeCost(limits.LoadedAccountsBytes))
	}
	computeFee := fs.computeFee(units)
	return FeeDetails{
		TransactionFee:    saturatingAdd(saturatingAdd(signatureFee, writeLockFee), computeFee),
		PrioritizationFee: PrioritizationFee(limits.ComputeUnitPrice, uint64(limits.ComputeUnitLimit)),
	}
}

// LoadedAccountsDataSizeCost converts a loaded data cap into compute units.
func LoadedAccountsDataSizeCost(bytes uint32) uint64 {
	pages := (uint64(bytes) + loadedAccountsDataSizePage - 1) / loadedAccountsDataSizePage
	return pages * CUHeapCostDefault
}

func (fs FeeStructure) computeFee(units uint64) uint64 {
	if len(fs.ComputeFeeBins) == 0 {
		return 0
	}
	for _, b := range fs.ComputeFeeBins {
		if units <= b.Limit {
			return b.Fee
		}
	}
	return fs.ComputeFeeBins[len(fs.ComputeFeeBins)-1].Fee
}

// PrioritizationFee converts a micro-lamport unit price into lamports,
// rounding up.
func PrioritizationFee(microLamportsPerUnit, units uint64) uint64 {
	const microLamportsPerLamport = 1_000_000
	hi, lo := mul64(microLamportsPerUnit, units)
	if hi >= microLamportsPerLamport {
		return ^uint64(0)
	}
	q, r := div128(hi, lo, microLamportsPerLamport)
	if r != 0 {
		q++
	}
	return q
}

func saturatingAdd(a, b uint64) uint64 {
	if s := a + b; s >= a {
		return s
	}
	return ^uint64(0)
}

func saturatingMul(a, b uint64) uint64 {
	hi, lo := mul64(a, b)
	if hi != 0 {
		return ^uint64(0)
	}
	return lo
}
