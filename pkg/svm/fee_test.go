package svm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateFeeDetails(t *testing.T) {
	sm, err := NewSanitizedMessage(transferMessage(), nil)
	require.NoError(t, err)
	fs := DefaultFeeStructure()

	limits := DefaultComputeBudgetLimits()
	assert.Equal(t, FeeDetails{TransactionFee: 5000}, fs.CalculateFeeDetails(sm, 5000, limits, nil))
	assert.Equal(t, FeeDetails{}, fs.CalculateFeeDetails(sm, 0, limits, nil))

	limits.ComputeUnitPrice = 1
	limits.ComputeUnitLimit = 1_000_001
	details := fs.CalculateFeeDetails(sm, 5000, limits, nil)
	assert.Equal(t, uint64(2), details.PrioritizationFee)
	assert.Equal(t, uint64(5002), details.Total())
}

func TestCalculateFeeWriteLocksAndBins(t *testing.T) {
	sm, err := NewSanitizedMessage(transferMessage(), nil)
	require.NoError(t, err)
	fs := FeeStructure{
		LamportsPerSignature: 10,
		LamportsPerWriteLock: 3,
		ComputeFeeBins:       []FeeBin{{Limit: 1_000, Fee: 1}, {Limit: 2_000_000, Fee: 100}},
	}
	limits := ComputeBudgetLimits{ComputeUnitLimit: 500, LoadedAccountsBytes: 64 * 1024 * 1024}
	assert.Equal(t, uint64(10+6+1), fs.CalculateFeeDetails(sm, 1, limits, nil).TransactionFee)
	assert.Equal(t, uint64(10+6+100), fs.CalculateFeeDetails(sm, 1, limits, NewFeatureSet(IncludeLoadedAccountsDataSizeInFee)).TransactionFee)
}

func TestPrioritizationFee(t *testing.T) {
	assert.Equal(t, uint64(0), PrioritizationFee(0, 1_400_000))
	assert.Equal(t, uint64(1), PrioritizationFee(1, 1))
	assert.Equal(t, uint64(14), PrioritizationFee(10, 1_400_000))
	assert.Equal(t, ^uint64(0), PrioritizationFee(^uint64(0), ^uint64(0)))
}

func TestFeeDetailsTotalSaturates(t *testing.T) {
	assert.Equal(t, ^uint64(0), FeeDetails{TransactionFee: ^uint64(0), PrioritizationFee: 1}.Total())
}

func TestLoadedAccountsDataSizeCost(t *testing.T) {
	assert.Equal(t, uint64(0), LoadedAccountsDataSizeCost(0))
	assert.Equal(t, uint64(8), LoadedAccountsDataSizeCost(1))
	assert.Equal(t, uint64(16384), LoadedAccountsDataSizeCost(64*1024*1024))
}
