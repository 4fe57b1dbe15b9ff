package svm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/stratus-svm/internal/types"
)

func TestConstructInstructionsData(t *testing.T) {
	ixs := []Instruction{
		{
			ProgramID: types.SystemProgramAddr,
			Accounts: []InstructionAccountMeta{
				{Pubkey: testPayer, IsSigner: true, IsWritable: true},
				{Pubkey: testTo, IsWritable: true},
			},
			Data: []byte{1, 2, 3},
		},
		{ProgramID: types.ComputeBudgetProgramAddr, Data: []byte{4}},
	}
	data, err := ConstructInstructionsData(ixs)
	require.NoError(t, err)

	first := 2 + 2*2
	second := first + 2 + 2*33 + 32 + 2 + 3
	assert.Equal(t, []byte{2, 0, byte(first), 0, byte(second), 0}, data[:6])
	assert.Equal(t, byte(3), data[first+2], "signer and writable flags")
	assert.Equal(t, byte(2), data[first+2+33], "writable flag")
	assert.Len(t, data, second+2+32+2+1+2)

	for i, want := range ixs {
		got, err := LoadInstructionAt(data, i)
		require.NoError(t, err)
		assert.Equal(t, want.ProgramID, got.ProgramID)
		assert.Equal(t, want.Data, got.Data)
		assert.Equal(t, len(want.Accounts), len(got.Accounts))
	}
	_, err = LoadInstructionAt(data, 2)
	assert.Error(t, err)

	assert.Equal(t, uint16(0), LoadCurrentIndex(data))
	StoreCurrentIndex(data, 1)
	assert.Equal(t, uint16(1), LoadCurrentIndex(data))
}

func TestConstructInstructionsDataEmpty(t *testing.T) {
	data, err := ConstructInstructionsData(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, data)
}
