package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPubkeyBase58RoundTrip(t *testing.T) {
	for _, p := range append([]Pubkey{SystemProgramAddr, NativeLoaderAddr, SysvarInstructionsAddr}, LoaderOwners...) {
		parsed, err := PubkeyFromBase58(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
}

func TestSystemProgramIsZero(t *testing.T) {
	assert.True(t, SystemProgramAddr.IsZero())
	assert.False(t, NativeLoaderAddr.IsZero())
}

func TestPubkeyFromBase58Errors(t *testing.T) {
	_, err := PubkeyFromBase58("0OIl")
	assert.Error(t, err)

	_, err = PubkeyFromBase58("1111")
	assert.ErrorIs(t, err, ErrInvalidPubkey)
}

func TestPubkeyCompare(t *testing.T) {
	a := Pubkey{1}
	b := Pubkey{2}
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.Equal(t, 0, a.Compare(a))
}

func TestHashVMatchesConcatenation(t *testing.T) {
	joined := ComputeHash([]byte("DURABLE_NONCEabc"))
	assert.Equal(t, joined, HashV([]byte("DURABLE_NONCE"), []byte("abc")))
}

func TestTextMarshalling(t *testing.T) {
	h := ComputeHash([]byte("block"))
	text, err := h.MarshalText()
	require.NoError(t, err)

	var parsed Hash
	require.NoError(t, parsed.UnmarshalText(text))
	assert.Equal(t, h, parsed)

	var p Pubkey
	require.NoError(t, p.UnmarshalText([]byte(LoaderV4Addr.String())))
	assert.Equal(t, LoaderV4Addr, p)
}

func TestIsLoaderAndSysvar(t *testing.T) {
	assert.True(t, IsLoader(BPFLoaderUpgradeableAddr))
	assert.False(t, IsLoader(SystemProgramAddr))
	assert.True(t, IsSysvar(SysvarRentAddr))
	assert.False(t, IsSysvar(SysvarProgramAddr))
}
