package svm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatureSet(t *testing.T) {
	var nilSet *FeatureSet
	assert.False(t, nilSet.IsActive(DisableRentFeesCollection))

	fs, err := FeatureSetFromNames([]string{"disable_rent_fees_collection"})
	require.NoError(t, err)
	assert.True(t, fs.IsActive(DisableRentFeesCollection))
	assert.False(t, fs.IsActive(DisableAccountLoaderSpecialCase))

	fs.Activate(DisableAccountLoaderSpecialCase, 10)
	slot, ok := fs.ActivatedSlot(DisableAccountLoaderSpecialCase)
	require.True(t, ok)
	assert.Equal(t, uint64(10), slot)
	assert.Equal(t, []string{"disable_account_loader_special_case", "disable_rent_fees_collection"}, fs.Names())

	_, err = FeatureSetFromNames([]string{"nope"})
	assert.Error(t, err)
	assert.Equal(t, "feature(99)", Feature(99).String())
}
