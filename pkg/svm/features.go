package svm

import (
	"fmt"
	"sort"
)

// Feature is a runtime behavior switch.
type Feature uint8

const (
	// DisableRentFeesCollection stops rent collection. Accounts only have
	// their rent epoch moved to the exempt sentinel.
	DisableRentFeesCollection Feature = iota + 1

	// DisableAccountLoaderSpecialCase loads program-only accounts in full
	// instead of as stubs from the program cache.
	DisableAccountLoaderSpecialCase

	// IncludeLoadedAccountsDataSizeInFee prices the loaded data cap into the
	// compute fee bin lookup.
	IncludeLoadedAccountsDataSizeInFee
)

var featureNames = map[Feature]string{
	DisableRentFeesCollection:          "disable_rent_fees_collection",
	DisableAccountLoaderSpecialCase:    "disable_account_loader_special_case",
	IncludeLoadedAccountsDataSizeInFee: "include_loaded_accounts_data_size_in_fee_calculation",
}

func (f Feature) String() string {
	if name, ok := featureNames[f]; ok {
		return name
	}
	return fmt.Sprintf("feature(%d)", uint8(f))
}

// ParseFeature looks a feature up by name.
func ParseFeature(name string) (Feature, error) {
	for f, n := range featureNames {
		if n == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown feature %q", name)
}

// FeatureSet records which features are active and since which slot.
// The zero value has nothing active.
type FeatureSet struct {
	active map[Feature]uint64
}

// NewFeatureSet activates features at slot 0.
func NewFeatureSet(features ...Feature) *FeatureSet {
	fs := &FeatureSet{}
	for _, f := range features {
		fs.Activate(f, 0)
	}
	return fs
}

// FeatureSetFromNames activates the named features at slot 0.
func FeatureSetFromNames(names []string) (*FeatureSet, error) {
	fs := &FeatureSet{}
	for _, name := range names {
		f, err := ParseFeature(name)
		if err != nil {
			return nil, err
		}
		fs.Activate(f, 0)
	}
	return fs, nil
}

// Activate marks f active from slot.
func (fs *FeatureSet) Activate(f Feature, slot uint64) {
	if fs.active == nil {
		fs.active = make(map[Feature]uint64)
	}
	fs.active[f] = slot
}

// IsActive reports whether f is active. A nil set has nothing active.
func (fs *FeatureSet) IsActive(f Feature) bool {
	if fs == nil {
		return false
	}
	_, ok := fs.active[f]
	return ok
}

// ActivatedSlot returns the slot f was activated at.
func (fs *FeatureSet) ActivatedSlot(f Feature) (uint64, bool) {
	if fs == nil {
		return 0, false
	}
	slot, ok := fs.active[f]
	return slot, ok
}

// Names lists the active features, sorted.
func (fs *FeatureSet) Names() []string {
	if fs == nil {
		return nil
	}
	names := make([]string, 0, len(fs.active))
	for f := range fs.active {
		names = append(names, f.String())
	}
	sort.Strings(names)
	return names
}
