package accounts

import (
	"errors"
	"math"
	"strconv"

	"github.com/holiman/uint256"
)

var (
	// ErrLamportsOverflow is returned when a balance would exceed u64::MAX lamports.
	ErrLamportsOverflow = errors.New("lamports arithmetic overflow")

	// ErrLamportsUnderflow is returned when a balance would drop below zero.
	ErrLamportsUnderflow = errors.New("lamports arithmetic underflow")
)

// Lamports is a balance held in the ledger's native currency unit.
//
// The ledger may use a finer unit than Solana does. One lamport equals
// Multiplier native units, so the lamport view is native / Multiplier and the
// native value is capped at u64::MAX * Multiplier. Arithmetic happens in the
// native unit so sub-lamport dust survives credits and debits.
type Lamports struct {
	native     uint256.Int
	multiplier uint64
}

// NewLamports converts a lamport count into a native balance.
func NewLamports(lamports, multiplier uint64) Lamports {
	l := Lamports{multiplier: normalizeMultiplier(multiplier)}
	l.native.SetUint64(lamports)
	l.native.Mul(&l.native, uint256.NewInt(l.multiplier))
	return l
}

// LamportsFromNative wraps a native balance, rejecting values above the cap.
func LamportsFromNative(native *uint256.Int, multiplier uint64) (Lamports, error) {
	l := Lamports{multiplier: normalizeMultiplier(multiplier)}
	if native.Gt(l.max()) {
		return Lamports{}, ErrLamportsOverflow
	}
	l.native.Set(native)
	return l, nil
}

func normalizeMultiplier(m uint64) uint64 {
	if m == 0 {
		return 1
	}
	return m
}

func (l Lamports) mul() uint64 {
	return normalizeMultiplier(l.multiplier)
}

func (l Lamports) max() *uint256.Int {
	limit := uint256.NewInt(math.MaxUint64)
	return limit.Mul(limit, uint256.NewInt(l.mul()))
}

// Get returns the balance in whole lamports.
func (l Lamports) Get() uint64 {
	var q uint256.Int
	q.Div(&l.native, uint256.NewInt(l.mul()))
	return q.Uint64()
}

// Native returns a copy of the native balance.
func (l Lamports) Native() *uint256.Int {
	return new(uint256.Int).Set(&l.native)
}

// Multiplier returns the number of native units per lamport.
func (l Lamports) Multiplier() uint64 {
	return l.mul()
}

// IsZero reports whether the native balance is zero.
func (l Lamports) IsZero() bool {
	return l.native.IsZero()
}

// Equal compares native balances.
func (l Lamports) Equal(other Lamports) bool {
	return l.native.Eq(&other.native)
}

func (l Lamports) withNative(native *uint256.Int) (Lamports, error) {
	if native.Gt(l.max()) {
		return Lamports{}, ErrLamportsOverflow
	}
	out := Lamports{multiplier: l.mul()}
	out.native.Set(native)
	return out, nil
}

func (l Lamports) scaled(lamports uint64) *uint256.Int {
	v := uint256.NewInt(lamports)
	return v.Mul(v, uint256.NewInt(l.mul()))
}

// CheckedAdd adds whole lamports.
func (l Lamports) CheckedAdd(lamports uint64) (Lamports, error) {
	sum, overflow := new(uint256.Int).AddOverflow(&l.native, l.scaled(lamports))
	if overflow {
		return Lamports{}, ErrLamportsOverflow
	}
	return l.withNative(sum)
}

// CheckedSub subtracts whole lamports.
func (l Lamports) CheckedSub(lamports uint64) (Lamports, error) {
	rhs := l.scaled(lamports)
	if l.native.Lt(rhs) {
		return Lamports{}, ErrLamportsUnderflow
	}
	return l.withNative(new(uint256.Int).Sub(&l.native, rhs))
}

// SaturatingAdd adds whole lamports, clamping at the cap.
func (l Lamports) SaturatingAdd(lamports uint64) Lamports {
	out, err := l.CheckedAdd(lamports)
	if err != nil {
		out = Lamports{multiplier: l.mul()}
		out.native.Set(l.max())
	}
	return out
}

// SaturatingSub subtracts whole lamports, clamping at zero.
func (l Lamports) SaturatingSub(lamports uint64) Lamports {
	out, err := l.CheckedSub(lamports)
	if err != nil {
		return Lamports{multiplier: l.mul()}
	}
	return out
}

// CheckedAddLamports adds another native balance without rounding.
func (l Lamports) CheckedAddLamports(other Lamports) (Lamports, error) {
	sum, overflow := new(uint256.Int).AddOverflow(&l.native, &other.native)
	if overflow {
		return Lamports{}, ErrLamportsOverflow
	}
	return l.withNative(sum)
}

// CheckedSubLamports subtracts another native balance without rounding.
func (l Lamports) CheckedSubLamports(other Lamports) (Lamports, error) {
	if l.native.Lt(&other.native) {
		return Lamports{}, ErrLamportsUnderflow
	}
	return l.withNative(new(uint256.Int).Sub(&l.native, &other.native))
}

// String renders the lamport view.
func (l Lamports) String() string {
	return strconv.FormatUint(l.Get(), 10)
}
