package loader

import (
	"errors"
	"fmt"
)

// DefaultMaxProgramSize caps the bytes a program may occupy.
const DefaultMaxProgramSize = 10 * 1024 * 1024

// DefaultSyscalls are registered in every environment built by
// NewDefaultEnvironment.
var DefaultSyscalls = []string{
	"abort",
	"sol_panic_",
	"sol_log_",
	"sol_log_64_",
	"sol_log_compute_units_",
	"sol_log_pubkey",
	"sol_log_data",
	"sol_create_program_address",
	"sol_try_find_program_address",
	"sol_sha256",
	"sol_keccak256",
	"sol_blake3",
	"sol_secp256k1_recover",
	"sol_get_clock_sysvar",
	"sol_get_epoch_schedule_sysvar",
	"sol_get_rent_sysvar",
	"sol_memcpy_",
	"sol_memmove_",
	"sol_memcmp_",
	"sol_memset_",
	"sol_invoke_signed_c",
	"sol_invoke_signed_rust",
	"sol_set_return_data",
	"sol_get_return_data",
	"sol_get_stack_height",
	"sol_get_processed_sibling_instruction",
	"sol_alloc_free_",
}

// Verification errors.
var (
	ErrEntryOutOfBounds   = errors.New("entry point out of bounds")
	ErrJumpOutOfBounds    = errors.New("jump out of bounds")
	ErrIncompleteLDDW     = errors.New("incomplete lddw instruction")
	ErrUnknownSyscall     = errors.New("call to unregistered syscall")
	ErrEnvironmentChanged = errors.New("executable loaded under another environment")
)

// Environment is the loader configuration a program is loaded and verified
// under. Environments are compared by identity: a new environment at an
// epoch boundary invalidates everything loaded under the old one.
type Environment struct {
	Name           string
	MaxProgramSize int

	syscalls map[uint32]string
}

// NewEnvironment registers syscalls by name.
func NewEnvironment(name string, maxProgramSize int, syscalls []string) *Environment {
	env := &Environment{
		Name:           name,
		MaxProgramSize: maxProgramSize,
		syscalls:       make(map[uint32]string, len(syscalls)),
	}
	for _, s := range syscalls {
		env.syscalls[SymbolHash(s)] = s
	}
	return env
}

// NewDefaultEnvironment registers DefaultSyscalls.
func NewDefaultEnvironment(name string) *Environment {
	return NewEnvironment(name, DefaultMaxProgramSize, DefaultSyscalls)
}

// HasSyscall reports whether hash names a registered syscall.
func (env *Environment) HasSyscall(hash uint32) bool {
	_, ok := env.syscalls[hash]
	return ok
}

// SyscallName returns the registered name for hash.
func (env *Environment) SyscallName(hash uint32) (string, bool) {
	name, ok := env.syscalls[hash]
	return name, ok
}

func (env *Environment) String() string {
	return fmt.Sprintf("%s(%d syscalls)", env.Name, len(env.syscalls))
}

const (
	opLDDW  = 0x18
	opCall  = 0x85
	opExit  = 0x95
	clsJMP  = 0x05
	clsMask = 0x07
)

// Verify checks the control flow of exe and that it was loaded under env.
func Verify(exe *Executable, env *Environment) error {
	if exe.env != env {
		return ErrEnvironmentChanged
	}
	n := uint64(len(exe.Text))
	if exe.Entry >= n {
		return ErrEntryOutOfBounds
	}
	for pc := uint64(0); pc < n; pc++ {
		ins := exe.Text[pc]
		op := uint8(ins)
		switch {
		case op == opLDDW:
			if pc+1 >= n || uint8(exe.Text[pc+1]) != 0 {
				return fmt.Errorf("%w at %d", ErrIncompleteLDDW, pc)
			}
			pc++
		case op == opCall:
			hash := uint32(ins >> 32)
			if _, internal := exe.lookupFunction(hash); !internal && !env.HasSyscall(hash) {
				if !isRelativeCall(ins) {
					return fmt.Errorf("%w %#x at %d", ErrUnknownSyscall, hash, pc)
				}
			}
		case op == opExit:
		case op&clsMask == clsJMP:
			off := int64(int16(ins >> 16))
			target := int64(pc) + 1 + off
			if target < 0 || target >= int64(n) {
				return fmt.Errorf("%w at %d", ErrJumpOutOfBounds, pc)
			}
		}
	}
	return nil
}

func (e *Executable) lookupFunction(hash uint32) (uint64, bool) {
	pc, ok := e.Functions[hash]
	return pc, ok
}

// isRelativeCall reports a pc-relative call, marked by src register 1.
func isRelativeCall(ins uint64) bool {
	return (ins>>12)&0xf == 1
}
