// Package loader turns deployed program bytes into executables.
//
// Program bytes are sBPF ELF files. Loading:
// - validates the ELF header and section table
// - extracts .text and .rodata
// - registers function symbols under their murmur3 name hash
// - applies relocations, resolving external symbols against the syscalls
//   of the loader Environment
//
// Verification is a separate step so that a program already verified once
// can be reloaded without repeating it. Executables are opaque to the rest of
// the runtime; interpretation belongs to an injected executor.
package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/spaolacci/murmur3"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

const (
	elfClass64  = 2
	elfDataLSB  = 1
	elfTypeExec = 2
	elfTypeDyn  = 3

	elfMachineBPF  = 247
	elfMachineSBPF = 263

	elfHeaderSize     = 64
	sectionHeaderSize = 64
	symbolSize        = 24
	relocationSize    = 16
)

const (
	shtNobits = 8
	sttFunc   = 2
)

// Relocation types.
const (
	rBPF64_64    = 1
	rBPFRelative = 8
	rBPF64_32    = 10
)

// ELF errors.
var (
	ErrInvalidELF         = errors.New("invalid ELF file")
	ErrUnsupportedClass   = errors.New("unsupported ELF class (expected 64-bit)")
	ErrUnsupportedEndian  = errors.New("unsupported endianness (expected little-endian)")
	ErrUnsupportedMachine = errors.New("unsupported machine type (expected BPF/sBPF)")
	ErrNoTextSection      = errors.New("no .text section found")
	ErrInvalidSection     = errors.New("invalid section")
	ErrUnresolvedSymbol   = errors.New("unresolved symbol")
	ErrTooLarge           = errors.New("ELF file too large")
)

// Limits.
const (
	MaxSections     = 256
	MaxSymbols      = 100_000
	MaxRelocations  = 100_000
	MaxInstructions = 1_000_000
)

type elfHeader struct {
	class     uint8
	data      uint8
	typ       uint16
	machine   uint16
	entry     uint64
	shOff     uint64
	shEntSize uint16
	shNum     uint16
	shStrNdx  uint16
}

type sectionHeader struct {
	name    uint32
	typ     uint32
	addr    uint64
	offset  uint64
	size    uint64
	entSize uint64
}

type symbol struct {
	name  uint32
	info  uint8
	shndx uint16
	value uint64
}

// Executable is a loaded program.
type Executable struct {
	// Text holds one 8-byte instruction per slot.
	Text []uint64

	// RO is the read-only data.
	RO []byte

	// Entry is the entry instruction index.
	Entry uint64

	// Functions maps function name hashes to instruction indices.
	Functions map[uint32]uint64

	// Syscalls are the syscall hashes the program calls.
	Syscalls []uint32

	env *Environment
}

// Environment returns the environment the executable was loaded under.
func (e *Executable) Environment() *Environment {
	return e.env
}

// Size approximates the memory held by the executable.
func (e *Executable) Size() int {
	return len(e.Text)*8 + len(e.RO) + len(e.Functions)*12 + len(e.Syscalls)*4
}

// SymbolHash is the murmur3 hash sBPF uses to name functions and syscalls.
func SymbolHash(name string) uint32 {
	return murmur3.Sum32([]byte(name))
}

// Load parses program bytes under env. It does not verify the result.
func Load(data []byte, env *Environment) (*Executable, error) {
	if len(data) > env.MaxProgramSize {
		return nil, ErrTooLarge
	}
	header, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	if err := validateHeader(header); err != nil {
		return nil, err
	}
	sections, err := parseSectionHeaders(data, header)
	if err != nil {
		return nil, err
	}
	names, err := sectionNames(data, sections, header.shStrNdx)
	if err != nil {
		return nil, err
	}

	textSection := findSection(sections, names, ".text")
	if textSection == nil {
		return nil, ErrNoTextSection
	}
	text, err := extractText(data, textSection)
	if err != nil {
		return nil, err
	}
	var rodata []byte
	if s := findSection(sections, names, ".rodata"); s != nil {
		if rodata, err = extractSection(data, s); err != nil {
			return nil, err
		}
	}

	var (
		symbols []symbol
		strtab  []byte
	)
	for _, pair := range [][2]string{{".symtab", ".strtab"}, {".dynsym", ".dynstr"}} {
		symSec, strSec := findSection(sections, names, pair[0]), findSection(sections, names, pair[1])
		if symSec == nil || strSec == nil {
			continue
		}
		if symbols, err = parseSymbols(data, symSec); err != nil {
			return nil, err
		}
		if strtab, err = extractSection(data, strSec); err != nil {
			return nil, err
		}
		break
	}

	exe := &Executable{
		Text:      text,
		RO:        rodata,
		Functions: make(map[uint32]uint64),
		env:       env,
	}
	for _, sym := range symbols {
		if sym.info&0xf != sttFunc || sym.shndx == 0 || sym.value < textSection.addr {
			continue
		}
		if name := symbolName(strtab, sym.name); name != "" {
			exe.Functions[SymbolHash(name)] = (sym.value - textSection.addr) / 8
		}
	}
	for _, name := range []string{".rel.text", ".rel.dyn"} {
		if s := findSection(sections, names, name); s != nil {
			if err := exe.relocate(data, s, symbols, strtab); err != nil {
				return nil, err
			}
		}
	}

	if header.entry < textSection.addr {
		return nil, fmt.Errorf("%w: entry point before .text", ErrInvalidELF)
	}
	exe.Entry = (header.entry - textSection.addr) / 8
	return exe, nil
}

func parseHeader(data []byte) (*elfHeader, error) {
	if len(data) < elfHeaderSize || !bytes.Equal(data[0:4], elfMagic) {
		return nil, ErrInvalidELF
	}
	return &elfHeader{
		class:     data[4],
		data:      data[5],
		typ:       binary.LittleEndian.Uint16(data[16:18]),
		machine:   binary.LittleEndian.Uint16(data[18:20]),
		entry:     binary.LittleEndian.Uint64(data[24:32]),
		shOff:     binary.LittleEndian.Uint64(data[40:48]),
		shEntSize: binary.LittleEndian.Uint16(data[58:60]),
		shNum:     binary.LittleEndian.Uint16(data[60:62]),
		shStrNdx:  binary.LittleEndian.Uint16(data[62:64]),
	}, nil
}

func validateHeader(h *elfHeader) error {
	switch {
	case h.class != elfClass64:
		return ErrUnsupportedClass
	case h.data != elfDataLSB:
		return ErrUnsupportedEndian
	case h.machine != elfMachineBPF && h.machine != elfMachineSBPF:
		return ErrUnsupportedMachine
	case h.typ != elfTypeExec && h.typ != elfTypeDyn:
		return fmt.Errorf("%w: unsupported ELF type %d", ErrInvalidELF, h.typ)
	}
	return nil
}

func parseSectionHeaders(data []byte, h *elfHeader) ([]sectionHeader, error) {
	if h.shNum == 0 {
		return nil, ErrNoTextSection
	}
	if h.shNum > MaxSections {
		return nil, fmt.Errorf("%w: too many sections", ErrInvalidELF)
	}
	if h.shEntSize < sectionHeaderSize {
		return nil, fmt.Errorf("%w: section header size %d", ErrInvalidELF, h.shEntSize)
	}
	end := h.shOff + uint64(h.shEntSize)*uint64(h.shNum)
	if end < h.shOff || end > uint64(len(data)) {
		return nil, ErrInvalidELF
	}

	sections := make([]sectionHeader, h.shNum)
	for i := range sections {
		b := data[h.shOff+uint64(i)*uint64(h.shEntSize):]
		sections[i] = sectionHeader{
			name:    binary.LittleEndian.Uint32(b[0:4]),
			typ:     binary.LittleEndian.Uint32(b[4:8]),
			addr:    binary.LittleEndian.Uint64(b[16:24]),
			offset:  binary.LittleEndian.Uint64(b[24:32]),
			size:    binary.LittleEndian.Uint64(b[32:40]),
			entSize: binary.LittleEndian.Uint64(b[56:64]),
		}
	}
	return sections, nil
}

func sectionNames(data []byte, sections []sectionHeader, shstrndx uint16) ([]string, error) {
	if int(shstrndx) >= len(sections) {
		return nil, ErrInvalidSection
	}
	strtab, err := sectionBytes(data, &sections[shstrndx])
	if err != nil {
		return nil, err
	}
	names := make([]string, len(sections))
	for i, s := range sections {
		names[i] = symbolName(strtab, s.name)
	}
	return names, nil
}

func findSection(sections []sectionHeader, names []string, name string) *sectionHeader {
	for i, n := range names {
		if n == name {
			return &sections[i]
		}
	}
	return nil
}

// sectionBytes returns the section's bytes without copying.
func sectionBytes(data []byte, s *sectionHeader) ([]byte, error) {
	end := s.offset + s.size
	if end < s.offset || end > uint64(len(data)) {
		return nil, ErrInvalidSection
	}
	return data[s.offset:end], nil
}

func extractSection(data []byte, s *sectionHeader) ([]byte, error) {
	if s.typ == shtNobits {
		return make([]byte, s.size), nil
	}
	b, err := sectionBytes(data, s)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func extractText(data []byte, s *sectionHeader) ([]uint64, error) {
	b, err := sectionBytes(data, s)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 || len(b)%8 != 0 {
		return nil, fmt.Errorf("%w: text section size %d", ErrInvalidSection, len(b))
	}
	if len(b)/8 > MaxInstructions {
		return nil, fmt.Errorf("%w: too many instructions", ErrTooLarge)
	}
	text := make([]uint64, len(b)/8)
	for i := range text {
		text[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return text, nil
}

func parseSymbols(data []byte, s *sectionHeader) ([]symbol, error) {
	b, err := sectionBytes(data, s)
	if err != nil {
		return nil, err
	}
	entSize := s.entSize
	if entSize == 0 {
		entSize = symbolSize
	}
	if entSize < symbolSize {
		return nil, fmt.Errorf("%w: symbol size %d", ErrInvalidSection, entSize)
	}
	n := uint64(len(b)) / entSize
	if n > MaxSymbols {
		return nil, fmt.Errorf("%w: too many symbols", ErrInvalidELF)
	}
	symbols := make([]symbol, n)
	for i := range symbols {
		e := b[uint64(i)*entSize:]
		symbols[i] = symbol{
			name:  binary.LittleEndian.Uint32(e[0:4]),
			info:  e[4],
			shndx: binary.LittleEndian.Uint16(e[6:8]),
			value: binary.LittleEndian.Uint64(e[8:16]),
		}
	}
	return symbols, nil
}

func symbolName(strtab []byte, offset uint32) string {
	if offset >= uint32(len(strtab)) {
		return ""
	}
	rest := strtab[offset:]
	if end := bytes.IndexByte(rest, 0); end >= 0 {
		rest = rest[:end]
	}
	return string(rest)
}

// relocate patches the immediates named by a relocation section. Calls to
// external symbols must name a syscall registered in the environment.
func (e *Executable) relocate(data []byte, s *sectionHeader, symbols []symbol, strtab []byte) error {
	b, err := sectionBytes(data, s)
	if err != nil {
		return err
	}
	entSize := s.entSize
	if entSize == 0 {
		entSize = relocationSize
	}
	if entSize < relocationSize {
		return fmt.Errorf("%w: relocation size %d", ErrInvalidSection, entSize)
	}
	n := uint64(len(b)) / entSize
	if n > MaxRelocations {
		return fmt.Errorf("%w: too many relocations", ErrInvalidELF)
	}

	seen := make(map[uint32]struct{})
	for i := uint64(0); i < n; i++ {
		r := b[i*entSize:]
		offset := binary.LittleEndian.Uint64(r[0:8])
		info := binary.LittleEndian.Uint64(r[8:16])
		var addend int64
		if entSize >= 24 {
			addend = int64(binary.LittleEndian.Uint64(r[16:24]))
		}

		symIdx := info >> 32
		slot := offset / 8
		if symIdx >= uint64(len(symbols)) || slot >= uint64(len(e.Text)) {
			return fmt.Errorf("%w: relocation %d out of range", ErrInvalidELF, i)
		}
		sym := symbols[symIdx]

		switch uint32(info) {
		case rBPF64_32:
			name := symbolName(strtab, sym.name)
			hash := SymbolHash(name)
			if sym.shndx == 0 {
				if !e.env.HasSyscall(hash) {
					return fmt.Errorf("%w: %q", ErrUnresolvedSymbol, name)
				}
				if _, dup := seen[hash]; !dup {
					seen[hash] = struct{}{}
					e.Syscalls = append(e.Syscalls, hash)
				}
			}
			e.Text[slot] = setImm(e.Text[slot], hash)
		case rBPF64_64:
			if slot+1 >= uint64(len(e.Text)) {
				return fmt.Errorf("%w: lddw relocation at last slot", ErrInvalidELF)
			}
			target := sym.value + uint64(addend)
			e.Text[slot] = setImm(e.Text[slot], uint32(target))
			e.Text[slot+1] = setImm(e.Text[slot+1], uint32(target>>32))
		case rBPFRelative:
			e.Text[slot] = setImm(e.Text[slot], uint32(int32(int64(slot*8)+addend)))
		}
	}
	return nil
}

func setImm(ins uint64, imm uint32) uint64 {
	return ins&0x00000000ffffffff | uint64(imm)<<32
}
