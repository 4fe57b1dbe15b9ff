// Package loadertest builds minimal sBPF ELF files for tests.
package loadertest

import (
	"encoding/binary"
	"sort"
)

// Instructions used by test programs.
const (
	Exit = uint64(0x95)
	Call = uint64(0x85)
)

// Program describes an ELF to build.
type Program struct {
	Text []uint64

	// Syscalls maps a slot in Text to the syscall it calls.
	Syscalls map[int]string
}

// Build returns an ELF that returns immediately.
func Build() []byte {
	return Program{Text: []uint64{Exit}}.ELF()
}

// ELF encodes p.
func (p Program) ELF() []byte {
	slots := make([]int, 0, len(p.Syscalls))
	for slot := range p.Syscalls {
		slots = append(slots, slot)
	}
	sort.Ints(slots)

	text := make([]byte, 8*len(p.Text))
	for i, ins := range p.Text {
		binary.LittleEndian.PutUint64(text[i*8:], ins)
	}

	dynstr := []byte{0}
	dynsym := make([]byte, 24)
	var reldyn []byte
	for i, slot := range slots {
		nameOff := len(dynstr)
		dynstr = append(append(dynstr, p.Syscalls[slot]...), 0)

		sym := make([]byte, 24)
		binary.LittleEndian.PutUint32(sym[0:], uint32(nameOff))
		sym[4] = 0x10
		dynsym = append(dynsym, sym...)

		rel := make([]byte, 16)
		binary.LittleEndian.PutUint64(rel[0:], uint64(slot*8))
		binary.LittleEndian.PutUint64(rel[8:], uint64(i+1)<<32|10)
		reldyn = append(reldyn, rel...)
	}

	names := []string{"", ".text", ".dynstr", ".dynsym", ".rel.dyn", ".shstrtab"}
	var shstrtab []byte
	nameOffsets := make([]uint32, len(names))
	for i, n := range names {
		nameOffsets[i] = uint32(len(shstrtab))
		shstrtab = append(append(shstrtab, n...), 0)
	}

	type section struct {
		typ     uint32
		data    []byte
		entSize uint64
		offset  uint64
	}
	sections := []section{
		{},
		{typ: 1, data: text},
		{typ: 3, data: dynstr},
		{typ: 11, data: dynsym, entSize: 24},
		{typ: 9, data: reldyn, entSize: 16},
		{typ: 3, data: shstrtab},
	}

	out := make([]byte, 64)
	for i := 1; i < len(sections); i++ {
		for len(out)%8 != 0 {
			out = append(out, 0)
		}
		sections[i].offset = uint64(len(out))
		out = append(out, sections[i].data...)
	}
	for len(out)%8 != 0 {
		out = append(out, 0)
	}
	shOff := uint64(len(out))
	for i, s := range sections {
		sh := make([]byte, 64)
		binary.LittleEndian.PutUint32(sh[0:], nameOffsets[i])
		binary.LittleEndian.PutUint32(sh[4:], s.typ)
		binary.LittleEndian.PutUint64(sh[24:], s.offset)
		binary.LittleEndian.PutUint64(sh[32:], uint64(len(s.data)))
		binary.LittleEndian.PutUint64(sh[56:], s.entSize)
		out = append(out, sh...)
	}

	copy(out[0:4], []byte{0x7f, 'E', 'L', 'F'})
	out[4] = 2
	out[5] = 1
	out[6] = 1
	binary.LittleEndian.PutUint16(out[16:], 3)
	binary.LittleEndian.PutUint16(out[18:], 247)
	binary.LittleEndian.PutUint32(out[20:], 1)
	binary.LittleEndian.PutUint64(out[40:], shOff)
	binary.LittleEndian.PutUint16(out[52:], 64)
	binary.LittleEndian.PutUint16(out[58:], 64)
	binary.LittleEndian.PutUint16(out[60:], uint16(len(sections)))
	binary.LittleEndian.PutUint16(out[62:], uint16(len(sections)-1))
	return out
}
