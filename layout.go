/* dfu-util - USB Device Firmware Upgrade host utility
 *
 * Copyright (C) 2024 and up by Tarang74 <tarang74@users.noreply.github.com>
 * See LICENSE for license terms and conditions
 *
 * Memory-layout parsing from DfuSe alt-setting name strings
 */

package dfu

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// MemtypeBits describes what operations a memory segment supports.
type MemtypeBits int

const (
	MemReadable MemtypeBits = 1 << iota
	MemErasable
	MemWriteable
)

// MemorySegment is one contiguous, uniformly-typed region of device
// address space: a single sector of an alt-setting name string. A
// comma-separated "sectors" clause with count N yields N segments.
type MemorySegment struct {
	StartAddress uint32
	EndAddress   uint32 // inclusive
	PageSize     uint32
	Memtype      MemtypeBits
}

// Contains reports whether addr falls within the segment.
func (s MemorySegment) Contains(addr uint32) bool {
	return addr >= s.StartAddress && addr <= s.EndAddress
}

// MemoryLayout is an ordered, non-overlapping list of memory segments,
// sorted by StartAddress, parsed from a single alt-setting name.
type MemoryLayout struct {
	Label    string
	Segments []MemorySegment
}

// FindSegment returns the segment containing addr, or false if no
// segment covers it.
func (l MemoryLayout) FindSegment(addr uint32) (MemorySegment, bool) {
	for _, s := range l.Segments {
		if s.Contains(addr) {
			return s, true
		}
	}
	return MemorySegment{}, false
}

// ParseMemoryLayout parses an alt-setting name of the form
//
//	@label /0xADDRESS/sectors(,sectors)*
//	sectors := count*size{unit}{type}
//	unit    := ' ' | 'K' | 'M'
//	type    := 'a'..'g'
//
// Type letters encode permission bits: bit0 readable, bit1 erasable,
// bit2 writeable, via (letter - 'a'). A name that doesn't start with
// '@' is not a layout string at all (returns ok=false, not an error) --
// most DFU 1.0 devices simply have a plain alt-setting name.
func ParseMemoryLayout(name string) (MemoryLayout, bool, error) {
	if !strings.HasPrefix(name, "@") {
		return MemoryLayout{}, false, nil
	}

	parts := strings.SplitN(name[1:], "/", 3)
	if len(parts) != 3 {
		return MemoryLayout{}, false, errors.Errorf("malformed layout string: %q", name)
	}

	label := strings.TrimSpace(parts[0])

	addr, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 0, 32)
	if err != nil {
		return MemoryLayout{}, false, errors.Wrapf(err, "malformed layout address in %q", name)
	}

	layout := MemoryLayout{Label: label}
	running := uint32(addr)

	for _, clause := range strings.Split(parts[2], ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}

		segs, next, err := parseSectorClause(clause, running)
		if err != nil {
			return MemoryLayout{}, false, errors.Wrapf(err, "malformed sector clause %q in %q", clause, name)
		}

		layout.Segments = append(layout.Segments, segs...)
		running = next
	}

	return layout, true, nil
}

// parseSectorClause parses one "count*sizeUNITtype" clause, expanding
// it into count consecutive MemorySegment values starting at base, and
// returns the address immediately following the last one.
func parseSectorClause(clause string, base uint32) ([]MemorySegment, uint32, error) {
	star := strings.IndexByte(clause, '*')
	if star < 0 {
		return nil, 0, errors.Errorf("missing '*'")
	}

	count, err := strconv.ParseUint(clause[:star], 10, 32)
	if err != nil {
		return nil, 0, errors.Wrap(err, "invalid sector count")
	}

	rest := clause[star+1:]
	if rest == "" {
		return nil, 0, errors.Errorf("missing sector size")
	}

	// The type letter is always the final character; the unit, if
	// present, is the character before it, unless the size has no
	// unit at all (plain bytes), in which case the type letter is
	// still the final character and everything before it is digits.
	typeLetter := rest[len(rest)-1]
	if typeLetter < 'a' || typeLetter > 'g' {
		return nil, 0, errors.Errorf("invalid memory type %q", string(typeLetter))
	}
	memtype := MemtypeBits(typeLetter - 'a')

	numAndUnit := rest[:len(rest)-1]
	if numAndUnit == "" {
		return nil, 0, errors.Errorf("missing sector size")
	}

	unit := numAndUnit[len(numAndUnit)-1]
	numPart := numAndUnit
	multiplier := uint64(1)
	switch unit {
	case 'K':
		multiplier = 1024
		numPart = numAndUnit[:len(numAndUnit)-1]
	case 'M':
		multiplier = 1024 * 1024
		numPart = numAndUnit[:len(numAndUnit)-1]
	case ' ':
		numPart = numAndUnit[:len(numAndUnit)-1]
	}

	size, err := strconv.ParseUint(numPart, 10, 32)
	if err != nil {
		return nil, 0, errors.Wrap(err, "invalid sector size")
	}

	pageSize := uint32(size * multiplier)
	if pageSize == 0 {
		return nil, 0, errors.Errorf("zero-size sector")
	}

	segs := make([]MemorySegment, 0, count)
	addr := base
	for i := uint64(0); i < count; i++ {
		segs = append(segs, MemorySegment{
			StartAddress: addr,
			EndAddress:   addr + pageSize - 1,
			PageSize:     pageSize,
			Memtype:      memtype,
		})
		addr += pageSize
	}

	return segs, addr, nil
}
