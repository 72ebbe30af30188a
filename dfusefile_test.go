/* dfu-util - USB Device Firmware Upgrade host utility
 *
 * Copyright (C) 2024 and up by Tarang74 <tarang74@users.noreply.github.com>
 * See LICENSE for license terms and conditions
 *
 * Tests for dfusefile.go
 */

package dfu

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildDfuseFile assembles a minimal DfuSe container (without a
// trailing DFU suffix) with a single target and the given elements.
func buildDfuseFile(altSetting int, targetName string, elements []DfuseElement) []byte {
	var body bytes.Buffer

	// Target header: magic, alt setting, named flag, 3 reserved, 255-byte
	// name, 4-byte size, 4-byte element count.
	body.WriteString("Target")
	body.WriteByte(byte(altSetting))
	named := byte(0)
	if targetName != "" {
		named = 1
	}
	body.WriteByte(named)
	body.Write(make([]byte, 3))
	nameBuf := make([]byte, 255)
	copy(nameBuf, targetName)
	body.Write(nameBuf)

	var elementBytes bytes.Buffer
	for _, e := range elements {
		var hdr [8]byte
		binary.LittleEndian.PutUint32(hdr[0:4], e.Address)
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(e.Data)))
		elementBytes.Write(hdr[:])
		elementBytes.Write(e.Data)
	}

	var sizeField [4]byte
	binary.LittleEndian.PutUint32(sizeField[:], uint32(dfuseTargetHdrLen+elementBytes.Len()))
	body.Write(sizeField[:])

	var countField [4]byte
	binary.LittleEndian.PutUint32(countField[:], uint32(len(elements)))
	body.Write(countField[:])

	body.Write(elementBytes.Bytes())

	var out bytes.Buffer
	out.WriteString("DfuSe")
	out.WriteByte(0x01)
	var totalField [4]byte
	binary.LittleEndian.PutUint32(totalField[:], uint32(dfuseFilePrefixLen+body.Len()))
	out.Write(totalField[:])
	out.WriteByte(1) // bTargets
	out.Write(body.Bytes())

	return out.Bytes()
}

func TestParseDfuseImageSingleTargetSingleElement(t *testing.T) {
	raw := buildDfuseFile(0, "ROM", []DfuseElement{
		{Address: 0x20000000, Data: bytes.Repeat([]byte{0xAB}, 256)},
	})

	image, remainder, err := ParseDfuseImage(raw)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if remainder != 0 {
		t.Errorf("remainder = %d, want 0", remainder)
	}

	if len(image.Targets) != 1 {
		t.Fatalf("got %d targets, want 1", len(image.Targets))
	}
	target := image.Targets[0]
	if target.AltSetting != 0 {
		t.Errorf("AltSetting = %d, want 0", target.AltSetting)
	}
	if target.Name != "ROM" {
		t.Errorf("Name = %q, want ROM", target.Name)
	}
	if len(target.Elements) != 1 {
		t.Fatalf("got %d elements, want 1", len(target.Elements))
	}
	elem := target.Elements[0]
	if elem.Address != 0x20000000 {
		t.Errorf("element address = 0x%x, want 0x20000000", elem.Address)
	}
	if len(elem.Data) != 256 {
		t.Errorf("element size = %d, want 256", len(elem.Data))
	}
}

func TestParseDfuseImageBadSignature(t *testing.T) {
	raw := buildDfuseFile(0, "", nil)
	raw[0] = 'X'

	_, _, err := ParseDfuseImage(raw)
	if err == nil {
		t.Fatalf("expected an error for a bad signature")
	}
	var dataErr *DataError
	if _, ok := err.(*DataError); !ok {
		_ = dataErr
		t.Errorf("expected a *DataError, got %T: %v", err, err)
	}
}

func TestParseDfuseImageTrailingBytes(t *testing.T) {
	raw := buildDfuseFile(0, "", []DfuseElement{{Address: 0x08000000, Data: []byte{1, 2, 3}}})
	raw = append(raw, 0xFF, 0xFF, 0xFF) // DFU suffix-like trailer, left unstripped

	_, remainder, err := ParseDfuseImage(raw)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if remainder != 3 {
		t.Errorf("remainder = %d, want 3", remainder)
	}
}

func TestFindAltSetting(t *testing.T) {
	ifaces := []*DfuInterface{
		{AltSetting: 0},
		{AltSetting: 1},
	}

	if got := findAltSetting(ifaces, 1); got != ifaces[1] {
		t.Errorf("findAltSetting(1) = %v, want ifaces[1]", got)
	}
	if got := findAltSetting(ifaces, 2); got != nil {
		t.Errorf("findAltSetting(2) = %v, want nil", got)
	}
}
