/* dfu-util - USB Device Firmware Upgrade host utility
 *
 * Copyright (C) 2024 and up by Tarang74 <tarang74@users.noreply.github.com>
 * See LICENSE for license terms and conditions
 *
 * DfuSe file container parser
 */

package dfu

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	dfuseFilePrefixLen  = 11
	dfuseTargetMagic    = "Target"
	dfuseTargetHdrLen   = 274
	dfuseElementHdrLen  = 8
)

// DfuseElement is one contiguous payload within a target, placed at a
// fixed address.
type DfuseElement struct {
	Address uint32
	Data    []byte
}

// DfuseTarget is one alt-setting's worth of elements.
type DfuseTarget struct {
	AltSetting int
	Name       string
	Elements   []DfuseElement
}

// DfuseImage is a fully parsed DfuSe file container. file.go does not
// strip a DFU suffix, so one present in the file is left after the
// last target and reported by ParseDfuseImage as trailing remainder.
type DfuseImage struct {
	Targets []DfuseTarget
}

// ParseDfuseImage parses the DfuSe container format described in
// spec.md 4.5: an 11-byte prefix, followed by bTargets target records
// (274-byte header plus elements), each element itself an 8-byte
// address/size header followed by payload bytes.
//
// It returns the parsed image and the number of trailing bytes left
// unconsumed; a nonzero remainder is not fatal on its own (spec.md 8
// testable property 5) but callers should warn about it.
func ParseDfuseImage(raw []byte) (DfuseImage, int, error) {
	if len(raw) < dfuseFilePrefixLen {
		return DfuseImage{}, 0, &DataError{Msg: "DfuSe file too short for prefix"}
	}
	if string(raw[0:5]) != "DfuSe" {
		return DfuseImage{}, 0, &DataError{Msg: "bad DfuSe signature"}
	}
	if raw[5] != 0x01 {
		return DfuseImage{}, 0, &DataError{Msg: "unsupported DfuSe container version"}
	}

	totalSize := binary.LittleEndian.Uint32(raw[6:10])
	targetCount := int(raw[10])

	if int(totalSize) > len(raw) {
		return DfuseImage{}, 0, &DataError{Msg: "DfuSe total image size exceeds file length"}
	}

	image := DfuseImage{}
	offset := dfuseFilePrefixLen

	for i := 0; i < targetCount; i++ {
		target, next, err := parseDfuseTarget(raw, offset)
		if err != nil {
			return DfuseImage{}, 0, errors.Wrapf(err, "target %d", i)
		}
		image.Targets = append(image.Targets, target)
		offset = next
	}

	remainder := len(raw) - offset
	if remainder < 0 {
		remainder = 0
	}

	return image, remainder, nil
}

func parseDfuseTarget(raw []byte, offset int) (DfuseTarget, int, error) {
	if offset+dfuseTargetHdrLen > len(raw) {
		return DfuseTarget{}, 0, errors.New("truncated target header")
	}

	hdr := raw[offset : offset+dfuseTargetHdrLen]
	if string(hdr[0:6]) != dfuseTargetMagic {
		return DfuseTarget{}, 0, errors.New("bad target signature")
	}

	target := DfuseTarget{
		AltSetting: int(hdr[6]),
	}

	// Layout after the 6-byte magic: bAlternateSetting (1), bTargetNamed
	// (1), 3 reserved bytes, a 255-byte name, a 4-byte target size, and
	// a 4-byte element count -- 6+1+1+3+255+4+4 = 274.
	named := hdr[7]
	if named != 0 {
		nameBytes := hdr[11:266]
		n := 0
		for n < len(nameBytes) && nameBytes[n] != 0 {
			n++
		}
		target.Name = string(nameBytes[:n])
	}

	elementCount := binary.LittleEndian.Uint32(hdr[270:274])

	pos := offset + dfuseTargetHdrLen
	for i := uint32(0); i < elementCount; i++ {
		elem, next, err := parseDfuseElement(raw, pos)
		if err != nil {
			return DfuseTarget{}, 0, errors.Wrapf(err, "element %d", i)
		}
		target.Elements = append(target.Elements, elem)
		pos = next
	}

	return target, pos, nil
}

func parseDfuseElement(raw []byte, offset int) (DfuseElement, int, error) {
	if offset+dfuseElementHdrLen > len(raw) {
		return DfuseElement{}, 0, errors.New("truncated element header")
	}

	addr := binary.LittleEndian.Uint32(raw[offset : offset+4])
	size := binary.LittleEndian.Uint32(raw[offset+4 : offset+8])

	dataStart := offset + dfuseElementHdrLen
	dataEnd := dataStart + int(size)
	if dataEnd > len(raw) {
		return DfuseElement{}, 0, errors.New("element payload exceeds file length")
	}

	return DfuseElement{
		Address: addr,
		Data:    raw[dataStart:dataEnd],
	}, dataEnd, nil
}

// Download writes every target in image to the device, selecting the
// alt-setting that matches each target's bAlternateSetting from
// ifaces and issuing SET_INTERFACE on it. Targets with no matching
// alt are skipped with a warning log line, per spec.md 4.5. The first
// element's address seen across all targets is returned as the
// leave-request address.
func (image DfuseImage) Download(s *Session, ifaces []*DfuInterface, xferSize int, opts DfuSeOptions, sink ProgressSink, log *Logger) (dfuseAddress uint32, hasAddress bool, err error) {
	engine := newDfuseEngine(s)

	if opts.MassErase {
		if err := engine.massErase(); err != nil {
			return 0, false, err
		}
	}
	if opts.Unprotect {
		if err := engine.readUnprotect(); err != nil {
			return 0, false, err
		}
	}

	var total, sent int
	for _, t := range image.Targets {
		for _, e := range t.Elements {
			total += len(e.Data)
		}
	}

	for _, target := range image.Targets {
		alt := findAltSetting(ifaces, target.AltSetting)
		if alt == nil {
			log.Info('!', "no interface matches alt setting %d, skipping target %q", target.AltSetting, target.Name)
			continue
		}

		if err := s.dev.SetInterfaceAlt(alt.InterfaceNumber, alt.AltSetting); err != nil {
			return 0, false, errors.Wrapf(err, "selecting alt setting %d", target.AltSetting)
		}

		for _, elem := range target.Elements {
			if !hasAddress {
				dfuseAddress = elem.Address
				hasAddress = true
			}

			if err := engine.dnloadElement(elem.Address, elem.Data, xferSize, opts); err != nil {
				return dfuseAddress, hasAddress, errors.Wrapf(err, "writing element at 0x%08x", elem.Address)
			}

			sent += len(elem.Data)
			if sink != nil {
				sink.Report(sent, total)
			}
		}
	}

	return dfuseAddress, hasAddress, nil
}

func findAltSetting(ifaces []*DfuInterface, alt int) *DfuInterface {
	for _, di := range ifaces {
		if di.AltSetting == alt {
			return di
		}
	}
	return nil
}
