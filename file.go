/* dfu-util - USB Device Firmware Upgrade host utility
 *
 * Copyright (C) 2024 and up by Tarang74 <tarang74@users.noreply.github.com>
 * See LICENSE for license terms and conditions
 *
 * DfuFile: the firmware file accessor the engine reads from and
 * writes to (spec.md 3's "consumed via external interface" contract).
 */

package dfu

import (
	"os"

	"github.com/pkg/errors"
)

// DfuseVersionTag is the bcdDFU value that marks a DfuSe container
// (spec.md 3, 4.5).
const DfuseVersionTag = 0x011a

// DfuFile is the simplest faithful accessor spec.md 3 describes: raw
// firmware bytes plus the header/trailer lengths the engine trims
// away before treating the remainder as payload. idVendor/idProduct/
// bcdDevice/bcdDFU are zero when not known (a plain .bin has none of
// this metadata).
type DfuFile struct {
	Firmware  []byte
	PrefixLen int
	SuffixLen int

	IDVendor  uint16
	IDProduct uint16
	BcdDevice uint16
	BcdDFU    uint16
}

// Payload returns the slice of Firmware the engine should actually
// transfer, with the prefix and suffix trimmed off.
func (f DfuFile) Payload() []byte {
	end := len(f.Firmware) - f.SuffixLen
	if end < f.PrefixLen {
		return nil
	}
	return f.Firmware[f.PrefixLen:end]
}

// IsDfuse reports whether this file is a DfuSe container, per
// spec.md 3's "bcdDFU == 0x011a distinguishes a DfuSe container".
func (f DfuFile) IsDfuse() bool {
	return f.BcdDFU == DfuseVersionTag
}

// ReadRawFile loads path as a plain firmware image with no prefix or
// suffix: every byte is payload. This is the form used for --download
// against a device that was never given a DFU-suffixed file, and for
// --upload output.
func ReadRawFile(path string) (DfuFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DfuFile{}, errors.Wrapf(err, "reading %s", path)
	}
	return DfuFile{Firmware: data}, nil
}

// ReadDfuseFile loads path and, if it carries a DfuSe container
// signature ("DfuSe" at offset 0), records BcdDFU so the driver knows
// to route it through the DfuSe file-container parser; otherwise it
// behaves exactly like ReadRawFile.
func ReadDfuseFile(path string) (DfuFile, error) {
	f, err := ReadRawFile(path)
	if err != nil {
		return DfuFile{}, err
	}

	if len(f.Firmware) >= 5 && string(f.Firmware[0:5]) == "DfuSe" {
		f.BcdDFU = DfuseVersionTag
	}

	return f, nil
}

// WriteRawFile saves data to path, for --upload.
func WriteRawFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}
