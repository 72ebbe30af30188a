/* dfu-util - USB Device Firmware Upgrade host utility
 *
 * Copyright (C) 2024 and up by Tarang74 <tarang74@users.noreply.github.com>
 * See LICENSE for license terms and conditions
 *
 * DfuStatus, the 6-byte GETSTATUS record
 */

package dfu

import (
	"time"

	"github.com/pkg/errors"
)

// DfuStatusCode is one of the 16 status codes a device can report in
// a DfuStatus record's bStatus field.
type DfuStatusCode byte

const (
	StatusOK              DfuStatusCode = 0x00
	StatusErrTarget       DfuStatusCode = 0x01
	StatusErrFile         DfuStatusCode = 0x02
	StatusErrWrite        DfuStatusCode = 0x03
	StatusErrErase        DfuStatusCode = 0x04
	StatusErrCheckErased  DfuStatusCode = 0x05
	StatusErrProg         DfuStatusCode = 0x06
	StatusErrVerify       DfuStatusCode = 0x07
	StatusErrAddress      DfuStatusCode = 0x08
	StatusErrNotDone      DfuStatusCode = 0x09
	StatusErrFirmware     DfuStatusCode = 0x0A
	StatusErrVendor       DfuStatusCode = 0x0B
	StatusErrUsbR         DfuStatusCode = 0x0C
	StatusErrPOR          DfuStatusCode = 0x0D
	StatusErrUnknown      DfuStatusCode = 0x0E
	StatusErrStalledPkt   DfuStatusCode = 0x0F
)

var statusNames = map[DfuStatusCode]string{
	StatusOK:             "No error condition is present",
	StatusErrTarget:      "File is not targeted for use by this device",
	StatusErrFile:        "File is for this device but fails a verification test",
	StatusErrWrite:       "Device is unable to write memory",
	StatusErrErase:       "Memory erase function failed",
	StatusErrCheckErased: "Memory erase check failed",
	StatusErrProg:        "Program memory function failed",
	StatusErrVerify:      "Programmed memory failed verification",
	StatusErrAddress:     "Cannot program memory due to received address that is out of range",
	StatusErrNotDone:     "Received DFU_DNLOAD with wLength = 0, but device does not think it has all of the data yet",
	StatusErrFirmware:    "Device's firmware is corrupt and cannot return to run-time operations",
	StatusErrVendor:      "iString indicates a vendor-specific error",
	StatusErrUsbR:        "Device detected unexpected USB reset signaling",
	StatusErrPOR:         "Device detected unexpected power on reset",
	StatusErrUnknown:     "Something went wrong, but the device does not know what it was",
	StatusErrStalledPkt:  "Device stalled an unexpected request",
}

func (c DfuStatusCode) String() string {
	if name, ok := statusNames[c]; ok {
		return name
	}
	return "Unknown status code"
}

// DfuStatus is the fixed 6-byte record a device returns to a
// DFU_GETSTATUS request.
type DfuStatus struct {
	Status      DfuStatusCode
	PollTimeout time.Duration // from a 24-bit little-endian millisecond field
	State       DfuState
	IString     byte
}

// ParseDfuStatus decodes a raw 6-byte GETSTATUS payload.
func ParseDfuStatus(raw []byte) (DfuStatus, error) {
	if len(raw) < 6 {
		return DfuStatus{}, errors.Errorf("short GETSTATUS response: %d bytes", len(raw))
	}

	ms := uint32(raw[1]) | uint32(raw[2])<<8 | uint32(raw[3])<<16

	return DfuStatus{
		Status:      DfuStatusCode(raw[0]),
		PollTimeout: time.Duration(ms) * time.Millisecond,
		State:       DfuState(raw[4]),
		IString:     raw[5],
	}, nil
}
