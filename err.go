/* dfu-util - USB Device Firmware Upgrade host utility
 *
 * Copyright (C) 2024 and up by Tarang74 <tarang74@users.noreply.github.com>
 * See LICENSE for license terms and conditions
 *
 * Common errors and their sysexits(3) mapping
 */

package dfu

import "errors"

// Sysexits-style exit codes, returned by cmd/dfu-util depending on the
// error kind a failing operation surfaces.
const (
	ExitOK         = 0
	ExitUsage      = 64
	ExitDataErr    = 65
	ExitNoInput    = 66
	ExitSoftware   = 70
	ExitCantCreate = 73
	ExitIOErr      = 74
	ExitProtocol   = 76
)

// UsageError signals malformed arguments, contradictory options, or a
// missing required flag.
type UsageError struct{ Msg string }

func (e *UsageError) Error() string { return e.Msg }

// NotFoundError signals that no device matched the selection criteria.
// Retryable under --wait.
type NotFoundError struct{ Msg string }

func (e *NotFoundError) Error() string { return e.Msg }

// IoError signals a USB transport failure, a lost device, or file I/O.
type IoError struct{ Msg string }

func (e *IoError) Error() string { return e.Msg }

// ProtocolError signals a device reporting dfuERROR with no clear
// recovery, an unexpected state after a command, or the wrong state for
// the requested operation.
type ProtocolError struct{ Msg string }

func (e *ProtocolError) Error() string { return e.Msg }

// DataError signals a malformed DfuSe file: bad signature or
// inconsistent size fields.
type DataError struct{ Msg string }

func (e *DataError) Error() string { return e.Msg }

// SoftwareError signals allocation failure or an unhandled mode --
// conditions that indicate a bug in this program, not the environment.
type SoftwareError struct{ Msg string }

func (e *SoftwareError) Error() string { return e.Msg }

// PermissionError is surfaced via a USB open failure message.
type PermissionError struct{ Msg string }

func (e *PermissionError) Error() string { return e.Msg }

// ExitCode maps an error produced anywhere in this module to the
// sysexits(3) code cmd/dfu-util should terminate with. Errors that
// don't match one of our kinds default to ExitSoftware.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var usage *UsageError
	var notFound *NotFoundError
	var ioErr *IoError
	var proto *ProtocolError
	var data *DataError
	var soft *SoftwareError
	var perm *PermissionError

	switch {
	case errors.As(err, &usage):
		return ExitUsage
	case errors.As(err, &notFound):
		return ExitNoInput
	case errors.As(err, &perm):
		return ExitIOErr
	case errors.As(err, &ioErr):
		return ExitIOErr
	case errors.As(err, &proto):
		return ExitProtocol
	case errors.As(err, &data):
		return ExitDataErr
	case errors.As(err, &soft):
		return ExitSoftware
	}

	return ExitSoftware
}

// Sentinel errors for conditions that aren't naturally tied to one
// specific call site.
var (
	ErrAmbiguous   = &ProtocolError{"more than one DFU interface matched after run-time to DFU transition"}
	ErrNotDfuMode  = &ProtocolError{"device is not in DFU mode"}
	ErrStuckDevice = &ProtocolError{"device did not leave busy state"}
)
