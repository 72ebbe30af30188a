/* dfu-util - USB Device Firmware Upgrade host utility
 *
 * Copyright (C) 2024 and up by Tarang74 <tarang74@users.noreply.github.com>
 * See LICENSE for license terms and conditions
 *
 * DfuSe engine: ST's addressed special commands layered on top of the
 * baseline DFU download transaction.
 */

package dfu

import (
	"time"

	"github.com/pkg/errors"
)

// DfuSe special-command opcodes, sent as the payload of a
// transaction-0 DNLOAD (spec.md 4.5).
const (
	dfuseCmdSetAddress     = 0x21
	dfuseCmdErase          = 0x41
	dfuseCmdReadUnprotect  = 0x92
)

const (
	dfuseMassErasePoll        = 100 * time.Millisecond
	dfuseMassEraseOverride    = 35000 * time.Millisecond // STM32F405 underreports MASS_ERASE's poll time
	dfuseMaxStalledPolls      = 3
	dfuseMaxZeroTimeoutPolls  = 100
	dfuseMaxErasePageStuckTry = 4
)

// DfuSeOptions bundles the -s/--dfuse-address tokens (spec.md 6).
type DfuSeOptions struct {
	Address    uint32
	HasAddress bool
	Force      bool
	Leave      bool
	MassErase  bool
	Unprotect  bool
	WillReset  bool
	UploadSize int // 0 means unbounded
}

// dfuseEngine drives the DfuSe special commands against a Session,
// tracking the one piece of state the per-page erase pass needs
// (which page was erased last, to avoid redundant ERASE_PAGE calls).
type dfuseEngine struct {
	s              *Session
	lastErasedPage uint32
	hasErasedPage  bool
	stalledTimeout time.Duration // last nonzero bwPollTimeout seen, for pipe-stall reuse
}

func newDfuseEngine(s *Session) *dfuseEngine {
	return &dfuseEngine{s: s}
}

// setAddress issues SET_ADDRESS(addr), then polls GETSTATUS until the
// command completes (see pollToIdle).
func (e *dfuseEngine) setAddress(addr uint32) error {
	payload := []byte{dfuseCmdSetAddress, byte(addr), byte(addr >> 8), byte(addr >> 16), byte(addr >> 24)}
	return e.sendCommand(payload, false)
}

// erasePage issues ERASE_PAGE(addr), skipping it if addr's containing
// page was the last one erased.
func (e *dfuseEngine) erasePage(addr, pageSize uint32) error {
	page := addr &^ (pageSize - 1)
	if e.hasErasedPage && page == e.lastErasedPage {
		return nil
	}

	payload := []byte{dfuseCmdErase, byte(page), byte(page >> 8), byte(page >> 16), byte(page >> 24)}
	if err := e.sendCommand(payload, false); err != nil {
		return err
	}

	e.lastErasedPage = page
	e.hasErasedPage = true
	return nil
}

// massErase issues MASS_ERASE (the one-byte form of ERASE_PAGE).
func (e *dfuseEngine) massErase() error {
	return e.sendCommand([]byte{dfuseCmdErase}, true)
}

// readUnprotect issues READ_UNPROTECT. The device disconnects and
// resets on its own once it acknowledges the command, so this does
// not wait beyond the first GETSTATUS poll.
func (e *dfuseEngine) readUnprotect() error {
	if err := e.s.dnload(0, []byte{dfuseCmdReadUnprotect}); err != nil {
		return err
	}
	_, _, err := e.pollOnce()
	return err
}

// sendCommand issues a DfuSe special command as a transaction-0
// DNLOAD, then polls GETSTATUS to completion, honoring the quirks and
// stall-tolerance rules of spec.md 4.5. isMassErase gates the
// MASS_ERASE poll-timeout underreport override, which applies only
// while this specific command is in flight.
func (e *dfuseEngine) sendCommand(payload []byte, isMassErase bool) error {
	if err := e.s.dnload(0, payload); err != nil {
		return err
	}
	return e.pollToIdle(isMassErase)
}

// pollOnce issues a single GETSTATUS, tolerating a pipe stall by
// reusing the last known nonzero bwPollTimeout. The returned bool
// reports whether this is such a reused, synthetic status rather than
// one actually read from the device.
func (e *dfuseEngine) pollOnce() (DfuStatus, bool, error) {
	status, err := e.s.getStatus()
	if err != nil {
		if e.stalledTimeout == 0 {
			return DfuStatus{}, false, err
		}
		return DfuStatus{PollTimeout: e.stalledTimeout, State: StateDfuDnBusy}, true, nil
	}
	if status.PollTimeout > 0 {
		e.stalledTimeout = status.PollTimeout
	}
	return status, false, nil
}

// pollToIdle polls GETSTATUS until the special command has completed,
// applying the MASS_ERASE underreport override and the STM32H7
// ERASE_PAGE-stuck unstick.
func (e *dfuseEngine) pollToIdle(isMassErase bool) error {
	zeroPolls := 0
	stalls := 0
	erasePagePolls := 0

	for {
		status, stalled, err := e.pollOnce()
		if err != nil {
			stalls++
			if stalls > dfuseMaxStalledPolls {
				return errors.Wrap(err, "GETSTATUS stalled repeatedly during DfuSe command")
			}
			continue
		}
		if stalled {
			stalls++
			if stalls > dfuseMaxStalledPolls {
				return errors.New("GETSTATUS pipe stalled repeatedly during DfuSe command")
			}
		} else {
			stalls = 0
		}

		timeout := status.PollTimeout
		if isMassErase && timeout == dfuseMassErasePoll {
			timeout = dfuseMassEraseOverride
		}

		switch status.State {
		case StateDfuIdle, StateDfuDnloadIdle:
			return nil
		case StateDfuDnBusy, StateDfuDnloadSync:
			if timeout == 0 {
				zeroPolls++
				if zeroPolls > dfuseMaxZeroTimeoutPolls {
					return ErrStuckDevice
				}
			}
		case StateDfuError:
			if !isSTM32H7ErasePageStuck(e.s.Iface.VendorID, e.s.Iface.ProductID, e.s.Iface.SerialName) {
				return errors.Errorf("device reported dfuERROR during DfuSe command: %s", status.Status)
			}

			erasePagePolls++
			if erasePagePolls > dfuseMaxErasePageStuckTry {
				if err := e.s.clrStatus(); err != nil {
					return err
				}
				continue
			}
			// Below the threshold: a known STM32H7 quirk, keep polling.
		default:
			return errors.Errorf("unexpected state %s during DfuSe command", status.State)
		}

		e.s.clock.Sleep(timeout)
	}
}

// dnloadElement writes one DfuSe target element (spec.md 4.5
// "Per-element write"): erase pass, then write pass.
func (e *dfuseEngine) dnloadElement(addr uint32, data []byte, xferSize int, opts DfuSeOptions) error {
	lastAddr := addr
	if len(data) > 0 {
		lastAddr = addr + uint32(len(data)) - 1
	}

	seg, ok := e.s.Iface.Layout.FindSegment(lastAddr)
	if !ok {
		return errors.Errorf("address 0x%08x is outside the device's memory layout", lastAddr)
	}
	if seg.Memtype&MemWriteable == 0 && !opts.Force {
		return errors.Errorf("address 0x%08x is not writeable", lastAddr)
	}

	if !opts.MassErase {
		if err := e.erasePass(addr, data); err != nil {
			return err
		}
	}

	return e.writePass(addr, data, xferSize, opts)
}

// erasePass erases every page the element at addr/data touches,
// looking up each chunk's own segment rather than assuming the whole
// element lies within one segment's erase policy or page size.
func (e *dfuseEngine) erasePass(addr uint32, data []byte) error {
	offset := 0
	for offset < len(data) {
		chunkAddr := addr + uint32(offset)

		curSeg, ok := e.s.Iface.Layout.FindSegment(chunkAddr)
		if !ok || curSeg.Memtype&MemErasable == 0 {
			step := len(data) - offset
			if ok && int(curSeg.PageSize) < step {
				step = int(curSeg.PageSize)
			}
			offset += step
			continue
		}

		chunkLen := len(data) - offset
		if chunkLen > int(curSeg.PageSize) {
			chunkLen = int(curSeg.PageSize)
		}

		if err := e.erasePage(chunkAddr, curSeg.PageSize); err != nil {
			return err
		}

		// If this chunk spills into the next page, erase that one too.
		endAddr := chunkAddr + uint32(chunkLen) - 1
		endPage := endAddr &^ (curSeg.PageSize - 1)
		startPage := chunkAddr &^ (curSeg.PageSize - 1)
		if endPage != startPage {
			if err := e.erasePage(endAddr, curSeg.PageSize); err != nil {
				return err
			}
		}

		offset += chunkLen
	}

	return nil
}

func (e *dfuseEngine) writePass(addr uint32, data []byte, xferSize int, opts DfuSeOptions) error {
	offset := 0
	for offset < len(data) {
		end := offset + xferSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]
		chunkAddr := addr + uint32(offset)

		if err := e.setAddress(chunkAddr); err != nil {
			return err
		}
		if err := e.s.dnload(2, chunk); err != nil {
			return err
		}
		if err := e.pollDownloadChunk(opts.WillReset); err != nil {
			return err
		}

		offset = end
	}

	return nil
}

// pollDownloadChunk is the baseline download poll loop (spec.md 4.3),
// extended per spec.md 4.5 to also accept dfuMANIFEST and, when a
// device reset is expected at the end, dfuDNBUSY.
func (e *dfuseEngine) pollDownloadChunk(willReset bool) error {
	for {
		status, err := e.s.getStatus()
		if err != nil {
			return err
		}

		switch status.State {
		case StateDfuDnloadIdle, StateDfuManifest:
			return nil
		case StateDfuDnBusy:
			if willReset {
				return nil
			}
		case StateDfuDnloadSync:
			// keep polling
		case StateDfuError:
			return errors.Errorf("device reported dfuERROR: %s", status.Status)
		default:
			return errors.Errorf("unexpected state %s during DfuSe write", status.State)
		}

		e.s.clock.Sleep(status.PollTimeout)
	}
}

// leave implements spec.md 4.5's "Leave request": SET_ADDRESS to the
// first element's address if known, then a zero-length DNLOAD. Under
// the dfuseLeave quirk, a non-responding device is tolerated.
func (e *dfuseEngine) leave(dfuseAddress uint32, hasAddress bool) error {
	if hasAddress {
		if err := e.setAddress(dfuseAddress); err != nil {
			return e.tolerateLeaveError(err)
		}
	}

	if err := e.s.dnload(2, nil); err != nil {
		return e.tolerateLeaveError(err)
	}

	return nil
}

func (e *dfuseEngine) tolerateLeaveError(err error) error {
	if e.s.Iface.Quirks&QuirkDfuseLeave != 0 {
		return nil
	}
	return err
}
