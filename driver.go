/* dfu-util - USB Device Firmware Upgrade host utility
 *
 * Copyright (C) 2024 and up by Tarang74 <tarang74@users.noreply.github.com>
 * See LICENSE for license terms and conditions
 *
 * Driver: ties discovery, matching, the DFU engine and the DfuSe
 * engine together behind the small set of modes the CLI exposes.
 */

package dfu

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// driverState names the finite state machine spec.md 9's DESIGN NOTES
// replaces the source's goto-driven control flow with.
type driverState int

const (
	stateProbing driverState = iota
	stateRunTimeDetected
	stateWaitingForDfu
	stateDfuReady
	stateOperating
	stateResettingOrLeaving
	stateDone
)

// Mode selects what the driver does once exactly one interface has
// been selected.
type Mode int

const (
	ModeList Mode = iota
	ModeDetach
	ModeUpload
	ModeDownload
)

// Options bundles everything a single invocation needs, mirroring the
// CLI flags in spec.md 6.
type Options struct {
	Mode Mode

	Match MatchSpec

	Wait          bool
	DetachDelayMs int
	TransferSize  int
	UploadSize    int
	UploadPath    string
	DownloadPath  string
	ResetAfter    bool

	DfuSe DfuSeOptions

	RetryInterval time.Duration // poll spacing under --wait
}

// Driver runs one CLI invocation end to end against a live USB
// context, or against a fake one supplied by tests.
type Driver struct {
	ctx   usbContext
	clock Clock
	log   *Logger
	prog  ProgressSink
}

// NewDriver wires a Driver against a freshly opened USB context.
func NewDriver(clock Clock, log *Logger, prog ProgressSink) *Driver {
	if clock == nil {
		clock = RealClock
	}
	if log == nil {
		log = DefaultLogger
	}
	if prog == nil {
		prog = NopProgress{}
	}
	return &Driver{ctx: openContext(), clock: clock, log: log, prog: prog}
}

// newDriverWithContext is the test seam: lets *_test.go files supply a
// fake usbContext instead of opening real hardware.
func newDriverWithContext(ctx usbContext, clock Clock, log *Logger, prog ProgressSink) *Driver {
	if clock == nil {
		clock = RealClock
	}
	if log == nil {
		log = DefaultLogger
	}
	if prog == nil {
		prog = NopProgress{}
	}
	return &Driver{ctx: ctx, clock: clock, log: log, prog: prog}
}

// Close tears down the USB context.
func (d *Driver) Close() error {
	return d.ctx.Close()
}

// Run dispatches opts.Mode, implementing the state machine from
// spec.md 9: Probing -> RunTimeDetected -> WaitingForDfu -> DfuReady
// -> Operating -> ResettingOrLeaving -> Done.
func (d *Driver) Run(opts Options) error {
	state := stateProbing

	var ifaces []*DfuInterface
	var sess *Session
	var err error

	for {
		switch state {
		case stateProbing:
			ifaces, err = d.probe(opts)
			if err != nil {
				if _, ok := err.(*NotFoundError); ok && opts.Wait {
					d.clock.Sleep(d.waitInterval(opts))
					continue
				}
				return err
			}
			if opts.Mode == ModeList {
				d.printList(ifaces)
				return nil
			}
			if len(ifaces) != 1 {
				return errors.Errorf("%d devices match, need exactly one", len(ifaces))
			}

			sess = NewSession(d.ctx, ifaces[0], d.clock, d.log)
			sess.SetDetachDelay(opts.DetachDelayMs)
			if opts.TransferSize != 0 {
				sess.SetTransferSize(opts.TransferSize)
			}

			if ifaces[0].IsDfuMode() {
				state = stateDfuReady
			} else {
				state = stateRunTimeDetected
			}

		case stateRunTimeDetected:
			state = stateWaitingForDfu

		case stateWaitingForDfu:
			if opts.Mode == ModeDetach {
				if err := d.detachOnly(sess); err != nil {
					return err
				}
				return nil
			}

			if err := sess.Enter(opts.Match.dfuOnly()); err != nil {
				return err
			}
			defer sess.Close()
			ifaces = []*DfuInterface{sess.Iface}
			state = stateDfuReady

		case stateDfuReady:
			if sess.dev == nil {
				dev, err := sess.Iface.Open()
				if err != nil {
					return err
				}
				sess.dev = dev
				sess.negotiateTransferSize()
				defer sess.Close()
			}

			if err := d.operate(sess, ifaces, opts); err != nil {
				return err
			}
			state = stateResettingOrLeaving

		case stateResettingOrLeaving:
			if opts.ResetAfter && sess.dev != nil {
				if err := sess.dev.Reset(); err != nil {
					d.log.Info('!', "reset after completion: %s", err)
				}
			}
			state = stateDone

		case stateDone:
			return nil
		}
	}
}

func (d *Driver) waitInterval(opts Options) time.Duration {
	if opts.RetryInterval > 0 {
		return opts.RetryInterval
	}
	return time.Second
}

func (d *Driver) probe(opts Options) ([]*DfuInterface, error) {
	all, err := walk(d.ctx, d.log)
	if err != nil {
		return nil, err
	}
	matched := FilterInterfaces(all, opts.Match)
	if len(matched) == 0 {
		return nil, &NotFoundError{Msg: "no matching DFU-capable interface found"}
	}
	return matched, nil
}

func (d *Driver) printList(ifaces []*DfuInterface) {
	for _, di := range ifaces {
		mode := "Runtime"
		if di.IsDfuMode() {
			mode = "DFU"
		}
		fmt.Fprintf(d.log.out, "%s, %04x:%04x, alt=%d, name=%q, serial=%q\n",
			mode, di.VendorID, di.ProductID, di.AltSetting, di.AltName, di.SerialName)
	}
}

func (d *Driver) detachOnly(sess *Session) error {
	dev, err := sess.Iface.Open()
	if err != nil {
		return err
	}
	defer dev.Close()
	sess.dev = dev

	status, err := sess.getStatus()
	if err != nil {
		status = DfuStatus{State: StateAppIdle}
	}

	if err := sess.detach(detachTimeoutMs); err != nil {
		return err
	}

	// Scenario 2 (spec.md 8): a device advertising WILL_DETACH must not
	// receive a host-initiated bus reset.
	if sess.Iface.FuncDfu.Attributes&AttrWillDetach == 0 && status.State.IsRunTime() {
		if err := dev.Reset(); err != nil {
			var notFound *NotFoundError
			if !errors.As(err, &notFound) {
				return errors.Wrap(err, "bus reset after DETACH")
			}
		}
	}

	return nil
}

func (d *Driver) operate(sess *Session, ifaces []*DfuInterface, opts Options) error {
	switch opts.Mode {
	case ModeUpload:
		return d.upload(sess, opts)
	case ModeDownload:
		return d.download(sess, ifaces, opts)
	default:
		return &SoftwareError{Msg: "unhandled mode"}
	}
}

func (d *Driver) upload(sess *Session, opts Options) error {
	data, err := sess.Upload(d.prog, opts.UploadSize)
	if err != nil {
		return err
	}
	return WriteRawFile(opts.UploadPath, data)
}

func (d *Driver) download(sess *Session, ifaces []*DfuInterface, opts Options) error {
	file, err := ReadDfuseFile(opts.DownloadPath)
	if err != nil {
		return err
	}

	if file.IsDfuse() {
		image, remainder, err := ParseDfuseImage(file.Payload())
		if err != nil {
			return err
		}
		if remainder != 0 {
			d.log.Info('!', "%d trailing bytes in DfuSe file ignored", remainder)
		}

		xferSize := sess.transferSize
		addr, hasAddr, err := image.Download(sess, ifaces, xferSize, opts.DfuSe, d.prog, d.log)
		if err != nil {
			return err
		}

		if opts.DfuSe.Leave {
			engine := newDfuseEngine(sess)
			return engine.leave(addr, hasAddr)
		}
		return nil
	}

	return sess.Download(file.Payload(), d.prog)
}
