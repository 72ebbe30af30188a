/* dfu-util - USB Device Firmware Upgrade host utility
 *
 * Copyright (C) 2024 and up by Tarang74 <tarang74@users.noreply.github.com>
 * See LICENSE for license terms and conditions
 *
 * Tests for driver.go
 */

package dfu

import (
	"bytes"
	"testing"
)

// runtimeFakeDevice builds a one-interface fake device and context for
// a run-time (non-DFU-mode) interface, so walk() produces a
// DfuInterface whose addr is wired to ctx for Open() to use.
func runtimeFakeDevice(attrs byte) (*fakeContext, *fakeDevice) {
	funcDfu := buildFuncDfuDescriptor(9, attrs, 0, 64, 0x0110)
	raw := buildRawConfig(0, 0, dfuClass, dfuSubClass, 0, 1, funcDfu)

	dev := &fakeDevice{
		rawConfig:  raw,
		rawDevDesc: buildDeviceDescriptor18(0),
		strings:    map[int][]byte{1: buildStringDescriptor("firmware")},
	}

	addr := UsbAddr{Bus: 1, Address: 5}
	ctx := &fakeContext{
		descs: []rawDeviceDesc{{
			Addr: addr, Vendor: 0x1234, Product: 0x5678, MaxPkt0: 64,
			Configs: []rawConfigDesc{{
				Value:      1,
				Interfaces: []rawInterfaceDesc{{Number: 0, Alt: 0, Class: dfuClass, SubClass: dfuSubClass, Protocol: 0}},
			}},
		}},
		devices: map[UsbAddr]usbDevice{addr: dev},
	}

	return ctx, dev
}

// TestDetachOnlyWillDetachSkipsReset is spec.md 8 scenario 2: a device
// advertising WILL_DETACH must not receive a host-initiated bus reset.
func TestDetachOnlyWillDetachSkipsReset(t *testing.T) {
	ctx, dev := runtimeFakeDevice(AttrWillDetach)
	log := NewLogger(bytes.NewBuffer(nil), 0)

	ifaces, err := walk(ctx, log)
	if err != nil || len(ifaces) != 1 {
		t.Fatalf("walk: %d ifaces, err=%v", len(ifaces), err)
	}

	d := newDriverWithContext(ctx, RealClock, log, nil)
	sess := NewSession(ctx, ifaces[0], RealClock, log)

	if err := d.detachOnly(sess); err != nil {
		t.Fatalf("detachOnly failed: %s", err)
	}

	if len(dev.callsFor(reqDetach)) != 1 {
		t.Errorf("got %d DETACH calls, want 1", len(dev.callsFor(reqDetach)))
	}
	if dev.resetCalls != 0 {
		t.Errorf("got %d Reset calls, want 0 (WILL_DETACH set)", dev.resetCalls)
	}
}

// TestDetachOnlyResetsWithoutWillDetach is the complement: without
// WILL_DETACH, the driver issues a bus reset after DETACH.
func TestDetachOnlyResetsWithoutWillDetach(t *testing.T) {
	ctx, dev := runtimeFakeDevice(0)
	log := NewLogger(bytes.NewBuffer(nil), 0)

	ifaces, err := walk(ctx, log)
	if err != nil || len(ifaces) != 1 {
		t.Fatalf("walk: %d ifaces, err=%v", len(ifaces), err)
	}

	d := newDriverWithContext(ctx, RealClock, log, nil)
	sess := NewSession(ctx, ifaces[0], RealClock, log)

	if err := d.detachOnly(sess); err != nil {
		t.Fatalf("detachOnly failed: %s", err)
	}

	if dev.resetCalls != 1 {
		t.Errorf("got %d Reset calls, want 1 (no WILL_DETACH)", dev.resetCalls)
	}
}

// TestRunModeListPrintsEnumeratedInterfaces is spec.md 8 scenario 1:
// -l output lists a run-time interface with its vendor:product, alt
// setting, and alt-setting name.
func TestRunModeListPrintsEnumeratedInterfaces(t *testing.T) {
	ctx, _ := runtimeFakeDevice(0)
	var out bytes.Buffer
	log := NewLogger(&out, 0)

	d := newDriverWithContext(ctx, RealClock, log, nil)
	if err := d.Run(Options{Mode: ModeList}); err != nil {
		t.Fatalf("Run(ModeList) failed: %s", err)
	}

	got := out.String()
	for _, want := range []string{"Runtime", "1234:5678", "alt=0", `name="firmware"`} {
		if !bytes.Contains([]byte(got), []byte(want)) {
			t.Errorf("list output %q missing %q", got, want)
		}
	}
}

// TestRunModeListReportsNoMatches confirms Run surfaces a NotFoundError
// when nothing matches, rather than printing an empty list silently.
func TestRunModeListReportsNoMatches(t *testing.T) {
	ctx := &fakeContext{}
	log := NewLogger(bytes.NewBuffer(nil), 0)

	d := newDriverWithContext(ctx, RealClock, log, nil)
	err := d.Run(Options{Mode: ModeList})
	if err == nil {
		t.Fatalf("expected a NotFoundError, got nil")
	}
	if _, ok := err.(*NotFoundError); !ok {
		t.Errorf("expected *NotFoundError, got %T: %v", err, err)
	}
}
