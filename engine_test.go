/* dfu-util - USB Device Firmware Upgrade host utility
 *
 * Copyright (C) 2024 and up by Tarang74 <tarang74@users.noreply.github.com>
 * See LICENSE for license terms and conditions
 *
 * Tests for dfu.go's baseline protocol engine, against fakeDevice.
 */

package dfu

import (
	"bytes"
	"io"
	"testing"
)

func newTestSession(dev *fakeDevice, iface *DfuInterface) *Session {
	sess := NewSession(&fakeContext{}, iface, RealClock, NewLogger(io.Discard, 0))
	sess.dev = dev
	return sess
}

// TestSessionDownloadBaseline is spec.md 8 scenario 3: 1024 bytes to a
// device advertising wTransferSize=256 produces 4 non-empty DNLOAD
// transactions numbered 0..3, then one empty DNLOAD(tx=4), then polls
// until dfuIDLE.
func TestSessionDownloadBaseline(t *testing.T) {
	dev := &fakeDevice{}
	pollCount := 0
	dev.controlFunc = func(reqType, request uint8, value, index uint16, data []byte) (int, error) {
		switch request {
		case reqDnload:
			return len(data), nil
		case reqGetStatus:
			pollCount++
			status := StateDfuDnloadIdle
			if pollCount == 5 {
				// The poll right after the final (5th, empty) DNLOAD:
				// manifestation has completed.
				status = StateDfuIdle
			}
			copy(data, encodeStatus(DfuStatus{State: status}))
			return 6, nil
		}
		return 0, nil
	}

	iface := &DfuInterface{
		InterfaceNumber: 0,
		FuncDfu:         FuncDfu{TransferSize: 256, Attributes: AttrManifestTolerant},
	}
	sess := newTestSession(dev, iface)
	sess.SetTransferSize(256)

	firmware := bytes.Repeat([]byte{0x5A}, 1024)
	if err := sess.Download(firmware, nil); err != nil {
		t.Fatalf("Download failed: %s", err)
	}

	dnloads := dev.callsFor(reqDnload)
	if len(dnloads) != 5 {
		t.Fatalf("got %d DNLOAD calls, want 5", len(dnloads))
	}
	for i, c := range dnloads[:4] {
		if c.value != uint16(i) {
			t.Errorf("DNLOAD[%d].value = %d, want %d", i, c.value, i)
		}
		if len(c.data) != 256 {
			t.Errorf("DNLOAD[%d] len = %d, want 256", i, len(c.data))
		}
	}
	last := dnloads[4]
	if last.value != 4 {
		t.Errorf("final DNLOAD.value = %d, want 4", last.value)
	}
	if len(last.data) != 0 {
		t.Errorf("final DNLOAD should be zero-length, got %d bytes", len(last.data))
	}

	if got := len(dev.callsFor(reqGetStatus)); got != 5 {
		t.Errorf("got %d GETSTATUS calls, want 5 (one per chunk + one manifest check)", got)
	}
}

// TestSessionDownloadNotManifestTolerant checks that a device without
// MANIFEST_TOLERANT is left alone after the final DNLOAD (spec.md 4.3
// "Manifestation"): no extra GETSTATUS polls beyond the per-chunk ones.
func TestSessionDownloadNotManifestTolerant(t *testing.T) {
	dev := &fakeDevice{}
	dev.controlFunc = func(reqType, request uint8, value, index uint16, data []byte) (int, error) {
		switch request {
		case reqDnload:
			return len(data), nil
		case reqGetStatus:
			copy(data, encodeStatus(DfuStatus{State: StateDfuDnloadIdle}))
			return 6, nil
		}
		return 0, nil
	}

	iface := &DfuInterface{FuncDfu: FuncDfu{TransferSize: 512}}
	sess := newTestSession(dev, iface)
	sess.SetTransferSize(512)

	if err := sess.Download(bytes.Repeat([]byte{1}, 512), nil); err != nil {
		t.Fatalf("Download failed: %s", err)
	}

	// One chunk (512 bytes) + one zero-length DNLOAD = 2 DNLOADs. Only
	// the data chunk is followed by a poll from the per-chunk loop; the
	// zero-length DNLOAD is not polled, and manifest() returns
	// immediately since the device is not MANIFEST_TOLERANT.
	if got := len(dev.callsFor(reqDnload)); got != 2 {
		t.Errorf("got %d DNLOAD calls, want 2", got)
	}
	if got := len(dev.callsFor(reqGetStatus)); got != 1 {
		t.Errorf("got %d GETSTATUS calls, want 1", got)
	}
}

// TestSessionUploadShortRead exercises the baseline upload loop
// terminating on a short read, and confirms the transaction counter
// starts at 2 (spec.md 9, Open Questions).
func TestSessionUploadShortRead(t *testing.T) {
	dev := &fakeDevice{}
	chunks := [][]byte{
		bytes.Repeat([]byte{0x11}, 64),
		bytes.Repeat([]byte{0x22}, 64),
		bytes.Repeat([]byte{0x33}, 10), // short read: ends the loop
	}
	call := 0
	dev.controlFunc = func(reqType, request uint8, value, index uint16, data []byte) (int, error) {
		if request != reqUpload {
			return 0, nil
		}
		chunk := chunks[call]
		call++
		copy(data, chunk)
		return len(chunk), nil
	}

	iface := &DfuInterface{FuncDfu: FuncDfu{TransferSize: 64}}
	sess := newTestSession(dev, iface)
	sess.SetTransferSize(64)

	data, err := sess.Upload(nil, 0)
	if err != nil {
		t.Fatalf("Upload failed: %s", err)
	}
	if got, want := len(data), 64+64+10; got != want {
		t.Fatalf("got %d bytes, want %d", got, want)
	}

	uploads := dev.callsFor(reqUpload)
	if len(uploads) != 3 {
		t.Fatalf("got %d UPLOAD calls, want 3", len(uploads))
	}
	if uploads[0].value != 2 {
		t.Errorf("first UPLOAD transaction = %d, want 2 (DfuSe convention, spec.md 9)", uploads[0].value)
	}
	if uploads[2].value != 4 {
		t.Errorf("third UPLOAD transaction = %d, want 4", uploads[2].value)
	}

	if got := len(dev.callsFor(reqAbort)); got != 1 {
		t.Errorf("expected exactly one ABORT after upload, got %d", got)
	}
}

func TestNegotiateTransferSizeClampsAndFloors(t *testing.T) {
	tests := []struct {
		name           string
		deviceXferSize uint16
		maxPacketSize0 uint8
		want           int
	}{
		{"device value adopted as-is", 512, 8, 512},
		{"zero falls back to the Linux URB cap", 0, 8, maxLinuxTransferLen},
		{"clamped to the Linux URB cap", 8192, 8, maxLinuxTransferLen},
		{"floored at bMaxPacketSize0", 4, 64, 64},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			iface := &DfuInterface{
				MaxPacketSize0: test.maxPacketSize0,
				FuncDfu:        FuncDfu{TransferSize: test.deviceXferSize},
			}
			sess := NewSession(&fakeContext{}, iface, RealClock, NewLogger(io.Discard, 0))
			sess.negotiateTransferSize()
			if sess.transferSize != test.want {
				t.Errorf("transferSize = %d, want %d", sess.transferSize, test.want)
			}
		})
	}
}

func TestNegotiateTransferSizeUserOverrideWins(t *testing.T) {
	iface := &DfuInterface{FuncDfu: FuncDfu{TransferSize: 4096}}
	sess := NewSession(&fakeContext{}, iface, RealClock, NewLogger(io.Discard, 0))
	sess.SetTransferSize(123)
	sess.negotiateTransferSize()
	if sess.transferSize != 123 {
		t.Errorf("transferSize = %d, want 123 (user override)", sess.transferSize)
	}
}
