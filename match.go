/* dfu-util - USB Device Firmware Upgrade host utility
 *
 * Copyright (C) 2024 and up by Tarang74 <tarang74@users.noreply.github.com>
 * See LICENSE for license terms and conditions
 *
 * Match filter: selects which walked interfaces survive
 */

package dfu

import (
	"strconv"
	"strings"
)

// MatchSpec bundles the user-supplied selection criteria. Every field
// is an explicit optional; the zero-value MatchSpec matches anything
// with a populated spec.
type MatchSpec struct {
	Path        string
	ConfigIndex int
	HasConfig   bool
	IntfIndex   int
	HasIntf     bool
	AltIndex    int
	HasAlt      bool
	AltName     string
	DevNum      int
	HasDevNum   bool

	// Vendor/Product: "V:P" applies to both run-time and DFU-mode
	// candidates; if VendorDfu/ProductDfu are set they instead apply
	// only when the candidate isDfuMode.
	Vendor, Product       string
	VendorDfu, ProductDfu string

	// Serial: "S" or "S,Sd" the same way Vendor/Product works.
	Serial, SerialDfu string

	// OnlyDfuMode, when set, rejects any candidate still in run-time
	// mode. Set by dfuOnly() for the post-detach re-probe (spec.md
	// 4.3 step 6); never set directly from the command line.
	OnlyDfuMode bool
}

// dfuOnly returns a copy of spec for the post-detach re-probe, where
// the device has already left run-time mode: run-time candidates are
// rejected outright, regardless of how Vendor/Product/Serial compare,
// so a stray run-time-mode device sharing the bus during the
// re-enumeration window can never be mistaken for the one that just
// detached.
func (spec MatchSpec) dfuOnly() MatchSpec {
	out := spec
	out.OnlyDfuMode = true
	return out
}

// impossibleToken is the literal that forces a field to match
// nothing, per spec.md 4.1.
const impossibleToken = "-"

// wildcardToken matches anything.
const wildcardToken = "*"

// ParseDeviceSpec splits a "-d/--device" argument of the form
// "V:P" or "Vrun:Prun,Vdfu:Pdfu" into its run-time and DFU-mode
// vendor/product strings.
func ParseDeviceSpec(arg string) (vendor, product, vendorDfu, productDfu string) {
	halves := strings.SplitN(arg, ",", 2)
	vendor, product = splitVendorProduct(halves[0])
	if len(halves) == 2 {
		vendorDfu, productDfu = splitVendorProduct(halves[1])
	}
	return
}

func splitVendorProduct(s string) (vendor, product string) {
	parts := strings.SplitN(s, ":", 2)
	vendor = parts[0]
	if len(parts) == 2 {
		product = parts[1]
	}
	return
}

// ParseSerialSpec splits a "-S/--serial" argument of the form "S" or
// "S,Sd" into run-time and DFU-mode serial match strings.
func ParseSerialSpec(arg string) (serial, serialDfu string) {
	parts := strings.SplitN(arg, ",", 2)
	serial = parts[0]
	if len(parts) == 2 {
		serialDfu = parts[1]
	}
	return
}

// matchID reports whether val matches pattern (a hex "1234" string,
// without 0x prefix), honoring the wildcard/impossible tokens.
func matchID(pattern string, val uint16) bool {
	switch pattern {
	case "", impossibleToken:
		return false
	case wildcardToken:
		return true
	}
	want, err := strconv.ParseUint(pattern, 16, 16)
	if err != nil {
		return false
	}
	return uint16(want) == val
}

// matchSerial reports whether serial matches pattern.
func matchSerial(pattern, serial string) bool {
	switch pattern {
	case "":
		return true // serial filter not requested
	case impossibleToken:
		return false
	case wildcardToken:
		return true
	}
	return pattern == serial
}

// Match reports whether di survives the filter described by spec. If
// di.IsDfuMode() is true and a DFU-specific override was supplied
// (VendorDfu/ProductDfu/SerialDfu), that override is used instead of
// the base run-time criterion.
func (spec MatchSpec) Match(di *DfuInterface) bool {
	if spec.OnlyDfuMode && !di.IsDfuMode() {
		return false
	}
	if spec.HasConfig && spec.ConfigIndex != 0 && di.ConfigValue != spec.ConfigIndex {
		return false
	}
	if spec.HasIntf && di.InterfaceNumber != spec.IntfIndex {
		return false
	}
	if spec.HasAlt && di.AltSetting != spec.AltIndex {
		return false
	}
	if spec.AltName != "" && spec.AltName != di.AltName {
		return false
	}
	if spec.HasDevNum && di.DeviceAddress != spec.DevNum {
		return false
	}
	if spec.Path != "" && !di.Path.Matches(spec.Path) {
		return false
	}

	vendorPattern, productPattern := spec.Vendor, spec.Product
	serialPattern := spec.Serial
	if di.IsDfuMode() {
		if spec.VendorDfu != "" {
			vendorPattern = spec.VendorDfu
		}
		if spec.ProductDfu != "" {
			productPattern = spec.ProductDfu
		}
		if spec.SerialDfu != "" {
			serialPattern = spec.SerialDfu
		}
	}

	if vendorPattern != "" && !matchID(vendorPattern, di.VendorID) {
		return false
	}
	if productPattern != "" && !matchID(productPattern, di.ProductID) {
		return false
	}
	if !matchSerial(serialPattern, di.SerialName) {
		return false
	}

	return true
}

// FilterInterfaces returns the subset of ifaces that survive spec's
// filter, in the same order.
func FilterInterfaces(ifaces []*DfuInterface, spec MatchSpec) []*DfuInterface {
	var out []*DfuInterface
	for _, di := range ifaces {
		if spec.Match(di) {
			out = append(out, di)
		}
	}
	return out
}
