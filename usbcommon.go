/* dfu-util - USB Device Firmware Upgrade host utility
 *
 * Copyright (C) 2024 and up by Tarang74 <tarang74@users.noreply.github.com>
 * See LICENSE for license terms and conditions
 *
 * Common types for USB addressing
 */

package dfu

import (
	"fmt"
	"strconv"
	"strings"
)

// UsbAddr represents an USB device address
type UsbAddr struct {
	Bus     int // The bus on which the device was detected
	Address int // The address of the device on the bus
}

// String returns a human-readable representation of UsbAddr
func (addr UsbAddr) String() string {
	return fmt.Sprintf("Bus %.3d Device %.3d", addr.Bus, addr.Address)
}

// UsbPath represents a "bus-port.port.port..." topology path, the way
// Linux numbers a device by the chain of hub ports leading to it. It's
// the form -p/--path expects on the command line, since bus/device
// numbers are reassigned on every replug but a physical port chain is
// not.
type UsbPath struct {
	Bus   int
	Ports []int
}

// String formats the path the same way -p/--path compares against.
func (p UsbPath) String() string {
	parts := make([]string, len(p.Ports))
	for i, port := range p.Ports {
		parts[i] = strconv.Itoa(port)
	}
	return fmt.Sprintf("%d-%s", p.Bus, strings.Join(parts, "."))
}

// Matches reports whether p equals the path string supplied via
// -p/--path. An empty pattern matches nothing, so callers must guard
// the case where no path filter was requested.
func (p UsbPath) Matches(pattern string) bool {
	return pattern != "" && p.String() == pattern
}
