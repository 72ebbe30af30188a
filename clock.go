/* dfu-util - USB Device Firmware Upgrade host utility
 *
 * Copyright (C) 2024 and up by Tarang74 <tarang74@users.noreply.github.com>
 * See LICENSE for license terms and conditions
 *
 * Calendar-time sleep, as an injectable collaborator
 */

package dfu

import "time"

// Clock abstracts the millisecond-granularity sleeps the DFU state
// machine performs between polls, so tests can run the engine against
// a simulated device without actually waiting.
type Clock interface {
	Sleep(d time.Duration)
}

// realClock sleeps for real. It is the default Clock used outside of
// tests.
type realClock struct{}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// RealClock is the production Clock implementation.
var RealClock Clock = realClock{}
