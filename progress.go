/* dfu-util - USB Device Firmware Upgrade host utility
 *
 * Copyright (C) 2024 and up by Tarang74 <tarang74@users.noreply.github.com>
 * See LICENSE for license terms and conditions
 *
 * Progress reporting, as an injectable collaborator (replaces the
 * original's singleton progress-bar writer)
 */

package dfu

import "fmt"

// ProgressSink receives progress notifications during upload/download.
// sent and total are byte counts; total may be zero if the final size
// isn't known in advance (e.g. upload without --upload-size).
type ProgressSink interface {
	Report(sent, total int)
}

// NopProgress discards progress notifications.
type NopProgress struct{}

func (NopProgress) Report(sent, total int) {}

// ConsoleProgress prints a simple textual progress indicator to a
// Logger's info stream.
type ConsoleProgress struct {
	log *Logger
}

// NewConsoleProgress returns a ConsoleProgress reporting through log.
func NewConsoleProgress(log *Logger) *ConsoleProgress {
	return &ConsoleProgress{log: log}
}

func (p *ConsoleProgress) Report(sent, total int) {
	if total > 0 {
		p.log.Info(' ', "%s", fmt.Sprintf("%d of %d bytes", sent, total))
	} else {
		p.log.Info(' ', "%s", fmt.Sprintf("%d bytes", sent))
	}
}
