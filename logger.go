/* dfu-util - USB Device Firmware Upgrade host utility
 *
 * Copyright (C) 2024 and up by Tarang74 <tarang74@users.noreply.github.com>
 * See LICENSE for license terms and conditions
 *
 * Logging
 */

package dfu

import (
	"fmt"
	"io"
	"os"
)

// LogLevel enumerates possible log levels
type LogLevel int

// Log level bits. Info and Debug each check only their own bit, so
// a verbose level combines them (see NewLogger); Error always writes.
const (
	LogError LogLevel = 1 << iota
	LogInfo
	LogDebug
)

// Logger implements simple leveled logging to an io.Writer, grounded on
// the console logger used throughout this codebase's ancestry, minus
// the per-device log file and carbon-copy machinery this tool has no
// use for: a single short-lived CLI invocation needs one log stream,
// not a fan-out tree of them.
type Logger struct {
	level LogLevel
	out   io.Writer
	color bool
}

// NewLogger creates a Logger writing to w at the given verbosity. level
// is typically built up from -v count: 0 verbose flags -> LogError,
// 1 -> LogError|LogInfo, 2+ -> LogError|LogInfo|LogDebug.
func NewLogger(w io.Writer, level LogLevel) *Logger {
	return &Logger{level: level, out: w}
}

// DefaultLogger is used by package-level helpers and by components that
// are not handed an explicit Logger (matching this codebase's package
// level Log variable).
var DefaultLogger = NewLogger(os.Stderr, LogError|LogInfo)

// SetColor enables ANSI coloring of output lines.
func (l *Logger) SetColor(color bool) { l.color = color }

// Error writes a LogError line, unconditionally (LogError is always
// enabled).
func (l *Logger) Error(prefix byte, format string, args ...interface{}) {
	l.write(LogError, prefix, format, args...)
}

// Info writes a LogInfo line, if the logger's level includes LogInfo.
func (l *Logger) Info(prefix byte, format string, args ...interface{}) {
	if l.level&LogInfo != 0 {
		l.write(LogInfo, prefix, format, args...)
	}
}

// Debug writes a LogDebug line, if the logger's level includes LogDebug.
func (l *Logger) Debug(prefix byte, format string, args ...interface{}) {
	if l.level&LogDebug != 0 {
		l.write(LogDebug, prefix, format, args...)
	}
}

func (l *Logger) write(level LogLevel, prefix byte, format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)

	beg, end := "", ""
	if l.color {
		switch level {
		case LogError:
			beg, end = "\033[31;1m", "\033[0m"
		case LogInfo:
			beg, end = "\033[32;1m", "\033[0m"
		case LogDebug:
			beg, end = "\033[37m", "\033[0m"
		}
	}

	fmt.Fprintf(l.out, "%s%c %s%s\n", beg, prefix, line, end)
}

// HexDump writes a classic hex+ASCII dump of data as a series of Debug
// lines, 16 bytes per line. Used when tracing raw DFU/DfuSe control
// payloads.
func (l *Logger) HexDump(data []byte) {
	if l.level&LogDebug == 0 {
		return
	}

	off := 0
	for len(data) > 0 {
		sz := len(data)
		if sz > 16 {
			sz = 16
		}

		hex := make([]byte, 0, 48)
		chr := make([]byte, 0, 16)

		for i := 0; i < 16; i++ {
			if i < sz {
				c := data[i]
				hex = append(hex, fmt.Sprintf("%2.2x", c)...)
				if 0x20 <= c && c < 0x80 {
					chr = append(chr, c)
				} else {
					chr = append(chr, '.')
				}
			} else {
				hex = append(hex, ' ', ' ')
			}

			if i%4 == 3 {
				hex = append(hex, ':')
			} else {
				hex = append(hex, ' ')
			}
		}

		l.Debug(' ', "%4.4x: %s %s", off, hex, chr)

		off += sz
		data = data[sz:]
	}
}
