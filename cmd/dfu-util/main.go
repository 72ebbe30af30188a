/* dfu-util - USB Device Firmware Upgrade host utility
 *
 * Copyright (C) 2024 and up by Tarang74 <tarang74@users.noreply.github.com>
 * See LICENSE for license terms and conditions
 *
 * The main function
 */

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Tarang74/dfu-util"
)

const usageText = `Usage:
    %s [options]

Options are:
    -h, --help              print this help and exit
    -V, --version           print version and exit
    -v, --verbose           increase verbosity (may be repeated)
    -l, --list              list matching devices and exit
    -e, --detach            detach the device and exit
    -E, --detach-delay SECS wait SECS before re-probing after detach (default 5)
    -d, --device V:P[,Vd:Pd] match run-time (and optionally DFU-mode) vendor:product
    -p, --path PATH         match USB topology path (bus-port.port...)
    -c, --cfg N             match configuration value N
    -i, --intf N            match interface number N
    -a, --alt N|NAME        match alt-setting index or name
    -S, --serial S[,Sd]     match serial number
    -n, --devnum N          match device address N
    -t, --transfer-size N   override negotiated transfer size
    -U, --upload FILE       read firmware from the device into FILE
    -Z, --upload-size N     expected upload length
    -D, --download FILE     write firmware from FILE to the device
    -R, --reset             reset the device after completion
    -w, --wait              poll until a matching device appears
    -s, --dfuse-address A[:tok...]   DfuSe address and options
`

const version = "dfu-util (dfu-util-go) 0.1"

func usage() {
	fmt.Printf(usageText, os.Args[0])
	os.Exit(dfu.ExitOK)
}

func usageError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	fmt.Fprintf(os.Stderr, "Try %s -h for more information\n", os.Args[0])
	os.Exit(dfu.ExitUsage)
}

// cliArgs is the intermediate, unvalidated form parseArgv fills in
// before it's translated into dfu.Options.
type cliArgs struct {
	verbose   int
	list      bool
	detach    bool
	detachDelaySecs int
	device    string
	path      string
	cfg       string
	intf      string
	alt       string
	serial    string
	devnum    string
	xferSize  string
	upload    string
	uploadSize string
	download  string
	reset     bool
	wait      bool
	dfuseAddr string
}

// parseArgv walks os.Args by hand, the way this codebase's ancestry
// parses its own mode/flag arguments: a plain switch over each
// argument, consuming a following value when the flag takes one.
func parseArgv() cliArgs {
	var a cliArgs
	a.detachDelaySecs = 5

	args := os.Args[1:]
	next := func(flag string, i *int) string {
		if *i+1 >= len(args) {
			usageError("%s requires an argument", flag)
		}
		*i++
		return args[*i]
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "-h", "--help":
			usage()
		case "-V", "--version":
			fmt.Println(version)
			os.Exit(dfu.ExitOK)
		case "-v", "--verbose":
			a.verbose++
		case "-l", "--list":
			a.list = true
		case "-e", "--detach":
			a.detach = true
		case "-E", "--detach-delay":
			secs, err := strconv.Atoi(next(arg, &i))
			if err != nil {
				usageError("invalid --detach-delay value")
			}
			a.detachDelaySecs = secs
		case "-d", "--device":
			a.device = next(arg, &i)
		case "-p", "--path":
			a.path = next(arg, &i)
		case "-c", "--cfg":
			a.cfg = next(arg, &i)
		case "-i", "--intf":
			a.intf = next(arg, &i)
		case "-a", "--alt":
			a.alt = next(arg, &i)
		case "-S", "--serial":
			a.serial = next(arg, &i)
		case "-n", "--devnum":
			a.devnum = next(arg, &i)
		case "-t", "--transfer-size":
			a.xferSize = next(arg, &i)
		case "-U", "--upload":
			a.upload = next(arg, &i)
		case "-Z", "--upload-size":
			a.uploadSize = next(arg, &i)
		case "-D", "--download":
			a.download = next(arg, &i)
		case "-R", "--reset":
			a.reset = true
		case "-w", "--wait":
			a.wait = true
		case "-s", "--dfuse-address":
			a.dfuseAddr = next(arg, &i)
		default:
			usageError("invalid argument %s", arg)
		}
	}

	return a
}

func parseIntField(flag, val string) (int, bool) {
	if val == "" {
		return 0, false
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		usageError("invalid %s value %q", flag, val)
	}
	return n, true
}

func buildOptions(a cliArgs) dfu.Options {
	modes := 0
	opts := dfu.Options{Mode: dfu.ModeList}

	if a.list {
		modes++
		opts.Mode = dfu.ModeList
	}
	if a.detach {
		modes++
		opts.Mode = dfu.ModeDetach
	}
	if a.upload != "" {
		modes++
		opts.Mode = dfu.ModeUpload
		opts.UploadPath = a.upload
	}
	if a.download != "" {
		modes++
		opts.Mode = dfu.ModeDownload
		opts.DownloadPath = a.download
	}
	if modes > 1 {
		usageError("only one of --list, --detach, --upload, --download may be given")
	}

	opts.Wait = a.wait
	opts.ResetAfter = a.reset
	opts.DetachDelayMs = a.detachDelaySecs * 1000

	if n, ok := parseIntField("--transfer-size", a.xferSize); ok {
		opts.TransferSize = n
	}
	if n, ok := parseIntField("--upload-size", a.uploadSize); ok {
		opts.UploadSize = n
	}

	match := dfu.MatchSpec{Path: a.path}
	if a.device != "" {
		vendor, product, vendorDfu, productDfu := dfu.ParseDeviceSpec(a.device)
		match.Vendor, match.Product = vendor, product
		match.VendorDfu, match.ProductDfu = vendorDfu, productDfu
	}
	if a.serial != "" {
		match.Serial, match.SerialDfu = dfu.ParseSerialSpec(a.serial)
	}
	if n, ok := parseIntField("--cfg", a.cfg); ok {
		match.ConfigIndex, match.HasConfig = n, true
	}
	if n, ok := parseIntField("--intf", a.intf); ok {
		match.IntfIndex, match.HasIntf = n, true
	}
	if a.alt != "" {
		if n, err := strconv.Atoi(a.alt); err == nil {
			match.AltIndex, match.HasAlt = n, true
		} else {
			match.AltName = a.alt
		}
	}
	if n, ok := parseIntField("--devnum", a.devnum); ok {
		match.DevNum, match.HasDevNum = n, true
	}
	opts.Match = match

	opts.DfuSe = parseDfuSeOptions(a.dfuseAddr)

	return opts
}

// parseDfuSeOptions parses -s/--dfuse-address's "addr[:tok...]" form
// (spec.md 6): a hex or decimal address followed by colon-separated
// option tokens.
func parseDfuSeOptions(arg string) dfu.DfuSeOptions {
	var opts dfu.DfuSeOptions
	if arg == "" {
		return opts
	}

	tokens := strings.Split(arg, ":")
	if addr, err := strconv.ParseUint(tokens[0], 0, 32); err == nil {
		opts.Address = uint32(addr)
		opts.HasAddress = true
	}

	for _, tok := range tokens[1:] {
		switch tok {
		case "force":
			opts.Force = true
		case "leave":
			opts.Leave = true
		case "mass-erase":
			opts.MassErase = true
		case "unprotect":
			opts.Unprotect = true
		case "will-reset":
			opts.WillReset = true
		default:
			if n, err := strconv.Atoi(tok); err == nil {
				opts.UploadSize = n
			}
		}
	}

	return opts
}

func main() {
	a := parseArgv()
	opts := buildOptions(a)

	level := dfu.LogError
	if a.verbose >= 1 {
		level |= dfu.LogInfo
	}
	if a.verbose >= 2 {
		level |= dfu.LogDebug
	}
	log := dfu.NewLogger(os.Stderr, level)

	driver := dfu.NewDriver(dfu.RealClock, log, dfu.NewConsoleProgress(log))
	defer driver.Close()

	err := driver.Run(opts)
	if err != nil {
		log.Error('!', "%s", err)
	}
	os.Exit(dfu.ExitCode(err))
}
