/* dfu-util - USB Device Firmware Upgrade host utility
 *
 * Copyright (C) 2024 and up by Tarang74 <tarang74@users.noreply.github.com>
 * See LICENSE for license terms and conditions
 *
 * DFU state machine states
 */

package dfu

// DfuState is one of the 11 states defined by the DFU class
// specification, as reported in a DfuStatus record's bState field.
type DfuState byte

const (
	StateAppIdle              DfuState = 0
	StateAppDetach            DfuState = 1
	StateDfuIdle              DfuState = 2
	StateDfuDnloadSync        DfuState = 3
	StateDfuDnBusy            DfuState = 4
	StateDfuDnloadIdle        DfuState = 5
	StateDfuManifestSync      DfuState = 6
	StateDfuManifest          DfuState = 7
	StateDfuManifestWaitReset DfuState = 8
	StateDfuUploadIdle        DfuState = 9
	StateDfuError             DfuState = 10
)

var stateNames = map[DfuState]string{
	StateAppIdle:              "appIDLE",
	StateAppDetach:            "appDETACH",
	StateDfuIdle:              "dfuIDLE",
	StateDfuDnloadSync:        "dfuDNLOAD-SYNC",
	StateDfuDnBusy:            "dfuDNBUSY",
	StateDfuDnloadIdle:        "dfuDNLOAD-IDLE",
	StateDfuManifestSync:      "dfuMANIFEST-SYNC",
	StateDfuManifest:          "dfuMANIFEST",
	StateDfuManifestWaitReset: "dfuMANIFEST-WAIT-RESET",
	StateDfuUploadIdle:        "dfuUPLOAD-IDLE",
	StateDfuError:             "dfuERROR",
}

func (s DfuState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsRunTime reports whether the state belongs to the run-time
// (application) side of the DFU lifecycle rather than the DFU side.
func (s DfuState) IsRunTime() bool {
	return s == StateAppIdle || s == StateAppDetach
}
