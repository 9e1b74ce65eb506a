package dfu

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Class-specific requests of the DFU 1.1 interface.
const (
	RequestDetach    uint8 = 0
	RequestDnload    uint8 = 1
	RequestUpload    uint8 = 2
	RequestGetStatus uint8 = 3
	RequestClrStatus uint8 = 4
	RequestGetState  uint8 = 5
	RequestAbort     uint8 = 6
)

// bmRequestType values: class request addressed to the interface.
const (
	RequestTypeOut uint8 = 0x21
	RequestTypeIn  uint8 = 0xA1
)

var requestNames = map[uint8]string{
	RequestDetach:    "DETACH",
	RequestDnload:    "DNLOAD",
	RequestUpload:    "UPLOAD",
	RequestGetStatus: "GETSTATUS",
	RequestClrStatus: "CLRSTATUS",
	RequestGetState:  "GETSTATE",
	RequestAbort:     "ABORT",
}

// RequestName returns the DFU name of a request code.
func RequestName(req uint8) string {
	if name, ok := requestNames[req]; ok {
		return name
	}
	return fmt.Sprintf("REQUEST(%d)", req)
}

// State is the device state reported in bState.
type State uint8

const (
	StateAppIdle State = iota
	StateAppDetach
	StateIdle
	StateDnloadSync
	StateDnBusy
	StateDnloadIdle
	StateManifestSync
	StateManifest
	StateManifestWaitReset
	StateUploadIdle
	StateError
)

var stateNames = map[State]string{
	StateAppIdle:           "appIDLE",
	StateAppDetach:         "appDETACH",
	StateIdle:              "dfuIDLE",
	StateDnloadSync:        "dfuDNLOAD-SYNC",
	StateDnBusy:            "dfuDNBUSY",
	StateDnloadIdle:        "dfuDNLOAD-IDLE",
	StateManifestSync:      "dfuMANIFEST-SYNC",
	StateManifest:          "dfuMANIFEST",
	StateManifestWaitReset: "dfuMANIFEST-WAIT-RESET",
	StateUploadIdle:        "dfuUPLOAD-IDLE",
	StateError:             "dfuERROR",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", s)
}

// Status is the result code reported in bStatus.
type Status uint8

const (
	StatusOK Status = iota
	StatusErrTarget
	StatusErrFile
	StatusErrWrite
	StatusErrErase
	StatusErrCheckErased
	StatusErrProg
	StatusErrVerify
	StatusErrAddress
	StatusErrNotDone
	StatusErrFirmware
	StatusErrVendor
	StatusErrUSBR
	StatusErrPOR
	StatusErrUnknown
	StatusErrStalledPkt
)

var statusNames = map[Status]string{
	StatusOK:             "OK",
	StatusErrTarget:      "errTARGET",
	StatusErrFile:        "errFILE",
	StatusErrWrite:       "errWRITE",
	StatusErrErase:       "errERASE",
	StatusErrCheckErased: "errCHECK_ERASED",
	StatusErrProg:        "errPROG",
	StatusErrVerify:      "errVERIFY",
	StatusErrAddress:     "errADDRESS",
	StatusErrNotDone:     "errNOTDONE",
	StatusErrFirmware:    "errFIRMWARE",
	StatusErrVendor:      "errVENDOR",
	StatusErrUSBR:        "errUSBR",
	StatusErrPOR:         "errPOR",
	StatusErrUnknown:     "errUNKNOWN",
	StatusErrStalledPkt:  "errSTALLEDPKT",
}

var statusDescriptions = map[Status]string{
	StatusOK:             "no error",
	StatusErrTarget:      "file is not targeted for this device",
	StatusErrFile:        "file fails a vendor-specific verification test",
	StatusErrWrite:       "device is unable to write memory",
	StatusErrErase:       "memory erase failed",
	StatusErrCheckErased: "memory erase check failed",
	StatusErrProg:        "program memory function failed",
	StatusErrVerify:      "programmed memory failed verification",
	StatusErrAddress:     "address is out of range",
	StatusErrNotDone:     "received zero-length download but data is incomplete",
	StatusErrFirmware:    "device firmware is corrupt",
	StatusErrVendor:      "vendor-specific error",
	StatusErrUSBR:        "unexpected USB reset",
	StatusErrPOR:         "unexpected power-on reset",
	StatusErrUnknown:     "unknown error",
	StatusErrStalledPkt:  "device stalled an unexpected request",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", s)
}

// Description returns the DFU 1.1 meaning of the status code.
func (s Status) Description() string {
	if d, ok := statusDescriptions[s]; ok {
		return d
	}
	return "undefined status"
}

// StatusLength is the size of a GETSTATUS response.
const StatusLength = 6

// Report is a decoded GETSTATUS response.
type Report struct {
	Status      Status
	PollTimeout time.Duration
	State       State
	StringIndex uint8
}

func (r Report) String() string {
	return fmt.Sprintf("%s/%s poll=%s", r.State, r.Status, r.PollTimeout)
}

// DecodeReport decodes a 6-byte GETSTATUS payload.
func DecodeReport(b []byte) (Report, error) {
	if len(b) < StatusLength {
		return Report{}, fmt.Errorf("status response is %d bytes, want %d", len(b), StatusLength)
	}
	ms := uint32(b[1]) | uint32(b[2])<<8 | uint32(b[3])<<16
	return Report{
		Status:      Status(b[0]),
		PollTimeout: time.Duration(ms) * time.Millisecond,
		State:       State(b[4]),
		StringIndex: b[5],
	}, nil
}

// Encode returns the wire form of r.
func (r Report) Encode() []byte {
	b := make([]byte, StatusLength)
	b[0] = byte(r.Status)
	ms := uint32(r.PollTimeout / time.Millisecond)
	if ms > 0xFFFFFF {
		ms = 0xFFFFFF
	}
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], ms)
	copy(b[1:4], tmp[:3])
	b[4] = byte(r.State)
	b[5] = r.StringIndex
	return b
}
