package dfu

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/memmap"
	"github.com/OpenTraceLab/OpenTraceDFU/pkg/usbid"
)

var (
	// ErrStall is returned by SimDevice for requests a real device would stall.
	ErrStall = errors.New("dfu sim: request stalled")

	errSimStatusIO = errors.New("dfu sim: status request timed out")
	errSimClosed   = errors.New("dfu sim: transport closed")
)

// SimRegion is one memory region of a simulated device.
type SimRegion struct {
	Start    uint32
	PageSize uint32
	Pages    int

	Erasable bool
	Readable bool
	Writable bool
}

func (r SimRegion) size() uint64 { return uint64(r.PageSize) * uint64(r.Pages) }

func (r SimRegion) contains(addr uint32, n int) bool {
	return addr >= r.Start && uint64(addr)+uint64(n) <= uint64(r.Start)+r.size()
}

// SimAlt is one alternate setting of a simulated device.
type SimAlt struct {
	Name    string
	Regions []SimRegion
}

// SimConfig describes a simulated DfuSe device.
type SimConfig struct {
	ID           usbid.ID
	TransferSize uint16
	// PollTimeout is the bwPollTimeout reported while busy.
	PollTimeout time.Duration
	// BusyPolls is the number of extra dfuDNBUSY reports before a command
	// completes.
	BusyPolls int

	ManifestationTolerant bool
	// ResetOnManifest makes the device drop off the bus when manifestation
	// starts.
	ResetOnManifest bool

	Alts []SimAlt
}

// SimOp selects the operation a fault applies to.
type SimOp uint8

const (
	SimErase SimOp = iota + 1
	SimWrite
	SimSetAddress
)

type simFault struct {
	op     SimOp
	addr   uint32
	status Status
	times  int
}

// SimRequest records one control transfer seen by the simulator.
type SimRequest struct {
	Request uint8
	Value   uint16
	Length  int
	Alt     uint8
	// Command is the DfuSe command byte of block-0 downloads.
	Command byte
	// Address is the memory address a command, download or upload targets.
	Address uint32
}

// SimDevice is an in-memory DfuSe device implementing Transport and
// Opener. Memory follows flash rules: a byte can only be programmed after
// its page was erased.
type SimDevice struct {
	// OnDownload, when set, is called after each accepted data block.
	OnDownload func(SimRequest)

	mu      sync.Mutex
	cfg     SimConfig
	mem     [][][]byte
	alt     uint8
	state   State
	status  Status
	pointer uint32
	pending func() Status
	busy    int

	requests       []SimRequest
	faults         []simFault
	corrupt        map[uint32]bool
	statusFailures int
	gone           bool
	closed         bool
	opens          int
}

// NewSimDevice returns an erased simulated device in dfuIDLE.
func NewSimDevice(cfg SimConfig) *SimDevice {
	if cfg.TransferSize == 0 {
		cfg.TransferSize = 2048
	}
	s := &SimDevice{cfg: cfg, state: StateIdle, corrupt: make(map[uint32]bool)}
	for _, alt := range cfg.Alts {
		var regions [][]byte
		for _, r := range alt.Regions {
			regions = append(regions, bytes.Repeat([]byte{0xFF}, int(r.size())))
		}
		s.mem = append(s.mem, regions)
	}
	return s
}

// NewSTM32Sim returns a device shaped like an STM32F4 system bootloader
// with flash of the given page size and page count at 0x08000000.
func NewSTM32Sim(pageSize uint32, pages int) *SimDevice {
	return NewSimDevice(SimConfig{
		ID:           usbid.ID{Vendor: 0x0483, Product: 0xDF11},
		TransferSize: 2048,
		Alts: []SimAlt{
			{Name: "Internal Flash", Regions: []SimRegion{
				{Start: 0x08000000, PageSize: pageSize, Pages: pages, Erasable: true, Readable: true, Writable: true},
			}},
			{Name: "Option Bytes", Regions: []SimRegion{
				{Start: 0x1FFFC000, PageSize: 16, Pages: 1, Readable: true, Writable: true},
			}},
		},
	})
}

// Config returns the device configuration.
func (s *SimDevice) Config() SimConfig { return s.cfg }

// AltSettingString renders alternate setting alt in the DfuSe string form
// real devices report.
func (s *SimDevice) AltSettingString(alt int) string {
	a := s.cfg.Alts[alt]
	var b strings.Builder
	fmt.Fprintf(&b, "@%s ", a.Name)
	for _, r := range a.Regions {
		size := fmt.Sprintf("%dB", r.PageSize)
		if r.PageSize%1024 == 0 {
			size = fmt.Sprintf("%03dK", r.PageSize/1024)
		}
		fmt.Fprintf(&b, "/0x%08X/%02d*%s%s", r.Start, r.Pages, size, sectorType(r))
	}
	return b.String()
}

func sectorType(r SimRegion) string {
	const letters = " abcdefg"
	i := 0
	if r.Readable {
		i |= 1
	}
	if r.Erasable {
		i |= 2
	}
	if r.Writable {
		i |= 4
	}
	return strings.TrimSpace(letters[i : i+1])
}

// FunctionalDescriptor returns the raw DFU functional descriptor.
func (s *SimDevice) FunctionalDescriptor() []byte {
	attrs := byte(0x01 | 0x02 | 0x08)
	if s.cfg.ManifestationTolerant {
		attrs |= 0x04
	}
	b := []byte{9, 0x21, attrs, 0, 0, 0, 0, 0, 0}
	binary.LittleEndian.PutUint16(b[3:5], 255)
	binary.LittleEndian.PutUint16(b[5:7], s.cfg.TransferSize)
	binary.LittleEndian.PutUint16(b[7:9], 0x011A)
	return b
}

// Descriptor returns what ReadDescriptor would report for this device.
func (s *SimDevice) Descriptor() (memmap.Descriptor, error) {
	fd, err := memmap.DecodeFunctional(s.FunctionalDescriptor())
	if err != nil {
		return memmap.Descriptor{}, err
	}
	desc := memmap.Descriptor{ID: s.cfg.ID, Functional: fd}
	for i := range s.cfg.Alts {
		desc.AltSettings = append(desc.AltSettings, memmap.AltSetting{Number: uint8(i), Name: s.AltSettingString(i)})
	}
	return desc, nil
}

// Open implements Opener.
func (s *SimDevice) Open(ctx context.Context, id usbid.ID, iface uint8) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return nil, ErrDeviceGone
	}
	if !id.Matches(s.cfg.ID) {
		return nil, fmt.Errorf("dfu sim: no device %s", id)
	}
	if iface != 0 {
		return nil, fmt.Errorf("dfu sim: no interface %d", iface)
	}
	s.closed = false
	s.opens++
	return s, nil
}

// Close implements Transport.
func (s *SimDevice) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether the last opened transport was closed.
func (s *SimDevice) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Opens returns how many times the device was opened.
func (s *SimDevice) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// SetAltSetting implements Transport.
func (s *SimDevice) SetAltSetting(alt uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(alt) >= len(s.cfg.Alts) {
		return fmt.Errorf("dfu sim: no alternate setting %d", alt)
	}
	s.alt = alt
	return nil
}

// FailNext makes the next times erases, writes or address loads touching
// addr end with status.
func (s *SimDevice) FailNext(op SimOp, addr uint32, status Status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, simFault{op: op, addr: addr, status: status, times: times})
}

// FailStatusRequests makes the next n GETSTATUS requests fail.
func (s *SimDevice) FailStatusRequests(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusFailures = n
}

// CorruptRead flips the byte at addr in every upload covering it.
func (s *SimDevice) CorruptRead(addr uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt[addr] = true
}

// Disconnect makes every further request fail with ErrDeviceGone.
func (s *SimDevice) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gone = true
}

// SetState forces the device state and status.
func (s *SimDevice) SetState(state State, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state, s.status = state, status
}

// State returns the current device state.
func (s *SimDevice) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Requests returns a copy of every request seen so far.
func (s *SimDevice) Requests() []SimRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SimRequest(nil), s.requests...)
}

// Erases returns the addresses of the erase commands received, in order.
func (s *SimDevice) Erases() []uint32 {
	var out []uint32
	for _, r := range s.Requests() {
		if r.Request == RequestDnload && r.Value == 0 && r.Command == cmdErase {
			out = append(out, r.Address)
		}
	}
	return out
}

// Downloads returns the data blocks received, in order.
func (s *SimDevice) Downloads() []SimRequest {
	var out []SimRequest
	for _, r := range s.Requests() {
		if r.Request == RequestDnload && r.Value >= firstDataBlock && r.Length > 0 {
			out = append(out, r)
		}
	}
	return out
}

// Memory returns a copy of n bytes at addr in the current alternate setting.
func (s *SimDevice) Memory(addr uint32, n int) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.span(addr, n)
	if !ok {
		return nil, false
	}
	return bytes.Clone(buf), true
}

func (s *SimDevice) region(addr uint32, n int) (SimRegion, []byte, bool) {
	if int(s.alt) >= len(s.cfg.Alts) {
		return SimRegion{}, nil, false
	}
	for i, r := range s.cfg.Alts[s.alt].Regions {
		if r.contains(addr, n) {
			return r, s.mem[s.alt][i], true
		}
	}
	return SimRegion{}, nil, false
}

func (s *SimDevice) span(addr uint32, n int) ([]byte, bool) {
	r, mem, ok := s.region(addr, n)
	if !ok {
		return nil, false
	}
	off := addr - r.Start
	return mem[off : off+uint32(n)], true
}

// Control implements Transport.
func (s *SimDevice) Control(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	s.mu.Lock()
	req := SimRequest{Request: request, Value: value, Length: len(data), Alt: s.alt}
	n, err := s.handle(requestType, request, value, data, &req)
	s.requests = append(s.requests, req)
	hook := s.OnDownload
	s.mu.Unlock()

	if err == nil && hook != nil && request == RequestDnload && value >= firstDataBlock && len(data) > 0 {
		hook(req)
	}
	return n, err
}

func (s *SimDevice) stall() (int, error) {
	s.state, s.status = StateError, StatusErrStalledPkt
	return 0, ErrStall
}

func (s *SimDevice) handle(requestType, request uint8, value uint16, data []byte, req *SimRequest) (int, error) {
	switch {
	case s.gone:
		return 0, ErrDeviceGone
	case s.closed:
		return 0, errSimClosed
	}

	if request == RequestGetStatus || request == RequestGetState || request == RequestUpload {
		if requestType != RequestTypeIn {
			return s.stall()
		}
	} else if requestType != RequestTypeOut {
		return s.stall()
	}

	switch request {
	case RequestDnload:
		return s.download(value, data, req)
	case RequestUpload:
		return s.upload(value, data, req)
	case RequestGetStatus:
		return s.getStatus(data)
	case RequestClrStatus:
		s.state, s.status, s.pending = StateIdle, StatusOK, nil
		return 0, nil
	case RequestGetState:
		if len(data) < 1 {
			return s.stall()
		}
		data[0] = byte(s.state)
		return 1, nil
	case RequestAbort:
		if s.state != StateError {
			s.state, s.pending = StateIdle, nil
		}
		return 0, nil
	case RequestDetach:
		return 0, nil
	}
	return s.stall()
}

func (s *SimDevice) download(value uint16, data []byte, req *SimRequest) (int, error) {
	if s.state != StateIdle && s.state != StateDnloadIdle {
		return s.stall()
	}
	if len(data) == 0 {
		s.state = StateManifestSync
		return 0, nil
	}

	switch {
	case value == 0:
		if len(data) != 5 {
			return s.stall()
		}
		addr := binary.LittleEndian.Uint32(data[1:])
		req.Command, req.Address = data[0], addr
		switch data[0] {
		case cmdSetAddress:
			s.pending = func() Status {
				if st := s.fault(SimSetAddress, addr, 1); st != StatusOK {
					return st
				}
				s.pointer = addr
				return StatusOK
			}
		case cmdErase:
			s.pending = func() Status { return s.erase(addr) }
		default:
			return s.stall()
		}
	case value == 1:
		return s.stall()
	default:
		addr := s.pointer + uint32(value-firstDataBlock)*uint32(s.cfg.TransferSize)
		req.Address = addr
		block := bytes.Clone(data)
		s.pending = func() Status { return s.write(addr, block) }
	}
	s.state = StateDnloadSync
	return len(data), nil
}

func (s *SimDevice) fault(op SimOp, addr uint32, n int) Status {
	for i := range s.faults {
		f := &s.faults[i]
		if f.op != op || f.times == 0 {
			continue
		}
		if f.addr >= addr && uint64(f.addr) < uint64(addr)+uint64(n) {
			f.times--
			return f.status
		}
	}
	return StatusOK
}

func (s *SimDevice) erase(addr uint32) Status {
	r, mem, ok := s.region(addr, 1)
	if !ok {
		return StatusErrAddress
	}
	if !r.Erasable {
		return StatusErrTarget
	}
	start := (addr - r.Start) / r.PageSize * r.PageSize
	if st := s.fault(SimErase, r.Start+start, int(r.PageSize)); st != StatusOK {
		return st
	}
	for i := start; i < start+r.PageSize; i++ {
		mem[i] = 0xFF
	}
	return StatusOK
}

func (s *SimDevice) write(addr uint32, data []byte) Status {
	r, _, ok := s.region(addr, len(data))
	if !ok {
		return StatusErrAddress
	}
	if !r.Writable {
		return StatusErrWrite
	}
	if st := s.fault(SimWrite, addr, len(data)); st != StatusOK {
		return st
	}
	buf, _ := s.span(addr, len(data))
	for i, b := range data {
		if buf[i] != 0xFF && buf[i] != b {
			return StatusErrProg
		}
	}
	copy(buf, data)
	return StatusOK
}

func (s *SimDevice) upload(value uint16, data []byte, req *SimRequest) (int, error) {
	if s.state != StateIdle && s.state != StateUploadIdle {
		return s.stall()
	}
	if value < firstDataBlock {
		// Block 0 lists the supported commands.
		cmds := []byte{0x00, cmdSetAddress, cmdErase}
		s.state = StateUploadIdle
		return copy(data, cmds), nil
	}
	addr := s.pointer + uint32(value-firstDataBlock)*uint32(s.cfg.TransferSize)
	req.Address = addr
	r, _, ok := s.region(addr, len(data))
	if !ok || !r.Readable {
		return s.stall()
	}
	buf, _ := s.span(addr, len(data))
	n := copy(data, buf)
	for i := 0; i < n; i++ {
		if s.corrupt[addr+uint32(i)] {
			data[i] ^= 0xFF
		}
	}
	s.state = StateUploadIdle
	return n, nil
}

func (s *SimDevice) getStatus(data []byte) (int, error) {
	if len(data) < StatusLength {
		return s.stall()
	}
	if s.statusFailures > 0 {
		s.statusFailures--
		return 0, errSimStatusIO
	}

	poll := time.Duration(0)
	switch s.state {
	case StateDnloadSync:
		s.state, s.busy = StateDnBusy, s.cfg.BusyPolls
		poll = s.cfg.PollTimeout
	case StateDnBusy:
		if s.busy > 0 {
			s.busy--
			poll = s.cfg.PollTimeout
			break
		}
		st := StatusOK
		if s.pending != nil {
			st = s.pending()
			s.pending = nil
		}
		if st != StatusOK {
			s.state, s.status = StateError, st
		} else {
			s.state = StateDnloadIdle
		}
	case StateManifestSync:
		if s.cfg.ResetOnManifest {
			s.gone = true
			return 0, ErrDeviceGone
		}
		s.state = StateManifest
		poll = s.cfg.PollTimeout
	case StateManifest:
		if s.cfg.ManifestationTolerant {
			s.state = StateIdle
		} else {
			s.state = StateManifestWaitReset
		}
	}

	r := Report{Status: s.status, PollTimeout: poll, State: s.state}
	return copy(data, r.Encode()), nil
}
