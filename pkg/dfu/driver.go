package dfu

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DfuSe commands sent as the payload of a block-0 DNLOAD.
const (
	cmdSetAddress byte = 0x21
	cmdErase      byte = 0x41
)

// Block numbers 0 and 1 are reserved for DfuSe commands.
const firstDataBlock = 2

// Driver runs DFU and DfuSe operations over a Transport. It is strictly
// sequential: a Driver must not be used from more than one goroutine.
type Driver struct {
	t     Transport
	iface uint16
	xfer  uint32
	cfg   Config
	log   *slog.Logger

	pointer      uint32
	pointerValid bool
}

// NewDriver returns a driver for the DFU interface iface. transferSize is
// the wTransferSize of the functional descriptor.
func NewDriver(t Transport, iface uint8, transferSize uint16, opts ...Option) *Driver {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Driver{
		t:     t,
		iface: uint16(iface),
		xfer:  uint32(transferSize),
		cfg:   cfg,
		log:   cfg.Logger,
	}
}

// TransferSize returns the wTransferSize the driver addresses blocks with.
func (d *Driver) TransferSize() uint32 { return d.xfer }

func (d *Driver) control(ctx context.Context, op string, requestType, request uint8, value uint16, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := d.t.Control(requestType, request, value, d.iface, data, d.cfg.TransferTimeout)
	if err != nil {
		return n, &TransportError{Op: op, Err: err}
	}
	return n, nil
}

// SelectAlt switches the interface to an alternate setting. The address
// pointer is forgotten.
func (d *Driver) SelectAlt(alt uint8) error {
	d.pointerValid = false
	if err := d.t.SetAltSetting(alt); err != nil {
		return &TransportError{Op: "set alt setting", Err: err}
	}
	return nil
}

// GetStatus sends GETSTATUS once.
func (d *Driver) GetStatus(ctx context.Context) (Report, error) {
	buf := make([]byte, StatusLength)
	n, err := d.control(ctx, "GETSTATUS", RequestTypeIn, RequestGetStatus, 0, buf)
	if err != nil {
		return Report{}, err
	}
	r, err := DecodeReport(buf[:n])
	if err != nil {
		return Report{}, &TransportError{Op: "GETSTATUS", Err: err}
	}
	return r, nil
}

// GetState sends GETSTATE.
func (d *Driver) GetState(ctx context.Context) (State, error) {
	buf := make([]byte, 1)
	n, err := d.control(ctx, "GETSTATE", RequestTypeIn, RequestGetState, 0, buf)
	if err != nil {
		return 0, err
	}
	if n != 1 {
		return 0, &TransportError{Op: "GETSTATE", Err: fmt.Errorf("%d bytes returned", n)}
	}
	return State(buf[0]), nil
}

// ClearStatus sends CLRSTATUS.
func (d *Driver) ClearStatus(ctx context.Context) error {
	_, err := d.control(ctx, "CLRSTATUS", RequestTypeOut, RequestClrStatus, 0, nil)
	return err
}

// Abort sends ABORT, returning the device to dfuIDLE from any idle state.
func (d *Driver) Abort(ctx context.Context) error {
	_, err := d.control(ctx, "ABORT", RequestTypeOut, RequestAbort, 0, nil)
	return err
}

// EnsureIdle brings the device to dfuIDLE with status OK, clearing errors
// and aborting pending transfers as needed.
func (d *Driver) EnsureIdle(ctx context.Context) error {
	var last Report
	for i := 0; i < d.cfg.IdleAttempts; i++ {
		r, err := d.GetStatus(ctx)
		if err != nil {
			return err
		}
		last = r

		switch {
		case r.State == StateIdle && r.Status == StatusOK:
			return nil
		case r.State == StateAppIdle || r.State == StateAppDetach:
			return &UnexpectedState{Op: "ensure idle", State: r.State, Status: r.Status}
		case r.State == StateError || r.Status != StatusOK:
			d.log.Debug("clearing device status", "state", r.State, "status", r.Status)
			err = d.ClearStatus(ctx)
		case r.State == StateDnBusy || r.State == StateManifest:
			err = sleep(ctx, r.PollTimeout)
		default:
			d.log.Debug("aborting to idle", "state", r.State)
			err = d.Abort(ctx)
		}
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: last report %s", ErrNotIdle, last)
}

// pollStatus waits and then reads the status, tolerating a bounded number
// of failed requests.
func (d *Driver) pollStatus(ctx context.Context, wait time.Duration) (Report, error) {
	for attempt := 0; ; attempt++ {
		if err := sleep(ctx, wait); err != nil {
			return Report{}, err
		}
		r, err := d.GetStatus(ctx)
		if err == nil {
			return r, nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrDeviceGone) {
			return Report{}, err
		}
		if attempt >= d.cfg.StatusRetries {
			return Report{}, fmt.Errorf("%w: %w", ErrStatusRetries, err)
		}
		d.log.Debug("status request failed, retrying", "attempt", attempt+1, "error", err)
		if wait <= 0 {
			wait = d.cfg.RetryInterval
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// cycleFailure is a cycle that ended in ActionFail.
type cycleFailure struct {
	report Report
	cause  error
}

func (e *cycleFailure) Error() string {
	if e.cause != nil {
		return e.cause.Error()
	}
	return fmt.Sprintf("%s (%s)", e.report.Status, e.report.State)
}

func (e *cycleFailure) Unwrap() error { return e.cause }

// cycle drives one DNLOAD request through Next until it completes or fails.
func (d *Driver) cycle(ctx context.Context, cmd Command, send func(context.Context) error) (Report, error) {
	opCtx, cancel := context.WithTimeout(ctx, d.cfg.OperationTimeout)
	defer cancel()

	c, act := Start(cmd)
	var last Report
	for {
		var ev Event
		switch act.Kind {
		case ActionSend:
			ev = Event{Kind: EventSent}
			if err := send(opCtx); err != nil {
				if !errors.Is(err, ErrDeviceGone) {
					return last, err
				}
				ev = Event{Kind: EventLost, Report: last}
			}

		case ActionPoll:
			r, err := d.pollStatus(opCtx, act.Wait)
			switch {
			case err == nil:
				last = r
				ev = Event{Kind: EventStatus, Report: r}
			case errors.Is(err, ErrDeviceGone):
				ev = Event{Kind: EventLost, Report: last}
			case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
				ev = Event{Kind: EventTimedOut, Report: last}
			case cmd == CommandManifest && c.Stage == StagePoll && ctx.Err() == nil:
				// Resetting targets rarely disappear cleanly; the host
				// usually sees I/O or pipe errors instead.
				d.log.Debug("status failed after manifest request, assuming reset", "error", err)
				ev = Event{Kind: EventLost, Report: last}
			default:
				return last, err
			}

		case ActionClear:
			d.log.Warn("device reported an error",
				"command", cmd, "state", act.Report.State, "status", act.Report.Status, "retrying", c.Stage == StageIssue)
			if err := d.ClearStatus(opCtx); err != nil {
				return last, err
			}
			ev = Event{Kind: EventCleared, Report: act.Report}

		case ActionComplete:
			return last, nil

		case ActionFail:
			return act.Report, d.failure(cmd, act)
		}
		c, act = Next(c, ev)
	}
}

func (d *Driver) failure(cmd Command, act Action) error {
	f := &cycleFailure{report: act.Report}
	switch act.Reason {
	case FailState, FailSequence:
		f.cause = &UnexpectedState{Op: cmd.String(), State: act.Report.State, Status: act.Report.Status}
	case FailTimeout:
		f.cause = ErrPollTimeout
	case FailLost:
		f.cause = ErrDeviceGone
	}
	return f
}

// protocolError turns a cycle failure into the typed error build returns.
// Other errors pass through unchanged.
func protocolError(err error, build func(Report, error) error) error {
	var f *cycleFailure
	if errors.As(err, &f) {
		return build(f.report, f.cause)
	}
	return err
}

func (d *Driver) command(ctx context.Context, op string, cmd byte, addr uint32) error {
	var payload [5]byte
	payload[0] = cmd
	binary.LittleEndian.PutUint32(payload[1:], addr)
	_, err := d.control(ctx, op, RequestTypeOut, RequestDnload, 0, payload[:])
	return err
}

// ErasePage erases the page holding addr.
func (d *Driver) ErasePage(ctx context.Context, addr uint32) error {
	d.log.Debug("erase page", "address", fmt.Sprintf("0x%08X", addr))
	if err := d.Abort(ctx); err != nil {
		return err
	}
	_, err := d.cycle(ctx, CommandErase, func(ctx context.Context) error {
		return d.command(ctx, "erase", cmdErase, addr)
	})
	return protocolError(err, func(r Report, cause error) error {
		return &EraseFailed{Address: addr, Status: r.Status, State: r.State, Err: cause}
	})
}

// SetAddress loads the DfuSe address pointer and leaves the device in
// dfuIDLE. A rejected pointer is reported as *WriteFailed.
func (d *Driver) SetAddress(ctx context.Context, addr uint32) error {
	return d.setAddress(ctx, addr, writeFailed)
}

func writeFailed(addr uint32, r Report, cause error) error {
	return &WriteFailed{Address: addr, Status: r.Status, State: r.State, Err: cause}
}

func readFailed(addr uint32, r Report, cause error) error {
	return &ReadFailed{Address: addr, Status: r.Status, State: r.State, Err: cause}
}

func (d *Driver) setAddress(ctx context.Context, addr uint32, failed func(uint32, Report, error) error) error {
	d.pointerValid = false
	if err := d.Abort(ctx); err != nil {
		return err
	}
	_, err := d.cycle(ctx, CommandSetAddress, func(ctx context.Context) error {
		return d.command(ctx, "set address", cmdSetAddress, addr)
	})
	if err != nil {
		return protocolError(err, func(r Report, cause error) error {
			return failed(addr, r, cause)
		})
	}
	if err := d.Abort(ctx); err != nil {
		return err
	}
	d.pointer, d.pointerValid = addr, true
	return nil
}

// block checks that addr is where the device will put block blockNum and
// loads the address pointer for block 0. failed builds the error for a
// rejected pointer.
func (d *Driver) block(ctx context.Context, addr uint32, size int, blockNum uint16, failed func(uint32, Report, error) error) (uint16, error) {
	if size == 0 || uint32(size) > d.xfer {
		return 0, fmt.Errorf("dfu: block of %d bytes, transfer size is %d", size, d.xfer)
	}
	if blockNum > 0xFFFF-firstDataBlock {
		return 0, fmt.Errorf("dfu: block number %d out of range", blockNum)
	}
	if blockNum == 0 {
		if err := d.setAddress(ctx, addr, failed); err != nil {
			return 0, err
		}
	} else if !d.pointerValid || uint64(d.pointer)+uint64(blockNum)*uint64(d.xfer) != uint64(addr) {
		return 0, fmt.Errorf("dfu: block %d does not address 0x%08X", blockNum, addr)
	}
	return blockNum + firstDataBlock, nil
}

// WriteBlock downloads data as block blockNum relative to the address
// pointer. Block 0 sets the pointer to addr first; later blocks must follow
// at multiples of the transfer size.
func (d *Driver) WriteBlock(ctx context.Context, addr uint32, data []byte, blockNum uint16) error {
	value, err := d.block(ctx, addr, len(data), blockNum, writeFailed)
	if err != nil {
		return err
	}
	d.log.Debug("write block", "address", fmt.Sprintf("0x%08X", addr), "block", blockNum, "size", len(data))
	_, err = d.cycle(ctx, CommandDownload, func(ctx context.Context) error {
		_, err := d.control(ctx, "download", RequestTypeOut, RequestDnload, value, data)
		return err
	})
	return protocolError(err, func(r Report, cause error) error {
		return writeFailed(addr, r, cause)
	})
}

// ReadBlock uploads size bytes as block blockNum, addressed like WriteBlock.
func (d *Driver) ReadBlock(ctx context.Context, addr uint32, size int, blockNum uint16) ([]byte, error) {
	value, err := d.block(ctx, addr, size, blockNum, readFailed)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := d.control(ctx, "upload", RequestTypeIn, RequestUpload, value, buf)
	if err != nil {
		return nil, err
	}
	if n < size {
		return buf[:n], fmt.Errorf("%w: %d of %d bytes at 0x%08X", ErrShortUpload, n, size, addr)
	}
	return buf, nil
}

// VerifyBlock reads back len(expected) bytes and compares them.
func (d *Driver) VerifyBlock(ctx context.Context, addr uint32, expected []byte, blockNum uint16) error {
	got, err := d.ReadBlock(ctx, addr, len(expected), blockNum)
	if err != nil {
		return err
	}
	for i := range expected {
		if got[i] != expected[i] {
			return &VerifyMismatch{Address: addr, Offset: uint32(i), Want: expected[i], Got: got[i]}
		}
	}
	return nil
}

// Finalize sends the zero-length download that starts manifestation and
// waits for it to finish. A device that resets itself on the way counts as
// success.
func (d *Driver) Finalize(ctx context.Context) error {
	d.log.Debug("manifest")
	_, err := d.cycle(ctx, CommandManifest, func(ctx context.Context) error {
		_, err := d.control(ctx, "manifest", RequestTypeOut, RequestDnload, firstDataBlock, nil)
		return err
	})
	d.pointerValid = false
	return protocolError(err, func(r Report, cause error) error {
		if cause == nil {
			return &UnexpectedState{Op: "manifest", State: r.State, Status: r.Status}
		}
		return fmt.Errorf("dfu: manifest: %w", cause)
	})
}
