package dfu

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/memmap"
	"github.com/OpenTraceLab/OpenTraceDFU/pkg/usbid"
)

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

func newDriver(t *testing.T, sim *SimDevice, opts ...Option) *Driver {
	t.Helper()
	tr, err := sim.Open(context.Background(), usbid.ID{Vendor: 0x0483, Product: 0xDF11}, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	opts = append([]Option{WithRetryInterval(time.Millisecond)}, opts...)
	return NewDriver(tr, 0, sim.Config().TransferSize, opts...)
}

func countRequests(sim *SimDevice, request uint8) int {
	n := 0
	for _, r := range sim.Requests() {
		if r.Request == request {
			n++
		}
	}
	return n
}

func TestDriverEraseWriteVerify(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sim := NewSTM32Sim(2048, 8)
	drv := newDriver(t, sim)

	require.NoError(t, drv.EnsureIdle(ctx))
	require.NoError(t, drv.ErasePage(ctx, 0x08000800))

	data := pattern(2048, 1)
	require.NoError(t, drv.WriteBlock(ctx, 0x08000800, data, 0))
	require.NoError(t, drv.VerifyBlock(ctx, 0x08000800, data, 0))

	mem, ok := sim.Memory(0x08000800, 2048)
	require.True(t, ok)
	assert.Equal(t, data, mem)
	assert.Equal(t, []uint32{0x08000800}, sim.Erases())
	assert.Len(t, sim.Downloads(), 1)

	untouched, _ := sim.Memory(0x08000000, 2048)
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 2048), untouched)
}

func TestDriverBlocksWithinLargePage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sim := NewSTM32Sim(16*1024, 4)
	drv := newDriver(t, sim)

	require.NoError(t, drv.ErasePage(ctx, 0x08004000))
	data := pattern(16*1024, 9)
	for i := 0; i < 8; i++ {
		addr := 0x08004000 + uint32(i)*2048
		require.NoError(t, drv.WriteBlock(ctx, addr, data[i*2048:(i+1)*2048], uint16(i)))
	}
	for i := 0; i < 8; i++ {
		addr := 0x08004000 + uint32(i)*2048
		require.NoError(t, drv.VerifyBlock(ctx, addr, data[i*2048:(i+1)*2048], uint16(i)))
	}

	mem, _ := sim.Memory(0x08004000, len(data))
	assert.Equal(t, data, mem)

	err := drv.WriteBlock(ctx, 0x08004000, data[:2048], 3)
	assert.ErrorContains(t, err, "does not address")
}

func TestDriverRejectsOversizedBlock(t *testing.T) {
	t.Parallel()
	drv := newDriver(t, NewSTM32Sim(2048, 2))
	err := drv.WriteBlock(context.Background(), 0x08000000, make([]byte, 4096), 0)
	require.Error(t, err)
	err = drv.WriteBlock(context.Background(), 0x08000000, nil, 0)
	require.Error(t, err)
}

func TestDriverRecoversFromSingleError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sim := NewSTM32Sim(2048, 4)
	sim.FailNext(SimErase, 0x08000000, StatusErrErase, 1)
	drv := newDriver(t, sim)

	require.NoError(t, drv.ErasePage(ctx, 0x08000000))
	assert.Len(t, sim.Erases(), 2)
	assert.Equal(t, 1, countRequests(sim, RequestClrStatus))
}

func TestDriverSecondErrorIsFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sim := NewSTM32Sim(2048, 4)
	sim.FailNext(SimErase, 0x08000000, StatusErrErase, 2)
	drv := newDriver(t, sim)

	err := drv.ErasePage(ctx, 0x08000000)
	var ef *EraseFailed
	require.ErrorAs(t, err, &ef)
	assert.Equal(t, uint32(0x08000000), ef.Address)
	assert.Equal(t, StatusErrErase, ef.Status)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Len(t, sim.Erases(), 2)
	assert.Equal(t, 2, countRequests(sim, RequestClrStatus))
	assert.Equal(t, StateIdle, sim.State())
}

func TestDriverWriteWithoutErase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sim := NewSTM32Sim(2048, 4)
	drv := newDriver(t, sim)

	require.NoError(t, drv.WriteBlock(ctx, 0x08000000, pattern(64, 1), 0))
	err := drv.WriteBlock(ctx, 0x08000000, pattern(64, 2), 0)

	var wf *WriteFailed
	require.ErrorAs(t, err, &wf)
	assert.Equal(t, StatusErrProg, wf.Status)
	assert.Contains(t, err.Error(), "errPROG")
}

func TestDriverStatusRetries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sim := NewSTM32Sim(2048, 4)
	sim.FailStatusRequests(3)
	drv := newDriver(t, sim)
	require.NoError(t, drv.ErasePage(ctx, 0x08000000))

	sim = NewSTM32Sim(2048, 4)
	sim.FailStatusRequests(100)
	drv = newDriver(t, sim, WithStatusRetries(5))
	err := drv.ErasePage(ctx, 0x08000000)
	require.ErrorIs(t, err, ErrStatusRetries)
	assert.Equal(t, 6, countRequests(sim, RequestGetStatus))
}

func TestDriverPollTimeout(t *testing.T) {
	t.Parallel()
	sim := NewSimDevice(SimConfig{
		ID:          usbid.ID{Vendor: 0x0483, Product: 0xDF11},
		PollTimeout: 5 * time.Millisecond,
		BusyPolls:   1 << 20,
		Alts: []SimAlt{{Name: "Flash", Regions: []SimRegion{
			{Start: 0x08000000, PageSize: 2048, Pages: 2, Erasable: true, Readable: true, Writable: true},
		}}},
	})
	drv := newDriver(t, sim, WithOperationTimeout(40*time.Millisecond))

	err := drv.ErasePage(context.Background(), 0x08000000)
	require.ErrorIs(t, err, ErrPollTimeout)
	var ef *EraseFailed
	assert.ErrorAs(t, err, &ef)
}

func TestDriverVerifyMismatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sim := NewSTM32Sim(2048, 4)
	sim.CorruptRead(0x08000010)
	drv := newDriver(t, sim)

	data := pattern(256, 3)
	require.NoError(t, drv.ErasePage(ctx, 0x08000000))
	require.NoError(t, drv.WriteBlock(ctx, 0x08000000, data, 0))

	err := drv.VerifyBlock(ctx, 0x08000000, data, 0)
	var vm *VerifyMismatch
	require.ErrorAs(t, err, &vm)
	assert.Equal(t, uint32(0x08000000), vm.Address)
	assert.Equal(t, uint32(0x10), vm.Offset)
	assert.Equal(t, data[0x10], vm.Want)
	assert.Equal(t, data[0x10]^0xFF, vm.Got)
}

func TestDriverFinalize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, tc := range []struct {
		name     string
		tolerant bool
		reset    bool
		final    State
	}{
		{"wait reset", false, false, StateManifestWaitReset},
		{"tolerant", true, false, StateIdle},
		{"device resets", false, true, StateManifestSync},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sim := NewSimDevice(SimConfig{
				ID:                    usbid.ID{Vendor: 0x0483, Product: 0xDF11},
				ManifestationTolerant: tc.tolerant,
				ResetOnManifest:       tc.reset,
				Alts: []SimAlt{{Name: "Flash", Regions: []SimRegion{
					{Start: 0x08000000, PageSize: 2048, Pages: 2, Erasable: true, Readable: true, Writable: true},
				}}},
			})
			drv := newDriver(t, sim)
			require.NoError(t, drv.SetAddress(ctx, 0x08000000))
			require.NoError(t, drv.Finalize(ctx))
			assert.Equal(t, tc.final, sim.State())
		})
	}
}

// resetTransport fails every GETSTATUS once the zero-length download has
// gone out, the way a self-resetting bootloader looks to libusb.
type resetTransport struct {
	Transport
	manifesting bool
}

func (r *resetTransport) Control(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	if r.manifesting && request == RequestGetStatus {
		return 0, errors.New("libusb: i/o error [code -1]")
	}
	n, err := r.Transport.Control(requestType, request, value, index, data, timeout)
	if err == nil && request == RequestDnload && len(data) == 0 {
		r.manifesting = true
	}
	return n, err
}

func TestDriverFinalizeToleratesIOErrorOnReset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sim := NewSTM32Sim(2048, 4)
	tr, err := sim.Open(ctx, usbid.ID{Vendor: 0x0483, Product: 0xDF11}, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	drv := NewDriver(&resetTransport{Transport: tr}, 0, sim.Config().TransferSize, WithRetryInterval(time.Millisecond))

	require.NoError(t, drv.SetAddress(ctx, 0x08000000))
	require.NoError(t, drv.Finalize(ctx))
}

func TestDriverStatusFailureOutsideManifest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sim := NewSTM32Sim(2048, 4)
	tr, err := sim.Open(ctx, usbid.ID{Vendor: 0x0483, Product: 0xDF11}, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	rt := &resetTransport{Transport: tr, manifesting: true}
	drv := NewDriver(rt, 0, sim.Config().TransferSize, WithRetryInterval(time.Millisecond), WithStatusRetries(2))

	err = drv.ErasePage(ctx, 0x08000000)
	require.ErrorIs(t, err, ErrStatusRetries)
}

func TestDriverReadAddressRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sim := NewSTM32Sim(2048, 4)
	drv := newDriver(t, sim)

	data := pattern(256, 5)
	require.NoError(t, drv.ErasePage(ctx, 0x08000000))
	require.NoError(t, drv.WriteBlock(ctx, 0x08000000, data, 0))

	sim.FailNext(SimSetAddress, 0x08000000, StatusErrAddress, 2)
	err := drv.VerifyBlock(ctx, 0x08000000, data, 0)
	var rf *ReadFailed
	require.ErrorAs(t, err, &rf)
	assert.Equal(t, uint32(0x08000000), rf.Address)
	assert.Equal(t, StatusErrAddress, rf.Status)
	var wf *WriteFailed
	assert.False(t, errors.As(err, &wf))
	assert.ErrorIs(t, err, ErrProtocol)

	sim.FailNext(SimSetAddress, 0x08000000, StatusErrAddress, 2)
	err = drv.WriteBlock(ctx, 0x08000000, data, 0)
	require.ErrorAs(t, err, &wf)
	assert.Equal(t, StatusErrAddress, wf.Status)
}

func TestDriverEnsureIdle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, tc := range []struct {
		state  State
		status Status
	}{
		{StateError, StatusErrWrite},
		{StateDnloadIdle, StatusOK},
		{StateUploadIdle, StatusOK},
		{StateIdle, StatusErrUnknown},
	} {
		sim := NewSTM32Sim(2048, 1)
		sim.SetState(tc.state, tc.status)
		drv := newDriver(t, sim)
		require.NoError(t, drv.EnsureIdle(ctx), "from %s/%s", tc.state, tc.status)
		state, err := drv.GetState(ctx)
		require.NoError(t, err)
		assert.Equal(t, StateIdle, state)
	}

	sim := NewSTM32Sim(2048, 1)
	sim.SetState(StateAppIdle, StatusOK)
	err := newDriver(t, sim).EnsureIdle(ctx)
	var us *UnexpectedState
	require.ErrorAs(t, err, &us)
	assert.Equal(t, StateAppIdle, us.State)
}

func TestDriverDeviceGone(t *testing.T) {
	t.Parallel()
	sim := NewSTM32Sim(2048, 1)
	drv := newDriver(t, sim)
	sim.Disconnect()

	err := drv.ErasePage(context.Background(), 0x08000000)
	require.ErrorIs(t, err, ErrDeviceGone)
	var te *TransportError
	assert.True(t, errors.As(err, &te))
}

func TestDriverSelectAlt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sim := NewSTM32Sim(2048, 1)
	drv := newDriver(t, sim)

	require.NoError(t, drv.SelectAlt(1))
	data := pattern(16, 5)
	require.NoError(t, drv.WriteBlock(ctx, 0x1FFFC000, data, 0))
	mem, ok := sim.Memory(0x1FFFC000, 16)
	require.True(t, ok)
	assert.Equal(t, data, mem)

	assert.Error(t, drv.SelectAlt(7))
}

func TestSimAltSettingString(t *testing.T) {
	t.Parallel()
	sim := NewSTM32Sim(2048, 128)
	assert.Equal(t, "@Internal Flash /0x08000000/128*002Kg", sim.AltSettingString(0))
	assert.Equal(t, "@Option Bytes /0x1FFFC000/01*16Be", sim.AltSettingString(1))
}

func TestSimDescriptorInterprets(t *testing.T) {
	t.Parallel()
	sim := NewSTM32Sim(16*1024, 4)
	desc, err := sim.Descriptor()
	require.NoError(t, err)
	assert.Equal(t, uint16(2048), desc.Functional.TransferSize)

	layout, err := memmap.Interpret(desc)
	require.NoError(t, err)
	require.Len(t, layout.Maps, 2)

	flash, ok := layout.Map(0)
	require.True(t, ok)
	require.Len(t, flash.Segments, 1)
	seg := flash.Segments[0]
	assert.Equal(t, uint32(0x08000000), seg.Start)
	assert.Equal(t, uint32(0x0800FFFF), seg.End)
	assert.Equal(t, uint32(16*1024), seg.PageSize)
	assert.True(t, seg.Erasable && seg.Readable && seg.Writable)

	opt, ok := layout.Map(1)
	require.True(t, ok)
	assert.False(t, opt.Segments[0].Erasable)
}
