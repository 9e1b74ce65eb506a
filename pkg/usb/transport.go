package usb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/dfu"
	"github.com/OpenTraceLab/OpenTraceDFU/pkg/usbid"
)

const (
	// DefaultTimeout bounds control transfers issued outside the driver.
	DefaultTimeout = 5 * time.Second

	requestGetDescriptor = 0x06
	descriptorConfig     = 0x02
	requestTypeDeviceIn  = 0x80
	configHeaderSize     = 9
)

var (
	// ErrNotFound is returned when no attached device matches.
	ErrNotFound = errors.New("usb: no matching DFU device")

	// ErrAmbiguous is returned when more than one attached device matches.
	ErrAmbiguous = errors.New("usb: more than one matching DFU device")

	errClosed = errors.New("usb: transport closed")
)

// Opener opens DFU interfaces through libusb. Bus and Address, when
// non-zero, narrow the match to one device when several share an ID.
type Opener struct {
	Bus     int
	Address int
}

// Open claims interface iface of the device matching id and returns it as
// a dfu.Transport in alternate setting 0.
func (o Opener) Open(ctx context.Context, id usbid.ID, iface uint8) (dfu.Transport, error) {
	uctx, dev, err := o.openDevice(ctx, id, iface)
	if err != nil {
		return nil, err
	}

	// Not supported everywhere; claiming reports the real failure.
	_ = dev.SetAutoDetach(true)

	num, ok := configFor(dev.Desc, iface)
	if !ok {
		dev.Close()
		uctx.Close()
		return nil, fmt.Errorf("usb: %s has no interface %d", id, iface)
	}
	cfg, err := dev.Config(num)
	if err != nil {
		dev.Close()
		uctx.Close()
		return nil, fmt.Errorf("usb: select configuration %d: %w", num, mapError(err))
	}

	t := &Transport{ctx: uctx, dev: dev, cfg: cfg, iface: int(iface)}
	if err := t.SetAltSetting(0); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (o Opener) openDevice(ctx context.Context, id usbid.ID, iface uint8) (*gousb.Context, *gousb.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	uctx := gousb.NewContext()
	devs, err := uctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if ctx.Err() != nil {
			return false
		}
		if o.Bus != 0 && desc.Bus != o.Bus {
			return false
		}
		if o.Address != 0 && desc.Address != o.Address {
			return false
		}
		return matches(desc, id, iface)
	})
	if err != nil && len(devs) == 0 {
		uctx.Close()
		return nil, nil, fmt.Errorf("usb: open %s: %w", id, mapError(err))
	}
	if err := ctx.Err(); err != nil {
		closeAll(devs)
		uctx.Close()
		return nil, nil, err
	}

	switch len(devs) {
	case 0:
		uctx.Close()
		return nil, nil, fmt.Errorf("%w (%s interface %d)", ErrNotFound, id, iface)
	case 1:
		return uctx, devs[0], nil
	default:
		closeAll(devs)
		uctx.Close()
		return nil, nil, fmt.Errorf("%w (%s): pass a bus and address", ErrAmbiguous, id)
	}
}

func closeAll(devs []*gousb.Device) {
	for _, d := range devs {
		d.Close()
	}
}

// matches reports whether desc has id (wildcards allowed) and a DFU
// interface numbered iface.
func matches(desc *gousb.DeviceDesc, id usbid.ID, iface uint8) bool {
	devID := usbid.ID{Vendor: uint16(desc.Vendor), Product: uint16(desc.Product)}
	if !id.Matches(devID) {
		return false
	}
	_, ok := configFor(desc, iface)
	return ok
}

func configFor(desc *gousb.DeviceDesc, iface uint8) (int, bool) {
	for num, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			if intf.Number != int(iface) {
				continue
			}
			for _, alt := range intf.AltSettings {
				if isDFU(alt.Class, alt.SubClass) {
					return num, true
				}
			}
		}
	}
	return 0, false
}

func isDFU(class, subClass gousb.Class) bool {
	return class == ClassApplicationSpecific && subClass == SubClassDFU
}

// Transport is a claimed DFU interface. It implements dfu.Transport.
type Transport struct {
	mu    sync.Mutex
	ctx   *gousb.Context
	dev   *gousb.Device
	cfg   *gousb.Config
	intf  *gousb.Interface
	iface int
}

// Control issues one control transfer on the default endpoint.
func (t *Transport) Control(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dev == nil {
		return 0, errClosed
	}
	t.dev.ControlTimeout = timeout
	n, err := t.dev.Control(requestType, request, value, index, data)
	return n, mapError(err)
}

// SetAltSetting re-claims the interface in the given alternate setting.
func (t *Transport) SetAltSetting(alt uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cfg == nil {
		return errClosed
	}
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	intf, err := t.cfg.Interface(t.iface, int(alt))
	if err != nil {
		return fmt.Errorf("usb: claim interface %d alt %d: %w", t.iface, alt, mapError(err))
	}
	t.intf = intf
	return nil
}

// Close releases the interface, the device and the libusb context.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	if t.cfg != nil {
		errs = append(errs, ignoreGone(t.cfg.Close()))
		t.cfg = nil
	}
	if t.dev != nil {
		errs = append(errs, ignoreGone(t.dev.Close()))
		t.dev = nil
	}
	if t.ctx != nil {
		errs = append(errs, t.ctx.Close())
		t.ctx = nil
	}
	return errors.Join(errs...)
}

// mapError translates libusb failures the driver reacts to.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gousb.ErrorNoDevice):
		return fmt.Errorf("%w: %v", dfu.ErrDeviceGone, err)
	default:
		return err
	}
}

// A device that reset after manifestation is already gone when closed.
func ignoreGone(err error) error {
	if errors.Is(err, gousb.ErrorNoDevice) {
		return nil
	}
	return err
}
