package dfu

import (
	"context"
	"time"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/usbid"
)

// Transport issues control transfers to one claimed DFU interface. It is
// owned by a single driver for the duration of a run and is not safe for
// concurrent use.
type Transport interface {
	// Control performs one control transfer. For IN requests data is filled
	// and the number of bytes received is returned.
	Control(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error)
	// SetAltSetting selects the alternate setting of the claimed interface.
	SetAltSetting(alt uint8) error
	Close() error
}

// Opener acquires a Transport for a device.
type Opener interface {
	Open(ctx context.Context, id usbid.ID, iface uint8) (Transport, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, id usbid.ID, iface uint8) (Transport, error)

func (f OpenerFunc) Open(ctx context.Context, id usbid.ID, iface uint8) (Transport, error) {
	return f(ctx, id, iface)
}
