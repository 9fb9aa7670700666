package discovery

import (
	"context"

	"github.com/ydb-platform/udevkit/internal/mux"
	"github.com/ydb-platform/udevkit/udev"
)

// Id identifies a device by its syspath.
type Id string

func IdOf(dev *udev.Device) Id {
	return Id(dev.Syspath())
}

type Event interface {
	eventSealed()
}

// Init is the inventory a new subscriber starts from.
type Init struct {
	Devices []*udev.Device
}

func (Init) eventSealed() {}

type Added struct {
	*udev.Device
}

func (Added) eventSealed() {}

// Changed carries the new snapshot of a device already in the inventory.
type Changed struct {
	*udev.Device
}

func (Changed) eventSealed() {}

// Removed carries the last snapshot the inventory held.
type Removed struct {
	*udev.Device
}

func (Removed) eventSealed() {}

// Slice is the filtered part of the inventory, published whole on every
// change that touches it.
type Slice interface {
	mux.Source[[]*udev.Device]
	Close()
}

type Discovery interface {
	mux.Source[Event]
	DeviceById(Id) (*udev.Device, bool)
	State(mux.FilterFunc[*udev.Device]) map[Id]*udev.Device
	Slice(mux.FilterFunc[*udev.Device]) Slice
	Close()
}

// Monitor is the event stream discovery follows. *udev.MonitorSocket
// implements it.
type Monitor interface {
	Receive(ctx context.Context) (*udev.Event, error)
	Close() error
}
