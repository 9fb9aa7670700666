package udev

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	libudev "github.com/jochenvg/go-udev"
)

const (
	// SysPath is the sysfs mount point every syspath lives under.
	SysPath = "/sys"
	// DevPath is the directory relative DEVNAME values are resolved against.
	DevPath = "/dev"
)

// Context is the connection to the device database. Devices,
// enumerators and monitors keep a pointer to the Context they were made
// from, which keeps the libudev handle alive for as long as any of them is
// reachable.
type Context struct {
	udev *libudev.Udev
}

// NewContext connects to the device database. It fails with an
// AllocationError when the sysfs device tree cannot be reached.
func NewContext() (*Context, error) {
	if _, err := os.Stat(filepath.Join(SysPath, "devices")); err != nil {
		return checkHandle[Context]("udev_new", nil, err)
	}
	return &Context{udev: &libudev.Udev{}}, nil
}

func (c *Context) resolve(op string, dev *libudev.Device, cause func() error) (*Device, error) {
	if dev == nil {
		_, err := checkHandle(op, dev, cause())
		return nil, err
	}
	return c.newDevice(dev), nil
}

func noDevice() error {
	return syscall.ENODEV
}

// stat reports why a lookup of path failed: the stat error if the path is
// missing, ENODEV if it exists but is not a device.
func stat(path string) func() error {
	return func() error {
		if _, err := os.Stat(path); err != nil {
			return err
		}
		return syscall.ENODEV
	}
}

// DeviceFromSyspath looks up the device at a syspath such as
// /sys/devices/virtual/tty/tty0.
func (c *Context) DeviceFromSyspath(syspath string) (*Device, error) {
	const op = "udev_device_new_from_syspath"
	if err := checkInput(op, syspath); err != nil {
		return nil, err
	}
	return c.resolve(op, c.udev.NewDeviceFromSyspath(syspath), stat(syspath))
}

// DeviceFromDevnum looks up a block or char device by number.
func (c *Context) DeviceFromDevnum(t DeviceType, n Devnum) (*Device, error) {
	const op = "udev_device_new_from_devnum"
	var class string
	switch t {
	case DeviceTypeBlock:
		class = "block"
	case DeviceTypeChar:
		class = "char"
	default:
		return nil, &AllocationError{Op: op, Errno: syscall.EINVAL}
	}
	dev := c.udev.NewDeviceFromDevnum(uint8(t), libudev.MkDev(int(n.Major()), int(n.Minor())))
	return c.resolve(op, dev, stat(filepath.Join(SysPath, "dev", class, n.String())))
}

// DeviceFromSubsystemSysname looks up a device by subsystem and kernel
// name, e.g. ("net", "eth0").
func (c *Context) DeviceFromSubsystemSysname(subsystem, sysname string) (*Device, error) {
	const op = "udev_device_new_from_subsystem_sysname"
	if err := checkInput(op, subsystem, sysname); err != nil {
		return nil, err
	}
	return c.resolve(op, c.udev.NewDeviceFromSubsystemSysname(subsystem, sysname), noDevice)
}

// DeviceFromDeviceID looks up a device by a device id, see DeviceID.
func (c *Context) DeviceFromDeviceID(id string) (*Device, error) {
	const op = "udev_device_new_from_device_id"
	if _, err := ParseDeviceID(id); err != nil {
		return nil, err
	}
	return c.resolve(op, c.udev.NewDeviceFromDeviceID(id), noDevice)
}

// DeviceFromEnvironment builds the device a uevent handler was started
// for. Every environment variable is read as a uevent property; DEVPATH,
// SUBSYSTEM, ACTION and SEQNUM must be set.
func (c *Context) DeviceFromEnvironment() (*Device, error) {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok {
			env[key] = value
		}
	}
	return c.deviceFromUevent("udev_device_new_from_environment", env, false)
}

// DeviceFromProperties builds a device from uevent properties under the
// same rules as DeviceFromEnvironment.
func (c *Context) DeviceFromProperties(props map[string]string) (*Device, error) {
	return c.deviceFromUevent("udev_device_new_from_nulstr", props, false)
}

func (c *Context) String() string {
	return fmt.Sprintf("udev.Context[%s]", SysPath)
}
