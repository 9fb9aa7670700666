package udev

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// DeviceType selects the kind of device node a Devnum refers to.
type DeviceType byte

const (
	DeviceTypeBlock DeviceType = 'b'
	DeviceTypeChar  DeviceType = 'c'
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeBlock:
		return "block"
	case DeviceTypeChar:
		return "char"
	}
	return fmt.Sprintf("DeviceType(%q)", byte(t))
}

// Devnum is a dev_t device number.
type Devnum uint64

// MakeDevnum combines a major and a minor number.
func MakeDevnum(major, minor uint32) Devnum {
	return Devnum(unix.Mkdev(major, minor))
}

func (n Devnum) Major() uint32 {
	return unix.Major(uint64(n))
}

func (n Devnum) Minor() uint32 {
	return unix.Minor(uint64(n))
}

func (n Devnum) String() string {
	return fmt.Sprintf("%d:%d", n.Major(), n.Minor())
}

// DeviceID is a parsed device id, one of:
//
//	b8:2           block device major:minor
//	c128:1         char device major:minor
//	n3             network device ifindex
//	+sound:card29  kernel driver core subsystem:sysname
type DeviceID struct {
	Kind      byte
	Devnum    Devnum
	Ifindex   int
	Subsystem string
	Sysname   string
}

func (id DeviceID) String() string {
	switch id.Kind {
	case 'b', 'c':
		return fmt.Sprintf("%c%s", id.Kind, id.Devnum)
	case 'n':
		return "n" + strconv.Itoa(id.Ifindex)
	case '+':
		return "+" + id.Subsystem + ":" + id.Sysname
	}
	return ""
}

// ParseDeviceID validates a device id. Malformed ids yield an
// AllocationError with EINVAL, the errno libudev reports for them.
func ParseDeviceID(s string) (DeviceID, error) {
	const op = "udev_device_new_from_device_id"
	if err := checkInput(op, s); err != nil {
		return DeviceID{}, err
	}
	invalid := &AllocationError{Op: op, Errno: syscall.EINVAL}
	if len(s) < 2 {
		return DeviceID{}, invalid
	}

	id := DeviceID{Kind: s[0]}
	rest := s[1:]
	switch id.Kind {
	case 'b', 'c':
		major, minor, ok := strings.Cut(rest, ":")
		if !ok {
			return DeviceID{}, invalid
		}
		ma, err := strconv.ParseUint(major, 10, 32)
		if err != nil {
			return DeviceID{}, invalid
		}
		mi, err := strconv.ParseUint(minor, 10, 32)
		if err != nil {
			return DeviceID{}, invalid
		}
		id.Devnum = MakeDevnum(uint32(ma), uint32(mi))
	case 'n':
		ifindex, err := strconv.Atoi(rest)
		if err != nil || ifindex <= 0 {
			return DeviceID{}, invalid
		}
		id.Ifindex = ifindex
	case '+':
		subsystem, sysname, ok := strings.Cut(rest, ":")
		if !ok || subsystem == "" || sysname == "" {
			return DeviceID{}, invalid
		}
		id.Subsystem = subsystem
		id.Sysname = sysname
	default:
		return DeviceID{}, invalid
	}
	return id, nil
}
