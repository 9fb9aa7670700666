package udev

import (
	"fmt"
	"iter"
	"maps"
	"path"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	libudev "github.com/jochenvg/go-udev"
	"golang.org/x/sys/unix"

	"github.com/ydb-platform/udevkit/internal/uevent"
)

// Well known uevent properties.
const (
	PropertyAction          = "ACTION"
	PropertyDevpath         = "DEVPATH"
	PropertySubsystem       = "SUBSYSTEM"
	PropertyDevtype         = "DEVTYPE"
	PropertyDevname         = "DEVNAME"
	PropertyDevlinks        = "DEVLINKS"
	PropertyDriver          = "DRIVER"
	PropertyMajor           = "MAJOR"
	PropertyMinor           = "MINOR"
	PropertySeqnum          = "SEQNUM"
	PropertyTags            = "TAGS"
	PropertyCurrentTags     = "CURRENT_TAGS"
	PropertyUsecInitialized = "USEC_INITIALIZED"
)

// Device is a snapshot of one device. Everything but attribute values is
// captured when the Device is built; a new lookup is needed to observe
// later changes.
type Device struct {
	ctx    *Context
	origin origin

	syspath   string
	devpath   string
	subsystem string
	devtype   string
	sysname   string
	sysnum    string
	devnode   string
	driver    string
	action    string
	devnum    Devnum
	hasDevnum bool

	initialized bool
	sinceInit   time.Duration
	seqnum      uint64

	properties  map[string]string
	tags        []string
	currentTags []string
	devlinks    []string
}

func (c *Context) newDevice(dev *libudev.Device) *Device {
	d := &Device{
		ctx:         c,
		origin:      &databaseOrigin{ctx: c, dev: dev},
		syspath:     dev.Syspath(),
		devpath:     dev.Devpath(),
		subsystem:   dev.Subsystem(),
		devtype:     dev.Devtype(),
		sysname:     dev.Sysname(),
		sysnum:      dev.Sysnum(),
		devnode:     dev.Devnode(),
		driver:      dev.Driver(),
		action:      dev.Action(),
		initialized: dev.IsInitialized(),
		sinceInit:   time.Duration(dev.UsecSinceInitialized()) * time.Microsecond,
		seqnum:      dev.Seqnum(),
		properties:  dev.Properties(),
		tags:        sortedKeys(dev.Tags()),
		devlinks:    sortedKeys(dev.Devlinks()),
	}
	if d.properties == nil {
		d.properties = make(map[string]string)
	}
	d.currentTags = uevent.SplitTags(d.properties[PropertyCurrentTags])
	if n := dev.Devnum(); n.Major() != 0 || n.Minor() != 0 {
		d.devnum = MakeDevnum(uint32(n.Major()), uint32(n.Minor()))
		d.hasDevnum = true
	}
	return d
}

// deviceFromUevent builds a device from uevent properties. processed
// marks properties that came from udevd, whose devices are initialized.
func (c *Context) deviceFromUevent(op string, props map[string]string, processed bool) (*Device, error) {
	for key, value := range props {
		if err := checkInput(op, key, value); err != nil {
			return nil, err
		}
	}

	invalid := &AllocationError{Op: op, Errno: syscall.EINVAL}
	devpath := props[PropertyDevpath]
	subsystem := props[PropertySubsystem]
	action := props[PropertyAction]
	if !strings.HasPrefix(devpath, "/") || subsystem == "" || action == "" {
		return nil, invalid
	}
	seqnum, err := strconv.ParseUint(props[PropertySeqnum], 10, 64)
	if err != nil || seqnum == 0 {
		return nil, invalid
	}

	syspath := path.Join(SysPath, devpath)
	sysname := strings.ReplaceAll(path.Base(devpath), "!", "/")
	d := &Device{
		ctx:         c,
		origin:      &sysfsOrigin{ctx: c, dir: syspath},
		syspath:     syspath,
		devpath:     devpath,
		subsystem:   subsystem,
		devtype:     props[PropertyDevtype],
		sysname:     sysname,
		sysnum:      trailingDigits(sysname),
		driver:      props[PropertyDriver],
		action:      action,
		seqnum:      seqnum,
		properties:  maps.Clone(props),
		tags:        uevent.SplitTags(props[PropertyTags]),
		currentTags: uevent.SplitTags(props[PropertyCurrentTags]),
		devlinks:    uevent.SplitDevlinks(props[PropertyDevlinks]),
	}

	if name := props[PropertyDevname]; name != "" {
		if path.IsAbs(name) {
			d.devnode = name
		} else {
			d.devnode = path.Join(DevPath, name)
		}
	}

	if major, minor := props[PropertyMajor], props[PropertyMinor]; major != "" && minor != "" {
		ma, errMa := strconv.ParseUint(major, 10, 32)
		mi, errMi := strconv.ParseUint(minor, 10, 32)
		if errMa == nil && errMi == nil {
			d.devnum = MakeDevnum(uint32(ma), uint32(mi))
			d.hasDevnum = true
		}
	}

	if usec, ok := props[PropertyUsecInitialized]; ok {
		d.initialized = true
		if at, err := strconv.ParseUint(usec, 10, 64); err == nil {
			d.sinceInit = sinceMonotonic(at)
		}
	}
	if processed {
		d.initialized = true
	}

	return d, nil
}

func sinceMonotonic(usec uint64) time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	now := uint64(ts.Nano() / 1000)
	if now < usec {
		return 0
	}
	return time.Duration(now-usec) * time.Microsecond
}

func trailingDigits(s string) string {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	return s[i:]
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

// Context returns the Context the device was looked up in.
func (d *Device) Context() *Context { return d.ctx }

// Syspath is the absolute sysfs path, the device's identity.
func (d *Device) Syspath() string { return d.syspath }

// Devpath is the syspath without the sysfs mount point.
func (d *Device) Devpath() string { return d.devpath }

func (d *Device) Subsystem() string { return d.subsystem }
func (d *Device) Devtype() string   { return d.devtype }

// Sysname is the kernel name of the device, e.g. "sda1".
func (d *Device) Sysname() string { return d.sysname }

// Sysnum is the trailing number of the sysname, e.g. "1" for "sda1".
func (d *Device) Sysnum() string { return d.sysnum }

// Devnode is the device node path, empty when there is none.
func (d *Device) Devnode() string { return d.devnode }

func (d *Device) Driver() string { return d.driver }

// Action is the ACTION of the uevent the device came from, if any.
func (d *Device) Action() string { return d.action }

// Devnum returns the device number, if the device has one.
func (d *Device) Devnum() (Devnum, bool) { return d.devnum, d.hasDevnum }

// IsInitialized reports whether udevd has processed the device.
func (d *Device) IsInitialized() bool { return d.initialized }

// SinceInitialized is the time since udevd initialized the device, as of
// when the snapshot was taken.
func (d *Device) SinceInitialized() time.Duration { return d.sinceInit }

// Seqnum is the kernel event sequence number, 0 for devices that did not
// come from an event.
func (d *Device) Seqnum() uint64 { return d.seqnum }

// Property returns a uevent property. A missing key is not an error.
func (d *Device) Property(key string) (string, bool) {
	v, ok := d.properties[key]
	return v, ok
}

// Properties returns a copy of all properties.
func (d *Device) Properties() map[string]string {
	return maps.Clone(d.properties)
}

func (d *Device) Tags() []string { return slices.Clone(d.tags) }

func (d *Device) HasTag(tag string) bool { return slices.Contains(d.tags, tag) }

// CurrentTags are the tags set by the most recent udevd run, as opposed
// to Tags which accumulates over the device's lifetime.
func (d *Device) CurrentTags() []string { return slices.Clone(d.currentTags) }

func (d *Device) Devlinks() []string { return slices.Clone(d.devlinks) }

// Attribute reads a sysfs attribute value, with surrounding whitespace
// trimmed. A missing attribute is not an error.
func (d *Device) Attribute(name string) (string, bool) {
	return d.origin.attribute(name)
}

// AttributeNames lists the readable attributes, sorted.
func (d *Device) AttributeNames() []string {
	return d.origin.attributeNames()
}

// Attributes reads every attribute listed by AttributeNames.
func (d *Device) Attributes() map[string]string {
	res := make(map[string]string)
	for _, name := range d.origin.attributeNames() {
		if value, ok := d.origin.attribute(name); ok {
			res[name] = value
		}
	}
	return res
}

// AttributeLookup reads an attribute from the device or, failing that,
// from the nearest ancestor that has it.
func (d *Device) AttributeLookup(name string) (string, bool) {
	if value, ok := d.Attribute(name); ok {
		return value, true
	}
	for ancestor := range d.Ancestors() {
		if value, ok := ancestor.Attribute(name); ok {
			return value, true
		}
	}
	return "", false
}

// Parent looks up the parent device. The relation is structural; the
// parent is a fresh snapshot every call.
func (d *Device) Parent() (*Device, bool) {
	p := d.origin.parent()
	return p, p != nil
}

// ParentWithSubsystemDevtype returns the nearest ancestor in subsystem
// and, if devtype is not empty, of that devtype.
func (d *Device) ParentWithSubsystemDevtype(subsystem, devtype string) (*Device, bool) {
	for ancestor := range d.Ancestors() {
		if ancestor.subsystem == subsystem && (devtype == "" || ancestor.devtype == devtype) {
			return ancestor, true
		}
	}
	return nil, false
}

// Ancestors yields the parent, the parent's parent and so on.
func (d *Device) Ancestors() iter.Seq[*Device] {
	return func(yield func(*Device) bool) {
		for p, ok := d.Parent(); ok; p, ok = p.Parent() {
			if !yield(p) {
				return
			}
		}
	}
}

// Children scans the subtree below the device, the device itself
// excluded.
func (d *Device) Children() (*Devices, error) {
	e, err := NewEnumerator(d.ctx)
	if err != nil {
		return nil, err
	}
	if err := e.MatchParent(d); err != nil {
		return nil, err
	}
	devices, err := e.ScanDevices()
	if err != nil {
		return nil, err
	}
	devices.exclude = d.syspath
	return devices, nil
}

func (d *Device) String() string {
	return fmt.Sprintf("Device[Syspath=%s, Subsystem=%s, DevType=%s, DevNode=%s]", d.syspath, d.subsystem, d.devtype, d.devnode)
}
