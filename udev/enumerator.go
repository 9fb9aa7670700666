package udev

import (
	"iter"
	"syscall"

	libudev "github.com/jochenvg/go-udev"
)

type filterKind int

const (
	matchIsInitialized filterKind = iota
	matchSubsystem
	matchAttribute
	matchSysname
	matchProperty
	matchTag
	matchParent
	matchSyspath
	nomatchSubsystem
	nomatchAttribute
)

var filterOps = [...]string{
	matchIsInitialized: "udev_enumerate_add_match_is_initialized",
	matchSubsystem:     "udev_enumerate_add_match_subsystem",
	matchAttribute:     "udev_enumerate_add_match_sysattr",
	matchSysname:       "udev_enumerate_add_match_sysname",
	matchProperty:      "udev_enumerate_add_match_property",
	matchTag:           "udev_enumerate_add_match_tag",
	matchParent:        "udev_enumerate_add_match_parent",
	matchSyspath:       "udev_enumerate_add_syspath",
	nomatchSubsystem:   "udev_enumerate_add_nomatch_subsystem",
	nomatchAttribute:   "udev_enumerate_add_nomatch_sysattr",
}

type filter struct {
	kind   filterKind
	key    string
	value  string
	parent *Device
}

// Enumerator scans sysfs for devices matching its filters. Filters of the
// same kind are ORed, different kinds are ANDed, nomatch filters exclude.
type Enumerator struct {
	ctx     *Context
	enum    *libudev.Enumerate
	filters []filter
}

// NewEnumerator creates an Enumerator without filters.
func NewEnumerator(u *Context) (*Enumerator, error) {
	enum, err := checkHandle("udev_enumerate_new", u.udev.NewEnumerate(), nil)
	if err != nil {
		return nil, err
	}
	return &Enumerator{ctx: u, enum: enum}, nil
}

func (e *Enumerator) add(f filter) error {
	if err := checkInput(filterOps[f.kind], f.key, f.value); err != nil {
		return err
	}
	if err := e.apply(e.enum, f); err != nil {
		return err
	}
	e.filters = append(e.filters, f)
	return nil
}

func (e *Enumerator) apply(enum *libudev.Enumerate, f filter) error {
	op := filterOps[f.kind]
	var err error
	switch f.kind {
	case matchIsInitialized:
		err = enum.AddMatchIsInitialized()
	case matchSubsystem:
		err = enum.AddMatchSubsystem(f.key)
	case matchAttribute:
		err = enum.AddMatchSysattr(f.key, f.value)
	case matchSysname:
		err = enum.AddMatchSysname(f.key)
	case matchProperty:
		err = enum.AddMatchProperty(f.key, f.value)
	case matchTag:
		err = enum.AddMatchTag(f.key)
	case matchParent:
		parent, lookupErr := e.handleOf(op, f.parent)
		if lookupErr != nil {
			return lookupErr
		}
		err = enum.AddMatchParent(parent)
	case matchSyspath:
		err = enum.AddSyspath(f.key)
	case nomatchSubsystem:
		err = enum.AddNomatchSubsystem(f.key)
	case nomatchAttribute:
		err = enum.AddNomatchSysattr(f.key, f.value)
	}
	return checkStatus(op, err)
}

// handleOf returns the libudev handle of a device, looking it up again
// for devices that did not come from the database.
func (e *Enumerator) handleOf(op string, d *Device) (*libudev.Device, error) {
	if db, ok := d.origin.(*databaseOrigin); ok {
		return db.dev, nil
	}
	return checkHandle(op, e.ctx.udev.NewDeviceFromSyspath(d.syspath), stat(d.syspath)())
}

// MatchIsInitialized keeps only devices udevd has processed.
func (e *Enumerator) MatchIsInitialized() error {
	return e.add(filter{kind: matchIsInitialized})
}

func (e *Enumerator) MatchSubsystem(subsystem string) error {
	return e.add(filter{kind: matchSubsystem, key: subsystem})
}

// MatchAttribute keeps devices whose attribute has the given value.
func (e *Enumerator) MatchAttribute(attribute, value string) error {
	return e.add(filter{kind: matchAttribute, key: attribute, value: value})
}

func (e *Enumerator) MatchSysname(sysname string) error {
	return e.add(filter{kind: matchSysname, key: sysname})
}

func (e *Enumerator) MatchProperty(property, value string) error {
	return e.add(filter{kind: matchProperty, key: property, value: value})
}

func (e *Enumerator) MatchTag(tag string) error {
	return e.add(filter{kind: matchTag, key: tag})
}

// MatchParent keeps the parent and every device in its subtree.
func (e *Enumerator) MatchParent(parent *Device) error {
	if parent == nil {
		return &SystemError{Op: filterOps[matchParent], Errno: syscall.EINVAL}
	}
	return e.add(filter{kind: matchParent, key: parent.syspath, parent: parent})
}

// AddSyspath includes the device at syspath.
func (e *Enumerator) AddSyspath(syspath string) error {
	return e.add(filter{kind: matchSyspath, key: syspath})
}

func (e *Enumerator) NomatchSubsystem(subsystem string) error {
	return e.add(filter{kind: nomatchSubsystem, key: subsystem})
}

func (e *Enumerator) NomatchAttribute(attribute, value string) error {
	return e.add(filter{kind: nomatchAttribute, key: attribute, value: value})
}

// Clone returns an Enumerator with the same filters on a new libudev
// handle, so it can be scanned independently.
func (e *Enumerator) Clone() (*Enumerator, error) {
	clone, err := NewEnumerator(e.ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range e.filters {
		if err := clone.add(f); err != nil {
			return nil, err
		}
	}
	return clone, nil
}

// ScanDevices scans sysfs. The result is in dependency order: parents
// come before their children.
func (e *Enumerator) ScanDevices() (*Devices, error) {
	syspaths, err := e.enum.DeviceSyspaths()
	if err := checkStatus("udev_enumerate_scan_devices", err); err != nil {
		return nil, err
	}
	return &Devices{enumerator: e, entries: syspaths}, nil
}

// ScanSubsystems lists the syspaths of the subsystems, buses and drivers
// that pass the subsystem filters. Other filters do not apply.
func (e *Enumerator) ScanSubsystems() ([]string, error) {
	syspaths, err := e.enum.SubsystemSyspaths()
	if err := checkStatus("udev_enumerate_scan_subsystems", err); err != nil {
		return nil, err
	}
	return syspaths, nil
}

// Devices is a single pass over a scan result. Each entry is looked up
// when it is reached; entries whose device is gone by then are skipped.
type Devices struct {
	enumerator *Enumerator
	entries    []string
	pos        int
	exclude    string
}

// Next returns the next device, or false once the scan is exhausted.
func (d *Devices) Next() (*Device, bool) {
	for d.pos < len(d.entries) {
		syspath := d.entries[d.pos]
		d.pos++
		if syspath == d.exclude {
			continue
		}
		if dev, err := d.enumerator.ctx.DeviceFromSyspath(syspath); err == nil {
			return dev, true
		}
	}
	return nil, false
}

// All yields the remaining devices.
func (d *Devices) All() iter.Seq[*Device] {
	return func(yield func(*Device) bool) {
		for {
			dev, ok := d.Next()
			if !ok || !yield(dev) {
				return
			}
		}
	}
}

// Collect drains the remaining devices into a slice.
func (d *Devices) Collect() []*Device {
	var res []*Device
	for dev := range d.All() {
		res = append(res, dev)
	}
	return res
}
