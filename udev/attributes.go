package udev

import (
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	libudev "github.com/jochenvg/go-udev"
)

// origin is where a Device reads what it does not capture up front.
type origin interface {
	attribute(name string) (string, bool)
	attributeNames() []string
	parent() *Device
}

// databaseOrigin backs devices looked up through libudev.
type databaseOrigin struct {
	ctx *Context
	dev *libudev.Device
}

func (o *databaseOrigin) attribute(name string) (string, bool) {
	if strings.IndexByte(name, 0) >= 0 {
		return "", false
	}
	value := o.dev.SysattrValue(name)
	if value == "" {
		// libudev returns NULL for unreadable and missing attributes alike
		if _, listed := o.dev.Sysattrs()[name]; !listed {
			return "", false
		}
	}
	return strings.TrimSpace(value), true
}

func (o *databaseOrigin) attributeNames() []string {
	return sortedKeys(o.dev.Sysattrs())
}

func (o *databaseOrigin) parent() *Device {
	if p := o.dev.Parent(); p != nil {
		return o.ctx.newDevice(p)
	}
	return nil
}

// sysfsOrigin backs devices built from uevent properties, which may no
// longer exist by the time they are inspected.
type sysfsOrigin struct {
	ctx *Context
	dir string
}

// linkAttributes are the symlinks whose target name is their value.
var linkAttributes = []string{"driver", "subsystem", "module"}

func (o *sysfsOrigin) attribute(name string) (string, bool) {
	if name == "" || strings.IndexByte(name, 0) >= 0 || !filepath.IsLocal(name) {
		return "", false
	}

	p := filepath.Join(o.dir, name)
	info, err := os.Lstat(p)
	if err != nil {
		return "", false
	}

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		if !slices.Contains(linkAttributes, filepath.Base(name)) {
			return "", false
		}
		target, err := os.Readlink(p)
		if err != nil {
			return "", false
		}
		return filepath.Base(target), true
	case !info.Mode().IsRegular():
		return "", false
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

func (o *sysfsOrigin) attributeNames() []string {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		return nil
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case name == "uevent":
		case entry.Type().IsRegular():
			names = append(names, name)
		case entry.Type()&fs.ModeSymlink != 0 && slices.Contains(linkAttributes, name):
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func (o *sysfsOrigin) parent() *Device {
	root := filepath.Join(SysPath, "devices")
	for dir := filepath.Dir(o.dir); strings.HasPrefix(dir, root+string(filepath.Separator)); dir = filepath.Dir(dir) {
		if dev, err := o.ctx.DeviceFromSyspath(dir); err == nil {
			return dev
		}
	}
	return nil
}
