package main

import (
	"github.com/Mellanox/rdmamap"

	"github.com/ydb-platform/udevkit/udev"
)

// Snapshot is the YAML form of a device printed by info and written by
// dump.
type Snapshot struct {
	Syspath     string            `yaml:"syspath"`
	Subsystem   string            `yaml:"subsystem,omitempty"`
	Devtype     string            `yaml:"devtype,omitempty"`
	Devnode     string            `yaml:"devnode,omitempty"`
	Devnum      string            `yaml:"devnum,omitempty"`
	Driver      string            `yaml:"driver,omitempty"`
	Initialized bool              `yaml:"initialized"`
	Parent      string            `yaml:"parent,omitempty"`
	Tags        []string          `yaml:"tags,omitempty"`
	CurrentTags []string          `yaml:"currentTags,omitempty"`
	Devlinks    []string          `yaml:"devlinks,omitempty"`
	Properties  map[string]string `yaml:"properties,omitempty"`
	Attributes  map[string]string `yaml:"attributes,omitempty"`
	RDMA        *RDMASnapshot     `yaml:"rdma,omitempty"`
}

// RDMASnapshot is the RDMA port behind a network interface.
type RDMASnapshot struct {
	Device      string   `yaml:"device"`
	CharDevices []string `yaml:"charDevices,omitempty"`
}

func rdmaOf(dev *udev.Device) *RDMASnapshot {
	if dev.Subsystem() != "net" {
		return nil
	}
	rdma, err := rdmamap.GetRdmaDeviceForNetdevice(dev.Sysname())
	if err != nil {
		return nil
	}
	return &RDMASnapshot{
		Device:      rdma,
		CharDevices: rdmamap.GetRdmaCharDevices(rdma),
	}
}

func snapshotOf(dev *udev.Device, attributes bool) Snapshot {
	s := Snapshot{
		Syspath:     dev.Syspath(),
		Subsystem:   dev.Subsystem(),
		Devtype:     dev.Devtype(),
		Devnode:     dev.Devnode(),
		Driver:      dev.Driver(),
		Initialized: dev.IsInitialized(),
		Tags:        dev.Tags(),
		CurrentTags: dev.CurrentTags(),
		Devlinks:    dev.Devlinks(),
		Properties:  dev.Properties(),
	}
	if n, ok := dev.Devnum(); ok {
		s.Devnum = n.String()
	}
	if parent, ok := dev.Parent(); ok {
		s.Parent = parent.Syspath()
	}
	if attributes {
		s.Attributes = dev.Attributes()
	}
	s.RDMA = rdmaOf(dev)
	return s
}
