package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/ydb-platform/udevkit/udev"
)

// lookup resolves a syspath, a device node or a device id.
func lookup(u *udev.Context, name string) (*udev.Device, error) {
	switch {
	case strings.HasPrefix(name, udev.SysPath+"/"):
		return u.DeviceFromSyspath(name)
	case strings.HasPrefix(name, udev.DevPath+"/"):
		var st unix.Stat_t
		if err := unix.Stat(name, &st); err != nil {
			return nil, fmt.Errorf("stat %s: %w", name, err)
		}
		n := udev.MakeDevnum(unix.Major(st.Rdev), unix.Minor(st.Rdev))
		switch st.Mode & unix.S_IFMT {
		case unix.S_IFBLK:
			return u.DeviceFromDevnum(udev.DeviceTypeBlock, n)
		case unix.S_IFCHR:
			return u.DeviceFromDevnum(udev.DeviceTypeChar, n)
		}
		return nil, fmt.Errorf("%s is not a device node", name)
	}
	return u.DeviceFromDeviceID(name)
}

func writeYAML(w io.Writer, v any) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(v); err != nil {
		return err
	}
	return encoder.Close()
}

func newInfoCommand() *cobra.Command {
	var (
		fromEnv    bool
		attributes bool
		ancestors  bool
	)
	cmd := &cobra.Command{
		Use:   "info [SYSPATH|DEVNODE|DEVICE-ID]",
		Short: "Print the properties and attributes of a device",
		Long: `Print a device as YAML. The device is named by its syspath
(/sys/devices/...), its device node (/dev/sda) or a device id: b8:2 and
c4:1 for block and char device numbers, n3 for a network interface index,
+sound:card0 for a subsystem and kernel name. With --env the device is
read from the environment of a uevent handler instead.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if fromEnv {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := newContext()
			if err != nil {
				return err
			}

			var dev *udev.Device
			if fromEnv {
				dev, err = u.DeviceFromEnvironment()
			} else {
				dev, err = lookup(u, args[0])
			}
			if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENODEV) {
				return fmt.Errorf("no such device: %w", err)
			}
			if err != nil {
				return err
			}

			snapshots := []Snapshot{snapshotOf(dev, attributes)}
			if ancestors {
				for ancestor := range dev.Ancestors() {
					snapshots = append(snapshots, snapshotOf(ancestor, attributes))
				}
			}
			for _, s := range snapshots {
				if err := writeYAML(cmd.OutOrStdout(), s); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromEnv, "env", false, "read the device from the uevent environment")
	cmd.Flags().BoolVarP(&attributes, "attributes", "a", false, "include sysfs attributes")
	cmd.Flags().BoolVar(&ancestors, "ancestors", false, "also print every parent device")
	return cmd
}
