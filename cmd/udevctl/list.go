package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ydb-platform/udevkit/udev"
)

// enumerateFlags are the enumerator filters shared by list and dump.
type enumerateFlags struct {
	subsystems        []string
	nomatchSubsystems []string
	sysnames          []string
	tags              []string
	properties        []string
	attributes        []string
	nomatchAttributes []string
	parent            string
	initialized       bool
}

func (f *enumerateFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringSliceVarP(&f.subsystems, "subsystem", "s", nil, "only devices in subsystem (repeatable)")
	flags.StringSliceVarP(&f.nomatchSubsystems, "nomatch-subsystem", "S", nil, "skip devices in subsystem (repeatable)")
	flags.StringSliceVarP(&f.sysnames, "sysname", "y", nil, "only devices with kernel name, shell glob allowed (repeatable)")
	flags.StringSliceVarP(&f.tags, "tag", "t", nil, "only devices carrying tag (repeatable)")
	flags.StringSliceVarP(&f.properties, "property", "p", nil, "only devices with property KEY=VALUE (repeatable)")
	flags.StringSliceVarP(&f.attributes, "attr", "a", nil, "only devices with attribute KEY=VALUE (repeatable)")
	flags.StringSliceVarP(&f.nomatchAttributes, "nomatch-attr", "A", nil, "skip devices with attribute KEY=VALUE (repeatable)")
	flags.StringVar(&f.parent, "parent", "", "only devices below the device at SYSPATH")
	flags.BoolVar(&f.initialized, "initialized", false, "only devices udevd has processed")
}

func (f *enumerateFlags) enumerator(u *udev.Context) (*udev.Enumerator, error) {
	e, err := udev.NewEnumerator(u)
	if err != nil {
		return nil, err
	}

	for _, subsystem := range f.subsystems {
		if err := e.MatchSubsystem(subsystem); err != nil {
			return nil, err
		}
	}
	for _, subsystem := range f.nomatchSubsystems {
		if err := e.NomatchSubsystem(subsystem); err != nil {
			return nil, err
		}
	}
	for _, sysname := range f.sysnames {
		if err := e.MatchSysname(sysname); err != nil {
			return nil, err
		}
	}
	for _, tag := range f.tags {
		if err := e.MatchTag(tag); err != nil {
			return nil, err
		}
	}
	for _, kv := range f.properties {
		key, value, err := parseKeyValue("property", kv)
		if err != nil {
			return nil, err
		}
		if err := e.MatchProperty(key, value); err != nil {
			return nil, err
		}
	}
	for _, kv := range f.attributes {
		key, value, err := parseKeyValue("attr", kv)
		if err != nil {
			return nil, err
		}
		if err := e.MatchAttribute(key, value); err != nil {
			return nil, err
		}
	}
	for _, kv := range f.nomatchAttributes {
		key, value, err := parseKeyValue("nomatch-attr", kv)
		if err != nil {
			return nil, err
		}
		if err := e.NomatchAttribute(key, value); err != nil {
			return nil, err
		}
	}
	if f.parent != "" {
		parent, err := u.DeviceFromSyspath(f.parent)
		if err != nil {
			return nil, fmt.Errorf("--parent %q: %w", f.parent, err)
		}
		if err := e.MatchParent(parent); err != nil {
			return nil, err
		}
	}
	if f.initialized {
		if err := e.MatchIsInitialized(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func newListCommand() *cobra.Command {
	var filters enumerateFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List devices, parents before children",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u, err := newContext()
			if err != nil {
				return err
			}
			e, err := filters.enumerator(u)
			if err != nil {
				return err
			}
			devices, err := e.ScanDevices()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "SYSPATH\tSUBSYSTEM\tDEVTYPE\tDEVNODE")
			for dev := range devices.All() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", dev.Syspath(), dev.Subsystem(), dev.Devtype(), dev.Devnode())
			}
			return w.Flush()
		},
	}
	filters.register(cmd)
	return cmd
}
