package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kennygrant/sanitize"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/ydb-platform/udevkit/udev"
)

// snapshotFile names the dump file of a device after its syspath.
func snapshotFile(dir, syspath string) string {
	name := strings.TrimPrefix(syspath, udev.SysPath+"/")
	// BaseName drops slashes; keep the path components apart
	name = strings.ReplaceAll(name, "/", "_")
	return filepath.Join(dir, sanitize.BaseName(name)+".yaml")
}

func writeSnapshot(dir string, dev *udev.Device) (string, error) {
	path := snapshotFile(dir, dev.Syspath())
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := writeYAML(file, snapshotOf(dev, true)); err != nil {
		file.Close()
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, file.Close()
}

func newDumpCommand() *cobra.Command {
	var (
		filters enumerateFlags
		dir     string
	)
	cmd := &cobra.Command{
		Use:   "dump --dir DIR",
		Short: "Write a YAML snapshot of every device, attributes included",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}

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

			n := 0
			for dev := range devices.All() {
				path, err := writeSnapshot(dir, dev)
				if err != nil {
					return err
				}
				klog.V(2).Infof("Wrote %s", path)
				n++
			}
			klog.Infof("Dumped %d devices to %s", n, dir)
			return nil
		},
	}
	filters.register(cmd)
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "directory to write the snapshots to")
	cmd.MarkFlagRequired("dir")
	return cmd
}
