package main

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/ydb-platform/udevkit/udev"
)

// udevDataDir is where udevd records the devices it initialized.
const udevDataDir = "/run/udev/data"

// waiter re-checks its pending names whenever a watched directory changes.
type waiter struct {
	ready   func(name string) bool
	dirs    []string
	recheck time.Duration
}

func (w *waiter) wait(ctx context.Context, names []string) error {
	pending := slices.Clone(names)
	check := func() bool {
		pending = slices.DeleteFunc(pending, w.ready)
		return len(pending) == 0
	}
	if check() {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range w.dirs {
		if err := watcher.Add(dir); err != nil {
			klog.V(2).Infof("Not watching %s: %v", dir, err)
		}
	}

	ticker := time.NewTicker(w.recheck)
	defer ticker.Stop()
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify watcher closed")
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 && check() {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if ok {
				klog.Warningf("fsnotify: %v", err)
			}
		case <-ticker.C:
			if check() {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", strings.Join(pending, ", "), ctx.Err())
		}
	}
}

// watchDirs are the directories whose changes may settle one of names.
func watchDirs(names []string) []string {
	dirs := []string{udevDataDir}
	for _, name := range names {
		if strings.HasPrefix(name, udev.SysPath+"/") || strings.HasPrefix(name, udev.DevPath+"/") {
			dirs = append(dirs, filepath.Dir(name))
		}
	}
	slices.Sort(dirs)
	return slices.Compact(dirs)
}

func newWaitCommand() *cobra.Command {
	var (
		timeout     time.Duration
		removed     bool
		initialized bool
	)
	cmd := &cobra.Command{
		Use:   "wait DEVICE...",
		Short: "Wait until devices appear, or are removed",
		Long: `Wait until every DEVICE (a syspath, a device node or a device id) exists
and, unless --initialized=false, has been processed by udevd. With
--removed wait until they are gone instead.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := newContext()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			w := &waiter{
				ready: func(name string) bool {
					dev, err := lookup(u, name)
					if removed {
						return err != nil
					}
					return err == nil && (!initialized || dev.IsInitialized())
				},
				dirs:    watchDirs(args),
				recheck: time.Second,
			}
			return w.wait(ctx, args)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits forever)")
	cmd.Flags().BoolVar(&removed, "removed", false, "wait for the devices to be removed")
	cmd.Flags().BoolVar(&initialized, "initialized", true, "also wait for udevd to process the devices")
	return cmd
}
