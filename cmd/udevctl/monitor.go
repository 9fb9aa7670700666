package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/ydb-platform/udevkit/epoll"
	"github.com/ydb-platform/udevkit/udev"
)

const monitorToken udev.Token = 1

type monitorFlags struct {
	config     ConfigFlag
	kernel     bool
	subsystems []string
	tags       []string
	properties bool
	bufferSize int
}

// merge adds the command line filters to those of the config.
func (f *monitorFlags) merge(config *MonitorConfig) error {
	if f.kernel {
		config.Source = "kernel"
	}
	if f.properties {
		config.Properties = true
	}
	if f.bufferSize > 0 {
		config.BufferSize = f.bufferSize
	}
	var errs error
	for _, value := range f.subsystems {
		sc, err := parseSubsystem(value)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		config.Subsystems = append(config.Subsystems, sc)
	}
	config.Tags = append(config.Tags, f.tags...)
	return errors.Join(errs, config.validate())
}

func listen(u *udev.Context, config *MonitorConfig) (*udev.MonitorSocket, error) {
	opts := []udev.MonitorOption{udev.WithSource(config.source())}
	if config.BufferSize > 0 {
		opts = append(opts, udev.WithReceiveBufferSize(config.BufferSize))
	}
	b, err := udev.NewMonitorBuilder(u, opts...)
	if err != nil {
		return nil, err
	}

	for _, sc := range config.Subsystems {
		if sc.Devtype != "" {
			err = b.MatchSubsystemDevtype(sc.Subsystem, sc.Devtype)
		} else {
			err = b.MatchSubsystem(sc.Subsystem)
		}
		if err != nil {
			b.Close()
			return nil, err
		}
	}
	for _, tag := range config.Tags {
		if err := b.MatchTag(tag); err != nil {
			b.Close()
			return nil, err
		}
	}

	s, err := b.Listen()
	if err != nil {
		b.Close()
		return nil, err
	}
	return s, nil
}

func printEvent(w io.Writer, source udev.Source, ev *udev.Event, properties bool) {
	fmt.Fprintf(w, "%-6s [%s] %-7s %s (%s)\n",
		strings.ToUpper(source.String()), time.Now().Format("15:04:05.000000"), ev.Type(), ev.Devpath(), ev.Subsystem())
	if !properties {
		return
	}
	props := ev.Properties()
	for _, key := range slices.Sorted(maps.Keys(props)) {
		fmt.Fprintf(w, "%s=%s\n", key, props[key])
	}
	fmt.Fprintln(w)
}

// drain prints every queued event. ENOBUFS is reported and the socket
// kept; any other failure ends the monitor.
func drain(w io.Writer, s *udev.MonitorSocket, properties bool) error {
	for {
		ev, err := s.Next()
		switch {
		case errors.Is(err, udev.ErrNoEvent):
			return nil
		case errors.Is(err, syscall.ENOBUFS):
			klog.Warning("Receive buffer overrun, events were lost; consider --buffer-size")
			continue
		case err != nil:
			return err
		}
		printEvent(w, s.Source(), ev, properties)
	}
}

func runMonitor(ctx context.Context, w io.Writer, s *udev.MonitorSocket, properties bool) error {
	poller, err := epoll.Open()
	if err != nil {
		return err
	}
	defer poller.Close()

	if err := s.Register(poller, monitorToken, udev.Readable); err != nil {
		return err
	}
	defer s.Deregister(poller)

	events := make([]epoll.Event, 1)
	for ctx.Err() == nil {
		n, err := poller.Wait(events, 500*time.Millisecond)
		if err != nil {
			return err
		}
		for _, ev := range events[:n] {
			if ev.Token != monitorToken {
				continue
			}
			if err := drain(w, s, properties); err != nil {
				return err
			}
		}
	}
	return nil
}

func newMonitorCommand() *cobra.Command {
	var flags monitorFlags
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Print device events as they happen",
		Long: `Print device events until interrupted. Filters come from the flags and
from an optional YAML config:

  source: udev          # or kernel
  bufferSize: 1048576
  properties: false
  subsystems:
    - subsystem: block
      devtype: disk
  tags: [systemd]`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := flags.config.load()
			if err != nil {
				return err
			}
			if err := flags.merge(config); err != nil {
				return err
			}

			u, err := newContext()
			if err != nil {
				return err
			}
			s, err := listen(u, config)
			if err != nil {
				return fmt.Errorf("failed to listen for %s events: %w", config.source(), err)
			}
			defer s.Close()

			klog.Infof("Monitoring %s events", config.source())
			return runMonitor(cmd.Context(), cmd.OutOrStdout(), s, config.Properties)
		},
	}
	cmd.Flags().Var(&flags.config, "config", `configuration source (in form "file:<path>", "env:<ENV_VARIABLE>" or "stdin")`)
	cmd.Flags().BoolVarP(&flags.kernel, "kernel", "k", false, "print kernel uevents instead of udev events")
	cmd.Flags().StringSliceVarP(&flags.subsystems, "subsystem", "s", nil, "only events of SUBSYSTEM[/DEVTYPE] (repeatable)")
	cmd.Flags().StringSliceVarP(&flags.tags, "tag", "t", nil, "only events of devices carrying tag (repeatable)")
	cmd.Flags().BoolVarP(&flags.properties, "properties", "p", false, "print every property of an event")
	cmd.Flags().IntVar(&flags.bufferSize, "buffer-size", 0, "socket receive buffer size in bytes")
	return cmd
}
