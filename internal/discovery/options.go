package discovery

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ydb-platform/udevkit/udev"
)

type Option interface {
	apply(*options)
}

type options struct {
	subsystems    []string
	registerer    prometheus.Registerer
	retryInterval time.Duration
	scan          func() ([]*udev.Device, error)
	listen        func() (Monitor, error)
}

type withSubsystems []string

func (s withSubsystems) apply(o *options) {
	o.subsystems = append(o.subsystems, s...)
}

// WithSubsystems limits the inventory to devices of the given subsystems,
// both for the initial scan and for the events followed afterwards.
func WithSubsystems(subsystems ...string) Option {
	return withSubsystems(subsystems)
}

type withRegisterer struct {
	registerer prometheus.Registerer
}

func (r withRegisterer) apply(o *options) {
	o.registerer = r.registerer
}

// WithRegisterer exports the discovery counters on registerer.
func WithRegisterer(registerer prometheus.Registerer) Option {
	return withRegisterer{registerer}
}

type withRetryInterval time.Duration

func (r withRetryInterval) apply(o *options) {
	o.retryInterval = time.Duration(r)
}

// WithRetryInterval sets the pause between reconnect attempts, one second
// by default.
func WithRetryInterval(interval time.Duration) Option {
	return withRetryInterval(interval)
}

type withScanner func() ([]*udev.Device, error)

func (s withScanner) apply(o *options) {
	o.scan = s
}

// WithScanner replaces the enumerator scan that fills the inventory.
func WithScanner(scan func() ([]*udev.Device, error)) Option {
	return withScanner(scan)
}

type withMonitor func() (Monitor, error)

func (m withMonitor) apply(o *options) {
	o.listen = m
}

// WithMonitor replaces the uevent socket discovery follows. listen is
// called again on every reconnect.
func WithMonitor(listen func() (Monitor, error)) Option {
	return withMonitor(listen)
}

func scanner(u *udev.Context, subsystems []string) func() ([]*udev.Device, error) {
	return func() ([]*udev.Device, error) {
		enum, err := udev.NewEnumerator(u)
		if err != nil {
			return nil, err
		}
		for _, subsystem := range subsystems {
			if err := enum.MatchSubsystem(subsystem); err != nil {
				return nil, err
			}
		}
		devices, err := enum.ScanDevices()
		if err != nil {
			return nil, err
		}
		return devices.Collect(), nil
	}
}

func listener(u *udev.Context, subsystems []string) func() (Monitor, error) {
	return func() (Monitor, error) {
		b, err := udev.NewMonitorBuilder(u)
		if err != nil {
			return nil, err
		}
		for _, subsystem := range subsystems {
			if err := b.MatchSubsystem(subsystem); err != nil {
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
}
