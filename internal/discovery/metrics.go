package discovery

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	events     *prometheus.CounterVec
	dropped    prometheus.Counter
	reconnects prometheus.Counter
	devices    prometheus.Gauge
}

func newMetrics(registerer prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "udevkit_discovery_events_total",
				Help: "Device events received, by action",
			},
			[]string{"action"},
		),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udevkit_discovery_dropped_total",
			Help: "Discovery events that did not reach a subscriber",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udevkit_discovery_reconnects_total",
			Help: "Times the uevent monitor was reopened after a failure",
		}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "udevkit_discovery_devices",
			Help: "Devices currently in the inventory",
		}),
	}

	if registerer != nil {
		var errs []error
		for _, c := range []prometheus.Collector{m.events, m.dropped, m.reconnects, m.devices} {
			errs = append(errs, registerer.Register(c))
		}
		if err := errors.Join(errs...); err != nil {
			return nil, err
		}
	}
	return m, nil
}
