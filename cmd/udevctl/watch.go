package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/ydb-platform/udevkit/internal/discovery"
	"github.com/ydb-platform/udevkit/internal/mux"
	"github.com/ydb-platform/udevkit/udev"
)

// logSink reports inventory changes through klog.
type logSink struct{}

func (logSink) Submit(ev discovery.Event) error {
	switch e := ev.(type) {
	case discovery.Init:
		klog.Infof("Watching %d devices", len(e.Devices))
	case discovery.Added:
		klog.Infof("Device added: %s", e.Device)
	case discovery.Changed:
		klog.V(2).Infof("Device changed: %s", e.Device)
	case discovery.Removed:
		klog.Infof("Device removed: %s", e.Device)
	}
	return nil
}

func (logSink) Close() {}

// gaugeSink sets a gauge to the size of every slice it receives.
type gaugeSink struct {
	gauge prometheus.Gauge
}

func (g gaugeSink) Submit(devs []*udev.Device) error {
	g.gauge.Set(float64(len(devs)))
	return nil
}

func (g gaugeSink) Close() {}

func tagFilter(tags []string) mux.FilterFunc[*udev.Device] {
	if len(tags) == 0 {
		return mux.Any[*udev.Device]()
	}
	filters := make([]mux.FilterFunc[*udev.Device], 0, len(tags))
	for _, tag := range tags {
		filters = append(filters, func(dev *udev.Device) bool { return dev.HasTag(tag) })
	}
	return mux.Or(filters...)
}

func newHandler(reg *prometheus.Registry, healthy func() bool) http.Handler {
	handler := http.NewServeMux()
	handler.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	handler.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !healthy() {
			http.Error(w, "discovery stopped", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	return handler
}

func newWatchCommand() *cobra.Command {
	var (
		listen     string
		subsystems []string
		tags       []string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep a live device inventory and serve its metrics",
		Long: `Scan the devices once, follow their events, and serve /healthz and
/metrics until interrupted. The udevctl_watched_devices gauge counts the
devices that carry any of the --tag tags (all devices without --tag).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			u, err := newContext()
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			watched := prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "udevctl_watched_devices",
				Help: "Devices in the inventory matching the --tag filter",
			})
			reg.MustRegister(watched)

			var wg sync.WaitGroup
			defer wg.Wait()

			d, err := discovery.New(u, &wg,
				discovery.WithSubsystems(subsystems...),
				discovery.WithRegisterer(reg),
			)
			if err != nil {
				return err
			}
			defer d.Close()

			slice := d.Slice(tagFilter(tags))
			defer slice.Close()
			cancel := mux.ChainCancelFunc(
				d.Subscribe(logSink{}),
				slice.Subscribe(gaugeSink{watched}),
			)
			defer cancel()

			stopped := make(chan struct{})
			go func() {
				wg.Wait()
				close(stopped)
			}()
			healthy := func() bool {
				select {
				case <-stopped:
					return false
				default:
					return true
				}
			}

			server := &http.Server{
				Addr:              listen,
				Handler:           newHandler(reg, healthy),
				ReadHeaderTimeout: 5 * time.Second,
			}
			serveErr := make(chan error, 1)
			go func() {
				klog.Infof("Starting /healthz and /metrics server on %s", listen)
				serveErr <- server.ListenAndServe()
			}()

			select {
			case err := <-serveErr:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("failed to serve on %s: %w", listen, err)
				}
			case <-ctx.Done():
				klog.Info("Shutting down")
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", ":8080", "address to serve /healthz and /metrics on")
	cmd.Flags().StringSliceVarP(&subsystems, "subsystem", "s", nil, "only devices in subsystem (repeatable)")
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "count devices carrying tag in udevctl_watched_devices (repeatable)")
	return cmd
}
