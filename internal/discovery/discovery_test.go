package discovery_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ydb-platform/udevkit/internal/discovery"
	"github.com/ydb-platform/udevkit/internal/mux"
	"github.com/ydb-platform/udevkit/udev"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeMonitor struct {
	events chan *udev.Event
	errs   chan error
	closed atomic.Bool
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{
		events: make(chan *udev.Event),
		errs:   make(chan error),
	}
}

func (f *fakeMonitor) Receive(ctx context.Context) (*udev.Event, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	case err := <-f.errs:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeMonitor) Close() error {
	f.closed.Store(true)
	return nil
}

// fakeSystem hands out monitors and scan results the way the device
// database would.
type fakeSystem struct {
	mu       sync.Mutex
	devices  []*udev.Device
	monitors []*fakeMonitor
	failNext error
}

func (s *fakeSystem) scan() ([]*udev.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*udev.Device(nil), s.devices...), nil
}

func (s *fakeSystem) listen() (discovery.Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		return nil, err
	}
	m := newFakeMonitor()
	s.monitors = append(s.monitors, m)
	return m, nil
}

func (s *fakeSystem) setDevices(devs ...*udev.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = devs
}

func (s *fakeSystem) monitor() *fakeMonitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitors[len(s.monitors)-1]
}

func (s *fakeSystem) monitorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

var _ = Describe("Discovery", func() {
	var (
		u      *udev.Context
		sys    *fakeSystem
		reg    *prometheus.Registry
		d      discovery.Discovery
		wg     sync.WaitGroup
		seqnum int
	)

	device := func(action, devpath, subsystem string, extra ...string) *udev.Device {
		seqnum++
		props := map[string]string{
			"ACTION":    action,
			"DEVPATH":   devpath,
			"SUBSYSTEM": subsystem,
			"SEQNUM":    strconv.Itoa(seqnum),
		}
		for i := 0; i+1 < len(extra); i += 2 {
			props[extra[i]] = extra[i+1]
		}
		dev, err := u.DeviceFromProperties(props)
		Expect(err).NotTo(HaveOccurred())
		return dev
	}

	send := func(dev *udev.Device) {
		Eventually(sys.monitor().events).Should(BeSent(udev.NewEvent(dev)))
	}

	subscribe := func() chan discovery.Event {
		ch := make(chan discovery.Event, 16)
		DeferCleanup(d.Subscribe(mux.SinkFromChan(ch)))
		return ch
	}

	syspaths := func(devs []*udev.Device) []string {
		var res []string
		for _, dev := range devs {
			res = append(res, dev.Syspath())
		}
		return res
	}

	BeforeEach(func() {
		var err error
		if u, err = udev.NewContext(); err != nil {
			Skip("device database unavailable: " + err.Error())
		}
		sys = &fakeSystem{}
		reg = prometheus.NewRegistry()
		sys.setDevices(
			device("add", "/devices/virtual/tty/tty1", "tty"),
			device("add", "/devices/virtual/block/loop0", "block"),
		)

		d, err = discovery.New(u, &wg,
			discovery.WithScanner(sys.scan),
			discovery.WithMonitor(sys.listen),
			discovery.WithRegisterer(reg),
			discovery.WithRetryInterval(10*time.Millisecond),
		)
		Expect(err).NotTo(HaveOccurred())

		DeferCleanup(func() {
			d.Close()
			wg.Wait()
		})
	})

	It("starts every subscriber from the scanned inventory", func() {
		ch := subscribe()

		var init discovery.Event
		Eventually(ch).Should(Receive(&init))
		Expect(init).To(BeAssignableToTypeOf(discovery.Init{}))
		Expect(syspaths(init.(discovery.Init).Devices)).To(Equal([]string{
			"/sys/devices/virtual/block/loop0",
			"/sys/devices/virtual/tty/tty1",
		}))
	})

	It("answers state queries", func() {
		state := d.State(func(dev *udev.Device) bool { return dev.Subsystem() == "tty" })
		Expect(state).To(HaveLen(1))
		Expect(state).To(HaveKey(discovery.Id("/sys/devices/virtual/tty/tty1")))

		Expect(d.State(mux.Any[*udev.Device]())).To(HaveLen(2))

		dev, ok := d.DeviceById("/sys/devices/virtual/block/loop0")
		Expect(ok).To(BeTrue())
		Expect(dev.Subsystem()).To(Equal("block"))
		_, ok = d.DeviceById("/sys/devices/virtual/block/loop9")
		Expect(ok).To(BeFalse())
	})

	It("publishes added devices", func() {
		ch := subscribe()
		Eventually(ch).Should(Receive(BeAssignableToTypeOf(discovery.Init{})))

		send(device("add", "/devices/virtual/tty/tty2", "tty"))

		var ev discovery.Event
		Eventually(ch).Should(Receive(&ev))
		Expect(ev).To(BeAssignableToTypeOf(discovery.Added{}))
		Expect(ev.(discovery.Added).Syspath()).To(Equal("/sys/devices/virtual/tty/tty2"))

		_, ok := d.DeviceById("/sys/devices/virtual/tty/tty2")
		Expect(ok).To(BeTrue())
	})

	It("publishes changes of known devices", func() {
		ch := subscribe()
		Eventually(ch).Should(Receive(BeAssignableToTypeOf(discovery.Init{})))

		send(device("change", "/devices/virtual/block/loop0", "block", "ID_FS_TYPE", "ext4"))
		send(device("bind", "/devices/virtual/tty/tty1", "tty"))

		var ev discovery.Event
		Eventually(ch).Should(Receive(&ev))
		Expect(ev).To(BeAssignableToTypeOf(discovery.Changed{}))
		v, _ := ev.(discovery.Changed).Property("ID_FS_TYPE")
		Expect(v).To(Equal("ext4"))
		Eventually(ch).Should(Receive(BeAssignableToTypeOf(discovery.Changed{})))

		dev, _ := d.DeviceById("/sys/devices/virtual/block/loop0")
		v, _ = dev.Property("ID_FS_TYPE")
		Expect(v).To(Equal("ext4"))
	})

	It("publishes removed devices with their last snapshot", func() {
		ch := subscribe()
		Eventually(ch).Should(Receive(BeAssignableToTypeOf(discovery.Init{})))

		send(device("change", "/devices/virtual/tty/tty1", "tty", "ID_LAST", "yes"))
		Eventually(ch).Should(Receive(BeAssignableToTypeOf(discovery.Changed{})))
		send(device("remove", "/devices/virtual/tty/tty1", "tty"))

		var ev discovery.Event
		Eventually(ch).Should(Receive(&ev))
		Expect(ev).To(BeAssignableToTypeOf(discovery.Removed{}))
		v, _ := ev.(discovery.Removed).Property("ID_LAST")
		Expect(v).To(Equal("yes"))
		Expect(d.State(mux.Any[*udev.Device]())).To(HaveLen(1))
	})

	It("ignores removal of unknown devices", func() {
		ch := subscribe()
		Eventually(ch).Should(Receive(BeAssignableToTypeOf(discovery.Init{})))

		send(device("remove", "/devices/virtual/tty/tty7", "tty"))
		Consistently(ch, 50*time.Millisecond).ShouldNot(Receive())
	})

	It("follows moved devices", func() {
		ch := subscribe()
		Eventually(ch).Should(Receive(BeAssignableToTypeOf(discovery.Init{})))

		send(device("move", "/devices/virtual/block/loop1", "block", "DEVPATH_OLD", "/devices/virtual/block/loop0"))

		Eventually(ch).Should(Receive(BeAssignableToTypeOf(discovery.Removed{})))
		Eventually(ch).Should(Receive(BeAssignableToTypeOf(discovery.Added{})))
		Expect(d.State(mux.Any[*udev.Device]())).To(HaveKey(discovery.Id("/sys/devices/virtual/block/loop1")))
		Expect(d.State(mux.Any[*udev.Device]())).NotTo(HaveKey(discovery.Id("/sys/devices/virtual/block/loop0")))
	})

	It("counts events by action", func() {
		send(device("add", "/devices/virtual/tty/tty2", "tty"))
		send(device("add", "/devices/virtual/tty/tty3", "tty"))
		send(device("remove", "/devices/virtual/tty/tty2", "tty"))

		Eventually(func() error {
			return testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP udevkit_discovery_events_total Device events received, by action
# TYPE udevkit_discovery_events_total counter
udevkit_discovery_events_total{action="add"} 2
udevkit_discovery_events_total{action="remove"} 1
`), "udevkit_discovery_events_total")
		}).Should(Succeed())
		Eventually(func() error {
			return testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP udevkit_discovery_devices Devices currently in the inventory
# TYPE udevkit_discovery_devices gauge
udevkit_discovery_devices 3
`), "udevkit_discovery_devices")
		}).Should(Succeed())
	})

	It("reconnects and resynchronizes after a monitor failure", func() {
		ch := subscribe()
		Eventually(ch).Should(Receive(BeAssignableToTypeOf(discovery.Init{})))

		failed := sys.monitor()
		sys.mu.Lock()
		sys.failNext = errors.New("udevd is restarting")
		sys.mu.Unlock()
		sys.setDevices(
			device("add", "/devices/virtual/tty/tty1", "tty"),
			device("add", "/devices/virtual/net/dummy0", "net"),
		)
		Eventually(failed.errs).Should(BeSent(error(syscall.EBADF)))

		Eventually(sys.monitorCount).Should(Equal(2))
		Expect(failed.closed.Load()).To(BeTrue())

		Eventually(ch).Should(Receive(BeAssignableToTypeOf(discovery.Added{})))
		Eventually(ch).Should(Receive(BeAssignableToTypeOf(discovery.Removed{})))
		Expect(d.State(mux.Any[*udev.Device]())).To(And(
			HaveKey(discovery.Id("/sys/devices/virtual/net/dummy0")),
			Not(HaveKey(discovery.Id("/sys/devices/virtual/block/loop0"))),
		))

		Expect(testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP udevkit_discovery_reconnects_total Times the uevent monitor was reopened after a failure
# TYPE udevkit_discovery_reconnects_total counter
udevkit_discovery_reconnects_total 1
`), "udevkit_discovery_reconnects_total")).To(Succeed())

		send(device("add", "/devices/virtual/tty/tty5", "tty"))
		Eventually(ch).Should(Receive(BeAssignableToTypeOf(discovery.Added{})))
	})

	It("rescans after a receive buffer overrun", func() {
		ch := subscribe()
		Eventually(ch).Should(Receive(BeAssignableToTypeOf(discovery.Init{})))

		sys.setDevices(device("add", "/devices/virtual/tty/tty1", "tty"))
		overrun := &udev.SystemError{Op: "udev_monitor_receive_device", Errno: syscall.ENOBUFS}
		Eventually(sys.monitor().errs).Should(BeSent(error(overrun)))

		Eventually(ch).Should(Receive(BeAssignableToTypeOf(discovery.Removed{})))
		Expect(sys.monitorCount()).To(Equal(1))

		send(device("add", "/devices/virtual/tty/tty2", "tty"))
		Eventually(ch).Should(Receive(BeAssignableToTypeOf(discovery.Added{})))
	})

	It("publishes devices that changed while events were lost", func() {
		ch := subscribe()
		Eventually(ch).Should(Receive(BeAssignableToTypeOf(discovery.Init{})))

		sys.setDevices(
			device("add", "/devices/virtual/tty/tty1", "tty", "ID_MODEL", "renamed"),
			device("add", "/devices/virtual/block/loop0", "block"),
		)
		overrun := &udev.SystemError{Op: "udev_monitor_receive_device", Errno: syscall.ENOBUFS}
		Eventually(sys.monitor().errs).Should(BeSent(error(overrun)))

		var ev discovery.Event
		Eventually(ch).Should(Receive(&ev))
		Expect(ev).To(BeAssignableToTypeOf(discovery.Changed{}))
		Expect(ev.(discovery.Changed).Syspath()).To(Equal("/sys/devices/virtual/tty/tty1"))
		Consistently(ch, 50*time.Millisecond).ShouldNot(Receive())

		dev, ok := d.DeviceById(discovery.Id("/sys/devices/virtual/tty/tty1"))
		Expect(ok).To(BeTrue())
		model, _ := dev.Property("ID_MODEL")
		Expect(model).To(Equal("renamed"))
	})

	It("keeps filtered slices current", func() {
		slice := d.Slice(func(dev *udev.Device) bool { return dev.Subsystem() == "block" })
		DeferCleanup(slice.Close)

		ch := make(chan []*udev.Device, 16)
		DeferCleanup(slice.Subscribe(mux.SinkFromChan(ch)))

		var devs []*udev.Device
		Eventually(ch).Should(Receive(&devs))
		Expect(syspaths(devs)).To(Equal([]string{"/sys/devices/virtual/block/loop0"}))

		send(device("add", "/devices/virtual/tty/tty2", "tty"))
		send(device("add", "/devices/virtual/block/loop1", "block"))
		Eventually(ch).Should(Receive(&devs))
		Expect(syspaths(devs)).To(Equal([]string{"/sys/devices/virtual/block/loop0", "/sys/devices/virtual/block/loop1"}))

		send(device("remove", "/devices/virtual/block/loop0", "block"))
		Eventually(ch).Should(Receive(&devs))
		Expect(syspaths(devs)).To(Equal([]string{"/sys/devices/virtual/block/loop1"}))
		Consistently(ch, 50*time.Millisecond).ShouldNot(Receive())
	})

	It("refuses a second registration of its metrics", func() {
		var wg2 sync.WaitGroup
		_, err := discovery.New(u, &wg2,
			discovery.WithScanner(sys.scan),
			discovery.WithMonitor(sys.listen),
			discovery.WithRegisterer(reg),
		)
		Expect(err).To(HaveOccurred())
	})

	It("closes subscribers on Close", func() {
		ch := make(chan discovery.Event, 4)
		d.Subscribe(mux.SinkFromChan(ch))
		Eventually(ch).Should(Receive(BeAssignableToTypeOf(discovery.Init{})))

		d.Close()
		wg.Wait()

		Eventually(ch).Should(BeClosed())
		Expect(sys.monitor().closed.Load()).To(BeTrue())
		Expect(d.State(mux.Any[*udev.Device]())).To(BeEmpty())

		late := make(chan discovery.Event, 1)
		d.Subscribe(mux.SinkFromChan(late))
		Expect(late).To(BeClosed())
	})
})

var _ = Describe("New", func() {
	It("fails when it cannot listen", func() {
		u, err := udev.NewContext()
		if err != nil {
			Skip("device database unavailable: " + err.Error())
		}
		sys := &fakeSystem{failNext: syscall.EPERM}

		var wg sync.WaitGroup
		_, err = discovery.New(u, &wg,
			discovery.WithScanner(sys.scan),
			discovery.WithMonitor(sys.listen),
		)
		Expect(err).To(MatchError(syscall.EPERM))
	})

	It("closes the monitor when the scan fails", func() {
		u, err := udev.NewContext()
		if err != nil {
			Skip("device database unavailable: " + err.Error())
		}
		sys := &fakeSystem{}

		var wg sync.WaitGroup
		_, err = discovery.New(u, &wg,
			discovery.WithScanner(func() ([]*udev.Device, error) { return nil, syscall.EACCES }),
			discovery.WithMonitor(sys.listen),
		)
		Expect(err).To(MatchError(syscall.EACCES))
		Expect(sys.monitor().closed.Load()).To(BeTrue())
	})
})
