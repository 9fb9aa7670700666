package discovery

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/udevkit/internal/mux"
	"github.com/ydb-platform/udevkit/udev"
)

const (
	ActionOnline  = "online"
	ActionOffline = "offline"
	ActionMove    = "move"

	PropertyDevpathOld = "DEVPATH_OLD"
)

var ErrClosed = errors.New("discovery: closed")

type request interface {
	requestSealed()
}

type stateRequest struct {
	filter mux.FilterFunc[*udev.Device]
}

func (r stateRequest) requestSealed() {}

type deviceRequest struct {
	id Id
}

func (r deviceRequest) requestSealed() {}

type deviceReply struct {
	dev   *udev.Device
	found bool
}

type stopRequest struct{}

func (r stopRequest) requestSealed() {}

type newSub struct {
	sink mux.Sink[Event]
}

func (n newSub) requestSealed() {}

// call hands req to the goroutine owning the state.
func call(requests chan<- mux.AwaitReply[request, any], stopped <-chan struct{}, req request) (any, error) {
	await := mux.NewAwaitReply[request, any](req)
	select {
	case requests <- await:
		return await.Await(), nil
	case <-stopped:
		return nil, ErrClosed
	}
}

type udevDiscovery struct {
	opts     options
	metrics  *metrics
	state    map[Id]*udev.Device // should be accessed only by monitor goroutine
	requests chan mux.AwaitReply[request, any]
	stopped  chan struct{}
	mux      *mux.Mux[Event]
}

// New scans the devices once and keeps the inventory current from uevents
// until Close. wg is done once the monitor goroutine has exited.
func New(u *udev.Context, wg *sync.WaitGroup, opts ...Option) (Discovery, error) {
	o := options{retryInterval: time.Second}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(&o)
	}
	if o.scan == nil {
		o.scan = scanner(u, o.subsystems)
	}
	if o.listen == nil {
		o.listen = listener(u, o.subsystems)
	}

	m, err := newMetrics(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("registering discovery metrics: %w", err)
	}

	// listen before scanning so nothing happening during the scan is lost
	mon, err := o.listen()
	if err != nil {
		return nil, fmt.Errorf("listening for uevents: %w", err)
	}
	devs, err := o.scan()
	if err != nil {
		mon.Close()
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}

	d := &udevDiscovery{
		opts:     o,
		metrics:  m,
		state:    make(map[Id]*udev.Device, len(devs)),
		requests: make(chan mux.AwaitReply[request, any]),
		stopped:  make(chan struct{}),
		mux: mux.Make(
			mux.WithLogger[Event](klog.Background()),
			mux.OnDrop[Event](func(error) { m.dropped.Inc() }),
		),
	}
	for _, dev := range devs {
		d.state[IdOf(dev)] = dev
	}
	m.devices.Set(float64(len(d.state)))

	wg.Add(1)
	go d.monitor(wg, mon)

	return d, nil
}

func (d *udevDiscovery) Close() {
	call(d.requests, d.stopped, stopRequest{})
}

// State returns the current state of the devices as seen by the monitor
func (d *udevDiscovery) State(filter mux.FilterFunc[*udev.Device]) map[Id]*udev.Device {
	res, err := call(d.requests, d.stopped, stateRequest{filter: filter})
	if err != nil {
		return map[Id]*udev.Device{}
	}
	return res.(map[Id]*udev.Device)
}

func (d *udevDiscovery) DeviceById(id Id) (*udev.Device, bool) {
	res, err := call(d.requests, d.stopped, deviceRequest{id: id})
	if err != nil {
		return nil, false
	}
	reply := res.(deviceReply)
	return reply.dev, reply.found
}

// Subscribe submits Init to sink before it returns, so sink must not wait
// on the caller.
func (d *udevDiscovery) Subscribe(sink mux.Sink[Event]) mux.CancelFunc {
	// here we're doing initialization in monitor goroutine
	// to be able to pass consistent Init event to the sink
	// before making fan out of udev events
	res, err := call(d.requests, d.stopped, newSub{sink})
	if err != nil {
		sink.Close()
		return func() {}
	}
	return res.(mux.CancelFunc)
}

// stream follows one Monitor from its own goroutine.
type stream struct {
	mon      Monitor
	events   chan *udev.Event
	overruns chan struct{}
	errs     chan error
	cancel   context.CancelFunc
	done     chan struct{}
}

func follow(mon Monitor) *stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &stream{
		mon:      mon,
		events:   make(chan *udev.Event),
		overruns: make(chan struct{}, 1),
		errs:     make(chan error, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		for {
			ev, err := mon.Receive(ctx)
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, syscall.ENOBUFS):
				select {
				case s.overruns <- struct{}{}:
				default:
				}
				continue
			case err != nil:
				s.errs <- err
				return
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return s
}

func (s *stream) stop() {
	s.cancel()
	<-s.done
	if err := s.mon.Close(); err != nil {
		klog.Errorf("Failed to close udev monitor: %v", err)
	}
}

func (d *udevDiscovery) monitor(wg *sync.WaitGroup, mon Monitor) {
	defer wg.Done()
	defer d.mux.Close()
	defer close(d.stopped)

	s := follow(mon)
	defer func() {
		if s != nil {
			s.stop()
		}
	}()

	var retry <-chan time.Time
	for {
		var (
			events   <-chan *udev.Event
			overruns <-chan struct{}
			errs     <-chan error
		)
		if s != nil {
			events, overruns, errs = s.events, s.overruns, s.errs
		}

		select {
		case ev := <-events:
			d.apply(ev)
		case <-overruns:
			klog.Warning("Udev monitor receive buffer overrun, rescanning devices")
			d.resync()
		case err := <-errs:
			klog.Errorf("Error from udev monitor, will try to retry connecting to udev: %v", err)
			s.stop()
			s = nil
			retry = time.After(d.opts.retryInterval)
		case <-retry:
			mon, err := d.opts.listen()
			if err != nil {
				klog.Errorf("Failed to reconnect to udev, retrying: %v", err)
				retry = time.After(d.opts.retryInterval)
				continue
			}
			retry = nil
			s = follow(mon)
			d.metrics.reconnects.Inc()
			d.resync()
			klog.Infof("Successfully reconnected to udev")
		case req := <-d.requests:
			if !d.serve(req) {
				return
			}
		}
	}
}

func (d *udevDiscovery) serve(req mux.AwaitReply[request, any]) bool {
	switch r := req.Value().(type) {
	case stateRequest:
		state := make(map[Id]*udev.Device)
		for k, v := range d.state {
			if r.filter == nil || r.filter(v) {
				state[k] = v
			}
		}
		req.Reply(state)
	case deviceRequest:
		dev, found := d.state[r.id]
		req.Reply(deviceReply{dev, found})
	case newSub:
		if err := r.sink.Submit(Init{d.snapshot()}); err != nil {
			klog.Errorf("Failed to submit init event: %v", err)
		}
		req.Reply(d.mux.Subscribe(r.sink))
	case stopRequest:
		req.Reply(nil)
		return false
	}
	return true
}

// snapshot lists the inventory by syspath, so parents precede children.
func (d *udevDiscovery) snapshot() []*udev.Device {
	devs := slices.Collect(maps.Values(d.state))
	slices.SortFunc(devs, func(a, b *udev.Device) int {
		return strings.Compare(a.Syspath(), b.Syspath())
	})
	return devs
}

func (d *udevDiscovery) apply(ev *udev.Event) {
	id := IdOf(ev.Device)
	action := ev.Action()
	d.metrics.events.WithLabelValues(ev.Type().String()).Inc()
	klog.V(5).Infof("Received device event (%s): %s", action, id)

	switch {
	case ev.Type() == udev.EventRemove || action == ActionOffline:
		d.remove(id)
	case action == ActionMove:
		if old, ok := ev.Property(PropertyDevpathOld); ok {
			d.remove(Id(udev.SysPath + old))
		}
		d.put(ev.Device)
	case ev.Type() != udev.EventUnknown || action == ActionOnline:
		d.put(ev.Device)
	}
	d.metrics.devices.Set(float64(len(d.state)))
}

func (d *udevDiscovery) put(dev *udev.Device) {
	id := IdOf(dev)
	_, known := d.state[id]
	d.state[id] = dev
	if known {
		d.publish(Changed{dev})
	} else {
		d.publish(Added{dev})
	}
}

func (d *udevDiscovery) remove(id Id) {
	dev, known := d.state[id]
	if !known {
		return
	}
	delete(d.state, id)
	d.publish(Removed{dev})
}

// resync rescans after events may have been lost and publishes the
// difference.
func (d *udevDiscovery) resync() {
	devs, err := d.opts.scan()
	if err != nil {
		klog.Errorf("Failed to rescan devices: %v", err)
		return
	}

	seen := make(map[Id]bool, len(devs))
	for _, dev := range devs {
		id := IdOf(dev)
		seen[id] = true
		old, known := d.state[id]
		switch {
		case !known:
			d.state[id] = dev
			d.publish(Added{dev})
		case !sameState(old, dev):
			d.put(dev)
		}
	}
	for id := range d.state {
		if !seen[id] {
			d.remove(id)
		}
	}
	d.metrics.devices.Set(float64(len(d.state)))
}

// eventProperties describe the uevent a snapshot came from, not the device.
var eventProperties = []string{udev.PropertyAction, udev.PropertySeqnum, "DEVPATH_OLD"}

// sameState reports whether two snapshots of a device agree on everything
// but the event that produced them.
func sameState(a, b *udev.Device) bool {
	pa, pb := a.Properties(), b.Properties()
	for _, key := range eventProperties {
		delete(pa, key)
		delete(pb, key)
	}
	return maps.Equal(pa, pb)
}

func (d *udevDiscovery) publish(ev Event) {
	if err := d.mux.Submit(ev); err != nil {
		klog.Errorf("Failed to publish %T: %v", ev, err)
	}
}
