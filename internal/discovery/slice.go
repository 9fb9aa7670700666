package discovery

import (
	"maps"
	"slices"
	"strings"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/udevkit/internal/mux"
	"github.com/ydb-platform/udevkit/udev"
)

type sliceSub struct {
	sink mux.Sink[[]*udev.Device]
}

func (s sliceSub) requestSealed() {}

type udevSlice struct {
	state    map[Id]*udev.Device // should be accessed only by the slice goroutine
	filter   mux.FilterFunc[*udev.Device]
	requests chan mux.AwaitReply[request, any]
	stopped  chan struct{}
	mux      *mux.Mux[[]*udev.Device]
	stop     mux.CancelFunc
}

func (s *udevSlice) Close() {
	s.stop()
	<-s.stopped
}

// Subscribe submits the current slice to sink before it returns.
func (s *udevSlice) Subscribe(sink mux.Sink[[]*udev.Device]) mux.CancelFunc {
	res, err := call(s.requests, s.stopped, sliceSub{sink})
	if err != nil {
		sink.Close()
		return func() {}
	}
	return res.(mux.CancelFunc)
}

func (d *udevDiscovery) Slice(filter mux.FilterFunc[*udev.Device]) Slice {
	slice := &udevSlice{
		state:    make(map[Id]*udev.Device),
		filter:   filter,
		requests: make(chan mux.AwaitReply[request, any]),
		stopped:  make(chan struct{}),
		mux:      mux.Make[[]*udev.Device](),
	}

	evCh := make(chan Event)
	go slice.run(evCh)
	slice.stop = d.Subscribe(mux.SinkFromChan(evCh))

	return slice
}

func (s *udevSlice) run(evCh <-chan Event) {
	defer s.mux.Close()
	defer close(s.stopped)

	for {
		select {
		case ev, ok := <-evCh:
			if !ok {
				return
			}
			if s.update(ev) {
				s.publish()
			}
		case req := <-s.requests:
			if sub, ok := req.Value().(sliceSub); ok {
				if err := sub.sink.Submit(s.devices()); err != nil {
					klog.Errorf("Failed to submit device slice: %v", err)
				}
				req.Reply(s.mux.Subscribe(sub.sink))
			}
		}
	}
}

// update applies ev and reports whether the slice changed.
func (s *udevSlice) update(ev Event) bool {
	switch e := ev.(type) {
	case Init:
		clear(s.state)
		for _, dev := range e.Devices {
			if s.filter(dev) {
				s.state[IdOf(dev)] = dev
			}
		}
		return true
	case Added:
		return s.put(e.Device)
	case Changed:
		return s.put(e.Device)
	case Removed:
		return s.remove(IdOf(e.Device))
	}
	return false
}

func (s *udevSlice) put(dev *udev.Device) bool {
	if !s.filter(dev) {
		// a change may move a device out of the slice
		return s.remove(IdOf(dev))
	}
	s.state[IdOf(dev)] = dev
	return true
}

func (s *udevSlice) remove(id Id) bool {
	if _, found := s.state[id]; !found {
		return false
	}
	delete(s.state, id)
	return true
}

func (s *udevSlice) devices() []*udev.Device {
	devs := slices.Collect(maps.Values(s.state))
	slices.SortFunc(devs, func(a, b *udev.Device) int {
		return strings.Compare(a.Syspath(), b.Syspath())
	})
	return devs
}

func (s *udevSlice) publish() {
	if err := s.mux.Submit(s.devices()); err != nil {
		klog.Errorf("Failed to publish device slice: %v", err)
	}
}
