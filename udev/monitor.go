package udev

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"slices"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ydb-platform/udevkit/internal/uevent"
)

// Source selects which events a monitor receives.
type Source int

const (
	// SourceUdev receives events after udevd processed them.
	SourceUdev Source = iota
	// SourceKernel receives raw kernel events, before udevd ran rules.
	SourceKernel
)

func (s Source) String() string {
	if s == SourceKernel {
		return "kernel"
	}
	return "udev"
}

func (s Source) group() uint32 {
	if s == SourceKernel {
		return uevent.GroupKernel
	}
	return uevent.GroupUdev
}

type MonitorOption interface {
	apply(*MonitorBuilder)
}

type withSource Source

func (o withSource) apply(b *MonitorBuilder) {
	b.source = Source(o)
}

// WithSource selects the event source, SourceUdev by default.
func WithSource(source Source) MonitorOption {
	return withSource(source)
}

type withReceiveBufferSize int

func (o withReceiveBufferSize) apply(b *MonitorBuilder) {
	b.bufferSize = int(o)
}

// WithReceiveBufferSize sets the socket receive buffer, in bytes. A larger
// buffer survives bigger bursts of events before the kernel drops them.
func WithReceiveBufferSize(bytes int) MonitorOption {
	return withReceiveBufferSize(bytes)
}

// MonitorBuilder collects the kernel side filters of a monitor. Listen
// turns it into a MonitorSocket; the builder is spent afterwards.
type MonitorBuilder struct {
	ctx        *Context
	conn       *uevent.Conn
	source     Source
	bufferSize int
	filter     uevent.Filter
	listening  bool
}

// NewMonitorBuilder opens the event socket. Nothing is received until
// Listen.
func NewMonitorBuilder(u *Context, opts ...MonitorOption) (*MonitorBuilder, error) {
	b := &MonitorBuilder{ctx: u}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(b)
	}

	conn, err := uevent.Open()
	if _, err := checkHandle("udev_monitor_new_from_netlink", conn, err); err != nil {
		return nil, err
	}
	if b.bufferSize > 0 {
		if err := checkStatus("udev_monitor_set_receive_buffer_size", conn.SetReadBuffer(b.bufferSize)); err != nil {
			conn.Close()
			return nil, err
		}
	}
	b.conn = conn
	return b, nil
}

func (b *MonitorBuilder) add(op string, values []string, update func(*uevent.Filter)) error {
	if b.listening {
		return ErrBuilderConsumed
	}
	if err := checkInput(op, values...); err != nil {
		return err
	}
	for _, v := range values {
		if v == "" {
			return &SystemError{Op: op, Errno: syscall.EINVAL}
		}
	}
	update(&b.filter)
	return nil
}

// MatchSubsystem passes events of devices in subsystem.
func (b *MonitorBuilder) MatchSubsystem(subsystem string) error {
	return b.add("udev_monitor_filter_add_match_subsystem_devtype", []string{subsystem}, func(f *uevent.Filter) {
		f.Matches = append(f.Matches, uevent.Match{Subsystem: subsystem})
	})
}

// MatchSubsystemDevtype passes events of devices in subsystem with the
// given devtype.
func (b *MonitorBuilder) MatchSubsystemDevtype(subsystem, devtype string) error {
	return b.add("udev_monitor_filter_add_match_subsystem_devtype", []string{subsystem, devtype}, func(f *uevent.Filter) {
		f.Matches = append(f.Matches, uevent.Match{Subsystem: subsystem, Devtype: devtype})
	})
}

// MatchTag passes events of devices carrying tag.
func (b *MonitorBuilder) MatchTag(tag string) error {
	return b.add("udev_monitor_filter_add_match_tag", []string{tag}, func(f *uevent.Filter) {
		f.Tags = append(f.Tags, tag)
	})
}

// ClearFilters removes every filter, including one already attached to
// the socket.
func (b *MonitorBuilder) ClearFilters() error {
	if b.listening {
		return ErrBuilderConsumed
	}
	b.filter = uevent.Filter{}
	return checkStatus("udev_monitor_filter_remove", b.conn.Detach())
}

// Listen attaches the filters to the socket and starts receiving. Joining
// the kernel group usually takes privileges. On failure the builder can
// be adjusted and Listen retried.
func (b *MonitorBuilder) Listen() (*MonitorSocket, error) {
	if b.listening {
		return nil, ErrBuilderConsumed
	}
	if err := checkStatus("udev_monitor_filter_update", b.conn.Attach(&b.filter)); err != nil {
		return nil, err
	}
	if err := checkStatus("udev_monitor_enable_receiving", b.conn.Bind(b.source.group())); err != nil {
		return nil, err
	}
	b.listening = true

	state := &monitorState{
		ctx:    b.ctx,
		conn:   b.conn,
		source: b.source,
		filter: uevent.Filter{
			Matches: slices.Clone(b.filter.Matches),
			Tags:    slices.Clone(b.filter.Tags),
		},
		refs: 1,
	}
	return state.handle(), nil
}

// Close releases the socket of a builder that never started listening.
func (b *MonitorBuilder) Close() error {
	if b.listening {
		return nil
	}
	b.listening = true
	return b.conn.Close()
}

// monitorState is shared by a MonitorSocket and its clones.
type monitorState struct {
	ctx    *Context
	conn   *uevent.Conn
	source Source
	filter uevent.Filter

	mu   sync.Mutex
	refs int
	err  error
}

func (st *monitorState) handle() *MonitorSocket {
	return &MonitorSocket{
		state: st,
		buf:   make([]byte, uevent.BufferSize),
		oob:   make([]byte, uevent.OOBSize),
	}
}

func (st *monitorState) failure() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

func (st *monitorState) fail(err error) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.err == nil {
		st.err = fmt.Errorf("%w: %w", ErrMonitorClosed, err)
	}
	return st.err
}

const opReceive = "udev_monitor_receive_device"

// MonitorSocket receives the events that pass its filters. The socket is
// non-blocking: poll Fd (or Register it with a Registry) and call Next
// when it is readable. A MonitorSocket is not safe for concurrent use;
// give every goroutine its own Clone.
type MonitorSocket struct {
	state  *monitorState
	buf    []byte
	oob    []byte
	closed bool
}

// Fd returns the socket descriptor for readiness polling. Do not read
// from it or change its flags.
func (s *MonitorSocket) Fd() int {
	return s.state.conn.Fd()
}

func (s *MonitorSocket) Source() Source {
	return s.state.source
}

func (s *MonitorSocket) Register(r Registry, token Token, interest Interest) error {
	return r.Register(s.Fd(), token, interest)
}

func (s *MonitorSocket) Reregister(r Registry, token Token, interest Interest) error {
	return r.Reregister(s.Fd(), token, interest)
}

func (s *MonitorSocket) Deregister(r Registry) error {
	return r.Deregister(s.Fd())
}

// Err returns the error that ended the stream, if any.
func (s *MonitorSocket) Err() error {
	if s.closed {
		return ErrMonitorClosed
	}
	return s.state.failure()
}

// Next performs one receive without blocking. It returns ErrNoEvent when
// nothing is queued, or when the datagram read failed the sender checks
// or the filters; either way the caller should poll the descriptor and
// call Next again. Use level triggered readiness: a dropped datagram may
// be followed by queued events without a new edge.
//
// A SystemError wrapping ENOBUFS means the kernel dropped events because
// the receive buffer overflowed; the socket keeps working. Any other
// receive failure ends the stream: it is returned wrapped in
// ErrMonitorClosed, as is every later call.
func (s *MonitorSocket) Next() (*Event, error) {
	if err := s.Err(); err != nil {
		return nil, err
	}
	for {
		dg, err := s.state.conn.Recv(s.buf, s.oob)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return nil, ErrNoEvent
			}
			if retry, err := s.classify(err); !retry {
				return nil, err
			}
			continue
		}
		if ev := s.decode(dg); ev != nil {
			return ev, nil
		}
		return nil, ErrNoEvent
	}
}

// Receive waits for the next event, parking the goroutine on the Go
// runtime poller. Dropped datagrams are skipped. The socket stays
// non-blocking. It returns ctx.Err() when ctx is done first.
func (s *MonitorSocket) Receive(ctx context.Context) (*Event, error) {
	if err := s.Err(); err != nil {
		return nil, err
	}
	for {
		dg, err := s.state.conn.RecvWait(ctx, s.buf, s.oob)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return nil, err
			}
			if retry, err := s.classify(err); !retry {
				return nil, err
			}
			continue
		}
		if ev := s.decode(dg); ev != nil {
			return ev, nil
		}
	}
}

// Pending yields events until Next reports ErrNoEvent or a failure; see
// Err for the latter.
func (s *MonitorSocket) Pending() iter.Seq[*Event] {
	return func(yield func(*Event) bool) {
		for {
			ev, err := s.Next()
			if err != nil || !yield(ev) {
				return
			}
		}
	}
}

func (s *MonitorSocket) classify(err error) (bool, error) {
	switch {
	case errors.Is(err, unix.EINTR):
		return true, nil
	case errors.Is(err, unix.ENOBUFS):
		return false, checkStatus(opReceive, err)
	case errors.Is(err, os.ErrClosed):
		return false, s.state.fail(os.ErrClosed)
	}
	return false, s.state.fail(checkStatus(opReceive, err))
}

func (s *MonitorSocket) decode(dg uevent.Datagram) *Event {
	if dg.Check() != nil {
		return nil
	}
	msg, err := uevent.Parse(s.buf[:dg.N])
	if err != nil {
		return nil
	}
	if !s.state.filter.Accepts(msg.Properties) {
		return nil
	}
	dev, err := s.state.ctx.deviceFromUevent(opReceive, msg.Properties, msg.Processed)
	if err != nil {
		return nil
	}
	return NewEvent(dev)
}

// Clone returns another handle on the same socket. The socket is closed
// once every handle is closed (or unreachable).
func (s *MonitorSocket) Clone() *MonitorSocket {
	clone := s.state.handle()
	if s.closed {
		clone.closed = true
		return clone
	}
	s.state.mu.Lock()
	s.state.refs++
	s.state.mu.Unlock()
	return clone
}

// Close releases this handle. Events already received stay valid.
func (s *MonitorSocket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	s.state.mu.Lock()
	s.state.refs--
	last := s.state.refs == 0
	s.state.mu.Unlock()

	if last {
		return s.state.conn.Close()
	}
	return nil
}
