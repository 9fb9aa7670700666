package mux

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrClosed  = errors.New("mux: closed")
	ErrTimeout = errors.New("mux: submit timed out")
)

// Logger is the subset of logr.Logger the mux reports through, so
// klog.Background() and GinkgoLogr both fit.
type Logger interface {
	Info(msg string, keysAndValues ...any)
}

type AwaitReply[T, U any] struct {
	value T
	reply chan U
}

func (ar AwaitReply[T, U]) Value() T {
	return ar.value
}

func (ar AwaitReply[T, U]) Reply(value U) {
	ar.reply <- value
	close(ar.reply)
}

func (ar AwaitReply[T, U]) Await() U {
	return <-ar.reply
}

type AwaitDone[T any] struct {
	AwaitReply[T, struct{}]
}

func (ad AwaitDone[T]) Done() {
	ad.Reply(struct{}{})
}

func (ad AwaitDone[T]) Wait() {
	ad.Await()
}

func NewAwaitReply[T, U any](value T) AwaitReply[T, U] {
	return AwaitReply[T, U]{
		value: value,
		reply: make(chan U, 1),
	}
}

func NewAwaitDone[T any](value T) AwaitDone[T] {
	return AwaitDone[T]{
		NewAwaitReply[T, struct{}](value),
	}
}

type Sink[T any] interface {
	Submit(T) error
	Close()
}

type thenSink[U, T any] struct {
	sink      Sink[T]
	contramap func(U) T
}

func (c *thenSink[U, T]) Submit(v U) error {
	return c.sink.Submit(c.contramap(v))
}

func (c *thenSink[U, T]) Close() {
	c.sink.Close()
}

// ThenSink adapts sink to values of another type.
func ThenSink[U, T any](sink Sink[T], f func(U) T) Sink[U] {
	return &thenSink[U, T]{sink, f}
}

type filterSink[T any] struct {
	sink Sink[T]
	f    FilterFunc[T]
}

func (c *filterSink[T]) Submit(v T) error {
	if c.f(v) {
		return c.sink.Submit(v)
	}
	return nil
}

func (c *filterSink[T]) Close() {
	c.sink.Close()
}

// FilterSink passes on the values f accepts and drops the rest.
func FilterSink[T any](sink Sink[T], f FilterFunc[T]) Sink[T] {
	return &filterSink[T]{sink, f}
}

type chanSink[T any] struct {
	ch chan<- T
}

func (c *chanSink[T]) Submit(v T) error {
	c.ch <- v
	return nil
}

func (c *chanSink[T]) Close() {
	close(c.ch)
}

// SinkFromChan sends every value to ch and closes ch with the sink.
func SinkFromChan[T any](ch chan<- T) Sink[T] {
	return &chanSink[T]{ch}
}

type Source[T any] interface {
	Subscribe(Sink[T]) CancelFunc
}

// Mux fans every submitted value out to all subscribed sinks, in
// submission order. Closing the mux closes the sinks.
type Mux[T any] struct {
	input      chan T
	register   chan AwaitDone[Sink[T]]
	unregister chan AwaitDone[Sink[T]]
	done       chan struct{}
	stopped    chan struct{}
	closeOnce  sync.Once
	outputs    map[Sink[T]]bool

	submitTimeout time.Duration
	inBufSize     int
	logger        Logger
	onDrop        func(error)
}

type Option[T any] interface {
	apply(*Mux[T])
}

type buffered[T any] struct {
	Size int
}

func (b *buffered[T]) apply(m *Mux[T]) {
	m.inBufSize = b.Size
}

// Buffered lets Submit queue up to size values ahead of the fan-out.
func Buffered[T any](size int) Option[T] {
	return &buffered[T]{size}
}

type withLogger[T any] struct {
	Logger Logger
}

func (l *withLogger[T]) apply(m *Mux[T]) {
	m.logger = l.Logger
}

func WithLogger[T any](logger Logger) Option[T] {
	return &withLogger[T]{logger}
}

type withSubmitTimeout[T any] struct {
	Timeout time.Duration
}

func (t *withSubmitTimeout[T]) apply(m *Mux[T]) {
	m.submitTimeout = t.Timeout
}

// WithSubmitTimeout bounds how long Submit waits for the fan-out, one
// second by default.
func WithSubmitTimeout[T any](timeout time.Duration) Option[T] {
	return &withSubmitTimeout[T]{timeout}
}

type onDrop[T any] struct {
	f func(error)
}

func (d *onDrop[T]) apply(m *Mux[T]) {
	m.onDrop = d.f
}

// OnDrop registers f to be called for every value that did not reach a
// sink: a Submit that timed out or a sink that returned an error.
func OnDrop[T any](f func(error)) Option[T] {
	return &onDrop[T]{f}
}

func Make[T any](opts ...Option[T]) *Mux[T] {
	mux := &Mux[T]{
		submitTimeout: 1 * time.Second,
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(mux)
	}

	mux.input = make(chan T, mux.inBufSize)
	mux.register = make(chan AwaitDone[Sink[T]])
	mux.unregister = make(chan AwaitDone[Sink[T]])
	mux.done = make(chan struct{})
	mux.stopped = make(chan struct{})
	mux.outputs = make(map[Sink[T]]bool)

	go mux.run()

	return mux
}

func (c *Mux[T]) run() {
	defer close(c.stopped)
	defer func() {
		for sub := range c.outputs {
			delete(c.outputs, sub)
			sub.Close()
		}
	}()

	for {
		select {
		case v := <-c.input:
			c.fanOut(v)
		case ar := <-c.register:
			c.outputs[ar.value] = true
			ar.Done()
		case ar := <-c.unregister:
			sub := ar.value
			if c.outputs[sub] {
				delete(c.outputs, sub)
				sub.Close()
			}
			ar.Done()
		case <-c.done:
			// deliver what was accepted before Close
			for {
				select {
				case v := <-c.input:
					c.fanOut(v)
				default:
					return
				}
			}
		}
	}
}

func (c *Mux[T]) fanOut(v T) {
	for out := range c.outputs {
		if err := out.Submit(v); err != nil {
			c.drop(fmt.Errorf("submitting value %v: %w", v, err))
		}
	}
}

func (c *Mux[T]) drop(err error) error {
	if c.logger != nil {
		c.logger.Info("value dropped", "err", err)
	}
	if c.onDrop != nil {
		c.onDrop(err)
	}
	return err
}

// Close stops the fan-out and closes every subscribed sink once the
// values already accepted are delivered. It is safe to call more than
// once.
func (c *Mux[T]) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	<-c.stopped
}

// Submit hands v to the fan-out. It fails with ErrClosed after Close and
// with ErrTimeout when the fan-out did not take v in time.
func (c *Mux[T]) Submit(v T) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	timer := time.NewTimer(c.submitTimeout)
	defer timer.Stop()

	select {
	case c.input <- v:
		return nil
	case <-c.done:
		return ErrClosed
	case <-timer.C:
		return c.drop(fmt.Errorf("%w: value %v after %s", ErrTimeout, v, c.submitTimeout))
	}
}

type CancelFunc func()

// Subscribe adds sink to the fan-out. The returned CancelFunc removes and
// closes it. Subscribing to a closed mux closes sink right away.
func (c *Mux[T]) Subscribe(sink Sink[T]) CancelFunc {
	ar := NewAwaitDone(sink)
	select {
	case c.register <- ar:
		ar.Wait()
	case <-c.done:
		sink.Close()
		return func() {}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ar := NewAwaitDone(sink)
			select {
			case c.unregister <- ar:
				ar.Wait()
			case <-c.stopped:
			}
		})
	}
}

func ChainCancelFunc(cf1, cf2 func(), cfs ...func()) CancelFunc {
	return func() {
		cf1()
		cf2()
		for _, cf := range cfs {
			if cf != nil {
				cf()
			}
		}
	}
}
