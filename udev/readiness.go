package udev

// Token identifies a registration with a Registry.
type Token uint64

// Interest is the readiness a registration asks for.
type Interest uint32

const (
	Readable Interest = 1 << iota
	Writable
	// EdgeTriggered reports readiness once per change instead of for as
	// long as it holds.
	EdgeTriggered
)

// Registry is implemented by readiness notifiers the caller runs, such as
// an epoll loop. MonitorSocket only registers its descriptor; waiting is
// left to the notifier.
type Registry interface {
	Register(fd int, token Token, interest Interest) error
	Reregister(fd int, token Token, interest Interest) error
	Deregister(fd int) error
}
