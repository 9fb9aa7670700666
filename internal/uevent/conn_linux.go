//go:build linux

package uevent

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

var (
	ErrUntrusted = errors.New("uevent: datagram from untrusted sender")
	ErrTruncated = errors.New("uevent: datagram truncated")
)

// OOBSize is enough control data for the sender credentials.
var OOBSize = unix.CmsgSpace(unix.SizeofUcred)

// Conn is a non-blocking NETLINK_KOBJECT_UEVENT socket. The descriptor is
// owned by an *os.File so the Go runtime poller can park goroutines on it
// without ever switching it to blocking mode.
type Conn struct {
	file *os.File
	raw  syscall.RawConn
	fd   int
}

// Open creates the socket and enables sender credentials.
func Open() (*Conn, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("setsockopt SO_PASSCRED", err)
	}

	file := os.NewFile(uintptr(fd), "uevent")
	raw, err := file.SyscallConn()
	if err != nil {
		file.Close()
		return nil, err
	}

	return &Conn{file: file, raw: raw, fd: fd}, nil
}

// Fd returns the socket descriptor. It stays valid until Close.
func (c *Conn) Fd() int {
	return c.fd
}

func (c *Conn) control(fn func(fd int) error) error {
	var opErr error
	if err := c.raw.Control(func(fd uintptr) { opErr = fn(int(fd)) }); err != nil {
		return err
	}
	return opErr
}

// SetReadBuffer sets the receive buffer size, bypassing rmem_max when
// the caller is privileged.
func (c *Conn) SetReadBuffer(bytes int) error {
	return c.control(func(fd int) error {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, bytes); err == nil {
			return nil
		}
		return os.NewSyscallError("setsockopt SO_RCVBUF", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, bytes))
	})
}

// Attach installs the filter program, or removes any program when the
// filter is empty.
func (c *Conn) Attach(f *Filter) error {
	prog, err := f.Program()
	if err != nil {
		return err
	}
	if prog == nil {
		return c.Detach()
	}

	raw, err := bpf.Assemble(prog)
	if err != nil {
		return err
	}
	filter := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		filter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	fprog := unix.SockFprog{Len: uint16(len(filter)), Filter: &filter[0]}

	return c.control(func(fd int) error {
		return os.NewSyscallError("setsockopt SO_ATTACH_FILTER", unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &fprog))
	})
}

// Detach removes the filter program. A socket without one is left alone.
func (c *Conn) Detach() error {
	return c.control(func(fd int) error {
		err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_DETACH_FILTER, 0)
		if err == nil || errors.Is(err, unix.ENOENT) {
			return nil
		}
		return os.NewSyscallError("setsockopt SO_DETACH_FILTER", err)
	})
}

// Bind joins the multicast group. Events are queued from this point on.
func (c *Conn) Bind(group uint32) error {
	return c.control(func(fd int) error {
		return os.NewSyscallError("bind", unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: group}))
	})
}

// Datagram describes one received datagram. The payload is in the buffer
// passed to Recv.
type Datagram struct {
	N         int
	Groups    uint32
	Pid       uint32
	Uid       uint32
	HasCred   bool
	Truncated bool
}

// Check applies the sender rules of libudev: kernel group datagrams must
// come from the kernel, unicast datagrams are never trusted, and the
// sender must have root credentials.
func (d Datagram) Check() error {
	if d.Truncated {
		return ErrTruncated
	}
	switch {
	case d.Groups == 0:
		return ErrUntrusted
	case d.Groups == GroupKernel && d.Pid != 0:
		return ErrUntrusted
	}
	if !d.HasCred || d.Uid != 0 {
		return ErrUntrusted
	}
	return nil
}

func recv(fd int, p, oob []byte) (Datagram, error) {
	n, oobn, flags, from, err := unix.Recvmsg(fd, p, oob, 0)
	if err != nil {
		return Datagram{}, err
	}

	dg := Datagram{N: n, Truncated: flags&unix.MSG_TRUNC != 0}
	if sa, ok := from.(*unix.SockaddrNetlink); ok {
		dg.Groups = sa.Groups
		dg.Pid = sa.Pid
	}
	if msgs, err := unix.ParseSocketControlMessage(oob[:oobn]); err == nil {
		for i := range msgs {
			if cred, err := unix.ParseUnixCredentials(&msgs[i]); err == nil {
				dg.Uid = cred.Uid
				dg.HasCred = true
				break
			}
		}
	}
	return dg, nil
}

// Recv performs exactly one recvmsg. It returns unix.EAGAIN when nothing
// is queued.
func (c *Conn) Recv(p, oob []byte) (Datagram, error) {
	var dg Datagram
	err := c.control(func(fd int) error {
		var err error
		dg, err = recv(fd, p, oob)
		return err
	})
	return dg, err
}

// RecvWait receives one datagram, parking the goroutine on the runtime
// poller while the queue is empty. It returns ctx.Err() once ctx is done.
func (c *Conn) RecvWait(ctx context.Context, p, oob []byte) (Datagram, error) {
	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(interrupted)
		c.file.SetReadDeadline(time.Unix(1, 0))
	})
	defer func() {
		if !stop() {
			<-interrupted
			c.file.SetReadDeadline(time.Time{})
		}
	}()

	var (
		dg      Datagram
		recvErr error
	)
	err := c.raw.Read(func(fd uintptr) bool {
		dg, recvErr = recv(int(fd), p, oob)
		return !errors.Is(recvErr, unix.EAGAIN)
	})
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() != nil {
			return Datagram{}, ctx.Err()
		}
		return Datagram{}, err
	}
	return dg, recvErr
}

// Close releases the socket.
func (c *Conn) Close() error {
	return c.file.Close()
}
