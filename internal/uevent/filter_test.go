package uevent_test

import (
	"fmt"
	"syscall"

	"golang.org/x/net/bpf"

	"github.com/ydb-platform/udevkit/internal/uevent"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func run(f *uevent.Filter, datagram []byte) int {
	prog, err := f.Program()
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	vm, err := bpf.NewVM(prog)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	n, err := vm.Run(datagram)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	return n
}

var _ = Describe("Filter", func() {
	It("should produce no program when empty", func() {
		f := &uevent.Filter{}
		Expect(f.Empty()).To(BeTrue())
		prog, err := f.Program()
		Expect(err).NotTo(HaveOccurred())
		Expect(prog).To(BeNil())
	})

	It("should assemble", func() {
		f := &uevent.Filter{
			Matches: []uevent.Match{{Subsystem: "block", Devtype: "disk"}, {Subsystem: "net"}},
			Tags:    []string{"systemd", "seat"},
		}
		prog, err := f.Program()
		Expect(err).NotTo(HaveOccurred())
		_, err = bpf.Assemble(prog)
		Expect(err).NotTo(HaveOccurred())
	})

	Context("in the kernel", func() {
		It("should pass datagrams without the udevd magic", func() {
			f := &uevent.Filter{Matches: []uevent.Match{{Subsystem: "block"}}}
			Expect(run(f, kernelDatagram(device{subsystem: "net"}))).To(BeNumerically(">", 0))
		})

		It("should pass a matching subsystem and drop others", func() {
			f := &uevent.Filter{Matches: []uevent.Match{{Subsystem: "tty"}}}
			Expect(run(f, udevDatagram(device{subsystem: "tty"}))).To(BeNumerically(">", 0))
			Expect(run(f, udevDatagram(device{subsystem: "block"}))).To(Equal(0))
		})

		It("should OR subsystem matches", func() {
			f := &uevent.Filter{Matches: []uevent.Match{{Subsystem: "tty"}, {Subsystem: "net"}}}
			Expect(run(f, udevDatagram(device{subsystem: "tty"}))).To(BeNumerically(">", 0))
			Expect(run(f, udevDatagram(device{subsystem: "net"}))).To(BeNumerically(">", 0))
			Expect(run(f, udevDatagram(device{subsystem: "usb"}))).To(Equal(0))
		})

		It("should require the devtype when one is given", func() {
			f := &uevent.Filter{Matches: []uevent.Match{{Subsystem: "block", Devtype: "partition"}}}
			Expect(run(f, udevDatagram(device{subsystem: "block", devtype: "partition"}))).To(BeNumerically(">", 0))
			Expect(run(f, udevDatagram(device{subsystem: "block", devtype: "disk"}))).To(Equal(0))
			Expect(run(f, udevDatagram(device{subsystem: "block"}))).To(Equal(0))
		})

		It("should pass any tagged device and drop untagged ones", func() {
			f := &uevent.Filter{Tags: []string{"seat", "uaccess"}}
			Expect(run(f, udevDatagram(device{subsystem: "input", tags: []string{"seat"}}))).To(BeNumerically(">", 0))
			Expect(run(f, udevDatagram(device{subsystem: "input", tags: []string{"power-switch", "uaccess"}}))).To(BeNumerically(">", 0))
			Expect(run(f, udevDatagram(device{subsystem: "input"}))).To(Equal(0))
		})

		It("should AND tags with subsystems", func() {
			f := &uevent.Filter{
				Matches: []uevent.Match{{Subsystem: "input"}},
				Tags:    []string{"seat"},
			}
			Expect(run(f, udevDatagram(device{subsystem: "input", tags: []string{"seat"}}))).To(BeNumerically(">", 0))
			Expect(run(f, udevDatagram(device{subsystem: "input"}))).To(Equal(0))
			Expect(run(f, udevDatagram(device{subsystem: "sound", tags: []string{"seat"}}))).To(Equal(0))
		})
	})

	It("should fail with E2BIG when the program does not fit", func() {
		f := &uevent.Filter{}
		for i := 0; i < 200; i++ {
			f.Matches = append(f.Matches, uevent.Match{Subsystem: fmt.Sprintf("s%d", i), Devtype: "d"})
		}
		_, err := f.Program()
		Expect(err).To(MatchError(syscall.E2BIG))
	})

	It("should fail with E2BIG when tag jumps overflow", func() {
		f := &uevent.Filter{}
		for i := 0; i < 50; i++ {
			f.Tags = append(f.Tags, fmt.Sprintf("t%d", i))
		}
		_, err := f.Program()
		Expect(err).To(MatchError(syscall.E2BIG))
	})

	Context("in userspace", func() {
		It("should accept everything when empty", func() {
			f := &uevent.Filter{}
			Expect(f.Accepts(map[string]string{"SUBSYSTEM": "tty"})).To(BeTrue())
		})

		It("should compare subsystem and devtype exactly", func() {
			f := &uevent.Filter{Matches: []uevent.Match{{Subsystem: "block", Devtype: "disk"}}}
			Expect(f.Accepts(map[string]string{"SUBSYSTEM": "block", "DEVTYPE": "disk"})).To(BeTrue())
			Expect(f.Accepts(map[string]string{"SUBSYSTEM": "block", "DEVTYPE": "partition"})).To(BeFalse())
			Expect(f.Accepts(map[string]string{"SUBSYSTEM": "block"})).To(BeFalse())
		})

		It("should require one of the tags", func() {
			f := &uevent.Filter{Tags: []string{"seat"}}
			Expect(f.Accepts(map[string]string{"TAGS": ":uaccess:seat:"})).To(BeTrue())
			Expect(f.Accepts(map[string]string{"TAGS": ":uaccess:"})).To(BeFalse())
		})
	})
})

var _ = Describe("Datagram", func() {
	It("should trust root multicast from udevd", func() {
		Expect(uevent.Datagram{Groups: uevent.GroupUdev, Pid: 321, HasCred: true}.Check()).To(Succeed())
	})

	It("should trust root multicast from the kernel", func() {
		Expect(uevent.Datagram{Groups: uevent.GroupKernel, HasCred: true}.Check()).To(Succeed())
	})

	It("should reject kernel group datagrams from a process", func() {
		Expect(uevent.Datagram{Groups: uevent.GroupKernel, Pid: 321, HasCred: true}.Check()).To(MatchError(uevent.ErrUntrusted))
	})

	It("should reject unicast datagrams", func() {
		Expect(uevent.Datagram{Pid: 321, HasCred: true}.Check()).To(MatchError(uevent.ErrUntrusted))
	})

	It("should reject senders without root credentials", func() {
		Expect(uevent.Datagram{Groups: uevent.GroupUdev, Pid: 321}.Check()).To(MatchError(uevent.ErrUntrusted))
		Expect(uevent.Datagram{Groups: uevent.GroupUdev, Pid: 321, HasCred: true, Uid: 1000}.Check()).To(MatchError(uevent.ErrUntrusted))
	})

	It("should reject truncated datagrams", func() {
		Expect(uevent.Datagram{Groups: uevent.GroupUdev, HasCred: true, Truncated: true}.Check()).To(MatchError(uevent.ErrTruncated))
	})
})
