package uevent_test

import (
	"math/bits"

	"github.com/ydb-platform/udevkit/internal/uevent"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Hash", func() {
	It("should hash the empty string to zero", func() {
		Expect(uevent.Hash("")).To(Equal(uint32(0)))
	})

	DescribeTable("should match MurmurHash2 with seed 0",
		func(s string, want uint32) {
			Expect(uevent.Hash(s)).To(Equal(want))
		},
		Entry("block", "block", uint32(4026736055)),
		Entry("net", "net", uint32(2806856904)),
		Entry("tty", "tty", uint32(2331676872)),
		Entry("systemd", "systemd", uint32(2808059690)),
		Entry("disk", "disk", uint32(2076952046)),
		Entry("one byte tail", "a", uint32(2456313694)),
		Entry("two byte tail", "ab", uint32(446775395)),
		Entry("three byte tail", "abc", uint32(324500635)),
		Entry("one block", "abcd", uint32(646393889)),
		Entry("block and tail", "abcde", uint32(1594468574)),
	)

	It("should be deterministic", func() {
		Expect(uevent.Hash("block")).To(Equal(uevent.Hash("block")))
	})

	It("should distinguish common subsystems", func() {
		seen := map[uint32]string{}
		for _, s := range []string{"block", "net", "tty", "usb", "input", "sound", "pci", "scsi"} {
			h := uevent.Hash(s)
			Expect(seen).NotTo(HaveKey(h), "collision between %q and %q", s, seen[h])
			seen[h] = s
		}
	})

	It("should cover every tail length", func() {
		Expect(uevent.Hash("a")).NotTo(Equal(uevent.Hash("ab")))
		Expect(uevent.Hash("ab")).NotTo(Equal(uevent.Hash("abc")))
		Expect(uevent.Hash("abc")).NotTo(Equal(uevent.Hash("abcd")))
		Expect(uevent.Hash("abcd")).NotTo(Equal(uevent.Hash("abcde")))
	})
})

var _ = Describe("Bloom", func() {
	DescribeTable("should set the bits udevd sets",
		func(tag string, want uint64) {
			Expect(uevent.Bloom(tag)).To(Equal(want))
		},
		Entry("systemd", "systemd", uint64(0x0200040010800000)),
		Entry("seat", "seat", uint64(0x0208000000400001)),
		Entry("uaccess", "uaccess", uint64(0x0000200800001008)),
		Entry("tty", "tty", uint64(0x4000020000000108)),
	)

	It("should fold known tags", func() {
		Expect(uevent.BloomAll([]string{"systemd", "seat"})).To(Equal(uint64(0x0208040010c00001)))
	})

	It("should set between one and four bits", func() {
		for _, tag := range []string{"systemd", "seat", "uaccess", "power-switch"} {
			n := bits.OnesCount64(uevent.Bloom(tag))
			Expect(n).To(BeNumerically(">=", 1))
			Expect(n).To(BeNumerically("<=", 4))
		}
	})

	It("should fold all tags together", func() {
		all := uevent.BloomAll([]string{"systemd", "seat"})
		Expect(all & uevent.Bloom("systemd")).To(Equal(uevent.Bloom("systemd")))
		Expect(all & uevent.Bloom("seat")).To(Equal(uevent.Bloom("seat")))
		Expect(uevent.BloomAll(nil)).To(BeZero())
	})
})
