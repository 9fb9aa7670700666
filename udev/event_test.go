package udev_test

import (
	"github.com/ydb-platform/udevkit/udev"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("EventType", func() {
	DescribeTable("maps ACTION values",
		func(action string, want udev.EventType) {
			Expect(udev.ParseEventType(action)).To(Equal(want))
		},
		Entry("add", "add", udev.EventAdd),
		Entry("change", "change", udev.EventChange),
		Entry("remove", "remove", udev.EventRemove),
		Entry("bind", "bind", udev.EventBind),
		Entry("unbind", "unbind", udev.EventUnbind),
		Entry("move", "move", udev.EventUnknown),
		Entry("upper case", "ADD", udev.EventUnknown),
		Entry("empty", "", udev.EventUnknown),
	)

	It("round trips through String", func() {
		for _, t := range []udev.EventType{udev.EventAdd, udev.EventChange, udev.EventRemove, udev.EventBind, udev.EventUnbind} {
			Expect(udev.ParseEventType(t.String())).To(Equal(t))
		}
		Expect(udev.EventType(99).String()).To(Equal("unknown"))
	})
})

var _ = Describe("Event", func() {
	It("is unknown for a device without an action", func() {
		ev := udev.NewEvent(udev.BareDevice(map[string]string{"SUBSYSTEM": "tty"}))
		Expect(ev.Type()).To(Equal(udev.EventUnknown))
		Expect(ev.SequenceNumber()).To(BeZero())
	})

	It("takes the type and sequence number from the uevent", func() {
		u := newContext()
		dev, err := u.DeviceFromProperties(ueventProps(map[string]string{"ACTION": "remove", "SEQNUM": "77"}))
		Expect(err).NotTo(HaveOccurred())

		ev := udev.NewEvent(dev)
		Expect(ev.Type()).To(Equal(udev.EventRemove))
		Expect(ev.SequenceNumber()).To(Equal(uint64(77)))
		Expect(ev.Syspath()).To(Equal("/sys/devices/virtual/tty/ttyX3"))
	})
})
