// Package udev queries the Linux device database and follows device
// events.
//
// A Context is the entry point. Devices are looked up through it
// directly, scanned with an Enumerator, or received from a MonitorSocket:
//
//	u, err := udev.NewContext()
//	...
//	e, _ := udev.NewEnumerator(u)
//	_ = e.MatchSubsystem("block")
//	devices, err := e.ScanDevices()
//	...
//	for dev := range devices.All() {
//		fmt.Println(dev.Syspath(), dev.Devnode())
//	}
//
// Monitors filter events in the kernel and never block:
//
//	b, _ := udev.NewMonitorBuilder(u)
//	_ = b.MatchSubsystem("usb")
//	mon, err := b.Listen()
//	...
//	// wait for mon.Fd() to become readable, then
//	for ev := range mon.Pending() {
//		fmt.Println(ev.Type(), ev.Syspath())
//	}
//
// Errors are either an *AllocationError (no handle could be made), a
// *SystemError (an operation reported a failed status), or wrap
// ErrInvalidInput (a string contained a NUL byte).
package udev
