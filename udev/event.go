package udev

// EventType is the action of a uevent.
type EventType int

const (
	EventUnknown EventType = iota
	EventAdd
	EventChange
	EventRemove
	EventBind
	EventUnbind
)

var eventTypeNames = [...]string{
	EventUnknown: "unknown",
	EventAdd:     "add",
	EventChange:  "change",
	EventRemove:  "remove",
	EventBind:    "bind",
	EventUnbind:  "unbind",
}

func (t EventType) String() string {
	if t < 0 || int(t) >= len(eventTypeNames) {
		return eventTypeNames[EventUnknown]
	}
	return eventTypeNames[t]
}

// ParseEventType maps an ACTION value to its EventType. The match is
// exact and case sensitive; anything else is EventUnknown.
func ParseEventType(action string) EventType {
	switch action {
	case "add":
		return EventAdd
	case "change":
		return EventChange
	case "remove":
		return EventRemove
	case "bind":
		return EventBind
	case "unbind":
		return EventUnbind
	}
	return EventUnknown
}

// Event is a device snapshot taken from a uevent. It does not depend on
// the socket it was received from.
type Event struct {
	*Device

	eventType EventType
}

// NewEvent derives an Event from a device, e.g. one returned by
// Context.DeviceFromEnvironment in a uevent handler.
func NewEvent(dev *Device) *Event {
	action, _ := dev.Property(PropertyAction)
	return &Event{
		Device:    dev,
		eventType: ParseEventType(action),
	}
}

func (e *Event) Type() EventType { return e.eventType }

// SequenceNumber is the kernel sequence number of the event.
func (e *Event) SequenceNumber() uint64 { return e.Device.Seqnum() }
