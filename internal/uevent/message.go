// Package uevent decodes the datagrams the kernel and udevd multicast on
// NETLINK_KOBJECT_UEVENT sockets and builds the socket filters for them.
package uevent

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Multicast groups of the uevent netlink family.
const (
	GroupKernel uint32 = 1
	GroupUdev   uint32 = 2
)

const (
	// Magic is carried big-endian in every udevd datagram header.
	Magic = 0xfeedcafe

	// HeaderSize is the size of the udevd monitor header.
	HeaderSize = 40

	// BufferSize is large enough for any datagram udevd sends.
	BufferSize = 8192
)

var prefix = []byte("libudev\x00")

// Offsets of the udevd monitor header fields.
const (
	offMagic         = 8
	offHeaderSize    = 12
	offPropertiesOff = 16
	offPropertiesLen = 20
	offSubsystemHash = 24
	offDevtypeHash   = 28
	offTagBloomHi    = 32
	offTagBloomLo    = 36
)

var (
	ErrMalformed = errors.New("uevent: malformed datagram")
	ErrBadMagic  = errors.New("uevent: wrong monitor header magic")
)

// Message is a decoded uevent.
type Message struct {
	// Processed is true for datagrams sent by udevd. Devices announced by
	// udevd are always initialized.
	Processed  bool
	Properties map[string]string
}

// Property returns the value of a property and whether it was present.
func (m *Message) Property(key string) (string, bool) {
	v, ok := m.Properties[key]
	return v, ok
}

// Parse decodes either a udevd datagram (libudev header followed by
// properties) or a raw kernel datagram ("ACTION@DEVPATH" followed by
// properties).
func Parse(b []byte) (*Message, error) {
	if bytes.HasPrefix(b, prefix) {
		return parseUdev(b)
	}
	return parseKernel(b)
}

func parseUdev(b []byte) (*Message, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrMalformed, len(b))
	}
	if magic := binary.BigEndian.Uint32(b[offMagic:]); magic != Magic {
		return nil, fmt.Errorf("%w: %#x", ErrBadMagic, magic)
	}

	off := int(binary.NativeEndian.Uint32(b[offPropertiesOff:]))
	length := int(binary.NativeEndian.Uint32(b[offPropertiesLen:]))
	if off < HeaderSize || off > len(b) {
		return nil, fmt.Errorf("%w: properties offset %d out of range", ErrMalformed, off)
	}
	end := off + length
	if length < 0 || end > len(b) {
		end = len(b)
	}

	return &Message{
		Processed:  true,
		Properties: parseProperties(b[off:end]),
	}, nil
}

func parseKernel(b []byte) (*Message, error) {
	head, rest, found := bytes.Cut(b, []byte{0})
	if !found || len(head) < len("a@/d") {
		return nil, fmt.Errorf("%w: missing kernel header", ErrMalformed)
	}
	if !bytes.Contains(head, []byte("@/")) {
		return nil, fmt.Errorf("%w: kernel header %q", ErrMalformed, head)
	}

	return &Message{
		Properties: parseProperties(rest),
	}, nil
}

func parseProperties(b []byte) map[string]string {
	props := make(map[string]string)
	for len(b) > 0 {
		var entry []byte
		entry, b, _ = bytes.Cut(b, []byte{0})
		key, value, ok := strings.Cut(string(entry), "=")
		if !ok || key == "" {
			continue
		}
		props[key] = value
	}
	return props
}

// SplitTags splits a TAGS or CURRENT_TAGS value (":a:b:") into tags.
func SplitTags(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ':' })
}

// SplitDevlinks splits a DEVLINKS value into symlink paths.
func SplitDevlinks(s string) []string {
	return strings.Fields(s)
}
