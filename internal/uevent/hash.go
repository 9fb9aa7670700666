package uevent

import "encoding/binary"

// Hash is the MurmurHash2 (seed 0) udevd stores in the monitor header for
// subsystem and devtype matching. Blocks are read in host byte order.
func Hash(s string) uint32 {
	const (
		m = 0x5bd1e995
		r = 24
	)

	data := []byte(s)
	h := uint32(len(data))

	for len(data) >= 4 {
		k := binary.NativeEndian.Uint32(data)
		k *= m
		k ^= k >> r
		k *= m

		h *= m
		h ^= k

		data = data[4:]
	}

	switch len(data) {
	case 3:
		h ^= uint32(data[2]) << 16
		fallthrough
	case 2:
		h ^= uint32(data[1]) << 8
		fallthrough
	case 1:
		h ^= uint32(data[0])
		h *= m
	}

	h ^= h >> 13
	h *= m
	h ^= h >> 15

	return h
}

// Bloom returns the 64-bit tag bloom word for a single tag.
func Bloom(tag string) uint64 {
	h := Hash(tag)

	var bits uint64
	bits |= 1 << (h & 63)
	bits |= 1 << ((h >> 6) & 63)
	bits |= 1 << ((h >> 12) & 63)
	bits |= 1 << ((h >> 18) & 63)

	return bits
}

// BloomAll folds the bloom words of all tags together.
func BloomAll(tags []string) uint64 {
	var bits uint64
	for _, tag := range tags {
		bits |= Bloom(tag)
	}
	return bits
}
