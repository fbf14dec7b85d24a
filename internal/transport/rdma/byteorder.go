package rdma

import "encoding/binary"

// The peer protocol carries the payload length in the immediate-data
// field in network byte order. These two helpers are the only place the
// conversion happens; VerbsWorkCompletion.ImmData always holds the wire
// representation.

// HostToNetwork32 converts a host-order value to its network-order wire
// representation.
func HostToNetwork32(v uint32) uint32 {
	var b [4]byte

	binary.BigEndian.PutUint32(b[:], v)

	return binary.NativeEndian.Uint32(b[:])
}

// NetworkToHost32 converts a wire-representation value to host order.
func NetworkToHost32(v uint32) uint32 {
	var b [4]byte

	binary.NativeEndian.PutUint32(b[:], v)

	return binary.BigEndian.Uint32(b[:])
}
