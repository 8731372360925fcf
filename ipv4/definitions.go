// Package ipv4 implements RFC 791 IPv4 header encoding/decoding for this
// stack's fixed 20-byte header (IP options and fragmentation are out of
// scope, per the dispatcher's non-goals).
package ipv4

const sizeHeader = 20

// ToS represents the Traffic Class (a.k.a Type of Service). It is 8 bits
// long: 6 MSB are Differentiated Services, 2 LSB are Explicit Congestion
// Notification.
type ToS uint8

// DS returns the Differentiated Services Code Point bits of ToS.
func (tos ToS) DS() uint8 { return uint8(tos) >> 2 }

// ECN returns the Explicit Congestion Notification bits of ToS.
func (tos ToS) ECN() uint8 { return uint8(tos & 0b11) }

// Flags holds the fragmentation-control field of an IPv4 header.
// Fragmentation is unsupported; the dispatcher neither sets nor inspects
// these bits.
type Flags uint16

// DontFragment specifies whether the datagram must not be fragmented.
func (f Flags) DontFragment() bool { return f&0x4000 != 0 }

// MoreFragments is cleared for unfragmented packets.
func (f Flags) MoreFragments() bool { return f&0x2000 != 0 }

// FragmentOffset specifies the 8-byte-unit offset of a fragment.
func (f Flags) FragmentOffset() uint16 { return uint16(f) & 0x1fff }
