package ethernet

import (
	"strconv"
)

const (
	sizeHeader = 14
	// minPayload is the minimum payload size for an Ethernet II frame.
	minPayload = 46
)

// AppendAddr appends the text representation of the hardware address to the destination buffer.
func AppendAddr(dst []byte, hwAddr [6]byte) []byte {
	for i, b := range hwAddr {
		if i != 0 {
			dst = append(dst, ':')
		}
		if b < 16 {
			dst = append(dst, '0')
		}
		dst = strconv.AppendUint(dst, uint64(b), 16)
	}
	return dst
}

// BroadcastAddr returns the all 0xff's broadcast hardware/MAC/EUI/OUI address.
func BroadcastAddr() [6]byte {
	return [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
}

// Type is the EtherType field of an Ethernet II frame.
type Type uint16

// IsSize returns true if the EtherType is actually the size of the payload
// and should NOT be interpreted as an EtherType.
func (et Type) IsSize() bool { return et <= 1500 }

// EtherType values this stack dispatches on. Only IPv4 and ARP are ever
// handled; IPv6 is named for completeness of logging output (an IPv6 frame is
// dropped with a logged reason, never processed).
const (
	TypeIPv4 Type = 0x0800
	TypeARP  Type = 0x0806
	TypeIPv6 Type = 0x86DD
)

func (t Type) String() string {
	switch t {
	case TypeIPv4:
		return "IPv4"
	case TypeARP:
		return "ARP"
	case TypeIPv6:
		return "IPv6"
	default:
		return "EtherType(0x" + strconv.FormatUint(uint64(t), 16) + ")"
	}
}
