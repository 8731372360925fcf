package wire

import "strconv"

// IPProto is an IPv4/IPv6 protocol number (the IPv4 header's Protocol field).
type IPProto uint8

// Protocol numbers used on the wire by this stack. Only a handful are given
// names since this implementation speaks ICMP and TCP exclusively, but the
// type is kept general so logging/debugging code can print unrecognized
// values sensibly.
const (
	IPProtoICMP IPProto = 1
	IPProtoTCP  IPProto = 6
	IPProtoUDP  IPProto = 17
)

func (p IPProto) String() string {
	switch p {
	case IPProtoICMP:
		return "ICMP"
	case IPProtoTCP:
		return "TCP"
	case IPProtoUDP:
		return "UDP"
	default:
		return "IPProto(" + strconv.Itoa(int(p)) + ")"
	}
}
