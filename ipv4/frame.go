package ipv4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/kirulegion/tcpstack/wire"
)

// NewFrame returns a Frame with data set to buf.
// An error is returned if the buffer size is smaller than 20.
// Users should still call [Frame.ValidateSize] before working with the
// payload of frames to avoid panics.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{buf: nil}, errShort
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates the raw data of an IPv4 packet and provides methods for
// manipulating, validating and retrieving fields and payload data. See
// [RFC791]. IP options are unsupported: the header is always the fixed
// 20-byte form (IHL=5).
//
// [RFC791]: https://tools.ietf.org/html/rfc791
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (ifrm Frame) RawData() []byte { return ifrm.buf }

func (ifrm Frame) ihl() uint8     { return ifrm.buf[0] & 0xf }
func (ifrm Frame) version() uint8 { return ifrm.buf[0] >> 4 }

// VersionAndIHL returns the version and IHL fields in the IPv4 header.
func (ifrm Frame) VersionAndIHL() (version, ihl uint8) {
	v := ifrm.buf[0]
	return v >> 4, v & 0xf
}

// SetVersionAndIHL sets the version and IHL fields. This stack always uses
// IHL=5 (no options).
func (ifrm Frame) SetVersionAndIHL(version, ihl uint8) { ifrm.buf[0] = version<<4 | ihl&0xf }

// ToS returns the Type of Service field.
func (ifrm Frame) ToS() ToS { return ToS(ifrm.buf[1]) }

// SetToS sets the ToS field.
func (ifrm Frame) SetToS(tos ToS) { ifrm.buf[1] = byte(tos) }

// TotalLength returns the entire packet size in bytes, including header.
func (ifrm Frame) TotalLength() uint16 { return binary.BigEndian.Uint16(ifrm.buf[2:4]) }

// SetTotalLength sets the TotalLength field.
func (ifrm Frame) SetTotalLength(tl uint16) { binary.BigEndian.PutUint16(ifrm.buf[2:4], tl) }

// ID is the identification field, used to group fragments of a datagram.
// This stack never fragments, so it only needs to be distinct enough for
// logging/debugging correlation.
func (ifrm Frame) ID() uint16 { return binary.BigEndian.Uint16(ifrm.buf[4:6]) }

// SetID sets the ID field.
func (ifrm Frame) SetID(id uint16) { binary.BigEndian.PutUint16(ifrm.buf[4:6], id) }

// Flags returns the fragmentation-control [Flags] of the packet.
func (ifrm Frame) Flags() Flags { return Flags(binary.BigEndian.Uint16(ifrm.buf[6:8])) }

// SetFlags sets the Flags field.
func (ifrm Frame) SetFlags(flags Flags) { binary.BigEndian.PutUint16(ifrm.buf[6:8], uint16(flags)) }

// TTL is the time-to-live hop count.
func (ifrm Frame) TTL() uint8 { return ifrm.buf[8] }

// SetTTL sets the TTL field.
func (ifrm Frame) SetTTL(ttl uint8) { ifrm.buf[8] = ttl }

// Protocol identifies the encapsulated payload protocol (TCP is 6, ICMP is 1).
func (ifrm Frame) Protocol() wire.IPProto { return wire.IPProto(ifrm.buf[9]) }

// SetProtocol sets the Protocol field.
func (ifrm Frame) SetProtocol(proto wire.IPProto) { ifrm.buf[9] = uint8(proto) }

// CRC returns the header checksum field.
func (ifrm Frame) CRC() uint16 { return binary.BigEndian.Uint16(ifrm.buf[10:12]) }

// SetCRC sets the header checksum field.
func (ifrm Frame) SetCRC(cs uint16) { binary.BigEndian.PutUint16(ifrm.buf[10:12], cs) }

// CalculateHeaderCRC computes the header checksum over the fixed 20-byte
// header (excluding the checksum field itself, which must be zeroed first).
func (ifrm Frame) CalculateHeaderCRC() uint16 {
	var crc wire.Checksum
	crc.Write(ifrm.buf[0:10])
	crc.Write(ifrm.buf[12:20])
	return crc.Sum16()
}

// CRCWriteTCPPseudo feeds the IPv4 pseudo-header used by TCP's checksum
// (RFC 793 §3.1) into crc: source/destination address, zero byte, protocol,
// and TCP segment length.
func (ifrm Frame) CRCWriteTCPPseudo(crc *wire.Checksum) {
	crc.Write(ifrm.SourceAddr()[:])
	crc.Write(ifrm.DestinationAddr()[:])
	crc.AddUint16(ifrm.TotalLength() - sizeHeader)
	crc.AddUint16(uint16(ifrm.Protocol()))
}

// CRCWriteICMPPseudo feeds the minimal pseudo-context ICMP needs: unlike TCP
// and UDP, ICMPv4's checksum (RFC 792) covers only the ICMP message itself,
// so this is a no-op kept for API symmetry with CRCWriteTCPPseudo.
func (ifrm Frame) CRCWriteICMPPseudo(crc *wire.Checksum) {}

// SourceAddr returns a pointer to the source IPv4 address.
func (ifrm Frame) SourceAddr() *[4]byte { return (*[4]byte)(ifrm.buf[12:16]) }

// DestinationAddr returns a pointer to the destination IPv4 address.
func (ifrm Frame) DestinationAddr() *[4]byte { return (*[4]byte)(ifrm.buf[16:20]) }

// Payload returns the contents of the IPv4 packet after the fixed header.
// Call [Frame.ValidateSize] beforehand to avoid a panic on a malformed
// buffer.
func (ifrm Frame) Payload() []byte {
	return ifrm.buf[sizeHeader:ifrm.TotalLength()]
}

// ClearHeader zeros out the header contents.
func (ifrm Frame) ClearHeader() {
	for i := range ifrm.buf[:sizeHeader] {
		ifrm.buf[i] = 0
	}
}

//
// Validation API.
//

var (
	errBadTL      = errors.New("ipv4: bad total length")
	errShort      = errors.New("ipv4: short data")
	errBadIHL     = errors.New("ipv4: options present, unsupported")
	errBadVersion = errors.New("ipv4: bad version")
)

// ValidateSize checks the frame's size fields against the actual buffer and
// rejects any header carrying IP options (IHL != 5), since this stack
// supports only the fixed 20-byte header.
func (ifrm Frame) ValidateSize(v *wire.Validator) {
	if len(ifrm.buf) < sizeHeader {
		v.AddError(errShort)
		return
	}
	ihl := ifrm.ihl()
	tl := ifrm.TotalLength()
	if ihl != 5 {
		v.AddError(errBadIHL)
	}
	if tl < sizeHeader {
		v.AddError(errBadTL)
	}
	if int(tl) > len(ifrm.buf) {
		v.AddError(errShort)
	}
}

// ValidateExceptCRC checks size and version fields but does not check the
// header checksum (callers validate the checksum separately since it
// requires a temporary mutation of the CRC field).
func (ifrm Frame) ValidateExceptCRC(v *wire.Validator) {
	ifrm.ValidateSize(v)
	if ifrm.version() != 4 {
		v.AddError(errBadVersion)
	}
}

func (ifrm Frame) String() string {
	dst := netip.AddrFrom4(*ifrm.DestinationAddr())
	src := netip.AddrFrom4(*ifrm.SourceAddr())
	tl := int(ifrm.TotalLength())
	ttl := ifrm.TTL()
	id := ifrm.ID()
	proto := ifrm.Protocol()
	tos := ifrm.ToS()
	return fmt.Sprintf("IP %s SRC=%s DST=%s LEN=%d TTL=%d ID=%d ToS=0x%x", proto, src, dst, tl, ttl, id, tos)
}
