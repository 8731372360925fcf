package arp

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/kirulegion/tcpstack/ethernet"
	"github.com/kirulegion/tcpstack/wire"
)

// NewFrame returns a Frame with data set to buf.
// An error is returned if the buffer is smaller than the fixed IPv4 ARP
// packet size (28 bytes). Callers should still call [Frame.ValidateSize]
// before trusting field values derived from an untrusted buffer.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeaderv4 {
		return Frame{buf: nil}, errShortARP
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates the raw data of an ARP packet for Ethernet/IPv4 and
// provides methods for manipulating, validating and retrieving fields and
// payload data. See [RFC826].
//
// [RFC826]: https://tools.ietf.org/html/rfc826
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (afrm Frame) RawData() []byte { return afrm.buf }

// Hardware returns the hardware type and hardware address length fields.
func (afrm Frame) Hardware() (htype uint16, length uint8) {
	return binary.BigEndian.Uint16(afrm.buf[0:2]), afrm.buf[4]
}

// SetHardware sets the hardware type and hardware address length fields.
func (afrm Frame) SetHardware(htype uint16, length uint8) {
	binary.BigEndian.PutUint16(afrm.buf[0:2], htype)
	afrm.buf[4] = length
}

// Protocol returns the protocol type and protocol address length fields.
func (afrm Frame) Protocol() (ptype ethernet.Type, length uint8) {
	return ethernet.Type(binary.BigEndian.Uint16(afrm.buf[2:4])), afrm.buf[5]
}

// SetProtocol sets the protocol type and protocol address length fields.
func (afrm Frame) SetProtocol(ptype ethernet.Type, length uint8) {
	binary.BigEndian.PutUint16(afrm.buf[2:4], uint16(ptype))
	afrm.buf[5] = length
}

// Operation returns the ARP header operation field.
func (afrm Frame) Operation() Operation { return Operation(binary.BigEndian.Uint16(afrm.buf[6:8])) }

// SetOperation sets the ARP header operation field.
func (afrm Frame) SetOperation(op Operation) { binary.BigEndian.PutUint16(afrm.buf[6:8], uint16(op)) }

// Sender returns the hardware (MAC) and protocol addresses of the sender of
// the ARP packet.
func (afrm Frame) Sender() (hardwareAddr []byte, proto []byte) {
	_, hlen := afrm.Hardware()
	_, plen := afrm.Protocol()
	return afrm.buf[8 : 8+hlen], afrm.buf[8+hlen : 8+hlen+plen]
}

// Target returns the hardware (MAC) and protocol addresses of the target of
// the ARP packet. In a request the target hardware address is all zero.
func (afrm Frame) Target() (hardwareAddr []byte, proto []byte) {
	_, hlen := afrm.Hardware()
	_, plen := afrm.Protocol()
	toff := 8 + hlen + plen
	return afrm.buf[toff : toff+hlen], afrm.buf[toff+hlen : toff+hlen+plen]
}

// Sender4 returns the IPv4 sender hardware and protocol addresses.
func (afrm Frame) Sender4() (hardwareAddr *[6]byte, proto *[4]byte) {
	return (*[6]byte)(afrm.buf[8:14]), (*[4]byte)(afrm.buf[14:18])
}

// Target4 returns the IPv4 target hardware and protocol addresses.
func (afrm Frame) Target4() (hardwareAddr *[6]byte, proto *[4]byte) {
	return (*[6]byte)(afrm.buf[18:24]), (*[4]byte)(afrm.buf[24:28])
}

// ClearHeader zeros out the fixed (non-variable) header contents.
func (afrm Frame) ClearHeader() {
	for i := range afrm.buf[:sizeHeader] {
		afrm.buf[i] = 0
	}
}

// Clip returns the frame truncated to its exact encoded length, discarding
// any trailing padding in the backing buffer.
func (afrm Frame) Clip() Frame {
	_, hlen := afrm.Hardware()
	_, plen := afrm.Protocol()
	return Frame{buf: afrm.buf[:sizeHeader+2*int(hlen)+2*int(plen)]}
}

// SwapTargetSender exchanges the sender and target address fields in place;
// used to turn a received request into a reply.
func (afrm Frame) SwapTargetSender() {
	hwTarget, protoTarget := afrm.Target()
	hwSender, protoSender := afrm.Sender()
	for i := range hwTarget {
		hwTarget[i], hwSender[i] = hwSender[i], hwTarget[i]
	}
	for i := range protoTarget {
		protoTarget[i], protoSender[i] = protoSender[i], protoTarget[i]
	}
}

// ValidateSize checks the frame's size fields and compares them with the
// actual buffer backing the frame. Inconsistencies are recorded in v.
func (afrm Frame) ValidateSize(v *wire.Validator) {
	if len(afrm.buf) < sizeHeader {
		v.AddError(errShortARP)
		return
	}
	_, hlen := afrm.Hardware()
	_, plen := afrm.Protocol()
	minLen := sizeHeader + 2*(int(hlen)+int(plen))
	if len(afrm.buf) < minLen {
		v.AddError(errShortARP)
	}
}

func (afrm Frame) String() string {
	hwt, _ := afrm.Hardware()
	ptt, _ := afrm.Protocol()
	sndhw, sndpt := afrm.Sender()
	tgthw, tgtpt := afrm.Target()
	var sndstr, tgtstr string
	if ptt == ethernet.TypeIPv4 {
		sender, _ := netip.AddrFromSlice(sndpt)
		target, _ := netip.AddrFromSlice(tgtpt)
		sndstr, tgtstr = sender.String(), target.String()
	} else {
		sndstr, tgtstr = net.HardwareAddr(sndpt).String(), net.HardwareAddr(tgtpt).String()
	}
	return fmt.Sprintf("ARP %s HW=(%d,SENDER=%s,TARGET=%s) PROTO=(%s,SENDER=%s,TARGET=%s)",
		afrm.Operation(), hwt, net.HardwareAddr(sndhw).String(), net.HardwareAddr(tgthw).String(),
		ptt, sndstr, tgtstr)
}
