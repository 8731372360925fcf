// Package icmpv4 implements RFC 792 ICMPv4 message encoding/decoding. This
// stack only ever answers echo requests, but the type enum is kept broad
// enough to log any ICMP message it sees.
package icmpv4

import (
	"encoding/binary"
	"errors"

	"github.com/kirulegion/tcpstack/wire"
)

type Type uint8

const (
	TypeEchoReply Type = 0
	TypeEcho      Type = 8

	TypeDestinationUnreachable Type = 3
	TypeTimeExceeded           Type = 11
)

var errShortFrame = errors.New("icmpv4: short frame")

func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < 8 {
		return Frame{}, errShortFrame
	}
	return Frame{buf: buf}, nil
}

// Frame is the common 8-byte ICMPv4 message header: Type, Code, Checksum,
// and a 4-byte type-specific field.
type Frame struct {
	buf []byte
}

func (frm Frame) RawData() []byte { return frm.buf }

func (frm Frame) Type() Type { return Type(frm.buf[0]) }

func (frm Frame) SetType(t Type) { frm.buf[0] = uint8(t) }

func (frm Frame) Code() uint8 { return frm.buf[1] }

func (frm Frame) SetCode(code uint8) { frm.buf[1] = code }

// CRC returns the checksum field of the frame.
func (frm Frame) CRC() uint16 { return binary.BigEndian.Uint16(frm.buf[2:4]) }

// SetCRC sets the checksum field of the frame.
func (frm Frame) SetCRC(crc uint16) { binary.BigEndian.PutUint16(frm.buf[2:4], crc) }

// CRCWrite feeds the ICMP message into crc, treating the checksum field as
// zero as required by RFC 792.
func (frm Frame) CRCWrite(crc *wire.Checksum) {
	crc.AddUint16(binary.BigEndian.Uint16(frm.buf[0:2]))
	crc.Write(frm.buf[4:])
}

// FrameEcho is an ICMP echo request/reply message (Type 8 or 0).
type FrameEcho struct {
	Frame
}

func (frm FrameEcho) Identifier() uint16 { return binary.BigEndian.Uint16(frm.buf[4:6]) }

func (frm FrameEcho) SetIdentifier(id uint16) { binary.BigEndian.PutUint16(frm.buf[4:6], id) }

func (frm FrameEcho) SequenceNumber() uint16 { return binary.BigEndian.Uint16(frm.buf[6:8]) }

func (frm FrameEcho) SetSequenceNumber(seq uint16) { binary.BigEndian.PutUint16(frm.buf[6:8], seq) }

func (frm FrameEcho) Data() []byte { return frm.buf[8:] }

// BuildEchoReply writes an echo reply into buf mirroring the identifier,
// sequence number, and data of the echo request req, and returns the
// encoded message with its checksum filled in.
func BuildEchoReply(buf []byte, req FrameEcho) (FrameEcho, error) {
	if len(buf) < 8+len(req.Data()) {
		return FrameEcho{}, errShortFrame
	}
	frm, err := NewFrame(buf[:8+len(req.Data())])
	if err != nil {
		return FrameEcho{}, err
	}
	reply := FrameEcho{Frame: frm}
	reply.SetType(TypeEchoReply)
	reply.SetCode(0)
	reply.SetIdentifier(req.Identifier())
	reply.SetSequenceNumber(req.SequenceNumber())
	copy(reply.Data(), req.Data())
	reply.SetCRC(0)
	var crc wire.Checksum
	reply.CRCWrite(&crc)
	reply.SetCRC(crc.Sum16())
	return reply, nil
}
