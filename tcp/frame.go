package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kirulegion/tcpstack/wire"
)

const sizeHeaderTCP = 20

var errShort = errors.New("tcp: frame too short")

// NewFrame returns a Frame with data set to buf.
// An error is returned if the buffer size is smaller than 20.
// Users should still call [Frame.ValidateSize] before working with the
// payload of frames to avoid panics.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeaderTCP {
		return Frame{buf: nil}, errShort
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates the raw data of a TCP segment and provides methods for
// manipulating, validating and retrieving fields and payload data. See
// [RFC9293]. TCP options are unsupported: the header is always the fixed
// 20-byte form (data offset = 5).
//
// [RFC9293]: https://datatracker.ietf.org/doc/html/rfc9293
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (tfrm Frame) RawData() []byte { return tfrm.buf }

// SourcePort identifies the sending port of the TCP segment.
func (tfrm Frame) SourcePort() uint16 { return binary.BigEndian.Uint16(tfrm.buf[0:2]) }

// SetSourcePort sets the source port field.
func (tfrm Frame) SetSourcePort(src uint16) { binary.BigEndian.PutUint16(tfrm.buf[0:2], src) }

// DestinationPort identifies the receiving port of the TCP segment.
func (tfrm Frame) DestinationPort() uint16 { return binary.BigEndian.Uint16(tfrm.buf[2:4]) }

// SetDestinationPort sets the destination port field.
func (tfrm Frame) SetDestinationPort(dst uint16) { binary.BigEndian.PutUint16(tfrm.buf[2:4], dst) }

// Seq returns the sequence number of the first octet of this segment.
func (tfrm Frame) Seq() Value { return Value(binary.BigEndian.Uint32(tfrm.buf[4:8])) }

// SetSeq sets the sequence number field.
func (tfrm Frame) SetSeq(v Value) { binary.BigEndian.PutUint32(tfrm.buf[4:8], uint32(v)) }

// Ack returns the acknowledgment number, valid only if ACK is set.
func (tfrm Frame) Ack() Value { return Value(binary.BigEndian.Uint32(tfrm.buf[8:12])) }

// SetAck sets the acknowledgment number field.
func (tfrm Frame) SetAck(v Value) { binary.BigEndian.PutUint32(tfrm.buf[8:12], uint32(v)) }

// OffsetAndFlags returns the data-offset (in 32-bit words) and flag fields.
func (tfrm Frame) OffsetAndFlags() (offset uint8, flags Flags) {
	v := binary.BigEndian.Uint16(tfrm.buf[12:14])
	return uint8(v >> 12), Flags(v).Mask()
}

// SetOffsetAndFlags sets the data-offset and flag fields. offset is
// expressed in 32-bit words; this stack always uses 5 (no options).
func (tfrm Frame) SetOffsetAndFlags(offset uint8, flags Flags) {
	v := uint16(offset)<<12 | uint16(flags.Mask())
	binary.BigEndian.PutUint16(tfrm.buf[12:14], v)
}

// HeaderLength returns the total header length in bytes, from the offset
// field. Performs no validation.
func (tfrm Frame) HeaderLength() int {
	offset, _ := tfrm.OffsetAndFlags()
	return 4 * int(offset)
}

// WindowSize returns the advertised window.
func (tfrm Frame) WindowSize() uint16 { return binary.BigEndian.Uint16(tfrm.buf[14:16]) }

// SetWindowSize sets the window field.
func (tfrm Frame) SetWindowSize(v uint16) { binary.BigEndian.PutUint16(tfrm.buf[14:16], v) }

// CRC returns the checksum field.
func (tfrm Frame) CRC() uint16 { return binary.BigEndian.Uint16(tfrm.buf[16:18]) }

// SetCRC sets the checksum field.
func (tfrm Frame) SetCRC(checksum uint16) { binary.BigEndian.PutUint16(tfrm.buf[16:18], checksum) }

// UrgentPtr returns the urgent pointer field (unused: URG is a non-goal).
func (tfrm Frame) UrgentPtr() uint16 { return binary.BigEndian.Uint16(tfrm.buf[18:20]) }

// SetUrgentPtr sets the urgent pointer field.
func (tfrm Frame) SetUrgentPtr(up uint16) { binary.BigEndian.PutUint16(tfrm.buf[18:20], up) }

// Payload returns the data portion of the segment. Call [Frame.ValidateSize]
// beforehand to avoid a panic on a malformed buffer.
func (tfrm Frame) Payload() []byte { return tfrm.buf[tfrm.HeaderLength():] }

// Segment returns the [Segment] representation of the header plus the given
// payload size.
func (tfrm Frame) Segment(payloadSize int) Segment {
	_, flags := tfrm.OffsetAndFlags()
	return Segment{
		SEQ:     tfrm.Seq(),
		ACK:     tfrm.Ack(),
		WND:     Size(tfrm.WindowSize()),
		DATALEN: Size(payloadSize),
		Flags:   flags,
	}
}

// SetSegment sets the sequence, acknowledgment, offset, window and flag
// fields from seg. Data offset is always fixed at 5 words (no options).
func (tfrm Frame) SetSegment(seg Segment) {
	tfrm.SetSeq(seg.SEQ)
	tfrm.SetAck(seg.ACK)
	tfrm.SetOffsetAndFlags(5, seg.Flags)
	tfrm.SetWindowSize(uint16(seg.WND))
}

// CRCWrite feeds the TCP header and payload into crc, treating the checksum
// field as zero as RFC 9293 requires. Callers must separately feed the IPv4
// pseudo-header (see [ipv4.Frame.CRCWriteTCPPseudo]) before calling this.
func (tfrm Frame) CRCWrite(crc *wire.Checksum) {
	crc.Write(tfrm.buf[0:16])
	crc.AddUint16(0) // checksum field, treated as zero.
	crc.Write(tfrm.buf[18:tfrm.HeaderLength()])
	crc.Write(tfrm.Payload())
}

// ClearHeader zeros out the fixed header contents.
func (tfrm Frame) ClearHeader() {
	for i := range tfrm.buf[:sizeHeaderTCP] {
		tfrm.buf[i] = 0
	}
}

func (tfrm Frame) String() string {
	src, dst := tfrm.SourcePort(), tfrm.DestinationPort()
	seg := tfrm.Segment(len(tfrm.Payload()))
	return fmt.Sprintf("TCP :%d -> :%d seq=%d ack=%d %s", src, dst, seg.SEQ, seg.ACK, seg.Flags)
}

//
// Validation API.
//

var (
	errBadOffset  = errors.New("tcp: options present, unsupported")
	errZeroSource = errors.New("tcp: zero source port")
	errZeroDest   = errors.New("tcp: zero destination port")
)

// ValidateSize checks the frame's offset field and compares it with the
// actual buffer backing the frame, rejecting any header carrying TCP
// options (offset != 5), since this stack supports only the fixed 20-byte
// header.
func (tfrm Frame) ValidateSize(v *wire.Validator) {
	if len(tfrm.buf) < sizeHeaderTCP {
		v.AddError(errShort)
		return
	}
	offset, _ := tfrm.OffsetAndFlags()
	if offset != 5 {
		v.AddError(errBadOffset)
	}
	if tfrm.HeaderLength() > len(tfrm.buf) {
		v.AddError(errShort)
	}
}

// ValidateExceptCRC checks size and port fields but does not check the
// checksum (callers validate the checksum separately via the IPv4
// pseudo-header, which this package does not have visibility into).
func (tfrm Frame) ValidateExceptCRC(v *wire.Validator) {
	tfrm.ValidateSize(v)
	if tfrm.DestinationPort() == 0 {
		v.AddError(errZeroDest)
	}
	if tfrm.SourcePort() == 0 {
		v.AddError(errZeroSource)
	}
}
