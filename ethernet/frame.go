package ethernet

import (
	"encoding/binary"
	"errors"

	"github.com/kirulegion/tcpstack/wire"
)

// NewFrame returns a Frame with data set to buf.
// An error is returned if the buffer size is smaller than 14.
// Users should still call [Frame.ValidateSize] before working
// with the payload of frames to avoid panics.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{buf: nil}, errShort
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates the raw data of an Ethernet II frame
// without including preamble (first byte is start of destination address)
// and provides methods for manipulating, validating and
// retrieving fields and payload data. See [IEEE 802.3].
//
// No 802.1Q VLAN tag support: this stack's single TAP link never carries
// tagged traffic, so the header is always the fixed 14-byte form.
//
// [IEEE 802.3]: https://standards.ieee.org/ieee/802.3/7071/
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (efrm Frame) RawData() []byte { return efrm.buf }

// HeaderLength returns the length of the Ethernet header, always 14.
func (efrm Frame) HeaderLength() int { return sizeHeader }

// Payload returns the data portion of the ethernet packet.
func (efrm Frame) Payload() []byte {
	et := efrm.EtherTypeOrSize()
	if et.IsSize() {
		return efrm.buf[sizeHeader : sizeHeader+int(et)]
	}
	return efrm.buf[sizeHeader:]
}

// DestinationHardwareAddr returns the target's MAC/hardware address for the ethernet packet.
func (efrm Frame) DestinationHardwareAddr() (dst *[6]byte) {
	return (*[6]byte)(efrm.buf[0:6])
}

// IsBroadcast returns true if the destination is the broadcast address ff:ff:ff:ff:ff:ff, false otherwise.
func (efrm Frame) IsBroadcast() bool {
	return efrm.buf[0] == 0xff && efrm.buf[1] == 0xff && efrm.buf[2] == 0xff &&
		efrm.buf[3] == 0xff && efrm.buf[4] == 0xff && efrm.buf[5] == 0xff
}

// SourceHardwareAddr returns the sender's MAC/hardware address of the ethernet packet.
func (efrm Frame) SourceHardwareAddr() (src *[6]byte) {
	return (*[6]byte)(efrm.buf[6:12])
}

// EtherTypeOrSize returns the EtherType/Size field of the ethernet packet.
// Caller should check if the field is actually a valid EtherType or if it
// represents the Ethernet payload size with [Type.IsSize].
func (efrm Frame) EtherTypeOrSize() Type {
	return Type(binary.BigEndian.Uint16(efrm.buf[12:14]))
}

// SetEtherType sets the EtherType field of the ethernet packet.
func (efrm Frame) SetEtherType(v Type) {
	binary.BigEndian.PutUint16(efrm.buf[12:14], uint16(v))
}

// ClearHeader zeros out the fixed header contents.
func (efrm Frame) ClearHeader() {
	for i := range efrm.buf[:sizeHeader] {
		efrm.buf[i] = 0
	}
}

//
// Validation API.
//

var errShort = errors.New("ethernet: frame too short")

// ValidateSize checks the frame's size fields against the actual buffer
// backing the frame and records any inconsistency found in v.
func (efrm Frame) ValidateSize(v *wire.Validator) {
	if len(efrm.buf) < sizeHeader {
		v.AddError(errShort)
		return
	}
	sz := efrm.EtherTypeOrSize()
	if sz.IsSize() && len(efrm.buf) < sizeHeader+int(sz) {
		v.AddError(errShort)
	}
}
