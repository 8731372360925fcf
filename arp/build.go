package arp

import (
	"github.com/kirulegion/tcpstack/ethernet"
	"github.com/kirulegion/tcpstack/wire"
)

// BuildRequest encodes an RFC 826 ARP request into buf (which must be at
// least sizeHeaderv4 bytes) asking who has targetIP, advertising ourMAC/ourIP
// as the sender. It returns the encoded frame's bytes.
func BuildRequest(buf []byte, ourMAC [6]byte, ourIP [4]byte, targetIP [4]byte) []byte {
	afrm, err := NewFrame(buf)
	if err != nil {
		panic(err) // buf too small is a caller bug, not a runtime condition.
	}
	afrm.ClearHeader()
	afrm.SetHardware(HTypeEthernet, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(OpRequest)
	hwSender, protoSender := afrm.Sender4()
	*hwSender = ourMAC
	*protoSender = ourIP
	hwTarget, protoTarget := afrm.Target4()
	*hwTarget = [6]byte{}
	*protoTarget = targetIP
	return afrm.Clip().RawData()
}

// BuildReply encodes an RFC 826 ARP reply into buf answering a request whose
// sender was (requesterMAC, requesterIP), advertising (ourMAC, ourIP) as the
// responder.
func BuildReply(buf []byte, ourMAC [6]byte, ourIP [4]byte, requesterMAC [6]byte, requesterIP [4]byte) []byte {
	afrm, err := NewFrame(buf)
	if err != nil {
		panic(err)
	}
	afrm.ClearHeader()
	afrm.SetHardware(HTypeEthernet, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(OpReply)
	hwSender, protoSender := afrm.Sender4()
	*hwSender = ourMAC
	*protoSender = ourIP
	hwTarget, protoTarget := afrm.Target4()
	*hwTarget = requesterMAC
	*protoTarget = requesterIP
	return afrm.Clip().RawData()
}

// Parsed is the decoded content of an ARP packet relevant to the dispatcher.
type Parsed struct {
	Op        Operation
	SenderMAC [6]byte
	SenderIP  [4]byte
	TargetMAC [6]byte
	TargetIP  [4]byte
}

// Parse validates and decodes an ARP packet, returning its fields. ok is
// false if the buffer fails validation or carries an unrecognized hardware/
// protocol combination (only Ethernet/IPv4 is understood).
func Parse(buf []byte) (p Parsed, ok bool) {
	afrm, err := NewFrame(buf)
	if err != nil {
		return Parsed{}, false
	}
	var v wire.Validator
	afrm.ValidateSize(&v)
	if v.HasError() {
		return Parsed{}, false
	}
	htype, hlen := afrm.Hardware()
	ptype, plen := afrm.Protocol()
	if htype != HTypeEthernet || hlen != 6 || ptype != ethernet.TypeIPv4 || plen != 4 {
		return Parsed{}, false
	}
	senderHW, senderIP := afrm.Sender4()
	targetHW, targetIP := afrm.Target4()
	return Parsed{
		Op:        afrm.Operation(),
		SenderMAC: *senderHW,
		SenderIP:  *senderIP,
		TargetMAC: *targetHW,
		TargetIP:  *targetIP,
	}, true
}
