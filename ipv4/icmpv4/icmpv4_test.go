package icmpv4

import (
	"testing"

	"github.com/kirulegion/tcpstack/wire"
)

func TestBuildEchoReplyMirrorsRequest(t *testing.T) {
	reqBuf := make([]byte, 16)
	reqFrm, err := NewFrame(reqBuf)
	if err != nil {
		t.Fatal(err)
	}
	req := FrameEcho{Frame: reqFrm}
	req.SetType(TypeEcho)
	req.SetCode(0)
	req.SetIdentifier(0x1234)
	req.SetSequenceNumber(7)
	copy(req.Data(), []byte("ping data"))
	req.SetCRC(0)
	var crc wire.Checksum
	req.CRCWrite(&crc)
	req.SetCRC(crc.Sum16())

	replyBuf := make([]byte, 16)
	reply, err := BuildEchoReply(replyBuf, req)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Type() != TypeEchoReply {
		t.Fatalf("want TypeEchoReply, got %v", reply.Type())
	}
	if reply.Identifier() != req.Identifier() {
		t.Fatalf("identifier mismatch: want %d got %d", req.Identifier(), reply.Identifier())
	}
	if reply.SequenceNumber() != req.SequenceNumber() {
		t.Fatalf("sequence mismatch: want %d got %d", req.SequenceNumber(), reply.SequenceNumber())
	}
	if string(reply.Data()) != string(req.Data()) {
		t.Fatalf("data mismatch: want %q got %q", req.Data(), reply.Data())
	}

	storedCRC := reply.CRC()
	reply.SetCRC(0)
	var recompute wire.Checksum
	reply.CRCWrite(&recompute)
	if recompute.Sum16() != storedCRC {
		t.Fatalf("checksum mismatch: stored %#x recomputed %#x", storedCRC, recompute.Sum16())
	}
}
