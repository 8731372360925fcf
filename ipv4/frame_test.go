package ipv4

import (
	"math"
	"math/rand"
	"testing"

	"github.com/kirulegion/tcpstack/wire"
)

func TestFrame(t *testing.T) {
	var buf [64]byte

	ifrm, err := NewFrame(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(1))
	const wantVersion, wantIHL = 4, 5
	var v wire.Validator
	for i := 0; i < 100; i++ {
		wantToS := ToS(rng.Intn(4))
		ifrm.SetVersionAndIHL(wantVersion, wantIHL)
		wantPayloadLen := rng.Intn(6)
		ifrm.SetToS(wantToS)
		wantTotalLength := 4*uint16(wantIHL) + uint16(wantPayloadLen)
		ifrm.SetTotalLength(wantTotalLength)
		wantID := uint16(rng.Intn(math.MaxUint16))
		ifrm.SetID(wantID)
		wantFlags := Flags(rng.Intn(16))
		ifrm.SetFlags(wantFlags)
		wantTTL := uint8(rng.Intn(256))
		ifrm.SetTTL(wantTTL)
		wantProtocol := wire.IPProto(rng.Intn(256))
		ifrm.SetProtocol(wantProtocol)
		wantCRC := uint16(rng.Intn(math.MaxUint16))
		ifrm.SetCRC(wantCRC)
		src := ifrm.SourceAddr()
		rng.Read(src[:])
		wantSrc := *src
		dst := ifrm.DestinationAddr()
		rng.Read(dst[:])
		wantDst := *dst
		ifrm.ValidateExceptCRC(&v)
		if v.HasError() {
			t.Error(v.ErrPop())
		}

		payload := ifrm.Payload()
		wantPayload := buf[sizeHeader : sizeHeader+wantPayloadLen]
		if len(payload) != wantPayloadLen {
			t.Errorf("want payload length %d, got %d", wantPayloadLen, len(payload))
		}
		if len(payload) > 0 && &wantPayload[0] != &payload[0] {
			t.Error("first byte of payload unexpected pointer")
		}
		if len(payload) > 0 {
			payload[0] = byte(rng.Int()) // write over start of payload to catch field aliasing.
		}

		if ver, ihl := ifrm.VersionAndIHL(); ver != wantVersion || ihl != wantIHL {
			t.Errorf("wanted IHL %d, got version,IHL %d,%d ", wantIHL, ver, ihl)
		}
		if tos := ifrm.ToS(); tos != wantToS {
			t.Errorf("wanted ToS %d, got %d", wantToS, tos)
		}
		if tl := ifrm.TotalLength(); tl != wantTotalLength {
			t.Errorf("wanted total length %d, got %d", wantTotalLength, tl)
		}
		if id := ifrm.ID(); id != wantID {
			t.Errorf("want ID %d, got %d", wantID, id)
		}
		if flags := ifrm.Flags(); flags != wantFlags {
			t.Errorf("want flags %d, got %d", wantFlags, flags)
		}
		if ttl := ifrm.TTL(); ttl != wantTTL {
			t.Errorf("want TTL %d, got %d", wantTTL, ttl)
		}
		if proto := ifrm.Protocol(); proto != wantProtocol {
			t.Errorf("want protocol %d, got %d", wantProtocol, proto)
		}
		if crc := ifrm.CRC(); crc != wantCRC {
			t.Errorf("want crc %d, got %d", wantCRC, crc)
		}
		if wantDst != *dst {
			t.Errorf("want dst addr %d, got %d", wantDst, dst)
		}
		if wantSrc != *src {
			t.Errorf("want src addr %d, got %d", wantSrc, src)
		}
	}
}

func TestValidateSizeRejectsOptions(t *testing.T) {
	var buf [64]byte
	ifrm, err := NewFrame(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	ifrm.SetVersionAndIHL(4, 6) // IHL=6 implies 4 bytes of options.
	ifrm.SetTotalLength(24)
	var v wire.Validator
	ifrm.ValidateSize(&v)
	if !v.HasError() {
		t.Fatal("expected rejection of a header carrying IP options")
	}
}

func TestHeaderCRC(t *testing.T) {
	var buf [20]byte
	ifrm, err := NewFrame(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(20)
	ifrm.SetTTL(64)
	ifrm.SetProtocol(wire.IPProtoTCP)
	*ifrm.SourceAddr() = [4]byte{10, 0, 0, 1}
	*ifrm.DestinationAddr() = [4]byte{10, 0, 0, 2}
	ifrm.SetCRC(0)
	crc := ifrm.CalculateHeaderCRC()
	ifrm.SetCRC(crc)

	// Summing the completed header (including its own correct checksum)
	// over itself must fold to zero, the standard ones'-complement
	// self-check.
	var check wire.Checksum
	check.Write(buf[:])
	if check.Sum16() != 0 {
		t.Fatalf("header checksum self-check failed: got %#x", check.Sum16())
	}
}
