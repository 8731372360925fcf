package tcp

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func fixedISS(v Value) ISSFunc { return func() Value { return v } }

func newTestStack(port uint16) *TcpStack {
	s := NewStack(fixedISS(0x12345678), nil)
	s.Listen(port)
	return s
}

var testFour = FourTuple{
	SrcIP:   [4]byte{10, 0, 0, 2},
	DstIP:   [4]byte{10, 0, 0, 1},
	SrcPort: 5555,
	DstPort: 7,
}

func syn(seq Value) Segment {
	return Segment{SEQ: seq, Flags: FlagSYN}
}

// TestThreeWayHandshake exercises §8 scenario 1: SYN -> SYN,ACK -> ACK.
func TestThreeWayHandshake(t *testing.T) {
	s := newTestStack(7)
	out := s.OnSegment(0, testFour, syn(100), nil)
	if len(out) != 1 {
		t.Fatalf("want 1 outbound, got %d", len(out))
	}
	sa := out[0].Seg
	if sa.Flags.Mask() != synack {
		t.Fatalf("want SYN,ACK got %s", sa.Flags)
	}
	if sa.SEQ != 0x12345678 || sa.ACK != 101 {
		t.Fatalf("bad SYN,ACK seq/ack: %+v", sa)
	}

	tcb, ok := s.Lookup(testFour)
	if !ok || tcb.State != StateSynRcvd {
		t.Fatalf("expected SynRcvd TCB")
	}

	ack := Segment{SEQ: 101, ACK: 0x12345678 + 1, WND: rcvWndDefault, Flags: FlagACK}
	out = s.OnSegment(10, testFour, ack, nil)
	if len(out) != 0 {
		t.Fatalf("want no outbound on bare ACK, got %v", out)
	}
	if tcb.State != StateEstablished {
		t.Fatalf("want Established, got %s", tcb.State)
	}
}

func establish(t *testing.T, s *TcpStack, nowMs int64) *TCB {
	t.Helper()
	s.OnSegment(nowMs, testFour, syn(100), nil)
	tcb, _ := s.Lookup(testFour)
	ack := Segment{SEQ: 101, ACK: tcb.sndNxt, WND: rcvWndDefault, Flags: FlagACK}
	s.OnSegment(nowMs, testFour, ack, nil)
	return tcb
}

// TestEchoOneByte exercises §8 scenario 2: one byte of data arrives in
// order, is delivered to app_read, and a delayed ACK is armed.
func TestEchoOneByte(t *testing.T) {
	s := newTestStack(7)
	tcb := establish(t, s, 0)

	data := Segment{SEQ: 101, ACK: tcb.sndNxt, WND: rcvWndDefault, DATALEN: 1, Flags: pshack}
	out := s.OnSegment(100, testFour, data, []byte("x"))
	if len(out) != 0 {
		t.Fatalf("no immediate ACK expected (delayed-ack armed), got %v", out)
	}
	if tcb.rcvNxt != 102 {
		t.Fatalf("rcvNxt want 102 got %d", tcb.rcvNxt)
	}
	if tcb.appRead.Buffered() != 1 {
		t.Fatalf("want 1 byte delivered to app, got %d", tcb.appRead.Buffered())
	}

	out = s.OnTimer(100 + delayedAckMs)
	if len(out) != 1 || out[0].Seg.Flags.Mask() != FlagACK {
		t.Fatalf("want delayed ACK to fire, got %v", out)
	}
}

// TestOutOfOrderReassembly exercises §8 scenario 3: a future segment is
// buffered, then the gap-filling segment triggers delivery of both.
func TestOutOfOrderReassembly(t *testing.T) {
	s := newTestStack(7)
	tcb := establish(t, s, 0)

	future := Segment{SEQ: 103, ACK: tcb.sndNxt, WND: rcvWndDefault, DATALEN: 2, Flags: pshack}
	out := s.OnSegment(0, testFour, future, []byte("cd"))
	if len(out) != 1 || out[0].Seg.Flags.Mask() != FlagACK {
		t.Fatalf("want immediate dup-ACK for OOO segment, got %v", out)
	}
	if tcb.rcvNxt != 101 {
		t.Fatalf("rcvNxt must not advance on OOO data, got %d", tcb.rcvNxt)
	}
	if len(tcb.ooo) != 1 {
		t.Fatalf("want 1 buffered ooo chunk, got %d", len(tcb.ooo))
	}

	gap := Segment{SEQ: 101, ACK: tcb.sndNxt, WND: rcvWndDefault, DATALEN: 2, Flags: pshack}
	s.OnSegment(0, testFour, gap, []byte("ab"))
	if tcb.rcvNxt != 105 {
		t.Fatalf("rcvNxt want 105 after drain, got %d", tcb.rcvNxt)
	}
	if len(tcb.ooo) != 0 {
		t.Fatalf("ooo buffer should be empty after drain")
	}
	got := make([]byte, 4)
	tcb.appRead.Read(got)
	if string(got) != "abcd" {
		t.Fatalf("want reassembled \"abcd\", got %q", got)
	}
}

// TestRetransmitOnTimeout exercises §8 scenario 4: an unacked segment fires
// its RTO, is retransmitted with the original bytes, and the RTO backs off.
func TestRetransmitOnTimeout(t *testing.T) {
	s := newTestStack(7)
	tcb := establish(t, s, 0)
	tcb.sndWnd = rcvWndDefault

	s.SendApp(testFour, []byte("hello"), 0)
	if len(tcb.unacked) != 1 {
		t.Fatalf("want 1 in-flight segment, got %d", len(tcb.unacked))
	}
	rto := tcb.rto.RTO()

	out := s.OnTimer(rto - 1)
	for _, o := range out {
		if o.Four == testFour && o.Seg.DATALEN > 0 {
			t.Fatalf("must not retransmit before RTO elapses")
		}
	}

	out = s.OnTimer(rto)
	var retrans *Outbound
	for i := range out {
		if out[i].Four == testFour && out[i].Seg.DATALEN > 0 {
			retrans = &out[i]
		}
	}
	if retrans == nil {
		t.Fatalf("want retransmission at RTO, got %v", out)
	}
	if string(retrans.Payload) != "hello" {
		t.Fatalf("retransmission must carry original bytes, got %q", retrans.Payload)
	}
	if retrans.Kind != OutboundRetransmit {
		t.Fatalf("want Kind==OutboundRetransmit, got %v", retrans.Kind)
	}
	if tcb.rto.RTO() <= rto {
		t.Fatalf("RTO must back off after firing: before=%d after=%d", rto, tcb.rto.RTO())
	}
}

// TestFastRetransmit exercises §8 scenario 5: three duplicate ACKs trigger
// an immediate retransmission of the oldest unacked segment.
func TestFastRetransmit(t *testing.T) {
	s := newTestStack(7)
	tcb := establish(t, s, 0)
	tcb.sndWnd = rcvWndDefault

	s.SendApp(testFour, []byte("hello"), 0)
	dup := Segment{SEQ: 101, ACK: tcb.sndUna, WND: rcvWndDefault, Flags: FlagACK}

	s.OnSegment(1, testFour, dup, nil)
	s.OnSegment(2, testFour, dup, nil)
	out := s.OnSegment(3, testFour, dup, nil)

	if tcb.dupacks != 3 {
		t.Fatalf("want dupacks==3, got %d", tcb.dupacks)
	}
	var retrans *Outbound
	for i := range out {
		if out[i].Seg.DATALEN > 0 {
			retrans = &out[i]
		}
	}
	if retrans == nil {
		t.Fatalf("want fast retransmit on 3rd dup ACK, got %v", out)
	}
	if string(retrans.Payload) != "hello" {
		t.Fatalf("fast retransmit must carry original bytes, got %q", retrans.Payload)
	}
	if retrans.Kind != OutboundFastRetransmit {
		t.Fatalf("want Kind==OutboundFastRetransmit, got %v", retrans.Kind)
	}
	if tcb.ssthresh != maxSize(initCwnd/2, 2*MSS) {
		t.Fatalf("ssthresh not updated per Reno fast-retransmit: %d", tcb.ssthresh)
	}
}

// TestPassiveClose exercises §8 scenario 6: a remote FIN moves the
// connection through LastAck into TimeWait, which later expires.
func TestPassiveClose(t *testing.T) {
	s := newTestStack(7)
	tcb := establish(t, s, 0)

	fin := Segment{SEQ: 101, ACK: tcb.sndNxt, WND: rcvWndDefault, Flags: FlagFIN | FlagACK}
	out := s.OnSegment(0, testFour, fin, nil)
	if len(out) != 2 {
		t.Fatalf("want bare ACK + FIN,ACK, got %d outbound", len(out))
	}
	if out[0].Seg.Flags.Mask() != FlagACK {
		t.Fatalf("first outbound must be bare ACK, got %s", out[0].Seg.Flags)
	}
	if out[1].Seg.Flags.Mask() != finack {
		t.Fatalf("second outbound must be FIN,ACK, got %s", out[1].Seg.Flags)
	}
	if tcb.State != StateLastAck {
		t.Fatalf("want LastAck, got %s", tcb.State)
	}

	finalAck := Segment{SEQ: 102, ACK: tcb.sndNxt, WND: rcvWndDefault, Flags: FlagACK}
	s.OnSegment(5, testFour, finalAck, nil)
	if tcb.State != StateTimeWait {
		t.Fatalf("want TimeWait, got %s", tcb.State)
	}

	s.OnTimer(5 + timeWaitMs - 1)
	if _, ok := s.Lookup(testFour); !ok {
		t.Fatalf("TCB must survive until TIME-WAIT fully elapses")
	}
	s.OnTimer(5 + timeWaitMs)
	if _, ok := s.Lookup(testFour); ok {
		t.Fatalf("TCB must be destroyed once TIME-WAIT elapses")
	}
}

// TestUnknownConnectionRST exercises §8 scenario 7: a non-SYN segment
// addressed to a 4-tuple with no TCB draws a stateless RST even though its
// port is listening, except when the inbound segment is itself an RST.
func TestUnknownConnectionRST(t *testing.T) {
	s := newTestStack(7)
	strayAck := Segment{SEQ: 50, ACK: 1000, WND: 1000, Flags: FlagACK}
	out := s.OnSegment(0, testFour, strayAck, nil)
	if len(out) != 1 || out[0].Seg.Flags.Mask() != FlagRST {
		t.Fatalf("want stateless RST, got %v", out)
	}
	if out[0].Seg.SEQ != 1000 {
		t.Fatalf("RST seq must equal inbound ack, got %d", out[0].Seg.SEQ)
	}

	strayRST := Segment{SEQ: 50, Flags: FlagRST}
	out = s.OnSegment(0, testFour, strayRST, nil)
	if len(out) != 0 {
		t.Fatalf("inbound RST to unknown connection must be dropped silently, got %v", out)
	}
}

func TestSequenceSpaceLaws(t *testing.T) {
	if !Before(100, 101) {
		t.Fatalf("100 should be before 101")
	}
	if Before(101, 100) {
		t.Fatalf("101 should not be before 100")
	}
	var wrapped Value = 0xFFFFFFF0
	if !Before(wrapped, Add(wrapped, 32)) {
		t.Fatalf("modular wraparound must still order correctly")
	}
	if Add(Value(10), Size(5)) != 15 {
		t.Fatalf("Add should add in sequence space")
	}
}

func TestSegmentLEN(t *testing.T) {
	cases := []struct {
		seg  Segment
		want Size
	}{
		{Segment{Flags: FlagSYN}, 1},
		{Segment{Flags: FlagFIN}, 1},
		{Segment{Flags: FlagSYN | FlagFIN}, 2},
		{Segment{DATALEN: 10, Flags: FlagACK}, 10},
		{Segment{DATALEN: 10, Flags: FlagFIN | FlagACK}, 11},
	}
	for _, c := range cases {
		if got := c.seg.LEN(); got != c.want {
			t.Errorf("LEN(%+v) = %d, want %d", c.seg, got, c.want)
		}
	}
}

func TestFourTupleEquality(t *testing.T) {
	a := FourTuple{SrcIP: [4]byte{1, 2, 3, 4}, DstIP: [4]byte{5, 6, 7, 8}, SrcPort: 1, DstPort: 2}
	b := a
	if diff := cmp.Diff(a, b, cmpopts.EquateComparable()); diff != "" {
		t.Fatalf("identical FourTuples must be equal: %s", diff)
	}
	b.SrcPort = 3
	if a == b {
		t.Fatalf("differing FourTuples must not be equal")
	}
}
