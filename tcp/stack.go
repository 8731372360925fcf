package tcp

import (
	"crypto/rand"
	"encoding/binary"
	"log/slog"
)

// OutboundKind classifies why an Outbound was emitted, purely for metrics
// reporting (SPEC_FULL.md §10): it has no bearing on wire encoding.
type OutboundKind uint8

const (
	OutboundNormal OutboundKind = iota
	OutboundRetransmit
	OutboundFastRetransmit
)

// Outbound is a segment the engine wants transmitted, paired with the
// connection's identifying 4-tuple so the dispatcher can look up local/
// remote addressing and perform layer 3/2 encapsulation. The dispatcher
// swaps src/dst when building the outbound frame, since Four always
// describes the connection the way it was first observed (remote as "src").
type Outbound struct {
	Four    FourTuple
	Seg     Segment
	Payload []byte
	Kind    OutboundKind
}

// ISSFunc produces an initial sequence number for a new connection. The
// production default draws from crypto/rand; tests supply a deterministic
// generator (SPEC_FULL.md §9 Open Question 3) so the literal scenarios of
// §8 stay reproducible.
type ISSFunc func() Value

// RandomISS is the production ISSFunc, drawing a uniformly random 32-bit
// value from crypto/rand.
func RandomISS() Value {
	var b [4]byte
	_, err := rand.Read(b[:])
	if err != nil {
		// crypto/rand failing is a fatal platform condition; degrade to a
		// fixed value rather than panic mid-handshake.
		return 0
	}
	return Value(binary.BigEndian.Uint32(b[:]))
}

// TcpStack is the engine's public entry point: a listener set and a mapping
// from FourTuple to TCB. It is exclusively owned by a single goroutine (the
// dispatcher); none of its methods are safe for concurrent use.
type TcpStack struct {
	listeners map[uint16]bool
	conns     map[FourTuple]*TCB
	issFunc   ISSFunc
	log       *slog.Logger
}

// NewStack creates an empty TcpStack. issFunc is typically [RandomISS] in
// production and a fixed-value stub in tests. log may be nil.
func NewStack(issFunc ISSFunc, log *slog.Logger) *TcpStack {
	if issFunc == nil {
		issFunc = RandomISS
	}
	if log == nil {
		log = slog.Default()
	}
	return &TcpStack{
		listeners: make(map[uint16]bool),
		conns:     make(map[FourTuple]*TCB),
		issFunc:   issFunc,
		log:       log,
	}
}

// Listen registers a passive open on port. No TCB is created until a SYN
// arrives.
func (s *TcpStack) Listen(port uint16) { s.listeners[port] = true }

// Lookup returns the TCB for four, if one exists, for callers (the
// dispatcher's echo policy) that need to inspect app_read directly.
func (s *TcpStack) Lookup(four FourTuple) (*TCB, bool) {
	t, ok := s.conns[four]
	return t, ok
}

// ConnCount returns the number of TCBs currently tracked, for the
// active-connections gauge.
func (s *TcpStack) ConnCount() int { return len(s.conns) }

// OnSegment is a pure step given the current stack state: it creates a TCB
// on SYN to a listening port, routes to an existing TCB, or emits a
// stateless RST for a segment addressed to an unknown 4-tuple (dropping it
// silently if it is itself an RST). Never blocks, never does I/O.
func (s *TcpStack) OnSegment(nowMs int64, four FourTuple, seg Segment, payload []byte) []Outbound {
	tcb, exists := s.conns[four]
	if !exists {
		if seg.Flags.Mask() == FlagSYN && s.listeners[four.DstPort] {
			iss := s.issFunc()
			tcb = newTCB(four, iss, seg.SEQ)
			s.conns[four] = tcb
			s.log.Debug("tcp: new connection", "conn", tcb.ID, "four", four, "iss", iss, "irs", seg.SEQ)
			return []Outbound{{
				Four: four,
				Seg:  Segment{SEQ: iss, ACK: tcb.rcvNxt, WND: tcb.rcvWnd, Flags: synack},
			}}
		}
		if seg.Flags.HasAny(FlagRST) {
			return nil
		}
		return []Outbound{buildRST(four, seg)}
	}
	return s.onSegmentForTCB(tcb, nowMs, seg, payload)
}

func (s *TcpStack) onSegmentForTCB(t *TCB, nowMs int64, seg Segment, payload []byte) []Outbound {
	if seg.Flags.HasAny(FlagACK) {
		t.sndWnd = seg.WND
	}
	switch t.State {
	case StateSynRcvd:
		if seg.Flags.HasAll(FlagACK) && seg.ACK == t.sndNxt {
			t.sndUna = seg.ACK
			t.State = StateEstablished
			s.log.Info("tcp: state transition", "conn", t.ID, "state", t.State)
		}
		return nil

	case StateEstablished:
		var out []Outbound
		if seg.Flags.HasAny(FlagACK) {
			out = append(out, s.processACK(t, nowMs, seg)...)
		}
		if seg.DATALEN > 0 {
			out = append(out, s.processData(t, nowMs, seg, payload)...)
		}
		if seg.Flags.HasAny(FlagFIN) {
			out = append(out, s.processFIN(t)...)
			return out
		}
		out = append(out, s.trySend(t, nowMs)...)
		return out

	case StateLastAck:
		if seg.Flags.HasAny(FlagACK) && seg.ACK == t.sndNxt {
			t.sndUna = seg.ACK
			t.State = StateTimeWait
			t.timeWaitUntilMs = nowMs + timeWaitMs
			s.log.Info("tcp: state transition", "conn", t.ID, "state", t.State)
		}
		return nil

	default:
		return nil
	}
}

// processACK applies cumulative-ACK bookkeeping (§4.2 "ACK and
// retransmission queue processing") and, on reaching the duplicate-ACK
// threshold, performs fast retransmit.
func (s *TcpStack) processACK(t *TCB, nowMs int64, seg Segment) []Outbound {
	t.sndWnd = seg.WND

	if before(t.sndUna, seg.ACK) {
		if seq, entry, ok := t.oldestUnacked(); ok && beforeEqSize(Add(seq, entry.len), seg.ACK) {
			t.rto.Sample(nowMs - entry.sentAt)
		}
		var newly Size
		for seq, entry := range t.unacked {
			if beforeEqSize(Add(seq, entry.len), seg.ACK) {
				newly += entry.len
				delete(t.unacked, seq)
			}
		}
		advance := Size(seg.ACK - t.sndUna)
		if t.sentlog.Buffered() > 0 {
			discard := int(advance)
			if discard > t.sentlog.Buffered() {
				discard = t.sentlog.Buffered()
			}
			if discard > 0 {
				t.sentlog.ReadDiscard(discard)
			}
		}
		t.sndUna = seg.ACK
		t.flight = satSubSize(t.flight, newly)
		if t.cwnd < t.ssthresh {
			t.cwnd += newly
		} else if t.cwnd > 0 {
			t.cwnd += (MSS * newly) / t.cwnd
		}
		t.dupacks = 0
		return nil
	}

	if seg.ACK == t.sndUna && len(t.unacked) > 0 && seg.DATALEN == 0 {
		t.dupacks++
		if t.dupacks == dupackThreshold {
			seq, entry, ok := t.oldestUnacked()
			if !ok {
				return nil
			}
			payload := t.readSentBytes(seq, entry.len)
			t.ssthresh = maxSize(t.cwnd/2, 2*MSS)
			t.cwnd = t.ssthresh + 3*MSS
			return []Outbound{{
				Four:    t.Four,
				Seg:     Segment{SEQ: seq, ACK: t.rcvNxt, WND: t.rcvWnd, DATALEN: entry.len, Flags: pshack},
				Payload: payload,
				Kind:    OutboundFastRetransmit,
			}}
		}
	}
	return nil
}

// processFIN performs the Established -> LastAck transition.
func (s *TcpStack) processFIN(t *TCB) []Outbound {
	t.rcvNxt = Add(t.rcvNxt, 1)
	bareAck := Segment{SEQ: t.sndNxt, ACK: t.rcvNxt, WND: t.rcvWnd, Flags: FlagACK}
	finAck := Segment{SEQ: t.sndNxt, ACK: t.rcvNxt, WND: t.rcvWnd, Flags: finack}
	t.sndNxt = Add(t.sndNxt, 1)
	t.State = StateLastAck
	s.log.Info("tcp: state transition", "conn", t.ID, "state", t.State)
	return []Outbound{
		{Four: t.Four, Seg: bareAck},
		{Four: t.Four, Seg: finAck},
	}
}

// processData implements §4.2 "Data reception" for a non-empty payload.
func (s *TcpStack) processData(t *TCB, nowMs int64, seg Segment, payload []byte) []Outbound {
	switch {
	case seg.SEQ == t.rcvNxt:
		t.appRead.Write(payload)
		t.rcvNxt = Add(t.rcvNxt, seg.DATALEN)
		t.oooDrain()
		if t.ackDueMs == 0 {
			t.ackDueMs = nowMs + delayedAckMs
		}
		return nil
	case before(seg.SEQ, t.rcvNxt):
		return []Outbound{{Four: t.Four, Seg: Segment{SEQ: t.sndNxt, ACK: t.rcvNxt, WND: t.rcvWnd, Flags: FlagACK}}}
	default:
		t.oooInsert(seg.SEQ, payload)
		return []Outbound{{Four: t.Four, Seg: Segment{SEQ: t.sndNxt, ACK: t.rcvNxt, WND: t.rcvWnd, Flags: FlagACK}}}
	}
}

// trySend implements the §4.2 send engine: at most one data segment per
// call, budgeted by the lesser of remaining congestion and flow-control
// window.
func (s *TcpStack) trySend(t *TCB, nowMs int64) []Outbound {
	if t.State != StateEstablished {
		return nil
	}
	budget := minSize(satSubSize(t.cwnd, t.flight), satSubSize(t.sndWnd, t.flight))
	if budget == 0 || t.sendq.Buffered() == 0 {
		return nil
	}
	n := minSize(minSize(budget, Size(t.sendq.Buffered())), MSS)
	buf := make([]byte, n)
	t.sendq.Read(buf)
	seg := Segment{SEQ: t.sndNxt, ACK: t.rcvNxt, WND: t.rcvWnd, DATALEN: n, Flags: pshack}
	t.unacked[t.sndNxt] = unackedEntry{len: n, sentAt: nowMs}
	t.sentlog.Write(buf)
	t.sndNxt = Add(t.sndNxt, n)
	t.flight += n
	return []Outbound{{Four: t.Four, Seg: seg, Payload: buf}}
}

// OnTimer advances every connection's timers (TIME-WAIT expiry, delayed
// ACK, RTO, zero-window probe) and drives opportunistic send. Exactly one
// of delayed-ACK/RTO/zero-window-probe may fire per connection per tick,
// checked in that order; opportunistic send always runs afterward.
func (s *TcpStack) OnTimer(nowMs int64) []Outbound {
	var out []Outbound
	for four, t := range s.conns {
		if t.State == StateTimeWait {
			if nowMs >= t.timeWaitUntilMs {
				s.log.Info("tcp: connection closed", "conn", t.ID)
				delete(s.conns, four)
			}
			continue
		}

		fired := false
		if t.ackDueMs != 0 && nowMs >= t.ackDueMs && t.State == StateEstablished {
			out = append(out, Outbound{Four: t.Four, Seg: Segment{SEQ: t.sndNxt, ACK: t.rcvNxt, WND: t.rcvWnd, Flags: FlagACK}})
			t.ackDueMs = 0
			fired = true
		}
		if !fired {
			if seq, entry, ok := t.oldestUnacked(); ok && nowMs-entry.sentAt >= t.rto.RTO() {
				payload := t.readSentBytes(seq, entry.len)
				out = append(out, Outbound{
					Four:    t.Four,
					Seg:     Segment{SEQ: seq, ACK: t.rcvNxt, WND: t.rcvWnd, DATALEN: entry.len, Flags: pshack},
					Payload: payload,
					Kind:    OutboundRetransmit,
				})
				t.ssthresh = maxSize(t.cwnd/2, 2*MSS)
				t.cwnd = MSS
				t.rto.Backoff()
				t.unacked[seq] = unackedEntry{len: entry.len, sentAt: nowMs}
				fired = true
			}
		}
		if !fired && t.sndWnd == 0 && t.sendq.Buffered() > 0 && t.State == StateEstablished {
			out = append(out, Outbound{Four: t.Four, Seg: Segment{SEQ: t.sndNxt - 1, ACK: t.rcvNxt, WND: t.rcvWnd, Flags: FlagACK}})
		}
		out = append(out, s.trySend(t, nowMs)...)
	}
	return out
}

// SendApp appends bytes to the connection's send queue and attempts
// transmission.
func (s *TcpStack) SendApp(four FourTuple, data []byte, nowMs int64) []Outbound {
	t, ok := s.conns[four]
	if !ok {
		return nil
	}
	t.sendq.Write(data)
	return s.trySend(t, nowMs)
}

func before(a, b Value) bool { return Before(a, b) }

func beforeEqSize(a, b Value) bool { return BeforeEq(a, b) }

func satSubSize(a, b Size) Size {
	if b >= a {
		return 0
	}
	return a - b
}

func minSize(a, b Size) Size {
	if a < b {
		return a
	}
	return b
}

func maxSize(a, b Size) Size {
	if a > b {
		return a
	}
	return b
}
