// Package tcp implements a reduced RFC 9293 TCP engine as a pure function of
// (current state, incoming segment, now) -> (new state, outbound segments),
// plus a timer tick. The engine never blocks and never performs I/O; all
// byte delivery happens through the TAP/dispatcher layer above it.
package tcp

import (
	"math/bits"
	"strconv"
	"unsafe"
)

// Value is a position in TCP's 32-bit modular sequence space.
type Value uint32

// Size is a byte length in sequence space (never wraps in practice: no
// single segment or queue this stack produces approaches 2^31 bytes).
type Size uint32

// Add returns v advanced by n in sequence space.
func Add(v Value, n Size) Value { return v + Value(n) }

// Before reports whether a occurs strictly before b in the modular sequence
// space, i.e. (a - b) interpreted as a signed 32-bit integer is negative.
// Raw unsigned comparison is never used, since sequence numbers wrap.
func Before(a, b Value) bool { return int32(a-b) < 0 }

// BeforeEq reports whether a occurs at or before b in sequence space.
func BeforeEq(a, b Value) bool { return a == b || Before(a, b) }

// Segment represents an incoming/outgoing TCP segment in the sequence space,
// decoupled from its wire encoding and payload bytes (carried alongside by
// callers that need them, e.g. [Outbound]).
type Segment struct {
	SEQ     Value // sequence number of the first payload octet, or the ISN if SYN is set.
	ACK     Value // acknowledgment number, valid only if Flags has FlagACK set.
	DATALEN Size  // number of payload octets, not counting SYN/FIN.
	WND     Size  // advertised window.
	Flags   Flags
}

// LEN returns the length of the segment in sequence-space octets, including
// the SYN and FIN control bits (each consumes one sequence number).
func (seg Segment) LEN() Size {
	add := Size(seg.Flags>>0) & 1 // FIN
	add += Size(seg.Flags>>1) & 1 // SYN
	return seg.DATALEN + add
}

// Last returns the sequence number of the final octet of the segment.
func (seg Segment) Last() Value {
	seglen := seg.LEN()
	if seglen == 0 {
		return seg.SEQ
	}
	return Add(seg.SEQ, seglen) - 1
}

// StringExchange renders a segment exchange in RFC9293-styled visualization,
// e.g. "SynRcvd      --> <SEQ=300><ACK=91>[SYN,ACK]      --> Established".
// Used only by debug logging.
func StringExchange(seg Segment, a, b State) string {
	buf := make([]byte, 0, 64)
	buf = appendStringExchange(buf, seg, a, b)
	return unsafe.String(unsafe.SliceData(buf), len(buf))
}

func appendStringExchange(buf []byte, seg Segment, a, b State) []byte {
	const emptySpaces = "             "
	const fill = len(emptySpaces) - 1
	appendVal := func(buf []byte, name string, v Value) []byte {
		buf = append(buf, '<')
		buf = append(buf, name...)
		buf = append(buf, '=')
		buf = strconv.AppendUint(buf, uint64(v), 10)
		buf = append(buf, '>')
		return buf
	}
	startLen := len(buf)
	astr := a.String()
	buf = append(buf, astr...)
	if len(astr) < fill {
		buf = append(buf, emptySpaces[:fill-len(astr)]...)
	}
	buf = append(buf, " --> "...)
	buf = appendVal(buf, "SEQ", seg.SEQ)
	buf = appendVal(buf, "ACK", seg.ACK)
	if seg.DATALEN > 0 {
		buf = appendVal(buf, "DATA", Value(seg.DATALEN))
	}
	buf = append(buf, '[')
	buf = seg.Flags.AppendFormat(buf)
	buf = append(buf, ']')
	for len(buf)-startLen < 48 {
		buf = append(buf, ' ')
	}
	buf = append(buf, " --> "...)
	buf = append(buf, b.String()...)
	return buf
}

// Flags is a TCP flags bitmask, i.e. SYN, FIN, ACK.
type Flags uint16

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
	FlagNS
)

const flagMask = 0x01ff

const (
	synack = FlagSYN | FlagACK
	finack = FlagFIN | FlagACK
	pshack = FlagPSH | FlagACK
)

// HasAll checks if mask bits are all set in the receiver flags.
func (flags Flags) HasAll(mask Flags) bool { return flags&mask == mask }

// HasAny checks if one or more mask bits are set in the receiver flags.
func (flags Flags) HasAny(mask Flags) bool { return flags&mask != 0 }

// Mask returns the flags with non-flag bits unset.
func (flags Flags) Mask() Flags { return flags & flagMask }

// String returns a human-readable flag string, e.g. "[SYN,ACK]".
func (flags Flags) String() string {
	switch flags {
	case 0:
		return "[]"
	case synack:
		return "[SYN,ACK]"
	case finack:
		return "[FIN,ACK]"
	case pshack:
		return "[PSH,ACK]"
	case FlagACK:
		return "[ACK]"
	case FlagSYN:
		return "[SYN]"
	case FlagFIN:
		return "[FIN]"
	case FlagRST:
		return "[RST]"
	}
	buf := make([]byte, 0, 2+4*bits.OnesCount16(uint16(flags)))
	buf = append(buf, '[')
	buf = flags.AppendFormat(buf)
	buf = append(buf, ']')
	return string(buf)
}

// AppendFormat appends a human-readable flag string to b, returning the
// extended buffer.
func (flags Flags) AppendFormat(b []byte) []byte {
	if flags == 0 {
		return b
	}
	const flaglen = 3
	const strflags = "FINSYNRSTPSHACKURGECECWRNS "
	var addcommas bool
	for flags != 0 {
		i := bits.TrailingZeros16(uint16(flags))
		if addcommas {
			b = append(b, ',')
		} else {
			addcommas = true
		}
		b = append(b, strflags[i*flaglen:i*flaglen+flaglen]...)
		flags &= ^(1 << i)
	}
	return b
}

// State enumerates the states a TCP connection progresses through. Only a
// reduced subset is reachable by this engine (a TCB only ever holds SynRcvd,
// Established, LastAck or TimeWait); the rest are
// declared for completeness of the enumeration and to document which
// transitions a future actively-initiating or half-closing implementation
// would need.
type State uint8

const (
	StateClosed State = iota
	StateListen
	StateSynRcvd
	StateSynSent // unused: this engine never actively opens a connection.
	StateEstablished
	StateFinWait1 // unused: no local-initiated close.
	StateFinWait2 // unused: no local-initiated close.
	StateClosing  // unused: simultaneous close is out of scope.
	StateTimeWait
	StateCloseWait // unused: no local-initiated close after a remote FIN.
	StateLastAck
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateListen:
		return "Listen"
	case StateSynRcvd:
		return "SynRcvd"
	case StateSynSent:
		return "SynSent"
	case StateEstablished:
		return "Established"
	case StateFinWait1:
		return "FinWait1"
	case StateFinWait2:
		return "FinWait2"
	case StateClosing:
		return "Closing"
	case StateTimeWait:
		return "TimeWait"
	case StateCloseWait:
		return "CloseWait"
	case StateLastAck:
		return "LastAck"
	default:
		return "State(?)"
	}
}

// IsClosed returns true if the connection can be relieved of all state.
func (s State) IsClosed() bool { return s == StateClosed }
