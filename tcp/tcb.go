package tcp

import (
	"sort"

	"github.com/kirulegion/tcpstack/internal"
	"github.com/rs/xid"
)

// Fixed engine constants (SPEC_FULL.md §4.2).
const (
	MSS             Size = 1460
	initCwnd        Size = 2 * MSS
	initSsthresh    Size = 65536
	dupackThreshold     = 3
	rcvWndDefault   Size = 65535

	sentlogCap = 1 << 16 // generous headroom over rcvWndDefault/initSsthresh.
	sendqCap   = 1 << 18
	appReadCap = 1 << 18
)

// unackedEntry records an in-flight byte range's length and send time, keyed
// by its starting sequence number in TCB.unacked.
type unackedEntry struct {
	len    Size
	sentAt int64 // now_ms at time of (re)transmission.
}

// oooChunk is a contiguous run of out-of-order bytes buffered ahead of
// rcv_nxt, pending a gap being filled.
type oooChunk struct {
	seq  Value
	data []byte
}

// TCB is a per-connection control block: the central entity of the engine.
// See SPEC_FULL.md §3 for the field/invariant table this mirrors.
type TCB struct {
	Four  FourTuple
	State State
	// ID is a compact sortable correlation ID assigned on creation, used as a
	// log attribute so an operator can grep one connection's lifecycle out of
	// interleaved output. It has no effect on wire behavior.
	ID xid.ID

	iss, irs Value
	sndUna   Value
	sndNxt   Value
	sndWnd   Size
	rcvNxt   Value
	rcvWnd   Size

	cwnd     Size
	ssthresh Size
	dupacks  int
	flight   Size

	unacked map[Value]unackedEntry
	sentlog internal.Ring // bytes [snd_una, snd_nxt) keyed by offset from snd_una.
	sendq   internal.Ring // bytes queued by the application, not yet transmitted.
	appRead internal.Ring // bytes delivered in order to the application.
	ooo     []oooChunk    // out-of-order buffer, kept sorted ascending, pairwise disjoint.

	rto rtoEstimator

	ackDueMs        int64 // 0 if delayed-ACK timer not armed.
	timeWaitUntilMs int64
}

func newTCB(four FourTuple, iss, irs Value) *TCB {
	t := &TCB{
		Four:     four,
		State:    StateSynRcvd,
		ID:       xid.New(),
		iss:      iss,
		irs:      irs,
		sndUna:   iss,
		sndNxt:   Add(iss, 1),
		rcvNxt:   Add(irs, 1),
		rcvWnd:   rcvWndDefault,
		cwnd:     initCwnd,
		ssthresh: initSsthresh,
		unacked:  make(map[Value]unackedEntry, 8),
		rto:      newRTOEstimator(),
	}
	t.sentlog.Buf = make([]byte, sentlogCap)
	t.sendq.Buf = make([]byte, sendqCap)
	t.appRead.Buf = make([]byte, appReadCap)
	return t
}

// sentlogOffset returns the sentlog ring offset corresponding to absolute
// sequence number seq, which must lie within [snd_una, snd_nxt).
func (t *TCB) sentlogOffset(seq Value) int {
	return int(Size(seq - t.sndUna))
}

// readSentBytes reconstructs the real payload bytes sent at seq..seq+n from
// sentlog (Open Question 1: retransmissions never zero-fill).
func (t *TCB) readSentBytes(seq Value, n Size) []byte {
	buf := make([]byte, n)
	off := t.sentlogOffset(seq)
	_, _ = t.sentlog.ReadAt(buf, int64(off))
	return buf
}

// DrainAppRead appends every byte currently delivered to the application
// (in-order payload not yet consumed) onto dst and returns the result,
// leaving app_read empty.
func (t *TCB) DrainAppRead(dst []byte) []byte {
	n := t.appRead.Buffered()
	if n == 0 {
		return dst
	}
	start := len(dst)
	dst = append(dst, make([]byte, n)...)
	t.appRead.Read(dst[start:])
	return dst
}

// oldestUnacked returns the unacked entry with the smallest sequence number,
// i.e. the one snd_una currently points at (or would, once some ACK lands).
func (t *TCB) oldestUnacked() (seq Value, entry unackedEntry, ok bool) {
	first := true
	for s, e := range t.unacked {
		if first || Before(s, seq) {
			seq, entry, ok = s, e, true
			first = false
		}
	}
	return seq, entry, ok
}

// oooOverlapsOrAdjacent reports whether half-open ranges [aStart,aEnd) and
// [bStart,bEnd) overlap or touch, and so should be coalesced into one chunk.
func oooOverlapsOrAdjacent(aStart, aEnd, bStart, bEnd Value) bool {
	return !Before(aEnd, bStart) && !Before(bEnd, aStart)
}

// oooMergeTwo unions two possibly-overlapping byte ranges into one, with b's
// bytes taking precedence over a's in any overlap (both describe the same
// application data, so the choice is immaterial beyond determinism).
func oooMergeTwo(aStart Value, aData []byte, bStart Value, bData []byte) (Value, []byte) {
	aEnd := Add(aStart, Size(len(aData)))
	bEnd := Add(bStart, Size(len(bData)))
	start := aStart
	if Before(bStart, start) {
		start = bStart
	}
	end := aEnd
	if Before(end, bEnd) {
		end = bEnd
	}
	merged := make([]byte, Size(end-start))
	copy(merged[Size(aStart-start):], aData)
	copy(merged[Size(bStart-start):], bData)
	return start, merged
}

// oooInsert merges (seq, data) into the out-of-order buffer, coalescing any
// overlapping or adjacent existing chunks (Open Question 5: overlapping
// fragments never silently shadow each other).
func (t *TCB) oooInsert(seq Value, data []byte) {
	if len(data) == 0 {
		return
	}
	mergedStart, merged := seq, append([]byte(nil), data...)
	kept := t.ooo[:0]
	for _, c := range t.ooo {
		mergedEnd := Add(mergedStart, Size(len(merged)))
		cEnd := Add(c.seq, Size(len(c.data)))
		if oooOverlapsOrAdjacent(mergedStart, mergedEnd, c.seq, cEnd) {
			mergedStart, merged = oooMergeTwo(mergedStart, merged, c.seq, c.data)
		} else {
			kept = append(kept, c)
		}
	}
	kept = append(kept, oooChunk{seq: mergedStart, data: merged})
	sort.Slice(kept, func(i, j int) bool { return Before(kept[i].seq, kept[j].seq) })
	t.ooo = kept
}

// oooDrain splices every buffered chunk whose seq equals rcv_nxt into
// app_read, advancing rcv_nxt, until the next chunk leaves a gap.
func (t *TCB) oooDrain() {
	for len(t.ooo) > 0 && t.ooo[0].seq == t.rcvNxt {
		chunk := t.ooo[0]
		t.appRead.Write(chunk.data)
		t.rcvNxt = Add(t.rcvNxt, Size(len(chunk.data)))
		t.ooo = t.ooo[1:]
	}
}
