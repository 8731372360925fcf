package tcp

// buildRST constructs a stateless RST response to seg, addressed to four,
// for a 4-tuple carrying no listener and no TCB (SPEC_FULL.md §9 Open
// Question 4). Per RFC 9293 §3.10.7.1: if the inbound segment carries ACK,
// the RST's seq is the inbound ack and RST is sent alone; otherwise the RST
// carries ACK itself, with seq=0 and ack covering the inbound segment's
// length.
func buildRST(four FourTuple, seg Segment) Outbound {
	if seg.Flags.HasAny(FlagACK) {
		return Outbound{Four: four, Seg: Segment{SEQ: seg.ACK, Flags: FlagRST}}
	}
	return Outbound{Four: four, Seg: Segment{
		SEQ:   0,
		ACK:   Add(seg.SEQ, seg.LEN()),
		Flags: FlagRST | FlagACK,
	}}
}
