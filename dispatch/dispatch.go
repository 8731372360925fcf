// Package dispatch implements the single-threaded event loop binding the
// TAP device to the ARP cache, IPv4/ICMP handling, and the TCP engine, per
// SPEC_FULL.md §4.3.
package dispatch

import (
	"io"
	"log/slog"
	"time"

	"github.com/kirulegion/tcpstack/arp"
	"github.com/kirulegion/tcpstack/ethernet"
	"github.com/kirulegion/tcpstack/internal"
	"github.com/kirulegion/tcpstack/internal/metrics"
	"github.com/kirulegion/tcpstack/ipv4"
	"github.com/kirulegion/tcpstack/ipv4/icmpv4"
	"github.com/kirulegion/tcpstack/tcp"
	"github.com/kirulegion/tcpstack/wire"
)

const (
	maxFrame   = 1514 // 14 (Ethernet) + 1500 (max IPv4 payload this stack ever builds).
	defaultTTL = 64
)

// Dispatcher owns the TAP descriptor, the ARP cache and the TCP engine, and
// drives them from a single goroutine. No locks: every field below is
// touched only from Run.
type Dispatcher struct {
	tap io.ReadWriter

	ourMAC [6]byte
	ourIP  [4]byte
	peerIP [4]byte

	arpCache     arp.Cache
	peerMAC      [6]byte
	peerMACKnown bool
	arpBackoff   internal.Backoff

	stack   *tcp.TcpStack
	metrics *metrics.Metrics
	log     *slog.Logger

	ipID   uint16
	rxbuf  [maxFrame]byte
	txbuf  [maxFrame]byte
}

// New constructs a Dispatcher. m and log may be nil.
func New(tap io.ReadWriter, ourMAC [6]byte, ourIP, peerIP [4]byte, m *metrics.Metrics, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		tap:        tap,
		ourMAC:     ourMAC,
		ourIP:      ourIP,
		peerIP:     peerIP,
		arpCache:   arp.NewCache(),
		arpBackoff: internal.NewBackoff(0),
		stack:      tcp.NewStack(tcp.RandomISS, log),
		metrics:    m,
		log:        log,
	}
	d.stack.Listen(8080)
	return d
}

func (d *Dispatcher) incDropped(reason string) {
	if d.metrics != nil {
		d.metrics.FramesDropped.WithLabelValues(reason).Inc()
	}
	internal.LogAttrs(d.log, slog.LevelDebug, "frame dropped", slog.String("reason", reason))
}

// Run reads frames from the TAP device until it returns an error (including
// io.EOF), driving timers and ARP refresh on every iteration.
func (d *Dispatcher) Run() error {
	for {
		if err := d.tick(); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) tick() error {
	now := time.Now()
	nowMs := now.UnixMilli()

	if !d.peerMACKnown {
		d.sendARPRequest()
		d.arpBackoff.Miss() // paces retries: sleeps the current wait, then doubles it.
	}

	n, err := d.tap.Read(d.rxbuf[:])
	if err != nil {
		return err
	}
	if d.metrics != nil {
		d.metrics.FramesRead.Inc()
	}
	frame := d.rxbuf[:n]

	if len(frame) < 14 {
		d.incDropped(metrics.ReasonShortFrame)
		d.runTimers(nowMs)
		return nil
	}

	efrm, err := ethernet.NewFrame(frame)
	if err != nil {
		d.incDropped(metrics.ReasonShortFrame)
		d.runTimers(nowMs)
		return nil
	}
	dst := *efrm.DestinationHardwareAddr()
	if dst != d.ourMAC && !efrm.IsBroadcast() {
		d.incDropped(metrics.ReasonUnknownDest)
		d.runTimers(nowMs)
		return nil
	}

	switch efrm.EtherTypeOrSize() {
	case ethernet.TypeARP:
		d.handleARP(efrm.Payload(), now)
	case ethernet.TypeIPv4:
		d.handleIPv4(efrm.Payload(), nowMs)
	default:
		d.incDropped(metrics.ReasonUnhandled)
	}

	d.runTimers(nowMs)
	return nil
}

func (d *Dispatcher) runTimers(nowMs int64) {
	for _, out := range d.stack.OnTimer(nowMs) {
		d.sendTCP(out)
	}
	d.arpCache.GC(time.UnixMilli(nowMs))
	if d.metrics != nil {
		d.metrics.ARPCacheSize.Set(float64(d.arpCache.Len()))
	}
}

func (d *Dispatcher) handleARP(payload []byte, now time.Time) {
	p, ok := arp.Parse(payload)
	if !ok {
		d.incDropped(metrics.ReasonShortFrame)
		return
	}
	d.arpCache.Insert(p.SenderIP, p.SenderMAC, now)
	if p.SenderIP == d.peerIP {
		d.peerMAC = p.SenderMAC
		if !d.peerMACKnown {
			d.arpBackoff.Hit()
			internal.LogAttrs(d.log, slog.LevelInfo, "peer resolved",
				internal.SlogAddr4("peer_ip", &p.SenderIP), internal.SlogAddr6("peer_mac", &p.SenderMAC))
		}
		d.peerMACKnown = true
	}
	if p.Op == arp.OpRequest && p.TargetIP == d.ourIP {
		buf := make([]byte, 28)
		reply := arp.BuildReply(buf, d.ourMAC, d.ourIP, p.SenderMAC, p.SenderIP)
		d.sendEthernet(p.SenderMAC, ethernet.TypeARP, reply)
	}
}

func (d *Dispatcher) sendARPRequest() {
	buf := make([]byte, 28)
	req := arp.BuildRequest(buf, d.ourMAC, d.ourIP, d.peerIP)
	d.sendEthernet(ethernet.BroadcastAddr(), ethernet.TypeARP, req)
}

func (d *Dispatcher) handleIPv4(payload []byte, nowMs int64) {
	ifrm, err := ipv4.NewFrame(payload)
	if err != nil {
		d.incDropped(metrics.ReasonShortFrame)
		return
	}
	var v wire.Validator
	ifrm.ValidateExceptCRC(&v)
	if v.HasError() {
		d.incDropped(metrics.ReasonShortFrame)
		return
	}
	storedCRC := ifrm.CRC()
	ifrm.SetCRC(0)
	gotCRC := ifrm.CalculateHeaderCRC()
	ifrm.SetCRC(storedCRC)
	if wire.NeverZero(gotCRC) != wire.NeverZero(storedCRC) {
		d.incDropped(metrics.ReasonBadChecksum)
		return
	}

	if *ifrm.DestinationAddr() != d.ourIP {
		return
	}

	switch ifrm.Protocol() {
	case wire.IPProtoICMP:
		d.handleICMP(ifrm)
	case wire.IPProtoTCP:
		d.handleTCP(ifrm, nowMs)
	default:
		d.incDropped(metrics.ReasonUnhandled)
	}
}

func (d *Dispatcher) handleICMP(ifrm ipv4.Frame) {
	icmpFrm, err := icmpv4.NewFrame(ifrm.Payload())
	if err != nil {
		d.incDropped(metrics.ReasonShortFrame)
		return
	}
	if icmpFrm.Type() != icmpv4.TypeEcho {
		return
	}
	mac, ok := d.peerMACFor(*ifrm.SourceAddr())
	if !ok {
		d.incDropped(metrics.ReasonNoARP)
		return
	}
	req := icmpv4.FrameEcho{Frame: icmpFrm}
	replyBuf := make([]byte, 8+len(req.Data()))
	reply, err := icmpv4.BuildEchoReply(replyBuf, req)
	if err != nil {
		return
	}
	d.sendIPv4(mac, *ifrm.SourceAddr(), wire.IPProtoICMP, reply.RawData())
}

func (d *Dispatcher) handleTCP(ifrm ipv4.Frame, nowMs int64) {
	tfrm, err := tcp.NewFrame(ifrm.Payload())
	if err != nil {
		d.incDropped(metrics.ReasonShortFrame)
		return
	}
	var v wire.Validator
	tfrm.ValidateExceptCRC(&v)
	if v.HasError() {
		d.incDropped(metrics.ReasonShortFrame)
		return
	}
	storedCRC := tfrm.CRC()
	tfrm.SetCRC(0)
	var crc wire.Checksum
	ifrm.CRCWriteTCPPseudo(&crc)
	tfrm.CRCWrite(&crc)
	tfrm.SetCRC(storedCRC)
	if wire.NeverZero(crc.Sum16()) != wire.NeverZero(storedCRC) {
		d.incDropped(metrics.ReasonBadChecksum)
		return
	}

	four := tcp.FourTuple{
		SrcIP:   *ifrm.SourceAddr(),
		DstIP:   *ifrm.DestinationAddr(),
		SrcPort: tfrm.SourcePort(),
		DstPort: tfrm.DestinationPort(),
	}
	seg := tfrm.Segment(len(tfrm.Payload()))
	payload := append([]byte(nil), tfrm.Payload()...)

	for _, out := range d.stack.OnSegment(nowMs, four, seg, payload) {
		d.sendTCP(out)
	}

	// Echo policy (SPEC_FULL.md §4.3 step 5, §9 Open Question 6): drain
	// app_read and feed it straight back out via SendApp. Lives entirely
	// here; the engine has no notion of "echo".
	if tcb, ok := d.stack.Lookup(four); ok {
		if n := tcb.DrainAppRead(nil); len(n) > 0 {
			for _, out := range d.stack.SendApp(four, n, nowMs) {
				d.sendTCP(out)
			}
		}
	}
	if d.metrics != nil {
		d.metrics.ActiveConnections.Set(float64(d.stack.ConnCount()))
	}
}

// peerMACFor resolves the next-hop MAC for an IPv4 address via the ARP
// cache, special-casing the configured peer.
func (d *Dispatcher) peerMACFor(ip [4]byte) (mac [6]byte, ok bool) {
	if ip == d.peerIP && d.peerMACKnown {
		return d.peerMAC, true
	}
	return d.arpCache.Lookup(ip, time.Now())
}

// sendTCP encodes and transmits a single engine Outbound, resolving the
// next hop via the ARP cache; an unresolved MAC silently drops the frame
// (SPEC_FULL.md §4.3: the segment stays in unacked and RTO recovers it).
func (d *Dispatcher) sendTCP(out tcp.Outbound) {
	if d.metrics != nil {
		switch out.Kind {
		case tcp.OutboundRetransmit:
			d.metrics.Retransmissions.Inc()
		case tcp.OutboundFastRetransmit:
			d.metrics.FastRetransmits.Inc()
		}
	}
	mac, ok := d.peerMACFor(out.Four.SrcIP)
	if !ok {
		d.incDropped(metrics.ReasonNoARP)
		return
	}
	buf := d.txbuf[:20+len(out.Payload)]
	tfrm, err := tcp.NewFrame(buf)
	if err != nil {
		return
	}
	tfrm.ClearHeader()
	tfrm.SetSourcePort(out.Four.DstPort)
	tfrm.SetDestinationPort(out.Four.SrcPort)
	tfrm.SetSegment(out.Seg)
	copy(tfrm.Payload(), out.Payload)

	d.finishAndSendTCP(mac, out.Four.SrcIP, tfrm)
}

func (d *Dispatcher) finishAndSendTCP(dstMAC [6]byte, dstIP [4]byte, tfrm tcp.Frame) {
	ipBuf := make([]byte, 20+len(tfrm.RawData()))
	ifrm, err := ipv4.NewFrame(ipBuf)
	if err != nil {
		return
	}
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(len(ipBuf)))
	d.ipID++
	ifrm.SetID(d.ipID)
	ifrm.SetTTL(defaultTTL)
	ifrm.SetProtocol(wire.IPProtoTCP)
	*ifrm.SourceAddr() = d.ourIP
	*ifrm.DestinationAddr() = dstIP
	copy(ifrm.Payload(), tfrm.RawData())

	tfrm2, _ := tcp.NewFrame(ifrm.Payload())
	tfrm2.SetCRC(0)
	var crc wire.Checksum
	ifrm.CRCWriteTCPPseudo(&crc)
	tfrm2.CRCWrite(&crc)
	tfrm2.SetCRC(crc.Sum16())

	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	d.sendEthernet(dstMAC, ethernet.TypeIPv4, ipBuf)
}

// sendIPv4 wraps payload (already a complete, checksummed IP-protocol
// message) in an IPv4 header and transmits it.
func (d *Dispatcher) sendIPv4(dstMAC [6]byte, dstIP [4]byte, proto wire.IPProto, payload []byte) {
	ipBuf := make([]byte, 20+len(payload))
	ifrm, err := ipv4.NewFrame(ipBuf)
	if err != nil {
		return
	}
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(len(ipBuf)))
	d.ipID++
	ifrm.SetID(d.ipID)
	ifrm.SetTTL(defaultTTL)
	ifrm.SetProtocol(proto)
	*ifrm.SourceAddr() = d.ourIP
	*ifrm.DestinationAddr() = dstIP
	copy(ifrm.Payload(), payload)
	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	d.sendEthernet(dstMAC, ethernet.TypeIPv4, ipBuf)
}

func (d *Dispatcher) sendEthernet(dstMAC [6]byte, et ethernet.Type, payload []byte) {
	frame := make([]byte, 14+len(payload))
	efrm, err := ethernet.NewFrame(frame)
	if err != nil {
		return
	}
	*efrm.DestinationHardwareAddr() = dstMAC
	*efrm.SourceHardwareAddr() = d.ourMAC
	efrm.SetEtherType(et)
	copy(efrm.Payload(), payload)

	if _, err := d.tap.Write(frame); err != nil {
		internal.LogAttrs(d.log, slog.LevelDebug, "tap write failed", slog.Any("err", err))
		return
	}
	if d.metrics != nil {
		d.metrics.FramesWritten.Inc()
	}
}
