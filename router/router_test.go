package router

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	lneto "github.com/soypat/lneto-router"
	"github.com/soypat/lneto-router/arp"
	"github.com/soypat/lneto-router/ethernet"
	"github.com/soypat/lneto-router/iface"
	"github.com/soypat/lneto-router/ipv4"
	"github.com/soypat/lneto-router/ipv4/icmpv4"
	"github.com/soypat/lneto-router/nat"
	"github.com/soypat/lneto-router/tcp"
)

type capturingTransmitter struct {
	mu    sync.Mutex
	sent  [][]byte
	iface []string
}

func (c *capturingTransmitter) SendFrame(ifaceName string, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.iface = append(c.iface, ifaceName)
	c.sent = append(c.sent, append([]byte(nil), frame...))
	return nil
}

func (c *capturingTransmitter) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

func (c *capturingTransmitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

var (
	routerMAC = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	routerIP  = [4]byte{192, 168, 1, 1}
	hostMAC   = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	hostIP    = [4]byte{192, 168, 1, 2}
)

func newTestRouter() (*Router, *capturingTransmitter, *clockwork.FakeClock) {
	ifaces := iface.NewTable(iface.Interface{Name: "eth0", MAC: routerMAC, IP: routerIP})
	routes := iface.NewRouteTable(
		iface.Route{Dest: [4]byte{192, 168, 1, 0}, Mask: [4]byte{255, 255, 255, 0}, Interface: "eth0"},
	)
	tx := &capturingTransmitter{}
	fc := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	r := New(cfg, ifaces, routes, tx, fc, nil)
	return r, tx, fc
}

func buildARPRequest(senderMAC [6]byte, senderIP [4]byte, targetIP [4]byte) []byte {
	buf := make([]byte, 14+28)
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.DestinationHardwareAddr() = ethernet.BroadcastAddr()
	*efrm.SourceHardwareAddr() = senderMAC
	efrm.SetEtherType(ethernet.TypeARP)

	afrm, _ := arp.NewFrame(buf[14:])
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(arp.OpRequest)
	sndHW, sndIP := afrm.Sender4()
	*sndHW, *sndIP = senderMAC, senderIP
	_, tgtIP := afrm.Target4()
	*tgtIP = targetIP
	return buf
}

func buildARPReply(senderMAC [6]byte, senderIP [4]byte, targetMAC [6]byte, targetIP [4]byte) []byte {
	buf := make([]byte, 14+28)
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.DestinationHardwareAddr() = targetMAC
	*efrm.SourceHardwareAddr() = senderMAC
	efrm.SetEtherType(ethernet.TypeARP)

	afrm, _ := arp.NewFrame(buf[14:])
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(arp.OpReply)
	sndHW, sndIP := afrm.Sender4()
	*sndHW, *sndIP = senderMAC, senderIP
	tgtHW, tgtIP := afrm.Target4()
	*tgtHW, *tgtIP = targetMAC, targetIP
	return buf
}

// buildIPPacket constructs a minimal Ethernet+IPv4(+payload) frame with a
// correct header checksum.
func buildIPPacket(srcMAC, dstMAC [6]byte, src, dst [4]byte, ttl uint8, proto lneto.IPProto, payload []byte) []byte {
	buf := make([]byte, 14+20+len(payload))
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.DestinationHardwareAddr() = dstMAC
	*efrm.SourceHardwareAddr() = srcMAC
	efrm.SetEtherType(ethernet.TypeIPv4)

	ifrm, _ := ipv4.NewFrame(buf[14:])
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(20 + len(payload)))
	ifrm.SetTTL(ttl)
	ifrm.SetProtocol(proto)
	*ifrm.SourceAddr() = src
	*ifrm.DestinationAddr() = dst
	copy(ifrm.Payload(), payload)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	return buf
}

func buildEchoRequest(srcMAC, dstMAC [6]byte, src, dst [4]byte, ttl uint8, id, seq uint16) []byte {
	icmpLen := 8
	buf := make([]byte, 14+20+icmpLen)
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.DestinationHardwareAddr() = dstMAC
	*efrm.SourceHardwareAddr() = srcMAC
	efrm.SetEtherType(ethernet.TypeIPv4)

	ifrm, _ := ipv4.NewFrame(buf[14:])
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(20 + icmpLen))
	ifrm.SetTTL(ttl)
	ifrm.SetProtocol(lneto.IPProtoICMP)
	*ifrm.SourceAddr() = src
	*ifrm.DestinationAddr() = dst

	icfrm, _ := icmpv4.NewFrame(ifrm.Payload())
	icfrm.SetType(icmpv4.TypeEcho)
	icfrm.SetCode(0)
	echo := icmpv4.FrameEcho{Frame: icfrm}
	echo.SetIdentifier(id)
	echo.SetSequenceNumber(seq)

	var crc lneto.CRC791
	icfrm.CRCWrite(&crc)
	icfrm.SetCRC(lneto.NeverZeroChecksum(crc.Sum16()))
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	return buf
}

func TestARPRequestForOwnIPGetsReply(t *testing.T) {
	r, tx, _ := newTestRouter()
	req := buildARPRequest(hostMAC, hostIP, routerIP)
	r.HandleFrame("eth0", req)

	if tx.count() != 1 {
		t.Fatalf("expected 1 reply sent, got %d", tx.count())
	}
	reply := tx.last()
	efrm, err := ethernet.NewFrame(reply)
	if err != nil {
		t.Fatal(err)
	}
	if efrm.EtherTypeOrSize() != ethernet.TypeARP {
		t.Fatalf("expected ARP reply, got ethertype %v", efrm.EtherTypeOrSize())
	}
	afrm, _ := arp.NewFrame(efrm.Payload())
	if afrm.Operation() != arp.OpReply {
		t.Fatalf("expected reply operation, got %v", afrm.Operation())
	}
	sndHW, sndIP := afrm.Sender4()
	if *sndHW != routerMAC || *sndIP != routerIP {
		t.Fatalf("reply sender mismatch: mac=%v ip=%v", *sndHW, *sndIP)
	}
}

func TestARPReplyDrainsQueuedPacket(t *testing.T) {
	r, tx, _ := newTestRouter()
	dst := [4]byte{192, 168, 1, 99}
	// Queue a packet awaiting resolution of dst, as egress would. Queue
	// itself fires the first ARP probe immediately.
	r.arp.Queue(dst, buildIPPacket(routerMAC, [6]byte{}, routerIP, dst, 63, lneto.IPProtoTCP, nil), "eth0")
	if tx.count() != 1 {
		t.Fatalf("expected the immediate ARP probe, got %d sends", tx.count())
	}

	reply := buildARPReply(hostMAC, dst, routerMAC, routerIP)
	r.HandleFrame("eth0", reply)

	if tx.count() != 2 {
		t.Fatalf("expected the queued packet to be drained and sent, got %d sends", tx.count())
	}
	efrm, _ := ethernet.NewFrame(tx.last())
	if *efrm.DestinationHardwareAddr() != hostMAC {
		t.Fatalf("expected drained packet addressed to resolved MAC, got %v", *efrm.DestinationHardwareAddr())
	}
}

func TestARPTimeoutSynthesizesHostUnreachable(t *testing.T) {
	r, tx, fc := newTestRouter()
	// Fresh ARP binding for the originating host so the ICMP reply is sent
	// immediately instead of queued behind a new ARP request.
	r.arp.Insert(hostIP, hostMAC)
	dst := [4]byte{192, 168, 1, 88}
	pkt := buildIPPacket(routerMAC, [6]byte{}, hostIP, dst, 63, lneto.IPProtoTCP, nil)
	// Queue fires the first probe immediately (attempt 1 of 5), so only 4
	// more sweep-driven retries are needed to reach the 5-attempt ceiling.
	r.arp.Queue(dst, pkt, "eth0")
	if tx.count() != 1 {
		t.Fatalf("expected the immediate ARP probe, got %d sends", tx.count())
	}

	for i := 0; i < 4; i++ {
		fc.Advance(time.Second)
		r.sweep()
	}

	if tx.count() != 5 {
		t.Fatalf("expected 5 ARP request broadcasts before giving up, got %d", tx.count())
	}
	fc.Advance(time.Second)
	r.sweep()
	if tx.count() != 6 {
		t.Fatalf("expected exactly one more send (the ICMP host-unreachable), got %d", tx.count())
	}
}

func TestTTLExpiryOnTransitSendsTimeExceeded(t *testing.T) {
	r, tx, _ := newTestRouter()
	// Fresh ARP binding for the originating host so the ICMP reply can be
	// sent immediately instead of queued behind a new ARP request.
	r.arp.Insert(hostIP, hostMAC)

	pkt := buildIPPacket(hostMAC, routerMAC, hostIP, [4]byte{192, 168, 1, 77}, 0, lneto.IPProtoTCP, nil)
	r.HandleFrame("eth0", pkt)

	if tx.count() != 1 {
		t.Fatalf("expected 1 ICMP time-exceeded reply, got %d", tx.count())
	}
	efrm, _ := ethernet.NewFrame(tx.last())
	ifrm, _ := ipv4.NewFrame(efrm.Payload())
	if ifrm.Protocol() != lneto.IPProtoICMP {
		t.Fatalf("expected ICMP reply, got protocol %v", ifrm.Protocol())
	}
	icfrm, _ := icmpv4.NewFrame(ifrm.Payload())
	if icfrm.Type() != icmpv4.TypeTimeExceeded {
		t.Fatalf("expected time-exceeded type, got %v", icfrm.Type())
	}
	// Per RFC 792, the original IP header must start immediately after the
	// 8-byte ICMP header, with no extra padding.
	icmpBuf := ifrm.Payload()
	origHeader := icmpBuf[8 : 8+20]
	origEfrm, _ := ethernet.NewFrame(pkt)
	if string(origHeader) != string(origEfrm.Payload()[:20]) {
		t.Fatalf("embedded original IP header misplaced: got %x, want %x", origHeader, origEfrm.Payload()[:20])
	}
}

// buildTCPPacket constructs a minimal Ethernet+IPv4+TCP frame with correct
// header and pseudo-header checksums.
func buildTCPPacket(srcMAC, dstMAC [6]byte, src, dst [4]byte, ttl uint8, srcPort, dstPort uint16, flags tcp.Flags) []byte {
	buf := make([]byte, 14+20+20)
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.DestinationHardwareAddr() = dstMAC
	*efrm.SourceHardwareAddr() = srcMAC
	efrm.SetEtherType(ethernet.TypeIPv4)

	ifrm, _ := ipv4.NewFrame(buf[14:])
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(40)
	ifrm.SetTTL(ttl)
	ifrm.SetProtocol(lneto.IPProtoTCP)
	*ifrm.SourceAddr() = src
	*ifrm.DestinationAddr() = dst

	tfrm, _ := tcp.NewFrame(ifrm.Payload())
	tfrm.SetSourcePort(srcPort)
	tfrm.SetDestinationPort(dstPort)
	tfrm.SetOffsetAndFlags(5, flags)
	tfrm.SetWindowSize(0xffff)

	var crc lneto.CRC791
	ifrm.CRCWriteTCPPseudo(&crc)
	tfrm.CRCWrite(&crc)
	tfrm.SetCRC(lneto.NeverZeroChecksum(crc.Sum16()))
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	return buf
}

// newNATTestRouter wires an internal network (eth0, 10.0.0.1/24) and an
// external network (eth1, 203.0.113.1) with a default route out eth1.
func newNATTestRouter() (*Router, *capturingTransmitter, *clockwork.FakeClock) {
	ifaces := iface.NewTable(
		iface.Interface{Name: "eth0", MAC: routerMAC, IP: internalRouterIP},
		iface.Interface{Name: "eth1", MAC: externalRouterMAC, IP: externalRouterIP},
	)
	routes := iface.NewRouteTable(
		iface.Route{Dest: [4]byte{10, 0, 0, 0}, Mask: [4]byte{255, 255, 255, 0}, Interface: "eth0"},
		iface.Route{Dest: [4]byte{0, 0, 0, 0}, Mask: [4]byte{0, 0, 0, 0}, Interface: "eth1"},
	)
	tx := &capturingTransmitter{}
	fc := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	cfg.NATEnabled = true
	cfg.InternalIface = "eth0"
	cfg.ExternalIface = "eth1"
	r := New(cfg, ifaces, routes, tx, fc, nil)
	// Pre-resolve ARP for both sides so translated packets egress immediately
	// instead of being queued behind an ARP request.
	r.arp.Insert(internalHostIP, internalHostMAC)
	r.arp.Insert(remoteHostIP, remoteHostMAC)
	return r, tx, fc
}

var (
	internalRouterIP  = [4]byte{10, 0, 0, 1}
	internalHostMAC   = [6]byte{0x02, 0x00, 0x00, 0x00, 0x01, 0x01}
	internalHostIP    = [4]byte{10, 0, 0, 2}
	externalRouterMAC = [6]byte{0x02, 0x00, 0x00, 0x00, 0x02, 0x01}
	externalRouterIP  = [4]byte{203, 0, 113, 1}
	remoteHostMAC     = [6]byte{0x02, 0x00, 0x00, 0x00, 0x03, 0x01}
	remoteHostIP      = [4]byte{198, 51, 100, 9}
)

// TestUnsolicitedSYNReleasedToMatchingInternalSYN covers the hold/release
// path: an unsolicited external SYN is held, and when the
// internal host it was meant for initiates its own connection to the same
// remote endpoint within the hold window, the held SYN is forwarded
// in rather than dropped or left to time out.
func TestUnsolicitedSYNReleasedToMatchingInternalSYN(t *testing.T) {
	r, tx, _ := newNATTestRouter()

	// Remote host sends an unsolicited SYN to the router's external port
	// 5000. No NAT mapping exists yet, so it gets held rather than
	// rejected outright.
	heldSYN := buildTCPPacket(remoteHostMAC, externalRouterMAC, remoteHostIP, externalRouterIP, 64, 443, 5000, tcp.FlagSYN)
	r.HandleFrame("eth1", heldSYN)
	if tx.count() != 0 {
		t.Fatalf("expected held SYN to produce no immediate transmission, got %d", tx.count())
	}

	// The internal host that this was meant for now independently opens a
	// connection to the same remote endpoint. This both releases the held
	// SYN to the internal host and continues on as the internal host's own
	// outbound SYN, so two frames get sent: the released SYN (first) and
	// the translated outbound SYN (second).
	internalSYN := buildTCPPacket(internalHostMAC, routerMAC, internalHostIP, remoteHostIP, 64, 6000, 443, tcp.FlagSYN)
	r.HandleFrame("eth0", internalSYN)

	if tx.count() != 2 {
		t.Fatalf("expected the held SYN released plus the outbound SYN forwarded, got %d sends", tx.count())
	}
	efrm, _ := ethernet.NewFrame(tx.sent[0])
	if *efrm.DestinationHardwareAddr() != internalHostMAC {
		t.Fatalf("released SYN addressed to wrong host: %v", *efrm.DestinationHardwareAddr())
	}
	ifrm, _ := ipv4.NewFrame(efrm.Payload())
	if *ifrm.DestinationAddr() != internalHostIP || *ifrm.SourceAddr() != remoteHostIP {
		t.Fatalf("released SYN addressed incorrectly: src=%v dst=%v", *ifrm.SourceAddr(), *ifrm.DestinationAddr())
	}
	tfrm, _ := tcp.NewFrame(ifrm.Payload())
	if tfrm.DestinationPort() != 6000 || tfrm.SourcePort() != 443 {
		t.Fatalf("released SYN ports incorrect: src=%d dst=%d", tfrm.SourcePort(), tfrm.DestinationPort())
	}
	if !tfrm.Flags().HasAny(tcp.FlagSYN) {
		t.Fatalf("expected released frame to still carry SYN flag")
	}
}

// buildEchoReply mirrors buildEchoRequest but with the reply type, as a
// remote host answering a translated outbound ping would.
func buildEchoReply(srcMAC, dstMAC [6]byte, src, dst [4]byte, ttl uint8, id, seq uint16) []byte {
	buf := buildEchoRequest(srcMAC, dstMAC, src, dst, ttl, id, seq)
	efrm, _ := ethernet.NewFrame(buf)
	ifrm, _ := ipv4.NewFrame(efrm.Payload())
	icfrm, _ := icmpv4.NewFrame(ifrm.Payload())
	icfrm.SetType(icmpv4.TypeEchoReply)
	icfrm.SetCRC(0)
	var crc lneto.CRC791
	icfrm.CRCWrite(&crc)
	icfrm.SetCRC(lneto.NeverZeroChecksum(crc.Sum16()))
	return buf
}

func TestNATOutboundEchoCreatesMappingAndRewrites(t *testing.T) {
	r, tx, _ := newNATTestRouter()

	pkt := buildEchoRequest(internalHostMAC, routerMAC, internalHostIP, remoteHostIP, 64, 0x1234, 7)
	r.HandleFrame("eth0", pkt)

	if tx.count() != 1 {
		t.Fatalf("expected 1 translated echo forwarded, got %d", tx.count())
	}
	mapping, ok := r.nat.LookupInternal(internalHostIP, 0x1234, nat.TypeICMP)
	if !ok {
		t.Fatal("expected a NAT mapping for the internal echo")
	}
	efrm, _ := ethernet.NewFrame(tx.last())
	ifrm, _ := ipv4.NewFrame(efrm.Payload())
	if *ifrm.SourceAddr() != externalRouterIP || *ifrm.DestinationAddr() != remoteHostIP {
		t.Fatalf("translated echo addressed incorrectly: src=%v dst=%v", *ifrm.SourceAddr(), *ifrm.DestinationAddr())
	}
	if ifrm.CRC() != ifrm.CalculateHeaderCRC() {
		t.Fatal("translated echo has invalid IP header checksum")
	}
	icfrm, _ := icmpv4.NewFrame(ifrm.Payload())
	echo := icmpv4.FrameEcho{Frame: icfrm}
	if echo.Identifier() != mapping.ExternalAux {
		t.Fatalf("expected identifier rewritten to external aux %d, got %d", mapping.ExternalAux, echo.Identifier())
	}
	var crc lneto.CRC791
	icfrm.CRCWrite(&crc)
	if icfrm.CRC() != lneto.NeverZeroChecksum(crc.Sum16()) {
		t.Fatal("translated echo has invalid ICMP checksum")
	}
}

func TestNATInboundEchoReplyTranslatedBackToInternalHost(t *testing.T) {
	r, tx, _ := newNATTestRouter()

	r.HandleFrame("eth0", buildEchoRequest(internalHostMAC, routerMAC, internalHostIP, remoteHostIP, 64, 0x1234, 7))
	mapping, ok := r.nat.LookupInternal(internalHostIP, 0x1234, nat.TypeICMP)
	if !ok {
		t.Fatal("expected a NAT mapping for the internal echo")
	}

	reply := buildEchoReply(remoteHostMAC, externalRouterMAC, remoteHostIP, externalRouterIP, 64, mapping.ExternalAux, 7)
	r.HandleFrame("eth1", reply)

	if tx.count() != 2 {
		t.Fatalf("expected the reply forwarded to the internal host, got %d sends", tx.count())
	}
	efrm, _ := ethernet.NewFrame(tx.last())
	if *efrm.DestinationHardwareAddr() != internalHostMAC {
		t.Fatalf("reply addressed to wrong host: %v", *efrm.DestinationHardwareAddr())
	}
	ifrm, _ := ipv4.NewFrame(efrm.Payload())
	if *ifrm.DestinationAddr() != internalHostIP {
		t.Fatalf("expected reply destination rewritten to internal host, got %v", *ifrm.DestinationAddr())
	}
	icfrm, _ := icmpv4.NewFrame(ifrm.Payload())
	echo := icmpv4.FrameEcho{Frame: icfrm}
	if echo.Identifier() != 0x1234 {
		t.Fatalf("expected identifier restored to internal value, got %#x", echo.Identifier())
	}
}

func TestNATInboundNonSYNWithoutMappingDropped(t *testing.T) {
	r, tx, _ := newNATTestRouter()

	pkt := buildTCPPacket(remoteHostMAC, externalRouterMAC, remoteHostIP, externalRouterIP, 64, 443, 5000, tcp.FlagACK)
	r.HandleFrame("eth1", pkt)

	if tx.count() != 0 {
		t.Fatalf("expected inbound segment without mapping to be dropped silently, got %d sends", tx.count())
	}
}

func TestEchoRequestToOwnIPGetsEchoReply(t *testing.T) {
	r, tx, _ := newTestRouter()
	r.arp.Insert(hostIP, hostMAC)

	pkt := buildEchoRequest(hostMAC, routerMAC, hostIP, routerIP, 64, 0x1234, 1)
	r.HandleFrame("eth0", pkt)

	if tx.count() != 1 {
		t.Fatalf("expected 1 echo reply, got %d", tx.count())
	}
	efrm, _ := ethernet.NewFrame(tx.last())
	ifrm, _ := ipv4.NewFrame(efrm.Payload())
	if *ifrm.DestinationAddr() != hostIP || *ifrm.SourceAddr() != routerIP {
		t.Fatalf("reply addressed incorrectly: src=%v dst=%v", *ifrm.SourceAddr(), *ifrm.DestinationAddr())
	}
	icfrm, _ := icmpv4.NewFrame(ifrm.Payload())
	if icfrm.Type() != icmpv4.TypeEchoReply {
		t.Fatalf("expected echo reply type, got %v", icfrm.Type())
	}
	echo := icmpv4.FrameEcho{Frame: icfrm}
	if echo.Identifier() != 0x1234 {
		t.Fatalf("expected identifier to be preserved, got %x", echo.Identifier())
	}
}
