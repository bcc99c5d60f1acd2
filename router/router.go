// Package router implements the forwarding engine: ingress dispatch, the
// ARP request/reply handler, the non-NAT and NAT IP handlers, and egress
// with ARP resolution.
package router

import (
	"log/slog"

	"github.com/jonboulle/clockwork"

	lneto "github.com/soypat/lneto-router"
	"github.com/soypat/lneto-router/arp"
	"github.com/soypat/lneto-router/arpcache"
	"github.com/soypat/lneto-router/ethernet"
	"github.com/soypat/lneto-router/iface"
	"github.com/soypat/lneto-router/internal"
	"github.com/soypat/lneto-router/ipv4"
	"github.com/soypat/lneto-router/ipv4/icmpv4"
	"github.com/soypat/lneto-router/nat"
)

const minFrameLen = 34 // Ethernet header (14) + minimum ARP payload (28).

// Transmitter sends a raw Ethernet frame out a named interface.
type Transmitter = arpcache.Transmitter

// Router is the forwarding engine. Construct with New; safe for
// concurrent HandleFrame calls.
type Router struct {
	cfg    Config
	ifaces *iface.Table
	routes *iface.RouteTable
	arp    *arpcache.Cache
	nat    *nat.Table
	tx     Transmitter
	clock  clockwork.Clock
	log    logger
}

// New constructs a Router. ifaces and routes are shared immutable
// collaborators; tx is where finished frames are handed off.
func New(cfg Config, ifaces *iface.Table, routes *iface.RouteTable, tx Transmitter, clock clockwork.Clock, l *slog.Logger) *Router {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	r := &Router{
		cfg:    cfg,
		ifaces: ifaces,
		routes: routes,
		tx:     tx,
		clock:  clock,
		log:    newLogger(l),
	}
	r.arp = arpcache.New(ifaces, tx, clock, cfg.ARPCacheCapacity, cfg.ARPEntryTTL)
	r.arp.SetRetry(cfg.ARPRetryInterval, cfg.ARPMaxAttempts)
	if cfg.NATEnabled {
		r.nat = nat.NewTable(clock, cfg.NATPoolLo, cfg.NATPoolHi, cfg.NATTimeouts)
	}
	return r
}

// HandleFrame is the ingress entrypoint: classify by EtherType and
// dispatch. frame is lent by the caller and is never retained past this
// call; any state that must outlive it is deep-copied.
func (r *Router) HandleFrame(ingressIface string, frame []byte) {
	if len(frame) < minFrameLen {
		r.log.trace("drop: short frame", slog.Int("len", len(frame)))
		return
	}
	// The ingress buffer is lent only for the duration of this call and the
	// handlers rewrite headers in place, so work on an owned copy.
	frame = append([]byte(nil), frame...)
	efrm, err := ethernet.NewFrame(frame)
	if err != nil {
		r.log.trace("drop: bad ethernet frame", slog.String("err", err.Error()))
		return
	}
	switch efrm.EtherTypeOrSize() {
	case ethernet.TypeARP:
		r.handleARP(ingressIface, efrm)
	case ethernet.TypeIPv4:
		if r.cfg.NATEnabled {
			r.handleIPNAT(ingressIface, efrm)
		} else {
			r.handleIPNonNAT(ingressIface, efrm)
		}
	default:
		r.log.debug("drop: unsupported ethertype", slog.Uint64("ethertype", uint64(efrm.EtherTypeOrSize())))
	}
}

// handleARP answers ARP requests for local addresses and learns bindings
// from ARP replies, draining any packets queued behind the resolution.
func (r *Router) handleARP(ingressIface string, efrm ethernet.Frame) {
	afrm, err := arp.NewFrame(efrm.Payload())
	if err != nil {
		r.log.trace("drop: bad arp frame", slog.String("err", err.Error()))
		return
	}
	_, senderIP := afrm.Sender4()
	_, targetIP := afrm.Target4()

	switch afrm.Operation() {
	case arp.OpRequest:
		local, ok := r.ifaces.ByLocalIP(*targetIP)
		if !ok {
			return // not for us
		}
		afrm.SwapTargetSender()
		afrm.SetOperation(arp.OpReply)
		senderHW, _ := afrm.Sender4()
		*senderHW = local.MAC
		*efrm.DestinationHardwareAddr() = *efrm.SourceHardwareAddr()
		*efrm.SourceHardwareAddr() = local.MAC
		r.send(ingressIface, efrm.RawData())

	case arp.OpReply:
		senderHW, _ := afrm.Sender4()
		r.log.trace("arp: resolved", internal.SlogAddr4("ip", senderIP), internal.SlogAddr6("mac", senderHW))
		req := r.arp.Insert(*senderIP, *senderHW)
		if req == nil {
			return
		}
		r.drainRequest(req)
	}
}

// drainRequest releases the pending packets of a resolved ARP request:
// rewrite Ethernet addressing and transmit each on its egress interface.
func (r *Router) drainRequest(req *arpcache.Request) {
	mac, ok := r.arp.Lookup(req.TargetIP)
	if !ok {
		return
	}
	for _, p := range req.Pending {
		egress, ok := r.ifaces.ByName(p.IfaceName)
		if !ok {
			continue
		}
		efrm, err := ethernet.NewFrame(p.Frame)
		if err != nil {
			continue
		}
		// TTL was already decremented (transit) or never needed decrementing
		// (locally generated) before the packet was queued; drain only
		// finishes the Ethernet addressing.
		*efrm.SourceHardwareAddr() = egress.MAC
		*efrm.DestinationHardwareAddr() = mac
		r.send(egress.Name, p.Frame)
	}
}

// handleIPNonNAT answers or forwards an IPv4 packet without translation.
// TCP in transit is forwarded like any other transport whenever a route
// exists.
func (r *Router) handleIPNonNAT(ingressIface string, efrm ethernet.Frame) {
	ifrm, err := ipv4.NewFrame(efrm.Payload())
	if err != nil {
		r.log.trace("drop: bad ip frame", slog.String("err", err.Error()))
		return
	}
	if ifrm.CRC() != ifrm.CalculateHeaderCRC() {
		r.log.debug("drop: bad ip checksum")
		return
	}
	r.handleIPNonNATFrame(ingressIface, efrm, ifrm)
}

// handleForUs answers traffic addressed to one of the router's own
// interfaces.
func (r *Router) handleForUs(ingressIface string, local iface.Interface, ifrm ipv4.Frame) {
	switch ifrm.Protocol() {
	case lneto.IPProtoTCP, lneto.IPProtoUDP:
		r.sendICMPPortUnreachable(ifrm)
	case lneto.IPProtoICMP:
		r.handleLocalICMP(ingressIface, local, ifrm)
	default:
		r.log.trace("drop: unsupported local transport", slog.Uint64("proto", uint64(ifrm.Protocol())))
	}
}

func (r *Router) handleLocalICMP(ingressIface string, local iface.Interface, ifrm ipv4.Frame) {
	icfrm, err := icmpv4.NewFrame(ifrm.Payload())
	if err != nil {
		return
	}
	if icfrm.Type() != icmpv4.TypeEcho || icfrm.Code() != 0 || ifrm.ToS() != 0 {
		return
	}
	var crc lneto.CRC791
	icfrm.CRCWrite(&crc)
	if icfrm.CRC() != lneto.NeverZeroChecksum(crc.Sum16()) {
		return
	}

	echo := icmpv4.FrameEcho{Frame: icfrm}
	origSrc := *ifrm.SourceAddr()

	*ifrm.DestinationAddr() = origSrc
	*ifrm.SourceAddr() = local.IP
	ifrm.SetTTL(64)
	echo.SetType(icmpv4.TypeEchoReply)

	var crc2 lneto.CRC791
	echo.CRCWrite(&crc2)
	echo.SetCRC(lneto.NeverZeroChecksum(crc2.Sum16()))
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	route, ok := r.routes.Lookup(origSrc)
	if !ok {
		r.log.debug("drop: no route for echo reply", internal.SlogAddr4("dst", &origSrc))
		return
	}
	buf := make([]byte, 14+len(ifrm.RawData()))
	copy(buf[14:], ifrm.RawData())
	efrm, _ := ethernet.NewFrame(buf)
	efrm.SetEtherType(ethernet.TypeIPv4)
	r.egressGenerated(buf, route)
}
