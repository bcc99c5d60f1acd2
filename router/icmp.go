package router

import (
	lneto "github.com/soypat/lneto-router"
	"github.com/soypat/lneto-router/ethernet"
	"github.com/soypat/lneto-router/internal"
	"github.com/soypat/lneto-router/ipv4"
	"github.com/soypat/lneto-router/ipv4/icmpv4"
)

// sendICMPError builds a fresh ICMP error packet addressed back to the
// sender of origIfrm and routes it through the ordinary
// route-lookup/ARP-resolution egress path rather than replying directly on
// the ingress interface. Per RFC 792, the ICMP body is
// the 8-byte ICMP header (whose last 4 bytes are unused for type-3/11)
// immediately followed by the original IP header and the first 8 bytes of
// its payload — no additional padding.
func (r *Router) sendICMPError(origIfrm ipv4.Frame, icmpType icmpv4.Type, code uint8) {
	origHeaderLen := origIfrm.HeaderLength()
	payload := origIfrm.Payload()
	n := 8
	if len(payload) < n {
		n = len(payload)
	}
	icmpBodyLen := origHeaderLen + n
	totalLen := 20 + 8 + icmpBodyLen

	dst := *origIfrm.SourceAddr()
	route, ok := r.routes.Lookup(dst)
	if !ok {
		r.log.debug("drop: no route for icmp error reply", internal.SlogAddr4("dst", &dst))
		return
	}
	local, ok := r.ifaces.ByName(route.Interface)
	if !ok {
		return
	}

	buf := make([]byte, 14+totalLen)
	efrm, err := ethernet.NewFrame(buf)
	if err != nil {
		return
	}
	efrm.SetEtherType(ethernet.TypeIPv4)

	ifrm, err := ipv4.NewFrame(efrm.Payload())
	if err != nil {
		return
	}
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetToS(0)
	ifrm.SetTotalLength(uint16(totalLen))
	ifrm.SetID(0)
	ifrm.SetFlags(0)
	ifrm.SetTTL(64)
	ifrm.SetProtocol(lneto.IPProtoICMP)
	*ifrm.SourceAddr() = local.IP
	*ifrm.DestinationAddr() = dst
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	icmpBuf := ifrm.Payload()
	icfrm, err := icmpv4.NewFrame(icmpBuf)
	if err != nil {
		return
	}
	icfrm.SetType(icmpType)
	icfrm.SetCode(code)
	body := icmpBuf[8:]
	copy(body[:origHeaderLen], origIfrm.RawData()[:origHeaderLen])
	copy(body[origHeaderLen:origHeaderLen+n], payload[:n])

	var crc lneto.CRC791
	icfrm.CRCWrite(&crc)
	icfrm.SetCRC(lneto.NeverZeroChecksum(crc.Sum16()))

	r.egressGenerated(buf, route)
}

func (r *Router) sendICMPTimeExceeded(ifrm ipv4.Frame) {
	r.sendICMPError(ifrm, icmpv4.TypeTimeExceeded, uint8(icmpv4.CodeExceededInTransit))
}

func (r *Router) sendICMPNetUnreachable(ifrm ipv4.Frame) {
	r.sendICMPError(ifrm, icmpv4.TypeDestinationUnreachable, uint8(icmpv4.CodeNetUnreachable))
}

func (r *Router) sendICMPHostUnreachable(ifrm ipv4.Frame) {
	r.sendICMPError(ifrm, icmpv4.TypeDestinationUnreachable, uint8(icmpv4.CodeHostUnreachable))
}

func (r *Router) sendICMPPortUnreachable(ifrm ipv4.Frame) {
	r.sendICMPError(ifrm, icmpv4.TypeDestinationUnreachable, uint8(icmpv4.CodePortUnreachable))
}
