package router

import (
	"log/slog"

	"github.com/soypat/lneto-router/ethernet"
	"github.com/soypat/lneto-router/iface"
	"github.com/soypat/lneto-router/ipv4"
)

// egressTransit sends a forwarded (in-transit) packet out route,
// decrementing its TTL and recomputing the header checksum first.
func (r *Router) egressTransit(frame []byte, route iface.Route) {
	efrm, err := ethernet.NewFrame(frame)
	if err != nil {
		return
	}
	ifrm, err := ipv4.NewFrame(efrm.Payload())
	if err != nil {
		return
	}
	ifrm.SetTTL(ifrm.TTL() - 1)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	r.egress(frame, route)
}

// egressGenerated sends a packet the router built itself (ICMP errors,
// echo replies) out route. Its TTL is already fresh and must not be
// decremented again.
func (r *Router) egressGenerated(frame []byte, route iface.Route) {
	r.egress(frame, route)
}

// egress resolves the next hop's MAC address and either transmits frame
// immediately or queues it behind an ARP request.
func (r *Router) egress(frame []byte, route iface.Route) {
	efrm, err := ethernet.NewFrame(frame)
	if err != nil {
		return
	}
	ifrm, err := ipv4.NewFrame(efrm.Payload())
	if err != nil {
		return
	}
	nexthop := route.Gateway
	if nexthop == ([4]byte{}) {
		nexthop = *ifrm.DestinationAddr()
	}
	egress, ok := r.ifaces.ByName(route.Interface)
	if !ok {
		r.log.warn("drop: unknown egress interface", slog.String("iface", route.Interface))
		return
	}

	mac, ok := r.arp.Lookup(nexthop)
	if !ok {
		r.arp.Queue(nexthop, frame, egress.Name)
		return
	}
	*efrm.SourceHardwareAddr() = egress.MAC
	*efrm.DestinationHardwareAddr() = mac
	r.send(egress.Name, frame)
}

func (r *Router) send(ifaceName string, frame []byte) {
	if r.tx == nil {
		return
	}
	if err := r.tx.SendFrame(ifaceName, frame); err != nil {
		r.log.warn("send failed", slog.String("iface", ifaceName), slog.String("err", err.Error()))
	}
}
