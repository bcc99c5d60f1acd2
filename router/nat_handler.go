package router

import (
	"log/slog"

	lneto "github.com/soypat/lneto-router"
	"github.com/soypat/lneto-router/ethernet"
	"github.com/soypat/lneto-router/internal"
	"github.com/soypat/lneto-router/ipv4"
	"github.com/soypat/lneto-router/ipv4/icmpv4"
	"github.com/soypat/lneto-router/nat"
	"github.com/soypat/lneto-router/tcp"
)

// handleIPNAT classifies by ingress interface and applies
// internal-to-external or external-to-internal translation before
// forwarding. Traffic on an interface that is neither configured side
// falls back to plain forwarding.
func (r *Router) handleIPNAT(ingressIface string, efrm ethernet.Frame) {
	ifrm, err := ipv4.NewFrame(efrm.Payload())
	if err != nil {
		r.log.trace("drop: bad ip frame", slog.String("err", err.Error()))
		return
	}
	if ifrm.CRC() != ifrm.CalculateHeaderCRC() {
		r.log.debug("drop: bad ip checksum")
		return
	}

	switch ingressIface {
	case r.cfg.InternalIface:
		r.natInternalToExternal(ingressIface, efrm, ifrm)
	case r.cfg.ExternalIface:
		r.natExternalToInternal(ingressIface, efrm, ifrm)
	default:
		r.handleIPNonNATFrame(ingressIface, efrm, ifrm)
	}
}

// natInternalToExternal rewrites an outbound packet's source address/port
// to the external interface's binding before forwarding it.
func (r *Router) natInternalToExternal(ingressIface string, efrm ethernet.Frame, ifrm ipv4.Frame) {
	dst := *ifrm.DestinationAddr()
	if local, ok := r.ifaces.ByLocalIP(dst); ok {
		r.handleForUs(ingressIface, local, ifrm)
		return
	}
	if ifrm.TTL() == 0 {
		r.sendICMPTimeExceeded(ifrm)
		return
	}
	route, ok := r.routes.Lookup(dst)
	if !ok {
		r.sendICMPNetUnreachable(ifrm)
		return
	}
	if route.Interface != r.cfg.ExternalIface {
		// Destined back out a different internal-side link: no translation.
		r.egressTransit(efrm.RawData(), route)
		return
	}
	external, ok := r.ifaces.ByName(r.cfg.ExternalIface)
	if !ok {
		return
	}

	switch ifrm.Protocol() {
	case lneto.IPProtoTCP:
		tfrm, err := tcp.NewFrame(ifrm.Payload())
		if err != nil {
			return
		}
		flags := tfrm.Flags()
		remotePort := tfrm.DestinationPort()
		srcIP, srcPort := *ifrm.SourceAddr(), tfrm.SourcePort()
		isSYNOnly := flags.HasAny(tcp.FlagSYN) && !flags.HasAny(tcp.FlagACK)

		var mapping *nat.Mapping
		if isSYNOnly {
			if held, ok := r.nat.MatchHeldSYN(dst, remotePort); ok {
				r.nat.BindInternal(held, srcIP, srcPort)
				if frame, heldIface, ok := r.nat.ReleaseHeldSYN(held, dst, remotePort); ok {
					r.forwardReleasedSYN(frame, heldIface, held)
				}
				mapping = held
			}
		}
		if mapping == nil {
			mapping, err = r.nat.LookupOrInsertInternal(srcIP, srcPort, nat.TypeTCP)
			if err != nil {
				r.log.warn("nat: external port pool exhausted", slog.String("err", err.Error()))
				return
			}
			if isSYNOnly {
				r.nat.OutboundSYN(mapping, dst, remotePort)
			} else {
				r.nat.ApplyFlags(mapping, dst, remotePort, flags.HasAny(tcp.FlagSYN), flags.HasAny(tcp.FlagACK), flags.HasAny(tcp.FlagFIN), flags.HasAny(tcp.FlagRST))
			}
		}
		tfrm.SetSourcePort(mapping.ExternalAux)
		*ifrm.SourceAddr() = external.IP

		var crc lneto.CRC791
		ifrm.CRCWriteTCPPseudo(&crc)
		tfrm.CRCWrite(&crc)
		tfrm.SetCRC(lneto.NeverZeroChecksum(crc.Sum16()))

	case lneto.IPProtoICMP:
		icfrm, err := icmpv4.NewFrame(ifrm.Payload())
		if err != nil || icfrm.Type() != icmpv4.TypeEcho {
			return
		}
		echo := icmpv4.FrameEcho{Frame: icfrm}
		mapping, err := r.nat.LookupOrInsertInternal(*ifrm.SourceAddr(), echo.Identifier(), nat.TypeICMP)
		if err != nil {
			r.log.warn("nat: external id pool exhausted", slog.String("err", err.Error()))
			return
		}
		r.nat.Touch(mapping)
		echo.SetIdentifier(mapping.ExternalAux)
		*ifrm.SourceAddr() = external.IP

		var crc lneto.CRC791
		echo.CRCWrite(&crc)
		echo.SetCRC(lneto.NeverZeroChecksum(crc.Sum16()))

	default:
		r.log.trace("drop: unsupported nat transport", slog.Uint64("proto", uint64(ifrm.Protocol())))
		return
	}

	r.egressTransit(efrm.RawData(), route)
}

// forwardReleasedSYN rewrites a held unsolicited-SYN frame's destination
// from the external (IP, port) it originally targeted to the internal host
// mapping now binds, and forwards it.
func (r *Router) forwardReleasedSYN(frame []byte, ingressIface string, mapping *nat.Mapping) {
	efrm, err := ethernet.NewFrame(frame)
	if err != nil {
		return
	}
	ifrm, err := ipv4.NewFrame(efrm.Payload())
	if err != nil {
		return
	}
	tfrm, err := tcp.NewFrame(ifrm.Payload())
	if err != nil {
		return
	}
	tfrm.SetDestinationPort(mapping.InternalAux)
	*ifrm.DestinationAddr() = mapping.InternalIP

	var crc lneto.CRC791
	ifrm.CRCWriteTCPPseudo(&crc)
	tfrm.CRCWrite(&crc)
	tfrm.SetCRC(lneto.NeverZeroChecksum(crc.Sum16()))

	route, ok := r.routes.Lookup(mapping.InternalIP)
	if !ok {
		r.log.debug("drop: no route for released SYN", internal.SlogAddr4("internal_ip", &mapping.InternalIP), slog.String("ingress", ingressIface))
		return
	}
	r.egressTransit(frame, route)
}

// natExternalToInternal rewrites an inbound packet's destination
// address/port back to the original internal host before forwarding it.
// An inbound TCP SYN with no existing mapping is held briefly rather than
// dropped outright.
func (r *Router) natExternalToInternal(ingressIface string, efrm ethernet.Frame, ifrm ipv4.Frame) {
	if ifrm.TTL() == 0 {
		r.sendICMPTimeExceeded(ifrm)
		return
	}

	// Inbound traffic is addressed to the external interface's own IP, so
	// the translation lookup runs before any "for us" handling: only
	// packets with no claim to a mapping fall through to local delivery.
	switch ifrm.Protocol() {
	case lneto.IPProtoTCP:
		tfrm, err := tcp.NewFrame(ifrm.Payload())
		if err != nil {
			return
		}
		remoteIP := *ifrm.SourceAddr()
		remotePort := tfrm.SourcePort()
		flags := tfrm.Flags()
		mapping, ok := r.nat.LookupExternal(tfrm.DestinationPort(), nat.TypeTCP)
		if !ok {
			if flags.HasAny(tcp.FlagSYN) && !flags.HasAny(tcp.FlagACK) {
				m, err := r.nat.InsertExternalTentative(tfrm.DestinationPort(), nat.TypeTCP)
				if err == nil {
					r.nat.HoldUnsolicitedSYN(m, remoteIP, remotePort, efrm.RawData(), ingressIface)
				}
			} else {
				r.log.debug("drop: no nat mapping for inbound segment", slog.Uint64("port", uint64(tfrm.DestinationPort())))
			}
			return
		}
		if mapping.InternalAux == 0 && mapping.InternalIP == ([4]byte{}) {
			if flags.HasAny(tcp.FlagSYN) && !flags.HasAny(tcp.FlagACK) {
				r.nat.HoldUnsolicitedSYN(mapping, remoteIP, remotePort, efrm.RawData(), ingressIface)
			}
			return
		}
		r.nat.ApplyFlags(mapping, remoteIP, remotePort, flags.HasAny(tcp.FlagSYN), flags.HasAny(tcp.FlagACK), flags.HasAny(tcp.FlagFIN), flags.HasAny(tcp.FlagRST))
		tfrm.SetDestinationPort(mapping.InternalAux)
		*ifrm.DestinationAddr() = mapping.InternalIP

		var crc lneto.CRC791
		ifrm.CRCWriteTCPPseudo(&crc)
		tfrm.CRCWrite(&crc)
		tfrm.SetCRC(lneto.NeverZeroChecksum(crc.Sum16()))

	case lneto.IPProtoICMP:
		icfrm, err := icmpv4.NewFrame(ifrm.Payload())
		if err != nil {
			return
		}
		if icfrm.Type() != icmpv4.TypeEchoReply {
			// Echo requests (and anything else) aimed at the router itself
			// are answered locally; there is nothing to translate.
			if local, ok := r.ifaces.ByLocalIP(*ifrm.DestinationAddr()); ok {
				r.handleForUs(ingressIface, local, ifrm)
			}
			return
		}
		echo := icmpv4.FrameEcho{Frame: icfrm}
		mapping, ok := r.nat.LookupExternal(echo.Identifier(), nat.TypeICMP)
		if !ok {
			r.log.debug("drop: no nat mapping for inbound echo reply", slog.Uint64("id", uint64(echo.Identifier())))
			return
		}
		r.nat.Touch(mapping)
		echo.SetIdentifier(mapping.InternalAux)
		*ifrm.DestinationAddr() = mapping.InternalIP

		var crc lneto.CRC791
		echo.CRCWrite(&crc)
		echo.SetCRC(lneto.NeverZeroChecksum(crc.Sum16()))

	default:
		if local, ok := r.ifaces.ByLocalIP(*ifrm.DestinationAddr()); ok {
			r.handleForUs(ingressIface, local, ifrm)
			return
		}
		r.log.trace("drop: unsupported nat transport", slog.Uint64("proto", uint64(ifrm.Protocol())))
		return
	}

	route, ok := r.routes.Lookup(*ifrm.DestinationAddr())
	if !ok {
		r.sendICMPNetUnreachable(ifrm)
		return
	}
	r.egressTransit(efrm.RawData(), route)
}

// handleIPNonNATFrame is handleIPNonNAT's body, reused for traffic on an
// interface that isn't configured as either NAT side.
func (r *Router) handleIPNonNATFrame(ingressIface string, efrm ethernet.Frame, ifrm ipv4.Frame) {
	dst := *ifrm.DestinationAddr()
	if local, ok := r.ifaces.ByLocalIP(dst); ok {
		r.handleForUs(ingressIface, local, ifrm)
		return
	}
	if ifrm.TTL() == 0 {
		r.sendICMPTimeExceeded(ifrm)
		return
	}
	route, ok := r.routes.Lookup(dst)
	if !ok {
		r.sendICMPNetUnreachable(ifrm)
		return
	}
	r.egressTransit(efrm.RawData(), route)
}
