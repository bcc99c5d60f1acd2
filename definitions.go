package lneto

import "strconv"

const (
	sizeHeaderIPv4      = 20
	sizeHeaderTCP       = 20
	sizeHeaderEthNoVLAN = 14
	sizeHeaderUDP       = 8
	sizeHeaderARPv4     = 28
	sizeHeaderIPv6      = 40
)

// IPProto represents the IP protocol number.
type IPProto uint8

// IP protocol numbers.
const (
	IPProtoHopByHop        IPProto = 0   // IPv6 Hop-by-Hop Option [RFC8200]
	IPProtoICMP            IPProto = 1   // Internet Control Message [RFC792]
	IPProtoIGMP            IPProto = 2   // Internet Group Management [RFC1112]
	IPProtoGGP             IPProto = 3   // Gateway-to-Gateway [RFC823]
	IPProtoIPv4            IPProto = 4   // IPv4 encapsulation [RFC2003]
	IPProtoST              IPProto = 5   // Stream [RFC1190, RFC1819]
	IPProtoTCP             IPProto = 6   // Transmission Control [RFC793]
	IPProtoCBT             IPProto = 7   // CBT [Ballardie]
	IPProtoEGP             IPProto = 8   // Exterior Gateway Protocol [RFC888]
	IPProtoIGP             IPProto = 9   // any private interior gateway (used by Cisco for their IGRP)
	IPProtoUDP             IPProto = 17  // User Datagram [RFC768]
	IPProtoIPv6            IPProto = 41  // IPv6 encapsulation [RFC2473]
	IPProtoIPv6Route       IPProto = 43  // Routing Header for IPv6 [RFC8200]
	IPProtoIPv6Frag        IPProto = 44  // Fragment Header for IPv6 [RFC8200]
	IPProtoGRE             IPProto = 47  // Generic Routing Encapsulation [RFC2784]
	IPProtoESP             IPProto = 50  // Encap Security Payload [RFC4303]
	IPProtoAH              IPProto = 51  // Authentication Header [RFC4302]
	IPProtoIPv6ICMP        IPProto = 58  // ICMP for IPv6 [RFC8200]
	IPProtoIPv6NoNxt       IPProto = 59  // No Next Header for IPv6 [RFC8200]
	IPProtoIPv6Opts        IPProto = 60  // Destination Options for IPv6 [RFC8200]
	IPProtoOSPFIGP         IPProto = 89  // OSPFIGP
	IPProtoVRRP            IPProto = 112 // Virtual Router Redundancy Protocol
	IPProtoL2TP            IPProto = 115 // Layer Two Tunneling Protocol v3
	IPProtoSCTP            IPProto = 132 // Stream Control Transmission Protocol
	IPProtoUDPLite         IPProto = 136 // UDPLite
	IPProtoMPLSInIP        IPProto = 137 // MPLS-in-IP
)

var ipProtoNames = map[IPProto]string{
	IPProtoHopByHop:  "HOPOPT",
	IPProtoICMP:      "ICMP",
	IPProtoIGMP:      "IGMP",
	IPProtoGGP:       "GGP",
	IPProtoIPv4:      "IPv4",
	IPProtoST:        "ST",
	IPProtoTCP:       "TCP",
	IPProtoCBT:       "CBT",
	IPProtoEGP:       "EGP",
	IPProtoIGP:       "IGP",
	IPProtoUDP:       "UDP",
	IPProtoIPv6:      "IPv6",
	IPProtoIPv6Route: "IPv6-Route",
	IPProtoIPv6Frag:  "IPv6-Frag",
	IPProtoGRE:       "GRE",
	IPProtoESP:       "ESP",
	IPProtoAH:        "AH",
	IPProtoIPv6ICMP:  "IPv6-ICMP",
	IPProtoIPv6NoNxt: "IPv6-NoNxt",
	IPProtoIPv6Opts:  "IPv6-Opts",
	IPProtoOSPFIGP:   "OSPFIGP",
	IPProtoVRRP:      "VRRP",
	IPProtoL2TP:      "L2TP",
	IPProtoSCTP:      "SCTP",
	IPProtoUDPLite:   "UDPLite",
	IPProtoMPLSInIP:  "MPLSinIP",
}

// String returns the protocol's name, or its numeric value if unknown.
func (p IPProto) String() string {
	if name, ok := ipProtoNames[p]; ok {
		return name
	}
	return "IPProto(" + strconv.Itoa(int(p)) + ")"
}
