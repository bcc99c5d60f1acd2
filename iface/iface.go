// Package iface provides the interface and route tables consumed by the
// forwarding engine. The router treats both as read-only collaborators:
// this package gives them a concrete, in-memory shape so the rest of the
// module is self-contained and testable.
package iface

import "encoding/binary"

// Interface is a named network interface the router can send/receive on.
// Immutable after construction.
type Interface struct {
	Name string
	MAC  [6]byte
	IP   [4]byte
}

// Table resolves interfaces by name or by local IPv4 address.
type Table struct {
	byName map[string]Interface
}

// NewTable builds a Table from the given interfaces. Panics on duplicate names,
// a programmer error that should never reach production configuration.
func NewTable(ifaces ...Interface) *Table {
	t := &Table{byName: make(map[string]Interface, len(ifaces))}
	for _, ifc := range ifaces {
		if _, dup := t.byName[ifc.Name]; dup {
			panic("iface: duplicate interface name " + ifc.Name)
		}
		t.byName[ifc.Name] = ifc
	}
	return t
}

// ByName returns the interface registered under name.
func (t *Table) ByName(name string) (Interface, bool) {
	ifc, ok := t.byName[name]
	return ifc, ok
}

// ByLocalIP returns the interface whose IP address equals ip.
func (t *Table) ByLocalIP(ip [4]byte) (Interface, bool) {
	for _, ifc := range t.byName {
		if ifc.IP == ip {
			return ifc, true
		}
	}
	return Interface{}, false
}

// All returns every registered interface, order unspecified.
func (t *Table) All() []Interface {
	out := make([]Interface, 0, len(t.byName))
	for _, ifc := range t.byName {
		out = append(out, ifc)
	}
	return out
}

// Route is a single routing-table entry: packets matching Dest/Mask are
// sent out Interface, optionally via Gateway (a zero Gateway means the
// destination is on-link and the packet's own destination IP is the next
// hop for ARP purposes).
type Route struct {
	Dest      [4]byte
	Mask      [4]byte
	Gateway   [4]byte
	Interface string
}

// Matches reports whether dst falls within the route's prefix.
func (r Route) Matches(dst [4]byte) bool {
	d := binary.BigEndian.Uint32(dst[:])
	n := binary.BigEndian.Uint32(r.Dest[:])
	m := binary.BigEndian.Uint32(r.Mask[:])
	return d&m == n&m
}

// prefixLen returns the number of leading one-bits in the route's mask,
// used to rank routes by specificity.
func (r Route) prefixLen() int {
	m := binary.BigEndian.Uint32(r.Mask[:])
	n := 0
	for i := 31; i >= 0; i-- {
		if m&(1<<uint(i)) == 0 {
			break
		}
		n++
	}
	return n
}

// RouteTable performs longest-prefix-match lookups over a small static set
// of routes.
type RouteTable struct {
	routes []Route
}

// NewRouteTable builds a RouteTable from routes. Order is irrelevant:
// Lookup always picks the most specific (longest mask) match.
func NewRouteTable(routes ...Route) *RouteTable {
	return &RouteTable{routes: append([]Route(nil), routes...)}
}

// Lookup returns the most specific route matching dst, if any.
func (rt *RouteTable) Lookup(dst [4]byte) (Route, bool) {
	best := -1
	var bestRoute Route
	for _, r := range rt.routes {
		if !r.Matches(dst) {
			continue
		}
		if p := r.prefixLen(); p > best {
			best = p
			bestRoute = r
		}
	}
	return bestRoute, best >= 0
}
