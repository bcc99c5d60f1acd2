// Package nat implements the bidirectional NAT mapping table and its
// per-mapping TCP connection tracker.
package nat

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/soypat/lneto-router/internal"
)

// MappingType discriminates the two kinds of NAT mapping this router
// tracks; aux is a TCP port for Type TCP, an ICMP echo identifier for
// Type ICMP.
type MappingType uint8

const (
	TypeICMP MappingType = iota
	TypeTCP
)

func (t MappingType) String() string {
	if t == TypeTCP {
		return "tcp"
	}
	return "icmp"
}

// ConnState is a TCP connection's position in the connection-tracking
// state machine.
type ConnState uint8

const (
	StateNone ConnState = iota
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait:
		return "FIN_WAIT"
	case StateClosed:
		return "CLOSED"
	default:
		return "NONE"
	}
}

// Connection tracks one remote endpoint's TCP state within a mapping. A
// connection holding an unsolicited inbound SYN keeps the held frame until
// it is released to the internal side or times out into CLOSED.
type Connection struct {
	RemoteIP    [4]byte
	RemotePort  uint16
	State       ConnState
	LastUpdated time.Time

	held      []byte
	heldIface string
	heldSince time.Time
	holding   bool
}

// Mapping is one NAT binding: an internal (IP, aux) pair translated to an
// external aux on the router's external interface.
type Mapping struct {
	InternalIP  [4]byte
	InternalAux uint16
	ExternalAux uint16
	Type        MappingType
	LastUpdated time.Time
	Connections []*Connection

	// externalAuxPooled records whether ExternalAux was drawn from (and
	// thus must eventually be returned to) the Table's auxPool. A mapping
	// created from an unsolicited external SYN whose destination port
	// falls outside the pool's managed range never touched the pool and
	// must not release anything back into it on reap.
	externalAuxPooled bool
}

func (m *Mapping) connFor(remoteIP [4]byte, remotePort uint16) *Connection {
	for _, c := range m.Connections {
		if c.RemoteIP == remoteIP && c.RemotePort == remotePort {
			return c
		}
	}
	return nil
}

// isTentative reports whether m was created from the external side and has
// not yet been bound to an internal (IP, aux) pair.
func (m *Mapping) isTentative() bool {
	return internal.IsZeroed(m.InternalIP) && m.InternalAux == 0
}

// allClosed reports whether every connection on the mapping is CLOSED (or
// there are none), making the mapping eligible for reaping once its own
// idle timer elapses.
func (m *Mapping) allClosed() bool {
	for _, c := range m.Connections {
		if c.State != StateClosed {
			return false
		}
	}
	return true
}

// Timeouts configures the mapping/connection idle windows.
type Timeouts struct {
	ICMP            time.Duration
	TCPEstablished  time.Duration
	TCPTransitory   time.Duration
	UnsolicitedHold time.Duration
}

// DefaultTimeouts returns the default idle windows: 60s for ICMP
// mappings, 7440s for established TCP, 300s for transitory TCP, and a 6s
// unsolicited-SYN hold.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		ICMP:            60 * time.Second,
		TCPEstablished:  7440 * time.Second,
		TCPTransitory:   300 * time.Second,
		UnsolicitedHold: 6 * time.Second,
	}
}

var ErrPoolExhausted = errors.New("nat: external aux pool exhausted")

type internalKey struct {
	ip  [4]byte
	aux uint16
	typ MappingType
}

type externalKey struct {
	aux uint16
	typ MappingType
}

type auxPool struct {
	lo, hi uint16
	next   uint32
	free   []uint16
	inUse  map[uint16]bool
}

func newAuxPool(lo, hi uint16) *auxPool {
	if hi <= lo {
		lo, hi = 1024, 65535
	}
	return &auxPool{lo: lo, hi: hi, next: uint32(lo), inUse: make(map[uint16]bool)}
}

func (p *auxPool) alloc() (uint16, bool) {
	if n := len(p.free); n > 0 {
		v := p.free[n-1]
		p.free = p.free[:n-1]
		p.inUse[v] = true
		return v, true
	}
	for p.next <= uint32(p.hi) {
		v := uint16(p.next)
		p.next++
		if !p.inUse[v] {
			p.inUse[v] = true
			return v, true
		}
	}
	return 0, false
}

func (p *auxPool) release(v uint16) {
	delete(p.inUse, v)
	p.free = append(p.free, v)
}

// inRange reports whether v falls within the pool's managed [lo, hi] span.
func (p *auxPool) inRange(v uint16) bool {
	return v >= p.lo && v <= p.hi
}

// reserve marks v in-use so a later alloc cannot hand the same value to
// another mapping. Values outside the pool's managed range are never
// produced by alloc, so reserving one is a no-op that always succeeds.
// Returns false only when v is within range and already reserved by
// another mapping — a genuine collision the caller must reject the insert
// for.
func (p *auxPool) reserve(v uint16) bool {
	if !p.inRange(v) {
		return true
	}
	if p.inUse[v] {
		return false
	}
	p.inUse[v] = true
	return true
}

// Table is the NAT mapping table: a single mutex guards the mapping set,
// the free-aux pools and all connection state, so TCP state transitions
// and the unsolicited-SYN hold/release are race-free.
type Table struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	timeouts Timeouts
	byInt    map[internalKey]*Mapping
	byExt    map[externalKey]*Mapping
	tcpPool  *auxPool
	icmpPool *auxPool
}

// NewTable constructs a Table whose external-aux pools span [poolLo, poolHi]
// for both TCP ports and ICMP identifiers, tracked independently.
func NewTable(clock clockwork.Clock, poolLo, poolHi uint16, timeouts Timeouts) *Table {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Table{
		clock:    clock,
		timeouts: timeouts,
		byInt:    make(map[internalKey]*Mapping),
		byExt:    make(map[externalKey]*Mapping),
		tcpPool:  newAuxPool(poolLo, poolHi),
		icmpPool: newAuxPool(poolLo, poolHi),
	}
}

func (t *Table) pool(typ MappingType) *auxPool {
	if typ == TypeTCP {
		return t.tcpPool
	}
	return t.icmpPool
}

// LookupInternal returns the mapping for (ip, aux, typ), if any.
func (t *Table) LookupInternal(ip [4]byte, aux uint16, typ MappingType) (*Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byInt[internalKey{ip, aux, typ}]
	return m, ok
}

// LookupExternal returns the mapping for (aux, typ), if any.
func (t *Table) LookupExternal(aux uint16, typ MappingType) (*Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byExt[externalKey{aux, typ}]
	return m, ok
}

// InsertInternal creates a new mapping for (ip, aux, typ), allocating a
// fresh external aux from the pool. Returns ErrPoolExhausted if the pool
// has no free identifiers.
func (t *Table) InsertInternal(ip [4]byte, aux uint16, typ MappingType) (*Mapping, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ik := internalKey{ip, aux, typ}
	if m, ok := t.byInt[ik]; ok {
		return m, nil
	}
	ext, ok := t.pool(typ).alloc()
	if !ok {
		return nil, ErrPoolExhausted
	}
	m := &Mapping{
		InternalIP:        ip,
		InternalAux:       aux,
		ExternalAux:       ext,
		Type:              typ,
		LastUpdated:       t.clock.Now(),
		externalAuxPooled: true,
	}
	t.byInt[ik] = m
	t.byExt[externalKey{ext, typ}] = m
	return m, nil
}

// LookupOrInsertInternal is a convenience wrapper combining LookupInternal
// and InsertInternal, as used by the internal-to-external translation path.
func (t *Table) LookupOrInsertInternal(ip [4]byte, aux uint16, typ MappingType) (*Mapping, error) {
	if m, ok := t.LookupInternal(ip, aux, typ); ok {
		return m, nil
	}
	return t.InsertInternal(ip, aux, typ)
}

// ErrExternalAuxInUse is returned by InsertExternalTentative when the
// unsolicited packet's destination aux collides with one already held by an
// internally bound mapping.
var ErrExternalAuxInUse = errors.New("nat: external aux already in use")

// InsertExternalTentative creates a tentative mapping seen first from the
// external side (an unsolicited inbound SYN), with no internal-aux bound
// yet. internalAux is filled in once/if the internal SYN arrives via
// BindInternal. externalAux is reserved in the relevant auxPool so a
// concurrent InsertInternal can never be handed the same value and no two
// mappings ever share an (external aux, type) pair; a value
// outside the pool's managed range (e.g. a well-known port) is left
// untracked, since alloc never produces it anyway. If a tentative mapping
// for (externalAux, typ) already exists, it is returned unchanged.
func (t *Table) InsertExternalTentative(externalAux uint16, typ MappingType) (*Mapping, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ek := externalKey{externalAux, typ}
	if m, ok := t.byExt[ek]; ok {
		if m.isTentative() {
			return m, nil
		}
		return nil, ErrExternalAuxInUse
	}
	pool := t.pool(typ)
	if !pool.reserve(externalAux) {
		return nil, ErrExternalAuxInUse
	}
	m := &Mapping{
		ExternalAux:       externalAux,
		Type:              typ,
		LastUpdated:       t.clock.Now(),
		externalAuxPooled: pool.inRange(externalAux),
	}
	t.byExt[ek] = m
	return m, nil
}

// Touch refreshes a mapping's idle timer.
func (t *Table) Touch(m *Mapping) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m.LastUpdated = t.clock.Now()
}

// HoldUnsolicitedSYN records that m is holding an unsolicited inbound SYN
// for remote (ip, port), storing the frame for later release or ICMP
// synthesis on expiry.
func (t *Table) HoldUnsolicitedSYN(m *Mapping, remoteIP [4]byte, remotePort uint16, frame []byte, ingressIface string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	c := m.connFor(remoteIP, remotePort)
	if c == nil {
		c = &Connection{RemoteIP: remoteIP, RemotePort: remotePort}
		m.Connections = append(m.Connections, c)
	}
	c.State = StateSynReceived
	c.LastUpdated = now
	c.holding = true
	c.heldSince = now
	c.heldIface = ingressIface
	c.held = append([]byte(nil), frame...)
	m.LastUpdated = now
}

// ReleaseHeldSYN is called when an internal SYN for the same remote
// endpoint arrives within the hold window: the connection transitions to
// ESTABLISHED and the held frame is returned for the caller to forward.
func (t *Table) ReleaseHeldSYN(m *Mapping, remoteIP [4]byte, remotePort uint16) (frame []byte, iface string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := m.connFor(remoteIP, remotePort)
	if c == nil || !c.holding {
		return nil, "", false
	}
	frame, iface = c.held, c.heldIface
	c.held, c.heldIface = nil, ""
	c.holding = false
	c.State = StateEstablished
	c.LastUpdated = t.clock.Now()
	m.LastUpdated = c.LastUpdated
	return frame, iface, true
}

// MatchHeldSYN looks across all tentative (not yet internally bound)
// mappings for one currently holding an unsolicited SYN from (remoteIP,
// remotePort). Called by the internal-to-external path when it sees an
// outbound SYN, to pair it with a held inbound one as the SYN_RECEIVED ->
// internal SYN -> ESTABLISHED transition: the internal SYN need not address the
// mapping's (not-yet-assigned) external aux, only the same remote endpoint
// the held SYN came from.
func (t *Table) MatchHeldSYN(remoteIP [4]byte, remotePort uint16) (*Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.byExt {
		if m.Type != TypeTCP || !m.isTentative() {
			continue
		}
		if c := m.connFor(remoteIP, remotePort); c != nil && c.holding {
			return m, true
		}
	}
	return nil, false
}

// Expired is a connection whose unsolicited-SYN hold window elapsed
// without a matching internal SYN: the caller must emit an ICMP
// port-unreachable to RemoteIP:RemotePort. Frame/IfaceName are the held
// packet and the interface it arrived on, needed to build that reply.
type Expired struct {
	Mapping    *Mapping
	RemoteIP   [4]byte
	RemotePort uint16
	Frame      []byte
	IfaceName  string
}

// BindInternal completes a tentative external-originated mapping once the
// matching internal host is known (used when releasing a held SYN), so
// later external packets resolve via LookupExternal and internal packets
// via LookupInternal both reach the same Mapping.
func (t *Table) BindInternal(m *Mapping, ip [4]byte, aux uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !m.isTentative() {
		return
	}
	m.InternalIP = ip
	m.InternalAux = aux
	t.byInt[internalKey{ip, aux, m.Type}] = m
}

// OutboundSYN records an internal-initiated SYN for (remoteIP, remotePort)
// on m, per the (none) -> SYN_SENT transition.
func (t *Table) OutboundSYN(m *Mapping, remoteIP [4]byte, remotePort uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	c := m.connFor(remoteIP, remotePort)
	if c == nil {
		c = &Connection{RemoteIP: remoteIP, RemotePort: remotePort}
		m.Connections = append(m.Connections, c)
	}
	if c.State == StateNone {
		c.State = StateSynSent
	}
	c.LastUpdated = now
	m.LastUpdated = now
}

// ApplyFlags advances a connection's state machine on seeing flags from
// whichever side sent them, for segments that are not the unsolicited-SYN
// special case (handled separately above).
func (t *Table) ApplyFlags(m *Mapping, remoteIP [4]byte, remotePort uint16, syn, ack, fin, rst bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	c := m.connFor(remoteIP, remotePort)
	if c == nil {
		c = &Connection{RemoteIP: remoteIP, RemotePort: remotePort}
		m.Connections = append(m.Connections, c)
	}
	switch {
	case rst:
		c.State = StateClosed
	case c.State == StateSynSent && syn && ack:
		c.State = StateEstablished
	case fin && (c.State == StateEstablished):
		c.State = StateFinWait
	case fin && c.State == StateFinWait:
		c.State = StateClosed
	}
	c.LastUpdated = now
	m.LastUpdated = now
}

// Sweep reaps expired mappings and unsolicited-SYN holds that timed out.
// Returns the connections whose hold expired without release, for ICMP
// port-unreachable synthesis by the caller.
func (t *Table) Sweep(now time.Time) []Expired {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []Expired
	for _, m := range t.byExt {
		for _, c := range m.Connections {
			if c.holding && now.Sub(c.heldSince) >= t.timeouts.UnsolicitedHold {
				expired = append(expired, Expired{
					Mapping: m, RemoteIP: c.RemoteIP, RemotePort: c.RemotePort,
					Frame: c.held, IfaceName: c.heldIface,
				})
				c.holding = false
				c.held = nil
				c.heldIface = ""
				c.State = StateClosed
			}
		}
	}

	for ik, m := range t.byInt {
		if t.shouldReap(m, now) {
			delete(t.byInt, ik)
			delete(t.byExt, externalKey{m.ExternalAux, m.Type})
			if m.externalAuxPooled {
				t.pool(m.Type).release(m.ExternalAux)
			}
		}
	}
	// Tentative external-only mappings (never bound to an internal aux)
	// that close out without ever completing also get reaped here.
	for ek, m := range t.byExt {
		if m.isTentative() && t.shouldReap(m, now) {
			delete(t.byExt, ek)
			if m.externalAuxPooled {
				t.pool(m.Type).release(m.ExternalAux)
			}
		}
	}
	return expired
}

func (t *Table) shouldReap(m *Mapping, now time.Time) bool {
	if !m.allClosed() && len(m.Connections) > 0 {
		return false
	}
	idle := now.Sub(m.LastUpdated)
	switch m.Type {
	case TypeICMP:
		return idle > t.timeouts.ICMP
	default:
		if len(m.Connections) == 0 {
			return idle > t.timeouts.TCPTransitory
		}
		allEstablishedOnce := true
		for _, c := range m.Connections {
			if c.State != StateClosed {
				allEstablishedOnce = false
			}
		}
		if allEstablishedOnce {
			return idle > t.timeouts.TCPTransitory
		}
		return idle > t.timeouts.TCPEstablished
	}
}
