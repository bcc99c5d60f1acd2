// Package arpcache implements the router's bounded IPv4-to-MAC binding
// cache together with the queue of in-flight ARP requests and their
// pending packets. It owns all synchronization: every exported method is
// safe for concurrent use.
package arpcache

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/soypat/lneto-router/arp"
	"github.com/soypat/lneto-router/ethernet"
	"github.com/soypat/lneto-router/iface"
	"github.com/soypat/lneto-router/internal"
)

// Defaults for constructing a Cache.
const (
	DefaultCapacity      = 100
	DefaultEntryTTL      = 15 * time.Second
	DefaultRetryInterval = 1 * time.Second
	DefaultMaxAttempts   = 5
)

// Transmitter sends a raw frame out a named interface. Implementations must
// be non-blocking from the cache's point of view.
type Transmitter interface {
	SendFrame(ifaceName string, frame []byte) error
}

type entry struct {
	ip      [4]byte
	mac     [6]byte
	addedAt time.Time
	valid   bool
}

// PendingPacket is a deep copy of a frame awaiting ARP resolution, plus the
// interface it should egress on once resolved.
type PendingPacket struct {
	Frame     []byte
	IfaceName string
}

// Request tracks an unresolved target IPv4 address: the packets waiting on
// it, and the retry state for the outstanding ARP query.
type Request struct {
	TargetIP [4]byte
	Pending  []PendingPacket
	LastSent time.Time
	Attempt  int
}

// Cache is the bounded ARP binding cache and request queue. The zero
// value is not usable; construct with New.
type Cache struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	ttl      time.Duration
	retry    time.Duration
	maxTries int
	entries  []entry
	byIP     map[[4]byte]*Request
	order    []*Request
	rng      uint32
	ifaces   *iface.Table
	tx       Transmitter
}

// New constructs a Cache with the given capacity and entry TTL. ifaces is
// used to source the source MAC/IP when emitting ARP broadcast requests;
// tx is where those requests (and nothing else) are transmitted.
func New(ifaces *iface.Table, tx Transmitter, clock clockwork.Clock, capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultEntryTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache{
		clock:    clock,
		ttl:      ttl,
		retry:    DefaultRetryInterval,
		maxTries: DefaultMaxAttempts,
		entries:  make([]entry, capacity),
		byIP:     make(map[[4]byte]*Request),
		ifaces:   ifaces,
		tx:       tx,
		rng:      0x9e3779b9,
	}
}

// SetRetry overrides the retry interval and max attempt count (defaults:
// 1s, 5 attempts).
func (c *Cache) SetRetry(interval time.Duration, maxAttempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retry = interval
	c.maxTries = maxAttempts
}

// Lookup returns a detached copy of the MAC bound to ip, if a valid entry
// exists.
func (c *Cache) Lookup(ip [4]byte) ([6]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	for i := range c.entries {
		e := &c.entries[i]
		if e.valid && e.ip == ip && now.Sub(e.addedAt) <= c.ttl {
			return e.mac, true
		}
	}
	return [6]byte{}, false
}

// Insert installs the (ip, mac) binding, refreshing its added-at time. If a
// request was pending for ip, it is unlinked from the queue and returned so
// the caller can drain its pending packets; otherwise nil is returned.
func (c *Cache) Insert(ip [4]byte, mac [6]byte) *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(ip, mac)
	req, ok := c.byIP[ip]
	if !ok {
		return nil
	}
	c.unlinkLocked(req)
	return detach(req)
}

func (c *Cache) insertLocked(ip [4]byte, mac [6]byte) {
	now := c.clock.Now()
	freeIdx := -1
	for i := range c.entries {
		e := &c.entries[i]
		if e.valid && e.ip == ip {
			e.mac = mac
			e.addedAt = now
			return
		}
		if freeIdx < 0 && (!e.valid || now.Sub(e.addedAt) > c.ttl) {
			freeIdx = i
		}
	}
	if freeIdx < 0 {
		// All slots valid: evict a uniformly random one.
		c.rng = internal.Prand32(c.rng)
		freeIdx = int(c.rng % uint32(len(c.entries)))
	}
	c.entries[freeIdx] = entry{ip: ip, mac: mac, addedAt: now, valid: true}
}

// Queue finds or creates the request for ip, appends a deep copy of frame
// (tagged with egressIface) to its pending list, then immediately runs the
// retry rule for that request so the first ARP probe goes out without
// waiting for the next sweep tick. Returns a
// handle to the request; its Pending field reflects the queue at the
// moment of the call and is safe to read without further locking, but
// callers should not assume it stays in sync with later queue activity.
func (c *Cache) Queue(ip [4]byte, frame []byte, egressIface string) *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.byIP[ip]
	if !ok {
		req = &Request{TargetIP: ip}
		c.byIP[ip] = req
		c.order = append(c.order, req)
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	req.Pending = append(req.Pending, PendingPacket{Frame: cp, IfaceName: egressIface})
	if req.Attempt < c.maxTries {
		now := c.clock.Now()
		if req.LastSent.IsZero() || now.Sub(req.LastSent) >= c.retry {
			c.transmitRequestLocked(req, now)
			req.LastSent = now
			req.Attempt++
		}
	}
	return detach(req)
}

// Destroy removes the queued request for req.TargetIP, if still present,
// and discards its pending packets. req may be a detached handle returned
// by Queue or Insert.
func (c *Cache) Destroy(req *Request) {
	if req == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if live, ok := c.byIP[req.TargetIP]; ok {
		c.unlinkLocked(live)
	}
}

func (c *Cache) unlinkLocked(req *Request) {
	delete(c.byIP, req.TargetIP)
	for i, r := range c.order {
		if r == req {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Unreachable is a request that exhausted its retry budget: its pending
// packets must each be answered with an ICMP host-unreachable by the
// caller, since that requires building an IP/ICMP reply, which is the
// forwarding engine's concern, not the cache's.
type Unreachable struct {
	TargetIP [4]byte
	Pending  []PendingPacket
}

// Sweep runs the once-per-second maintenance tick: it invalidates
// expired entries, retries or
// escalates each outstanding request, and returns the requests that just
// exhausted their retry budget for ICMP synthesis by the caller.
func (c *Cache) Sweep(now time.Time) []Unreachable {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.entries {
		e := &c.entries[i]
		if e.valid && now.Sub(e.addedAt) > c.ttl {
			e.valid = false
		}
	}

	var unreachable []Unreachable
	for _, req := range append([]*Request(nil), c.order...) {
		if req.Attempt >= c.maxTries {
			c.unlinkLocked(req)
			unreachable = append(unreachable, Unreachable{TargetIP: req.TargetIP, Pending: req.Pending})
			continue
		}
		if req.LastSent.IsZero() || now.Sub(req.LastSent) >= c.retry {
			c.transmitRequestLocked(req, now)
			req.LastSent = now
			req.Attempt++
		}
	}
	return unreachable
}

// transmitRequestLocked builds and sends a broadcast ARP request for
// req.TargetIP on the egress interface of its first pending packet.
func (c *Cache) transmitRequestLocked(req *Request, now time.Time) {
	if len(req.Pending) == 0 || c.ifaces == nil || c.tx == nil {
		return
	}
	egress, ok := c.ifaces.ByName(req.Pending[0].IfaceName)
	if !ok {
		return
	}
	buf := make([]byte, 14+28)
	efrm, err := ethernet.NewFrame(buf)
	if err != nil {
		return
	}
	*efrm.DestinationHardwareAddr() = ethernet.BroadcastAddr()
	*efrm.SourceHardwareAddr() = egress.MAC
	efrm.SetEtherType(ethernet.TypeARP)

	afrm, err := arp.NewFrame(buf[14:])
	if err != nil {
		return
	}
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(arp.OpRequest)
	sndHW, sndIP := afrm.Sender4()
	*sndHW = egress.MAC
	*sndIP = egress.IP
	tgtHW, tgtIP := afrm.Target4()
	*tgtHW = [6]byte{}
	*tgtIP = req.TargetIP

	c.tx.SendFrame(egress.Name, buf)
}

func detach(req *Request) *Request {
	cp := &Request{
		TargetIP: req.TargetIP,
		LastSent: req.LastSent,
		Attempt:  req.Attempt,
		Pending:  append([]PendingPacket(nil), req.Pending...),
	}
	return cp
}
