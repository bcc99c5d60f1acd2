package router

import (
	"context"
	"time"

	"github.com/soypat/lneto-router/ethernet"
	"github.com/soypat/lneto-router/ipv4"
	"github.com/soypat/lneto-router/nat"
)

// Timer drives the once-per-second maintenance tick: ARP cache/request
// sweeping and, when NAT is enabled, NAT mapping/hold reaping. Stop
// cancels it.
type Timer struct {
	r      *Router
	cancel context.CancelFunc
	done   chan struct{}
}

// StartTimer launches the maintenance goroutine. Call Stop to end it.
func (r *Router) StartTimer() *Timer {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Timer{r: r, cancel: cancel, done: make(chan struct{})}
	go t.run(ctx)
	return t
}

// Stop cancels the maintenance goroutine and waits for it to exit.
func (t *Timer) Stop() {
	t.cancel()
	<-t.done
}

func (t *Timer) run(ctx context.Context) {
	defer close(t.done)
	ticker := t.r.clock.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			t.r.sweep()
		}
	}
}

// sweep runs one maintenance tick immediately; tests in this package call
// it directly to drive a fake clock rather than waiting on the real ticker.
func (r *Router) sweep() {
	now := r.clock.Now()
	for _, unreachable := range r.arp.Sweep(now) {
		for _, p := range unreachable.Pending {
			r.synthesizeHostUnreachable(p.Frame)
		}
	}
	if r.nat != nil {
		for _, expired := range r.nat.Sweep(now) {
			r.synthesizePortUnreachable(expired)
		}
	}
}

func (r *Router) synthesizeHostUnreachable(frame []byte) {
	ifrm, ok := parseIPFrame(frame)
	if !ok {
		return
	}
	r.sendICMPHostUnreachable(ifrm)
}

// synthesizePortUnreachable answers an unsolicited inbound SYN that
// nobody claimed within the hold window.
func (r *Router) synthesizePortUnreachable(expired nat.Expired) {
	if expired.Frame == nil {
		return
	}
	ifrm, ok := parseIPFrame(expired.Frame)
	if !ok {
		return
	}
	r.sendICMPPortUnreachable(ifrm)
}

func parseIPFrame(frame []byte) (ipv4.Frame, bool) {
	efrm, err := ethernet.NewFrame(frame)
	if err != nil {
		return ipv4.Frame{}, false
	}
	ifrm, err := ipv4.NewFrame(efrm.Payload())
	if err != nil {
		return ipv4.Frame{}, false
	}
	return ifrm, true
}
