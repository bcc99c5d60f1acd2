package router

import "github.com/alitto/pond/v2"

// IngressPool bounds how many frames are processed concurrently. The
// forwarding engine is stateless beyond the ARP cache and NAT table, so
// HandleFrame is safe to call from multiple goroutines; the link layer is
// expected to call Submit from its own receive loop(s) instead of calling
// Router.HandleFrame directly, so a burst of frames across many interfaces
// can't spawn an unbounded number of goroutines.
type IngressPool struct {
	r    *Router
	pool pond.Pool
}

// NewIngressPool wraps r behind a worker pool capped at maxConcurrency
// concurrent HandleFrame calls.
func NewIngressPool(r *Router, maxConcurrency int) *IngressPool {
	return &IngressPool{r: r, pool: pond.NewPool(maxConcurrency)}
}

// Submit hands frame to the pool for asynchronous dispatch via
// Router.HandleFrame. frame is lent only for the duration of this call:
// the worker runs after Submit returns, when the link layer may already
// have reused the buffer, so the copy must happen here, before enqueue.
func (p *IngressPool) Submit(ingressIface string, frame []byte) {
	owned := append([]byte(nil), frame...)
	p.pool.Submit(func() {
		p.r.HandleFrame(ingressIface, owned)
	})
}

// Stop waits for in-flight frames to finish processing and stops accepting
// new ones.
func (p *IngressPool) Stop() {
	p.pool.StopAndWait()
}
