package remote

import (
	"sync"
	"time"

	"github.com/BK1603/nix/common"
)

// pool is a bounded reusable set of daemon connections. Checkout is
// exclusive; a connection is either idle here or owned by exactly one
// handle. The first construction failure poisons the pool for good.
type pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	inUse    int
	idle     []*connection
	factory  func() (*connection, error)
	validate func(*connection) bool
	failed   bool
	closed   bool
}

func newPool(capacity int, factory func() (*connection, error), maxAge time.Duration) *pool {
	if capacity < 1 {
		capacity = 1
	}
	p := &pool{
		capacity: capacity,
		factory:  factory,
	}
	p.cond = sync.NewCond(&p.mu)
	p.validate = func(c *connection) bool {
		return maxAge == 0 || c.age() < maxAge
	}
	return p
}

// get blocks until a connection is free or capacity allows building one.
func (p *pool) get() (*connection, error) {
	p.mu.Lock()
	for {
		if p.failed {
			p.mu.Unlock()
			return nil, common.NewStoreError(common.PoolFailed, "opening a connection to the daemon previously failed")
		}
		if p.closed {
			p.mu.Unlock()
			return nil, common.NewStoreError(common.PoolFailed, "connection pool is closed")
		}
		if n := len(p.idle); n > 0 {
			c := p.idle[n-1]
			p.idle = p.idle[:n-1]
			if !p.validate(c) {
				c.close()
				continue
			}
			p.inUse++
			p.mu.Unlock()
			return c, nil
		}
		if p.inUse < p.capacity {
			p.inUse++
			p.mu.Unlock()
			c, err := p.factory()
			if err != nil {
				p.mu.Lock()
				p.inUse--
				p.failed = true
				p.cond.Broadcast()
				p.mu.Unlock()
				return nil, err
			}
			return c, nil
		}
		p.cond.Wait()
	}
}

// put returns a connection. Bad or stale connections are dropped instead of
// going back on the idle list.
func (p *pool) put(c *connection, bad bool) {
	p.mu.Lock()
	p.inUse--
	if bad || p.closed || !p.validate(c) {
		c.close()
	} else {
		p.idle = append(p.idle, c)
	}
	p.cond.Signal()
	p.mu.Unlock()
}

// incCapacity temporarily widens the pool so a slot held across a long
// upload is not counted against other callers.
func (p *pool) incCapacity() {
	p.mu.Lock()
	p.capacity++
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *pool) decCapacity() {
	p.mu.Lock()
	p.capacity--
	p.mu.Unlock()
}

// flushBad drops idle connections that no longer pass validation.
func (p *pool) flushBad() {
	p.mu.Lock()
	kept := p.idle[:0]
	for _, c := range p.idle {
		if p.validate(c) {
			kept = append(kept, c)
		} else {
			c.close()
		}
	}
	p.idle = kept
	p.mu.Unlock()
}

// count is the number of live connections, checked out or idle.
func (p *pool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse + len(p.idle)
}

// close drops the idle list. Checked-out connections die on put.
func (p *pool) close() {
	p.mu.Lock()
	p.closed = true
	for _, c := range p.idle {
		c.close()
	}
	p.idle = nil
	p.cond.Broadcast()
	p.mu.Unlock()
}
