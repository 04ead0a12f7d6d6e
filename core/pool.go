package core

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// conn is a pooled handle onto the shared Storage. Handles in use are
// tracked in the active set; the idle-age reaper sweeps only idle handles,
// so a handle whose Release is forgotten stays in the active set.
type conn struct {
	store    *Storage
	acquired time.Time
}

// Pool is the process-wide database-connection pool: a single shared
// Storage handed out through explicit Acquire/Release rather than a
// package-level singleton. Every Acquire must be matched by exactly one
// Release, on every exit path including error.
type Pool struct {
	log       *logrus.Logger
	store     *Storage
	mu        sync.Mutex
	idle      []*conn
	active    map[*conn]bool
	maxSize   int
	maxAge    time.Duration
	closing   chan struct{}
	closeOnce sync.Once
}

// NewPool wraps store in a pool that keeps at most maxSize idle handles for
// reuse; Acquire itself never blocks or fails because of maxSize. maxAge
// bounds how long an idle handle is kept before the reaper discards it.
func NewPool(store *Storage, maxSize int, maxAge time.Duration) *Pool {
	p := &Pool{
		log:     logrus.StandardLogger(),
		store:   store,
		active:  make(map[*conn]bool),
		maxSize: maxSize,
		maxAge:  maxAge,
		closing: make(chan struct{}),
	}
	go p.reaper()
	return p
}

// Acquire returns a handle onto the shared Storage, reusing an idle one
// when available.
func (p *Pool) Acquire() (*Storage, func(), error) {
	p.mu.Lock()
	var c *conn
	if n := len(p.idle); n > 0 {
		c = p.idle[n-1]
		p.idle = p.idle[:n-1]
	} else {
		c = &conn{store: p.store}
	}
	c.acquired = time.Now()
	p.active[c] = true
	p.mu.Unlock()

	release := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.active, c)
		if len(p.idle) < p.maxSize {
			p.idle = append(p.idle, c)
		}
	}
	return c.store, release, nil
}

// reaper periodically discards idle handles older than maxAge.
func (p *Pool) reaper() {
	if p.maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(p.maxAge / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.closing:
			return
		case <-ticker.C:
			p.mu.Lock()
			cutoff := time.Now().Add(-p.maxAge)
			fresh := p.idle[:0]
			for _, c := range p.idle {
				if c.acquired.After(cutoff) {
					fresh = append(fresh, c)
				}
			}
			p.idle = fresh
			p.mu.Unlock()
		}
	}
}

// Shutdown stops the reaper and closes the backing store.
func (p *Pool) Shutdown() error {
	p.closeOnce.Do(func() { close(p.closing) })
	return p.store.Close()
}
