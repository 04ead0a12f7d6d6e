package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// KeyedMutex serializes handleJoint, write, aa_triggers, and per-device
// operations by an arbitrary set of string keys, acquiring them in a
// canonical (lexicographic) order so two callers locking overlapping key
// sets in different orders never deadlock.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewKeyedMutex constructs an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{held: make(map[string]chan struct{})}
}

func canonicalKeys(keys []string) []string {
	out := append([]string{}, keys...)
	sort.Strings(out)
	return out
}

// Lock acquires every key in keys (canonical order) then runs body,
// releasing all keys afterward regardless of outcome.
func (m *KeyedMutex) Lock(ctx context.Context, keys []string, body func() error) error {
	ordered := canonicalKeys(keys)
	acquired := make([]string, 0, len(ordered))
	defer func() {
		m.mu.Lock()
		for i := len(acquired) - 1; i >= 0; i-- {
			close(m.held[acquired[i]])
			delete(m.held, acquired[i])
		}
		m.mu.Unlock()
	}()

	for _, k := range ordered {
		if err := m.acquireOne(ctx, k); err != nil {
			return err
		}
		acquired = append(acquired, k)
	}
	return body()
}

func (m *KeyedMutex) acquireOne(ctx context.Context, key string) error {
	for {
		m.mu.Lock()
		ch, busy := m.held[key]
		if !busy {
			m.held[key] = make(chan struct{})
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// LockOrSkip attempts to acquire every key without blocking; if any key is
// already held, it returns (false, nil) immediately instead of waiting.
func (m *KeyedMutex) LockOrSkip(keys []string, body func() error) (bool, error) {
	ordered := canonicalKeys(keys)
	m.mu.Lock()
	for _, k := range ordered {
		if _, busy := m.held[k]; busy {
			m.mu.Unlock()
			return false, nil
		}
	}
	acquired := make([]string, 0, len(ordered))
	for _, k := range ordered {
		m.held[k] = make(chan struct{})
		acquired = append(acquired, k)
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		for i := len(acquired) - 1; i >= 0; i-- {
			close(m.held[acquired[i]])
			delete(m.held, acquired[i])
		}
		m.mu.Unlock()
	}()
	return true, body()
}

// IsAnyOfKeysLocked reports whether any of keys is currently held.
func (m *KeyedMutex) IsAnyOfKeysLocked(keys []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if _, busy := m.held[k]; busy {
			return true
		}
	}
	return false
}

// ReroutableRequest tracks a single outstanding peer request subject to
// the stall-timeout/reroute-count/absolute-timeout bounds.
type ReroutableRequest struct {
	ID           string
	StartedAt    time.Time
	LastSentAt   time.Time
	RerouteCount int
	PeersTried   []string
}

// RequestRouter manages outstanding reroutable requests, removing the
// response handler from every touched peer when a request terminates.
type RequestRouter struct {
	log *logrus.Logger

	mu       sync.Mutex
	requests map[string]*ReroutableRequest
	handlers map[string]map[string]bool // requestID -> peer -> registered
}

// NewRequestRouter constructs an empty RequestRouter.
func NewRequestRouter() *RequestRouter {
	return &RequestRouter{
		log:      logrus.StandardLogger(),
		requests: make(map[string]*ReroutableRequest),
		handlers: make(map[string]map[string]bool),
	}
}

// Start registers a new reroutable request against the given first peer.
func (r *RequestRouter) Start(peer string) *ReroutableRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	req := &ReroutableRequest{ID: uuid.NewString(), StartedAt: time.Now(), LastSentAt: time.Now(), PeersTried: []string{peer}}
	r.requests[req.ID] = req
	r.handlers[req.ID] = map[string]bool{peer: true}
	return req
}

// RequestTimeoutError reports that a reroutable request exhausted its
// reroute budget or absolute deadline.
type RequestTimeoutError struct{ RequestID string }

func (e *RequestTimeoutError) Error() string { return "request timed out: " + e.RequestID }

// Reroute resends a stalled request to nextPeer, enforcing the hard
// bounds: reroute count <= MaxRerouteCount and absolute age <=
// MaxRequestTimeoutMins.
func (r *RequestRouter) Reroute(requestID, nextPeer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if !ok {
		return protocolErr("mutex.Reroute", "unknown request "+requestID, nil)
	}
	if time.Since(req.StartedAt) > time.Duration(MaxRequestTimeoutMins)*time.Minute {
		r.finishLocked(requestID)
		return &RequestTimeoutError{RequestID: requestID}
	}
	if req.RerouteCount >= MaxRerouteCount {
		r.finishLocked(requestID)
		return &RequestTimeoutError{RequestID: requestID}
	}
	req.RerouteCount++
	req.LastSentAt = time.Now()
	req.PeersTried = append(req.PeersTried, nextPeer)
	r.handlers[requestID][nextPeer] = true
	return nil
}

// Finish terminates a request (success, failure, or timeout), removing its
// response handler from every peer it touched.
func (r *RequestRouter) Finish(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishLocked(requestID)
}

func (r *RequestRouter) finishLocked(requestID string) {
	delete(r.requests, requestID)
	delete(r.handlers, requestID)
}

// IsStalled reports whether req has exceeded StalledTimeoutSeconds since
// its last send, meaning it should be rerouted to the next peer.
func (req *ReroutableRequest) IsStalled(now time.Time) bool {
	return now.Sub(req.LastSentAt) > time.Duration(StalledTimeoutSeconds)*time.Second
}
