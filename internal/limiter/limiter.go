// Package limiter throttles clients that keep presenting bad credentials.
package limiter

import (
	"context"
	"crypto/sha256"
	"net"
	"sync"
	"time"
)

// Limiter tracks authentication failures per peer and places temporary blocks.
type Limiter interface {
	// Allow reports whether the peer may try now and, if not, when to retry.
	Allow(ctx context.Context, peerHash []byte) (bool, time.Duration, error)
	// Success resets the peer's counters.
	Success(ctx context.Context, peerHash []byte) error
	// Failure records a failed attempt; it reports whether the peer is now blocked.
	Failure(ctx context.Context, peerHash []byte) (bool, time.Duration, error)
}

// Policy bounds failures: MaxFails within Window blocks the peer for BlockFor.
type Policy struct {
	Window   time.Duration
	MaxFails int
	BlockFor time.Duration
}

// DefaultPolicy is five failures in fifteen minutes.
var DefaultPolicy = Policy{Window: 15 * time.Minute, MaxFails: 5, BlockFor: 15 * time.Minute}

// HashPeer returns a stable hash of the peer host so raw addresses are never stored.
// The port is dropped; addresses without one are hashed as is.
func HashPeer(addr string) []byte {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	h := sha256.Sum256([]byte(addr))
	return h[:]
}

type entry struct {
	fails        int
	blockedUntil time.Time
	updatedAt    time.Time
}

// Memory keeps counters in process. Suitable for a single server instance.
type Memory struct {
	p   Policy
	now func() time.Time

	mu    sync.Mutex
	peers map[string]*entry
}

// NewMemory returns an in-process limiter. A nil now uses time.Now.
func NewMemory(p Policy, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{p: p, now: now, peers: map[string]*entry{}}
}

func (m *Memory) Allow(_ context.Context, peerHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.peers[string(peerHash)]
	if !ok {
		return true, 0, nil
	}
	if now := m.now(); e.blockedUntil.After(now) {
		return false, e.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

func (m *Memory) Success(_ context.Context, peerHash []byte) error {
	m.mu.Lock()
	delete(m.peers, string(peerHash))
	m.mu.Unlock()
	return nil
}

func (m *Memory) Failure(_ context.Context, peerHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.peers[string(peerHash)]
	if !ok || now.Sub(e.updatedAt) > m.p.Window {
		e = &entry{}
		m.peers[string(peerHash)] = e
	}
	e.fails++
	e.updatedAt = now
	if e.fails >= m.p.MaxFails {
		e.blockedUntil = now.Add(m.p.BlockFor)
		return true, m.p.BlockFor, nil
	}
	return false, 0, nil
}
