// Package connectivity tracks whether the entity server is reachable and
// tells subscribers when the device comes back online.
package connectivity

import (
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/fieldsync/internal/clock"
	"github.com/and161185/fieldsync/internal/events"
	"github.com/and161185/fieldsync/internal/notify"
)

const (
	msgOnline  = "Back online. Syncing pending changes."
	msgOffline = "You are offline. Changes will be saved and synced later."
)

// Checker reports the current connectivity state.
type Checker interface {
	IsOnline() bool
}

// Monitor holds the connectivity flag. Repeated signals for the current state are ignored.
type Monitor struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func()

	sink notify.Sink
	bus  events.Bus
	clk  clock.Clock
	log  *zap.Logger
}

// NewMonitor starts in the given state; nil collaborators are replaced with no-ops.
func NewMonitor(online bool, sink notify.Sink, bus events.Bus, clk clock.Clock, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	if bus == nil {
		bus = events.Nop{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Monitor{
		online: online,
		subs:   map[int]func(){},
		sink:   notify.Safe(sink, log),
		bus:    bus,
		clk:    clk,
		log:    log,
	}
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records a platform connectivity signal. On a transition to online the
// user is notified and then every subscriber runs, in the caller's goroutine.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	var subs []func()
	if online {
		subs = make([]func(), 0, len(m.subs))
		for _, fn := range m.subs {
			subs = append(subs, fn)
		}
	}
	m.mu.Unlock()

	now := m.clk.Now()
	if !online {
		m.log.Info("connectivity lost")
		m.sink.Notify(msgOffline, nil)
		m.bus.Publish(events.Event{Type: events.Offline, At: now})
		return
	}

	m.log.Info("connectivity restored", zap.Int("subscribers", len(subs)))
	m.sink.Notify(msgOnline, nil)
	m.bus.Publish(events.Event{Type: events.Online, At: now})
	for _, fn := range subs {
		m.run(fn)
	}
}

// Subscribe registers fn to run on each offline→online transition.
func (m *Monitor) Subscribe(fn func()) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

func (m *Monitor) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("connectivity subscriber panic", zap.Any("panic", r))
		}
	}()
	fn()
}
