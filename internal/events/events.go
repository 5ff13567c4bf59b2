// Package events is the in-process bus for sync lifecycle events.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/fieldsync/internal/model"
)

// Type names an event.
type Type string

const (
	Queued   Type = "queued"
	Synced   Type = "synced"
	Failed   Type = "failed"
	Conflict Type = "conflict"
	Online   Type = "online"
	Offline  Type = "offline"
)

// Event is published on every queue or connectivity transition.
type Event struct {
	Type        Type         `json:"type"`
	OperationID string       `json:"operation_id,omitempty"`
	Kind        model.OpKind `json:"kind,omitempty"`
	At          time.Time    `json:"at"`
}

// Bus accepts events. Publish must not block the caller for long.
type Bus interface {
	Publish(e Event)
}

// Handler receives published events.
type Handler func(Event)

// Emitter fans events out to subscribers synchronously.
// A panicking handler is logged and skipped.
type Emitter struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]Handler
	log    *zap.Logger
}

// NewEmitter returns an emitter with no subscribers.
func NewEmitter(log *zap.Logger) *Emitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Emitter{subs: map[int]Handler{}, log: log}
}

// Subscribe registers h and returns a func that removes it.
func (e *Emitter) Subscribe(h Handler) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.subs[id] = h
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

func (e *Emitter) Publish(ev Event) {
	e.mu.RLock()
	hs := make([]Handler, 0, len(e.subs))
	for _, h := range e.subs {
		hs = append(hs, h)
	}
	e.mu.RUnlock()

	for _, h := range hs {
		e.call(h, ev)
	}
}

func (e *Emitter) call(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("event handler panic", zap.String("type", string(ev.Type)), zap.Any("panic", r))
		}
	}()
	h(ev)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}
