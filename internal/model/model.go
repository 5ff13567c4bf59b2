// Package model defines domain entities used by the sync engine, services and repositories.
package model

import (
	"time"
)

// OpKind is the mutation an operation intends to apply.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Valid reports whether k is a known kind.
func (k OpKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Payload is a field set sent to the entity service.
type Payload map[string]any

// Clone returns a shallow copy (nil stays nil).
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Operation is an intent to mutate one entity, captured while possibly offline.
type Operation struct {
	ID              string    `json:"id"`
	Kind            OpKind    `json:"kind"`
	EntityID        string    `json:"entity_id,omitempty"` // optional for create (client-generated id)
	Payload         Payload   `json:"payload,omitempty"`
	TenantID        string    `json:"tenant_id"`
	EnqueuedAt      time.Time `json:"enqueued_at"`
	ExpectedVersion *int64    `json:"expected_version,omitempty"` // update only
}

// QueueEntry wraps an operation with sync bookkeeping.
type QueueEntry struct {
	Op              Operation `json:"op"`
	RetryCount      int       `json:"retry_count"`
	LastError       string    `json:"last_error,omitempty"`
	FirstEnqueuedAt time.Time `json:"first_enqueued_at"`
	LastAttemptAt   time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt   time.Time `json:"next_attempt_at,omitempty"` // zero when backoff is disabled
	Seq             uint64    `json:"seq"`                       // insertion order, breaks timestamp ties
	Rev             uint64    `json:"-"`                         // bumped on every (re)enqueue, in memory only
}

// Entity is the server-side state of one record.
type Entity struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Domain    string    `json:"domain,omitempty"`
	Version   int64     `json:"version"`
	Data      Payload   `json:"data"`
	Deleted   bool      `json:"deleted,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// ConflictKind classifies a detected divergence from remote state.
type ConflictKind string

const (
	ConflictVersionMismatch     ConflictKind = "version_mismatch"
	ConflictEntityAlreadyExists ConflictKind = "entity_already_exists"
	ConflictEntityMissing       ConflictKind = "entity_missing"
)

// SyncConflict requires a caller decision; it is never retried automatically.
type SyncConflict struct {
	OperationID   string       `json:"operation_id"`
	Kind          ConflictKind `json:"conflict_kind"`
	EntityID      string       `json:"entity_id,omitempty"`
	TenantID      string       `json:"tenant_id"`
	LocalData     Payload      `json:"local_data,omitempty"`
	RemoteData    Payload      `json:"remote_data,omitempty"`
	RemoteVersion int64        `json:"remote_version,omitempty"`
	Message       string       `json:"message"`
	DetectedAt    time.Time    `json:"detected_at"`
}

// OpError pairs a failed operation with its error text.
type OpError struct {
	OperationID string `json:"operation_id"`
	Error       string `json:"error"`
}

// SyncResult summarises one drain pass.
type SyncResult struct {
	SuccessfulCount int            `json:"successful_count"`
	FailedCount     int            `json:"failed_count"`
	Conflicts       []SyncConflict `json:"conflicts"`
	Errors          []OpError      `json:"errors"`
	Evicted         []string       `json:"evicted,omitempty"`
	Deferred        []string       `json:"deferred,omitempty"`
	Interrupted     bool           `json:"interrupted,omitempty"`
}

// ResolutionChoice is the caller's decision for one conflict.
type ResolutionChoice string

const (
	KeepLocal  ResolutionChoice = "keep_local"
	KeepRemote ResolutionChoice = "keep_remote"
	Merge      ResolutionChoice = "merge"
)

// Valid reports whether c is a known choice.
func (c ResolutionChoice) Valid() bool {
	switch c {
	case KeepLocal, KeepRemote, Merge:
		return true
	}
	return false
}

// ResolveOutcome reports what happened to a single conflict.
type ResolveOutcome struct {
	OperationID string           `json:"operation_id"`
	Choice      ResolutionChoice `json:"choice"`
	Applied     bool             `json:"applied"` // a write was sent and succeeded
	Entity      *Entity          `json:"entity,omitempty"`
	Err         error            `json:"-"`
}

// Settled reports whether the conflict no longer needs attention.
func (o ResolveOutcome) Settled() bool { return o.Err == nil }
