package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/and161185/fieldsync/internal/model"
)

// QueueKey is the storage key of the queue for a domain.
func QueueKey(domain string) string { return "offline_queue:" + domain }

// InboxKey is the storage key of the conflict inbox for a domain.
func InboxKey(domain string) string { return "offline_conflicts:" + domain }

// encodeList writes a JSON array; nil encodes as [] so readers never see null.
func encodeList[T any](items []T) ([]byte, error) {
	if items == nil {
		items = []T{}
	}
	return json.Marshal(items)
}

// decodeList reads a JSON array. Payload numbers stay json.Number so integers
// beyond 2^53 survive a restart unchanged.
func decodeList[T any](b []byte) ([]T, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out []T
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if dec.More() {
		return nil, errors.New("decode: trailing data after array")
	}
	return out, nil
}

// sanitizeEntries drops records that cannot be replayed and collapses duplicate ids,
// keeping the last occurrence.
func sanitizeEntries(in []model.QueueEntry) (out []model.QueueEntry, dropped int) {
	pos := make(map[string]int, len(in))
	for _, e := range in {
		if e.Op.ID == "" || !e.Op.Kind.Valid() {
			dropped++
			continue
		}
		if e.FirstEnqueuedAt.IsZero() {
			e.FirstEnqueuedAt = e.Op.EnqueuedAt
		}
		if i, ok := pos[e.Op.ID]; ok {
			out[i] = e
			dropped++
			continue
		}
		pos[e.Op.ID] = len(out)
		out = append(out, e)
	}
	return out, dropped
}
