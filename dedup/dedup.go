// Package dedup detects repeated enqueues of the same logical operation.
//
// A fingerprint is computed from (resource, operation, payload). JSON
// payloads are canonicalized first so that key order and whitespace do
// not produce distinct fingerprints. Non-JSON payloads are hashed as raw
// bytes.
package dedup

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/a-cube-io/opqueue/item"
)

// Fingerprint hashes the logical identity of an operation.
func Fingerprint(r item.Resource, op item.Operation, payload []byte) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(string(r))
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(string(op))
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(canonical(payload))
	return d.Sum64()
}

// canonical re-encodes JSON through the decoder so map keys come out
// sorted. Numbers keep their literal text, so large integers stay
// distinct. Anything that does not parse as exactly one JSON value is
// returned unchanged.
func canonical(payload []byte) []byte {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return payload
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return payload
	}
	out, err := json.Marshal(v)
	if err != nil {
		return payload
	}
	return out
}

type seen struct {
	itemID string
	at     time.Time
	// reserved entries belong to an enqueue still in flight and are
	// treated as live until Confirm or Release.
	reserved bool
}

// Index remembers recent fingerprints and the item that produced them.
// It is safe for concurrent use.
type Index struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	seen   map[uint64]seen
}

// NewIndex creates an Index with the given window.
func NewIndex(window time.Duration) *Index {
	return &Index{
		window: window,
		now:    time.Now,
		seen:   make(map[uint64]seen),
	}
}

// SetClock overrides the time source.
func (x *Index) SetClock(now func() time.Time) { x.now = now }

// Check reports the ID of an earlier item with the same fingerprint that
// was recorded within the window and for which live reports true. live
// lets the caller reject matches whose item is no longer pending.
func (x *Index) Check(fp uint64, live func(itemID string) bool) (string, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	s, ok := x.seen[fp]
	if !ok {
		return "", false
	}
	if x.now().Sub(s.at) > x.window || (!s.reserved && live != nil && !live(s.itemID)) {
		delete(x.seen, fp)
		return "", false
	}
	return s.itemID, true
}

// Reserve checks fp and, when no live match exists, records it for
// itemID in the same critical section. It returns the matching item ID
// and false when fp is taken. A reservation must be followed by Confirm
// once the item is stored, or Release if it never was.
func (x *Index) Reserve(fp uint64, itemID string, live func(itemID string) bool) (string, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if s, ok := x.seen[fp]; ok {
		expired := x.now().Sub(s.at) > x.window
		if !expired && (s.reserved || live == nil || live(s.itemID)) {
			return s.itemID, false
		}
	}
	x.seen[fp] = seen{itemID: itemID, at: x.now(), reserved: true}
	return "", true
}

// Confirm marks the reservation of fp by itemID as a stored item.
func (x *Index) Confirm(fp uint64, itemID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if s, ok := x.seen[fp]; ok && s.itemID == itemID {
		s.reserved = false
		x.seen[fp] = s
	}
}

// Release drops the reservation of fp if itemID still holds it.
func (x *Index) Release(fp uint64, itemID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if s, ok := x.seen[fp]; ok && s.itemID == itemID {
		delete(x.seen, fp)
	}
}

// Record associates fp with itemID.
func (x *Index) Record(fp uint64, itemID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.seen[fp] = seen{itemID: itemID, at: x.now()}
}

// Forget drops every fingerprint that points at itemID.
func (x *Index) Forget(itemID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for fp, s := range x.seen {
		if s.itemID == itemID {
			delete(x.seen, fp)
		}
	}
}

// Prune drops expired fingerprints and returns how many were removed.
func (x *Index) Prune() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	now := x.now()
	n := 0
	for fp, s := range x.seen {
		if now.Sub(s.at) > x.window {
			delete(x.seen, fp)
			n++
		}
	}
	return n
}

// Len returns the number of tracked fingerprints.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.seen)
}
