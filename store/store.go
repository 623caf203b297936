package store

import (
	"container/list"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	opqueue "github.com/a-cube-io/opqueue"
	"github.com/a-cube-io/opqueue/item"
)

// Observer is notified of store-level signals. Calls happen after the
// store lock is released, so observers may call back into the store.
type Observer interface {
	// OnStatusChange is called after an item changed status.
	OnStatusChange(it *item.Item, from, to item.Status)
	// OnBackpressure is called when an enqueue is rejected at capacity.
	OnBackpressure(size, maxSize int)
}

// Option configures a Store.
type Option func(*Store)

// WithMaxSize sets the capacity. Zero or negative means unbounded.
func WithMaxSize(n int) Option {
	return func(s *Store) { s.maxSize = n }
}

// WithObserver registers the store observer.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Patch is a partial update applied by Update. Nil fields are left alone.
type Patch struct {
	Status      *item.Status
	RetryCount  *int
	ScheduledAt *time.Time
	// ClearSchedule removes ScheduledAt.
	ClearSchedule bool
	BatchID       *string
	// Metadata entries are merged into the item's metadata.
	Metadata map[string]string
	// AppendError is appended to the error history.
	AppendError *item.ErrorRecord
}

// StatusPatch is shorthand for a Patch that only changes the status.
func StatusPatch(s item.Status) Patch { return Patch{Status: &s} }

type entry struct {
	it   *item.Item
	seq  uint64
	elem *list.Element // position in the pending tier, nil unless pending
}

// Store is the indexed priority store. It is safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	maxSize  int
	observer Observer
	now      func() time.Time

	seq   uint64
	items map[string]*entry
	tiers map[item.Priority]*list.List

	byStatus   map[item.Status]map[string]*entry
	byPriority map[item.Priority]map[string]*entry
	byResource map[item.Resource]map[string]*entry

	byOperation     map[item.Operation]int
	totalProcessed  int64
	totalSucceeded  int64
	totalFailed     int64
	lastProcessedAt time.Time
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:         time.Now,
		items:       make(map[string]*entry),
		tiers:       make(map[item.Priority]*list.List, len(item.Priorities)),
		byStatus:    make(map[item.Status]map[string]*entry),
		byPriority:  make(map[item.Priority]map[string]*entry),
		byResource:  make(map[item.Resource]map[string]*entry),
		byOperation: make(map[item.Operation]int),
	}
	for _, p := range item.Priorities {
		s.tiers[p] = list.New()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue inserts an item. It returns false when the store is at
// capacity (the observer receives a backpressure signal) or when an item
// with the same ID already exists.
func (s *Store) Enqueue(it *item.Item) bool {
	s.mu.Lock()
	if s.maxSize > 0 && len(s.items) >= s.maxSize {
		size := len(s.items)
		s.mu.Unlock()
		if s.observer != nil {
			s.observer.OnBackpressure(size, s.maxSize)
		}
		return false
	}
	if _, exists := s.items[it.ID.String()]; exists {
		s.mu.Unlock()
		return false
	}
	s.insertLocked(it.Clone())
	s.mu.Unlock()
	return true
}

func (s *Store) insertLocked(it *item.Item) {
	if _, ok := s.tiers[it.Priority]; !ok {
		it.Priority = item.PriorityNormal
	}
	s.seq++
	e := &entry{it: it, seq: s.seq}
	key := it.ID.String()
	s.items[key] = e
	s.indexLocked(e)
	s.byOperation[it.Operation]++
}

func (s *Store) indexLocked(e *entry) {
	key := e.it.ID.String()
	addTo(s.byStatus, e.it.Status, key, e)
	addTo(s.byPriority, e.it.Priority, key, e)
	addTo(s.byResource, e.it.Resource, key, e)
	if e.it.Status == item.StatusPending {
		e.elem = s.tiers[e.it.Priority].PushBack(e)
	}
}

func (s *Store) unindexLocked(e *entry) {
	key := e.it.ID.String()
	removeFrom(s.byStatus, e.it.Status, key)
	removeFrom(s.byPriority, e.it.Priority, key)
	removeFrom(s.byResource, e.it.Resource, key)
	if e.elem != nil {
		s.tiers[e.it.Priority].Remove(e.elem)
		e.elem = nil
	}
}

func addTo[K comparable](idx map[K]map[string]*entry, k K, key string, e *entry) {
	bucket, ok := idx[k]
	if !ok {
		bucket = make(map[string]*entry)
		idx[k] = bucket
	}
	bucket[key] = e
}

func removeFrom[K comparable](idx map[K]map[string]*entry, k K, key string) {
	bucket, ok := idx[k]
	if !ok {
		return
	}
	delete(bucket, key)
	if len(bucket) == 0 {
		delete(idx, k)
	}
}

// Get returns a copy of the item with the given ID.
func (s *Store) Get(itemID string) (*item.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[itemID]
	if !ok {
		return nil, false
	}
	return e.it.Clone(), true
}

// Peek returns the next ready item without removing it.
func (s *Store) Peek() (*item.Item, bool) {
	items := s.ReadyItems(1)
	if len(items) == 0 {
		return nil, false
	}
	return items[0], true
}

// Dequeue removes and returns the next ready item.
func (s *Store) Dequeue() (*item.Item, bool) {
	s.mu.Lock()
	now := s.now()
	var found *entry
	s.walkReadyLocked(now, func(e *entry) bool {
		found = e
		return false
	})
	if found == nil {
		s.mu.Unlock()
		return nil, false
	}
	s.deleteLocked(found)
	s.mu.Unlock()
	return found.it, true
}

// ReadyItems returns up to limit ready items, highest priority first and
// FIFO within a priority. A limit <= 0 returns every ready item.
func (s *Store) ReadyItems(limit int) []*item.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var out []*item.Item
	s.walkReadyLocked(now, func(e *entry) bool {
		out = append(out, e.it.Clone())
		return limit <= 0 || len(out) < limit
	})
	return out
}

// walkReadyLocked visits ready entries in dispatch order until fn
// returns false.
func (s *Store) walkReadyLocked(now time.Time, fn func(*entry) bool) {
	for _, p := range item.Priorities {
		for el := s.tiers[p].Front(); el != nil; el = el.Next() {
			e := el.Value.(*entry) //nolint:errcheck // tiers only hold *entry
			if !e.it.Ready(now) || !s.dependenciesMetLocked(e.it) {
				continue
			}
			if !fn(e) {
				return
			}
		}
	}
}

// dependenciesMetLocked reports whether every dependency has completed.
// A dependency that is no longer in the store is treated as completed.
func (s *Store) dependenciesMetLocked(it *item.Item) bool {
	for _, dep := range it.Dependencies {
		if d, ok := s.items[dep]; ok && d.it.Status != item.StatusCompleted {
			return false
		}
	}
	return true
}

// Update applies p to the item atomically and returns the updated copy.
// It returns ErrItemNotFound for unknown IDs, ErrItemTerminal for
// completed or dead items, and ErrInvalidTransition for status changes
// outside the state machine.
func (s *Store) Update(itemID string, p Patch) (*item.Item, error) {
	s.mu.Lock()
	e, ok := s.items[itemID]
	if !ok {
		s.mu.Unlock()
		return nil, opqueue.ErrItemNotFound
	}
	from := e.it.Status
	if from.Terminal() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", opqueue.ErrItemTerminal, itemID, from)
	}
	to := from
	if p.Status != nil {
		to = *p.Status
		if !item.CanTransition(from, to) {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s -> %s", opqueue.ErrInvalidTransition, from, to)
		}
	}

	now := s.now()
	s.unindexLocked(e)

	it := e.it
	it.Status = to
	it.UpdatedAt = now
	if p.RetryCount != nil {
		it.RetryCount = *p.RetryCount
	}
	if p.ClearSchedule {
		it.ScheduledAt = nil
	}
	if p.ScheduledAt != nil {
		at := *p.ScheduledAt
		it.ScheduledAt = &at
	}
	if p.BatchID != nil {
		it.BatchID = *p.BatchID
	}
	if len(p.Metadata) > 0 {
		if it.Metadata == nil {
			it.Metadata = make(map[string]string, len(p.Metadata))
		}
		maps.Copy(it.Metadata, p.Metadata)
	}
	if p.AppendError != nil {
		it.ErrorHistory = append(it.ErrorHistory, *p.AppendError)
	}

	s.indexLocked(e)

	if to != from {
		switch to {
		case item.StatusCompleted:
			s.totalProcessed++
			s.totalSucceeded++
			s.lastProcessedAt = now
		case item.StatusFailed:
			s.totalProcessed++
			s.totalFailed++
			s.lastProcessedAt = now
		}
	}

	out := it.Clone()
	s.mu.Unlock()

	if to != from && s.observer != nil {
		s.observer.OnStatusChange(out.Clone(), from, to)
	}
	return out, nil
}

// Remove deletes an item. It returns false for unknown IDs.
func (s *Store) Remove(itemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[itemID]
	if !ok {
		return false
	}
	s.deleteLocked(e)
	return true
}

func (s *Store) deleteLocked(e *entry) {
	s.unindexLocked(e)
	delete(s.items, e.it.ID.String())
	if n := s.byOperation[e.it.Operation] - 1; n > 0 {
		s.byOperation[e.it.Operation] = n
	} else {
		delete(s.byOperation, e.it.Operation)
	}
}

// ByStatus returns the items with the given status in insertion order.
func (s *Store) ByStatus(st item.Status) []*item.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedClones(s.byStatus[st])
}

// ByPriority returns the items with the given priority in insertion order.
func (s *Store) ByPriority(p item.Priority) []*item.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedClones(s.byPriority[p])
}

// ByResource returns the items targeting the given resource in insertion order.
func (s *Store) ByResource(r item.Resource) []*item.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedClones(s.byResource[r])
}

// CountByStatus returns the number of items with the given status.
func (s *Store) CountByStatus(st item.Status) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byStatus[st])
}

func sortedClones(bucket map[string]*entry) []*item.Item {
	entries := slices.Collect(maps.Values(bucket))
	slices.SortFunc(entries, func(a, b *entry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	out := make([]*item.Item, len(entries))
	for i, e := range entries {
		out[i] = e.it.Clone()
	}
	return out
}

// ToArray returns every item in insertion order.
func (s *Store) ToArray() []*item.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make(map[string]*entry, len(s.items))
	maps.Copy(all, s.items)
	return sortedClones(all)
}

// Size returns the number of live items.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Clear removes every item. Lifetime counters are kept.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*entry)
	for _, p := range item.Priorities {
		s.tiers[p].Init()
	}
	s.byStatus = make(map[item.Status]map[string]*entry)
	s.byPriority = make(map[item.Priority]map[string]*entry)
	s.byResource = make(map[item.Resource]map[string]*entry)
	s.byOperation = make(map[item.Operation]int)
}

// Restore inserts previously persisted items, preserving their IDs and
// insertion order. Items caught mid-flight (processing or waiting on a
// retry timer) are returned to pending, since their dispatch or timer did
// not survive the restart. Duplicates, invalid items and items beyond
// capacity are skipped, as are terminal items. It returns the number of items restored.
func (s *Store) Restore(items []*item.Item) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, it := range items {
		if it == nil || it.ID.IsNil() || !it.Resource.Valid() || it.Status.Terminal() {
			continue
		}
		if _, exists := s.items[it.ID.String()]; exists {
			continue
		}
		if s.maxSize > 0 && len(s.items) >= s.maxSize {
			break
		}
		cp := it.Clone()
		if cp.Status == item.StatusProcessing || cp.Status == item.StatusRetry {
			cp.Status = item.StatusPending
		}
		s.insertLocked(cp)
		restored++
	}
	return restored
}
