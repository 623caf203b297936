// Package store implements the priority store: an indexed, in-memory
// container of live queue items.
//
// Items are kept in one FIFO list per priority tier (pending items only)
// plus hash indexes by status, priority and resource, so that lookups and
// index membership are O(1) and "next ready item" selection never scans
// the whole set. Every mutation re-indexes atomically under a single
// mutex and updates aggregate statistics.
//
// The store never hands out its own pointers: every read returns a deep
// copy, and every write goes through Enqueue, Update, Remove or Restore.
package store
