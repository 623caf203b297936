// Package persist defines the snapshot persistence contract for the
// queue and the codecs backends use to encode items.
//
// An [Adapter] saves the full set of live items and loads it back on
// start. Saves are best-effort snapshots: the engine logs a failed save
// and keeps running, and a failed load starts the queue empty.
//
// Backends live in subpackages:
//
//   - persist/memory    in-process, for tests and ephemeral runs
//   - persist/redis     go-redis, one key per item plus an ID set
//   - persist/postgres  pgx/v5, COPY into a snapshot table
//   - persist/bun       Bun ORM on PostgreSQL
//   - persist/badger    embedded Badger for device-local storage
//
// Every backend also implements dlq.Store so dead items survive
// restarts alongside the queue snapshot.
package persist
