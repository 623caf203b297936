package redis

// Redis key naming conventions for opqueue data.
// All keys are prefixed with "opqueue:" to avoid collisions.

const keyPrefix = "opqueue:"

// ── Snapshot keys ──

// itemsKey is the Sorted Set holding snapshot item IDs scored by their
// position in the snapshot.
const itemsKey = keyPrefix + "items"

// itemDataKey is the Hash mapping item ID to its encoded record.
const itemDataKey = keyPrefix + "item_data"

// snapshotMetaKey is the Hash recording snapshot version and save time.
const snapshotMetaKey = keyPrefix + "snapshot"

// ── DLQ keys ──

// dlqKey returns the key for a DLQ entry entity: opqueue:dlq:{id}
func dlqKey(id string) string { return keyPrefix + "dlq:" + id }

// dlqIDsKey is the Sorted Set of DLQ entry IDs scored by FailedAt.
const dlqIDsKey = keyPrefix + "dlq_ids"
