package opqueue

import "github.com/a-cube-io/opqueue/id"

// ID is the primary identifier type for all queue entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
