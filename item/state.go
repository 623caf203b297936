package item

// transitions lists the allowed status edges.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusRetry, StatusDead},
	StatusRetry:      {StatusPending},
}

// CanTransition reports whether from -> to is an allowed edge.
// A same-status "transition" is allowed for non-terminal states so that
// field-only updates can go through the same path.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Next returns the statuses reachable from s in one step.
func Next(s Status) []Status {
	out := make([]Status, len(transitions[s]))
	copy(out, transitions[s])
	return out
}
