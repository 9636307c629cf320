package coordinator

import "sort"

// Tracker is the set of command executions in flight on the gateway.
// Executions are tracked by ID only. Not safe for concurrent use.
type Tracker struct {
	ids map[string]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{ids: make(map[string]struct{})}
}

// Add registers an execution. It reports whether the ID was new.
func (t *Tracker) Add(id string) bool {
	if _, ok := t.ids[id]; ok {
		return false
	}
	t.ids[id] = struct{}{}
	return true
}

// Remove forgets an execution. It reports whether the ID was tracked.
func (t *Tracker) Remove(id string) bool {
	if _, ok := t.ids[id]; !ok {
		return false
	}
	delete(t.ids, id)
	return true
}

// Has reports whether the execution is tracked.
func (t *Tracker) Has(id string) bool {
	_, ok := t.ids[id]
	return ok
}

// Len returns the number of executions in flight.
func (t *Tracker) Len() int {
	return len(t.ids)
}

// Empty reports whether no execution is in flight.
func (t *Tracker) Empty() bool {
	return len(t.ids) == 0
}

// Clear forgets every execution.
func (t *Tracker) Clear() {
	t.ids = make(map[string]struct{})
}

// IDs returns the tracked execution IDs in sorted order.
func (t *Tracker) IDs() []string {
	ids := make([]string, 0, len(t.ids))
	for id := range t.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns an independent copy.
func (t *Tracker) Clone() *Tracker {
	cpy := &Tracker{ids: make(map[string]struct{}, len(t.ids))}
	for id := range t.ids {
		cpy.ids[id] = struct{}{}
	}
	return cpy
}
