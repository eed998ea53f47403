// Package refcount tracks how many members depend on a shared keyed resource,
// so the resource is opened on the first member and released on the last.
package refcount

import "sync"

// Counter is a keyed set of members. A key exists iff it has at least one member.
type Counter[K comparable, M comparable] struct {
	mu      sync.Mutex
	members map[K]map[M]struct{}
}

// New creates an empty counter.
func New[K comparable, M comparable]() *Counter[K, M] {
	return &Counter[K, M]{
		members: make(map[K]map[M]struct{}),
	}
}

// Inc registers member under key.
// wasFirst is true when the key had no members before this call.
// added is false when the member was already registered, in which case nothing changes.
func (c *Counter[K, M]) Inc(key K, member M) (wasFirst bool, added bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.members[key]
	if !ok {
		set = make(map[M]struct{})
		c.members[key] = set
	}
	if _, exists := set[member]; exists {
		return false, false
	}
	set[member] = struct{}{}
	return len(set) == 1, true
}

// Dec removes member from key.
// wasLast is true when this call removed the final member; the key is then gone.
// found is false when the member was not registered, in which case nothing changes.
func (c *Counter[K, M]) Dec(key K, member M) (wasLast bool, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.members[key]
	if !ok {
		return false, false
	}
	if _, exists := set[member]; !exists {
		return false, false
	}
	delete(set, member)
	if len(set) == 0 {
		delete(c.members, key)
		return true, true
	}
	return false, true
}

// Count returns the number of members for key.
func (c *Counter[K, M]) Count(key K) int {
	c.mu.Lock()
	n := len(c.members[key])
	c.mu.Unlock()
	return n
}

// Members fills dst with the members of key and returns it.
func (c *Counter[K, M]) Members(key K, dst []M) []M {
	c.mu.Lock()
	set := c.members[key]
	if dst == nil {
		dst = make([]M, 0, len(set))
	} else {
		dst = dst[:0]
	}
	for m := range set {
		dst = append(dst, m)
	}
	c.mu.Unlock()
	return dst
}

// Keys returns every key with at least one member.
func (c *Counter[K, M]) Keys() []K {
	c.mu.Lock()
	keys := make([]K, 0, len(c.members))
	for k := range c.members {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	return keys
}

// Len returns the number of live keys.
func (c *Counter[K, M]) Len() int {
	c.mu.Lock()
	n := len(c.members)
	c.mu.Unlock()
	return n
}
