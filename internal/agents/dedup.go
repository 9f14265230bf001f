package agents

// Dedup is a bounded set of recently seen message IDs. Once the capacity
// is reached the oldest entry is evicted per insert, so membership is a
// sliding window rather than full history. Not safe for concurrent use;
// callers that share one across goroutines hold their own lock.
type Dedup struct {
	ring []string
	next int
	ids  map[string]struct{}
}

// NewDedup creates a dedup window holding at most capacity IDs.
func NewDedup(capacity int) *Dedup {
	if capacity <= 0 {
		capacity = 8192
	}
	return &Dedup{
		ring: make([]string, capacity),
		ids:  make(map[string]struct{}, capacity),
	}
}

// Seen records id and reports whether it was already in the window.
func (d *Dedup) Seen(id string) bool {
	if _, ok := d.ids[id]; ok {
		return true
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.ids, old)
	}
	d.ring[d.next] = id
	d.next = (d.next + 1) % len(d.ring)
	d.ids[id] = struct{}{}
	return false
}

// Len returns the number of IDs currently tracked.
func (d *Dedup) Len() int { return len(d.ids) }
