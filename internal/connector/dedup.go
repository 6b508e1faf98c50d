package connector

import "time"

// dedupWindow remembers recently seen message ids. Upstream redelivers
// notifications it believes were not handled; a replayed id inside the
// window is skipped. Duplicates arriving across a connection handoff carry
// distinct ids and are handled by engine-level idempotency instead.
type dedupWindow struct {
	ttl  time.Duration
	seen map[string]time.Time
}

func newDedupWindow(ttl time.Duration) *dedupWindow {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &dedupWindow{ttl: ttl, seen: make(map[string]time.Time)}
}

// Seen records id and reports whether it was already inside the window.
func (d *dedupWindow) Seen(id string, now time.Time) bool {
	if at, ok := d.seen[id]; ok && now.Sub(at) < d.ttl {
		return true
	}
	d.seen[id] = now
	if len(d.seen) > 1024 {
		d.prune(now)
	}
	return false
}

func (d *dedupWindow) prune(now time.Time) {
	for id, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, id)
		}
	}
}
