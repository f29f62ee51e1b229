package chat

// dedupWindow suppresses events whose server-assigned id was already observed
// among the last N ids, with FIFO eviction. Not safe for concurrent use; the
// engine holds its lock around observe.
type dedupWindow struct {
	cap   int
	order []string
	head  int
	seen  map[string]struct{}
}

func newDedupWindow(capacity int) *dedupWindow {
	if capacity <= 0 {
		capacity = 1
	}
	return &dedupWindow{
		cap:  capacity,
		seen: make(map[string]struct{}, capacity),
	}
}

// observe records id and reports whether it was new.
func (d *dedupWindow) observe(id string) bool {
	if _, dup := d.seen[id]; dup {
		return false
	}
	if len(d.order) < d.cap {
		d.order = append(d.order, id)
	} else {
		delete(d.seen, d.order[d.head])
		d.order[d.head] = id
		d.head = (d.head + 1) % d.cap
	}
	d.seen[id] = struct{}{}
	return true
}

func (d *dedupWindow) reset() {
	d.order = d.order[:0]
	d.head = 0
	d.seen = make(map[string]struct{}, d.cap)
}
