package state

import (
	"sort"
	"sync"
	"time"

	"github.com/fuad-daoud/discord-bridge/platform"
)

// window is the bounded recent-message list of one channel, kept oldest
// first. It has its own lock so a slow fetch for one channel never blocks
// readers of another.
type window struct {
	mu         sync.Mutex
	capacity   int
	seeded     int
	messages   []platform.Message
	tombstones map[string]time.Time

	// epoch moves on every resync; a fetch started in an older epoch must
	// not mark the window seeded.
	epoch  uint64
	resync bool
}

func newWindow(capacity int) *window {
	return &window{
		capacity:   capacity,
		tombstones: make(map[string]time.Time),
	}
}

// put replaces or inserts m. An older copy never overwrites a newer one and a
// deleted id is never brought back.
func (w *window) put(m platform.Message, now time.Time) {
	if expiry, ok := w.tombstones[m.Id]; ok && now.Before(expiry) {
		return
	}
	for i, existing := range w.messages {
		if existing.Id != m.Id {
			continue
		}
		if m.Version().Before(existing.Version()) {
			return
		}
		w.messages = append(w.messages[:i], w.messages[i+1:]...)
		break
	}
	at := sort.Search(len(w.messages), func(i int) bool {
		return m.Before(w.messages[i])
	})
	w.messages = append(w.messages, platform.Message{})
	copy(w.messages[at+1:], w.messages[at:])
	w.messages[at] = m
	if len(w.messages) > w.capacity {
		w.messages = w.messages[len(w.messages)-w.capacity:]
	}
}

func (w *window) remove(id string, now time.Time, ttl time.Duration) {
	for i, existing := range w.messages {
		if existing.Id == id {
			w.messages = append(w.messages[:i], w.messages[i+1:]...)
			break
		}
	}
	for tombstone, expiry := range w.tombstones {
		if !now.Before(expiry) {
			delete(w.tombstones, tombstone)
		}
	}
	w.tombstones[id] = now.Add(ttl)
}

// merge folds a fetch result into the window and records how deep the window
// has been seeded. The first fetch after a resync is authoritative for the
// range it covers.
func (w *window) merge(messages []platform.Message, limit int, now time.Time, epoch uint64) {
	if epoch != w.epoch {
		for _, m := range messages {
			w.put(m, now)
		}
		return
	}
	if w.resync {
		w.prune(messages, limit)
		w.resync = false
	}
	for _, m := range messages {
		w.put(m, now)
	}
	if limit > w.seeded {
		w.seeded = limit
	}
}

// invalidate forgets the seed depth after events may have been missed.
func (w *window) invalidate() {
	w.seeded = 0
	w.resync = true
	w.epoch++
}

// prune drops cached messages a fresh fetch proves are gone: anything not in
// the result that is not newer than its newest message, unless the result
// was cut off by limit and the message is older than all of it.
func (w *window) prune(fetched []platform.Message, limit int) {
	ids := make(map[string]struct{}, len(fetched))
	var newest, oldest platform.Message
	for i, m := range fetched {
		ids[m.Id] = struct{}{}
		if i == 0 || newest.Before(m) {
			newest = m
		}
		if i == 0 || m.Before(oldest) {
			oldest = m
		}
	}
	kept := w.messages[:0]
	for _, m := range w.messages {
		_, listed := ids[m.Id]
		switch {
		case listed:
		case len(fetched) > 0 && newest.Before(m):
		case len(fetched) >= limit && m.Before(oldest):
		default:
			continue
		}
		kept = append(kept, m)
	}
	w.messages = kept
}

func (w *window) needsFetch(limit int) bool {
	return w.seeded == 0 || limit > w.seeded
}

// newest returns up to limit messages, most recent first.
func (w *window) newest(limit int) []platform.Message {
	if limit > len(w.messages) {
		limit = len(w.messages)
	}
	out := make([]platform.Message, 0, limit)
	for i := len(w.messages) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, w.messages[i])
	}
	return out
}

func (w *window) size() int {
	return len(w.messages)
}
