// Package spawnq rate-limits the materialization of already-decided spawns.
package spawnq

import (
	"fmt"
	"io"
	"log"
	"sort"
)

// Callback materializes one queued spawn.
type Callback[P any] func(typ string, payload P) error

type entry[P any] struct {
	typ      string
	key      string
	priority int
	seq      uint64
	payload  P
}

type qkey struct{ typ, key string }

// Queue orders entries by type priority (higher first), then by insertion.
// It is not safe for concurrent use.
type Queue[P any] struct {
	entries    []entry[P]
	queued     map[qkey]struct{}
	callbacks  map[string]Callback[P]
	priority   map[string]int
	seq        uint64
	maxPerTick int
	logger     *log.Logger

	processed uint64
	failed    uint64
}

func New[P any](maxPerTick int, logger *log.Logger) *Queue[P] {
	if maxPerTick <= 0 {
		maxPerTick = 1
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Queue[P]{
		queued:     map[qkey]struct{}{},
		callbacks:  map[string]Callback[P]{},
		priority:   map[string]int{},
		maxPerTick: maxPerTick,
		logger:     logger,
	}
}

// SetPriority sets the priority band of a type; threats should rank highest.
// Entries already queued for typ move to the new band, keeping their
// insertion order.
func (q *Queue[P]) SetPriority(typ string, p int) {
	if old, ok := q.priority[typ]; ok && old == p {
		return
	}
	q.priority[typ] = p
	moved := false
	for i := range q.entries {
		if q.entries[i].typ == typ {
			q.entries[i].priority = p
			moved = true
		}
	}
	if moved {
		sort.SliceStable(q.entries, func(i, j int) bool {
			a, b := q.entries[i], q.entries[j]
			if a.priority != b.priority {
				return a.priority > b.priority
			}
			return a.seq < b.seq
		})
	}
}

func (q *Queue[P]) RegisterSpawnCallback(typ string, cb Callback[P]) { q.callbacks[typ] = cb }

// Enqueue adds a spawn. It returns false when key is already queued for typ.
func (q *Queue[P]) Enqueue(typ string, payload P, key string) bool {
	k := qkey{typ, key}
	if _, dup := q.queued[k]; dup {
		return false
	}
	q.seq++
	e := entry[P]{typ: typ, key: key, priority: q.priority[typ], seq: q.seq, payload: payload}

	// The slice is sorted by (priority desc, seq asc) and e has the largest
	// seq, so it goes before the first entry of a strictly lower band.
	i := sort.Search(len(q.entries), func(i int) bool { return q.entries[i].priority < e.priority })
	q.entries = append(q.entries, entry[P]{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
	q.queued[k] = struct{}{}
	return true
}

// ProcessOneTick runs up to the per-tick budget of callbacks and returns how
// many ran. A failing or panicking callback is logged and does not stop the
// rest of the queue.
func (q *Queue[P]) ProcessOneTick() int {
	n := 0
	for n < q.maxPerTick && len(q.entries) > 0 {
		e := q.entries[0]
		q.entries[0] = entry[P]{}
		q.entries = q.entries[1:]
		delete(q.queued, qkey{e.typ, e.key})

		cb := q.callbacks[e.typ]
		if cb == nil {
			q.logger.Printf("spawnq: no callback for %s, dropping %s", e.typ, e.key)
			q.failed++
			continue
		}
		n++
		if err := q.run(cb, e); err != nil {
			q.failed++
			q.logger.Printf("spawnq: %s %s: %v", e.typ, e.key, err)
			continue
		}
		q.processed++
	}
	return n
}

func (q *Queue[P]) run(cb Callback[P], e entry[P]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return cb(e.typ, e.payload)
}

// Cancel removes a not-yet-processed entry.
func (q *Queue[P]) Cancel(typ, key string) bool {
	k := qkey{typ, key}
	if _, ok := q.queued[k]; !ok {
		return false
	}
	for i, e := range q.entries {
		if e.typ == typ && e.key == key {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	delete(q.queued, k)
	return true
}

// CancelWhere removes every entry matching pred and returns how many.
func (q *Queue[P]) CancelWhere(pred func(typ, key string, payload P) bool) int {
	kept := q.entries[:0]
	n := 0
	for _, e := range q.entries {
		if pred(e.typ, e.key, e.payload) {
			delete(q.queued, qkey{e.typ, e.key})
			n++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = entry[P]{}
	}
	q.entries = kept
	return n
}

func (q *Queue[P]) Len() int { return len(q.entries) }

// Pending counts queued entries of one type.
func (q *Queue[P]) Pending(typ string) int {
	n := 0
	for _, e := range q.entries {
		if e.typ == typ {
			n++
		}
	}
	return n
}

func (q *Queue[P]) Queued(typ, key string) bool {
	_, ok := q.queued[qkey{typ, key}]
	return ok
}

// Stats returns lifetime counts of successful and failed callbacks.
func (q *Queue[P]) Stats() (processed, failed uint64) { return q.processed, q.failed }
