package log

import (
	"path/filepath"
	"sync"
	"sync/atomic"

	"wildmesh.ai/internal/sim/replication"
)

type Options struct {
	WriterOptions
	// Queue bounds entries waiting for the disk; a full queue drops.
	Queue int
	// OnError sees write failures. They never reach the step loop.
	OnError func(error)
}

// queue feeds one JSONLZstdWriter from its own goroutine.
type queue struct {
	w       *JSONLZstdWriter
	ch      chan any
	onErr   func(error)
	dropped atomic.Uint64
	wg      sync.WaitGroup
	once    sync.Once
}

func newQueue(dir, prefix string, opts Options) *queue {
	if opts.Queue <= 0 {
		opts.Queue = 1024
	}
	q := &queue{
		w:     NewJSONLZstdWriter(dir, prefix, opts.WriterOptions),
		ch:    make(chan any, opts.Queue),
		onErr: opts.OnError,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *queue) run() {
	defer q.wg.Done()
	for v := range q.ch {
		if err := q.w.Write(v); err != nil && q.onErr != nil {
			q.onErr(err)
		}
	}
}

func (q *queue) put(v any) {
	select {
	case q.ch <- v:
	default:
		q.dropped.Add(1)
	}
}

// close drains pending entries and closes the file. Entries logged after
// close are lost.
func (q *queue) close() error {
	var err error
	q.once.Do(func() {
		close(q.ch)
		q.wg.Wait()
		err = q.w.Close()
	})
	return err
}

// TransitionLog writes authority transitions under <dir>/events.
type TransitionLog struct{ q *queue }

func NewTransitionLog(dataDir string, opts Options) *TransitionLog {
	return &TransitionLog{q: newQueue(filepath.Join(dataDir, "events"), "transitions", opts)}
}

func (l *TransitionLog) LogTransition(ev replication.TransitionEvent) { l.q.put(ev) }
func (l *TransitionLog) Dropped() uint64                              { return l.q.dropped.Load() }
func (l *TransitionLog) Close() error                                 { return l.q.close() }

// LifecycleLog writes spawn/death/harvest/despawn events under <dir>/events.
type LifecycleLog struct{ q *queue }

func NewLifecycleLog(dataDir string, opts Options) *LifecycleLog {
	return &LifecycleLog{q: newQueue(filepath.Join(dataDir, "events"), "lifecycle", opts)}
}

func (l *LifecycleLog) LogLifecycle(ev replication.LifecycleEvent) { l.q.put(ev) }
func (l *LifecycleLog) Dropped() uint64                            { return l.q.dropped.Load() }
func (l *LifecycleLog) Close() error                               { return l.q.close() }

// MultiTransition fans one transition out to several loggers.
type MultiTransition []replication.TransitionLogger

func (m MultiTransition) LogTransition(ev replication.TransitionEvent) {
	for _, l := range m {
		if l != nil {
			l.LogTransition(ev)
		}
	}
}

type MultiLifecycle []replication.LifecycleLogger

func (m MultiLifecycle) LogLifecycle(ev replication.LifecycleEvent) {
	for _, l := range m {
		if l != nil {
			l.LogLifecycle(ev)
		}
	}
}
