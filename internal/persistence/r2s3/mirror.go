package r2s3

import (
	"context"
	"fmt"
	"io"
	"log"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Uploader is the one call the mirror needs from a bucket client.
type Uploader interface {
	PutFile(ctx context.Context, objectKey, localPath string) error
}

type Options struct {
	// Prefix is prepended to every object key.
	Prefix      string
	Workers     int
	Queue       int
	EnqueueWait time.Duration
	Attempts    int
	// Backoff is the base retry delay; attempt n waits n*n*Backoff.
	Backoff time.Duration
	// ShutdownWait bounds how long Close lets queued uploads and their
	// retries run before pending backoffs are cut short.
	ShutdownWait time.Duration
	Logger       *log.Logger
}

type Stats struct {
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
	Enqueued       uint64 `json:"enqueued"`
	Saturated      uint64 `json:"saturated"`
	Dropped        uint64 `json:"dropped"`
	Uploaded       uint64 `json:"uploaded"`
	Failed         uint64 `json:"failed"`
	LastSuccessUTC int64  `json:"last_success_unix"`
	LastErrorUTC   int64  `json:"last_error_unix"`
}

// Mirror uploads files under dataDir with their path relative to dataDir as
// the object key. Files are expected to be immutable once enqueued: closed
// hourly logs and written snapshots.
type Mirror struct {
	up      Uploader
	dataDir string
	opts    Options
	log     *log.Logger

	// mu guards sends on jobs against Close.
	mu     sync.RWMutex
	closed bool
	jobs   chan string
	done   chan struct{}
	wg     sync.WaitGroup

	enqueued  atomic.Uint64
	saturated atomic.Uint64
	dropped   atomic.Uint64
	uploaded  atomic.Uint64
	failed    atomic.Uint64
	lastOK    atomic.Int64
	lastErr   atomic.Int64
}

func NewMirror(up Uploader, dataDir string, opts Options) *Mirror {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Queue <= 0 {
		opts.Queue = 2048
	}
	if opts.EnqueueWait <= 0 {
		opts.EnqueueWait = 25 * time.Millisecond
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 4
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	if opts.ShutdownWait <= 0 {
		opts.ShutdownWait = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	opts.Prefix = strings.Trim(strings.ReplaceAll(opts.Prefix, "\\", "/"), "/")

	m := &Mirror{
		up:      up,
		dataDir: dataDir,
		opts:    opts,
		log:     opts.Logger,
		jobs:    make(chan string, opts.Queue),
		done:    make(chan struct{}),
	}
	for i := 0; i < opts.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for p := range m.jobs {
				m.uploadOne(p)
			}
		}()
	}
	return m
}

// Enqueue schedules localPath for upload. It waits at most EnqueueWait for
// queue space and drops the file after that.
func (m *Mirror) Enqueue(localPath string) {
	if m == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	m.enqueued.Add(1)
	select {
	case m.jobs <- localPath:
		return
	default:
	}
	m.saturated.Add(1)
	t := time.NewTimer(m.opts.EnqueueWait)
	defer t.Stop()
	select {
	case m.jobs <- localPath:
	case <-t.C:
		n := m.dropped.Add(1)
		m.log.Printf("mirror drop local=%s reason=queue_saturated dropped_total=%d", localPath, n)
	}
}

// Close stops accepting files and drains the queue, retries included. After
// ShutdownWait, pending backoffs give up and the current attempts finish.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.wg.Wait()
		return
	}
	m.closed = true
	close(m.jobs)
	m.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()
	t := time.NewTimer(m.opts.ShutdownWait)
	defer t.Stop()
	select {
	case <-drained:
	case <-t.C:
		m.log.Printf("mirror shutdown wait %s elapsed queue=%d; abandoning retries", m.opts.ShutdownWait, len(m.jobs))
	}
	close(m.done)
	<-drained
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(m.jobs),
		QueueCapacity:  cap(m.jobs),
		Enqueued:       m.enqueued.Load(),
		Saturated:      m.saturated.Load(),
		Dropped:        m.dropped.Load(),
		Uploaded:       m.uploaded.Load(),
		Failed:         m.failed.Load(),
		LastSuccessUTC: m.lastOK.Load(),
		LastErrorUTC:   m.lastErr.Load(),
	}
}

func (m *Mirror) uploadOne(localPath string) {
	key, err := m.ObjectKey(localPath)
	if err != nil {
		m.failed.Add(1)
		m.log.Printf("mirror skip local=%s err=%v", localPath, err)
		return
	}
	if err := m.uploadWithRetry(key, localPath); err != nil {
		m.failed.Add(1)
		m.lastErr.Store(time.Now().UTC().Unix())
		m.log.Printf("mirror upload failed key=%s err=%v", key, err)
		return
	}
	m.uploaded.Add(1)
	m.lastOK.Store(time.Now().UTC().Unix())
	m.log.Printf("mirror uploaded key=%s", key)
}

func (m *Mirror) uploadWithRetry(key, localPath string) error {
	var lastErr error
	for attempt := 1; attempt <= m.opts.Attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := m.up.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == m.opts.Attempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt*attempt) * m.opts.Backoff):
		case <-m.done:
			return fmt.Errorf("closing: %w", lastErr)
		}
	}
	return lastErr
}

// ObjectKey maps a file under the data dir to its bucket key.
func (m *Mirror) ObjectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty local path")
	}
	base, err := filepath.Abs(m.dataDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s is outside data dir %s", abs, base)
	}
	if m.opts.Prefix != "" {
		rel = path.Join(m.opts.Prefix, rel)
	}
	return rel, nil
}
