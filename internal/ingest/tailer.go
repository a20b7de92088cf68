package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-explain/internal/metrics"
	"github.com/kubilitics/kubilitics-explain/internal/pipeline"
)

// Submitter accepts events for explanation. *pipeline.Pool implements it.
type Submitter interface {
	Submit(ctx context.Context, job pipeline.Job) (<-chan pipeline.Result, error)
}

// TailerOptions configures a Tailer.
type TailerOptions struct {
	// Source is recorded on every event (default "log").
	Source string

	// RetryInterval is how long to wait before resubmitting when the pool
	// queue is full (default 50ms).
	RetryInterval time.Duration

	Logger *zap.Logger
}

// TailerStats tracks what a Tailer has read and submitted.
type TailerStats struct {
	Accepted  int       `json:"accepted"`
	Rejected  int       `json:"rejected"`
	Explained int       `json:"explained"`
	Failed    int       `json:"failed"`
	Rotations int       `json:"rotations"`
	LastRead  time.Time `json:"last_read"`
}

// Tailer follows an adaptation log and submits each appended record.
//
// The directory holding the log is watched rather than the file, so the log
// may be created after the tailer starts and may be rotated or truncated
// while it runs. Either resets the read offset to the start of the file.
// A trailing line without a newline is held until the writer completes it.
type Tailer struct {
	path   string
	sink   Submitter
	opts   TailerOptions
	logger *zap.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool

	offset  int64
	line    int
	pending []byte
	stats   TailerStats

	results sync.WaitGroup
}

// NewTailer creates a tailer for the log at path.
func NewTailer(path string, sink Submitter, opts TailerOptions) (*Tailer, error) {
	if path == "" {
		return nil, errors.New("ingest: adaptation log path is required")
	}
	if sink == nil {
		return nil, errors.New("ingest: submitter is required")
	}
	if opts.Source == "" {
		opts.Source = "log"
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 50 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: resolve %s: %w", path, err)
	}
	return &Tailer{
		path:   abs,
		sink:   sink,
		opts:   opts,
		logger: opts.Logger.With(zap.String("log_path", abs)),
	}, nil
}

// Start reads what the log already holds and then follows it. It returns
// once the watch is established.
func (t *Tailer) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ingest: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("ingest: watch %s: %w", filepath.Dir(t.path), err)
	}

	t.watcher = watcher
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	t.running = true

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-t.stopCh
		cancel()
	}()

	t.readNewLocked(runCtx)
	go t.run(runCtx)

	t.logger.Info("tailing adaptation log")
	return nil
}

// Stop stops following the log and waits for submitted records to finish.
func (t *Tailer) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopCh)
	t.mu.Unlock()

	<-t.doneCh
	if err := t.watcher.Close(); err != nil {
		t.logger.Warn("error closing adaptation log watcher", zap.Error(err))
	}
	t.results.Wait()
	t.logger.Info("stopped tailing adaptation log")
}

// Stats returns a snapshot of the tailer counters.
func (t *Tailer) Stats() TailerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *Tailer) run(ctx context.Context) {
	defer close(t.doneCh)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != t.path {
				continue
			}
			t.handleEvent(ctx, event)

		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn("adaptation log watcher error", zap.Error(err))
		}
	}
}

func (t *Tailer) handleEvent(ctx context.Context, event fsnotify.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		t.resetLocked("log rotated")
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		t.readNewLocked(ctx)
	}
}

func (t *Tailer) resetLocked(reason string) {
	if t.offset == 0 && len(t.pending) == 0 {
		return
	}
	t.logger.Info("restarting adaptation log from the beginning", zap.String("reason", reason))
	t.offset = 0
	t.line = 0
	t.pending = nil
	t.stats.Rotations++
}

// readNewLocked consumes bytes appended since the last read.
func (t *Tailer) readNewLocked(ctx context.Context) {
	f, err := os.Open(t.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			t.logger.Warn("cannot open adaptation log", zap.Error(err))
		}
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		t.logger.Warn("cannot stat adaptation log", zap.Error(err))
		return
	}
	if info.Size() < t.offset {
		t.resetLocked("log truncated")
	}
	if info.Size() == t.offset {
		return
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		t.logger.Warn("cannot seek adaptation log", zap.Int64("offset", t.offset), zap.Error(err))
		return
	}
	chunk, err := io.ReadAll(io.LimitReader(f, info.Size()-t.offset))
	if err != nil {
		t.logger.Warn("cannot read adaptation log", zap.Error(err))
		return
	}
	t.offset += int64(len(chunk))
	t.stats.LastRead = time.Now()

	buf := append(t.pending, chunk...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		t.line++
		t.consumeLocked(ctx, buf[:i])
		buf = buf[i+1:]
	}
	if len(buf) > maxLineBytes {
		t.logger.Warn("dropping oversized adaptation record", zap.Int("line", t.line+1), zap.Int("bytes", len(buf)))
		buf = nil
	}
	t.pending = append([]byte(nil), buf...)
}

func (t *Tailer) consumeLocked(ctx context.Context, b []byte) {
	raw, ok, err := decodeLine(b)
	if !ok {
		return
	}
	if err != nil {
		t.stats.Rejected++
		metrics.IngestedEventsTotal.WithLabelValues("rejected").Inc()
		t.logger.Warn("skipping undecodable adaptation record", zap.Error(&LineError{Line: t.line, Err: err}))
		return
	}
	t.stats.Accepted++
	metrics.IngestedEventsTotal.WithLabelValues("accepted").Inc()

	ch, err := t.submit(ctx, pipeline.Job{Raw: raw, Source: t.opts.Source})
	if err != nil {
		t.stats.Failed++
		t.logger.Warn("adaptation record not submitted", zap.Int("line", t.line), zap.Error(err))
		return
	}

	line := t.line
	t.results.Add(1)
	go func() {
		defer t.results.Done()
		r := <-ch
		t.mu.Lock()
		if r.Err != nil {
			t.stats.Failed++
		} else {
			t.stats.Explained++
		}
		t.mu.Unlock()
		if r.Err != nil {
			t.logger.Info("adaptation record not explained", zap.Int("line", line), zap.Error(r.Err))
			return
		}
		t.logger.Debug("adaptation record explained",
			zap.Int("line", line),
			zap.String("event_id", r.Explanation.EventID),
			zap.String("fingerprint", r.Explanation.Fingerprint),
		)
	}()
}

// submit retries while the pool queue is full.
func (t *Tailer) submit(ctx context.Context, job pipeline.Job) (<-chan pipeline.Result, error) {
	for {
		ch, err := t.sink.Submit(ctx, job)
		if !errors.Is(err, pipeline.ErrPoolFull) {
			return ch, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(t.opts.RetryInterval):
		}
	}
}
