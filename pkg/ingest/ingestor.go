// Package ingest merges a live subscription and a history poll into one ordered,
// deduplicated stream of log entries per topic.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/ledger"
)

const logPrefix = "ingest:ingestor"

// ErrAlreadySubscribed is returned when a topic already has a worker.
var ErrAlreadySubscribed = errors.New("topic already subscribed")

// ErrNotSubscribed is returned by Stop for unknown topics.
var ErrNotSubscribed = errors.New("topic not subscribed")

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("ingestor closed")

// Sink receives entries for one topic in ascending order. It is called from the
// topic worker and returns once the entry is applied. A non-nil error leaves the
// high-water mark before the entry, so it is delivered again by the next poll or
// live resubscription.
type Sink func(hcs.LogEntry) error

// Config tunes the per-topic workers. Zero values use defaults.
type Config struct {
	PollInterval       time.Duration
	ResubscribeBackoff time.Duration
	PageLimit          int
	MaxBuffered        int
}

const (
	DefaultPollInterval       = 5 * time.Second
	DefaultResubscribeBackoff = 3 * time.Second
	DefaultPageLimit          = 100
	DefaultMaxBuffered        = 1024
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ResubscribeBackoff <= 0 {
		c.ResubscribeBackoff = DefaultResubscribeBackoff
	}
	if c.PageLimit <= 0 {
		c.PageLimit = DefaultPageLimit
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = DefaultMaxBuffered
	}
	return c
}

// Stats is a snapshot of one topic worker.
type Stats struct {
	TopicID    string       `json:"topicId"`
	HighWater  hcs.Position `json:"highWater"`
	Delivered  uint64       `json:"delivered"`
	Duplicates uint64       `json:"duplicates"`
	Rejected   uint64       `json:"rejected"`
	Buffered   int          `json:"buffered"`
	PushActive bool         `json:"pushActive"`
}

// Ingestor runs one worker per subscribed topic. Topics are independent; ordering
// holds only within a topic.
type Ingestor struct {
	live        ledger.LiveSubscriber
	history     ledger.HistoryReader
	checkpoints Checkpointer
	cfg         Config

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
}

// New creates an Ingestor. Either live or history may be nil, not both.
func New(live ledger.LiveSubscriber, history ledger.HistoryReader, checkpoints Checkpointer, cfg Config) *Ingestor {
	if checkpoints == nil {
		checkpoints = NoOpCheckpointer{}
	}
	return &Ingestor{
		live:        live,
		history:     history,
		checkpoints: checkpoints,
		cfg:         cfg.withDefaults(),
		workers:     make(map[string]*worker),
	}
}

// Subscribe starts delivering entries of topicID to sink, resuming from the stored
// high-water mark when one exists.
func (i *Ingestor) Subscribe(ctx context.Context, topicID string, sink Sink) error {
	if i.live == nil && i.history == nil {
		return fmt.Errorf("%s - no entry source configured", logPrefix)
	}

	start, found, err := i.checkpoints.Load(ctx, topicID)
	if err != nil {
		return fmt.Errorf("%s - failed to load checkpoint for %s: %w", logPrefix, topicID, err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return fmt.Errorf("%s - %s: %w", logPrefix, topicID, ErrClosed)
	}
	if _, ok := i.workers[topicID]; ok {
		return fmt.Errorf("%s - %s: %w", logPrefix, topicID, ErrAlreadySubscribed)
	}
	if found {
		slog.Info(fmt.Sprintf("%s - resuming %s after seq=%d", logPrefix, topicID, start.Sequence))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &worker{
		ing:     i,
		topicID: topicID,
		sink:    sink,
		hw:      start,
		saved:   start,
		buf:     newReorderBuffer(i.cfg.MaxBuffered),
		in:      make(chan hcs.LogEntry, 256),
		pushErr: make(chan pushFailure, 1),
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		stats:   Stats{HighWater: start},
	}
	i.workers[topicID] = w
	go w.run()
	slog.Info(fmt.Sprintf("%s - subscribed to %s", logPrefix, topicID))
	return nil
}

// Stop halts the topic worker, delivers entries already received in order, and
// persists the final high-water mark.
func (i *Ingestor) Stop(ctx context.Context, topicID string) error {
	i.mu.Lock()
	w, ok := i.workers[topicID]
	if ok {
		delete(i.workers, topicID)
	}
	i.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s - %s: %w", logPrefix, topicID, ErrNotSubscribed)
	}
	return w.stop(ctx)
}

// Close stops every worker. Later subscriptions fail with ErrClosed.
func (i *Ingestor) Close(ctx context.Context) error {
	i.mu.Lock()
	i.closed = true
	workers := make([]*worker, 0, len(i.workers))
	for id, w := range i.workers {
		workers = append(workers, w)
		delete(i.workers, id)
	}
	i.mu.Unlock()

	var errs []error
	for _, w := range workers {
		if err := w.stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HighWater returns the current mark for a subscribed topic.
func (i *Ingestor) HighWater(topicID string) (hcs.Position, bool) {
	s, ok := i.Stats(topicID)
	return s.HighWater, ok
}

// Stats returns a snapshot of a subscribed topic.
func (i *Ingestor) Stats(topicID string) (Stats, bool) {
	i.mu.Lock()
	w, ok := i.workers[topicID]
	i.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	return w.snapshot(), true
}

// Topics lists subscribed topics in sorted order.
func (i *Ingestor) Topics() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, 0, len(i.workers))
	for id := range i.workers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
