package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/ledger"
)

const workerLogPrefix = "ingest:worker"

type pushFailure struct {
	gen int
	err error
}

// worker owns the gate state of one topic. Push callbacks and poll results are
// funnelled into run, so the gate is only touched from one goroutine.
type worker struct {
	ing     *Ingestor
	topicID string
	sink    Sink

	in      chan hcs.LogEntry
	pushErr chan pushFailure
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// owned by run
	hw    hcs.Position
	saved hcs.Position
	buf   *reorderBuffer
	sub   ledger.Subscription
	gen   int
	retry <-chan time.Time

	statsMu sync.Mutex
	stats   Stats
}

func (w *worker) run() {
	defer close(w.done)
	cfg := w.ing.cfg

	if w.ing.live != nil {
		if err := w.subscribe(); err != nil {
			slog.Warn(fmt.Sprintf("%s - live subscribe to %s failed, retrying in %s: %v", workerLogPrefix, w.topicID, cfg.ResubscribeBackoff, err))
			w.retry = time.After(cfg.ResubscribeBackoff)
		}
	}

	var tick <-chan time.Time
	if w.ing.history != nil {
		ticker := time.NewTicker(cfg.PollInterval)
		defer ticker.Stop()
		tick = ticker.C
		w.poll()
	}

	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			w.unsubscribe()
			return
		case e := <-w.in:
			w.admit(e)
		case f := <-w.pushErr:
			if f.gen != w.gen {
				continue
			}
			slog.Warn(fmt.Sprintf("%s - live subscription on %s failed, resubscribing in %s: %v", workerLogPrefix, w.topicID, cfg.ResubscribeBackoff, f.err))
			w.unsubscribe()
			w.retry = time.After(cfg.ResubscribeBackoff)
		case <-w.retry:
			w.retry = nil
			if err := w.subscribe(); err != nil {
				slog.Warn(fmt.Sprintf("%s - resubscribe to %s failed, retrying in %s: %v", workerLogPrefix, w.topicID, cfg.ResubscribeBackoff, err))
				w.retry = time.After(cfg.ResubscribeBackoff)
			}
		case <-tick:
			w.poll()
			w.checkpoint(w.ctx)
		}
	}
}

func (w *worker) subscribe() error {
	w.gen++
	gen := w.gen
	onEntry := func(e hcs.LogEntry) {
		select {
		case w.in <- e:
		case <-w.ctx.Done():
		}
	}
	onError := func(err error) {
		select {
		case w.pushErr <- pushFailure{gen: gen, err: err}:
		default:
		}
	}
	sub, err := w.ing.live.SubscribeLive(w.ctx, w.topicID, w.hw, onEntry, onError)
	if err != nil {
		return &hcs.TransportError{Op: "subscribe", TopicID: w.topicID, Err: err}
	}
	w.sub = sub
	w.setPushActive(true)
	slog.Debug(fmt.Sprintf("%s - live subscription on %s from seq=%d", workerLogPrefix, w.topicID, w.hw.Sequence))
	return nil
}

func (w *worker) unsubscribe() {
	if w.sub == nil {
		return
	}
	if err := w.sub.Unsubscribe(); err != nil {
		slog.Debug(fmt.Sprintf("%s - unsubscribe %s: %v", workerLogPrefix, w.topicID, err))
	}
	w.sub = nil
	w.gen++
	w.setPushActive(false)
}

// poll fetches pages strictly after the high-water mark until the source is exhausted
// or a page makes no progress.
func (w *worker) poll() {
	limit := w.ing.cfg.PageLimit
	for {
		entries, err := w.ing.history.FetchAfter(w.ctx, w.topicID, w.hw, limit)
		if err != nil {
			if w.ctx.Err() == nil {
				terr := &hcs.TransportError{Op: "poll", TopicID: w.topicID, Err: err}
				slog.Warn(fmt.Sprintf("%s - %v; retrying next tick", workerLogPrefix, terr))
			}
			return
		}
		before := w.hw
		for _, e := range entries {
			if !w.admit(e) {
				return
			}
		}
		if len(entries) < limit || w.hw == before {
			return
		}
	}
}

// admit gates one entry. It reports false when the sink rejected a delivery.
func (w *worker) admit(e hcs.LogEntry) bool {
	if e.TopicID == "" {
		e.TopicID = w.topicID
	}
	next, decision := Admit(w.hw, e)
	switch decision {
	case Deliver:
		if !w.deliver(e, next) {
			return false
		}
		return w.flush()
	case Early:
		if !w.buf.put(e) {
			slog.Debug(fmt.Sprintf("%s - reorder buffer full on %s, dropped seq=%d", workerLogPrefix, w.topicID, e.SequenceNumber))
		}
		w.updateStats(func(s *Stats) { s.Buffered = w.buf.len() })
	case Duplicate:
		w.updateStats(func(s *Stats) { s.Duplicates++ })
	}
	return true
}

// deliver hands e to the sink and advances the mark only once it is applied.
func (w *worker) deliver(e hcs.LogEntry, next hcs.Position) bool {
	if err := w.sink(e); err != nil {
		w.reject(e, err)
		return false
	}
	w.hw = next
	w.updateStats(func(s *Stats) {
		s.Delivered++
		s.HighWater = next
	})
	return true
}

// reject keeps the mark before e. Polling fetches it again on the next tick; a
// push-only worker replays from the mark through a fresh live subscription.
func (w *worker) reject(e hcs.LogEntry, err error) {
	w.updateStats(func(s *Stats) { s.Rejected++ })
	if w.ctx.Err() != nil {
		slog.Debug(fmt.Sprintf("%s - %s#%d not applied during shutdown: %v", workerLogPrefix, w.topicID, e.SequenceNumber, err))
		return
	}
	slog.Warn(fmt.Sprintf("%s - %s#%d not applied, will redeliver: %v", workerLogPrefix, w.topicID, e.SequenceNumber, err))
	if w.ing.history == nil && w.sub != nil {
		w.unsubscribe()
		w.retry = time.After(w.ing.cfg.ResubscribeBackoff)
	}
}

// flush delivers buffered entries that the last delivery made contiguous.
func (w *worker) flush() bool {
	defer w.updateStats(func(s *Stats) { s.Buffered = w.buf.len() })
	w.buf.discardThrough(w.hw.Sequence)
	for {
		e, ok := w.buf.take(w.hw.Sequence + 1)
		if !ok {
			return true
		}
		next, decision := Admit(w.hw, e)
		if decision != Deliver {
			return true
		}
		if !w.deliver(e, next) {
			w.buf.put(e)
			return false
		}
	}
}

// drain admits entries already queued by the push path before shutdown.
func (w *worker) drain() {
	for {
		select {
		case e := <-w.in:
			if !w.admit(e) {
				return
			}
		default:
			if n := w.buf.len(); n > 0 {
				slog.Info(fmt.Sprintf("%s - %s stopping with %d out-of-order entries after seq=%d; they will be fetched again on resume", workerLogPrefix, w.topicID, n, w.hw.Sequence))
			}
			return
		}
	}
}

func (w *worker) checkpoint(ctx context.Context) {
	if w.hw == w.saved {
		return
	}
	if err := w.ing.checkpoints.Save(ctx, w.topicID, w.hw); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to save checkpoint for %s: %v", workerLogPrefix, w.topicID, err))
		return
	}
	w.saved = w.hw
}

func (w *worker) stop(ctx context.Context) error {
	w.cancel()
	select {
	case <-w.done:
	case <-ctx.Done():
		return fmt.Errorf("%s - timed out stopping %s: %w", workerLogPrefix, w.topicID, ctx.Err())
	}
	if w.hw == w.saved {
		return nil
	}
	if err := w.ing.checkpoints.Save(ctx, w.topicID, w.hw); err != nil {
		return fmt.Errorf("%s - failed to persist high-water mark for %s: %w", workerLogPrefix, w.topicID, err)
	}
	slog.Info(fmt.Sprintf("%s - stopped %s at seq=%d", workerLogPrefix, w.topicID, w.hw.Sequence))
	return nil
}

func (w *worker) setPushActive(active bool) {
	w.updateStats(func(s *Stats) { s.PushActive = active })
}

func (w *worker) updateStats(fn func(*Stats)) {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	fn(&w.stats)
}

func (w *worker) snapshot() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	s := w.stats
	s.TopicID = w.topicID
	return s
}
