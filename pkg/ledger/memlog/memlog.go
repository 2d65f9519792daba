// Package memlog is an in-process consensus log. It assigns sequence numbers and
// consensus timestamps, enforces topic submit keys the way a real log does, and lets
// tests stall or break delivery paths.
package memlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/ledger"
)

// ErrUnknownTopic is returned by metadata queries for topics that do not exist.
var ErrUnknownTopic = errors.New("unknown topic")

type delivery struct {
	entry hcs.LogEntry
	err   error
}

// subscription delivers on its own goroutine, in order, like a network push stream.
type subscription struct {
	id      int
	log     *Log
	topicID string
	onEntry func(hcs.LogEntry)
	onError func(error)

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []delivery
	closed bool
}

func newSubscription(id int, log *Log, topicID string, onEntry func(hcs.LogEntry), onError func(error)) *subscription {
	s := &subscription{id: id, log: log, topicID: topicID, onEntry: onEntry, onError: onError}
	s.cond = sync.NewCond(&s.mu)
	go s.dispatch()
	return s
}

func (s *subscription) enqueue(d delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, d)
	s.cond.Signal()
}

func (s *subscription) dispatch() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		d := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if d.err != nil {
			if s.onError != nil {
				s.onError(d.err)
			}
			s.close()
			return
		}
		s.onEntry(d.entry)
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.queue = nil
	s.cond.Broadcast()
}

func (s *subscription) Unsubscribe() error {
	s.log.mu.Lock()
	if t, ok := s.log.topics[s.topicID]; ok {
		delete(t.subs, s.id)
	}
	s.log.mu.Unlock()
	s.close()
	return nil
}

type topic struct {
	memo      string
	submitKey string
	entries   []hcs.LogEntry
	subs      map[int]*subscription
	paused    bool
}

// Log implements ledger.Writer, TopicAuthority, TopicCreator, HistoryReader and
// LiveSubscriber.
type Log struct {
	mu        sync.Mutex
	topics    map[string]*topic
	nextTopic uint64
	nextSub   int
	lastTime  time.Time
	now       func() time.Time

	submitted  []*ledger.Transaction
	pollFaults []error
	lookupErr  error
}

// New creates an empty log. Topic ids are allocated as "0.0.<n>" from 1000.
func New() *Log {
	return &Log{
		topics:    make(map[string]*topic),
		nextTopic: 1000,
		now:       time.Now,
	}
}

// EnsureTopic registers topicID with the given submit key if it does not exist.
func (l *Log) EnsureTopic(topicID, submitKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.topics[topicID]; !ok {
		l.topics[topicID] = &topic{submitKey: ledger.NormalizePublicKey(submitKey), subs: make(map[int]*subscription)}
	}
}

// CreateTopic allocates a new topic id.
func (l *Log) CreateTopic(_ context.Context, input ledger.CreateTopicInput) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextTopic++
	id := fmt.Sprintf("0.0.%d", l.nextTopic)
	l.topics[id] = &topic{
		memo:      input.Memo,
		submitKey: ledger.NormalizePublicKey(input.SubmitKey),
		subs:      make(map[int]*subscription),
	}
	return id, nil
}

// QueryTopicAuthorization returns the topic submit key, "" for open topics.
func (l *Log) QueryTopicAuthorization(_ context.Context, topicID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lookupErr != nil {
		return "", l.lookupErr
	}
	t, ok := l.topics[topicID]
	if !ok {
		return "", fmt.Errorf("topic %s: %w", topicID, ErrUnknownTopic)
	}
	return t.submitKey, nil
}

// SubmitTransaction validates signatures against the topic submit key and appends
// the message. Unsigned transactions are frozen on submission.
func (l *Log) SubmitTransaction(_ context.Context, tx *ledger.Transaction) (hcs.Receipt, error) {
	if !tx.IsFrozen() && len(tx.Signatures) == 0 {
		if err := tx.Freeze(); err != nil {
			return hcs.Receipt{}, err
		}
	}

	l.mu.Lock()
	l.submitted = append(l.submitted, tx)
	t, ok := l.topics[tx.TopicID]
	if !ok {
		l.mu.Unlock()
		return hcs.Receipt{TransactionID: tx.ID, Status: hcs.StatusInvalidTopicID}, nil
	}
	if status := ledger.CheckAuthorization(tx, t.submitKey); status != hcs.StatusSuccess {
		l.mu.Unlock()
		return hcs.Receipt{TransactionID: tx.ID, Status: status}, nil
	}
	entry := l.appendLocked(tx.TopicID, t, tx.Message)
	l.mu.Unlock()

	return hcs.Receipt{
		TransactionID:       tx.ID,
		Status:              hcs.StatusSuccess,
		TopicSequenceNumber: entry.SequenceNumber,
		ConsensusTime:       entry.ConsensusTime,
	}, nil
}

// AppendRaw writes a message the way a peer holding its own authorization would,
// bypassing the submit key check. The topic is created open if missing.
func (l *Log) AppendRaw(topicID string, raw []byte) hcs.LogEntry {
	l.mu.Lock()
	t, ok := l.topics[topicID]
	if !ok {
		t = &topic{subs: make(map[int]*subscription)}
		l.topics[topicID] = t
	}
	entry := l.appendLocked(topicID, t, raw)
	l.mu.Unlock()
	return entry
}

func (l *Log) appendLocked(topicID string, t *topic, raw []byte) hcs.LogEntry {
	ts := l.now().UTC()
	if !ts.After(l.lastTime) {
		ts = l.lastTime.Add(time.Nanosecond)
	}
	l.lastTime = ts
	entry := hcs.LogEntry{
		TopicID:        topicID,
		SequenceNumber: uint64(len(t.entries)) + 1,
		ConsensusTime:  ts,
		Raw:            append([]byte(nil), raw...),
	}
	t.entries = append(t.entries, entry)
	if !t.paused {
		for _, s := range t.subs {
			s.enqueue(delivery{entry: entry})
		}
	}
	return entry
}

// FetchAfter returns up to limit entries after the given position.
func (l *Log) FetchAfter(_ context.Context, topicID string, after hcs.Position, limit int) ([]hcs.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pollFaults) > 0 {
		err := l.pollFaults[0]
		l.pollFaults = l.pollFaults[1:]
		return nil, err
	}
	t, ok := l.topics[topicID]
	if !ok {
		return nil, fmt.Errorf("topic %s: %w", topicID, ErrUnknownTopic)
	}
	return entriesAfter(t.entries, after, limit), nil
}

func entriesAfter(entries []hcs.LogEntry, after hcs.Position, limit int) []hcs.LogEntry {
	var out []hcs.LogEntry
	for _, e := range entries {
		if after.Sequence > 0 {
			if e.SequenceNumber <= after.Sequence {
				continue
			}
		} else if !after.ConsensusTime.IsZero() && !e.ConsensusTime.After(after.ConsensusTime) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// SubscribeLive replays entries after the given position, then streams new ones.
// Callbacks run on a goroutine owned by the subscription.
func (l *Log) SubscribeLive(_ context.Context, topicID string, after hcs.Position, onEntry func(hcs.LogEntry), onError func(error)) (ledger.Subscription, error) {
	l.mu.Lock()
	t, ok := l.topics[topicID]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("topic %s: %w", topicID, ErrUnknownTopic)
	}
	l.nextSub++
	s := newSubscription(l.nextSub, l, topicID, onEntry, onError)
	t.subs[s.id] = s
	if !t.paused {
		for _, e := range entriesAfter(t.entries, after, 0) {
			s.enqueue(delivery{entry: e})
		}
	}
	l.mu.Unlock()
	return s, nil
}

// PausePush stops live delivery on a topic without reporting an error, the way a
// stalled subscription behaves. Appends still land in history.
func (l *Log) PausePush(topicID string, paused bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.topics[topicID]; ok {
		t.paused = paused
	}
}

// BreakSubscriptions reports err to every live subscription on the topic and drops them.
func (l *Log) BreakSubscriptions(topicID string, err error) int {
	l.mu.Lock()
	t, ok := l.topics[topicID]
	var broken []*subscription
	if ok {
		for id, s := range t.subs {
			broken = append(broken, s)
			delete(t.subs, id)
		}
	}
	l.mu.Unlock()

	for _, s := range broken {
		s.enqueue(delivery{err: err})
	}
	return len(broken)
}

// FailPolls makes the next len(errs) history reads fail with the given errors.
func (l *Log) FailPolls(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pollFaults = append(l.pollFaults, errs...)
}

// FailLookups makes topic metadata queries fail with err until cleared with nil.
func (l *Log) FailLookups(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lookupErr = err
}

// Entries returns a copy of the topic history.
func (l *Log) Entries(topicID string) []hcs.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.topics[topicID]
	if !ok {
		return nil
	}
	return append([]hcs.LogEntry(nil), t.entries...)
}

// Submitted returns every transaction received, accepted or not.
func (l *Log) Submitted() []*ledger.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*ledger.Transaction(nil), l.submitted...)
}

// Subscribers returns the number of live subscriptions on a topic.
func (l *Log) Subscribers(topicID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.topics[topicID]; ok {
		return len(t.subs)
	}
	return 0
}

var (
	_ ledger.Writer         = (*Log)(nil)
	_ ledger.TopicAuthority = (*Log)(nil)
	_ ledger.TopicCreator   = (*Log)(nil)
	_ ledger.HistoryReader  = (*Log)(nil)
	_ ledger.LiveSubscriber = (*Log)(nil)
)
