// Package submitter publishes envelopes to topics, choosing between a direct write and
// a freeze-then-co-sign write from the topic's authorization requirement.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/ledger"
)

const logPrefix = "submitter:submitter"

// ErrNoMatchingCredential means the topic requires a key that no local credential
// holds. Nothing is submitted.
var ErrNoMatchingCredential = errors.New("no local credential matches the topic authorization key")

// TopicInfoSource supplies topic write policies.
type TopicInfoSource interface {
	Info(ctx context.Context, topicID string) (hcs.TopicInfo, error)
}

// Options configures a Submitter.
type Options struct {
	// PayerAccountID prefixes transaction ids.
	PayerAccountID string
	// Operator signs co-signed writes to open topics.
	Operator ledger.Credential
	// Keyring holds every local credential, the operator included.
	Keyring *ledger.Keyring
	// Limiter throttles submissions when set.
	Limiter *rate.Limiter
	Now     func() time.Time
}

type mode int

const (
	modeAuto mode = iota
	modeDirect
	modeCoSigned
)

// Submitter publishes envelopes. Each call derives its own signing decision, so
// calls may run concurrently.
type Submitter struct {
	writer  ledger.Writer
	topics  TopicInfoSource
	payer   string
	keyring *ledger.Keyring
	limiter *rate.Limiter
	now     func() time.Time
	opKey   ledger.Credential
}

// New creates a Submitter.
func New(writer ledger.Writer, topics TopicInfoSource, opts Options) *Submitter {
	keyring := opts.Keyring
	if keyring == nil {
		keyring = ledger.NewKeyring()
	}
	keyring.Add(opts.Operator)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Submitter{
		writer:  writer,
		topics:  topics,
		payer:   opts.PayerAccountID,
		keyring: keyring,
		limiter: opts.Limiter,
		now:     now,
		opKey:   opts.Operator,
	}
}

// Publish writes env to topicID using the shape the topic requires and classifies the
// receipt. Rejections are returned to the caller and never retried here.
func (s *Submitter) Publish(ctx context.Context, topicID string, env *hcs.Envelope) (hcs.Receipt, error) {
	return s.publish(ctx, topicID, env, modeAuto)
}

// PublishDirect writes env unsigned regardless of the topic policy.
func (s *Submitter) PublishDirect(ctx context.Context, topicID string, env *hcs.Envelope) (hcs.Receipt, error) {
	return s.publish(ctx, topicID, env, modeDirect)
}

// PublishCoSigned always freezes and co-signs, with the topic's key when it has one
// and the operator credential otherwise.
func (s *Submitter) PublishCoSigned(ctx context.Context, topicID string, env *hcs.Envelope) (hcs.Receipt, error) {
	return s.publish(ctx, topicID, env, modeCoSigned)
}

func (s *Submitter) publish(ctx context.Context, topicID string, env *hcs.Envelope, m mode) (hcs.Receipt, error) {
	payload, err := env.Encode()
	if err != nil {
		return hcs.Receipt{}, fmt.Errorf("%s - failed to encode %s envelope: %w", logPrefix, env.Op, err)
	}

	info, err := s.topics.Info(ctx, topicID)
	if err != nil {
		return hcs.Receipt{}, err
	}

	tx := ledger.NewTopicMessage(s.payer, topicID, payload, s.now())
	sign := m == modeCoSigned || (m == modeAuto && info.RequiresAuthorization)
	if sign {
		cred, err := s.credentialFor(info)
		if err != nil {
			return hcs.Receipt{}, err
		}
		if err := tx.Freeze(); err != nil {
			return hcs.Receipt{}, fmt.Errorf("%s - %w", logPrefix, err)
		}
		if err := tx.Sign(cred); err != nil {
			return hcs.Receipt{}, fmt.Errorf("%s - failed to co-sign %s: %w", logPrefix, tx.ID, err)
		}
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return hcs.Receipt{}, fmt.Errorf("%s - rate limiter: %w", logPrefix, err)
		}
	}

	receipt, err := s.writer.SubmitTransaction(ctx, tx)
	if err != nil {
		var transport *hcs.TransportError
		if errors.As(err, &transport) {
			return hcs.Receipt{}, err
		}
		return hcs.Receipt{}, &hcs.TransportError{Op: "submit", TopicID: topicID, Err: err}
	}
	if receipt.TransactionID == "" {
		receipt.TransactionID = tx.ID
	}
	return classify(topicID, env.Op, sign, receipt)
}

// credentialFor picks the local key for a co-signed write. The topic's advertised key
// is a public key and is only used to find the matching local credential.
func (s *Submitter) credentialFor(info hcs.TopicInfo) (ledger.Credential, error) {
	if !info.RequiresAuthorization {
		if s.opKey.IsZero() {
			return ledger.Credential{}, fmt.Errorf("%s - no operator credential configured", logPrefix)
		}
		return s.opKey, nil
	}
	cred, ok := s.keyring.Lookup(info.AuthorizingKeyFingerprint)
	if !ok {
		slog.Error(fmt.Sprintf("%s - topic %s requires key %s which no local credential holds", logPrefix, info.TopicID, info.AuthorizingKeyFingerprint))
		return ledger.Credential{}, &hcs.AuthorizationRejectedError{TopicID: info.TopicID, Err: ErrNoMatchingCredential}
	}
	return cred, nil
}

func classify(topicID string, op hcs.Operation, signed bool, receipt hcs.Receipt) (hcs.Receipt, error) {
	switch {
	case receipt.Status == hcs.StatusSuccess:
		slog.Debug(fmt.Sprintf("%s - published %s to %s (seq=%d, signed=%t)", logPrefix, op, topicID, receipt.TopicSequenceNumber, signed))
		return receipt, nil
	case receipt.Status.IsAuthorization():
		slog.Error(fmt.Sprintf("%s - authorization rejected publishing %s to %s (tx=%s, signed=%t)", logPrefix, op, topicID, receipt.TransactionID, signed))
		return receipt, &hcs.AuthorizationRejectedError{TopicID: topicID, TransactionID: receipt.TransactionID, Status: receipt.Status}
	default:
		slog.Warn(fmt.Sprintf("%s - write rejected publishing %s to %s (tx=%s, status=%s)", logPrefix, op, topicID, receipt.TransactionID, receipt.Status))
		return receipt, &hcs.RejectedError{TopicID: topicID, TransactionID: receipt.TransactionID, Status: receipt.Status}
	}
}
