package ledger

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"
)

var (
	// ErrNotFrozen is returned when signing a transaction whose body is not locked.
	ErrNotFrozen = errors.New("transaction is not frozen")
	// ErrFrozen is returned when mutating a frozen transaction.
	ErrFrozen = errors.New("transaction is frozen")
)

// SignaturePair is a signature over the frozen body with the signer's public key.
type SignaturePair struct {
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

// Transaction is a topic message write. Its fields are locked by Freeze so it can be
// signed independently by each required key.
type Transaction struct {
	ID         string          `json:"transactionId"`
	TopicID    string          `json:"topicId"`
	Message    []byte          `json:"message"`
	Memo       string          `json:"memo,omitempty"`
	ValidStart time.Time       `json:"validStart"`
	Body       []byte          `json:"body,omitempty"`
	Signatures []SignaturePair `json:"signatures,omitempty"`
}

// NewTopicMessage builds an unfrozen write paid by payerAccountID.
func NewTopicMessage(payerAccountID, topicID string, message []byte, now time.Time) *Transaction {
	now = now.UTC()
	return &Transaction{
		ID:         fmt.Sprintf("%s@%d.%09d", payerAccountID, now.Unix(), now.Nanosecond()),
		TopicID:    topicID,
		Message:    message,
		ValidStart: now,
	}
}

// IsFrozen reports whether the body has been locked.
func (t *Transaction) IsFrozen() bool { return len(t.Body) > 0 }

// SetMemo sets the transaction memo.
func (t *Transaction) SetMemo(memo string) error {
	if t.IsFrozen() {
		return ErrFrozen
	}
	t.Memo = memo
	return nil
}

// Freeze locks the body bytes that signatures cover. Freezing twice is a no-op.
func (t *Transaction) Freeze() error {
	if t.IsFrozen() {
		return nil
	}
	body, err := t.encodeBody()
	if err != nil {
		return fmt.Errorf("freeze transaction %s: %w", t.ID, err)
	}
	t.Body = body
	return nil
}

// encodeBody renders the fields a frozen body must reflect.
func (t *Transaction) encodeBody() ([]byte, error) {
	return json.Marshal(struct {
		ID         string    `json:"transactionId"`
		TopicID    string    `json:"topicId"`
		Message    []byte    `json:"message"`
		Memo       string    `json:"memo"`
		ValidStart time.Time `json:"validStart"`
	}{t.ID, t.TopicID, t.Message, t.Memo, t.ValidStart})
}

// matchesBody reports whether the fields still encode to the frozen body.
func (t *Transaction) matchesBody() bool {
	body, err := t.encodeBody()
	return err == nil && bytes.Equal(body, t.Body)
}

// Sign adds a signature by cred. The transaction must be frozen; signing twice with
// the same key keeps one signature.
func (t *Transaction) Sign(cred Credential) error {
	if !t.IsFrozen() {
		return ErrNotFrozen
	}
	if cred.IsZero() {
		return errors.New("sign: empty credential")
	}
	fp := cred.Fingerprint()
	for _, s := range t.Signatures {
		if s.PublicKey == fp {
			return nil
		}
	}
	t.Signatures = append(t.Signatures, SignaturePair{
		PublicKey: fp,
		Signature: hex.EncodeToString(cred.Sign(t.Body)),
	})
	return nil
}

// CheckAuthorization is the log-side rule for a topic with the given submit key. A
// frozen body must match the fields it claims to cover, every attached signature
// must verify over it, and when submitKey is set one of them must come from it.
func CheckAuthorization(tx *Transaction, submitKey string) hcs.Status {
	if len(tx.Signatures) > 0 && !tx.IsFrozen() {
		return hcs.StatusInvalidTransaction
	}
	if tx.IsFrozen() && !tx.matchesBody() {
		return hcs.StatusInvalidTransaction
	}
	for _, s := range tx.Signatures {
		if !verifyPair(tx.Body, s) {
			return hcs.StatusInvalidSignature
		}
	}
	submitKey = NormalizePublicKey(submitKey)
	if submitKey == "" {
		return hcs.StatusSuccess
	}
	for _, s := range tx.Signatures {
		if NormalizePublicKey(s.PublicKey) == submitKey {
			return hcs.StatusSuccess
		}
	}
	return hcs.StatusInvalidSignature
}

func verifyPair(body []byte, s SignaturePair) bool {
	pub, err := hex.DecodeString(NormalizePublicKey(s.PublicKey))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(s.Signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), body, sig)
}
