package memlog

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/ledger"
)

func TestLog_EnforcesSubmitKey(t *testing.T) {
	ctx := context.Background()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	owner := ledger.NewCredential(priv)

	log := New()
	topicID, err := log.CreateTopic(ctx, ledger.CreateTopicInput{SubmitKey: owner.Fingerprint()})
	require.NoError(t, err)

	unsigned := ledger.NewTopicMessage("0.0.1", topicID, []byte("a"), time.Now())
	receipt, err := log.SubmitTransaction(ctx, unsigned)
	require.NoError(t, err)
	assert.Equal(t, hcs.StatusInvalidSignature, receipt.Status)

	signed := ledger.NewTopicMessage("0.0.1", topicID, []byte("b"), time.Now())
	require.NoError(t, signed.Freeze())
	require.NoError(t, signed.Sign(owner))
	receipt, err = log.SubmitTransaction(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, hcs.StatusSuccess, receipt.Status)
	assert.Equal(t, uint64(1), receipt.TopicSequenceNumber)

	assert.Len(t, log.Entries(topicID), 1)
	assert.Len(t, log.Submitted(), 2)
}

func TestLog_RejectsFieldsChangedAfterSigning(t *testing.T) {
	ctx := context.Background()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	owner := ledger.NewCredential(priv)

	log := New()
	keyed, err := log.CreateTopic(ctx, ledger.CreateTopicInput{SubmitKey: owner.Fingerprint()})
	require.NoError(t, err)
	other, err := log.CreateTopic(ctx, ledger.CreateTopicInput{SubmitKey: owner.Fingerprint()})
	require.NoError(t, err)

	sign := func() *ledger.Transaction {
		tx := ledger.NewTopicMessage("0.0.1", keyed, []byte("approved"), time.Now())
		require.NoError(t, tx.Freeze())
		require.NoError(t, tx.Sign(owner))
		return tx
	}

	forged := sign()
	forged.Message = []byte("forged")
	receipt, err := log.SubmitTransaction(ctx, forged)
	require.NoError(t, err)
	assert.Equal(t, hcs.StatusInvalidTransaction, receipt.Status)

	redirected := sign()
	redirected.TopicID = other
	receipt, err = log.SubmitTransaction(ctx, redirected)
	require.NoError(t, err)
	assert.Equal(t, hcs.StatusInvalidTransaction, receipt.Status)

	assert.Empty(t, log.Entries(keyed))
	assert.Empty(t, log.Entries(other))
}

func TestLog_UnknownTopic(t *testing.T) {
	log := New()
	receipt, err := log.SubmitTransaction(context.Background(), ledger.NewTopicMessage("0.0.1", "0.0.404", nil, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, hcs.StatusInvalidTopicID, receipt.Status)

	_, err = log.QueryTopicAuthorization(context.Background(), "0.0.404")
	assert.ErrorIs(t, err, ErrUnknownTopic)
}

func TestLog_FetchAfterAndSubscribe(t *testing.T) {
	ctx := context.Background()
	log := New()
	for i := 0; i < 5; i++ {
		log.AppendRaw("0.0.7", []byte{byte('a' + i)})
	}

	page, err := log.FetchAfter(ctx, "0.0.7", hcs.Position{Sequence: 2}, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(3), page[0].SequenceNumber)
	assert.Equal(t, uint64(4), page[1].SequenceNumber)

	byTime, err := log.FetchAfter(ctx, "0.0.7", hcs.Position{ConsensusTime: page[1].ConsensusTime}, 0)
	require.NoError(t, err)
	require.Len(t, byTime, 1)
	assert.Equal(t, uint64(5), byTime[0].SequenceNumber)

	var mu sync.Mutex
	var got []uint64
	sub, err := log.SubscribeLive(ctx, "0.0.7", hcs.Position{Sequence: 4}, func(e hcs.LogEntry) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.SequenceNumber)
	}, nil)
	require.NoError(t, err)
	log.AppendRaw("0.0.7", []byte("f"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []uint64{5, 6}, got)
	mu.Unlock()

	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, log.Subscribers("0.0.7"))
}

func TestLog_FaultInjection(t *testing.T) {
	ctx := context.Background()
	log := New()
	log.EnsureTopic("0.0.9", "")

	boom := errors.New("boom")
	log.FailPolls(boom)
	_, err := log.FetchAfter(ctx, "0.0.9", hcs.Position{}, 0)
	assert.ErrorIs(t, err, boom)
	_, err = log.FetchAfter(ctx, "0.0.9", hcs.Position{}, 0)
	assert.NoError(t, err)

	broke := make(chan error, 1)
	_, err = log.SubscribeLive(ctx, "0.0.9", hcs.Position{}, func(hcs.LogEntry) {}, func(err error) { broke <- err })
	require.NoError(t, err)
	assert.Equal(t, 1, log.BreakSubscriptions("0.0.9", boom))
	select {
	case got := <-broke:
		assert.ErrorIs(t, got, boom)
	case <-time.After(time.Second):
		t.Fatal("onError not called")
	}

	var delivered atomic.Int32
	_, err = log.SubscribeLive(ctx, "0.0.9", hcs.Position{}, func(hcs.LogEntry) { delivered.Add(1) }, nil)
	require.NoError(t, err)
	log.PausePush("0.0.9", true)
	log.AppendRaw("0.0.9", []byte("x"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), delivered.Load())
	assert.Len(t, log.Entries("0.0.9"), 1)
}
