package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"
)

func TestDecode(t *testing.T) {
	pos, ok, err := decode("42", "1700000000000000005")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(42), pos.Sequence)
	assert.Equal(t, time.Unix(1700000000, 5).UTC(), pos.ConsensusTime)

	pos, ok, err = decode("7", "0")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, pos.ConsensusTime.IsZero())

	_, _, err = decode("x", nil)
	assert.Error(t, err)
}

// TestStore_Integration requires a running Redis and is skipped without one.
func TestStore_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	ctx := context.Background()
	store, err := Dial(ctx, addr, "", 0)
	if err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer store.Close()

	store.prefix = "hcs:test:" + uuid.NewString() + ":"
	topic := "0.0.1234"
	t.Cleanup(func() { store.client.Del(context.Background(), store.key(topic)) })

	_, found, err := store.Load(ctx, topic)
	require.NoError(t, err)
	assert.False(t, found)

	mark := hcs.Position{Sequence: 10, ConsensusTime: time.Unix(1700000000, 10).UTC()}
	require.NoError(t, store.Save(ctx, topic, mark))
	require.NoError(t, store.Save(ctx, topic, hcs.Position{Sequence: 3}))

	got, found, err := store.Load(ctx, topic)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, mark, got)
}
