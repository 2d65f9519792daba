// Package redisstore keeps ingestion high-water marks in Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/ingest"
)

const logPrefix = "redisstore:store"

// DefaultPrefix namespaces checkpoint keys.
const DefaultPrefix = "hcs:checkpoint:"

// saveScript writes a mark only when it does not move the stored one backwards.
// KEYS[1] = checkpoint key
// ARGV[1] = sequence number
// ARGV[2] = consensus time, unix nanoseconds
var saveScript = redis.NewScript(`
local key = KEYS[1]
local seq = tonumber(ARGV[1])
local ts = tonumber(ARGV[2])

local state = redis.call("HMGET", key, "seq", "ts")
local curSeq = tonumber(state[1])
local curTs = tonumber(state[2])

if curSeq and seq < curSeq then
    return 0
end
if curSeq and seq == curSeq and curTs and ts < curTs then
    return 0
end

redis.call("HSET", key, "seq", ARGV[1], "ts", ARGV[2])
return 1
`)

// Store implements ingest.Checkpointer.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New creates a store on an existing client.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%s - failed to reach redis at %s: %w", logPrefix, addr, err)
	}
	return New(rdb, ""), nil
}

func (s *Store) key(topicID string) string {
	return s.prefix + topicID
}

// Load returns the stored mark for topicID.
func (s *Store) Load(ctx context.Context, topicID string) (hcs.Position, bool, error) {
	vals, err := s.client.HMGet(ctx, s.key(topicID), "seq", "ts").Result()
	if errors.Is(err, redis.Nil) {
		return hcs.Position{}, false, nil
	}
	if err != nil {
		return hcs.Position{}, false, fmt.Errorf("%s - failed to load %s: %w", logPrefix, topicID, err)
	}
	if len(vals) != 2 || vals[0] == nil {
		return hcs.Position{}, false, nil
	}
	return decode(vals[0], vals[1])
}

// Save stores pos unless a later mark is already stored.
func (s *Store) Save(ctx context.Context, topicID string, pos hcs.Position) error {
	var ts int64
	if !pos.ConsensusTime.IsZero() {
		ts = pos.ConsensusTime.UnixNano()
	}
	if err := saveScript.Run(ctx, s.client, []string{s.key(topicID)}, pos.Sequence, ts).Err(); err != nil {
		return fmt.Errorf("%s - failed to save %s: %w", logPrefix, topicID, err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func decode(seqVal, tsVal any) (hcs.Position, bool, error) {
	seqStr, _ := seqVal.(string)
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return hcs.Position{}, false, fmt.Errorf("%s - corrupt sequence %v: %w", logPrefix, seqVal, err)
	}
	pos := hcs.Position{Sequence: seq}
	if tsStr, ok := tsVal.(string); ok && tsStr != "" && tsStr != "0" {
		ns, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			return hcs.Position{}, false, fmt.Errorf("%s - corrupt timestamp %v: %w", logPrefix, tsVal, err)
		}
		pos.ConsensusTime = time.Unix(0, ns).UTC()
	}
	return pos, true, nil
}

var _ ingest.Checkpointer = (*Store)(nil)
