// Package topicinfo memoizes, per topic, whether writes need an authorizing signature.
package topicinfo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/ledger"
)

const logPrefix = "topicinfo:cache"

// Cache holds topic write policies for the process lifetime. A topic's policy does not
// change while the process runs, so entries are only replaced by Refresh.
type Cache struct {
	authority ledger.TopicAuthority

	mu      sync.RWMutex
	entries map[string]hcs.TopicInfo
	group   singleflight.Group
}

// New creates an empty cache backed by authority.
func New(authority ledger.TopicAuthority) *Cache {
	return &Cache{
		authority: authority,
		entries:   make(map[string]hcs.TopicInfo),
	}
}

// Info returns the cached policy for topicID, querying the ledger on first use.
// Concurrent first lookups of the same topic share one query.
func (c *Cache) Info(ctx context.Context, topicID string) (hcs.TopicInfo, error) {
	c.mu.RLock()
	info, ok := c.entries[topicID]
	c.mu.RUnlock()
	if ok {
		return info, nil
	}
	return c.load(ctx, topicID)
}

// Refresh re-queries topicID and replaces the entry. A failed refresh keeps the old entry.
func (c *Cache) Refresh(ctx context.Context, topicID string) (hcs.TopicInfo, error) {
	c.group.Forget(topicID)
	return c.load(ctx, topicID)
}

// Len returns the number of cached topics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) load(ctx context.Context, topicID string) (hcs.TopicInfo, error) {
	v, err, _ := c.group.Do(topicID, func() (interface{}, error) {
		key, err := c.authority.QueryTopicAuthorization(ctx, topicID)
		if err != nil {
			return nil, &hcs.LookupError{TopicID: topicID, Err: err}
		}
		info := hcs.TopicInfo{TopicID: topicID}
		if key = ledger.NormalizePublicKey(key); key != "" {
			info.RequiresAuthorization = true
			info.AuthorizingKeyFingerprint = key
		}
		c.mu.Lock()
		c.entries[topicID] = info
		c.mu.Unlock()
		slog.Debug(fmt.Sprintf("%s - cached topic %s (requiresAuthorization=%t)", logPrefix, topicID, info.RequiresAuthorization))
		return info, nil
	})
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - lookup failed for topic %s: %v", logPrefix, topicID, err))
		return hcs.TopicInfo{}, err
	}
	return v.(hcs.TopicInfo), nil
}
