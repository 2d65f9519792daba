// Package mirror reads topic history and metadata from a mirror node REST API.
package mirror

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/ledger"
)

const logPrefix = "mirror:client"

// maxPageSize is the largest page the mirror node serves.
const maxPageSize = 100

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Options configures a Client.
type Options struct {
	BaseURL string
	// RPS throttles requests; zero disables throttling.
	RPS        float64
	Burst      int
	HTTPClient *http.Client
}

// Client implements ledger.HistoryReader and ledger.TopicAuthority over HTTP.
type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
}

// New creates a Client.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	var limiter *rate.Limiter
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	return &Client{base: strings.TrimRight(opts.BaseURL, "/"), http: hc, limiter: limiter}
}

type topicMessage struct {
	ConsensusTimestamp string `json:"consensus_timestamp"`
	Message            string `json:"message"`
	SequenceNumber     uint64 `json:"sequence_number"`
	TopicID            string `json:"topic_id"`
}

type messagesPage struct {
	Messages []topicMessage `json:"messages"`
	Links    struct {
		Next *string `json:"next"`
	} `json:"links"`
}

type topicResponse struct {
	TopicID   string `json:"topic_id"`
	SubmitKey *struct {
		Type string `json:"_type"`
		Key  string `json:"key"`
	} `json:"submit_key"`
}

// FetchAfter returns up to limit entries strictly after the given position, in
// ascending order, following the mirror's next links across pages.
func (c *Client) FetchAfter(ctx context.Context, topicID string, after hcs.Position, limit int) ([]hcs.LogEntry, error) {
	if limit <= 0 {
		limit = maxPageSize
	}
	q := url.Values{}
	q.Set("order", "asc")
	q.Set("limit", strconv.Itoa(min(limit, maxPageSize)))
	switch {
	case after.Sequence > 0:
		q.Set("sequencenumber", fmt.Sprintf("gt:%d", after.Sequence))
	case !after.ConsensusTime.IsZero():
		q.Set("timestamp", "gt:"+FormatTimestamp(after.ConsensusTime))
	}
	next := fmt.Sprintf("/api/v1/topics/%s/messages?%s", url.PathEscape(topicID), q.Encode())

	var out []hcs.LogEntry
	for next != "" && len(out) < limit {
		var page messagesPage
		if err := c.get(ctx, next, &page); err != nil {
			return out, &hcs.TransportError{Op: "poll", TopicID: topicID, Err: err}
		}
		for _, m := range page.Messages {
			e, err := toEntry(topicID, m)
			if err != nil {
				slog.Warn(fmt.Sprintf("%s - skipping message %d on %s: %v", logPrefix, m.SequenceNumber, topicID, err))
				continue
			}
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
		next = ""
		if page.Links.Next != nil && len(page.Messages) > 0 {
			next = *page.Links.Next
		}
	}
	return out, nil
}

// QueryTopicAuthorization returns the topic submit key, "" for open topics.
func (c *Client) QueryTopicAuthorization(ctx context.Context, topicID string) (string, error) {
	var t topicResponse
	if err := c.get(ctx, "/api/v1/topics/"+url.PathEscape(topicID), &t); err != nil {
		return "", err
	}
	if t.SubmitKey == nil {
		return "", nil
	}
	return ledger.NormalizePublicKey(t.SubmitKey.Key), nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}

func toEntry(topicID string, m topicMessage) (hcs.LogEntry, error) {
	raw, err := base64.StdEncoding.DecodeString(m.Message)
	if err != nil {
		return hcs.LogEntry{}, fmt.Errorf("decode message: %w", err)
	}
	ts, err := ParseTimestamp(m.ConsensusTimestamp)
	if err != nil {
		return hcs.LogEntry{}, err
	}
	if m.TopicID != "" {
		topicID = m.TopicID
	}
	return hcs.LogEntry{TopicID: topicID, SequenceNumber: m.SequenceNumber, ConsensusTime: ts, Raw: raw}, nil
}

// ParseTimestamp parses "<seconds>.<nanoseconds>".
func ParseTimestamp(s string) (time.Time, error) {
	secStr, nanoStr, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	var nanos int64
	if nanoStr != "" {
		if len(nanoStr) > 9 {
			return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
		}
		nanoStr += strings.Repeat("0", 9-len(nanoStr))
		if nanos, err = strconv.ParseInt(nanoStr, 10, 64); err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
		}
	}
	return time.Unix(sec, nanos).UTC(), nil
}

// FormatTimestamp formats t as "<seconds>.<nanoseconds>".
func FormatTimestamp(t time.Time) string {
	return fmt.Sprintf("%d.%09d", t.Unix(), t.Nanosecond())
}

var (
	_ ledger.HistoryReader  = (*Client)(nil)
	_ ledger.TopicAuthority = (*Client)(nil)
)
