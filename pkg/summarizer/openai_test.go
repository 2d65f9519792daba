package summarizer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/orchestrator"
)

func responseBody(text string) string {
	return `{"id":"resp_1","object":"response","created_at":1700000000,"status":"completed","model":"gpt-4o-mini",` +
		`"output":[{"type":"message","id":"msg_1","role":"assistant","status":"completed",` +
		`"content":[{"type":"output_text","text":` + quote(text) + `,"annotations":[]}]}]}`
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestSummarize(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, responseBody("  BTC weight raised to 60%. SOL reduced.  "))
	}))
	defer srv.Close()

	c, err := New(Options{APIKey: "test", BaseURL: srv.URL, Extra: []option.RequestOption{option.WithMaxRetries(0)}})
	require.NoError(t, err)

	summary, err := c.Summarize(context.Background(), orchestrator.RebalanceExecuted{
		Type:        orchestrator.TypeRebalanceExecuted,
		ProposalID:  "p-1",
		Adjustments: map[string]int64{"BTC": 100, "SOL": -100},
		ExecutedAt:  time.Unix(1700000000, 0).UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, "BTC weight raised to 60%. SOL reduced.", summary)
	assert.True(t, strings.HasSuffix(gotPath, "/responses"), gotPath)
	assert.Contains(t, gotBody, DefaultModel)
	assert.Contains(t, gotBody, "p-1")
}

func TestSummarize_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(Options{APIKey: "test", BaseURL: srv.URL, Extra: []option.RequestOption{option.WithMaxRetries(0)}})
	require.NoError(t, err)
	_, err = c.Summarize(context.Background(), orchestrator.RebalanceExecuted{ProposalID: "p-1"})
	assert.Error(t, err)
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
