// Package summarizer writes short human-readable summaries of executed rebalances
// with an LLM.
package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/orchestrator"
)

const logPrefix = "summarizer:openai"

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

const instructions = "You summarize token index rebalances for operators. " +
	"Given pre and post balances and the mint or burn adjustments, reply with two sentences in plain text."

// Client summarizes through the OpenAI Responses API.
type Client struct {
	client *openai.Client
	model  string
}

// Options configures a Client.
type Options struct {
	APIKey  string
	Model   string
	BaseURL string
	// Extra is appended to the request options, tests use it to disable retries.
	Extra []option.RequestOption
}

// New creates a Client. The API key is required.
func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("summarizer: api key is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	reqOpts = append(reqOpts, opts.Extra...)

	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	client := openai.NewClient(reqOpts...)
	return &Client{client: &client, model: model}, nil
}

// Summarize implements orchestrator.Summarizer.
func (c *Client) Summarize(ctx context.Context, result orchestrator.RebalanceExecuted) (string, error) {
	input, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("%s - failed to encode result: %w", logPrefix, err)
	}
	resp, err := c.client.Responses.New(ctx, responses.ResponseNewParams{
		Model:        c.model,
		Instructions: openai.String(instructions),
		Input:        responses.ResponseNewParamsInputUnion{OfString: openai.String(string(input))},
	})
	if err != nil {
		return "", fmt.Errorf("%s - request failed: %w", logPrefix, err)
	}
	summary := strings.TrimSpace(resp.OutputText())
	if summary == "" {
		return "", fmt.Errorf("%s - empty response for %s", logPrefix, result.ProposalID)
	}
	slog.Debug(fmt.Sprintf("%s - summarized %s (%d chars)", logPrefix, result.ProposalID, len(summary)))
	return summary, nil
}

var _ orchestrator.Summarizer = (*Client)(nil)
