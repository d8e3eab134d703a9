// Package llm adapts the Anthropic Messages API to the orchestrator's
// envelope. The model replies with a small JSON object carrying the
// customer-facing message, a dialogue action, and any extracted booking
// fields; this package sends requests and parses that envelope.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// Message is one turn of conversation history sent to the model.
type Message struct {
	Role    string `json:"role"` // user or assistant
	Content string `json:"content"`
}

// Request is a fully resolved completion request: the cost optimizer has
// already chosen the model and trimmed the history.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Response is a parsed completion. Action is always one of the six dialogue
// actions; when the model's envelope is malformed it degrades to "continue"
// with the raw text as the message.
type Response struct {
	Message       string            `json:"message"`
	Action        string            `json:"action"`
	ExtractedData map[string]string `json:"extractedData"`
	Model         string            `json:"-"`
	Usage         Usage             `json:"-"`
	CostUSD       float64           `json:"-"`
	DurationMs    int64             `json:"-"`
}

// APIError wraps an upstream HTTP failure from the Anthropic API so the
// reliability layer can classify it by status code.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("anthropic api: status %d: %s", e.Status, e.Message)
}

// HTTPStatus reports the upstream status code.
func (e *APIError) HTTPStatus() int { return e.Status }

// Client is the completion interface the engine depends on. Tests substitute
// a fake; production uses AnthropicClient.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// AnthropicClient calls the Anthropic Messages API. The SDK reads
// ANTHROPIC_API_KEY from the environment.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient constructs a client using ambient credentials.
func NewAnthropicClient() *AnthropicClient {
	return &AnthropicClient{client: anthropic.NewClient()}
}

// Complete sends one completion request and parses the JSON envelope from
// the model's reply.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		System: []anthropic.TextBlockParam{
			{Text: req.System},
		},
		Temperature: anthropic.Float(req.Temperature),
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		var apierr *anthropic.Error
		if errors.As(err, &apierr) {
			return nil, &APIError{Status: apierr.StatusCode, Message: apierr.Error()}
		}
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, fmt.Errorf("no text block in response")
	}

	resp := ParseEnvelope(text)
	resp.Model = req.Model
	resp.Usage = Usage{InputTokens: msg.Usage.InputTokens, OutputTokens: msg.Usage.OutputTokens}
	resp.CostUSD = EstimateCost(req.Model, msg.Usage.InputTokens, msg.Usage.OutputTokens)
	resp.DurationMs = time.Since(start).Milliseconds()
	return resp, nil
}

// validActions is the closed set of dialogue actions the engine understands.
var validActions = map[string]bool{
	"continue":           true,
	"collect_info":       true,
	"check_availability": true,
	"confirm":            true,
	"book_appointment":   true,
	"escalate":           true,
}

// ParseEnvelope decodes the model's JSON reply. Models occasionally wrap the
// object in markdown fences or prose; the parser extracts the outermost
// object before decoding. Anything unparseable degrades to a plain
// "continue" message so one bad completion never fails a turn.
func ParseEnvelope(text string) *Response {
	raw := strings.TrimSpace(text)
	if i := strings.Index(raw, "{"); i >= 0 {
		if j := strings.LastIndex(raw, "}"); j > i {
			raw = raw[i : j+1]
		}
	}

	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil || resp.Message == "" {
		return &Response{Message: strings.TrimSpace(text), Action: "continue"}
	}
	if !validActions[resp.Action] {
		resp.Action = "continue"
	}
	return &resp
}

// Per-million-token prices in USD. Unknown models fall back to the balanced
// tier so cost tracking errs high rather than silently undercounting.
type modelPrice struct {
	inputPerM  float64
	outputPerM float64
}

// Default model ids for the two routing tiers.
const (
	ModelFast     = "claude-3-5-haiku-20241022"
	ModelBalanced = "claude-sonnet-4-20250514"
	DefaultModel  = ModelBalanced
)

var modelPrices = map[string]modelPrice{
	"claude-3-5-haiku-20241022":  {inputPerM: 0.80, outputPerM: 4.00},
	"claude-3-haiku-20240307":    {inputPerM: 0.25, outputPerM: 1.25},
	"claude-sonnet-4-20250514":   {inputPerM: 3.00, outputPerM: 15.00},
	"claude-3-5-sonnet-20241022": {inputPerM: 3.00, outputPerM: 15.00},
}

var defaultPrice = modelPrice{inputPerM: 3.00, outputPerM: 15.00}

// EstimateCost converts token usage to USD for a model.
func EstimateCost(model string, inputTokens, outputTokens int64) float64 {
	price, ok := modelPrices[model]
	if !ok {
		price = defaultPrice
	}
	return float64(inputTokens)/1e6*price.inputPerM + float64(outputTokens)/1e6*price.outputPerM
}

// EstimateTokens approximates token count from text length. One token per
// four characters, matching the budget enforcer's accounting.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
