package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

const defaultMaxOutputTokens = 4096

// TurnMessage is one entry of the model context, already flattened to text.
// Attachment content is inlined upstream; providers never see files.
type TurnMessage struct {
	Role string // system|user|assistant
	Text string
}

type TurnRequest struct {
	Model           string
	Messages        []TurnMessage
	MaxOutputTokens int
}

const StreamEventTextDelta = "text_delta"

// StreamEvent is emitted synchronously from the provider's stream loop, so
// callers observe deltas in exact arrival order.
type StreamEvent struct {
	Type string
	Text string
}

type TurnUsage struct {
	InputTokens  int64
	OutputTokens int64
}

type TurnResult struct {
	// Text is the authoritative final text as reported by the provider; it
	// supersedes whatever the caller accumulated from deltas.
	Text         string
	FinishReason string
	Usage        TurnUsage
}

// Provider streams one model turn. Implementations return only after the
// stream is fully drained or failed; onEvent is never called concurrently.
type Provider interface {
	StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error)
}

func emitProviderEvent(onEvent func(StreamEvent), event StreamEvent) {
	if onEvent != nil {
		onEvent(event)
	}
}

func newProviderAdapter(providerType string, baseURL string, apiKey string) (Provider, error) {
	providerType = strings.ToLower(strings.TrimSpace(providerType))
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	switch providerType {
	case "openai", "openai_compatible":
		opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
		if strings.TrimSpace(baseURL) != "" {
			opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
		}
		return &openAIProvider{client: openai.NewClient(opts...)}, nil
	case "anthropic":
		opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
		if strings.TrimSpace(baseURL) != "" {
			opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
		}
		return &anthropicProvider{client: anthropic.NewClient(opts...)}, nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", providerType)
	}
}

func collectSystemPrompt(messages []TurnMessage) string {
	parts := make([]string, 0, 2)
	for _, msg := range messages {
		if strings.ToLower(strings.TrimSpace(msg.Role)) != "system" {
			continue
		}
		if txt := strings.TrimSpace(msg.Text); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, "\n\n")
}
