package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIEndpoint serves the agent protocol from an OpenAI compatible chat
// completions API. Each streamed chunk is written to the body as one JSON
// line, which the stream decoder reads through its choices shape.
type OpenAIEndpoint struct {
	client    *openai.Client
	model     string
	maxTokens int
	logger    *zap.Logger
}

func NewOpenAIEndpoint(apiKey, baseURL, model string, maxTokens int, logger *zap.Logger) *OpenAIEndpoint {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIEndpoint{
		client:    openai.NewClientWithConfig(cfg),
		model:     model,
		maxTokens: maxTokens,
		logger:    logger,
	}
}

func (e *OpenAIEndpoint) Stream(ctx context.Context, req *Request) (io.ReadCloser, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	stream, err := e.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       e.model,
		Messages:    messages,
		MaxTokens:   e.maxTokens,
		Temperature: float32(req.Temperature),
		TopP:        float32(req.TopP),
		User:        req.ThreadID,
		Stream:      true,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
			return nil, &StatusError{Code: apiErr.HTTPStatusCode, Status: fmt.Sprintf("%d %s", apiErr.HTTPStatusCode, apiErr.Message)}
		}
		return nil, fmt.Errorf("openai stream failed: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer stream.Close()
		enc := json.NewEncoder(pw)
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				pw.Close()
				return
			}
			if err != nil {
				e.logger.Error("Failed to receive OpenAI chunk",
					zap.Error(err),
					zap.String("thread_id", req.ThreadID))
				pw.CloseWithError(err)
				return
			}
			if err := enc.Encode(resp); err != nil {
				// reader went away
				pw.CloseWithError(err)
				return
			}
		}
	}()

	return pr, nil
}
