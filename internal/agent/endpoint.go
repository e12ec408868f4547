package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

const (
	// PlaygroundHeader marks requests coming from a chat client rather than another agent.
	PlaygroundHeader = "x-mastra-dev-playground"

	DefaultURL = "https://millions-screeching-vultur.mastra.cloud/api/agents/weatherAgent/stream"
)

var ErrNoBody = errors.New("response has no readable body")

// Endpoint opens a streamed agent response. The caller owns the returned body
// and must close it.
type Endpoint interface {
	Stream(ctx context.Context, req *Request) (io.ReadCloser, error)
}

// StatusError is returned when the agent answers with a non-success status.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Request failed: %s", e.Status)
}

type HTTPEndpoint struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

func NewHTTPEndpoint(url string, client *http.Client, logger *zap.Logger) *HTTPEndpoint {
	if url == "" {
		url = DefaultURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPEndpoint{
		url:    url,
		client: client,
		logger: logger,
	}
}

func (e *HTTPEndpoint) Stream(ctx context.Context, req *Request) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "*/*")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(PlaygroundHeader, "true")

	e.logger.Debug("Calling agent",
		zap.String("url", e.url),
		zap.String("thread_id", req.ThreadID),
		zap.Int("messages", len(req.Messages)))

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	if resp.Body == nil {
		return nil, ErrNoBody
	}

	return resp.Body, nil
}
