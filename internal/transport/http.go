// Package transport opens streaming calls to a generation endpoint over HTTP.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/stream-chat/internal/models"
)

// HTTP posts the conversation to a generation endpoint and hands back the streamed response body.
type HTTP struct {
	endpoint string

	client *http.Client

	logger *slog.Logger
}

// StatusError is returned when the endpoint answers with a non-success status before streaming.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

type generateRequest struct {
	Messages []models.Message `json:"messages"`
}

// ErrNoBody is returned when the endpoint accepted the request with a status that carries no body.
var ErrNoBody = errors.New("response has no body")

const maxErrorBody = 4 << 10

// NewHTTP creates an HTTP transport for endpoint. A nil client falls back to a client without a
// timeout, since replies stream for as long as the model generates.
func NewHTTP(endpoint string, client *http.Client, logger *slog.Logger) HTTP {
	if client == nil {
		client = &http.Client{}
	}
	return HTTP{
		endpoint: endpoint,
		client:   client,
		logger:   logger.With(slog.String("module", "transport")),
	}
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status: %s", e.Status)
	}
	return fmt.Sprintf("unexpected status: %s, body: %s", e.Status, e.Body)
}

// Open sends messages to the endpoint and returns the response body once the status is known.
// Cancelling ctx aborts the request at any point, including while the body is being read.
func (h HTTP) Open(ctx context.Context, messages []models.Message) (io.ReadCloser, error) {
	jsonBody, err := json.Marshal(generateRequest{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	h.logger.Debug("Request", slog.String("endpoint", h.endpoint), slog.Int("messages", len(messages)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/plain")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(bytes.TrimSpace(body)),
		}
	}
	// A 200 with an empty body is an empty reply; only statuses that forbid a body mean there is nothing
	// to stream.
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusResetContent {
		resp.Body.Close()
		return nil, ErrNoBody
	}

	return resp.Body, nil
}
