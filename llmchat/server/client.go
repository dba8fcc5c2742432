package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ZanzyTHEbar/llmchat/llmchat/conversation"
	"github.com/ZanzyTHEbar/llmchat/llmchat/generation/harness"
	ports "github.com/ZanzyTHEbar/llmchat/llmchat/generation/harness/ports"
)

// ErrInvalidRequest is returned when the server rejected the request body.
var ErrInvalidRequest = errors.New("invalid request")

// Client calls a remote llmchat server. It satisfies harness.Converser, so
// the terminal UI can run against either a remote server or an in-process
// orchestrator.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for baseURL. A nil hc uses a client without a
// timeout; bound calls with the context instead.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *Client) Converse(ctx context.Context, conv conversation.Conversation) (string, error) {
	out, err := c.ConverseOutcome(ctx, conv)
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

func (c *Client) ConverseOutcome(ctx context.Context, conv conversation.Conversation) (harness.Outcome, error) {
	failed := harness.Outcome{Reason: ports.FinishFailed}

	if conv.Turns == nil {
		conv.Turns = []conversation.Turn{}
	}
	payload, err := json.Marshal(ConverseRequest{Conversation: conv})
	if err != nil {
		return failed, fmt.Errorf("%w: encode: %w", ErrInvalidRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ConversePath, bytes.NewReader(payload))
	if err != nil {
		return failed, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return failed, fmt.Errorf("%w: %w", harness.ErrInferenceFailure, ctxErr)
		}
		return failed, fmt.Errorf("%w: %w", harness.ErrModelUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return failed, fmt.Errorf("%w: read response: %w", harness.ErrInferenceFailure, err)
	}

	if resp.StatusCode == http.StatusOK {
		var ok ConverseResponse
		if err := json.Unmarshal(body, &ok); err != nil {
			return failed, fmt.Errorf("%w: decode response: %w", harness.ErrInferenceFailure, err)
		}
		return harness.Outcome{Text: ok.Reply, Reason: ports.FinishReason(ok.FinishReason)}, nil
	}

	var e ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		e.Error = strings.TrimSpace(string(body))
	}
	return failed, errorForStatus(resp.StatusCode, e.Error)
}

// errorForStatus is the inverse of statusFor.
func errorForStatus(status int, msg string) error {
	switch status {
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", harness.ErrModelUnavailable, msg)
	case http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %w: %s", harness.ErrInferenceFailure, context.DeadlineExceeded, msg)
	case http.StatusBadGateway:
		return fmt.Errorf("%w: %s", harness.ErrInferenceFailure, msg)
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, msg)
	default:
		return fmt.Errorf("unexpected status %d: %s", status, msg)
	}
}

var _ harness.Converser = (*Client)(nil)
