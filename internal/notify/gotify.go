package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// GotifySink pushes notifications to a Gotify server.
type GotifySink struct {
	serverURL string
	token     string
	client    *http.Client
}

// NewGotifySink creates a Gotify sink for the given server and app token.
func NewGotifySink(serverURL, token string) *GotifySink {
	return &GotifySink{
		serverURL: strings.TrimRight(serverURL, "/"),
		token:     token,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *GotifySink) Name() string { return "gotify" }

type gotifyMessage struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	Priority int    `json:"priority"`
}

// Send posts the notification as a Gotify message. Failures get higher
// priority so they surface on the user's devices.
func (s *GotifySink) Send(ctx context.Context, n Notification) error {
	priority := 4
	if n.Kind == KindDownloadFailed {
		priority = 8
	}

	payload, err := json.Marshal(gotifyMessage{
		Title:    n.Title,
		Message:  n.Message,
		Priority: priority,
	})
	if err != nil {
		return fmt.Errorf("failed to encode gotify message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.serverURL+"/message?token="+s.token, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create gotify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send gotify message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gotify returned status %d", resp.StatusCode)
	}
	return nil
}
