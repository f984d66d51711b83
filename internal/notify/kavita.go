package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Scanner asks a media server to pick up newly written archives.
type Scanner interface {
	Scan(ctx context.Context) error
}

// KavitaClient triggers library scans on a Kavita server so fresh chapters
// show up without waiting for its periodic scan.
type KavitaClient struct {
	baseURL string
	apiKey  string
	client  *http.Client

	mu    sync.Mutex
	token string
}

// NewKavitaClient creates a scan client for the given Kavita server.
func NewKavitaClient(baseURL, apiKey string) *KavitaClient {
	return &KavitaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Scan triggers a scan of all libraries. The plugin token is fetched on
// first use and refreshed once on an auth failure.
func (k *KavitaClient) Scan(ctx context.Context) error {
	token, err := k.authToken(ctx, false)
	if err != nil {
		return err
	}

	status, err := k.postScan(ctx, token)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		if token, err = k.authToken(ctx, true); err != nil {
			return err
		}
		if status, err = k.postScan(ctx, token); err != nil {
			return err
		}
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("kavita scan returned status %d", status)
	}
	return nil
}

func (k *KavitaClient) postScan(ctx context.Context, token string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		k.baseURL+"/api/Library/scan-all", bytes.NewReader([]byte("{}")))
	if err != nil {
		return 0, fmt.Errorf("failed to create kavita scan request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := k.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to trigger kavita scan: %w", err)
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func (k *KavitaClient) authToken(ctx context.Context, refresh bool) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.token != "" && !refresh {
		return k.token, nil
	}

	target := fmt.Sprintf("%s/api/Plugin/authenticate?apiKey=%s&pluginName=inkhound", k.baseURL, k.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create kavita auth request: %w", err)
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to authenticate with kavita: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("kavita authentication returned status %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode kavita auth response: %w", err)
	}
	if body.Token == "" {
		return "", fmt.Errorf("kavita returned an empty token")
	}
	k.token = body.Token
	return k.token, nil
}
