package convai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Default ElevenLabs endpoints.
const (
	DefaultAPIBaseURL = "https://api.elevenlabs.io"
	DefaultWSBaseURL  = "wss://api.elevenlabs.io"
)

// Endpoint describes how to reach one agent. The connection URL is resolved
// in order of preference: a pre-signed URL, a signed URL requested with the
// API key, or the public agent URL.
type Endpoint struct {
	AgentID    string
	SignedURL  string
	APIKey     string
	APIBaseURL string
	WSBaseURL  string
}

func (ep Endpoint) resolve(ctx context.Context, hc *http.Client) (string, error) {
	if ep.SignedURL != "" {
		return ep.SignedURL, nil
	}
	if ep.AgentID == "" {
		return "", fmt.Errorf("agent id is required")
	}
	if ep.APIKey != "" {
		return fetchSignedURL(ctx, hc, ep)
	}

	base := strings.TrimRight(ep.WSBaseURL, "/")
	if base == "" {
		base = DefaultWSBaseURL
	}
	return base + "/v1/convai/conversation?agent_id=" + url.QueryEscape(ep.AgentID), nil
}

func fetchSignedURL(ctx context.Context, hc *http.Client, ep Endpoint) (string, error) {
	base := strings.TrimRight(ep.APIBaseURL, "/")
	if base == "" {
		base = DefaultAPIBaseURL
	}
	endpoint := base + "/v1/convai/conversation/get-signed-url?agent_id=" + url.QueryEscape(ep.AgentID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", ep.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("request signed url: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("request signed url: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to parse signed url response: %w", err)
	}
	if out.SignedURL == "" {
		return "", fmt.Errorf("signed url response is empty")
	}
	return out.SignedURL, nil
}
