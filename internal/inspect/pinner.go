package inspect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPPinner calls the session router's pin endpoint.
type HTTPPinner struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPPinner(baseURL, apiKey string) *HTTPPinner {
	return &HTTPPinner{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 2 * time.Second},
	}
}

func (p *HTTPPinner) Pin(ctx context.Context, sessionID, clientIP, reason string, tags []string) error {
	body, err := json.Marshal(map[string]any{
		"session_id": sessionID,
		"client_ip":  clientIP,
		"reason":     reason,
		"tags":       tags,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/pin", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("X-API-Key", p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("pin request returned %d", resp.StatusCode)
	}
	return nil
}
