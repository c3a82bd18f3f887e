// Package sdk is the Go client for the Cerberus defense platform. It talks
// to the gatekeeper (inspection and rules), the switch (session routing)
// and the sentinel (profiles, simulations, rule proposals).
//
// Quick start:
//
//	client := sdk.NewClient(sdk.Config{
//	    GatekeeperURL: "http://localhost:8000",
//	    SwitchURL:     "http://localhost:8001",
//	    SentinelURL:   "http://localhost:8003",
//	    Token:         os.Getenv("CERBERUS_TOKEN"),
//	})
//
//	decision, err := client.Inspect(ctx, sdk.InspectRequest{
//	    Method:    "GET",
//	    URL:       "/search?q=' OR '1'='1",
//	    ClientIP:  "203.0.113.7",
//	    SessionID: "sess_abc",
//	})
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the SDK configuration. Any service URL may be empty if that
// service is not used.
type Config struct {
	GatekeeperURL string
	SwitchURL     string
	SentinelURL   string

	// Token is the bearer token attached to authenticated endpoints.
	Token string

	// Timeout for one API call. Default 30s.
	Timeout time.Duration

	// HTTPClient overrides the default client, e.g. for mTLS transports.
	HTTPClient *http.Client
}

// Client is the Cerberus API client. Safe for concurrent use.
type Client struct {
	config Config
	http   *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{config: cfg, http: httpClient}
}

// APIError is a non-2xx response from a Cerberus service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cerberus: %d %s", e.StatusCode, e.Message)
}

// Inspect submits one request for a verdict.
func (c *Client) Inspect(ctx context.Context, req InspectRequest) (*Decision, error) {
	var out Decision
	if err := c.do(ctx, http.MethodPost, c.config.GatekeeperURL+"/inspect", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateRule admits a rule into the gatekeeper's active set.
func (c *Client) CreateRule(ctx context.Context, rule Rule) error {
	return c.do(ctx, http.MethodPost, c.config.GatekeeperURL+"/rules", rule, nil)
}

// ListRules returns the enabled rule set.
func (c *Client) ListRules(ctx context.Context) ([]Rule, error) {
	var out struct {
		Rules []Rule `json:"rules"`
	}
	if err := c.do(ctx, http.MethodGet, c.config.GatekeeperURL+"/rules", nil, &out); err != nil {
		return nil, err
	}
	return out.Rules, nil
}

// GetRule fetches one rule by id.
func (c *Client) GetRule(ctx context.Context, ruleID string) (*Rule, error) {
	var out Rule
	err := c.do(ctx, http.MethodGet,
		c.config.GatekeeperURL+"/rules/"+url.PathEscape(ruleID), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteRule removes a rule from the active set.
func (c *Client) DeleteRule(ctx context.Context, ruleID string) error {
	return c.do(ctx, http.MethodDelete,
		c.config.GatekeeperURL+"/rules/"+url.PathEscape(ruleID), nil, nil)
}

// Pin routes a session to the decoy environment for its TTL.
func (c *Client) Pin(ctx context.Context, req PinRequest) (*PinResponse, error) {
	var out PinResponse
	if err := c.do(ctx, http.MethodPost, c.config.SwitchURL+"/pin", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Unpin removes all pins for a session.
func (c *Client) Unpin(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete,
		c.config.SwitchURL+"/pin/"+url.PathEscape(sessionID), nil, nil)
}

// Route asks the switch where a request should be sent.
func (c *Client) Route(ctx context.Context, req RouteRequest) (*RouteResponse, error) {
	var out RouteResponse
	if err := c.do(ctx, http.MethodPost, c.config.SwitchURL+"/route", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Profiles lists the attacker profiles the sentinel has built.
func (c *Client) Profiles(ctx context.Context) ([]Profile, error) {
	var out struct {
		Profiles []Profile `json:"profiles"`
	}
	if err := c.do(ctx, http.MethodGet, c.config.SentinelURL+"/profiles", nil, &out); err != nil {
		return nil, err
	}
	return out.Profiles, nil
}

// Profile fetches one profile by profile id or session id.
func (c *Client) Profile(ctx context.Context, id string) (*Profile, error) {
	var out Profile
	err := c.do(ctx, http.MethodGet,
		c.config.SentinelURL+"/profiles/"+url.PathEscape(id), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Simulate queues a payload detonation and returns the job id.
func (c *Client) Simulate(ctx context.Context, payload Payload, shadowAppRef string) (string, error) {
	req := map[string]any{"payload": payload}
	if shadowAppRef != "" {
		req["shadow_app_ref"] = shadowAppRef
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(ctx, http.MethodPost, c.config.SentinelURL+"/simulate", req, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// SimResult polls one simulation job.
func (c *Client) SimResult(ctx context.Context, jobID string) (*SimJob, error) {
	var out SimJob
	err := c.do(ctx, http.MethodGet,
		c.config.SentinelURL+"/sim-result/"+url.PathEscape(jobID), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Propose synthesizes a rule from a payload and simulation result, running
// it through the confidence ladder.
func (c *Client) Propose(ctx context.Context, payload Payload, result SimResult, sessionID string) (*ProposeResponse, error) {
	req := map[string]any{
		"payload":    payload,
		"sim_result": result,
	}
	if sessionID != "" {
		req["session_id"] = sessionID
	}
	var out ProposeResponse
	if err := c.do(ctx, http.MethodPost, c.config.SentinelURL+"/rule-propose", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cerberus: marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("cerberus: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cerberus: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(raw, &apiErr)
		msg := apiErr.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("cerberus: parse response: %w", err)
	}
	return nil
}
