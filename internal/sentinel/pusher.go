package sentinel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cerberus-defense/cerberus/internal/circuitbreaker"
	"github.com/cerberus-defense/cerberus/internal/waf"
)

// GatekeeperPusher delivers synthesized rules to the inspection engine over
// its rule-create API. A circuit breaker fails pushes fast while the
// gatekeeper is down so the policy layer queues rules for review instead of
// hammering a dead endpoint.
type GatekeeperPusher struct {
	baseURL string
	token   string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

func NewGatekeeperPusher(baseURL, bearerToken string, client *http.Client) *GatekeeperPusher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &GatekeeperPusher{
		baseURL: baseURL,
		token:   bearerToken,
		client:  client,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:      "gatekeeper-rule-push",
			TripAfter: 3,
			Timeout:   30 * time.Second,
		}),
	}
}

// PushRule creates the rule on the gatekeeper. A 409 means the rule id is
// already admitted, which counts as delivered.
func (p *GatekeeperPusher) PushRule(ctx context.Context, rule *waf.Rule) error {
	return p.breaker.Execute(func() error {
		body, err := json.Marshal(rule)
		if err != nil {
			return fmt.Errorf("marshal rule %s: %w", rule.RuleID, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/rules", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if p.token != "" {
			req.Header.Set("Authorization", "Bearer "+p.token)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("push rule %s: %w", rule.RuleID, err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusCreated, http.StatusOK, http.StatusConflict:
			io.Copy(io.Discard, resp.Body)
			return nil
		default:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("push rule %s: gatekeeper returned %d: %s",
				rule.RuleID, resp.StatusCode, bytes.TrimSpace(msg))
		}
	})
}

// BreakerState exposes the push circuit for the stats endpoint.
func (p *GatekeeperPusher) BreakerState() string {
	return p.breaker.State().String()
}
