// Package router implements the session-routing control plane (the Switch
// service): pinning tagged sessions to the decoy, per-request routing
// decisions, and an optional reverse-proxy data plane.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cerberus-defense/cerberus/internal/bus"
	"github.com/cerberus-defense/cerberus/internal/evidence"
	"github.com/cerberus-defense/cerberus/internal/monitoring"
	"github.com/cerberus-defense/cerberus/internal/pin"
)

var ErrInvalidInput = errors.New("invalid input")

// Publisher is the slice of the bus the router needs.
type Publisher interface {
	Publish(ctx context.Context, ev bus.Event) error
}

// Enforcer mirrors pin state into the kernel blocklist. Pinned sources are
// cut off from the production edge entirely; the decoy path stays open.
type Enforcer interface {
	BlockIP(ctx context.Context, ip string) error
	UnblockIP(ctx context.Context, ip string) error
}

// Options wires a Service. Store is mandatory.
type Options struct {
	Store         pin.Store
	Publisher     Publisher
	Enforcer      Enforcer
	Metrics       *monitoring.Metrics
	DefaultTTL    time.Duration
	ProductionURL string
	DecoyURL      string
}

type Service struct {
	opts Options
}

func NewService(opts Options) *Service {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = pin.DefaultDuration
	}
	if opts.ProductionURL == "" {
		opts.ProductionURL = "http://production-backend:8080"
	}
	if opts.DecoyURL == "" {
		opts.DecoyURL = "http://labyrinth:8002"
	}
	return &Service{opts: opts}
}

// PinRequest pins one session to the decoy. DurationHours may be
// fractional; zero means the configured default.
type PinRequest struct {
	SessionID     string         `json:"session_id"`
	ClientIP      string         `json:"client_ip"`
	Reason        string         `json:"reason"`
	DurationHours float64        `json:"duration_hours,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type PinResponse struct {
	SessionID   string    `json:"session_id"`
	Fingerprint string    `json:"fingerprint"`
	Target      string    `json:"target"`
	PinnedUntil time.Time `json:"pinned_until"`
	EventID     string    `json:"event_id"`
}

type RouteRequest struct {
	SessionID string            `json:"session_id,omitempty"`
	ClientIP  string            `json:"client_ip"`
	UserAgent string            `json:"user_agent"`
	Cookies   map[string]string `json:"cookies,omitempty"`
	JWTToken  string            `json:"jwt_token,omitempty"`
}

type RouteResponse struct {
	Target            string            `json:"target"`
	BackendURL        string            `json:"backend_url"`
	PreserveHost      bool              `json:"preserve_host"`
	AdditionalHeaders map[string]string `json:"additional_headers"`
}

// PinnedEvent is published on the telemetry topic when a session is pinned.
type PinnedEvent struct {
	EventID          string    `json:"event_id"`
	EventType        string    `json:"event_type"`
	Source           string    `json:"source"`
	Timestamp        time.Time `json:"timestamp"`
	SessionID        string    `json:"session_id"`
	ClientIP         string    `json:"client_ip"`
	Fingerprint      string    `json:"fingerprint"`
	Target           string    `json:"target"`
	PinDurationHours float64   `json:"pin_duration_hours"`
	Reason           string    `json:"reason"`
}

// PinSession stores a pin for the session's fingerprint and announces it.
func (s *Service) PinSession(ctx context.Context, req PinRequest) (*PinResponse, error) {
	if req.SessionID == "" || req.ClientIP == "" {
		return nil, ErrInvalidInput
	}

	duration := s.opts.DefaultTTL
	if req.DurationHours > 0 {
		duration = time.Duration(req.DurationHours * float64(time.Hour))
	}

	now := time.Now().UTC()
	p := pin.Pin{
		SessionID:   req.SessionID,
		ClientIP:    req.ClientIP,
		Fingerprint: pin.Fingerprint(req.SessionID, req.ClientIP),
		Target:      pin.TargetDecoy,
		PinnedAt:    now,
		PinnedUntil: now.Add(duration),
		Reason:      req.Reason,
		Tags:        req.Tags,
		Metadata:    req.Metadata,
	}
	if err := s.opts.Store.Put(ctx, p); err != nil {
		return nil, err
	}

	eventID := s.announcePin(ctx, p, duration)

	if s.opts.Enforcer != nil {
		if err := s.opts.Enforcer.BlockIP(ctx, p.ClientIP); err != nil {
			slog.Warn("Enforcer block failed", "client_ip", p.ClientIP, "error", err)
		}
	}

	if s.opts.Metrics != nil {
		s.opts.Metrics.PinOpsTotal.WithLabelValues("pin").Inc()
		s.refreshPinGauge(ctx)
	}
	slog.Info("Session pinned", "session_id", req.SessionID,
		"fingerprint", p.Fingerprint, "until", p.PinnedUntil)

	return &PinResponse{
		SessionID:   p.SessionID,
		Fingerprint: p.Fingerprint,
		Target:      p.Target,
		PinnedUntil: p.PinnedUntil,
		EventID:     eventID,
	}, nil
}

// Route decides where one request goes. Missing and expired pins look the
// same: production.
func (s *Service) Route(ctx context.Context, req RouteRequest) RouteResponse {
	fp := s.fingerprintFor(req)

	if _, ok := s.opts.Store.Get(ctx, fp); ok {
		if s.opts.Metrics != nil {
			s.opts.Metrics.RoutedTotal.WithLabelValues(pin.TargetDecoy).Inc()
		}
		return RouteResponse{
			Target:       pin.TargetDecoy,
			BackendURL:   s.opts.DecoyURL,
			PreserveHost: true,
			AdditionalHeaders: map[string]string{
				"X-Cerberus-Routed":     pin.TargetDecoy,
				"X-Original-IP":         req.ClientIP,
				"X-Session-Fingerprint": fp,
			},
		}
	}

	if s.opts.Metrics != nil {
		s.opts.Metrics.RoutedTotal.WithLabelValues(pin.TargetProduction).Inc()
	}
	return RouteResponse{
		Target:            pin.TargetProduction,
		BackendURL:        s.opts.ProductionURL,
		PreserveHost:      true,
		AdditionalHeaders: map[string]string{},
	}
}

// fingerprintFor derives the request identity in priority order: explicit
// session id, session cookie, bearer token, then client IP + user agent.
func (s *Service) fingerprintFor(req RouteRequest) string {
	if req.SessionID != "" {
		return pin.Fingerprint(req.SessionID, req.ClientIP)
	}
	if cookie, ok := req.Cookies["session_id"]; ok && cookie != "" {
		return pin.Fingerprint(cookie, req.ClientIP)
	}
	if req.JWTToken != "" {
		return pin.FingerprintToken(req.JWTToken)
	}
	return pin.FingerprintClient(req.ClientIP, req.UserAgent)
}

// Unpin removes every pin held by a session, returning how many went away.
func (s *Service) Unpin(ctx context.Context, sessionID string) (int, error) {
	var clientIP string
	if p, ok := s.opts.Store.GetBySession(ctx, sessionID); ok {
		clientIP = p.ClientIP
	}
	removed, err := s.opts.Store.DeleteBySession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		if s.opts.Enforcer != nil && clientIP != "" {
			if err := s.opts.Enforcer.UnblockIP(ctx, clientIP); err != nil {
				slog.Warn("Enforcer unblock failed", "client_ip", clientIP, "error", err)
			}
		}
		slog.Info("Session unpinned", "session_id", sessionID, "pins_removed", removed)
		if s.opts.Metrics != nil {
			s.opts.Metrics.PinOpsTotal.WithLabelValues("unpin").Inc()
			s.refreshPinGauge(ctx)
		}
	}
	return removed, nil
}

// Sessions lists the live pins.
func (s *Service) Sessions(ctx context.Context) ([]pin.Pin, error) {
	return s.opts.Store.List(ctx)
}

// Session finds the live pin for one session id.
func (s *Service) Session(ctx context.Context, sessionID string) (*pin.Pin, bool) {
	return s.opts.Store.GetBySession(ctx, sessionID)
}

// Stats summarizes the pin table for the stats endpoint.
func (s *Service) Stats(ctx context.Context) map[string]any {
	total, active, err := s.opts.Store.Count(ctx)
	if err != nil {
		slog.Warn("Pin count failed", "error", err)
	}
	return map[string]any{
		"total_pinned":       total,
		"active_pins":        active,
		"production_backend": s.opts.ProductionURL,
		"decoy_backend":      s.opts.DecoyURL,
	}
}

func (s *Service) announcePin(ctx context.Context, p pin.Pin, duration time.Duration) string {
	eventID := evidence.NewEventID()
	if s.opts.Publisher == nil {
		return eventID
	}

	event := PinnedEvent{
		EventID:          eventID,
		EventType:        "session_pinned",
		Source:           "switch",
		Timestamp:        p.PinnedAt,
		SessionID:        p.SessionID,
		ClientIP:         p.ClientIP,
		Fingerprint:      p.Fingerprint,
		Target:           p.Target,
		PinDurationHours: duration.Hours(),
		Reason:           p.Reason,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return eventID
	}
	if err := s.opts.Publisher.Publish(ctx, bus.Event{
		Topic:     evidence.TopicTelemetry,
		Key:       p.Fingerprint,
		Payload:   payload,
		Timestamp: event.Timestamp,
	}); err != nil {
		slog.Warn("Pin event publish failed", "event_id", eventID, "error", err)
	}
	return eventID
}

func (s *Service) refreshPinGauge(ctx context.Context) {
	_, active, err := s.opts.Store.Count(ctx)
	if err == nil {
		s.opts.Metrics.ActivePins.Set(float64(active))
	}
}
