// Package capture is the honeypot-side agent. It records every request that
// reaches the decoy, extracts attack payloads inline and hands complete
// session windows to the evidence builder on a background worker pool.
package capture

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cerberus-defense/cerberus/internal/bus"
	"github.com/cerberus-defense/cerberus/internal/evidence"
	"github.com/cerberus-defense/cerberus/internal/monitoring"
	"github.com/cerberus-defense/cerberus/internal/objstore"
	"github.com/cerberus-defense/cerberus/internal/waf"
)

// Record is one captured request/response through the decoy.
type Record struct {
	Timestamp       time.Time         `json:"timestamp"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Path            string            `json:"path"`
	Headers         map[string]string `json:"headers"`
	Body            string            `json:"body"`
	Query           map[string]string `json:"query_params"`
	SourceIP        string            `json:"client_ip"`
	UserAgent       string            `json:"user_agent"`
	SessionID       string            `json:"session_id"`
	StatusCode      int               `json:"status_code"`
	DurationMs      float64           `json:"duration_ms"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    string            `json:"response_body,omitempty"`
	Payloads        []Payload         `json:"payloads,omitempty"`
}

// Publisher is the bus surface the agent needs.
type Publisher interface {
	Publish(ctx context.Context, ev bus.Event) error
}

type Options struct {
	Store     objstore.Store
	Publisher Publisher
	Metrics   *monitoring.Metrics
	Bucket    string // default "labyrinth-evidence"

	WindowCap      int // requests kept per session window, default 20
	FlushThreshold int // payload-bearing requests that force a flush, default 5
	Workers        int // builder workers, default 2
	QueueSize      int // pending flush jobs, default 64
	BuildTimeout   time.Duration
	IdleTimeout    time.Duration // window with no traffic this long is closed
}

// sessionWindow accumulates one attacker session, keyed by fingerprint.
type sessionWindow struct {
	fingerprint string
	sessionID   string
	sourceIP    string
	userAgent   string
	records     []Record
	payloadHits int
	createdAt   time.Time
	lastSeen    time.Time
}

// Agent tracks per-session capture windows and flushes them to the evidence
// builder when they fill up or accumulate enough payloads.
type Agent struct {
	opts Options

	mu      sync.Mutex
	windows map[string]*sessionWindow

	queue chan *sessionWindow
	wg    sync.WaitGroup
	stop  chan struct{}
}

func NewAgent(opts Options) *Agent {
	if opts.Bucket == "" {
		opts.Bucket = "labyrinth-evidence"
	}
	if opts.WindowCap <= 0 {
		opts.WindowCap = 20
	}
	if opts.FlushThreshold <= 0 {
		opts.FlushThreshold = 5
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = 60 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 10 * time.Minute
	}

	a := &Agent{
		opts:    opts,
		windows: make(map[string]*sessionWindow),
		queue:   make(chan *sessionWindow, opts.QueueSize),
		stop:    make(chan struct{}),
	}
	for i := 0; i < opts.Workers; i++ {
		a.wg.Add(1)
		go a.worker()
	}
	go a.janitor()
	return a
}

// janitor closes idle windows: payload-bearing ones are flushed so their
// evidence is not lost, payloadless ones are dropped.
func (a *Agent) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().UTC().Add(-a.opts.IdleTimeout)
		a.mu.Lock()
		var flush []*sessionWindow
		for fp, w := range a.windows {
			if w.lastSeen.After(cutoff) {
				continue
			}
			delete(a.windows, fp)
			if w.payloadHits > 0 {
				flush = append(flush, w)
			}
		}
		a.mu.Unlock()

		for _, w := range flush {
			a.enqueue(w)
		}
	}
}

// Observe records one request into its session window and flushes the
// window if it is ready. Payload extraction happens here, synchronously, so
// the record carries its payloads everywhere downstream.
func (a *Agent) Observe(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.Payloads = ExtractPayloads(waf.CombinedText(rec.URL, rec.Body, rec.Headers))

	if a.opts.Metrics != nil {
		a.opts.Metrics.CapturedRequests.Inc()
	}

	fp := evidence.CaptureFingerprint(rec.SourceIP, rec.UserAgent)

	a.mu.Lock()
	w, ok := a.windows[fp]
	if !ok {
		w = &sessionWindow{
			fingerprint: fp,
			sessionID:   rec.SessionID,
			sourceIP:    rec.SourceIP,
			userAgent:   rec.UserAgent,
			createdAt:   rec.Timestamp,
		}
		a.windows[fp] = w
	}
	if w.sessionID == "" || w.sessionID == "unknown" {
		w.sessionID = rec.SessionID
	}
	w.records = append(w.records, rec)
	if len(w.records) > a.opts.WindowCap {
		w.records = w.records[len(w.records)-a.opts.WindowCap:]
	}
	if len(rec.Payloads) > 0 {
		w.payloadHits++
	}
	w.lastSeen = rec.Timestamp

	ready := w.payloadHits >= a.opts.FlushThreshold || len(w.records) >= a.opts.WindowCap
	if ready {
		delete(a.windows, fp)
	}
	a.mu.Unlock()

	if ready {
		a.enqueue(w)
	}
}

// Flush detaches the window for a fingerprint and queues it for packaging.
func (a *Agent) Flush(fingerprint string) bool {
	a.mu.Lock()
	w, ok := a.windows[fingerprint]
	if ok {
		delete(a.windows, fingerprint)
	}
	a.mu.Unlock()

	if !ok || len(w.records) == 0 {
		return false
	}
	a.enqueue(w)
	return true
}

// FlushAll queues every open window, skipping those that never saw a
// payload: benign browsing is not evidence.
func (a *Agent) FlushAll() int {
	a.mu.Lock()
	detached := make([]*sessionWindow, 0, len(a.windows))
	for fp, w := range a.windows {
		if w.payloadHits > 0 {
			detached = append(detached, w)
			delete(a.windows, fp)
		}
	}
	a.mu.Unlock()

	for _, w := range detached {
		a.enqueue(w)
	}
	return len(detached)
}

func (a *Agent) enqueue(w *sessionWindow) {
	select {
	case a.queue <- w:
	default:
		slog.Warn("Capture flush queue full, dropping window",
			"fingerprint", w.fingerprint, "records", len(w.records))
	}
}

func (a *Agent) worker() {
	defer a.wg.Done()
	for w := range a.queue {
		a.build(w)
	}
}

func (a *Agent) build(w *sessionWindow) {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.BuildTimeout)
	defer cancel()

	eventID := evidence.NewEventID()
	sessionID := w.sessionID
	if sessionID == "" {
		sessionID = "unknown"
	}

	b, err := evidence.NewBuilder(a.opts.Store, a.opts.Metrics, eventID, sessionID, w.sourceIP, w.userAgent)
	if err != nil {
		slog.Error("Evidence builder init failed", "event_id", eventID, "error", err)
		return
	}

	for _, rec := range w.records {
		b.AddExchange(evidence.Exchange{
			Method:          rec.Method,
			URL:             rec.URL,
			RequestHeaders:  rec.Headers,
			RequestBody:     rec.Body,
			ResponseStatus:  rec.StatusCode,
			ResponseHeaders: rec.ResponseHeaders,
			ResponseBody:    rec.ResponseBody,
			StartTime:       rec.Timestamp,
			DurationMs:      rec.DurationMs,
		})
		for _, p := range rec.Payloads {
			if err := b.AddPayload(p.Type, p.Value, p.Location, p.Confidence); err != nil {
				slog.Warn("Payload artifact write failed", "event_id", eventID, "error", err)
				continue
			}
			b.AddTag(p.Type)
		}
	}

	pointer, err := b.BuildAndUpload(ctx, a.opts.Bucket, nil)
	if err != nil {
		slog.Error("Evidence package build failed",
			"event_id", eventID, "fingerprint", w.fingerprint, "error", err)
		return
	}

	if a.opts.Publisher != nil {
		payload, err := json.Marshal(pointer)
		if err != nil {
			slog.Error("Evidence pointer marshal failed", "event_id", eventID, "error", err)
			return
		}
		err = a.opts.Publisher.Publish(ctx, bus.Event{
			Topic:     evidence.TopicEvidenceReady,
			Key:       pointer.EventID,
			Payload:   payload,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			slog.Error("Evidence pointer publish failed", "event_id", eventID, "error", err)
			return
		}
		if a.opts.Metrics != nil {
			a.opts.Metrics.BusPublished.WithLabelValues(evidence.TopicEvidenceReady).Inc()
		}
	}
	slog.Info("Evidence pointer published", "event_id", eventID,
		"session_id", sessionID, "payloads", pointer.PayloadCount, "requests", pointer.RequestCount)
}

// Stats reports open windows and queued flushes for the service stats
// endpoint.
func (a *Agent) Stats() map[string]any {
	a.mu.Lock()
	open := len(a.windows)
	a.mu.Unlock()
	return map[string]any{
		"open_windows":  open,
		"queued_builds": len(a.queue),
	}
}

// Shutdown flushes remaining windows and drains the worker pool.
func (a *Agent) Shutdown() {
	close(a.stop)
	a.FlushAll()
	close(a.queue)
	a.wg.Wait()
}
