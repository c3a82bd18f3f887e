package sdk

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// InspectMiddleware routes every request through the gatekeeper before it
// reaches the handler. Blocked requests get a 403; tagged requests pass
// through with X-Cerberus-Action set so the application can see the
// verdict. A gatekeeper failure fails open.
//
//	mux := http.NewServeMux()
//	mux.Handle("/", sdk.InspectMiddleware(client, appHandler))
func InspectMiddleware(client *Client, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		decision, err := client.Inspect(r.Context(), inspectRequestFrom(r, string(body)))
		if err != nil {
			slog.Warn("Inspection failed, allowing through", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-Cerberus-Action", decision.Action)
		if decision.EventID != "" {
			w.Header().Set("X-Cerberus-Event-ID", decision.EventID)
		}

		if decision.Action == ActionBlock {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":  "request blocked",
				"reason": decision.Reason,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// InspectMiddlewareFunc adapts InspectMiddleware to router.Use chains.
func InspectMiddlewareFunc(client *Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return InspectMiddleware(client, next)
	}
}

func inspectRequestFrom(r *http.Request, body string) InspectRequest {
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	query := make(map[string]string)
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}

	sessionID := ""
	if cookie, err := r.Cookie("session_id"); err == nil {
		sessionID = cookie.Value
	}

	clientIP := r.RemoteAddr
	if idx := strings.LastIndex(clientIP, ":"); idx > 0 {
		clientIP = clientIP[:idx]
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		clientIP = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}

	return InspectRequest{
		Method:      r.Method,
		URL:         r.URL.String(),
		Headers:     headers,
		Body:        body,
		QueryParams: query,
		ClientIP:    clientIP,
		SessionID:   sessionID,
	}
}
