package router

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/cerberus-defense/cerberus/internal/middleware"
)

// ProxyHandler is the data plane: it resolves the routing decision for the
// incoming request and forwards it to the chosen backend with the decoy
// annotation headers attached. Deployments fronted by an external edge can
// ignore it and call /route instead.
func (s *Service) ProxyHandler() http.Handler {
	proxies := map[string]*httputil.ReverseProxy{}
	for _, backend := range []string{s.opts.ProductionURL, s.opts.DecoyURL} {
		target, err := url.Parse(backend)
		if err != nil {
			slog.Error("Bad backend URL, proxy disabled for it", "backend", backend, "error", err)
			continue
		}
		p := httputil.NewSingleHostReverseProxy(target)
		p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Warn("Proxy upstream failed", "backend", backend, "error", err)
			if s.opts.Metrics != nil {
				s.opts.Metrics.ProxyErrorsTot.Inc()
			}
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		}
		proxies[backend] = p
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := s.Route(r.Context(), RouteRequest{
			SessionID: r.Header.Get("X-Session-ID"),
			ClientIP:  middleware.ClientIP(r),
			UserAgent: r.UserAgent(),
			Cookies:   cookieMap(r),
			JWTToken:  bearerToken(r),
		})

		proxy, ok := proxies[decision.BackendURL]
		if !ok {
			http.Error(w, "no backend", http.StatusBadGateway)
			return
		}

		outbound := r.Clone(r.Context())
		for k, v := range decision.AdditionalHeaders {
			outbound.Header.Set(k, v)
		}
		proxy.ServeHTTP(w, outbound)
	})
}

func cookieMap(r *http.Request) map[string]string {
	cookies := r.Cookies()
	if len(cookies) == 0 {
		return nil
	}
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		out[c.Name] = c.Value
	}
	return out
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
