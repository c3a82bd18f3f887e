// Package identity provides optional SPIFFE-based mTLS between the Cerberus
// services. When a SPIRE agent socket is configured, inter-service calls
// (sentinel rule pushes, gatekeeper pin requests) ride on workload SVIDs;
// without one, services fall back to bearer-token auth over plain HTTP.
package identity

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// ServiceIdentity holds a workload's X.509 SVID source.
type ServiceIdentity struct {
	source *workloadapi.X509Source
}

// New connects to the SPIRE agent. A short timeout keeps startup from
// hanging when no agent is running.
func New(socketPath string) (*ServiceIdentity, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)))
	if err != nil {
		return nil, fmt.Errorf("connect to SPIRE agent: %w", err)
	}

	svid, err := source.GetX509SVID()
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("fetch workload SVID: %w", err)
	}
	slog.Info("Service identity established", "spiffe_id", svid.ID.String())
	return &ServiceIdentity{source: source}, nil
}

// Maybe returns an identity when socketPath is set and reachable, nil
// otherwise. Callers treat nil as "bearer-only mode".
func Maybe(socketPath string) *ServiceIdentity {
	if socketPath == "" {
		return nil
	}
	id, err := New(socketPath)
	if err != nil {
		slog.Warn("SPIFFE identity unavailable, using bearer auth only", "error", err)
		return nil
	}
	return id
}

// ClientTLSConfig builds the mTLS client config for calling peerID. An
// empty peerID authorizes any member of the trust bundle.
func (s *ServiceIdentity) ClientTLSConfig(peerID string) (*tls.Config, error) {
	authorizer := tlsconfig.AuthorizeAny()
	if peerID != "" {
		id, err := spiffeid.FromString(peerID)
		if err != nil {
			return nil, fmt.Errorf("invalid peer SPIFFE ID %q: %w", peerID, err)
		}
		authorizer = tlsconfig.AuthorizeID(id)
	}
	return tlsconfig.MTLSClientConfig(s.source, s.source, authorizer), nil
}

// ServerTLSConfig builds the mTLS server config accepting any workload in
// the trust bundle.
func (s *ServiceIdentity) ServerTLSConfig() *tls.Config {
	return tlsconfig.MTLSServerConfig(s.source, s.source, tlsconfig.AuthorizeAny())
}

// HTTPClient builds an mTLS HTTP client for calling peerID.
func (s *ServiceIdentity) HTTPClient(peerID string, timeout time.Duration) (*http.Client, error) {
	cfg, err := s.ClientTLSConfig(peerID)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{TLSClientConfig: cfg},
	}, nil
}

// ServiceID renders the SPIFFE ID for a Cerberus service in a trust domain.
func ServiceID(trustDomain, service string) string {
	return fmt.Sprintf("spiffe://%s/cerberus/%s", trustDomain, service)
}

func (s *ServiceIdentity) Close() error {
	return s.source.Close()
}
