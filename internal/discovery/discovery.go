// Package discovery locates peers by domain or agent id: DNS TXT/SRV
// records, the /.well-known/ai2ai.json descriptor and an optional registry
// REST service.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ai2ai-net/node/internal/logging"
)

// ErrNotFound is returned when every discovery method comes up empty.
var ErrNotFound = errors.New("peer not found")

// wellKnownTimeout caps the /.well-known fetch.
const wellKnownTimeout = 10 * time.Second

// Descriptor is the /.well-known/ai2ai.json document a node publishes.
type Descriptor struct {
	AI2AI        string   `json:"ai2ai"`
	Endpoint     string   `json:"endpoint"`
	Agent        string   `json:"agent"`
	Human        string   `json:"human,omitempty"`
	PublicKey    string   `json:"publicKey,omitempty"`
	Fingerprint  string   `json:"fingerprint,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Timezone     string   `json:"timezone,omitempty"`
}

// Resolver is the DNS surface the client needs. *net.Resolver satisfies it.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

// Client locates peers. Methods are tried in a fixed order and the first
// match wins: DNS TXT, DNS SRV, well-known, registry.
type Client struct {
	resolver Resolver
	http     *http.Client
	registry *RegistryClient
	log      *slog.Logger
}

// New creates a discovery client. registry may be nil when no registry is
// configured.
func New(registry *RegistryClient, log *logging.Logger) *Client {
	return &Client{
		resolver: net.DefaultResolver,
		http:     &http.Client{Timeout: wellKnownTimeout},
		registry: registry,
		log:      log.With("component", "discovery"),
	}
}

// Registry returns the configured registry client, if any.
func (c *Client) Registry() *RegistryClient { return c.registry }

// Resolve finds the envelope endpoint for a peer domain or agent id.
func (c *Client) Resolve(ctx context.Context, domain string) (string, error) {
	if ep, err := c.lookupTXT(ctx, domain); err == nil && ep != "" {
		c.log.Debug("resolved via TXT", "domain", domain, "endpoint", ep)
		return ep, nil
	}
	if ep, err := c.lookupSRV(ctx, domain); err == nil && ep != "" {
		c.log.Debug("resolved via SRV", "domain", domain, "endpoint", ep)
		return ep, nil
	}
	if desc, err := c.FetchWellKnown(ctx, domain); err == nil && desc.Endpoint != "" {
		c.log.Debug("resolved via well-known", "domain", domain, "endpoint", desc.Endpoint)
		return desc.Endpoint, nil
	}
	if c.registry != nil {
		if agent, err := c.registry.Get(ctx, domain); err == nil && agent.Endpoint != "" {
			c.log.Debug("resolved via registry", "domain", domain, "endpoint", agent.Endpoint)
			return agent.Endpoint, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, domain)
}

// lookupTXT queries _ai2ai.<domain> for an endpoint=<url> record. The
// legacy ai2ai=<url> form is still accepted.
func (c *Client) lookupTXT(ctx context.Context, domain string) (string, error) {
	records, err := c.resolver.LookupTXT(ctx, "_ai2ai."+domain)
	if err != nil {
		return "", err
	}
	for _, rec := range records {
		for _, prefix := range []string{"endpoint=", "ai2ai="} {
			if strings.HasPrefix(rec, prefix) {
				return strings.TrimPrefix(rec, prefix), nil
			}
		}
	}
	return "", nil
}

// lookupSRV queries _ai2ai._tcp.<domain> and builds the endpoint URL from
// the first target.
func (c *Client) lookupSRV(ctx context.Context, domain string) (string, error) {
	_, srvs, err := c.resolver.LookupSRV(ctx, "ai2ai", "tcp", domain)
	if err != nil || len(srvs) == 0 {
		return "", err
	}
	srv := srvs[0]
	host := strings.TrimSuffix(srv.Target, ".")
	scheme := "https"
	if srv.Port != 443 {
		return fmt.Sprintf("%s://%s:%d/ai2ai", scheme, host, srv.Port), nil
	}
	return fmt.Sprintf("%s://%s/ai2ai", scheme, host), nil
}

// FetchWellKnown retrieves a peer's discovery descriptor. base may be a bare
// domain or a full URL.
func (c *Client) FetchWellKnown(ctx context.Context, base string) (*Descriptor, error) {
	u := base
	if !strings.Contains(u, "://") {
		u = "https://" + u
	}
	u = strings.TrimRight(u, "/") + "/.well-known/ai2ai.json"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build well-known request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: http %d", u, resp.StatusCode)
	}

	var desc Descriptor
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&desc); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	return &desc, nil
}
