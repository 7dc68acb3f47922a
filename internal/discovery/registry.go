package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Agent is one registry record.
type Agent struct {
	ID            string            `json:"id"`
	Endpoint      string            `json:"endpoint"`
	Name          string            `json:"name,omitempty"`
	HumanName     string            `json:"humanName,omitempty"`
	PublicKey     string            `json:"publicKey,omitempty"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	LastHeartbeat time.Time         `json:"lastHeartbeat,omitempty"`
}

// RegistryClient talks to an ai2ai registry REST service.
type RegistryClient struct {
	base string
	http *http.Client
}

// NewRegistryClient creates a client for the registry at base.
func NewRegistryClient(base string, timeout time.Duration) *RegistryClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RegistryClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// Register announces this node to the registry.
func (r *RegistryClient) Register(ctx context.Context, agent Agent) error {
	body, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/agents", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("register: http %d", resp.StatusCode)
	}
	return nil
}

// Search queries registered agents by capability and/or name substring.
func (r *RegistryClient) Search(ctx context.Context, capability, name string) ([]Agent, error) {
	q := url.Values{}
	if capability != "" {
		q.Set("capability", capability)
	}
	if name != "" {
		q.Set("name", name)
	}
	u := r.base + "/agents"
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search: http %d", resp.StatusCode)
	}

	var agents []Agent
	if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
		return nil, fmt.Errorf("decode search results: %w", err)
	}
	return agents, nil
}

// Get fetches one agent by id. Unknown ids return ErrNotFound.
func (r *RegistryClient) Get(ctx context.Context, id string) (*Agent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+"/agents/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("build get request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get agent: http %d", resp.StatusCode)
	}

	var agent Agent
	if err := json.NewDecoder(resp.Body).Decode(&agent); err != nil {
		return nil, fmt.Errorf("decode agent: %w", err)
	}
	return &agent, nil
}

// Deregister removes this node's registry entry.
func (r *RegistryClient) Deregister(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.base+"/agents/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("build deregister request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("deregister: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("deregister: http %d", resp.StatusCode)
	}
	return nil
}

// Heartbeat refreshes this node's registry entry so it does not go stale.
func (r *RegistryClient) Heartbeat(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/agents/"+url.PathEscape(id)+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("build heartbeat request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat: http %d", resp.StatusCode)
	}
	return nil
}
