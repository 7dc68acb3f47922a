package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ai2ai-net/node/internal/logging"
)

type fakeResolver struct {
	txt    map[string][]string
	srv    map[string][]*net.SRV
	txtErr error
	srvErr error
}

func (f *fakeResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	if f.txtErr != nil {
		return nil, f.txtErr
	}
	return f.txt[name], nil
}

func (f *fakeResolver) LookupSRV(_ context.Context, service, proto, name string) (string, []*net.SRV, error) {
	if f.srvErr != nil {
		return "", nil, f.srvErr
	}
	key := "_" + service + "._" + proto + "." + name
	return key, f.srv[key], nil
}

func testClient(resolver Resolver, registry *RegistryClient) *Client {
	c := New(registry, logging.New(false))
	c.resolver = resolver
	return c
}

func TestResolveViaTXT(t *testing.T) {
	tests := []struct {
		name   string
		record string
		want   string
	}{
		{"endpoint form", "endpoint=https://agent.example.com/ai2ai", "https://agent.example.com/ai2ai"},
		{"legacy form", "ai2ai=https://agent.example.com/ai2ai", "https://agent.example.com/ai2ai"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(&fakeResolver{
				txt: map[string][]string{"_ai2ai.example.com": {"v=spf1 -all", tt.record}},
			}, nil)
			got, err := c.Resolve(context.Background(), "example.com")
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tt.want {
				t.Errorf("endpoint = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveViaSRV(t *testing.T) {
	c := testClient(&fakeResolver{
		txtErr: errors.New("no such host"),
		srv: map[string][]*net.SRV{
			"_ai2ai._tcp.example.com": {{Target: "node.example.com.", Port: 18800}},
		},
	}, nil)
	got, err := c.Resolve(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "https://node.example.com:18800/ai2ai" {
		t.Errorf("endpoint = %q", got)
	}
}

func TestResolveViaWellKnown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/ai2ai.json" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"ai2ai":"1.0","endpoint":"https://node.example.com/ai2ai","agent":"bob.example.com"}`))
	}))
	defer srv.Close()

	c := testClient(&fakeResolver{
		txtErr: errors.New("no such host"),
		srvErr: errors.New("no such host"),
	}, nil)
	// Pass the test server URL directly so the well-known fetch stays local.
	got, err := c.Resolve(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "https://node.example.com/ai2ai" {
		t.Errorf("endpoint = %q", got)
	}
}

func TestResolveFallsBackToRegistry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/agents/") {
			w.Write([]byte(`{"id":"bob.example.com","endpoint":"https://reg.example.com/ai2ai"}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := testClient(&fakeResolver{
		txtErr: errors.New("no such host"),
		srvErr: errors.New("no such host"),
	}, NewRegistryClient(srv.URL, 0))
	got, err := c.Resolve(context.Background(), "bob.example.com")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "https://reg.example.com/ai2ai" {
		t.Errorf("endpoint = %q", got)
	}
}

func TestResolveNotFound(t *testing.T) {
	c := testClient(&fakeResolver{
		txtErr: errors.New("no such host"),
		srvErr: errors.New("no such host"),
	}, nil)
	_, err := c.Resolve(context.Background(), "missing.example.com")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRegistryClientRoundTrip(t *testing.T) {
	var registered Agent
	mux := http.NewServeMux()
	mux.HandleFunc("POST /agents", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&registered); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"status":"registered","id":"` + registered.ID + `"}`))
	})
	mux.HandleFunc("GET /agents", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("capability") != "schedule.meeting" {
			w.Write([]byte(`[]`))
			return
		}
		w.Write([]byte(`[{"id":"alice.example.com","endpoint":"https://a/ai2ai","capabilities":["schedule.meeting"]}]`))
	})
	mux.HandleFunc("POST /agents/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("DELETE /agents/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rc := NewRegistryClient(srv.URL, 0)
	ctx := context.Background()

	err := rc.Register(ctx, Agent{ID: "alice.example.com", Endpoint: "https://a/ai2ai"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if registered.ID != "alice.example.com" {
		t.Errorf("registered id = %q", registered.ID)
	}

	agents, err := rc.Search(ctx, "schedule.meeting", "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(agents) != 1 || agents[0].ID != "alice.example.com" {
		t.Errorf("search results = %+v", agents)
	}

	if err := rc.Heartbeat(ctx, "alice.example.com"); err != nil {
		t.Errorf("heartbeat: %v", err)
	}
	if err := rc.Deregister(ctx, "alice.example.com"); err != nil {
		t.Errorf("deregister: %v", err)
	}
}

func TestRegistryClientGetNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	rc := NewRegistryClient(srv.URL, 0)
	_, err := rc.Get(context.Background(), "ghost.example.com")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
