// Package registryserver implements the optional ai2ai discovery registry:
// a small REST service nodes register with and search against. Records live
// in a bbolt database and go stale two minutes after their last heartbeat.
package registryserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ai2ai-net/node/internal/clock"
	"github.com/ai2ai-net/node/internal/discovery"
	"github.com/ai2ai-net/node/internal/logging"
)

// staleTimeout is how long an agent stays visible without a heartbeat.
const staleTimeout = 2 * time.Minute

// maxBodyBytes caps registration bodies.
const maxBodyBytes = 64 * 1024

var agentsBucket = []byte("agents")

// ErrUnknownAgent is returned for lookups of ids that were never registered.
var ErrUnknownAgent = errors.New("unknown agent")

// Server is the registry REST service.
type Server struct {
	db   *bolt.DB
	clk  clock.Clock
	log  *slog.Logger
	mux  *http.ServeMux
	http *http.Server
}

// Open creates a server backed by the bbolt database at path.
func Open(path string, clk clock.Clock, log *logging.Logger) (*Server, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(agentsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create agents bucket: %w", err)
	}

	s := &Server{
		db:  db,
		clk: clk,
		log: log.With("component", "registry"),
		mux: http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /agents", s.handleRegister)
	s.mux.HandleFunc("GET /agents", s.handleSearch)
	s.mux.HandleFunc("GET /agents/{id}", s.handleGet)
	s.mux.HandleFunc("DELETE /agents/{id}", s.handleDeregister)
	s.mux.HandleFunc("POST /agents/{id}/heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "online"})
	})
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe binds the HTTP listener and blocks until shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.log.Info("registry listening", "addr", addr)
	return s.http.ListenAndServe()
}

// Shutdown drains the HTTP server and closes the database.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var agent discovery.Agent
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&agent); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if agent.ID == "" || agent.Endpoint == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id and endpoint are required"})
		return
	}
	agent.LastHeartbeat = s.clk.Now()

	if err := s.put(&agent); err != nil {
		s.log.Error("register failed", "id", agent.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}
	s.log.Info("agent registered", "id", agent.ID, "endpoint", agent.Endpoint)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "registered", "id": agent.ID})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	capability := r.URL.Query().Get("capability")
	name := r.URL.Query().Get("name")
	now := s.clk.Now()

	out := []discovery.Agent{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(agentsBucket).ForEach(func(_, v []byte) error {
			var a discovery.Agent
			if err := json.Unmarshal(v, &a); err != nil {
				return nil // skip corrupt record
			}
			if now.Sub(a.LastHeartbeat) > staleTimeout {
				return nil
			}
			if capability != "" && !hasCapability(&a, capability) {
				return nil
			}
			if name != "" && !matchesName(&a, name) {
				return nil
			}
			out = append(out, a)
			return nil
		})
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	agent, err := s.get(r.PathValue("id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if s.clk.Now().Sub(agent.LastHeartbeat) > staleTimeout {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(agentsBucket).Delete([]byte(id))
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}
	s.log.Info("agent deregistered", "id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered", "id": id})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agent, err := s.get(id)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	agent.LastHeartbeat = s.clk.Now()
	if err := s.put(agent); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) get(id string) (*discovery.Agent, error) {
	var agent discovery.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(agentsBucket).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
		}
		return json.Unmarshal(v, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *Server) put(agent *discovery.Agent) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(agentsBucket).Put([]byte(agent.ID), data)
	})
}

func hasCapability(a *discovery.Agent, capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

func matchesName(a *discovery.Agent, name string) bool {
	needle := strings.ToLower(name)
	return strings.Contains(strings.ToLower(a.Name), needle) ||
		strings.Contains(strings.ToLower(a.HumanName), needle) ||
		strings.Contains(strings.ToLower(a.ID), needle)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
