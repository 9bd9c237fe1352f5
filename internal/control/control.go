// Package control exposes the Global Orchestrator's pause/resume/stop/
// status operations over a small HTTP surface, so an operator can drive a
// running process from cmd/gpuforgectl. Grounded on the teacher's
// api.go/api/utils.go (plain net/http, no router framework, a shared
// JSON-marshal helper) rather than Thea's full route table - this is the
// minimal analogue spec §6's event surface otherwise has no out-of-process
// consumer for.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/riftlab/gpuforge/internal/global"
	"github.com/riftlab/gpuforge/pkg/logger"
)

var log = logger.Get("Control")

// StatusResponse is the JSON body returned by GET /status.
type StatusResponse struct {
	Stages []StageStatusJSON `json:"stages"`
}

// StageStatusJSON mirrors global.StageStatus in a JSON-friendly shape.
type StageStatusJSON struct {
	Stage    string `json:"stage"`
	State    string `json:"state,omitempty"`
	Live     bool   `json:"live"`
	Deferred bool   `json:"deferred"`
}

// Server wraps a *global.Orchestrator with an HTTP control surface.
type Server struct {
	orch *global.Orchestrator
	srv  *http.Server
}

// NewServer builds a control Server bound to addr (e.g. "127.0.0.1:9091").
// It does not start listening until Start is called.
func NewServer(addr string, orch *global.Orchestrator) *Server {
	mux := http.NewServeMux()
	s := &Server{orch: orch}

	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/pause", s.handlePause)
	mux.HandleFunc("/resume", s.handleResume)
	mux.HandleFunc("/stop", s.handleStop)

	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Handler returns the underlying http.Handler, for tests that want to
// drive the surface through httptest.NewServer rather than a real listener.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start runs the HTTP server until the process exits or Shutdown is
// called; it never returns nil, matching net/http.Server.ListenAndServe's
// contract.
func (s *Server) Start() error {
	log.Infof("control surface listening on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses := s.orch.Status()
	out := StatusResponse{Stages: make([]StageStatusJSON, 0, len(statuses))}
	for _, st := range statuses {
		entry := StageStatusJSON{Stage: st.Stage.String(), Live: st.Live, Deferred: st.Deferred}
		if st.Live {
			entry.State = st.State.String()
		}
		out.Stages = append(out.Stages, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.orch.PauseAll()
	writeMessage(w, "paused every live stage", http.StatusOK)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.orch.ResumeAll()
	writeMessage(w, "resumed every live stage", http.StatusOK)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.StopAll(r.Context()); err != nil {
		writeMessage(w, err.Error(), http.StatusGatewayTimeout)
		return
	}
	writeMessage(w, "stopped every live stage", http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	marshalled, err := json.Marshal(v)
	if err != nil {
		writeMessage(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(marshalled)
}

// Message is the JSON body written by every non-status endpoint.
type Message struct {
	Status int    `json:"status"`
	Reason string `json:"reason"`
}

func writeMessage(w http.ResponseWriter, reason string, status int) {
	marshalled, err := json.Marshal(Message{Status: status, Reason: reason})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(marshalled)
}

// Client is a thin HTTP client for cmd/gpuforgectl.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client against a control Server's base address, e.g.
// "http://127.0.0.1:9091".
func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{}}
}

// Status fetches /status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	if err := c.get(ctx, "/status", &out); err != nil {
		return StatusResponse{}, err
	}
	return out, nil
}

// Pause calls /pause.
func (c *Client) Pause(ctx context.Context) (Message, error) { return c.post(ctx, "/pause") }

// Resume calls /resume.
func (c *Client) Resume(ctx context.Context) (Message, error) { return c.post(ctx, "/resume") }

// Stop calls /stop.
func (c *Client) Stop(ctx context.Context) (Message, error) { return c.post(ctx, "/stop") }

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control client: %w", err)
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(ctx context.Context, path string) (Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return Message{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Message{}, fmt.Errorf("control client: %w", err)
	}
	defer resp.Body.Close()

	var msg Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
