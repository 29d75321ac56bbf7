// Package server exposes the dashboard API: execution, webhooks, job
// listing, reload/toggle, the OAuth callback, live run-log streaming and
// Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/flowdeck/flowdeck/internal/config"
	"github.com/flowdeck/flowdeck/internal/engine"
	"github.com/flowdeck/flowdeck/internal/executor"
	"github.com/flowdeck/flowdeck/internal/metrics"
	"github.com/flowdeck/flowdeck/internal/registry"
)

type Server struct {
	engine    *engine.Engine
	providers map[string]config.ProviderConfig
	http      *http.Server
}

func New(addr string, eng *engine.Engine, providers map[string]config.ProviderConfig) *Server {
	s := &Server{engine: eng, providers: providers}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/workflows/{name}/execute", s.handleExecute)
	mux.HandleFunc("POST /webhooks/{name}", s.handleWebhook)
	mux.HandleFunc("POST /api/reload", s.handleReload)
	mux.HandleFunc("POST /api/toggle/{name}", s.handleToggle)
	mux.HandleFunc("GET /api/jobs", s.handleJobs)
	mux.HandleFunc("GET /api/executions", s.handleExecutions)
	mux.HandleFunc("GET /api/workflows", s.handleWorkflows)
	mux.HandleFunc("GET /oauth/{provider}/auth", s.handleOAuthAuth)
	mux.HandleFunc("GET /oauth/{provider}/callback", s.handleOAuthCallback)
	mux.HandleFunc("GET /ws/executions/{id}/logs", s.handleLogStream)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func (s *Server) ListenAndServe() error {
	log.Printf("server: listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	input, err := decodeBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res := s.engine.Execute(r.Context(), r.PathValue("name"), input, string(registry.TriggerManual))
	writeJSON(w, http.StatusOK, res)
}

// handleWebhook returns the ExecutionResult verbatim as the response body.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res := s.engine.ProcessWebhook(r.Context(), r.PathValue("name"), payload)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	errs := s.engine.Reload()
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	snap := s.engine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"workflows": len(snap.Workflows),
		"tools":     len(snap.Tools),
		"errors":    msgs,
	})
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	active, err := s.engine.Toggle(name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, registry.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "active": active})
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ListJobs())
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	hist, err := s.engine.History(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if hist == nil {
		hist = []executor.Record{}
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) handleWorkflows(w http.ResponseWriter, _ *http.Request) {
	snap := s.engine.Snapshot()
	type workflowView struct {
		Name        string   `json:"name"`
		DisplayName string   `json:"display_name"`
		Description string   `json:"description,omitempty"`
		Category    string   `json:"category,omitempty"`
		Active      bool     `json:"active"`
		Schedule    string   `json:"schedule,omitempty"`
		Triggers    []string `json:"triggers"`
	}
	out := make([]workflowView, 0, len(snap.Workflows))
	for _, name := range snap.WorkflowNames() {
		wf := snap.Workflows[name]
		triggers := make([]string, len(wf.Triggers))
		for i, tr := range wf.Triggers {
			triggers[i] = string(tr)
		}
		out = append(out, workflowView{
			Name:        wf.Name,
			DisplayName: wf.DisplayName,
			Description: wf.Description,
			Category:    wf.Category,
			Active:      wf.Active,
			Schedule:    wf.Schedule,
			Triggers:    triggers,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleOAuthAuth starts an authorization flow: it redirects the browser to
// the configured provider endpoint, forwarding the requested scopes and
// carrying the profile/service pair through the state parameter.
func (s *Server) handleOAuthAuth(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")
	provider, ok := s.providers[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown oauth provider " + name})
		return
	}
	target, err := url.Parse(provider.AuthEndpoint)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "bad auth endpoint for " + name})
		return
	}

	q := r.URL.Query()
	tq := target.Query()
	tq.Set("client_id", provider.ClientID)
	tq.Set("scope", q.Get("scopes"))
	tq.Set("state", q.Get("profile")+"/"+q.Get("service"))
	target.RawQuery = tq.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// handleOAuthCallback records a completed grant. The external authorization
// flow (token exchange) happens upstream; this endpoint receives the final
// profile/scopes pair.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	q := r.URL.Query()
	prof := q.Get("profile")
	if prof == "" {
		prof = registry.DefaultProfile
	}
	scopes := strings.Fields(q.Get("scopes"))

	var expiry time.Time
	if raw := q.Get("expires_in"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			expiry = time.Now().UTC().Add(time.Duration(secs) * time.Second)
		}
	}

	if err := s.engine.Credentials().RecordGrant(provider, prof, scopes, expiry); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	log.Printf("server: recorded grant for %s/%s (%d scopes)", provider, prof, len(scopes))
	writeJSON(w, http.StatusOK, map[string]any{
		"provider": provider,
		"profile":  prof,
		"scopes":   scopes,
	})
}

// handleLogStream replays buffered entries for one execution and then
// streams live entries until the client disconnects.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	execID := r.PathValue("id")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("server: websocket accept: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	live, cancel := s.engine.Logs().Subscribe(execID)
	defer cancel()

	buffered, err := s.engine.Logs().Entries(ctx, execID)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "loading entries")
		return
	}
	for _, entry := range buffered {
		if err := wsjson.Write(ctx, conn, entry); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case entry, ok := <-live:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, entry); err != nil {
				return
			}
		}
	}
}

func decodeBody(r *http.Request) (map[string]any, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return nil, nil
	}
	var input map[string]any
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		return nil, errors.New("request body must be a JSON object")
	}
	return input, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encoding response: %v", err)
	}
}
