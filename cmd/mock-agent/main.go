// Package main implements a mock agent container for local development and
// end-to-end tests. It speaks the agent HTTP contract: health, task
// execution, and credential transfer, with canned responses.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

type taskRequest struct {
	Message     string `json:"message"`
	ExecutionID string `json:"execution_id,omitempty"`
}

type taskMetadata struct {
	InputTokens   int     `json:"input_tokens"`
	ContextWindow int     `json:"context_window"`
	CostUSD       float64 `json:"cost_usd"`
}

type taskResponse struct {
	Response     string            `json:"response"`
	Metadata     taskMetadata      `json:"metadata"`
	ExecutionLog []json.RawMessage `json:"execution_log,omitempty"`
}

type injectRequest struct {
	Files map[string]string `json:"files"`
}

// agent is the in-memory state of the mock.
type agent struct {
	mu    sync.Mutex
	files map[string]string
	delay time.Duration
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	a := &agent{files: map[string]string{}}
	if raw := os.Getenv("MOCK_TASK_DELAY"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			a.delay = d
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.health)
	mux.HandleFunc("/task", a.task)
	mux.HandleFunc("/credentials/inject", a.inject)
	mux.HandleFunc("/credentials/read", a.read)

	addr := ":" + port
	fmt.Fprintf(os.Stderr, "mock-agent listening on %s\n", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
}

func (a *agent) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// task echoes a canned completion. Messages containing "sleep" hold the
// slot so busy and queue behavior can be exercised; messages containing
// "fail" return a 500.
func (a *agent) task(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	switch {
	case strings.Contains(req.Message, "fail"):
		http.Error(w, "simulated agent failure", http.StatusInternalServerError)
		return
	case strings.Contains(req.Message, "sleep") || a.delay > 0:
		delay := a.delay
		if delay == 0 {
			delay = 5 * time.Second
		}
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	logEntry, _ := json.Marshal(map[string]interface{}{
		"tool":  "echo",
		"input": map[string]string{"message": req.Message},
	})
	writeJSON(w, http.StatusOK, taskResponse{
		Response: "mock response to: " + req.Message,
		Metadata: taskMetadata{
			InputTokens:   len(req.Message),
			ContextWindow: 200000,
			CostUSD:       0.0001,
		},
		ExecutionLog: []json.RawMessage{logEntry},
	})
}

func (a *agent) inject(w http.ResponseWriter, r *http.Request) {
	var req injectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	for path, body := range req.Files {
		a.files[path] = body
	}
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"files_written": len(req.Files),
	})
}

func (a *agent) read(w http.ResponseWriter, r *http.Request) {
	paths := strings.Split(r.URL.Query().Get("paths"), ",")
	out := map[string]string{}
	a.mu.Lock()
	for _, path := range paths {
		if body, ok := a.files[path]; ok {
			out[path] = body
		}
	}
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": out})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
