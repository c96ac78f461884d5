package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(ClientOpts{BaseURL: srv.URL, WorkingDir: "/tmp/work"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(ClientOpts{WorkingDir: "/tmp"}); err == nil {
		t.Error("expected error for missing base URL")
	}
	if _, err := NewClient(ClientOpts{BaseURL: "http://localhost:1"}); err == nil {
		t.Error("expected error for missing working directory")
	}
}

func TestListModels(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]Model{
			{ID: "gpt-x", Name: "GPT X", Provider: "openai"},
			{ID: "claude-y", Name: "Claude Y", Provider: "anthropic"},
		})
	}))

	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("models = %d", len(models))
	}
	if models[0].ID != "gpt-x" || models[1].Provider != "anthropic" {
		t.Errorf("models = %+v", models)
	}
}

func TestCreateSession(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sessions" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "gpt-x" {
			t.Errorf("model = %q", req["model"])
		}
		if req["directory"] != "/tmp/work" {
			t.Errorf("directory = %q", req["directory"])
		}
		json.NewEncoder(w).Encode(SessionInfo{ID: "rs-1", Title: "new session"})
	}))

	info, err := c.CreateSession(context.Background(), "gpt-x")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if info.ID != "rs-1" {
		t.Errorf("ID = %q", info.ID)
	}
}

func TestCreateSession_MissingModel(t *testing.T) {
	c := newTestClient(t, http.NewServeMux())
	if _, err := c.CreateSession(context.Background(), ""); err == nil {
		t.Fatal("expected error for missing model")
	}
}

func TestCreateSession_ServerError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not available", http.StatusBadRequest)
	}))
	_, err := c.CreateSession(context.Background(), "gpt-x")
	if err == nil {
		t.Fatal("expected error from server")
	}
}

func TestSendPrompt_Stream(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions/rs-1/prompt" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"type":"reasoning","reasoning":"thinking about it"}`)
		fmt.Fprintln(w, `{"type":"content","content":"Hello"}`)
		fmt.Fprintln(w, `not json, skipped`)
		fmt.Fprintln(w, `{"type":"part","part":{"tool":"bash","exit":0}}`)
		fmt.Fprintln(w, `{"type":"content","content":" world"}`)
		fmt.Fprintln(w, `{"type":"done"}`)
	}))

	stream, err := c.SendPrompt(context.Background(), "rs-1", "hi", "gpt-x")
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	defer stream.Close()

	var content, reasoning string
	var parts int
	for {
		u, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		content += u.Content
		reasoning += u.Reasoning
		if u.Part != nil {
			parts++
		}
	}

	if content != "Hello world" {
		t.Errorf("content = %q", content)
	}
	if reasoning != "thinking about it" {
		t.Errorf("reasoning = %q", reasoning)
	}
	if parts != 1 {
		t.Errorf("parts = %d", parts)
	}
}

func TestSendPrompt_StreamError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"type":"content","content":"partial"}`)
		fmt.Fprintln(w, `{"type":"error","error":"model overloaded"}`)
	}))

	stream, err := c.SendPrompt(context.Background(), "rs-1", "hi", "gpt-x")
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	defer stream.Close()

	u, err := stream.Recv()
	if err != nil || u.Content != "partial" {
		t.Fatalf("first Recv = %+v, %v", u, err)
	}
	if _, err := stream.Recv(); err == nil || err == io.EOF {
		t.Fatalf("second Recv err = %v, want stream error", err)
	}
}

func TestDeleteSession(t *testing.T) {
	var deleted string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleted = r.URL.Path
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := c.DeleteSession(context.Background(), "rs-9"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if deleted != "/sessions/rs-9" {
		t.Errorf("deleted path = %q", deleted)
	}
}
