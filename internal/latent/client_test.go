package latent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateSendsExpectedRequest(t *testing.T) {
	var captured GenerateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/generate" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(GenerateResponse{Response: "thinking complete", Done: true})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, Model: "test-model"})
	got, err := client.Generate(context.Background(), "ponder this")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if got != "thinking complete" {
		t.Fatalf("response = %q", got)
	}
	if captured.Model != "test-model" || captured.Prompt != "ponder this" || captured.Stream {
		t.Fatalf("request = %+v", captured)
	}
}

func TestExecuteComposesLog(t *testing.T) {
	var prompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req GenerateRequest
		json.NewDecoder(r.Body).Decode(&req)
		prompt = req.Prompt
		json.NewEncoder(w).Encode(GenerateResponse{Response: "Scroll saved to /tmp/out", Done: true})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, Model: "m"})
	log, err := client.Execute(context.Background(), "probe text here")
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if prompt != "Reason in latent space about: probe text here" {
		t.Fatalf("prompt = %q", prompt)
	}
	want := "Executing in latent mode with m: probe text here\nScroll saved to /tmp/out\nLatent Execution Result:"
	if log != want {
		t.Fatalf("log = %q, want %q", log, want)
	}
}

func TestGenerateErrorEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model not found"}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	_, err := client.Generate(context.Background(), "x")
	if err == nil {
		t.Fatalf("expected error")
	}
	apiErr, ok := IsAPIError(err)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "model not found" {
		t.Fatalf("apiErr = %+v", apiErr)
	}
}

func TestGenerateOpaqueErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream gone"))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	_, err := client.Generate(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "subject status 502") {
		t.Fatalf("err = %v", err)
	}
}

func TestExecuteUnreachable(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	if _, err := client.Execute(context.Background(), "x"); err == nil {
		t.Fatalf("expected connection error")
	}
}

func TestDefaults(t *testing.T) {
	client := NewClient(Config{})
	if client.baseURL != defaultBaseURL {
		t.Fatalf("baseURL = %q", client.baseURL)
	}
	if client.Model() != defaultModel {
		t.Fatalf("model = %q", client.Model())
	}
}
