package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ollama/ollama/api"
)

// newTestServer answers /api/chat with reply and records the decoded request
func newTestServer(t *testing.T, reply string, got *api.ChatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(got); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(api.ChatResponse{
			Model:   got.Model,
			Message: api.Message{Role: "assistant", Content: reply},
			Done:    true,
		})
	}))
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"http://localhost:11434", false},
		{"http://localhost:11434/api/chat", false},
		{"localhost:11434", true},
		{"", true},
	}
	for _, tt := range tests {
		_, err := NewClient(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("NewClient(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
	}
}

func TestSimpleQuery(t *testing.T) {
	var req api.ChatRequest
	srv := newTestServer(t, "a 1989 Upper Deck card", &req)
	defer srv.Close()

	c, err := NewClient(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.SimpleQuery(context.Background(), "llava", "what is this", "aGVsbG8=")
	if err != nil {
		t.Fatalf("SimpleQuery failed: %v", err)
	}
	if got != "a 1989 Upper Deck card" {
		t.Errorf("got %q", got)
	}

	if req.Model != "llava" || len(req.Messages) != 1 {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Stream == nil || *req.Stream {
		t.Error("request should disable streaming")
	}
	images := req.Messages[0].Images
	if len(images) != 1 || !bytes.Equal(images[0], []byte("hello")) {
		t.Errorf("image payload = %v", images)
	}
}

func TestAnalyzeImage(t *testing.T) {
	answer := "```json\n{\"primary\":{\"label\":\"card\",\"confidence\":0.9,\"box\":{\"x\":0.1,\"y\":0.2,\"w\":0.5,\"h\":0.7}}}\n```"
	var req api.ChatRequest
	srv := newTestServer(t, answer, &req)
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	got, err := c.AnalyzeImage(context.Background(), "minicpm-v4", "locate", "")
	if err != nil {
		t.Fatalf("AnalyzeImage failed: %v", err)
	}
	if got.Primary.Label != "card" || got.Primary.Confidence != 0.9 || got.Primary.Box.W != 0.5 {
		t.Errorf("unexpected result %+v", got.Primary)
	}
	if len(req.Messages[0].Images) != 0 {
		t.Error("empty image payload should not be sent")
	}
	if req.Options["num_ctx"] == nil {
		t.Errorf("model options not applied: %v", req.Options)
	}
}

func TestEmptyResponse(t *testing.T) {
	var req api.ChatRequest
	srv := newTestServer(t, "", &req)
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	if _, err := c.SimpleQuery(context.Background(), "llava", "x", ""); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model \"nope\" not found"}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	if _, err := c.SimpleQuery(context.Background(), "nope", "x", ""); err == nil {
		t.Error("expected error for missing model")
	}
}

func TestBadImagePayload(t *testing.T) {
	c, _ := NewClient("http://127.0.0.1:1")
	if _, err := c.SimpleQuery(context.Background(), "llava", "x", "%%%"); err == nil {
		t.Error("expected error for invalid base64")
	}
}
