package llamacpp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T, status int, reply any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != completionsPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Model != "vision" {
			t.Errorf("model = %q", req.Model)
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(reply)
	}))
}

func TestSimpleQuery(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, ChatCompletionResponse{
		Choices: []Choice{{Message: Message{Role: "assistant", Content: "a baseball card"}}},
	})
	defer srv.Close()

	c, _ := NewClient(srv.URL + "/")
	got, err := c.SimpleQuery(context.Background(), "vision", "what is this", "aGVsbG8=")
	if err != nil {
		t.Fatalf("SimpleQuery failed: %v", err)
	}
	if got != "a baseball card" {
		t.Errorf("got %q", got)
	}
}

func TestAnalyzeImageContentParts(t *testing.T) {
	answer := `{"primary":{"label":"card","confidence":0.75,"box":{"x":0.2,"y":0.1,"w":0.5,"h":0.8}}}`
	srv := newTestServer(t, http.StatusOK, map[string]any{
		"choices": []any{
			map[string]any{"message": map[string]any{
				"role":    "assistant",
				"content": []any{map[string]any{"type": "text", "text": answer}},
			}},
		},
	})
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	got, err := c.AnalyzeImage(context.Background(), "vision", "locate", "")
	if err != nil {
		t.Fatalf("AnalyzeImage failed: %v", err)
	}
	if got.Primary.Label != "card" || got.Primary.Confidence != 0.75 || got.Primary.Box.H != 0.8 {
		t.Errorf("unexpected result %+v", got.Primary)
	}
}

func TestServerError(t *testing.T) {
	srv := newTestServer(t, http.StatusInternalServerError, map[string]string{"error": "model not loaded"})
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	_, err := c.SimpleQuery(context.Background(), "vision", "x", "")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if se.Code != http.StatusInternalServerError || !strings.Contains(se.Body, "model not loaded") {
		t.Errorf("unexpected status error %+v", se)
	}
}

func TestNoChoices(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, ChatCompletionResponse{})
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	if _, err := c.SimpleQuery(context.Background(), "vision", "x", ""); !errors.Is(err, ErrNoChoices) {
		t.Errorf("expected ErrNoChoices, got %v", err)
	}
}

func TestAPIKeyAndImagePayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		var req struct {
			Messages []struct {
				Content []ContentPart `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
			return
		}
		parts := req.Messages[0].Content
		if len(parts) != 2 || parts[1].ImageURL == nil {
			t.Errorf("expected text and image parts, got %+v", parts)
			return
		}
		if !strings.HasPrefix(parts[1].ImageURL.URL, "data:image/png;base64,") {
			t.Errorf("image url = %q", parts[1].ImageURL.URL)
		}
		_ = json.NewEncoder(w).Encode(ChatCompletionResponse{
			Choices: []Choice{{Message: Message{Role: "assistant", Content: "ok"}}},
		})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, WithAPIKey("secret"), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.SimpleQuery(context.Background(), "vision", "x", "iVBORw0KGgoAAAA"); err != nil {
		t.Fatalf("SimpleQuery failed: %v", err)
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient("localhost:8080"); err == nil {
		t.Error("expected error for URL without scheme")
	}
	c, err := NewClient("")
	if err != nil || c.baseURL != defaultURL {
		t.Errorf("NewClient(\"\") = %v, %v", c, err)
	}
}
