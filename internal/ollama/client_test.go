package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// tagsJSON builds a /api/tags response with the given model names.
func tagsJSON(names ...string) []byte {
	type entry struct {
		Name string `json:"name"`
	}
	type resp struct {
		Models []entry `json:"models"`
	}
	r := resp{}
	for _, n := range names {
		r.Models = append(r.Models, entry{Name: n})
	}
	b, _ := json.Marshal(r)
	return b
}

func TestIsRunning_Up(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("qwen2.5:latest"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	if !c.IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}
}

func TestIsRunning_Down(t *testing.T) {
	// Point at a closed server to simulate connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(srv.URL)
	if c.IsRunning(context.Background()) {
		t.Error("IsRunning() = true, want false")
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("qwen2.5:latest", "llama3.1:8b"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}

	want := []string{"qwen2.5:latest", "llama3.1:8b"}
	if len(models) != len(want) {
		t.Fatalf("got %d models, want %d", len(models), len(want))
	}
	for i, w := range want {
		if models[i] != w {
			t.Errorf("models[%d] = %q, want %q", i, models[i], w)
		}
	}
}

func TestHasModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("qwen2.5:latest", "llama3.1:8b"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	tests := []struct {
		name string
		want bool
	}{
		{"qwen2.5", true},
		{"llama3.1:8b", true},
		{"llama3.1", true},
		{"mistral", false},
	}
	for _, tt := range tests {
		if got := c.HasModel(context.Background(), tt.name); got != tt.want {
			t.Errorf("HasModel(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func streamChat(chunks ...ChatChunk) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		enc := json.NewEncoder(w)
		for _, c := range chunks {
			enc.Encode(c)
		}
	}
}

func TestChatStream_Chunks(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		streamChat(
			ChatChunk{Message: Message{Role: "assistant", Content: "Revenue "}},
			ChatChunk{Message: Message{Role: "assistant", Content: "is up."}},
			ChatChunk{Done: true, EvalCount: 7},
		)(w, r)
	}))
	defer srv.Close()

	c := New(srv.URL)
	var parts []string
	var done bool
	err := c.ChatStream(context.Background(), "qwen2.5", []Message{{Role: "user", Content: "report"}}, func(ch ChatChunk) error {
		if ch.Message.Content != "" {
			parts = append(parts, ch.Message.Content)
		}
		done = ch.Done
		return nil
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if !captured.Stream || captured.Model != "qwen2.5" {
		t.Errorf("request = %+v, want streaming qwen2.5", captured)
	}
	if strings.Join(parts, "") != "Revenue is up." {
		t.Errorf("parts = %q", parts)
	}
	if !done {
		t.Error("final chunk not delivered")
	}
}

func TestChatStream_StopsOnCallbackError(t *testing.T) {
	srv := httptest.NewServer(streamChat(
		ChatChunk{Message: Message{Content: "a"}},
		ChatChunk{Message: Message{Content: "b"}},
		ChatChunk{Done: true},
	))
	defer srv.Close()

	stop := errors.New("stop")
	calls := 0
	err := New(srv.URL).ChatStream(context.Background(), "m", nil, func(ChatChunk) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("err = %v, want stop", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestChatStream_InlineError(t *testing.T) {
	srv := httptest.NewServer(streamChat(ChatChunk{Error: "model not found"}))
	defer srv.Close()

	err := New(srv.URL).ChatStream(context.Background(), "m", nil, func(ChatChunk) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Errorf("err = %v, want model not found", err)
	}
}

func TestChatStream_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := New(srv.URL).ChatStream(context.Background(), "m", nil, func(ChatChunk) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("err = %v, want status 500", err)
	}
}

func TestChat_Concatenates(t *testing.T) {
	srv := httptest.NewServer(streamChat(
		ChatChunk{Message: Message{Content: "Go "}},
		ChatChunk{Message: Message{Content: "is great!"}},
		ChatChunk{Done: true},
	))
	defer srv.Close()

	result, err := New(srv.URL).Chat(context.Background(), "qwen2.5", []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if result != "Go is great!" {
		t.Errorf("result = %q, want %q", result, "Go is great!")
	}
}

func TestPullModel_Progress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			http.NotFound(w, r)
			return
		}

		var reqBody pullRequest
		json.NewDecoder(r.Body).Decode(&reqBody)
		if reqBody.Name != "qwen2.5" {
			t.Errorf("pull model = %q, want %q", reqBody.Name, "qwen2.5")
		}

		enc := json.NewEncoder(w)
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 500})
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 1000})
		enc.Encode(PullProgress{Status: "success"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	var progressCount int
	err := c.PullModel(context.Background(), "qwen2.5", func(p PullProgress) {
		progressCount++
	})
	if err != nil {
		t.Fatalf("PullModel: %v", err)
	}
	if progressCount != 3 {
		t.Errorf("received %d progress updates, want 3", progressCount)
	}
}

func TestEnsureReady_OllamaDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(srv.URL)
	err := EnsureReady(context.Background(), c, "qwen2.5", io.Discard)
	if err == nil {
		t.Fatal("expected error when Ollama is down")
	}
	if want := "Ollama is not running"; !strings.Contains(err.Error(), want) {
		t.Errorf("error = %q, want it to contain %q", err.Error(), want)
	}
}

func TestEnsureReady_PullsMissingModel(t *testing.T) {
	pulled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write(tagsJSON("llama3.1:8b"))
		case "/api/pull":
			pulled = true
			json.NewEncoder(w).Encode(PullProgress{Status: "success"})
		case "/api/chat":
			json.NewEncoder(w).Encode(ChatChunk{Message: Message{Content: "pong"}, Done: true})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	var out strings.Builder
	if err := EnsureReady(context.Background(), New(srv.URL), "qwen2.5", &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if !pulled {
		t.Error("missing model was not pulled")
	}
	if !strings.Contains(out.String(), "model qwen2.5: warm") {
		t.Errorf("output = %q", out.String())
	}
}
