package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// collect drains a stream, returning events and the terminal error.
func collect(t *testing.T, s *Stream) ([]StreamEvent, error) {
	t.Helper()
	var events []StreamEvent
	for {
		ev, err := s.Recv()
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func sseServer(t *testing.T, body string, inspect func(*http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inspect != nil {
			inspect(r)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClassifyFrame(t *testing.T) {
	tests := []struct {
		name string
		data string
		want StreamEvent
	}{
		{"text envelope", `{"type":"text","content":"You strike! "}`, StreamEvent{Type: EventText, Content: "You strike! "}},
		{"thought envelope", `{"type":"thought","content":"pondering"}`, StreamEvent{Type: EventThought, Content: "pondering"}},
		{"unknown type is text", `{"type":"narration","content":"x"}`, StreamEvent{Type: EventText, Content: "x"}},
		{"legacy text", `The hall falls silent.`, StreamEvent{Type: EventText, Content: "The hall falls silent."}},
		{"legacy thought", `[THOUGHT]weighing options[THOUGHT]`, StreamEvent{Type: EventThought, Content: "weighing options"}},
		{"json without type is legacy", `{"content":"x"}`, StreamEvent{Type: EventText, Content: `{"content":"x"}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := classifyFrame(tt.data)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("classifyFrame(%q) = %+v, want %+v", tt.data, got, tt.want)
			}
		})
	}

	t.Run("error envelope", func(t *testing.T) {
		_, err := classifyFrame(`{"type":"error","content":"quota exceeded"}`)
		if !errors.Is(err, ErrStreamError) {
			t.Fatalf("err = %v, want ErrStreamError", err)
		}
		if !strings.Contains(err.Error(), "quota exceeded") {
			t.Errorf("error should carry the server message: %v", err)
		}
	})
}

func TestOpenChatStream(t *testing.T) {
	body := "data: {\"type\":\"thought\",\"content\":\"hmm\"}\n\n" +
		": keep-alive\n\n" +
		"data: {\"type\":\"text\",\"content\":\"You strike! \"}\n\n" +
		"data:\n\n" +
		"data: {\"type\":\"text\",\"content\":\"<state_update>{\\\"status\\\":{\\\"hp\\\":80}}</state_update>\"}\n\n" +
		"data: [DONE]\n\n" +
		"data: {\"type\":\"text\",\"content\":\"after done\"}\n\n"

	var got ChatRequest
	srv := sseServer(t, body, func(r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
	})

	c := NewClient(srv.URL, "")
	req := ChatRequest{
		Messages: []Message{{Role: "user", Content: "attack"}},
		Summary:  []string{"Chapter one"},
		Persona:  "bold",
		GameState: GameState{
			Profile:  Profile{Name: "Harry", House: "Gryffindor"},
			Status:   map[string]int{"hp": 100},
			WorldLog: []string{},
		},
		APIKey: "sk-test",
		Model:  "deepseek-reasoner",
	}
	stream, err := c.OpenChatStream(context.Background(), req)
	if err != nil {
		t.Fatalf("OpenChatStream: %v", err)
	}
	defer stream.Close()

	events, err := collect(t, stream)
	if err != io.EOF {
		t.Fatalf("terminal error = %v, want io.EOF", err)
	}
	want := []StreamEvent{
		{Type: EventThought, Content: "hmm"},
		{Type: EventText, Content: "You strike! "},
		{Type: EventText, Content: `<state_update>{"status":{"hp":80}}</state_update>`},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(want), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %+v, want %+v", i, events[i], want[i])
		}
	}

	if got.APIKey != "sk-test" || got.Model != "deepseek-reasoner" || got.Persona != "bold" {
		t.Errorf("request fields not sent: %+v", got)
	}
	if got.GameState.Profile.Name != "Harry" || len(got.Summary) != 1 {
		t.Errorf("game_state not sent: %+v", got.GameState)
	}

	// Recv after EOF keeps returning EOF.
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("Recv after done = %v, want io.EOF", err)
	}
}

func TestOpenChatStreamLegacyFrames(t *testing.T) {
	body := "data:[THOUGHT]thinking\n" +
		"data:  Once upon a time  \n" +
		"data: [THOUGHT]more\n"
	srv := sseServer(t, body, nil)

	stream, err := NewClient(srv.URL, "").OpenChatStream(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("OpenChatStream: %v", err)
	}
	defer stream.Close()

	events, err := collect(t, stream)
	if err != io.EOF {
		t.Fatalf("terminal error = %v, want io.EOF", err)
	}
	want := []StreamEvent{
		{Type: EventThought, Content: "thinking"},
		{Type: EventText, Content: "Once upon a time"},
		{Type: EventThought, Content: "more"},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(want), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %+v, want %+v", i, events[i], want[i])
		}
	}
}

func TestOpenChatStreamErrors(t *testing.T) {
	t.Run("non-OK status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad key", http.StatusUnauthorized)
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL, "").OpenChatStream(context.Background(), ChatRequest{})
		if !errors.Is(err, ErrRequestFailed) {
			t.Fatalf("err = %v, want ErrRequestFailed", err)
		}
		if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "bad key") {
			t.Errorf("error should carry status and body: %v", err)
		}
	})

	t.Run("error envelope mid-stream", func(t *testing.T) {
		srv := sseServer(t, "data: {\"type\":\"text\",\"content\":\"a\"}\ndata: {\"type\":\"error\",\"content\":\"upstream down\"}\n", nil)
		stream, err := NewClient(srv.URL, "").OpenChatStream(context.Background(), ChatRequest{})
		if err != nil {
			t.Fatalf("OpenChatStream: %v", err)
		}
		defer stream.Close()

		events, err := collect(t, stream)
		if !errors.Is(err, ErrStreamError) {
			t.Fatalf("err = %v, want ErrStreamError", err)
		}
		if len(events) != 1 {
			t.Errorf("got %d events before the error, want 1", len(events))
		}
	})

	t.Run("unreachable server", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		if _, err := NewClient(url, "").OpenChatStream(context.Background(), ChatRequest{}); err == nil {
			t.Fatal("expected transport error")
		}
	})
}

func TestStreamCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"text\",\"content\":\"first\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := NewClient(srv.URL, "").OpenChatStream(ctx, ChatRequest{})
	if err != nil {
		t.Fatalf("OpenChatStream: %v", err)
	}
	defer stream.Close()

	ev, err := stream.Recv()
	if err != nil || ev.Content != "first" {
		t.Fatalf("first Recv = %+v, %v", ev, err)
	}

	cancel()
	if _, err := stream.Recv(); !errors.Is(err, context.Canceled) {
		t.Fatalf("Recv after cancel = %v, want context.Canceled", err)
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bare body", `{"summary": "Harry met Ron."}`, "Harry met Ron."},
		{"backend envelope", `{"code": 0, "message": "success", "data": {"summary": "The troll fell."}}`, "The troll fell."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got SummarizeRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewDecoder(r.Body).Decode(&got)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			summary, err := NewClient("", srv.URL).Summarize(context.Background(), SummarizeRequest{
				Messages: []Message{{Role: "user", Content: "hi"}},
				APIKey:   "sk-test",
				Model:    "deepseek-chat",
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if summary != tt.want {
				t.Errorf("summary = %q, want %q", summary, tt.want)
			}
			if got.APIKey != "sk-test" || len(got.Messages) != 1 {
				t.Errorf("request not sent as expected: %+v", got)
			}
		})
	}

	t.Run("empty summary", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"summary": "  "}`)
		}))
		defer srv.Close()
		if _, err := NewClient("", srv.URL).Summarize(context.Background(), SummarizeRequest{}); !errors.Is(err, ErrEmptySummary) {
			t.Errorf("err = %v, want ErrEmptySummary", err)
		}
	})

	t.Run("envelope error code", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"code": 500, "message": "model offline"}`)
		}))
		defer srv.Close()
		_, err := NewClient("", srv.URL).Summarize(context.Background(), SummarizeRequest{})
		if !errors.Is(err, ErrRequestFailed) || !strings.Contains(err.Error(), "model offline") {
			t.Errorf("err = %v, want ErrRequestFailed with message", err)
		}
	})

	t.Run("non-OK status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()
		if _, err := NewClient("", srv.URL).Summarize(context.Background(), SummarizeRequest{}); !errors.Is(err, ErrRequestFailed) {
			t.Errorf("err = %v, want ErrRequestFailed", err)
		}
	})
}

func TestEstimateTokens(t *testing.T) {
	if n, err := EstimateTokens(""); err != nil || n != 0 {
		t.Errorf("EstimateTokens(\"\") = %d, %v", n, err)
	}
	n := EstimateTokensSimple("The Sorting Hat considers your request carefully.")
	if n <= 0 {
		t.Errorf("expected positive estimate, got %d", n)
	}
	total := EstimateMessages([]Message{{Role: "user", Content: "hello"}, {Role: "assistant", Content: ""}})
	if total < 2*perMessageOverhead {
		t.Errorf("EstimateMessages = %d, want at least the framing overhead", total)
	}
}

func TestNewClient(t *testing.T) {
	c := NewClient("http://localhost:8080/api/chat", "http://localhost:8080/api/ai/summarize")
	if c.chatURL != "http://localhost:8080/api/chat" || c.summarizeURL != "http://localhost:8080/api/ai/summarize" {
		t.Errorf("unexpected client urls: %+v", c)
	}
	if c.httpClient == nil {
		t.Error("httpClient should be set")
	}
}
