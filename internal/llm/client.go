package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/youruser/hogsim/internal/logging"
)

var (
	ErrRequestFailed = errors.New("API request failed")
	ErrNoBody        = errors.New("response has no body")
	ErrStreamError   = errors.New("stream error")
	ErrEmptySummary  = errors.New("summarize returned no summary")
	log              = logging.Get()
)

const (
	defaultRequestTimeout = 120 * time.Second
	thoughtMarker         = "[THOUGHT]"
)

// Client talks to the game-master chat and summarize endpoints.
type Client struct {
	chatURL      string
	summarizeURL string
	httpClient   *http.Client
}

// NewClient creates a new endpoint client.
func NewClient(chatURL, summarizeURL string) *Client {
	return &Client{
		chatURL:      chatURL,
		summarizeURL: summarizeURL,
		httpClient:   &http.Client{},
	}
}

// OpenChatStream posts the turn and returns the response stream. The caller
// must Close the stream. Cancelling ctx aborts the request and any Recv.
func (c *Client) OpenChatStream(ctx context.Context, reqBody ChatRequest) (*Stream, error) {
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.chatURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	log.Debug("HTTP POST %s (model: %s, messages: %d)", c.chatURL, reqBody.Model, len(reqBody.Messages))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("HTTP request failed: %v", err)
		return nil, err
	}

	log.Debug("HTTP response status: %d", resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		log.Error("API error %d: %s", resp.StatusCode, string(body))
		return nil, fmt.Errorf("%w: %d - %s", ErrRequestFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.Body != nil {
			resp.Body.Close()
		}
		return nil, ErrNoBody
	}

	return newStream(ctx, resp.Body), nil
}

// Stream reads classified events from a chat response.
type Stream struct {
	ctx     context.Context
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func newStream(ctx context.Context, body io.ReadCloser) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Stream{ctx: ctx, body: body, scanner: scanner}
}

// Recv returns the next event. It returns io.EOF at [DONE] or end of body,
// ctx.Err() once the request is cancelled, and an error wrapping
// ErrStreamError when the server sends an error envelope.
func (s *Stream) Recv() (StreamEvent, error) {
	if s.done {
		return StreamEvent{}, io.EOF
	}

	for s.scanner.Scan() {
		if err := s.ctx.Err(); err != nil {
			return StreamEvent{}, err
		}

		line := s.scanner.Text()

		// SSE format: "data:{payload}", space after the colon optional
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		if data == "[DONE]" {
			log.Debug("SSE stream received [DONE]")
			s.done = true
			return StreamEvent{}, io.EOF
		}

		event, err := classifyFrame(data)
		if err != nil {
			return StreamEvent{}, err
		}
		if event.Content == "" {
			continue
		}
		return event, nil
	}

	if err := s.scanner.Err(); err != nil {
		// When the context is canceled (user abort), the HTTP body closes and
		// the scanner sees an IO error. Report the cancellation instead.
		if s.ctx.Err() != nil {
			return StreamEvent{}, s.ctx.Err()
		}
		log.Error("SSE scanner error: %v", err)
		return StreamEvent{}, err
	}
	if err := s.ctx.Err(); err != nil {
		return StreamEvent{}, err
	}

	log.Debug("SSE stream ended without [DONE]")
	s.done = true
	return StreamEvent{}, io.EOF
}

// Close releases the response body.
func (s *Stream) Close() error {
	return s.body.Close()
}

// classifyFrame turns one trimmed data payload into an event. JSON envelopes
// carry {type, content}. Anything else is the legacy plain-text protocol, in
// which a [THOUGHT] marker flags reasoning.
func classifyFrame(data string) (StreamEvent, error) {
	if strings.HasPrefix(data, "{") && gjson.Valid(data) {
		envelope := gjson.Parse(data)
		if typ := envelope.Get("type"); typ.Exists() {
			content := envelope.Get("content").String()
			switch typ.String() {
			case "thought":
				return StreamEvent{Type: EventThought, Content: content}, nil
			case "error":
				log.Error("Stream error frame: %s", content)
				return StreamEvent{}, fmt.Errorf("%w: %s", ErrStreamError, content)
			default:
				return StreamEvent{Type: EventText, Content: content}, nil
			}
		}
	}

	if strings.Contains(data, thoughtMarker) {
		return StreamEvent{Type: EventThought, Content: strings.ReplaceAll(data, thoughtMarker, "")}, nil
	}
	return StreamEvent{Type: EventText, Content: data}, nil
}

// Summarize asks the summarize endpoint to fold messages into one chapter.
func (c *Client) Summarize(ctx context.Context, reqBody SummarizeRequest) (string, error) {
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", c.summarizeURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	log.Debug("HTTP POST %s (summarize, model: %s, messages: %d)", c.summarizeURL, reqBody.Model, len(reqBody.Messages))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("HTTP request failed: %v", err)
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Error("API error %d: %s", resp.StatusCode, string(body))
		return "", fmt.Errorf("%w: %d - %s", ErrRequestFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out summarizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode summarize response: %w", err)
	}
	if out.Code != nil && *out.Code != 0 {
		return "", fmt.Errorf("%w: code %d - %s", ErrRequestFailed, *out.Code, out.Message)
	}

	summary := out.Summary
	if summary == "" && out.Data != nil {
		summary = out.Data.Summary
	}
	if strings.TrimSpace(summary) == "" {
		return "", ErrEmptySummary
	}
	return summary, nil
}
