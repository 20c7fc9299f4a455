package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/noemahq/noema/internal/circuitbreaker"
	"github.com/noemahq/noema/internal/core"
)

const openaiDefaultBaseURL = "https://api.openai.com"

// openaiClient is shared by the DALL·E and chat backends.
type openaiClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	logger     *log.Logger
}

func newOpenAIClient(baseURL, apiKey string) *openaiClient {
	if baseURL == "" {
		baseURL = openaiDefaultBaseURL
	}
	return &openaiClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		breaker:    circuitbreaker.New(circuitbreaker.Config{Name: "openai"}),
		logger:     log.New(log.Writer(), "[OPENAI] ", log.LstdFlags),
	}
}

func (c *openaiClient) post(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return core.Wrap(core.KindInvalidInput, err, "marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return core.Wrap(core.KindUpstreamFailed, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	// Only transport errors and 5xx count against the circuit. 4xx (bad
	// prompt, content policy, quota) is a per-request problem.
	var resp *http.Response
	err = c.breaker.Do(func() error {
		r, err := c.httpClient.Do(req)
		if err != nil {
			return core.Wrap(core.KindUpstreamFailed, err, "openai %s", path)
		}
		if r.StatusCode >= 500 {
			msg, _ := io.ReadAll(io.LimitReader(r.Body, 2048))
			r.Body.Close()
			return core.E(core.KindUpstreamFailed, "openai %s returned %d: %s", path, r.StatusCode, msg)
		}
		resp = r
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return core.Wrap(core.KindUpstreamFailed, err, "openai unavailable")
	}
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return core.E(core.KindUpstreamFailed, "openai %s returned %d: %s", path, resp.StatusCode, msg)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ============================================================================
// DALL·E — synchronous image generation
// ============================================================================

// DalleRuntime calls the images API and returns the result inline. Delivery
// mode is always immediate: there is no webhook path.
type DalleRuntime struct {
	client *openaiClient
}

func NewDalleRuntime(baseURL, apiKey string) *DalleRuntime {
	return &DalleRuntime{client: newOpenAIClient(baseURL, apiKey)}
}

func (d *DalleRuntime) Service() string { return "dalle" }

type dalleRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size,omitempty"`
}

type dalleResponse struct {
	Data []struct {
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt,omitempty"`
	} `json:"data"`
}

func (d *DalleRuntime) Submit(ctx context.Context, gen *core.Generation, tool *core.Tool, inputs map[string]interface{}) (SubmitResult, error) {
	prompt, _ := inputs["prompt"].(string)
	if prompt == "" {
		return SubmitResult{}, core.E(core.KindInvalidInput, "dalle requires a prompt")
	}
	model := tool.Metadata["model"]
	if model == "" {
		model = "dall-e-3"
	}
	size, _ := inputs["size"].(string)

	runID := "dalle-" + gen.ID
	started := time.Now()

	var resp dalleResponse
	err := d.client.post(ctx, "/v1/images/generations", dalleRequest{
		Model:  model,
		Prompt: prompt,
		N:      1,
		Size:   size,
	}, &resp)
	if err != nil {
		return SubmitResult{RunID: runID, Immediate: failedEvent(runID, "UPSTREAM_FAILED", err)}, nil
	}
	if len(resp.Data) == 0 {
		return SubmitResult{RunID: runID, Immediate: failedEvent(runID, "UPSTREAM_FAILED",
			fmt.Errorf("openai returned no images"))}, nil
	}

	images := make([]string, 0, len(resp.Data))
	for _, img := range resp.Data {
		images = append(images, img.URL)
	}
	d.client.logger.Printf("✅ DALL·E produced %d image(s) for generation %s", len(images), gen.ID)

	return SubmitResult{
		RunID: runID,
		Immediate: &Event{
			RunID:  runID,
			Status: RemoteSuccess,
			Outputs: map[string]interface{}{
				"images":         images,
				"revised_prompt": resp.Data[0].RevisedPrompt,
			},
			DurationMs: time.Since(started).Milliseconds(),
		},
	}, nil
}

func (d *DalleRuntime) Cancel(ctx context.Context, runID string) error { return nil }

// ============================================================================
// OPENAI CHAT — synchronous text generation
// ============================================================================

// ChatRuntime runs chat completions. Token usage feeds per-token billing.
type ChatRuntime struct {
	client *openaiClient
}

func NewChatRuntime(baseURL, apiKey string) *ChatRuntime {
	return &ChatRuntime{client: newOpenAIClient(baseURL, apiKey)}
}

func (c *ChatRuntime) Service() string { return "openai-chat" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (c *ChatRuntime) Submit(ctx context.Context, gen *core.Generation, tool *core.Tool, inputs map[string]interface{}) (SubmitResult, error) {
	prompt, _ := inputs["prompt"].(string)
	if prompt == "" {
		return SubmitResult{}, core.E(core.KindInvalidInput, "chat requires a prompt")
	}
	model := tool.Metadata["model"]
	if model == "" {
		model = "gpt-4o-mini"
	}

	messages := []chatMessage{}
	if system, ok := inputs["system"].(string); ok && system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	temperature, _ := inputs["temperature"].(float64)

	runID := "chat-" + gen.ID
	started := time.Now()

	var resp chatResponse
	err := c.client.post(ctx, "/v1/chat/completions", chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
	}, &resp)
	if err != nil {
		return SubmitResult{RunID: runID, Immediate: failedEvent(runID, "UPSTREAM_FAILED", err)}, nil
	}
	if len(resp.Choices) == 0 {
		return SubmitResult{RunID: runID, Immediate: failedEvent(runID, "UPSTREAM_FAILED",
			fmt.Errorf("openai returned no choices"))}, nil
	}

	return SubmitResult{
		RunID: runID,
		Immediate: &Event{
			RunID:  runID,
			Status: RemoteSuccess,
			Outputs: map[string]interface{}{
				"text": resp.Choices[0].Message.Content,
			},
			DurationMs: time.Since(started).Milliseconds(),
			Tokens:     resp.Usage.TotalTokens,
		},
	}, nil
}

func (c *ChatRuntime) Cancel(ctx context.Context, runID string) error { return nil }

// ============================================================================
// STRING OPS — local, free, immediate
// ============================================================================

// StringRuntime executes pure text transforms in-process. It exists so the
// whole pipeline (quote, reserve, settle, notify) can be exercised without
// spending real compute.
type StringRuntime struct{}

func NewStringRuntime() *StringRuntime { return &StringRuntime{} }

func (s *StringRuntime) Service() string { return "string" }

func (s *StringRuntime) Submit(ctx context.Context, gen *core.Generation, tool *core.Tool, inputs map[string]interface{}) (SubmitResult, error) {
	text, _ := inputs["text"].(string)
	op, _ := inputs["operation"].(string)

	runID := "string-" + gen.ID
	var result string
	switch op {
	case "uppercase":
		result = strings.ToUpper(text)
	case "lowercase":
		result = strings.ToLower(text)
	case "reverse":
		runes := []rune(text)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		result = string(runes)
	case "trim":
		result = strings.TrimSpace(text)
	case "length":
		result = fmt.Sprintf("%d", utf8.RuneCountInString(text))
	default:
		return SubmitResult{}, core.E(core.KindInvalidInput, "unknown string operation %q", op)
	}

	return SubmitResult{
		RunID: runID,
		Immediate: &Event{
			RunID:   runID,
			Status:  RemoteSuccess,
			Outputs: map[string]interface{}{"text": result},
		},
	}, nil
}

func (s *StringRuntime) Cancel(ctx context.Context, runID string) error { return nil }

var (
	_ Runtime = (*DalleRuntime)(nil)
	_ Runtime = (*ChatRuntime)(nil)
	_ Runtime = (*StringRuntime)(nil)
)
