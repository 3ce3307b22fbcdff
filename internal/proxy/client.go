package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/pagetweak/internal/request"
)

const (
	// DefaultTimeout bounds a single generation when Config.Timeout is zero.
	DefaultTimeout = 20 * time.Second

	defaultEndpointPath = "/chat/completions"
)

// DefaultSystemPrompt instructs the model to answer with a script payload object.
const DefaultSystemPrompt = `You write small, dependency-free JavaScript snippets that change a live web page.
Reply with ONLY a single JSON object, no prose and no markdown, with these keys:
- "jsCode" (string, required): JavaScript that runs inside the page. The variables selector, elements (all matches) and element (first match or null) are in scope, as are document, window and console.
- "cssCode" (string, optional): a stylesheet to inject alongside the script.
- "urlMatchPattern" (string, optional): a URL pattern with * wildcards where the script should run.
Drive every change from the supplied selector. If the change adds listeners, timers or DOM nodes, undo them by calling registerCleanup(fn) or by returning a cleanup function.`

// Config configures the model transport.
type Config struct {
	// BaseURL of an OpenAI-compatible API, e.g. https://api.openai.com/v1. Required.
	BaseURL string
	// APIKey is sent as a bearer token when non-blank.
	APIKey string
	// Model is forwarded as-is; omitted from the body when empty.
	Model string
	// EndpointPath is joined to BaseURL, or used verbatim when it is an
	// absolute URL. Empty selects /chat/completions.
	EndpointPath string
	// SystemPrompt overrides DefaultSystemPrompt when non-blank.
	SystemPrompt string
	// Timeout bounds one generation. Zero selects DefaultTimeout; a negative
	// value disables the timeout.
	Timeout time.Duration
	// HTTPClient defaults to a client without its own timeout.
	HTTPClient *http.Client
}

// Client sends generation requests to an OpenAI-compatible chat endpoint.
type Client struct {
	baseURL      string
	endpoint     string
	apiKey       string
	model        string
	systemPrompt string
	timeout      time.Duration
	httpClient   *http.Client
}

// NewClient validates cfg and creates a Client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConfiguration)
	}

	endpoint, err := resolveEndpoint(base, cfg.EndpointPath)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	systemPrompt := cfg.SystemPrompt
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = DefaultSystemPrompt
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	return &Client{
		baseURL:      base,
		endpoint:     endpoint,
		apiKey:       strings.TrimSpace(cfg.APIKey),
		model:        cfg.Model,
		systemPrompt: systemPrompt,
		timeout:      timeout,
		httpClient:   hc,
	}, nil
}

func resolveEndpoint(base, path string) (string, error) {
	if path == "" {
		path = defaultEndpointPath
	}
	path = strings.TrimSpace(path)

	if u, err := url.Parse(path); err == nil && u.IsAbs() && u.Host != "" {
		return path, nil
	}

	path = strings.Trim(path, "/")
	if path == "" {
		return "", fmt.Errorf("%w: endpoint path resolves to an empty path", ErrConfiguration)
	}
	return base + "/" + path, nil
}

// Endpoint returns the resolved chat completions URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Generate sends req to the model and parses the reply into a script payload.
// Every failure is a *ModelRequestError; cancellation of ctx and the
// transport timeout both surface as "Model request timed out.".
func (c *Client) Generate(ctx context.Context, req request.GenerationRequest) (Result, error) {
	body, err := json.Marshal(c.chatRequest(req))
	if err != nil {
		return Result{}, wrapFailure(fmt.Errorf("marshaling request: %w", err))
	}

	reqCtx, cancel := c.deriveContext(ctx)
	defer cancel()

	res, err := c.doGenerate(reqCtx, body)
	if err != nil {
		var mre *ModelRequestError
		if errors.As(err, &mre) {
			return Result{}, err
		}
		if reqCtx.Err() != nil {
			return Result{}, &ModelRequestError{
				Message: msgTimedOut,
				Details: map[string]any{"timeoutMs": c.timeoutMillis()},
				Err:     reqCtx.Err(),
			}
		}
		return Result{}, wrapFailure(err)
	}
	return res, nil
}

func (c *Client) deriveContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

func (c *Client) timeoutMillis() int64 {
	if c.timeout <= 0 {
		return 0
	}
	return c.timeout.Milliseconds()
}

func (c *Client) doGenerate(ctx context.Context, body []byte) (Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("reading response: %w", err)
	}

	var envelope map[string]json.RawMessage
	parsed := json.Unmarshal(raw, &envelope) == nil && envelope != nil

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, &ModelRequestError{
			Message: failureMessage(envelope, raw, resp.StatusCode),
			Status:  resp.StatusCode,
			Details: details(raw, parsed),
		}
	}

	var cr chatResponse
	if parsed {
		// A shape mismatch leaves cr empty, which is reported below as a
		// missing completion.
		_ = json.Unmarshal(raw, &cr)
	}

	var text, finish string
	if len(cr.Choices) > 0 {
		text = extractContent(cr.Choices[0].Message.Content)
		finish = cr.Choices[0].FinishReason
	}
	if strings.TrimSpace(text) == "" {
		return Result{}, &ModelRequestError{
			Message: msgNoCompletion,
			Status:  resp.StatusCode,
			Details: details(raw, parsed),
		}
	}

	res := Result{
		Script:       ParseScriptPayload(text),
		RawText:      text,
		FinishReason: finish,
	}
	if cr.Usage != nil {
		res.Usage = &Usage{
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
			TotalTokens:      cr.Usage.TotalTokens,
		}
	}
	return res, nil
}

func (c *Client) chatRequest(req request.GenerationRequest) ChatRequest {
	cr := ChatRequest{
		Model: c.model,
		Messages: []ChatMessage{
			{Role: "system", Content: c.systemPrompt},
			{Role: "user", Content: UserMessage(req)},
		},
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxOutputTokens,
	}
	if req.ResponseFormat == request.FormatJSON {
		cr.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}
	return cr
}

// ListModels returns the models advertised by the provider.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var list ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}

	if list.Data == nil {
		return []Model{}, nil
	}
	return list.Data, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func wrapFailure(err error) error {
	return &ModelRequestError{Message: err.Error(), Err: err}
}

// failureMessage picks the provider's error.message, then the raw body, then
// a generic status line.
func failureMessage(envelope map[string]json.RawMessage, raw []byte, status int) string {
	if errRaw, ok := envelope["error"]; ok {
		var e struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(errRaw, &e) == nil && strings.TrimSpace(e.Message) != "" {
			return e.Message
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return fmt.Sprintf("Request failed with status %d", status)
}

func details(raw []byte, parsed bool) any {
	if parsed {
		return json.RawMessage(raw)
	}
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
