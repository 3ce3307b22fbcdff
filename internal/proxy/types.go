package proxy

import (
	"encoding/json"

	"github.com/kalambet/pagetweak/internal/script"
)

// ChatMessage is one entry of the OpenAI-compatible messages array.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat is the provider hint requesting a JSON object reply.
type ResponseFormat struct {
	Type string `json:"type"`
}

// ChatRequest is the OpenAI-compatible chat completion request body.
type ChatRequest struct {
	Model           string          `json:"model,omitempty"`
	Messages        []ChatMessage   `json:"messages"`
	Temperature     float64         `json:"temperature"`
	MaxOutputTokens *int            `json:"max_output_tokens,omitempty"`
	ResponseFormat  *ResponseFormat `json:"response_format,omitempty"`
}

// chatResponse mirrors the fields read from a chat completion response.
// Content stays raw because providers send either a string or an array of
// segments.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     *int `json:"prompt_tokens"`
		CompletionTokens *int `json:"completion_tokens"`
		TotalTokens      *int `json:"total_tokens"`
	} `json:"usage"`
}

// Usage reports token accounting when the provider includes it.
type Usage struct {
	PromptTokens     *int `json:"promptTokens,omitempty"`
	CompletionTokens *int `json:"completionTokens,omitempty"`
	TotalTokens      *int `json:"totalTokens,omitempty"`
}

// Result is a successful generation.
type Result struct {
	Script       script.Payload `json:"script"`
	RawText      string         `json:"rawText"`
	FinishReason string         `json:"finishReason,omitempty"`
	Usage        *Usage         `json:"usage,omitempty"`
}

// Model represents a model entry returned by the /models endpoint.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// ModelList is the response from /models.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
