package storage

import (
	"errors"
	"time"

	"github.com/kalambet/pagetweak/internal/script"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ScriptContext is the page and prompt a script was generated for.
type ScriptContext struct {
	URL         string `json:"url,omitempty"`
	Title       string `json:"title,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
	PreviewText string `json:"previewText,omitempty"`
}

// ScriptRecord is a stored script and the status of its last preview.
type ScriptRecord struct {
	ID           string         `json:"id"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	Selector     string         `json:"selector"`
	Context      ScriptContext  `json:"context"`
	Script       script.Payload `json:"script"`
	Status       script.Status  `json:"status"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

// Turn is one message in the conversation that produced a script.
type Turn struct {
	ID        string          `json:"id"`
	ScriptID  string          `json:"scriptId"`
	CreatedAt time.Time       `json:"createdAt"`
	Role      string          `json:"role"` // "user" or "assistant"
	Content   string          `json:"content"`
	Script    *script.Payload `json:"script,omitempty"`
	Error     string          `json:"error,omitempty"`
}
