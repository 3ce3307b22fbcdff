package request

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/pagetweak/internal/script"
)

const (
	defaultMaxSnippetChars = 4000
	defaultMaxHistoryTurns = 8
	defaultTemperature     = 0.2
	maxCodeHintChars       = 240
	turnSeparator          = " | "
)

// TruncationMarker is appended to a DOM snippet cut at the size cap.
const TruncationMarker = "\n<!-- truncated -->"

// ErrInvalidInput is returned when the caller-supplied input fails a precondition.
var ErrInvalidInput = errors.New("invalid input")

// ResponseFormat selects whether the model is asked for a JSON object or free text.
type ResponseFormat string

const (
	FormatJSON ResponseFormat = "json"
	FormatText ResponseFormat = "text"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// SelectorInput is what the DOM capture collaborator reports about the
// element the user pointed at.
type SelectorInput struct {
	Selector    string
	PreviewText string
	FramePath   []string
}

// PageInput is a snapshot of the page containing the element.
type PageInput struct {
	URL             string
	Title           string
	SurroundingHTML string
}

// Turn is one prior exchange about the same script.
type Turn struct {
	Role    Role
	Content string
	Script  *script.Payload
	Error   string
}

// Input is the raw, unbounded material a generation request is built from.
type Input struct {
	UserPrompt      string
	Selector        *SelectorInput
	Page            *PageInput
	History         []Turn
	ResponseFormat  ResponseFormat
	Temperature     *float64
	MaxOutputTokens *int
}

// SelectorContext is the bounded selector block of a request.
type SelectorContext struct {
	Selector    string
	PreviewText string
	FramePath   []string
}

// PageContext is the bounded page block of a request.
type PageContext struct {
	URL        string
	Title      string
	DOMSnippet string
}

// GenerationRequest is a normalized request ready for the model transport.
type GenerationRequest struct {
	PromptText      string
	SelectorContext *SelectorContext
	PageContext     *PageContext
	History         []string
	ResponseFormat  ResponseFormat
	Temperature     float64
	MaxOutputTokens *int
}

// Builder turns user input into a GenerationRequest, bounding snippet size
// and history length.
type Builder struct {
	MaxSnippetChars int
	MaxHistoryTurns int
}

// New creates a Builder. Non-positive limits select the defaults (4000
// characters, 8 turns).
func New(maxSnippetChars, maxHistoryTurns int) *Builder {
	if maxSnippetChars <= 0 {
		maxSnippetChars = defaultMaxSnippetChars
	}
	if maxHistoryTurns <= 0 {
		maxHistoryTurns = defaultMaxHistoryTurns
	}
	return &Builder{MaxSnippetChars: maxSnippetChars, MaxHistoryTurns: maxHistoryTurns}
}

// Build uses the default limits.
func Build(in Input) (GenerationRequest, error) {
	return New(0, 0).Build(in)
}

// Build validates in and produces a GenerationRequest.
func (b *Builder) Build(in Input) (GenerationRequest, error) {
	prompt := strings.TrimSpace(in.UserPrompt)
	if prompt == "" {
		return GenerationRequest{}, fmt.Errorf("%w: prompt is empty", ErrInvalidInput)
	}

	format := in.ResponseFormat
	switch format {
	case "":
		format = FormatJSON
	case FormatJSON, FormatText:
	default:
		return GenerationRequest{}, fmt.Errorf("%w: unknown response format %q", ErrInvalidInput, format)
	}

	req := GenerationRequest{
		PromptText:      prompt,
		ResponseFormat:  format,
		Temperature:     defaultTemperature,
		MaxOutputTokens: in.MaxOutputTokens,
	}
	if in.Temperature != nil {
		req.Temperature = *in.Temperature
	}

	if in.Selector != nil && strings.TrimSpace(in.Selector.Selector) != "" {
		req.SelectorContext = &SelectorContext{
			Selector:    in.Selector.Selector,
			PreviewText: in.Selector.PreviewText,
			FramePath:   in.Selector.FramePath,
		}
	}

	if in.Page != nil {
		pc := &PageContext{URL: in.Page.URL, Title: in.Page.Title}
		if snippet := strings.TrimSpace(in.Page.SurroundingHTML); snippet != "" {
			pc.DOMSnippet = truncate(snippet, b.MaxSnippetChars)
		}
		req.PageContext = pc
	}

	req.History = b.normalizeHistory(in.History)
	return req, nil
}

// truncate cuts s to limit runes and appends TruncationMarker when it was longer.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + TruncationMarker
}

// normalizeHistory keeps the most recent user/assistant turns and renders
// each into a single line. It returns nil when no turn qualifies.
func (b *Builder) normalizeHistory(turns []Turn) []string {
	var kept []Turn
	for _, t := range turns {
		if t.Role == RoleUser || t.Role == RoleAssistant {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	if len(kept) > b.MaxHistoryTurns {
		kept = kept[len(kept)-b.MaxHistoryTurns:]
	}

	out := make([]string, len(kept))
	for i, t := range kept {
		out[i] = renderTurn(t)
	}
	return out
}

// renderTurn flattens a turn to one line: the content, then the code and
// error hints separated by " | ".
func renderTurn(t Turn) string {
	parts := []string{roleLabel(t.Role) + ": " + oneLine(t.Content)}

	if t.Script != nil {
		if code := oneLine(t.Script.JSCode); code != "" {
			parts = append(parts, "Code: "+shorten(code, maxCodeHintChars))
		}
	}
	if msg := oneLine(t.Error); msg != "" {
		parts = append(parts, "Error: "+msg)
	}
	return strings.Join(parts, turnSeparator)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func roleLabel(r Role) string {
	if r == RoleAssistant {
		return "Assistant"
	}
	return "User"
}

func shorten(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}
