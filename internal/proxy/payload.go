package proxy

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kalambet/pagetweak/internal/request"
	"github.com/kalambet/pagetweak/internal/script"
)

var fencedBlock = regexp.MustCompile("(?s)^```[a-zA-Z]*[ \t]*\n?(.*?)\n?```$")

// UserMessage renders the selector, page, history and request blocks of req,
// separated by blank lines. Blocks without content are omitted.
func UserMessage(req request.GenerationRequest) string {
	var blocks []string

	if sc := req.SelectorContext; sc != nil {
		var lines []string
		if s := strings.TrimSpace(sc.Selector); s != "" {
			lines = append(lines, "Selector: "+s)
		}
		if p := strings.TrimSpace(sc.PreviewText); p != "" {
			lines = append(lines, "Preview: "+p)
		}
		if len(sc.FramePath) > 0 {
			lines = append(lines, "Frame path: "+strings.Join(sc.FramePath, " > "))
		}
		blocks = appendBlock(blocks, lines)
	}

	if pc := req.PageContext; pc != nil {
		var lines []string
		if u := strings.TrimSpace(pc.URL); u != "" {
			lines = append(lines, "URL: "+u)
		}
		if t := strings.TrimSpace(pc.Title); t != "" {
			lines = append(lines, "Title: "+t)
		}
		if pc.DOMSnippet != "" {
			lines = append(lines, "Surrounding HTML:\n"+pc.DOMSnippet)
		}
		blocks = appendBlock(blocks, lines)
	}

	if len(req.History) > 0 {
		blocks = append(blocks, "Previous attempts:\n"+strings.Join(req.History, "\n\n"))
	}

	if p := strings.TrimSpace(req.PromptText); p != "" {
		blocks = append(blocks, "Request: "+p)
	}

	return strings.Join(blocks, "\n\n")
}

func appendBlock(blocks, lines []string) []string {
	if len(lines) == 0 {
		return blocks
	}
	return append(blocks, strings.Join(lines, "\n"))
}

// extractContent turns message content into text. Providers send either a
// plain string or an array of segments carrying a text or content field;
// blank segments are dropped and the rest joined with newlines.
func extractContent(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	case '[':
		var segments []map[string]json.RawMessage
		if err := json.Unmarshal(raw, &segments); err != nil {
			return ""
		}
		var parts []string
		for _, seg := range segments {
			for _, key := range []string{"text", "content"} {
				text, ok := stringField(seg, key)
				if !ok {
					continue
				}
				if strings.TrimSpace(text) != "" {
					parts = append(parts, text)
				}
				break
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// ParseScriptPayload reads a script payload out of model text. A JSON object
// with a string jsCode (or js_code) yields its fields; anything else,
// including a null jsCode with no js_code, is treated as plain JavaScript and
// returned verbatim as JSCode.
func ParseScriptPayload(text string) script.Payload {
	plain := script.Payload{JSCode: text}

	obj, ok := decodeObject(text)
	if !ok {
		return plain
	}

	raw, ok := firstPresent(obj, "jsCode", "js_code")
	if !ok {
		return plain
	}
	var code string
	if err := json.Unmarshal(raw, &code); err != nil {
		return plain
	}

	p := script.Payload{JSCode: code}
	if css, ok := stringField(obj, "cssCode", "css_code"); ok && strings.TrimSpace(css) != "" {
		p.CSSCode = css
	}
	if pattern, ok := stringField(obj, "urlMatchPattern", "url_match_pattern"); ok && strings.TrimSpace(pattern) != "" {
		p.URLMatchPattern = pattern
	}
	return p
}

// decodeObject parses text as a JSON object, unwrapping a markdown code
// fence when the bare text is not JSON.
func decodeObject(text string) (map[string]json.RawMessage, bool) {
	trimmed := strings.TrimSpace(text)
	candidates := []string{trimmed}
	if m := fencedBlock.FindStringSubmatch(trimmed); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	for _, c := range candidates {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(c), &obj); err == nil && obj != nil {
			return obj, true
		}
	}
	return nil, false
}

// firstPresent returns the value of the first key that is present and not
// JSON null. A null field counts as absent, so the next alias is consulted.
func firstPresent(obj map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			continue
		}
		return v, true
	}
	return nil, false
}

// stringField returns the first present key's value when it is a JSON string.
func stringField(obj map[string]json.RawMessage, keys ...string) (string, bool) {
	raw, ok := firstPresent(obj, keys...)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
