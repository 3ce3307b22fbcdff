package proxy

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/kalambet/pagetweak/internal/request"
	"github.com/kalambet/pagetweak/internal/script"
)

func TestParseScriptPayload(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want script.Payload
	}{
		{
			name: "camel case",
			in:   `{"jsCode":"console.log(1)","cssCode":".a{}"}`,
			want: script.Payload{JSCode: "console.log(1)", CSSCode: ".a{}"},
		},
		{
			name: "snake case",
			in:   `{"js_code":"run()","css_code":"b{}","url_match_pattern":"https://x/*"}`,
			want: script.Payload{JSCode: "run()", CSSCode: "b{}", URLMatchPattern: "https://x/*"},
		},
		{
			name: "camel wins over snake",
			in:   `{"jsCode":"a()","js_code":"b()"}`,
			want: script.Payload{JSCode: "a()"},
		},
		{
			name: "plain text",
			in:   "console.log(2)",
			want: script.Payload{JSCode: "console.log(2)"},
		},
		{
			name: "non-string jsCode falls back to text",
			in:   `{"jsCode":42,"js_code":"ignored()"}`,
			want: script.Payload{JSCode: `{"jsCode":42,"js_code":"ignored()"}`},
		},
		{
			name: "null jsCode falls back to text",
			in:   `{"jsCode":null,"cssCode":".a{}"}`,
			want: script.Payload{JSCode: `{"jsCode":null,"cssCode":".a{}"}`},
		},
		{
			name: "null jsCode defers to js_code",
			in:   `{"jsCode":null,"js_code":"b()","cssCode":null,"css_code":"c{}"}`,
			want: script.Payload{JSCode: "b()", CSSCode: "c{}"},
		},
		{
			name: "object without jsCode",
			in:   `{"code":"x()"}`,
			want: script.Payload{JSCode: `{"code":"x()"}`},
		},
		{
			name: "blank optional fields dropped",
			in:   `{"jsCode":"x()","cssCode":"  ","urlMatchPattern":7}`,
			want: script.Payload{JSCode: "x()"},
		},
		{
			name: "json array is plain text",
			in:   `["x()"]`,
			want: script.Payload{JSCode: `["x()"]`},
		},
		{
			name: "fenced json",
			in:   "```json\n{\"jsCode\":\"fenced()\"}\n```",
			want: script.Payload{JSCode: "fenced()"},
		},
		{
			name: "fenced non-json keeps original text",
			in:   "```js\nalert(1)\n```",
			want: script.Payload{JSCode: "```js\nalert(1)\n```"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseScriptPayload(tt.in); got != tt.want {
				t.Errorf("ParseScriptPayload(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestExtractContent(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"string", `"hello"`, "hello"},
		{"segments", `[{"type":"text","text":"a"},{"content":"b"},{"text":"  "},{"image":"x"}]`, "a\nb"},
		{"text preferred", `[{"text":"t","content":"c"}]`, "t"},
		{"non-string text falls to content", `[{"text":{"v":1},"content":"c"}]`, "c"},
		{"null", `null`, ""},
		{"empty", ``, ""},
		{"number", `12`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractContent(json.RawMessage(tt.raw)); got != tt.want {
				t.Errorf("extractContent(%s) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestUserMessage_AllBlocks(t *testing.T) {
	req := request.GenerationRequest{
		PromptText: "make it blue",
		SelectorContext: &request.SelectorContext{
			Selector:    "#cta",
			PreviewText: "Sign up",
			FramePath:   []string{"iframe#outer", "iframe.inner"},
		},
		PageContext: &request.PageContext{URL: "https://example.com", Title: "Example", DOMSnippet: "<div id=\"cta\"></div>"},
		History:     []string{"User: make it red", "Assistant: done | Code: el.style.color='red'"},
	}

	want := strings.Join([]string{
		"Selector: #cta\nPreview: Sign up\nFrame path: iframe#outer > iframe.inner",
		"URL: https://example.com\nTitle: Example\nSurrounding HTML:\n<div id=\"cta\"></div>",
		"Previous attempts:\nUser: make it red\n\nAssistant: done | Code: el.style.color='red'",
		"Request: make it blue",
	}, "\n\n")

	if got := UserMessage(req); got != want {
		t.Errorf("UserMessage =\n%s\nwant\n%s", got, want)
	}
}

func TestUserMessage_OmitsEmptyBlocks(t *testing.T) {
	req := request.GenerationRequest{
		PromptText:      "hide it",
		SelectorContext: &request.SelectorContext{},
		PageContext:     &request.PageContext{},
	}
	if got := UserMessage(req); got != "Request: hide it" {
		t.Errorf("UserMessage = %q", got)
	}
}
