package validate

import (
	"regexp"
	"strings"
	"testing"

	"github.com/kalambet/pagetweak/internal/script"
)

func TestValidate_Clean(t *testing.T) {
	p := script.Payload{JSCode: "document.body.style.background = 'red';", CSSCode: ".a { color: red }"}
	res := Validate(p)
	if !res.OK {
		t.Fatalf("OK = false, errors = %v", res.Errors)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("Warnings = %v, want none", res.Warnings)
	}
	if len(res.Errors) != 0 {
		t.Errorf("Errors = %v, want none", res.Errors)
	}
	if res.Script == nil || res.Script.JSCode != p.JSCode {
		t.Errorf("Script = %+v, want identical jsCode", res.Script)
	}
}

func TestValidate_MissingJS(t *testing.T) {
	for _, js := range []string{"", "   \n"} {
		res := Validate(script.Payload{JSCode: js, CSSCode: ".a{}"})
		if res.OK {
			t.Errorf("jsCode %q: OK = true", js)
		}
		if res.Script != nil {
			t.Errorf("jsCode %q: Script should be nil", js)
		}
		if len(res.Errors) != 1 || res.Errors[0] != "Generated response did not include JavaScript to execute." {
			t.Errorf("jsCode %q: Errors = %v", js, res.Errors)
		}
	}
}

func TestValidate_FetchWarning(t *testing.T) {
	res := Validate(script.Payload{JSCode: "fetch('/api').then(r => r.json())"})
	if !res.OK {
		t.Fatalf("OK = false: %v", res.Errors)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("Warnings = %v, want exactly one", res.Warnings)
	}
	if !strings.Contains(res.Warnings[0], "fetch") {
		t.Errorf("warning %q should mention fetch", res.Warnings[0])
	}
}

func TestValidate_OneWarningPerRule(t *testing.T) {
	js := "fetch('/a'); fetch('/b'); new XMLHttpRequest(); chrome.runtime.sendMessage({});"
	res := Validate(script.Payload{JSCode: js})
	if !res.OK {
		t.Fatal("warnings must not block")
	}
	if len(res.Warnings) != 3 {
		t.Errorf("Warnings = %v, want 3", res.Warnings)
	}
}

func TestValidate_SizeWarnings(t *testing.T) {
	res := Validate(script.Payload{
		JSCode:  strings.Repeat("a", 8001),
		CSSCode: strings.Repeat("b", 4001),
	})
	if !res.OK {
		t.Fatal("size warnings must not block")
	}
	if len(res.Warnings) != 2 {
		t.Errorf("Warnings = %v, want 2", res.Warnings)
	}

	res = Validate(script.Payload{JSCode: strings.Repeat("a", 8000), CSSCode: "  " + strings.Repeat("b", 4000) + "  "})
	if len(res.Warnings) != 0 {
		t.Errorf("at-limit payload produced warnings: %v", res.Warnings)
	}

	// Limits count characters, not bytes.
	res = Validate(script.Payload{
		JSCode:  "x(\"" + strings.Repeat("日", 3000) + "\")",
		CSSCode: strings.Repeat("é", 4000),
	})
	if len(res.Warnings) != 0 {
		t.Errorf("multibyte payload under the limits produced warnings: %v", res.Warnings)
	}

	res = Validate(script.Payload{JSCode: strings.Repeat("日", 8001)})
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "8001 characters") {
		t.Errorf("Warnings = %v, want one counting 8001 characters", res.Warnings)
	}
}

func TestValidate_Normalization(t *testing.T) {
	res := Validate(script.Payload{JSCode: "  run()  ", CSSCode: "  .a{}  ", URLMatchPattern: "  https://x/*  "})
	if !res.OK {
		t.Fatal("expected OK")
	}
	if res.Script.JSCode != "run()" {
		t.Errorf("JSCode = %q", res.Script.JSCode)
	}
	if res.Script.CSSCode != "  .a{}  " {
		t.Errorf("CSSCode = %q, want it untouched", res.Script.CSSCode)
	}
	if res.Script.URLMatchPattern != "https://x/*" {
		t.Errorf("URLMatchPattern = %q", res.Script.URLMatchPattern)
	}
}

func TestPolicy_CustomRules(t *testing.T) {
	pol := Policy{Rules: []Rule{{Name: "eval", Pattern: regexp.MustCompile(`\beval\(`), Message: "uses eval"}}}
	res := pol.Validate(script.Payload{JSCode: "eval('1'); fetch('/x')"})
	if len(res.Warnings) != 1 || res.Warnings[0] != "uses eval" {
		t.Errorf("Warnings = %v", res.Warnings)
	}
}

func TestDefaultRules_Independent(t *testing.T) {
	cases := map[string]string{
		"fetch":         "await fetch ('/x')",
		"xhr":           "const x = new XMLHttpRequest()",
		"extension-api": "chrome.storage.local.get()",
	}
	for _, r := range DefaultRules {
		js, ok := cases[r.Name]
		if !ok {
			t.Errorf("no case for rule %q", r.Name)
			continue
		}
		if !r.Pattern.MatchString(js) {
			t.Errorf("rule %q did not match %q", r.Name, js)
		}
		for other, ojs := range cases {
			if other != r.Name && r.Pattern.MatchString(ojs) {
				t.Errorf("rule %q unexpectedly matched %q", r.Name, ojs)
			}
		}
	}
}
