package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

func printStep(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+fmt.Sprintf(format, args...)))
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// scriptView is the client-side shape of a stored script.
type scriptView struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Selector  string    `json:"selector"`
	Context   struct {
		URL    string `json:"url"`
		Prompt string `json:"prompt"`
	} `json:"context"`
	Script struct {
		JSCode          string `json:"jsCode"`
		CSSCode         string `json:"cssCode"`
		URLMatchPattern string `json:"urlMatchPattern"`
	} `json:"script"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
}

func statusColor(status string) string {
	switch status {
	case "applied":
		return colorize(colorGreen, status)
	case "failed":
		return colorize(colorRed, status)
	default:
		return colorize(colorYellow, status)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return s
}

func writeScriptRow(w io.Writer, s scriptView) {
	fmt.Fprintf(w, "%s  %-8s  %s  %s\n",
		colorize(colorCyan, shortID(s.ID)),
		statusColor(s.Status),
		s.UpdatedAt.Local().Format("2006-01-02 15:04"),
		oneLine(s.Context.Prompt, 60),
	)
}

func writeScriptCode(w io.Writer, s scriptView) {
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Script:"), s.ID)
	if s.Selector != "" {
		fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Selector:"), s.Selector)
	}
	if s.Script.URLMatchPattern != "" {
		fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Matches:"), s.Script.URLMatchPattern)
	}
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Status:"), statusColor(s.Status))
	if s.ErrorMessage != "" {
		fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Error:"), s.ErrorMessage)
	}
	fmt.Fprintf(w, "\n%s\n%s\n", colorize(colorBold, "// JavaScript"), s.Script.JSCode)
	if s.Script.CSSCode != "" {
		fmt.Fprintf(w, "\n%s\n%s\n", colorize(colorBold, "/* CSS */"), s.Script.CSSCode)
	}
}
