package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/kalambet/pagetweak/internal/script"
)

// Cleanup undoes the side effects of an executed script.
type Cleanup func(ctx context.Context) error

// Style is an injected stylesheet owned by one preview.
type Style interface {
	Remove(ctx context.Context) error
}

// Execution describes one script run against a live document.
type Execution struct {
	ScriptID string
	Selector string
	JSCode   string
}

// Runtime applies styles and scripts to a live document.
//
// Execute resolves Selector, runs JSCode with the matched elements in scope
// and returns the script's teardown, if any. A function returned (or resolved)
// by the script takes precedence over one passed to registerCleanup.
type Runtime interface {
	AttachStyle(ctx context.Context, scriptID, css string) (Style, error)
	Execute(ctx context.Context, exec Execution) (Cleanup, error)
}

type entry struct {
	id       string
	selector string
	cleanup  Cleanup
	style    Style
}

// Applicator tracks the previews applied through one Runtime, keyed by
// script id. Its methods are safe for concurrent use and run one at a time.
type Applicator struct {
	mu      sync.Mutex
	rt      Runtime
	entries map[string]*entry
	logger  *slog.Logger
}

// New creates an Applicator for rt. A nil logger selects slog.Default().
func New(rt Runtime, logger *slog.Logger) *Applicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applicator{
		rt:      rt,
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Apply injects payload for scriptID against selector. An existing preview
// with the same id is torn down first. If the script fails, the stylesheet
// attached for this attempt is removed and the error is returned.
func (a *Applicator) Apply(ctx context.Context, scriptID, selector string, payload script.Payload) error {
	if strings.TrimSpace(scriptID) == "" {
		return errors.New("script id is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if prev, ok := a.entries[scriptID]; ok {
		a.teardown(ctx, prev)
		delete(a.entries, scriptID)
	}

	var style Style
	if strings.TrimSpace(payload.CSSCode) != "" {
		s, err := a.rt.AttachStyle(ctx, scriptID, payload.CSSCode)
		if err != nil {
			return fmt.Errorf("attaching stylesheet: %w", err)
		}
		style = s
	}

	var cleanup Cleanup
	if strings.TrimSpace(payload.JSCode) != "" {
		c, err := a.rt.Execute(ctx, Execution{ScriptID: scriptID, Selector: selector, JSCode: payload.JSCode})
		if err != nil {
			if style != nil {
				if rmErr := style.Remove(context.WithoutCancel(ctx)); rmErr != nil {
					a.logger.Warn("rolling back stylesheet failed", "script_id", scriptID, "error", rmErr)
				}
			}
			return fmt.Errorf("executing script: %w", err)
		}
		cleanup = c
	}

	a.entries[scriptID] = &entry{
		id:       scriptID,
		selector: selector,
		cleanup:  cleanup,
		style:    style,
	}
	a.logger.Debug("preview applied", "script_id", scriptID, "selector", selector)
	return nil
}

// Revoke tears down the preview for scriptID. Teardown failures are logged,
// never returned. Unknown ids are ignored.
func (a *Applicator) Revoke(ctx context.Context, scriptID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[scriptID]
	if !ok {
		return
	}
	a.teardown(ctx, e)
	delete(a.entries, scriptID)
}

// RevokeAll revokes every active preview.
func (a *Applicator) RevokeAll(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, e := range a.entries {
		a.teardown(ctx, e)
		delete(a.entries, id)
	}
}

// Active returns the ids of applied previews in sorted order.
func (a *Applicator) Active() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]string, 0, len(a.entries))
	for id := range a.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Selector returns the target selector of an applied preview.
func (a *Applicator) Selector(scriptID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[scriptID]
	if !ok {
		return "", false
	}
	return e.selector, true
}

// teardown runs the script cleanup and then removes the stylesheet. A failing
// cleanup does not prevent stylesheet removal. Caller holds a.mu.
func (a *Applicator) teardown(ctx context.Context, e *entry) {
	if e.cleanup != nil {
		if err := runCleanup(ctx, e.cleanup); err != nil {
			a.logger.Warn("preview cleanup failed", "script_id", e.id, "error", err)
		}
	}
	if e.style != nil {
		if err := e.style.Remove(ctx); err != nil {
			a.logger.Warn("removing preview stylesheet failed", "script_id", e.id, "error", err)
		}
	}
}

func runCleanup(ctx context.Context, c Cleanup) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup panicked: %v", r)
		}
	}()
	return c(ctx)
}
