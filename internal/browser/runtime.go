package browser

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kalambet/pagetweak/internal/preview"
)

const attachStyleJS = `(id, token, css) => {
	const style = document.createElement('style');
	style.setAttribute('data-pagetweak-id', id);
	style.setAttribute('data-pagetweak-token', token);
	style.textContent = css;
	(document.head || document.documentElement).appendChild(style);
	return true;
}`

const removeStyleJS = `(token) => {
	let removed = false;
	for (const node of document.querySelectorAll('style[data-pagetweak-token]')) {
		if (node.getAttribute('data-pagetweak-token') === token) {
			node.remove();
			removed = true;
		}
	}
	return removed;
}`

// executeJS runs the generated code as the body of an async function with the
// execution context in scope. A function returned or resolved by the code
// wins over one passed to registerCleanup. The chosen cleanup is parked under
// token until invoked.
const executeJS = `async (code, selector, token) => {
	const elements = selector ? Array.from(document.querySelectorAll(selector)) : [];
	const element = elements[0] || null;
	let registered = null;
	const registerCleanup = (fn) => {
		if (typeof fn === 'function') registered = fn;
	};
	const context = {selector, elements, element, registerCleanup, document, window, console};
	const AsyncFunction = Object.getPrototypeOf(async function () {}).constructor;
	const run = new AsyncFunction('context', 'selector', 'elements', 'element', 'registerCleanup', 'document', 'window', 'console', code);
	const result = await run(context, selector, elements, element, registerCleanup, document, window, console);
	const cleanup = typeof result === 'function' ? result : registered;
	if (!cleanup) return false;
	const store = window.__pagetweakCleanups || (window.__pagetweakCleanups = {});
	store[token] = cleanup;
	return true;
}`

const cleanupJS = `async (token) => {
	const store = window.__pagetweakCleanups || {};
	const fn = store[token];
	delete store[token];
	if (typeof fn === 'function') {
		await fn();
	}
	return true;
}`

type tabStyle struct {
	tab   *Tab
	token string
}

func (s *tabStyle) Remove(ctx context.Context) error {
	if _, err := s.tab.page.Context(ctx).Eval(removeStyleJS, s.token); err != nil {
		return fmt.Errorf("browser: removing stylesheet: %w", err)
	}
	return nil
}

// AttachStyle appends a style element tagged with scriptID to the document
// head, or to the document root when there is no head.
func (t *Tab) AttachStyle(ctx context.Context, scriptID, css string) (preview.Style, error) {
	token := uuid.NewString()
	if _, err := t.page.Context(ctx).Eval(attachStyleJS, scriptID, token, css); err != nil {
		return nil, fmt.Errorf("browser: attaching stylesheet: %w", err)
	}
	return &tabStyle{tab: t, token: token}, nil
}

// Execute runs exec.JSCode in the page and returns its cleanup, or nil when
// the script supplied none. Promises returned by the script are awaited.
func (t *Tab) Execute(ctx context.Context, exec preview.Execution) (preview.Cleanup, error) {
	token := uuid.NewString()
	res, err := t.page.Context(ctx).Eval(executeJS, exec.JSCode, exec.Selector, token)
	if err != nil {
		return nil, fmt.Errorf("browser: running script %s: %w", exec.ScriptID, err)
	}
	if !res.Value.Bool() {
		return nil, nil
	}

	return func(ctx context.Context) error {
		if _, err := t.page.Context(ctx).Eval(cleanupJS, token); err != nil {
			return fmt.Errorf("browser: cleanup for %s: %w", exec.ScriptID, err)
		}
		return nil
	}, nil
}

var _ preview.Runtime = (*Tab)(nil)
