package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-rod/rod"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/pagetweak/internal/request"
)

// ErrNoMatch is returned by Capture when the selector matches nothing.
var ErrNoMatch = errors.New("browser: selector matched no elements")

// Tab is one open page used as a preview target.
type Tab struct {
	page   *rod.Page
	logger *slog.Logger
}

func newTab(page *rod.Page, logger *slog.Logger) *Tab {
	return &Tab{page: page, logger: logger}
}

// Capture is the element and page context collected for a selector.
type Capture struct {
	Selector request.SelectorInput
	Page     request.PageInput
	Matches  int
}

// PageInfo returns the current URL and title of the tab.
func (t *Tab) PageInfo(ctx context.Context) (url, title string, err error) {
	info, err := t.page.Context(ctx).Info()
	if err != nil {
		return "", "", fmt.Errorf("browser: page info: %w", err)
	}
	return info.URL, info.Title, nil
}

type elementSnapshot struct {
	Count     int    `json:"count"`
	OuterHTML string `json:"outer"`
	Text      string `json:"text"`
	Context   string `json:"context"`
}

const snapshotJS = `(selector) => {
	const els = document.querySelectorAll(selector);
	const el = els[0];
	if (!el) return JSON.stringify({count: 0});
	const host = el.parentElement || el;
	return JSON.stringify({
		count: els.length,
		outer: el.outerHTML,
		text: el.innerText || el.textContent || '',
		context: host.outerHTML,
	});
}`

// Capture collects the selector context and page snapshot for selector. The
// element snapshot and the page info are fetched concurrently.
func (t *Tab) Capture(ctx context.Context, selector string) (Capture, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return Capture{}, errors.New("browser: selector is required")
	}

	var (
		snap       elementSnapshot
		url, title string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := t.page.Context(gctx).Eval(snapshotJS, selector)
		if err != nil {
			return fmt.Errorf("browser: query %q: %w", selector, err)
		}
		if err := json.Unmarshal([]byte(res.Value.Str()), &snap); err != nil {
			return fmt.Errorf("browser: decoding snapshot: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		url, title, err = t.PageInfo(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return Capture{}, err
	}

	if snap.Count == 0 {
		return Capture{}, fmt.Errorf("%w: %s", ErrNoMatch, selector)
	}

	return Capture{
		Selector: request.SelectorInput{
			Selector:    selector,
			PreviewText: previewText(snap.OuterHTML, snap.Text, url),
		},
		Page: request.PageInput{
			URL:             url,
			Title:           title,
			SurroundingHTML: sanitizeHTML(snap.Context),
		},
		Matches: snap.Count,
	}, nil
}

// Close closes the tab.
func (t *Tab) Close() error {
	if t.page != nil {
		return t.page.Close()
	}
	return nil
}
