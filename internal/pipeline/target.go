package pipeline

import (
	"context"
	"sort"

	"github.com/kalambet/pagetweak/internal/browser"
	"github.com/kalambet/pagetweak/internal/preview"
)

// Page is an open document that previews are applied to.
type Page interface {
	preview.Runtime
	Capture(ctx context.Context, selector string) (browser.Capture, error)
	PageInfo(ctx context.Context) (url, title string, err error)
	Close() error
}

// Browser opens pages.
type Browser interface {
	OpenTab(ctx context.Context, url string) (Page, error)
}

// BrowserFunc adapts a function to Browser.
type BrowserFunc func(ctx context.Context, url string) (Page, error)

func (f BrowserFunc) OpenTab(ctx context.Context, url string) (Page, error) {
	return f(ctx, url)
}

// ManagerBrowser adapts a browser.Manager to Browser.
func ManagerBrowser(m *browser.Manager) Browser {
	return BrowserFunc(func(ctx context.Context, url string) (Page, error) {
		tab, err := m.OpenTab(ctx, url)
		if err != nil {
			return nil, err
		}
		return tab, nil
	})
}

type target struct {
	key      string
	url      string
	page     Page
	previews *preview.Applicator
}

// TargetInfo describes an open target.
type TargetInfo struct {
	Key      string   `json:"key"`
	URL      string   `json:"url"`
	Title    string   `json:"title,omitempty"`
	Previews []string `json:"previews"`
	Busy     bool     `json:"busy"`
}

func (s *Service) lookup(key string) (*target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[key]
	if !ok {
		return nil, ErrTargetNotFound
	}
	return t, nil
}

func (s *Service) info(ctx context.Context, t *target) TargetInfo {
	info := TargetInfo{
		Key:      t.key,
		URL:      t.url,
		Previews: t.previews.Active(),
		Busy:     s.jobs.Active(t.key),
	}
	if url, title, err := t.page.PageInfo(ctx); err == nil {
		info.URL, info.Title = url, title
	}
	return info
}

// Targets lists open targets ordered by key.
func (s *Service) Targets(ctx context.Context) []TargetInfo {
	s.mu.Lock()
	list := make([]*target, 0, len(s.targets))
	for _, t := range s.targets {
		list = append(list, t)
	}
	s.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].key < list[j].key })
	out := make([]TargetInfo, 0, len(list))
	for _, t := range list {
		out = append(out, s.info(ctx, t))
	}
	return out
}

// Target describes one open target.
func (s *Service) Target(ctx context.Context, key string) (TargetInfo, error) {
	t, err := s.lookup(key)
	if err != nil {
		return TargetInfo{}, err
	}
	return s.info(ctx, t), nil
}
