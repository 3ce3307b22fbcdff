package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kalambet/pagetweak/internal/jobs"
	"github.com/kalambet/pagetweak/internal/preview"
	"github.com/kalambet/pagetweak/internal/proxy"
	"github.com/kalambet/pagetweak/internal/request"
	"github.com/kalambet/pagetweak/internal/script"
	"github.com/kalambet/pagetweak/internal/storage"
	"github.com/kalambet/pagetweak/internal/validate"
)

// Generator sends a generation request to the model.
type Generator interface {
	Generate(ctx context.Context, req request.GenerationRequest) (proxy.Result, error)
}

// Store persists scripts and their conversation turns.
type Store interface {
	SaveScript(rec storage.ScriptRecord) (storage.ScriptRecord, error)
	GetScript(id string) (storage.ScriptRecord, error)
	ListScripts() ([]storage.ScriptRecord, error)
	ListScriptsByStatus(status script.Status) ([]storage.ScriptRecord, error)
	UpdateScriptStatus(id string, status script.Status, errMsg string) error
	DeleteScript(id string) error
	AppendTurn(t storage.Turn) (storage.Turn, error)
	ListTurns(scriptID string, limit int) ([]storage.Turn, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Browser   Browser
	Generator Generator
	Store     Store
	// Builder defaults to request.New(0, 0).
	Builder *request.Builder
	// Policy defaults to validate.DefaultPolicy().
	Policy *validate.Policy
	// Temperature and MaxOutputTokens are used when a generation does not
	// set its own.
	Temperature     *float64
	MaxOutputTokens *int
	Logger          *slog.Logger
}

// Service runs the generate/preview lifecycle for a set of open targets.
// Each target has at most one generation in flight.
type Service struct {
	browser   Browser
	generator Generator
	store     Store
	builder   *request.Builder
	policy    validate.Policy
	temp      *float64
	maxTokens *int
	logger    *slog.Logger
	jobs      *jobs.Supervisor[proxy.Result]

	mu      sync.Mutex
	targets map[string]*target
	closed  bool
}

// NewService creates a Service from deps.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	builder := deps.Builder
	if builder == nil {
		builder = request.New(0, 0)
	}
	policy := validate.DefaultPolicy()
	if deps.Policy != nil {
		policy = *deps.Policy
	}
	return &Service{
		browser:   deps.Browser,
		generator: deps.Generator,
		store:     deps.Store,
		builder:   builder,
		policy:    policy,
		temp:      deps.Temperature,
		maxTokens: deps.MaxOutputTokens,
		logger:    logger,
		jobs:      jobs.New[proxy.Result](logger),
		targets:   make(map[string]*target),
	}
}

// OpenTarget opens url as a new target and re-applies the stored scripts
// marked applied whose URL pattern matches the page.
func (s *Service) OpenTarget(ctx context.Context, url string) (TargetInfo, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return TargetInfo{}, errors.New("service is closed")
	}

	page, err := s.browser.OpenTab(ctx, url)
	if err != nil {
		return TargetInfo{}, fmt.Errorf("opening target: %w", err)
	}

	t := &target{
		key:      uuid.NewString(),
		url:      url,
		page:     page,
		previews: preview.New(page, s.logger),
	}
	if pageURL, _, err := page.PageInfo(ctx); err == nil && pageURL != "" {
		t.url = pageURL
	}

	s.mu.Lock()
	s.targets[t.key] = t
	s.mu.Unlock()

	s.logger.Info("target opened", "target", t.key, "url", t.url)
	s.autoApply(ctx, t)
	return s.info(ctx, t), nil
}

func (s *Service) autoApply(ctx context.Context, t *target) {
	recs, err := s.store.ListScriptsByStatus(script.StatusApplied)
	if err != nil {
		s.logger.Warn("listing applied scripts failed", "target", t.key, "error", err)
		return
	}
	for _, rec := range recs {
		if !script.MatchURL(rec.Script.URLMatchPattern, t.url) {
			continue
		}
		if err := t.previews.Apply(ctx, rec.ID, rec.Selector, rec.Script); err != nil {
			s.logger.Warn("auto-apply failed", "target", t.key, "script_id", rec.ID, "error", err)
			continue
		}
		s.logger.Debug("auto-applied script", "target", t.key, "script_id", rec.ID)
	}
}

// CloseTarget cancels the target's generation, revokes its previews and
// closes the page.
func (s *Service) CloseTarget(ctx context.Context, key string) error {
	s.mu.Lock()
	t, ok := s.targets[key]
	delete(s.targets, key)
	s.mu.Unlock()
	if !ok {
		return ErrTargetNotFound
	}
	s.shutdown(ctx, t)
	return nil
}

func (s *Service) shutdown(ctx context.Context, t *target) {
	s.jobs.Cancel(t.key)
	t.previews.RevokeAll(ctx)
	if err := t.page.Close(); err != nil {
		s.logger.Warn("closing page failed", "target", t.key, "error", err)
	}
	s.logger.Info("target closed", "target", t.key)
}

// GenerateInput is one user request against a target.
type GenerateInput struct {
	Prompt    string
	Selector  string
	FramePath []string
	// ScriptID continues the conversation of an existing script. Empty
	// starts a new script.
	ScriptID        string
	Apply           bool
	ResponseFormat  request.ResponseFormat
	Temperature     *float64
	MaxOutputTokens *int
}

// GenerateResult is a validated, stored script.
type GenerateResult struct {
	Script       storage.ScriptRecord `json:"script"`
	Warnings     []string             `json:"warnings"`
	RawText      string               `json:"rawText"`
	FinishReason string               `json:"finishReason,omitempty"`
	Usage        *proxy.Usage         `json:"usage,omitempty"`
	Applied      bool                 `json:"applied"`
	PreviewError string               `json:"previewError,omitempty"`
}

// Generate captures the selected element, asks the model for a script and
// stores the validated result. A newer Generate on the same target cancels
// this one.
//
// Errors: request.ErrInvalidInput for bad input, ErrCancelled when the
// generation was cancelled, *proxy.ModelRequestError for transport failures
// and *ValidationError when the response held no usable script.
func (s *Service) Generate(ctx context.Context, key string, in GenerateInput) (GenerateResult, error) {
	t, err := s.lookup(key)
	if err != nil {
		return GenerateResult{}, err
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return GenerateResult{}, fmt.Errorf("%w: prompt is empty", request.ErrInvalidInput)
	}

	var existing *storage.ScriptRecord
	var history []request.Turn
	if in.ScriptID != "" {
		rec, err := s.store.GetScript(in.ScriptID)
		if err != nil {
			return GenerateResult{}, fmt.Errorf("loading script %s: %w", in.ScriptID, err)
		}
		existing = &rec
		if in.Selector == "" {
			in.Selector = rec.Selector
		}
		history, err = s.history(rec.ID)
		if err != nil {
			return GenerateResult{}, err
		}
	}

	sel, page, err := s.capture(ctx, t, in.Selector)
	if err != nil {
		return GenerateResult{}, err
	}
	if sel != nil {
		sel.FramePath = in.FramePath
	}

	temp := in.Temperature
	if temp == nil {
		temp = s.temp
	}
	maxTokens := in.MaxOutputTokens
	if maxTokens == nil {
		maxTokens = s.maxTokens
	}

	req, err := s.builder.Build(request.Input{
		UserPrompt:      in.Prompt,
		Selector:        sel,
		Page:            page,
		History:         history,
		ResponseFormat:  in.ResponseFormat,
		Temperature:     temp,
		MaxOutputTokens: maxTokens,
	})
	if err != nil {
		return GenerateResult{}, err
	}

	outcome := s.jobs.Run(ctx, key, func(ctx context.Context) (proxy.Result, error) {
		return s.generator.Generate(ctx, req)
	})

	switch outcome.Status {
	case jobs.Cancelled:
		s.logger.Info("generation cancelled", "target", key, "cause", outcome.Err)
		return GenerateResult{}, fmt.Errorf("%w: %w", ErrCancelled, outcome.Err)
	case jobs.Error:
		s.logger.Warn("generation failed", "target", key, "error", outcome.Err)
		if existing != nil {
			s.recordTurns(existing.ID, in.Prompt, nil, outcome.Err.Error())
		}
		return GenerateResult{}, outcome.Err
	}

	res := outcome.Value
	vr := s.policy.Validate(res.Script)
	if !vr.OK {
		s.logger.Warn("generated script rejected", "target", key, "errors", vr.Errors)
		if existing != nil {
			s.recordTurns(existing.ID, in.Prompt, nil, strings.Join(vr.Errors, "; "))
		}
		return GenerateResult{}, &ValidationError{Errors: vr.Errors, Warnings: vr.Warnings, RawText: res.RawText}
	}

	rec := storage.ScriptRecord{ID: uuid.NewString()}
	if existing != nil {
		rec = *existing
	}
	rec.Selector = in.Selector
	rec.Script = *vr.Script
	rec.Status = script.StatusPending
	rec.ErrorMessage = ""
	rec.Context = storage.ScriptContext{Prompt: strings.TrimSpace(in.Prompt)}
	if sel != nil {
		rec.Context.PreviewText = sel.PreviewText
	}
	if page != nil {
		rec.Context.URL, rec.Context.Title = page.URL, page.Title
	}

	saved, err := s.store.SaveScript(rec)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("saving script: %w", err)
	}

	out := GenerateResult{
		Warnings:     vr.Warnings,
		RawText:      res.RawText,
		FinishReason: res.FinishReason,
		Usage:        res.Usage,
	}

	var applyErr string
	if in.Apply {
		saved, err = s.apply(ctx, t, saved)
		if err != nil {
			applyErr = err.Error()
			out.PreviewError = applyErr
		} else {
			out.Applied = true
		}
	}
	s.recordTurns(saved.ID, in.Prompt, vr.Script, applyErr)

	out.Script = saved
	s.logger.Info("script generated",
		"target", key,
		"script_id", saved.ID,
		"warnings", len(vr.Warnings),
		"applied", out.Applied,
	)
	return out, nil
}

func (s *Service) history(scriptID string) ([]request.Turn, error) {
	turns, err := s.store.ListTurns(scriptID, s.builder.MaxHistoryTurns)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	out := make([]request.Turn, 0, len(turns))
	for _, t := range turns {
		out = append(out, request.Turn{
			Role:    request.Role(t.Role),
			Content: t.Content,
			Script:  t.Script,
			Error:   t.Error,
		})
	}
	return out, nil
}

// capture collects selector and page context. Without a selector only the
// page URL and title are captured.
func (s *Service) capture(ctx context.Context, t *target, selector string) (*request.SelectorInput, *request.PageInput, error) {
	if strings.TrimSpace(selector) == "" {
		url, title, err := t.page.PageInfo(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("reading page info: %w", err)
		}
		return nil, &request.PageInput{URL: url, Title: title}, nil
	}

	c, err := t.page.Capture(ctx, selector)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", request.ErrInvalidInput, err)
	}
	return &c.Selector, &c.Page, nil
}

// recordTurns appends the user prompt and the assistant reply to the
// script's history. Failures are logged.
func (s *Service) recordTurns(scriptID, prompt string, p *script.Payload, errMsg string) {
	turns := []storage.Turn{
		{ScriptID: scriptID, Role: string(request.RoleUser), Content: strings.TrimSpace(prompt)},
		{ScriptID: scriptID, Role: string(request.RoleAssistant), Content: assistantSummary(p, errMsg), Script: p, Error: errMsg},
	}
	for _, turn := range turns {
		if _, err := s.store.AppendTurn(turn); err != nil {
			s.logger.Warn("recording turn failed", "script_id", scriptID, "error", err)
			return
		}
	}
}

func assistantSummary(p *script.Payload, errMsg string) string {
	switch {
	case p == nil:
		return "No usable script was produced."
	case errMsg != "":
		return "Generated a script that failed to apply."
	default:
		return "Generated a script."
	}
}

// apply previews rec on t and records the resulting status.
func (s *Service) apply(ctx context.Context, t *target, rec storage.ScriptRecord) (storage.ScriptRecord, error) {
	applyErr := t.previews.Apply(ctx, rec.ID, rec.Selector, rec.Script)

	status, msg := script.StatusApplied, ""
	if applyErr != nil {
		status, msg = script.StatusFailed, applyErr.Error()
		s.logger.Warn("preview failed", "target", t.key, "script_id", rec.ID, "error", applyErr)
	}
	if err := s.store.UpdateScriptStatus(rec.ID, status, msg); err != nil {
		s.logger.Warn("updating script status failed", "script_id", rec.ID, "error", err)
	} else {
		rec.Status, rec.ErrorMessage = status, msg
	}

	if applyErr != nil {
		return rec, fmt.Errorf("%w: %w", ErrPreviewFailed, applyErr)
	}
	return rec, nil
}

// Cancel cancels the generation in flight on the target, if any.
func (s *Service) Cancel(key string) error {
	if _, err := s.lookup(key); err != nil {
		return err
	}
	s.jobs.Cancel(key)
	return nil
}

// Preview applies a stored script to the target.
func (s *Service) Preview(ctx context.Context, key, scriptID string) (storage.ScriptRecord, error) {
	t, err := s.lookup(key)
	if err != nil {
		return storage.ScriptRecord{}, err
	}
	rec, err := s.store.GetScript(scriptID)
	if err != nil {
		return storage.ScriptRecord{}, err
	}
	return s.apply(ctx, t, rec)
}

// Revoke removes a preview from the target and marks the script pending.
func (s *Service) Revoke(ctx context.Context, key, scriptID string) error {
	t, err := s.lookup(key)
	if err != nil {
		return err
	}
	s.revoke(ctx, t, scriptID)
	return nil
}

func (s *Service) revoke(ctx context.Context, t *target, scriptID string) {
	t.previews.Revoke(ctx, scriptID)
	err := s.store.UpdateScriptStatus(scriptID, script.StatusPending, "")
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("updating script status failed", "script_id", scriptID, "error", err)
	}
}

// RevokeAll removes every preview from the target.
func (s *Service) RevokeAll(ctx context.Context, key string) error {
	t, err := s.lookup(key)
	if err != nil {
		return err
	}
	for _, id := range t.previews.Active() {
		s.revoke(ctx, t, id)
	}
	return nil
}

// ScriptDetail is a stored script with its conversation.
type ScriptDetail struct {
	storage.ScriptRecord
	Turns []storage.Turn `json:"turns"`
}

// Scripts lists stored scripts.
func (s *Service) Scripts() ([]storage.ScriptRecord, error) {
	return s.store.ListScripts()
}

// Script returns a stored script and its turns.
func (s *Service) Script(id string) (ScriptDetail, error) {
	rec, err := s.store.GetScript(id)
	if err != nil {
		return ScriptDetail{}, err
	}
	turns, err := s.store.ListTurns(id, 0)
	if err != nil {
		return ScriptDetail{}, fmt.Errorf("loading turns: %w", err)
	}
	return ScriptDetail{ScriptRecord: rec, Turns: turns}, nil
}

// RemoveScript revokes the script on every target and deletes it.
func (s *Service) RemoveScript(ctx context.Context, id string) error {
	s.mu.Lock()
	list := make([]*target, 0, len(s.targets))
	for _, t := range s.targets {
		list = append(list, t)
	}
	s.mu.Unlock()

	for _, t := range list {
		t.previews.Revoke(ctx, id)
	}
	return s.store.DeleteScript(id)
}

// Close cancels all generations and closes every target.
func (s *Service) Close(ctx context.Context) {
	s.jobs.CancelAll()

	s.mu.Lock()
	s.closed = true
	list := make([]*target, 0, len(s.targets))
	for key, t := range s.targets {
		list = append(list, t)
		delete(s.targets, key)
	}
	s.mu.Unlock()

	for _, t := range list {
		s.shutdown(ctx, t)
	}
}
