package preview

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/pagetweak/internal/script"
)

// fakeDoc records the styles attached per script id and the event order.
type fakeDoc struct {
	mu       sync.Mutex
	styles   map[string]int
	events   []string
	listener int

	execErr    error
	cleanupErr error
	styleErr   error
}

func newFakeDoc() *fakeDoc {
	return &fakeDoc{styles: make(map[string]int)}
}

func (d *fakeDoc) record(ev string) {
	d.events = append(d.events, ev)
}

type fakeStyle struct {
	doc *fakeDoc
	id  string
}

func (s *fakeStyle) Remove(ctx context.Context) error {
	s.doc.mu.Lock()
	defer s.doc.mu.Unlock()
	s.doc.styles[s.id]--
	s.doc.record("style-remove:" + s.id)
	return nil
}

func (d *fakeDoc) AttachStyle(ctx context.Context, scriptID, css string) (Style, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.styleErr != nil {
		return nil, d.styleErr
	}
	d.styles[scriptID]++
	d.record("style-attach:" + scriptID)
	return &fakeStyle{doc: d, id: scriptID}, nil
}

func (d *fakeDoc) Execute(ctx context.Context, exec Execution) (Cleanup, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("exec:" + exec.ScriptID)
	if d.execErr != nil {
		return nil, d.execErr
	}
	d.listener++
	return func(ctx context.Context) error {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.listener--
		d.record("cleanup:" + exec.ScriptID)
		return d.cleanupErr
	}, nil
}

func payload() script.Payload {
	return script.Payload{JSCode: "element.addEventListener('click', f)", CSSCode: ".a{color:red}"}
}

func TestApply_RegistersEntry(t *testing.T) {
	doc := newFakeDoc()
	a := New(doc, nil)

	if err := a.Apply(context.Background(), "s1", "#cta", payload()); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := a.Active(); !reflect.DeepEqual(got, []string{"s1"}) {
		t.Errorf("Active = %v", got)
	}
	if sel, ok := a.Selector("s1"); !ok || sel != "#cta" {
		t.Errorf("Selector = %q, %v", sel, ok)
	}
	want := []string{"style-attach:s1", "exec:s1"}
	if !reflect.DeepEqual(doc.events, want) {
		t.Errorf("events = %v, want %v (style before script)", doc.events, want)
	}
}

func TestApply_Idempotent(t *testing.T) {
	doc := newFakeDoc()
	a := New(doc, nil)
	ctx := context.Background()

	for range 2 {
		if err := a.Apply(ctx, "s1", "#cta", payload()); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}

	if doc.styles["s1"] != 1 {
		t.Errorf("styles tagged s1 = %d, want 1", doc.styles["s1"])
	}
	if doc.listener != 1 {
		t.Errorf("net side effects = %d, want 1", doc.listener)
	}
	want := []string{
		"style-attach:s1", "exec:s1",
		"cleanup:s1", "style-remove:s1",
		"style-attach:s1", "exec:s1",
	}
	if !reflect.DeepEqual(doc.events, want) {
		t.Errorf("events = %v, want %v", doc.events, want)
	}
}

func TestApply_RollbackOnFailure(t *testing.T) {
	doc := newFakeDoc()
	boom := errors.New("ReferenceError: foo is not defined")
	doc.execErr = boom
	a := New(doc, nil)

	err := a.Apply(context.Background(), "s1", "#cta", payload())
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want wrapped script failure", err)
	}
	if doc.styles["s1"] != 0 {
		t.Errorf("styles tagged s1 = %d, want 0 after rollback", doc.styles["s1"])
	}
	if len(a.Active()) != 0 {
		t.Errorf("Active = %v, want none", a.Active())
	}
}

func TestApply_FailureAfterPreviousEntry(t *testing.T) {
	doc := newFakeDoc()
	a := New(doc, nil)
	ctx := context.Background()

	if err := a.Apply(ctx, "s1", "#cta", payload()); err != nil {
		t.Fatal(err)
	}
	doc.execErr = errors.New("boom")
	if err := a.Apply(ctx, "s1", "#cta", payload()); err == nil {
		t.Fatal("expected error")
	}

	if doc.styles["s1"] != 0 || doc.listener != 0 {
		t.Errorf("leftover state: styles=%d listeners=%d", doc.styles["s1"], doc.listener)
	}
	if len(a.Active()) != 0 {
		t.Errorf("Active = %v, want none", a.Active())
	}
}

func TestApply_StyleFailure(t *testing.T) {
	doc := newFakeDoc()
	doc.styleErr = errors.New("no document")
	a := New(doc, nil)

	if err := a.Apply(context.Background(), "s1", "#cta", payload()); err == nil {
		t.Fatal("expected error")
	}
	for _, ev := range doc.events {
		if strings.HasPrefix(ev, "exec:") {
			t.Error("script executed although stylesheet failed")
		}
	}
}

func TestApply_CSSOnlyAndJSOnly(t *testing.T) {
	doc := newFakeDoc()
	a := New(doc, nil)
	ctx := context.Background()

	if err := a.Apply(ctx, "css", "body", script.Payload{CSSCode: "body{}", JSCode: "  "}); err != nil {
		t.Fatal(err)
	}
	if err := a.Apply(ctx, "js", "body", script.Payload{JSCode: "x()"}); err != nil {
		t.Fatal(err)
	}
	want := []string{"style-attach:css", "exec:js"}
	if !reflect.DeepEqual(doc.events, want) {
		t.Errorf("events = %v, want %v", doc.events, want)
	}
}

func TestApply_RequiresID(t *testing.T) {
	a := New(newFakeDoc(), nil)
	if err := a.Apply(context.Background(), " ", "#x", payload()); err == nil {
		t.Error("expected error for blank id")
	}
}

func TestRevoke_CleanupFailureLogged(t *testing.T) {
	doc := newFakeDoc()
	var buf bytes.Buffer
	a := New(doc, slog.New(slog.NewTextHandler(&buf, nil)))
	ctx := context.Background()

	if err := a.Apply(ctx, "s1", "#cta", payload()); err != nil {
		t.Fatal(err)
	}
	doc.cleanupErr = errors.New("listener already gone")
	a.Revoke(ctx, "s1")

	if doc.styles["s1"] != 0 {
		t.Error("stylesheet not removed after failing cleanup")
	}
	if len(a.Active()) != 0 {
		t.Error("entry not removed after failing cleanup")
	}
	if !strings.Contains(buf.String(), "listener already gone") {
		t.Errorf("cleanup failure not logged: %s", buf.String())
	}
}

func TestRevoke_PanickingCleanup(t *testing.T) {
	a := New(newFakeDoc(), slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	a.entries["s1"] = &entry{id: "s1", cleanup: func(context.Context) error { panic("bad") }}

	a.Revoke(context.Background(), "s1")
	if len(a.Active()) != 0 {
		t.Error("entry not removed after panicking cleanup")
	}
}

func TestRevoke_Unknown(t *testing.T) {
	doc := newFakeDoc()
	a := New(doc, nil)
	a.Revoke(context.Background(), "missing")
	if len(doc.events) != 0 {
		t.Errorf("events = %v, want none", doc.events)
	}
}

func TestRevokeAll(t *testing.T) {
	doc := newFakeDoc()
	a := New(doc, nil)
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		if err := a.Apply(ctx, id, "#x", payload()); err != nil {
			t.Fatal(err)
		}
	}
	if got := a.Active(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("Active = %v", got)
	}

	a.RevokeAll(ctx)
	if len(a.Active()) != 0 {
		t.Errorf("Active after RevokeAll = %v", a.Active())
	}
	if doc.listener != 0 {
		t.Errorf("listeners = %d, want 0", doc.listener)
	}
	for id, n := range doc.styles {
		if n != 0 {
			t.Errorf("styles tagged %s = %d, want 0", id, n)
		}
	}
}
