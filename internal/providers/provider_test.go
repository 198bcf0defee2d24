package providers

import (
	"context"
	"testing"
)

type fakeProvider struct{ name string }

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Request(context.Context, *ProxyRequest) (*ProxyResponse, error) {
	return &ProxyResponse{}, nil
}
func (f *fakeProvider) HealthCheck(context.Context) error { return nil }

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeProvider{name: "openai"}, Config{Priority: 1})

	e, ok := r.Get("openai")
	if !ok || e.Name != "openai" {
		t.Fatalf("get: %+v, %v", e, ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("unknown provider must not resolve")
	}
}

func TestRegistry_DefaultIsFirstUnlessOverridden(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeProvider{name: "a"}, Config{})
	r.Register(&fakeProvider{name: "b"}, Config{})

	if d := r.Default(); d == nil || d.Name != "a" {
		t.Errorf("default = %v", d)
	}

	r.SetDefault("b")
	if d := r.Default(); d.Name != "b" {
		t.Errorf("default after override = %s", d.Name)
	}

	// Unknown names are ignored.
	r.SetDefault("nope")
	if d := r.Default(); d.Name != "b" {
		t.Errorf("default after bogus override = %s", d.Name)
	}
}

func TestRegistry_EntriesOrderedByPriority(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeProvider{name: "c"}, Config{Priority: 2})
	r.Register(&fakeProvider{name: "a"}, Config{Priority: 1})
	r.Register(&fakeProvider{name: "b"}, Config{Priority: 1})

	got := r.Entries()
	want := []string{"a", "b", "c"}
	for i, e := range got {
		if e.Name != want[i] {
			t.Errorf("entries[%d] = %s, want %s", i, e.Name, want[i])
		}
	}
}

func TestEntry_SupportsModel(t *testing.T) {
	open := &Entry{Config: Config{}}
	if !open.SupportsModel("anything") {
		t.Error("empty model list means accept-all")
	}

	strict := &Entry{Config: Config{SupportedModels: []string{"gpt-4o"}}}
	if !strict.SupportsModel("gpt-4o") || strict.SupportsModel("claude-3-opus") {
		t.Error("explicit list must be enforced")
	}
}

func TestRegistry_FirstSupportingPrefersExplicitLists(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeProvider{name: "compat"}, Config{Priority: 1}) // accepts anything
	r.Register(&fakeProvider{name: "openai"}, Config{Priority: 2, SupportedModels: []string{"gpt-4o"}})

	e, ok := r.FirstSupporting("gpt-4o")
	if !ok || e.Name != "openai" {
		t.Errorf("explicit support should win: %v", e)
	}

	e, ok = r.FirstSupporting("mystery-model")
	if !ok || e.Name != "compat" {
		t.Errorf("accept-all should catch unknown models: %v", e)
	}
}
