package model

import "testing"

func TestLookupKnownModel(t *testing.T) {
	registry := NewRegistry()

	spec, ok := registry.Lookup("Gemini 2.5 Flash")
	if !ok {
		t.Fatal("expected Gemini 2.5 Flash to be registered")
	}
	if spec.Provider != ProviderGoogle {
		t.Fatalf("unexpected provider: %s", spec.Provider)
	}
	if spec.ModelID != "gemini-2.5-flash" {
		t.Fatalf("unexpected model id: %s", spec.ModelID)
	}
	if spec.HeaderKey != "X-Google-API-Key" {
		t.Fatalf("unexpected header key: %s", spec.HeaderKey)
	}
	if !spec.Capabilities.WebSearch || !spec.Capabilities.Thinking {
		t.Fatalf("unexpected capabilities: %+v", spec.Capabilities)
	}
}

func TestLookupUnknownModel(t *testing.T) {
	registry := NewRegistry()

	if _, ok := registry.Lookup("gpt-99"); ok {
		t.Fatal("expected lookup miss for unregistered model")
	}
}

func TestAllPreservesDeclarationOrder(t *testing.T) {
	registry := NewRegistry()

	all := registry.All()
	if len(all) != len(specs) {
		t.Fatalf("expected %d specs, got %d", len(specs), len(all))
	}
	for i, spec := range all {
		if spec.Name != specs[i].Name {
			t.Fatalf("spec %d out of order: got %s, want %s", i, spec.Name, specs[i].Name)
		}
	}
}

func TestEveryProviderHasAHeaderKey(t *testing.T) {
	for _, spec := range NewRegistry().All() {
		if spec.HeaderKey == "" {
			t.Fatalf("model %s has no API key header", spec.Name)
		}
		if spec.ModelID == "" {
			t.Fatalf("model %s has no provider model id", spec.Name)
		}
	}
}
