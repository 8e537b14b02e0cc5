package formats

import (
	"testing"

	"github.com/nulpointcorp/llm-bridge/internal/unified"
)

// stubNormalizer accepts raw bodies containing its marker byte.
type stubNormalizer struct {
	name   string
	marker byte
}

func (s *stubNormalizer) Name() string { return s.name }

func (s *stubNormalizer) Validate(raw []byte) bool {
	for _, b := range raw {
		if b == s.marker {
			return true
		}
	}
	return false
}

func (s *stubNormalizer) Normalize(raw []byte) (*unified.Request, error) {
	return &unified.Request{
		Model:    s.name,
		Messages: []unified.Message{{Role: unified.RoleUser, Content: string(raw)}},
	}, nil
}

func (s *stubNormalizer) Denormalize(resp *unified.Response) (any, error) { return resp, nil }

func (s *stubNormalizer) DenormalizeStream(chunk *unified.StreamChunk) (any, error) {
	return chunk, nil
}

func TestRegistry_LookupAndAliases(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubNormalizer{name: "alpha", marker: 'a'}, "compat-a", "vendor-a")

	for _, name := range []string{"alpha", "compat-a", "vendor-a"} {
		n, ok := r.Lookup(name)
		if !ok {
			t.Fatalf("Lookup(%s) missed", name)
		}
		if n.Name() != "alpha" {
			t.Errorf("alias %s should resolve to alpha, got %s", name, n.Name())
		}
	}
	if _, ok := r.Lookup("beta"); ok {
		t.Error("unregistered name should miss")
	}
}

func TestRegistry_LaterRegistrationWins(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubNormalizer{name: "alpha", marker: 'a'})
	replacement := &stubNormalizer{name: "alpha", marker: 'z'}
	r.Register(replacement)

	n, _ := r.Lookup("alpha")
	if !n.Validate([]byte("z")) {
		t.Error("the later registration should be the one served")
	}
}

func TestRegistry_DetectHonorsOrder(t *testing.T) {
	r := NewRegistry()
	// Both accept bodies containing 'x'; the candidate order decides.
	r.Register(&stubNormalizer{name: "first", marker: 'x'})
	r.Register(&stubNormalizer{name: "second", marker: 'x'})

	n, ok := r.Detect([]byte("x"), "second", "first")
	if !ok || n.Name() != "second" {
		t.Errorf("detect should honor candidate order, got %v", n)
	}

	if _, ok := r.Detect([]byte("y"), "first", "second"); ok {
		t.Error("detect should miss when nothing validates")
	}
}

func TestRegistry_NamesDeduplicatesAliases(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubNormalizer{name: "alpha", marker: 'a'}, "compat-a")
	r.Register(&stubNormalizer{name: "beta", marker: 'b'})

	names := r.Names()
	if len(names) != 2 {
		t.Errorf("aliases must not inflate Names: %v", names)
	}
}

func TestConversionError_Message(t *testing.T) {
	err := NewConversionError("anthropic", "choices", "response has no choices")
	want := `anthropic: cannot convert field "choices": response has no choices`
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestValidationError_Message(t *testing.T) {
	err := NewValidationError("openai", "field 'model' is required")
	want := "openai: invalid request: field 'model' is required"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}
