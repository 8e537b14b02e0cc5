// Package formats defines the bidirectional converter contract between one
// provider wire format and the canonical model, plus the registry that maps
// format names to converter implementations.
//
// Each supported wire format lives in its own sub-package (openai, anthropic,
// google, cohere, ollama, rawcomp) and implements the Normalizer interface.
// Several format names may alias one implementation — every "OpenAI
// compatible" vendor resolves to the openai normalizer.
package formats

import (
	"fmt"

	"github.com/nulpointcorp/llm-bridge/internal/unified"
)

// Normalizer converts between one provider wire format and the canonical
// model. Implementations are pure and stateless; all methods are safe for
// concurrent use.
type Normalizer interface {
	// Name returns the canonical format name ("openai", "anthropic", ...).
	Name() string

	// Validate is a cheap shape check used for format auto-detection.
	// It never panics and returns false on any mismatch so the caller can
	// try the next candidate format.
	Validate(raw []byte) bool

	// Normalize parses a provider-native request body into canonical form.
	// The returned request always has at least one message.
	Normalize(raw []byte) (*unified.Request, error)

	// Denormalize converts a canonical response into the provider-native
	// response shape, ready for JSON marshalling.
	Denormalize(resp *unified.Response) (any, error)

	// DenormalizeStream converts one canonical stream chunk into the
	// provider-native stream event shape.
	DenormalizeStream(chunk *unified.StreamChunk) (any, error)
}

// ConversionError reports a field that has no representation in the source or
// target format. The orchestrator surfaces it as a client error (4xx), never
// as a backend failure, and never retries it.
type ConversionError struct {
	Format string // wire format performing the conversion
	Field  string // offending field, dotted path where useful
	Reason string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("%s: cannot convert field %q: %s", e.Format, e.Field, e.Reason)
}

// NewConversionError builds a ConversionError.
func NewConversionError(format, field, reason string) *ConversionError {
	return &ConversionError{Format: format, Field: field, Reason: reason}
}

// ValidationError reports a malformed or unrecognized provider request shape.
type ValidationError struct {
	Format string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid request: %s", e.Format, e.Reason)
}

// NewValidationError builds a ValidationError.
func NewValidationError(format, reason string) *ValidationError {
	return &ValidationError{Format: format, Reason: reason}
}

// Registry resolves format names to normalizers. It is constructed once at
// startup and read-only afterwards, so lookups need no locking. Multiple
// registries with different contents can coexist in one process.
type Registry struct {
	byName map[string]Normalizer
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Normalizer)}
}

// Register adds n under its own name plus any aliases. Later registrations
// win, which lets tests swap a single format out.
func (r *Registry) Register(n Normalizer, aliases ...string) {
	r.byName[n.Name()] = n
	for _, a := range aliases {
		r.byName[a] = n
	}
}

// Lookup returns the normalizer registered under name.
func (r *Registry) Lookup(name string) (Normalizer, bool) {
	n, ok := r.byName[name]
	return n, ok
}

// Detect returns the first registered normalizer whose Validate accepts raw,
// trying candidates in the given order. Returns false when nothing matches.
func (r *Registry) Detect(raw []byte, candidates ...string) (Normalizer, bool) {
	for _, name := range candidates {
		if n, ok := r.byName[name]; ok && n.Validate(raw) {
			return n, true
		}
	}
	return nil, false
}

// Names returns the distinct format names (not aliases) in the registry.
func (r *Registry) Names() []string {
	seen := make(map[string]bool, len(r.byName))
	out := make([]string, 0, len(r.byName))
	for _, n := range r.byName {
		if !seen[n.Name()] {
			seen[n.Name()] = true
			out = append(out, n.Name())
		}
	}
	return out
}
