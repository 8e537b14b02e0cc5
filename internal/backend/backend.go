// Package backend defines the executor capability the gateway invokes to run
// a canonical request against a downstream provider, and a factory that
// builds the right executor for a configured backend.
//
// Each provider family lives in its own sub-package. OpenAI-compatible
// vendors (xAI, Groq, DeepSeek, Mistral, Together, OpenRouter) share the
// OpenAI executor with a vendor base URL.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/nulpointcorp/llm-bridge/internal/router"
	"github.com/nulpointcorp/llm-bridge/internal/unified"
)

// Timeout applied to every provider call; streams hold the connection
// open past it via their own context.
const Timeout = 120 * time.Second

// Executor runs canonical requests against one configured backend. When the
// request has Stream set, the returned response carries the chunk channel and
// the call returns before generation finishes.
type Executor interface {
	Name() string
	Provider() string
	Execute(ctx context.Context, req *unified.Request) (*unified.Response, error)
}

// StatusCoder is implemented by provider errors that carry an upstream HTTP
// status.
type StatusCoder interface {
	HTTPStatus() int
}

// ExecError is the normalized provider-failure error.
type ExecError struct {
	Provider   string
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d, type=%s)", e.Provider, e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements StatusCoder.
func (e *ExecError) HTTPStatus() int { return e.StatusCode }

// compatBaseURLs maps OpenAI-compatible provider names to their default API
// roots, used when the backend config does not override base_url.
var compatBaseURLs = map[string]string{
	"xai":        "https://api.x.ai/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"deepseek":   "https://api.deepseek.com/v1",
	"mistral":    "https://api.mistral.ai/v1",
	"together":   "https://api.together.xyz/v1",
	"openrouter": "https://openrouter.ai/api/v1",
}

// Factory builds executors from backend configs. Constructors are injected
// at startup, so tests can substitute fakes per provider.
type Factory struct {
	constructors map[string]func(cfg router.Backend) (Executor, error)
}

// Register adds or replaces the constructor for a provider kind.
func (f *Factory) Register(provider string, ctor func(cfg router.Backend) (Executor, error)) {
	f.constructors[provider] = ctor
}

// New builds an executor for cfg, resolving OpenAI-compatible aliases to the
// "openai" constructor with the vendor's base URL filled in.
func (f *Factory) New(cfg router.Backend) (Executor, error) {
	provider := cfg.Provider
	if base, ok := compatBaseURLs[provider]; ok {
		if cfg.BaseURL == "" {
			cfg.BaseURL = base
		}
		provider = "openai"
	}
	if provider == "openai-compatible" || provider == "completion" {
		provider = "openai"
	}

	ctor, ok := f.constructors[provider]
	if !ok {
		return nil, fmt.Errorf("backend: unsupported provider %q", cfg.Provider)
	}
	return ctor(cfg)
}

// NewFactory returns a factory with no constructors registered. The app
// wires in the provider sub-packages at startup, keeping this package free
// of SDK dependencies.
func NewFactory() *Factory {
	return &Factory{constructors: make(map[string]func(cfg router.Backend) (Executor, error))}
}
