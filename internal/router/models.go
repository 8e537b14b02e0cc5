package router

import "strings"

// modelPrefixes maps well-known model-name prefixes to provider names.
// Checked in declaration order; first match wins.
var modelPrefixes = []struct {
	prefix   string
	provider string
}{
	{"gpt-", "openai"},
	{"chatgpt", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"o4", "openai"},
	{"text-davinci", "openai"},
	{"claude", "anthropic"},
	{"gemini", "google"},
	{"gemma", "google"},
	{"command", "cohere"},
	{"llama", "ollama"},
	{"mistral", "mistral"},
	{"mixtral", "mistral"},
	{"grok", "xai"},
	{"deepseek", "deepseek"},
}

// ProviderForModel infers a provider name from a model identifier, or ""
// when nothing matches. Namespaced identifiers ("openai/gpt-4o") resolve by
// their namespace first.
func ProviderForModel(model string) string {
	m := strings.ToLower(model)
	if ns, rest, ok := strings.Cut(m, "/"); ok {
		switch ns {
		case "openai", "anthropic", "google", "cohere", "ollama", "mistral", "xai", "deepseek":
			return ns
		default:
			m = rest
		}
	}
	for _, mp := range modelPrefixes {
		if strings.HasPrefix(m, mp.prefix) {
			return mp.provider
		}
	}
	return ""
}
