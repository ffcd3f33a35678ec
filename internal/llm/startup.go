package llm

import (
	"context"
	"fmt"
	"io"
)

// EnsureModels checks that Ollama is running and pulls any missing models,
// writing progress to w.
func EnsureModels(ctx context.Context, c *Ollama, models []string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("ollama is not running at %s; start it with: ollama serve", c.baseURL)
	}

	seen := make(map[string]bool)
	for _, model := range models {
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true
		if c.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := c.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}
	return nil
}

// New returns the Chatter for provider. OpenRouter needs an API key.
func New(provider, openRouterKey, ollamaURL string) (Chatter, error) {
	switch provider {
	case "", ProviderOpenRouter:
		if openRouterKey == "" {
			return nil, fmt.Errorf("openrouter provider requires OSA_OPENROUTER_API_KEY")
		}
		return NewOpenRouter(openRouterKey), nil
	case ProviderOllama:
		return NewOllama(ollamaURL), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}
