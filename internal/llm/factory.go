package llm

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"persona-chatter/internal/config"
)

const (
	ProviderOpenAI = "openai"
	ProviderYandex = "yandex"
	ProviderGemini = "gemini"
)

// Factory creates LLM clients with consistent logic
type Factory struct {
	OpenaiAPIKey       string
	OpenaiBaseURL      string
	OpenaiModel        string
	OpenRouterReferrer string
	OpenRouterTitle    string
	YandexOAuthToken   string
	YandexFolderID     string
	GeminiAPIKey       string
	GeminiModel        string
	Provider           string
}

func NewFactory(cfg *config.Config) *Factory {
	return &Factory{
		OpenaiAPIKey:       cfg.OpenAIAPIKey,
		OpenaiBaseURL:      cfg.OpenAIBaseURL,
		OpenaiModel:        cfg.OpenAIModel,
		OpenRouterReferrer: cfg.OpenRouterReferrer,
		OpenRouterTitle:    cfg.OpenRouterTitle,
		YandexOAuthToken:   cfg.YandexOAuthToken,
		YandexFolderID:     cfg.YandexFolderID,
		GeminiAPIKey:       cfg.GeminiAPIKey,
		GeminiModel:        cfg.GeminiModel,
		Provider:           string(cfg.LLMProvider),
	}
}

func (f *Factory) CreateClient(ctx context.Context, provider, model string) (Client, error) {
	switch strings.ToLower(provider) {
	case ProviderOpenAI:
		if model == "" {
			model = f.OpenaiModel
		}
		return NewOpenAI(f.OpenaiAPIKey, f.OpenaiBaseURL, model, f.OpenRouterReferrer, f.OpenRouterTitle), nil
	case ProviderYandex:
		return NewYandex(f.YandexOAuthToken, f.YandexFolderID)
	case ProviderGemini:
		if model == "" {
			model = f.GeminiModel
		}
		return NewGemini(ctx, f.GeminiAPIKey, model)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", provider)
	}
}

// CreateChain builds the generation chain: Gemini first when an API key is
// configured, then the primary provider.
func (f *Factory) CreateChain(ctx context.Context, log *zap.Logger, observe Observer) (*Fallback, error) {
	var candidates []Candidate
	if f.GeminiAPIKey != "" && !strings.EqualFold(f.Provider, ProviderGemini) {
		c, err := f.CreateClient(ctx, ProviderGemini, "")
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, Candidate{Name: ProviderGemini, Client: c})
	}
	primary := f.Provider
	if primary == "" {
		primary = ProviderOpenAI
	}
	c, err := f.CreateClient(ctx, primary, "")
	if err != nil {
		return nil, err
	}
	candidates = append(candidates, Candidate{Name: strings.ToLower(primary), Client: c})
	return NewFallback(log, observe, candidates...), nil
}
