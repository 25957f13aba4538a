package ai

import (
	"context"
	"errors"
	"strings"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
	// Model identifies the embedding model; it is recorded in persisted indexes.
	Model() string
}

type queryKey struct{}

// AsQuery marks ctx so embedders that tune vectors for retrieval embed the
// text as a search query rather than a stored document.
func AsQuery(ctx context.Context) context.Context {
	return context.WithValue(ctx, queryKey{}, true)
}

// IsQuery reports whether ctx was marked by AsQuery.
func IsQuery(ctx context.Context) bool {
	q, _ := ctx.Value(queryKey{}).(bool)
	return q
}

// Generator sends a rendered prompt to a language model and returns its text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Checker is implemented by clients that can verify their credentials without generating.
type Checker interface {
	Check(ctx context.Context) error
}

// ErrUnauthorized marks failures caused by a rejected credential.
var ErrUnauthorized = errors.New("credential rejected by provider")

// Provider is enumeration of supported AI providers
type Provider string

const (
	ProviderGemini   Provider = "gemini"
	ProviderVertexAI Provider = "vertexai"
	ProviderOpenAI   Provider = "openai"
	ProviderHash     Provider = "hash"
	ProviderStub     Provider = "stub"
)

// ClientConfig holds configuration for AI clients
type ClientConfig struct {
	APIKey          string
	EmbedModel      string
	GenerationModel string
	Dim             int
	ProjectID       string
	Location        string
	Provider        Provider
	// EmbedProvider selects the embedder; empty means Provider.
	EmbedProvider Provider
	BaseURL       string
}

// ParseProvider maps a configured name onto a Provider ("google" is accepted for gemini).
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderGemini, ProviderVertexAI, ProviderOpenAI, ProviderHash, ProviderStub:
		return p, nil
	case "google":
		return ProviderGemini, nil
	case "":
		return ProviderStub, nil
	default:
		return "", errors.New("unsupported provider: " + s)
	}
}

// NewGenerator creates the generation client for config.Provider.
func NewGenerator(ctx context.Context, config *ClientConfig) (Generator, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	switch config.Provider {
	case ProviderGemini, ProviderVertexAI:
		return NewGeminiClient(ctx, config)
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderStub:
		return NewStubGenerator(), nil
	default:
		return nil, errors.New("unsupported generation provider: " + string(config.Provider))
	}
}

// NewEmbedder creates the embedding client for config.EmbedProvider (or config.Provider).
func NewEmbedder(ctx context.Context, config *ClientConfig) (Embedder, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	p := config.EmbedProvider
	if p == "" {
		p = config.Provider
	}
	switch p {
	case ProviderGemini, ProviderVertexAI:
		c := *config
		c.Provider = p
		return NewGeminiClient(ctx, &c)
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderHash, ProviderStub:
		return NewHashEmbedder(config.Dim), nil
	default:
		return nil, errors.New("unsupported embedding provider: " + string(p))
	}
}

// StubGenerator answers every prompt with a fixed, schema-neutral report.
// It lets the pipeline run end to end without a model.
type StubGenerator struct{}

func NewStubGenerator() *StubGenerator {
	return &StubGenerator{}
}

const stubAnswer = `Action Type: Report
Target Table(s):
SQL Solution:
-- stub provider: no SQL generated
Explanation: The stub provider does not call a language model.`

func (s *StubGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return stubAnswer, nil
}

func (s *StubGenerator) Check(ctx context.Context) error {
	return ctx.Err()
}
