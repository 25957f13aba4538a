package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

type GeminiClient struct {
	config *ClientConfig
	client *genai.Client
}

// NewGeminiClient creates a client for the Gemini API, or Vertex AI when
// config.Provider is ProviderVertexAI.
func NewGeminiClient(ctx context.Context, config *ClientConfig) (*GeminiClient, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-004"
	}
	if config.GenerationModel == "" {
		config.GenerationModel = "gemini-2.0-flash"
	}
	if config.Dim == 0 {
		config.Dim = 768
	}

	cc := genai.ClientConfig{
		Backend: genai.BackendGeminiAPI,
	}
	if config.Provider == ProviderVertexAI {
		cc.Backend = genai.BackendVertexAI
		if config.Location == "" && strings.TrimSpace(config.APIKey) == "" {
			config.Location = "us-central1"
		}
		if strings.TrimSpace(config.ProjectID) != "" {
			cc.Project = config.ProjectID
		}
		if strings.TrimSpace(config.Location) != "" {
			cc.Location = config.Location
		}
	}
	if strings.TrimSpace(config.APIKey) != "" {
		cc.APIKey = config.APIKey
	}

	client, err := genai.NewClient(ctx, &cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{
		config: config,
		client: client,
	}, nil
}

// Embed implements the embedding functionality using the Gemini API
func (c *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.client == nil {
		return nil, errors.New("gemini client not initialized")
	}
	dim := int32(c.config.Dim)
	cfg := genai.EmbedContentConfig{
		TaskType:             embedTaskType(ctx),
		OutputDimensionality: &dim,
	}

	res, err := c.client.Models.EmbedContent(ctx, c.config.EmbedModel, genai.Text(text), &cfg)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", classifyGeminiError(err))
	}

	if res == nil || len(res.Embeddings) == 0 {
		return nil, errors.New("no embedding returned")
	}

	return res.Embeddings[0].Values, nil
}

// Generate sends the prompt as a single user turn and joins the text parts of the first candidate.
func (c *GeminiClient) Generate(ctx context.Context, prompt string) (string, error) {
	if c.client == nil {
		return "", errors.New("gemini client not initialized")
	}
	temp := float32(0)
	cfg := genai.GenerateContentConfig{
		Temperature: &temp,
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.config.GenerationModel, genai.Text(prompt), &cfg)
	if err != nil {
		return "", fmt.Errorf("generation failed: %w", classifyGeminiError(err))
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("no content returned")
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// Check fetches the generation model's metadata, which requires a valid key but generates nothing.
func (c *GeminiClient) Check(ctx context.Context) error {
	if c.client == nil {
		return errors.New("gemini client not initialized")
	}
	if _, err := c.client.Models.Get(ctx, c.config.GenerationModel, nil); err != nil {
		return classifyGeminiError(err)
	}
	return nil
}

func (c *GeminiClient) Dim() int {
	return c.config.Dim
}

func (c *GeminiClient) Model() string {
	p := ProviderGemini
	if c.config.Provider == ProviderVertexAI {
		p = ProviderVertexAI
	}
	return string(p) + "/" + c.config.EmbedModel
}

func embedTaskType(ctx context.Context) string {
	if IsQuery(ctx) {
		return "RETRIEVAL_QUERY"
	}
	return "RETRIEVAL_DOCUMENT"
}

// classifyGeminiError tags credential rejections with ErrUnauthorized.
func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden ||
			apiErr.Status == "UNAUTHENTICATED" || apiErr.Status == "PERMISSION_DENIED" ||
			strings.Contains(apiErr.Message, "API key not valid") {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
	}
	return err
}
