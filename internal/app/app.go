// Package app wires configuration into a ready-to-start session.
package app

import (
	"context"
	"strings"

	"github.com/seanblong/dbassist/internal/ai"
	"github.com/seanblong/dbassist/internal/apperr"
	"github.com/seanblong/dbassist/internal/config"
	"github.com/seanblong/dbassist/internal/credential"
	"github.com/seanblong/dbassist/internal/index"
	"github.com/seanblong/dbassist/internal/ingest"
	"github.com/seanblong/dbassist/internal/session"
)

// ClientConfig maps the loaded configuration onto the AI client settings.
func ClientConfig(cfg config.Specification) (*ai.ClientConfig, error) {
	p, err := ai.ParseProvider(cfg.Provider)
	if err != nil {
		return nil, apperr.Configuration("provider", err)
	}
	var ep ai.Provider
	if strings.TrimSpace(cfg.EmbedProvider) != "" {
		if ep, err = ai.ParseProvider(cfg.EmbedProvider); err != nil {
			return nil, apperr.Configuration("embed provider", err)
		}
	}
	return &ai.ClientConfig{
		APIKey:          cfg.APIKey,
		EmbedModel:      cfg.EmbedModel,
		GenerationModel: cfg.GenerationModel,
		Dim:             cfg.Dim,
		ProjectID:       cfg.ProjectID,
		Location:        cfg.Location,
		Provider:        p,
		EmbedProvider:   ep,
		BaseURL:         cfg.BaseURL,
	}, nil
}

// RequiresCredential reports whether p authenticates with an API key.
// Vertex AI uses application default credentials instead.
func RequiresCredential(p ai.Provider) bool {
	return p == ai.ProviderGemini || p == ai.ProviderOpenAI
}

// NewSession builds a session whose generator and embedders follow the
// credential it is given. rec may be nil.
func NewSession(cfg config.Specification, rec session.Recorder) (*session.Session, *ai.ClientConfig, error) {
	base, err := ClientConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	withSecret := func(secret string) *ai.ClientConfig {
		c := *base
		if secret != "" {
			c.APIKey = secret
		}
		return &c
	}

	deps := session.Deps{
		Loader:    ingest.NewLoader(),
		Validator: credential.NewValidator(*base),
		NewBuilder: func(secret string) *index.Builder {
			return index.NewBuilder(
				index.PrimaryStrategy(withSecret(secret)),
				index.FallbackStrategy(cfg.FallbackDim),
			)
		},
		NewGenerator: func(ctx context.Context, secret string) (ai.Generator, error) {
			return ai.NewGenerator(ctx, withSecret(secret))
		},
		Recorder: rec,
	}
	s := session.New(session.Config{
		DataDir:           cfg.DataDir,
		IndexPrefix:       cfg.IndexPrefix,
		ChunkSize:         cfg.ChunkSize,
		ChunkOverlap:      cfg.ChunkOverlap,
		TopK:              cfg.TopK,
		GenerationTimeout: cfg.GenerationTimeout,
		RequireCredential: RequiresCredential(base.Provider),
	}, deps)
	return s, base, nil
}
