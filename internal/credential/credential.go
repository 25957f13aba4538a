// Package credential validates generation backend API keys and saves them
// to the local env file.
package credential

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/dbassist/internal/ai"
)

const (
	DefaultKeyName = "GOOGLE_API_KEY"
	EmptyKeyMsg    = "API key is empty"
)

// CheckerFactory builds a client that can run a check for secret.
type CheckerFactory func(ctx context.Context, secret string) (ai.Checker, error)

type Validator struct {
	NewChecker CheckerFactory
	Timeout    time.Duration
}

// NewValidator checks with a generation client built from base and the candidate secret.
func NewValidator(base ai.ClientConfig) *Validator {
	return &Validator{
		NewChecker: func(ctx context.Context, secret string) (ai.Checker, error) {
			cfg := base
			cfg.APIKey = secret
			g, err := ai.NewGenerator(ctx, &cfg)
			if err != nil {
				return nil, err
			}
			c, ok := g.(ai.Checker)
			if !ok {
				return nil, fmt.Errorf("provider %s cannot validate credentials", cfg.Provider)
			}
			return c, nil
		},
		Timeout: 15 * time.Second,
	}
}

// Validate reports whether secret is accepted by the backend. It only
// fetches model metadata and never generates. On failure the message
// explains why.
func (v *Validator) Validate(ctx context.Context, secret string) (bool, string) {
	if strings.TrimSpace(secret) == "" {
		return false, EmptyKeyMsg
	}
	if v.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}

	c, err := v.NewChecker(ctx, secret)
	if err != nil {
		log.Warn().Err(err).Msg("credential client init failed")
		return false, err.Error()
	}
	if err := c.Check(ctx); err != nil {
		log.Warn().Err(err).Msg("credential check failed")
		if errors.Is(err, ai.ErrUnauthorized) {
			return false, "invalid API key: " + err.Error()
		}
		return false, err.Error()
	}
	log.Info().Msg("credential validated")
	return true, ""
}

// Persist sets key=secret in the env file at path. The file is created when
// missing; an existing assignment of key is replaced in place and every other
// line is kept as is.
func Persist(path, key, secret string) error {
	if key == "" {
		key = DefaultKeyName
	}
	entry, err := godotenv.Marshal(map[string]string{key: secret})
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var out bytes.Buffer
	replaced := false
	sc := bufio.NewScanner(bytes.NewReader(existing))
	for sc.Scan() {
		line := sc.Text()
		if assigns(line, key) {
			if !replaced {
				out.WriteString(entry + "\n")
				replaced = true
			}
			continue
		}
		out.WriteString(line + "\n")
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if !replaced {
		out.WriteString(entry + "\n")
	}

	mode := os.FileMode(0o600)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out.Bytes(), mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	log.Info().Str("path", path).Str("key", key).Msg("credential saved")
	return nil
}

// assigns reports whether line is a dotenv assignment of key.
func assigns(line, key string) bool {
	t := strings.TrimSpace(line)
	if t == "" || strings.HasPrefix(t, "#") {
		return false
	}
	env, err := godotenv.Unmarshal(t)
	if err != nil {
		return false
	}
	_, ok := env[key]
	return ok
}
