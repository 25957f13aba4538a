// Package pipeline answers a service request: retrieve reference chunks,
// render the prompt, call the generator once and parse its answer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/dbassist/internal/ai"
	"github.com/seanblong/dbassist/internal/apperr"
	"github.com/seanblong/dbassist/internal/prompt"
	"github.com/seanblong/dbassist/pkg/models"
)

const DefaultTimeout = 60 * time.Second

var ErrEmptyRequest = errors.New("empty request")

// Retriever returns the k chunks most relevant to text.
type Retriever interface {
	Query(ctx context.Context, text string, k int) ([]models.SearchResult, error)
}

type Service struct {
	Generator ai.Generator
	Schema    prompt.Schema
	Rules     prompt.Rules
	Timeout   time.Duration
}

// NewService creates a pipeline over the healthcare schema and default rules
func NewService(gen ai.Generator, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{
		Generator: gen,
		Schema:    prompt.DefaultSchema(),
		Rules:     prompt.DefaultRules(),
		Timeout:   timeout,
	}
}

// Process answers request using the top k chunks from idx. The sentinel is
// a normal response, not an error.
func (s *Service) Process(ctx context.Context, idx Retriever, request string, k int) (models.GenerationResponse, error) {
	var resp models.GenerationResponse
	if strings.TrimSpace(request) == "" {
		return resp, apperr.Generation("process", ErrEmptyRequest, false)
	}
	if idx == nil {
		return resp, apperr.Generation("process", errors.New("index not ready"), false)
	}

	results, err := idx.Query(ctx, request, k)
	if err != nil {
		return resp, apperr.Generation("retrieve", err, false)
	}
	chunks := make([]models.Chunk, len(results))
	for i, r := range results {
		chunks[i] = r.Chunk
	}
	text := prompt.Render(s.Schema, s.Rules, chunks, request)

	gctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	start := time.Now()
	raw, err := s.Generator.Generate(gctx, text)
	if err != nil {
		switch {
		case errors.Is(err, ai.ErrUnauthorized):
			return resp, apperr.Generation("generate", err, false)
		case ctx.Err() != nil:
			return resp, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(gctx.Err(), context.DeadlineExceeded):
			return resp, apperr.Generation("generate", fmt.Errorf("timed out after %s: %w", s.Timeout, err), true)
		}
		return resp, apperr.Generation("generate", err, false)
	}
	log.Debug().Int("chunks", len(chunks)).Dur("took", time.Since(start)).Msg("generation complete")

	resp, err = ParseResponse(raw)
	if err != nil {
		return resp, err
	}
	if !resp.IsSentinel() {
		if unknown := s.Schema.UnknownTables(resp.SQLSolution); len(unknown) > 0 {
			log.Warn().Strs("tables", unknown).Msg("generated SQL references tables outside the schema")
			return models.SentinelResponse(), nil
		}
	}
	return resp, nil
}

var (
	labelPattern = regexp.MustCompile(`(?im)^[ \t>#*_]*(?:-[ \t]+)?(?:\d+\.[ \t]+)?[*_]*(action type|target tables?(?:\s*\(s\))?|sql solution|explanation)[ \t*_]*:[ \t*_]*`)
	// inlineAction finds an Action Type label that does not start a line.
	inlineAction = regexp.MustCompile(`(?i)action type[ \t*_]*:[ \t*_]*([^\n]*)`)
)

const (
	labelAction = iota
	labelTables
	labelSQL
	labelExplanation
)

func labelKind(name string) int {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "action"):
		return labelAction
	case strings.HasPrefix(n, "target"):
		return labelTables
	case strings.HasPrefix(n, "sql"):
		return labelSQL
	}
	return labelExplanation
}

// ParseResponse turns raw model output into a GenerationResponse. Output
// containing the sentinel yields exactly the sentinel; output without any
// of the labeled sections is malformed. Labels may be numbered or wrapped in
// markdown emphasis, and an Action Type label may appear mid-line.
func ParseResponse(raw string) (models.GenerationResponse, error) {
	text := strings.TrimSpace(raw)
	if strings.Trim(text, "\"'` \n") == models.Sentinel || strings.Contains(text, models.Sentinel) {
		return models.SentinelResponse(), nil
	}

	locs := labelPattern.FindAllStringSubmatchIndex(text, -1)
	inline := inlineAction.FindStringSubmatch(text)
	if len(locs) == 0 && inline == nil {
		return models.GenerationResponse{}, apperr.Generation("parse", errors.New("malformed response: no labeled sections"), false)
	}

	sections := map[int]string{}
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		kind := labelKind(text[loc[2]:loc[3]])
		if _, dup := sections[kind]; !dup {
			sections[kind] = text[loc[1]:end]
		}
	}

	resp := models.GenerationResponse{ActionType: models.ActionUnknown}
	if body, ok := sections[labelAction]; ok {
		if a := firstLine(body); a != "" {
			resp.ActionType = a
		}
	}
	if resp.ActionType == models.ActionUnknown && inline != nil {
		if a := strings.Trim(inline[1], " \t\r*_"); a != "" {
			resp.ActionType = a
		}
	}
	if body, ok := sections[labelTables]; ok {
		resp.TargetTables = splitTables(body)
	}
	if body, ok := sections[labelSQL]; ok {
		resp.SQLSolution = stripFences(body)
	}
	if body, ok := sections[labelExplanation]; ok {
		resp.Explanation = strings.TrimSpace(body)
	}
	return resp, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.Trim(line, " \t\r*_")
}

func splitTables(s string) []string {
	var out []string
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' }) {
		f = strings.Trim(f, " \t\r*-`")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func stripFences(s string) string {
	var lines []string
	for _, l := range strings.Split(strings.TrimSpace(s), "\n") {
		if strings.HasPrefix(strings.TrimSpace(l), "```") {
			continue
		}
		lines = append(lines, l)
	}
	if len(lines) > 0 && strings.EqualFold(strings.TrimSpace(lines[0]), "sql") {
		lines = lines[1:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// HistoryEntryFor returns the record a caller appends to its history.
func HistoryEntryFor(request string, resp models.GenerationResponse) models.HistoryEntry {
	label := resp.ActionType
	switch {
	case resp.IsSentinel():
		label = models.ActionError
	case strings.TrimSpace(label) == "":
		label = models.ActionUnknown
	}
	return models.HistoryEntry{Request: request, ActionType: label, CreatedAt: time.Now().UTC()}
}
