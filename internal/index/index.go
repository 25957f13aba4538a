// Package index builds, persists and queries the embedding index over
// reference chunks.
package index

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/dbassist/internal/ai"
	"github.com/seanblong/dbassist/internal/apperr"
	"github.com/seanblong/dbassist/pkg/models"
)

var (
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrNoMatchingEmbedder means a persisted index is intact but no
	// configured strategy reproduces the model that built it.
	ErrNoMatchingEmbedder = errors.New("no embedder matches the persisted index")
)

// Strategy names an embedding backend and how to initialize it.
type Strategy struct {
	Name string
	Init func(ctx context.Context) (ai.Embedder, error)
}

// PrimaryStrategy uses the configured embedding backend.
func PrimaryStrategy(cfg *ai.ClientConfig) Strategy {
	return Strategy{
		Name: "primary",
		Init: func(ctx context.Context) (ai.Embedder, error) {
			return ai.NewEmbedder(ctx, cfg)
		},
	}
}

// FallbackStrategy uses the local hashing embedder.
func FallbackStrategy(dim int) Strategy {
	return Strategy{
		Name: "fallback",
		Init: func(ctx context.Context) (ai.Embedder, error) {
			return ai.NewHashEmbedder(dim), nil
		},
	}
}

type Attempt struct {
	Strategy string `json:"strategy"`
	Err      error  `json:"-"`
}

// BuildReport records which strategy produced the index and every attempt made.
type BuildReport struct {
	Strategy string    `json:"strategy"`
	Attempts []Attempt `json:"attempts"`
}

type Entry struct {
	Chunk  models.Chunk
	Vector []float32
}

// VectorIndex is an immutable, ordered set of embedded chunks.
type VectorIndex struct {
	entries  []Entry
	model    string
	dim      int
	embedder ai.Embedder
}

func (v *VectorIndex) Len() int { return len(v.entries) }

// Model identifies the embedder that produced the vectors.
func (v *VectorIndex) Model() string { return v.model }

func (v *VectorIndex) Dim() int { return v.dim }

// maxWorkers caps concurrent embedding calls.
const maxWorkers = 8

// Builder embeds chunks with the first strategy that succeeds.
type Builder struct {
	strategies []Strategy
	// Workers bounds concurrent embedding calls; zero means min(NumCPU, 8).
	Workers int
}

// NewBuilder takes strategies in the order they are tried.
func NewBuilder(strategies ...Strategy) *Builder {
	return &Builder{strategies: strategies}
}

func (b *Builder) Build(ctx context.Context, chunks []models.Chunk) (*VectorIndex, BuildReport, error) {
	var report BuildReport
	if len(chunks) == 0 {
		return nil, report, apperr.IndexBuild("build", apperr.ErrNoDocuments)
	}

	var errs []error
	for _, s := range b.strategies {
		idx, err := b.attempt(ctx, s, chunks)
		report.Attempts = append(report.Attempts, Attempt{Strategy: s.Name, Err: err})
		if err == nil {
			report.Strategy = s.Name
			log.Info().
				Str("strategy", s.Name).
				Str("model", idx.model).
				Int("entries", idx.Len()).
				Msg("index built")
			return idx, report, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, report, ctxErr
		}
		log.Warn().Err(err).Str("strategy", s.Name).Msg("embedding strategy failed")
		errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no embedding strategies configured"))
	}
	return nil, report, apperr.IndexBuild("build", errors.Join(errs...))
}

func (b *Builder) workers(n int) int {
	w := b.Workers
	if w <= 0 {
		w = runtime.NumCPU()
		if w > maxWorkers {
			w = maxWorkers
		}
	}
	if w > n {
		w = n
	}
	return w
}

// attempt embeds every chunk with one strategy. Chunks are spread over a
// worker pool; entries keep chunk order and the first failure stops the rest.
func (b *Builder) attempt(ctx context.Context, s Strategy, chunks []models.Chunk) (*VectorIndex, error) {
	emb, err := s.Init(ctx)
	if err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}

	numWorkers := b.workers(len(chunks))
	log.Debug().Str("strategy", s.Name).Int("workers", numWorkers).Int("chunks", len(chunks)).Msg("embedding chunks")

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make([]Entry, len(chunks))
	workChan := make(chan int, numWorkers*2)
	errorChan := make(chan error, 1)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range workChan {
				if wctx.Err() != nil {
					continue
				}
				vec, err := embedChunk(wctx, emb, i, chunks[i].Content)
				if err != nil {
					select {
					case errorChan <- err:
					default:
					}
					cancel()
					continue
				}
				entries[i] = Entry{Chunk: chunks[i], Vector: normalize(vec)}
			}
		}()
	}

dispatch:
	for i := range chunks {
		select {
		case workChan <- i:
		case <-wctx.Done():
			break dispatch
		}
	}
	close(workChan)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case err := <-errorChan:
		return nil, err
	default:
	}
	return &VectorIndex{entries: entries, model: emb.Model(), dim: emb.Dim(), embedder: emb}, nil
}

func embedChunk(ctx context.Context, emb ai.Embedder, i int, text string) ([]float32, error) {
	vec, err := emb.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed chunk %d: %w", i, err)
	}
	if len(vec) != emb.Dim() {
		return nil, fmt.Errorf("embed chunk %d: %w: got %d, want %d", i, ErrDimensionMismatch, len(vec), emb.Dim())
	}
	return vec, nil
}

// Query returns the k entries most similar to text, highest score first.
// Equal scores keep insertion order.
func (v *VectorIndex) Query(ctx context.Context, text string, k int) ([]models.SearchResult, error) {
	if k <= 0 || len(v.entries) == 0 {
		return []models.SearchResult{}, nil
	}
	if v.embedder == nil {
		return nil, fmt.Errorf("index has no bound embedder")
	}
	q, err := v.embedder.Embed(ai.AsQuery(ctx), text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(q) != v.dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(q), v.dim)
	}
	q = normalize(q)

	results := make([]models.SearchResult, len(v.entries))
	for i, e := range v.entries {
		results[i] = models.SearchResult{Chunk: e.Chunk, Score: dot(q, e.Vector)}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	n := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}
