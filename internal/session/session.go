// Package session holds the application state shared by the API and CLI:
// the credential and index lifecycles, the active pipeline and the request
// history. Operations that change state run one at a time.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/seanblong/dbassist/internal/ai"
	"github.com/seanblong/dbassist/internal/apperr"
	"github.com/seanblong/dbassist/internal/credential"
	"github.com/seanblong/dbassist/internal/index"
	"github.com/seanblong/dbassist/internal/ingest"
	"github.com/seanblong/dbassist/internal/pipeline"
	"github.com/seanblong/dbassist/pkg/models"
)

type CredentialState int

const (
	CredentialUnvalidated CredentialState = iota
	CredentialValidating
	CredentialValid
	CredentialInvalid
)

func (s CredentialState) String() string {
	switch s {
	case CredentialValidating:
		return "validating"
	case CredentialValid:
		return "valid"
	case CredentialInvalid:
		return "invalid"
	}
	return "unvalidated"
}

type IndexState int

const (
	IndexAbsent IndexState = iota
	IndexBuilding
	IndexReady
)

func (s IndexState) String() string {
	switch s {
	case IndexBuilding:
		return "building"
	case IndexReady:
		return "ready"
	}
	return "absent"
}

var (
	ErrIndexNotReady     = errors.New("index is not ready")
	ErrNoValidCredential = errors.New("no validated credential")
)

// Recorder receives history entries in addition to the in-memory history.
type Recorder interface {
	Record(ctx context.Context, e models.HistoryEntry) error
}

type Config struct {
	DataDir           string
	IndexPrefix       string
	ChunkSize         int
	ChunkOverlap      int
	TopK              int
	GenerationTimeout time.Duration
	// RequireCredential is false for providers that need no secret.
	RequireCredential bool
}

type Deps struct {
	Loader       *ingest.Loader
	Validator    *credential.Validator
	NewBuilder   func(secret string) *index.Builder
	NewGenerator func(ctx context.Context, secret string) (ai.Generator, error)
	Recorder     Recorder
}

type Status struct {
	Credential string `json:"credential"`
	Index      string `json:"index"`
	Model      string `json:"model,omitempty"`
	Entries    int    `json:"entries"`
	History    int    `json:"history"`
	// Persisted is true when index artifacts exist on disk, loaded or not.
	Persisted bool `json:"persisted"`
}

type Session struct {
	cfg  Config
	deps Deps
	gate *semaphore.Weighted

	mu         sync.RWMutex
	credState  CredentialState
	secret     string
	pipeline   *pipeline.Service
	indexState IndexState
	idx        *index.VectorIndex
	history    []models.HistoryEntry
}

func New(cfg Config, deps Deps) *Session {
	if deps.Loader == nil {
		deps.Loader = ingest.NewLoader()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 4
	}
	return &Session{cfg: cfg, deps: deps, gate: semaphore.NewWeighted(1)}
}

func (s *Session) acquire(ctx context.Context) error {
	return s.gate.Acquire(ctx, 1)
}

// Start validates the initial secret, if any, and loads a persisted index.
// A missing persisted index is not an error.
func (s *Session) Start(ctx context.Context, secret string) error {
	if !s.cfg.RequireCredential || secret != "" {
		if ok, msg, err := s.SupplyCredential(ctx, secret); err != nil {
			return err
		} else if !ok {
			log.Warn().Str("reason", msg).Msg("initial credential rejected")
		}
	}

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.gate.Release(1)
	if s.IndexState() == IndexReady {
		return nil
	}
	return s.loadLocked(ctx)
}

// SupplyCredential validates secret and, when accepted, switches the
// pipeline to a generator that uses it.
func (s *Session) SupplyCredential(ctx context.Context, secret string) (bool, string, error) {
	if err := s.acquire(ctx); err != nil {
		return false, "", err
	}
	defer s.gate.Release(1)

	s.setCredState(CredentialValidating)
	if s.cfg.RequireCredential {
		if ok, msg := s.deps.Validator.Validate(ctx, secret); !ok {
			s.setCredState(CredentialInvalid)
			return false, msg, nil
		}
	}

	gen, err := s.deps.NewGenerator(ctx, secret)
	if err != nil {
		s.setCredState(CredentialInvalid)
		return false, err.Error(), nil
	}

	s.mu.Lock()
	s.secret = secret
	s.pipeline = pipeline.NewService(gen, s.cfg.GenerationTimeout)
	s.credState = CredentialValid
	s.mu.Unlock()
	log.Info().Msg("credential accepted")

	// an index persisted by a keyed embedder can bind now
	if s.IndexState() != IndexReady && index.Exists(s.cfg.IndexPrefix) {
		if err := s.loadLocked(ctx); err != nil {
			log.Warn().Err(err).Msg("persisted index still unusable")
		}
	}
	return true, "", nil
}

// ClearCredential returns an invalid credential to the unvalidated state,
// as when the operator starts typing a new key.
func (s *Session) ClearCredential() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credState == CredentialInvalid {
		s.credState = CredentialUnvalidated
	}
}

func (s *Session) setCredState(st CredentialState) {
	s.mu.Lock()
	s.credState = st
	s.mu.Unlock()
}

func (s *Session) builder() *index.Builder {
	s.mu.RLock()
	secret := s.secret
	s.mu.RUnlock()
	return s.deps.NewBuilder(secret)
}

func (s *Session) loadLocked(ctx context.Context) error {
	idx, err := s.builder().Load(ctx, s.cfg.IndexPrefix)
	if err != nil {
		return err
	}
	if idx == nil {
		log.Info().Str("prefix", s.cfg.IndexPrefix).Msg("no persisted index")
		return nil
	}
	s.mu.Lock()
	s.idx = idx
	s.indexState = IndexReady
	s.mu.Unlock()
	return nil
}

// EnsureIndex makes the index ready: an existing one is kept, a persisted
// one is loaded, otherwise one is built from the data directory. A persisted
// index that no configured embedder can serve is left on disk untouched;
// Rebuild replaces it explicitly.
func (s *Session) EnsureIndex(ctx context.Context) (index.BuildReport, error) {
	if err := s.acquire(ctx); err != nil {
		return index.BuildReport{}, err
	}
	defer s.gate.Release(1)

	if s.IndexState() == IndexReady {
		return index.BuildReport{}, nil
	}
	if err := s.loadLocked(ctx); err != nil {
		if errors.Is(err, index.ErrNoMatchingEmbedder) {
			return index.BuildReport{}, apperr.Configuration("ensure index", err)
		}
		log.Warn().Err(err).Msg("persisted index unusable, rebuilding")
	} else if s.IndexState() == IndexReady {
		return index.BuildReport{}, nil
	}
	return s.buildLocked(ctx)
}

// Rebuild discards any current index and builds a new one.
func (s *Session) Rebuild(ctx context.Context) (index.BuildReport, error) {
	if err := s.acquire(ctx); err != nil {
		return index.BuildReport{}, err
	}
	defer s.gate.Release(1)
	return s.buildLocked(ctx)
}

func (s *Session) buildLocked(ctx context.Context) (index.BuildReport, error) {
	s.mu.Lock()
	prev, prevState := s.idx, s.indexState
	s.indexState = IndexBuilding
	s.mu.Unlock()

	idx, report, err := s.build(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.idx, s.indexState = prev, prevState
		return report, err
	}
	s.idx, s.indexState = idx, IndexReady
	return report, nil
}

func (s *Session) build(ctx context.Context) (*index.VectorIndex, index.BuildReport, error) {
	var report index.BuildReport
	docs, err := s.deps.Loader.Load(ctx, s.cfg.DataDir)
	if err != nil {
		return nil, report, err
	}
	if len(docs) == 0 {
		return nil, report, apperr.Ingestion("build", apperr.ErrNoDocuments)
	}
	chunks, err := ingest.Split(docs, s.cfg.ChunkSize, s.cfg.ChunkOverlap)
	if err != nil {
		return nil, report, err
	}
	idx, report, err := s.builder().Build(ctx, chunks)
	if err != nil {
		return nil, report, err
	}
	if err := index.Persist(idx, s.cfg.IndexPrefix); err != nil {
		return nil, report, err
	}
	return idx, report, nil
}

// ResetIndex deletes the persisted index and forgets the in-memory one.
func (s *Session) ResetIndex(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.gate.Release(1)

	if err := index.Reset(s.cfg.IndexPrefix); err != nil {
		return err
	}
	s.mu.Lock()
	s.idx, s.indexState = nil, IndexAbsent
	s.mu.Unlock()
	return nil
}

// Submit answers one service request and records it in the history.
func (s *Session) Submit(ctx context.Context, request string) (models.GenerationResponse, error) {
	if err := s.acquire(ctx); err != nil {
		return models.GenerationResponse{}, err
	}
	defer s.gate.Release(1)

	s.mu.RLock()
	p, idx, cs, is := s.pipeline, s.idx, s.credState, s.indexState
	s.mu.RUnlock()
	if cs != CredentialValid || p == nil {
		return models.GenerationResponse{}, apperr.Configuration("submit", ErrNoValidCredential)
	}
	if is != IndexReady || idx == nil {
		return models.GenerationResponse{}, apperr.Generation("submit", ErrIndexNotReady, false)
	}

	resp, err := p.Process(ctx, idx, request, s.cfg.TopK)
	if err != nil {
		if errors.Is(err, ai.ErrUnauthorized) {
			s.mu.Lock()
			s.credState, s.pipeline = CredentialUnvalidated, nil
			s.mu.Unlock()
			log.Warn().Msg("credential rejected during generation")
		}
		return resp, err
	}

	entry := pipeline.HistoryEntryFor(request, resp)
	s.mu.Lock()
	s.history = append(s.history, entry)
	s.mu.Unlock()
	if s.deps.Recorder != nil {
		if err := s.deps.Recorder.Record(ctx, entry); err != nil {
			log.Warn().Err(err).Msg("failed to record history entry")
		}
	}
	return resp, nil
}

// History returns the requests answered in this session, oldest first.
func (s *Session) History() []models.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) CredentialState() CredentialState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credState
}

func (s *Session) IndexState() IndexState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexState
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Credential: s.credState.String(),
		Index:      s.indexState.String(),
		History:    len(s.history),
		Persisted:  index.Exists(s.cfg.IndexPrefix),
	}
	if s.idx != nil {
		st.Model = s.idx.Model()
		st.Entries = s.idx.Len()
	}
	return st
}
