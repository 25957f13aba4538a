package index

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/dbassist/internal/ai"
	"github.com/seanblong/dbassist/internal/apperr"
	"github.com/seanblong/dbassist/pkg/models"
	"go.etcd.io/bbolt"
)

const (
	vecExt = ".vec"
	dbExt  = ".db"
	tmpExt = ".tmp"
	bakExt = ".bak"
)

var vecMagic = [8]byte{'D', 'B', 'A', 'V', 'E', 'C', '0', '1'}

var (
	bucketChunks   = []byte("chunks")
	bucketManifest = []byte("manifest")

	keyModel     = []byte("model")
	keyDim       = []byte("dim")
	keyCount     = []byte("count")
	keyVecSHA256 = []byte("vec_sha256")
	keyCreatedAt = []byte("created_at")
)

// Paths returns the vector and metadata artifact paths for prefix.
func Paths(prefix string) (vec, db string) {
	return prefix + vecExt, prefix + dbExt
}

// Exists reports whether a persisted index is present at prefix.
func Exists(prefix string) bool {
	vec, _ := Paths(prefix)
	_, err := os.Stat(vec)
	return err == nil
}

// Persist writes idx as a consistent pair of artifacts. Previous artifacts
// survive unchanged if any step fails.
func Persist(idx *VectorIndex, prefix string) error {
	if idx == nil {
		return apperr.Persistence("persist", errors.New("nil index"))
	}
	if err := os.MkdirAll(filepath.Dir(prefix), 0o755); err != nil {
		return apperr.Persistence("persist", err)
	}

	vecPath, dbPath := Paths(prefix)
	vecTmp, dbTmp := vecPath+tmpExt, dbPath+tmpExt
	defer os.Remove(vecTmp)
	defer os.Remove(dbTmp)

	sum, err := writeVectors(vecTmp, idx)
	if err != nil {
		return apperr.Persistence("write vectors", err)
	}
	if err := writeMeta(dbTmp, idx, sum); err != nil {
		return apperr.Persistence("write metadata", err)
	}

	if err := commit([][2]string{{dbTmp, dbPath}, {vecTmp, vecPath}}); err != nil {
		return apperr.Persistence("commit", err)
	}
	log.Info().Str("prefix", prefix).Int("entries", idx.Len()).Str("model", idx.model).Msg("index persisted")
	return nil
}

// commit renames each tmp onto its final path. Existing finals are moved to
// backups first and restored if any rename fails.
func commit(pairs [][2]string) error {
	var backedUp, placed []string
	rollback := func() {
		for _, final := range placed {
			os.Remove(final)
		}
		for _, final := range backedUp {
			if err := os.Rename(final+bakExt, final); err != nil {
				log.Error().Err(err).Str("path", final).Msg("failed to restore backup")
			}
		}
	}

	for _, p := range pairs {
		final := p[1]
		os.Remove(final + bakExt)
		if _, err := os.Stat(final); err == nil {
			if err := os.Rename(final, final+bakExt); err != nil {
				rollback()
				return err
			}
			backedUp = append(backedUp, final)
		}
	}
	for _, p := range pairs {
		if err := os.Rename(p[0], p[1]); err != nil {
			rollback()
			return err
		}
		placed = append(placed, p[1])
	}
	for _, final := range backedUp {
		os.Remove(final + bakExt)
	}
	return nil
}

// Vector artifact: magic, uint32 dim, uint32 count, then count*dim
// little-endian float32 values in entry order.
func writeVectors(path string, idx *VectorIndex) (string, error) {
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	w := bufio.NewWriter(io.MultiWriter(f, h))

	if _, err := w.Write(vecMagic[:]); err != nil {
		f.Close()
		return "", err
	}
	header := []uint32{uint32(idx.dim), uint32(len(idx.entries))}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		f.Close()
		return "", err
	}
	for _, e := range idx.entries {
		if err := binary.Write(w, binary.LittleEndian, e.Vector); err != nil {
			f.Close()
			return "", err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeMeta(path string, idx *VectorIndex, vecSum string) error {
	os.Remove(path)
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open bolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		chunks, err := tx.CreateBucket(bucketChunks)
		if err != nil {
			return err
		}
		for i, e := range idx.entries {
			data, err := json.Marshal(e.Chunk)
			if err != nil {
				return err
			}
			if err := chunks.Put(seqKey(i), data); err != nil {
				return err
			}
		}

		m, err := tx.CreateBucket(bucketManifest)
		if err != nil {
			return err
		}
		for k, v := range map[string]string{
			string(keyModel):     idx.model,
			string(keyDim):       strconv.Itoa(idx.dim),
			string(keyCount):     strconv.Itoa(len(idx.entries)),
			string(keyVecSHA256): vecSum,
			string(keyCreatedAt): time.Now().UTC().Format(time.RFC3339),
		} {
			if err := m.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	return err
}

func seqKey(i int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(i))
	return k
}

type manifest struct {
	model  string
	dim    int
	count  int
	sha256 string
}

// Load reads a persisted index and binds the embedder whose model matches
// the recorded one. It returns nil, nil when nothing is persisted.
func (b *Builder) Load(ctx context.Context, prefix string) (*VectorIndex, error) {
	vecPath, dbPath := Paths(prefix)
	if err := restoreBackups(vecPath, dbPath); err != nil {
		return nil, apperr.Persistence("restore backup", err)
	}
	raw, err := os.ReadFile(vecPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Persistence("load", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		return nil, apperr.Persistence("load", fmt.Errorf("metadata artifact: %w", err))
	}

	m, chunks, err := readMeta(dbPath)
	if err != nil {
		return nil, apperr.Persistence("load metadata", err)
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != m.sha256 {
		return nil, apperr.Persistence("load", errors.New("vector artifact checksum mismatch"))
	}
	vectors, err := readVectors(raw, m)
	if err != nil {
		return nil, apperr.Persistence("load vectors", err)
	}
	if len(chunks) != m.count {
		return nil, apperr.Persistence("load", fmt.Errorf("manifest lists %d chunks, found %d", m.count, len(chunks)))
	}

	emb, err := b.bind(ctx, m)
	if err != nil {
		return nil, apperr.Persistence("bind embedder", err)
	}

	entries := make([]Entry, m.count)
	for i := range entries {
		entries[i] = Entry{Chunk: chunks[i], Vector: vectors[i]}
	}
	log.Info().Str("prefix", prefix).Str("model", m.model).Int("entries", m.count).Msg("index loaded")
	return &VectorIndex{entries: entries, model: m.model, dim: m.dim, embedder: emb}, nil
}

func (b *Builder) bind(ctx context.Context, m manifest) (ai.Embedder, error) {
	var errs []error
	for _, s := range b.strategies {
		emb, err := s.Init(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		if emb.Model() == m.model && emb.Dim() == m.dim {
			return emb, nil
		}
		errs = append(errs, fmt.Errorf("%s: model %s (dim %d) does not match %s (dim %d)", s.Name, emb.Model(), emb.Dim(), m.model, m.dim))
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no embedding strategies configured", ErrNoMatchingEmbedder)
	}
	return nil, fmt.Errorf("%w: %w", ErrNoMatchingEmbedder, errors.Join(errs...))
}

// restoreBackups puts back the previous pair when a commit was interrupted
// after the finals were moved aside. Backups are taken of every final before
// any tmp is placed, so together they form a consistent pair.
func restoreBackups(finals ...string) error {
	missing := false
	for _, f := range finals {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			missing = true
		}
	}
	if !missing {
		return nil
	}
	for _, f := range finals {
		if _, err := os.Stat(f + bakExt); err != nil {
			continue
		}
		if err := os.Rename(f+bakExt, f); err != nil {
			return err
		}
		log.Warn().Str("path", f).Msg("restored backup from interrupted commit")
	}
	return nil
}

func readMeta(path string) (manifest, []models.Chunk, error) {
	var m manifest
	var chunks []models.Chunk

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return m, nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	defer db.Close()

	err = db.View(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(bucketManifest)
		cb := tx.Bucket(bucketChunks)
		if mb == nil || cb == nil {
			return errors.New("missing buckets")
		}
		m.model = string(mb.Get(keyModel))
		m.sha256 = string(mb.Get(keyVecSHA256))
		var err error
		if m.dim, err = strconv.Atoi(string(mb.Get(keyDim))); err != nil {
			return fmt.Errorf("dim: %w", err)
		}
		if m.count, err = strconv.Atoi(string(mb.Get(keyCount))); err != nil {
			return fmt.Errorf("count: %w", err)
		}
		return cb.ForEach(func(k, v []byte) error {
			var c models.Chunk
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("chunk %x: %w", k, err)
			}
			chunks = append(chunks, c)
			return nil
		})
	})
	return m, chunks, err
}

func readVectors(raw []byte, m manifest) ([][]float32, error) {
	r := bytes.NewReader(raw)
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, err
	}
	if magic != vecMagic {
		return nil, errors.New("not a vector artifact")
	}
	var header [2]uint32
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	dim, count := int(header[0]), int(header[1])
	if dim != m.dim || count != m.count {
		return nil, fmt.Errorf("header (dim %d, count %d) disagrees with manifest (dim %d, count %d)", dim, count, m.dim, m.count)
	}
	if r.Len() != dim*count*4 {
		return nil, fmt.Errorf("expected %d bytes of vector data, found %d", dim*count*4, r.Len())
	}

	out := make([][]float32, count)
	buf := make([]byte, 4)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, err
			}
			v[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf))
		}
		out[i] = v
	}
	return out, nil
}

// Reset removes the persisted index and any leftover temp or backup files.
// Calling it when nothing is persisted is not an error.
func Reset(prefix string) error {
	vecPath, dbPath := Paths(prefix)
	var errs []error
	for _, p := range []string{vecPath, dbPath} {
		for _, name := range []string{p, p + tmpExt, p + bakExt} {
			if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return apperr.Persistence("reset", errors.Join(errs...))
	}
	log.Info().Str("prefix", prefix).Msg("index reset")
	return nil
}
