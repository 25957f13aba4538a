package ai

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const defaultHashDim = 384

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// HashEmbedder is a local feature-hashing embedder. It needs no network and
// is the fallback strategy when the configured embedding backend fails.
// Words and character trigrams are hashed into signed buckets, then L2-normalized.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = defaultHashDim
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float64, h.dim)
	// underscores split so "hospital_id" and "hospital ID" share features
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		h.add(vec, "w:"+tok, 1.0)
		padded := []rune("^" + tok + "$")
		for i := 0; i+3 <= len(padded); i++ {
			h.add(vec, "c:"+string(padded[i:i+3]), 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, h.dim)
	if norm == 0 {
		return out, nil
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func (h *HashEmbedder) add(vec []float64, feature string, weight float64) {
	sum := xxhash.Sum64String(feature)
	idx := sum % uint64(h.dim)
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

func (h *HashEmbedder) Dim() int {
	return h.dim
}

func (h *HashEmbedder) Model() string {
	return "hash-v1-" + strconv.Itoa(h.dim)
}
