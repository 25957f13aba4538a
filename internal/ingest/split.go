package ingest

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/dbassist/internal/apperr"
	"github.com/seanblong/dbassist/pkg/models"
)

const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 100
)

// Split cuts every document into chunks of at most chunkSize runes. Consecutive
// chunks of the same document share exactly overlap runes. Cuts prefer
// paragraph breaks, then sentence ends, then spaces.
func Split(docs []models.Document, chunkSize, overlap int) ([]models.Chunk, error) {
	if chunkSize <= 0 {
		return nil, apperr.Configuration("split", fmt.Errorf("chunk size must be positive, got %d", chunkSize))
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, apperr.Configuration("split", fmt.Errorf("chunk overlap %d must be in [0, %d)", overlap, chunkSize))
	}

	var out []models.Chunk
	for _, d := range docs {
		if strings.TrimSpace(d.Text) == "" {
			continue
		}
		for i, s := range spans([]rune(d.Text), chunkSize, overlap) {
			out = append(out, models.Chunk{
				ID:      chunkID(d.Source, d.Page, s.start),
				Source:  d.Source,
				Page:    d.Page,
				Offset:  s.start,
				Seq:     i,
				Content: s.text,
			})
		}
	}
	log.Debug().Int("documents", len(docs)).Int("chunks", len(out)).Msg("split documents")
	return out, nil
}

type span struct {
	start int
	text  string
}

func spans(r []rune, size, overlap int) []span {
	var out []span
	n := len(r)
	start := 0
	for {
		if n-start <= size {
			out = append(out, span{start, string(r[start:n])})
			return out
		}
		lo := start + overlap + 1
		if half := start + size/2; half > lo {
			lo = half
		}
		end := boundary(r, lo, start+size)
		out = append(out, span{start, string(r[start:end])})
		start = end - overlap
	}
}

// boundary returns the best cut position in [lo, hi]. The cut lands just
// after the separator that was found.
func boundary(r []rune, lo, hi int) int {
	if e := lastBreak(r, lo, hi, func(i int) int {
		if r[i] == '\n' && i+1 < len(r) && r[i+1] == '\n' {
			return 2
		}
		return 0
	}); e > 0 {
		return e
	}
	if e := lastBreak(r, lo, hi, func(i int) int {
		switch r[i] {
		case '.', '!', '?':
			if i+1 < len(r) && r[i+1] == ' ' {
				return 2
			}
		case '\n':
			return 1
		}
		return 0
	}); e > 0 {
		return e
	}
	if e := lastBreak(r, lo, hi, func(i int) int {
		if r[i] == ' ' || r[i] == '\t' {
			return 1
		}
		return 0
	}); e > 0 {
		return e
	}
	return hi
}

// lastBreak scans backwards for a separator whose end lies in [lo, hi].
// sep reports the separator width at i, or 0.
func lastBreak(r []rune, lo, hi int, sep func(i int) int) int {
	for i := hi - 1; i >= lo-2 && i >= 0; i-- {
		w := sep(i)
		if w == 0 {
			continue
		}
		if e := i + w; e >= lo && e <= hi {
			return e
		}
	}
	return 0
}

func chunkID(source string, page, offset int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s#page=%d&offset=%d", source, page, offset))).String()
}
