// Package ingest loads reference documents from a directory and splits them
// into overlapping chunks for the embedding index.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/dbassist/internal/apperr"
	"github.com/seanblong/dbassist/pkg/models"
)

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// FileReader extracts the page texts of one file.
type FileReader interface {
	ReadPages(path string) ([]string, error)
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// DefaultFileReader reads PDFs page by page and text files as a single page.
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadPages(path string) ([]string, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return readPDF(path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []string{string(b)}, nil
}

func readPDF(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	r, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}

	pages := make([]string, 0, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, text)
	}
	return pages, nil
}

// Loader walks a source directory recursively and turns matching files into Documents.
type Loader struct {
	Walker     FileSystemWalker
	FileReader FileReader
}

func NewLoader() *Loader {
	return &Loader{
		Walker:     &DefaultFileSystemWalker{},
		FileReader: &DefaultFileReader{},
	}
}

// Load returns one Document per page of every matching file under dir,
// sorted by path then page. An unreadable dir is an ingestion error; a
// readable dir without matching files yields an empty slice.
func (l *Loader) Load(ctx context.Context, dir string) ([]models.Document, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, apperr.Ingestion("load "+dir, err)
	}
	if !fi.IsDir() {
		return nil, apperr.Ingestion("load "+dir, fmt.Errorf("not a directory"))
	}
	if _, err := os.ReadDir(dir); err != nil {
		return nil, apperr.Ingestion("load "+dir, err)
	}

	var paths []string
	err = l.Walker.Walk(dir, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			// de is nil when driven by test walkers
			if de != nil && de.IsDir() {
				if path != dir && shouldSkipDir(de.Name()) {
					return godirwalk.SkipThis
				}
				return nil
			}
			if matches(path) {
				paths = append(paths, path)
			}
			return nil
		},
		ErrorCallback: func(path string, err error) godirwalk.ErrorAction {
			log.Warn().Err(err).Str("path", path).Msg("skipping unreadable entry")
			return godirwalk.SkipNode
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Ingestion("walk "+dir, err)
	}
	sort.Strings(paths)

	docs := []models.Document{}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pages, err := l.FileReader.ReadPages(p)
		if err != nil {
			log.Warn().Err(err).Str("path", p).Msg("failed to read document")
			continue
		}
		src := rel(dir, p)
		for i, text := range pages {
			docs = append(docs, models.Document{Source: src, Page: i + 1, Text: text})
		}
	}

	if len(docs) == 0 {
		log.Warn().Str("dir", dir).Msg("no documents found")
	}
	log.Info().Str("dir", dir).Int("files", len(paths)).Int("documents", len(docs)).Msg("documents loaded")
	return docs, nil
}

// matches returns true for the file types the loader understands.
func matches(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".pdf", ".txt", ".md":
		return true
	}
	return false
}

func shouldSkipDir(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	switch strings.ToLower(name) {
	case "node_modules", "vendor", "__pycache__", "venv":
		return true
	}
	return false
}

func rel(root, p string) string {
	r, err := filepath.Rel(root, p)
	if err != nil {
		return p
	}
	return filepath.ToSlash(r)
}
