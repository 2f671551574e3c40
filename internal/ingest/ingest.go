// Package ingest imports documents into the knowledge base. Markdown
// files are split into heading-scoped chunks; URLs are fetched and
// reduced to readable text first.
package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/cloudvoice/cloudvoice/internal/fetch"
	"github.com/cloudvoice/cloudvoice/internal/knowledge"
)

// Ingester turns documents into knowledge base passages.
type Ingester struct {
	store    *knowledge.Store
	embedder knowledge.Embedder
	fetcher  *fetch.Fetcher
	logger   *slog.Logger
}

// New creates an ingester. The fetcher may be nil if IngestURL is
// never used.
func New(store *knowledge.Store, embedder knowledge.Embedder, fetcher *fetch.Fetcher, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		store:    store,
		embedder: embedder,
		fetcher:  fetcher,
		logger:   logger,
	}
}

// Chunk is a semantic unit extracted from a document.
type Chunk struct {
	Title   string
	Content string
}

// IngestFile reads a markdown file and stores its chunks as passages.
func (g *Ingester) IngestFile(ctx context.Context, path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	return g.storeChunks(ctx, parseMarkdown(file), path)
}

// IngestString stores markdown content from a string.
func (g *Ingester) IngestString(ctx context.Context, content, source string) (int, error) {
	return g.storeChunks(ctx, parseMarkdown(strings.NewReader(content)), source)
}

// IngestURL fetches a page and stores its readable text as a single
// passage titled after the page.
func (g *Ingester) IngestURL(ctx context.Context, rawURL string) (int, error) {
	if g.fetcher == nil {
		return 0, fmt.Errorf("no fetcher configured")
	}

	result, err := g.fetcher.Fetch(ctx, rawURL, 0)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if strings.TrimSpace(result.Content) == "" {
		return 0, fmt.Errorf("no readable content at %s", rawURL)
	}

	chunks := []Chunk{{Title: result.Title, Content: result.Content}}
	return g.storeChunks(ctx, chunks, result.URL)
}

func (g *Ingester) storeChunks(ctx context.Context, chunks []Chunk, source string) (int, error) {
	count := 0
	for _, chunk := range chunks {
		text := chunk.Content
		if chunk.Title != "" {
			text = chunk.Title + "\n" + text
		}

		emb, err := g.embedder.Embed(ctx, text)
		if err != nil {
			g.logger.Warn("skipping chunk, embedding failed",
				"title", chunk.Title, "error", err)
			continue
		}

		if _, err := g.store.Add(ctx, chunk.Title, chunk.Content, source, emb); err != nil {
			g.logger.Warn("skipping chunk, store failed",
				"title", chunk.Title, "error", err)
			continue
		}
		count++
	}

	g.logger.Info("ingested document", "source", source, "passages", count)
	return count, nil
}

var (
	h1Pattern        = regexp.MustCompile(`^#\s+(.+)$`)
	h2Pattern        = regexp.MustCompile(`^##\s+(.+)$`)
	h3Pattern        = regexp.MustCompile(`^###\s+(.+)$`)
	codeBlockPattern = regexp.MustCompile("^```")
	slugPattern      = regexp.MustCompile(`[^a-z0-9]+`)
)

// parseMarkdown splits markdown into heading-scoped chunks. Code
// blocks stay attached to their surrounding chunk.
func parseMarkdown(r io.Reader) []Chunk {
	var chunks []Chunk
	scanner := bufio.NewScanner(r)

	var currentH1, currentH2, currentTitle string
	var currentContent strings.Builder

	flush := func() {
		content := strings.TrimSpace(currentContent.String())
		if content != "" && currentTitle != "" {
			chunks = append(chunks, Chunk{Title: currentTitle, Content: content})
		}
		currentContent.Reset()
	}

	inCodeBlock := false

	for scanner.Scan() {
		line := scanner.Text()

		if codeBlockPattern.MatchString(line) {
			inCodeBlock = !inCodeBlock
			currentContent.WriteString(line + "\n")
			continue
		}
		if inCodeBlock {
			currentContent.WriteString(line + "\n")
			continue
		}

		if m := h1Pattern.FindStringSubmatch(line); m != nil {
			flush()
			currentH1 = m[1]
			currentH2 = ""
			currentTitle = slugify(currentH1)
			continue
		}

		if m := h2Pattern.FindStringSubmatch(line); m != nil {
			flush()
			currentH2 = m[1]
			if currentH1 != "" {
				currentTitle = slugify(currentH1) + "/" + slugify(currentH2)
			} else {
				currentTitle = slugify(currentH2)
			}
			continue
		}

		if m := h3Pattern.FindStringSubmatch(line); m != nil {
			flush()
			switch {
			case currentH2 != "":
				currentTitle = slugify(currentH1) + "/" + slugify(currentH2) + "/" + slugify(m[1])
			case currentH1 != "":
				currentTitle = slugify(currentH1) + "/" + slugify(m[1])
			default:
				currentTitle = slugify(m[1])
			}
			continue
		}

		if line != "" || currentContent.Len() > 0 {
			currentContent.WriteString(line + "\n")
		}
	}

	flush()
	return chunks
}

// slugify converts a heading to a key-friendly form.
func slugify(s string) string {
	s = strings.ToLower(s)
	s = slugPattern.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
