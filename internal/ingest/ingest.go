// Package ingest turns external sources (dropped files and URLs) into
// indexed pseudo-notes and suggests related notes for them.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/starford/alaya/internal/apperr"
	"github.com/starford/alaya/internal/index"
	"github.com/starford/alaya/internal/search"
	"github.com/starford/alaya/internal/storage"
)

const (
	suggestLimit   = 5
	suggestPrefix  = 200
	maxFetchBytes  = 10 << 20
	defaultTimeout = 30 * time.Second
)

// ErrUnsupported is returned for source types that cannot be extracted.
var ErrUnsupported = errors.New("ingest: unsupported source type")

// NoContentMessage is reported when a source yields no text.
const NoContentMessage = "No content could be extracted from this source."

// Result describes one ingestion.
type Result struct {
	Title          string          `json:"title"`
	Source         string          `json:"source"`
	Path           string          `json:"path"`
	Text           string          `json:"text"`
	ChunksIndexed  int             `json:"chunks_indexed"`
	SuggestedLinks []search.Result `json:"suggested_links"`
	Message        string          `json:"message,omitempty"`
}

// Ingester extracts text from sources and indexes it.
type Ingester struct {
	fs       storage.Provider
	ix       *index.Indexer
	searcher *search.Searcher
	recency  *index.Recency
	fetcher  *Fetcher
	dropDir  string
	log      *slog.Logger
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithFetcher sets the Fetcher used for URL sources. The default blocks
// loopback and cloud metadata hosts on every hop.
func WithFetcher(f *Fetcher) Option {
	return func(in *Ingester) { in.fetcher = f }
}

// New creates an Ingester. URL sources are indexed under <dropDir>/web/.
func New(fs storage.Provider, ix *index.Indexer, searcher *search.Searcher, recency *index.Recency, dropDir string, log *slog.Logger, opts ...Option) *Ingester {
	if dropDir == "" {
		dropDir = index.DefaultDropDir
	}
	if log == nil {
		log = slog.Default()
	}
	in := &Ingester{
		fs:       fs,
		ix:       ix,
		searcher: searcher,
		recency:  recency,
		fetcher:  NewFetcher(BlockInternal, defaultTimeout, maxFetchBytes),
		dropDir:  dropDir,
		log:      log,
	}
	for _, o := range opts {
		o(in)
	}
	return in
}

// IngestFile ingests a vault-relative drop-in. It has the shape the
// watcher expects.
func (in *Ingester) IngestFile(ctx context.Context, rel string) error {
	res, err := in.Ingest(ctx, rel, "", nil)
	if err != nil {
		return err
	}
	if res.Message != "" {
		in.log.Info("ingest: nothing indexed", slog.String("path", rel), slog.String("reason", res.Message))
	}
	return nil
}

// Ingest extracts source (a vault path, an absolute path inside the vault,
// or an http(s) URL), indexes it as a note and returns related notes. An
// empty title falls back to the document's own title, then the file name.
func (in *Ingester) Ingest(ctx context.Context, source, title string, tags []string) (Result, error) {
	var (
		rel       string
		docTitle  string
		body      string
		fallback  string
		extractEr error
	)

	if isURL(source) {
		rel, docTitle, body, fallback, extractEr = in.fromURL(ctx, source)
	} else {
		rel, docTitle, body, fallback, extractEr = in.fromFile(source)
	}
	if extractEr != nil {
		return Result{}, extractEr
	}

	res := Result{Source: source, Path: rel, Title: firstNonEmpty(title, docTitle, fallback)}
	if strings.TrimSpace(body) == "" {
		res.Message = NoContentMessage
		return res, nil
	}
	res.Text = body

	note, err := syntheticNote(res.Title, tags, body)
	if err != nil {
		return Result{}, err
	}
	in.recency.Mark(rel)
	n, err := in.ix.IndexContent(ctx, rel, note)
	if err != nil {
		return Result{}, fmt.Errorf("ingest: index %s: %w", rel, err)
	}
	in.recency.Mark(rel)
	res.ChunksIndexed = n
	res.SuggestedLinks = in.suggest(ctx, rel, body)

	in.log.Info("ingest: indexed",
		slog.String("source", source),
		slog.String("path", rel),
		slog.Int("chunks", n))
	return res, nil
}

func (in *Ingester) fromFile(source string) (rel, title, body, fallback string, err error) {
	rel = source
	if filepath.IsAbs(source) {
		if rel, err = in.fs.Rel(source); err != nil {
			return "", "", "", "", err
		}
	}
	rel = path.Clean(filepath.ToSlash(rel))
	fallback = strings.TrimSuffix(path.Base(rel), path.Ext(rel))

	ext := strings.ToLower(path.Ext(rel))
	switch ext {
	case ".md", ".txt", ".html", ".htm":
	case ".pdf":
		return "", "", "", "", fmt.Errorf("%w: %s: pdf extraction is not available: %w", ErrUnsupported, rel, apperr.ErrInvalidArgument)
	default:
		return "", "", "", "", fmt.Errorf("%w: %q: %w", ErrUnsupported, ext, apperr.ErrInvalidArgument)
	}

	data, err := in.fs.Read(rel)
	if err != nil {
		return "", "", "", "", fmt.Errorf("ingest: %w", err)
	}

	switch ext {
	case ".md":
		return rel, markdownTitle(data), string(data), fallback, nil
	case ".txt":
		return rel, "", string(data), fallback, nil
	default:
		t, b, err := htmlText(data)
		if err != nil {
			return "", "", "", "", fmt.Errorf("ingest: parse html %s: %w", rel, err)
		}
		return rel, t, b, fallback, nil
	}
}

func (in *Ingester) fromURL(ctx context.Context, source string) (rel, title, body, fallback string, err error) {
	dl, err := in.fetcher.Fetch(ctx, source)
	if err != nil {
		return "", "", "", "", fmt.Errorf("ingest: %w", err)
	}
	u, err := url.Parse(source)
	if err != nil {
		return "", "", "", "", fmt.Errorf("ingest: parse url: %w", apperr.ErrInvalidArgument)
	}

	title, body, err = htmlText(dl.Data)
	if err != nil {
		return "", "", "", "", fmt.Errorf("ingest: parse html %s: %w", source, err)
	}

	fallback = path.Base(u.Path)
	if fallback == "/" || fallback == "." || fallback == "" {
		fallback = u.Host
	}
	rel = in.dropDir + "/web/" + slug(u.Host+u.Path) + ".html"
	return rel, title, body, fallback, nil
}

// suggest returns up to five indexed notes related to the start of body,
// excluding rel itself. Failures yield no suggestions.
func (in *Ingester) suggest(ctx context.Context, rel, body string) []search.Result {
	if in.searcher == nil {
		return []search.Result{}
	}
	hits, err := in.searcher.Search(ctx, search.Query{Text: prefix(body, suggestPrefix), Limit: suggestLimit + 1})
	if err != nil {
		in.log.Warn("ingest: suggest failed", slog.String("path", rel), slog.String("error", err.Error()))
		return []search.Result{}
	}
	out := make([]search.Result, 0, suggestLimit)
	for _, h := range hits {
		if h.Path == rel {
			continue
		}
		out = append(out, h)
		if len(out) == suggestLimit {
			break
		}
	}
	return out
}

type frontMatter struct {
	Title string `yaml:"title"`
	Date  string `yaml:"date"`
}

// syntheticNote wraps extracted text as a note with front matter and a tag
// line, so it chunks like any other note.
func syntheticNote(title string, tags []string, body string) (string, error) {
	fm, err := yaml.Marshal(frontMatter{Title: title, Date: time.Now().Format(time.DateOnly)})
	if err != nil {
		return "", fmt.Errorf("ingest: front matter: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("---\n")
	sb.Write(fm)
	sb.WriteString("---\n")
	if len(tags) > 0 {
		for i, t := range tags {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString("#" + strings.TrimPrefix(t, "#"))
		}
		sb.WriteString("\n\n")
	}
	sb.WriteString(body)
	return sb.String(), nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// prefix returns at most n runes of s.
func prefix(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func slug(s string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
			dash = false
			continue
		}
		if !dash && sb.Len() > 0 {
			sb.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(sb.String(), "-")
	if len(out) > 80 {
		out = strings.TrimSuffix(out[:80], "-")
	}
	if out == "" {
		out = "page"
	}
	return out
}
