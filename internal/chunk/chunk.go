// Package chunk splits notes into retrieval-sized passages.
//
// Strategy selection is a pure function of the note path and content; the
// same input always yields the same chunks.
package chunk

import (
	"path"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/alaya/internal/models"
	"github.com/starford/alaya/internal/parser"
)

// tokensPerWord is the word-to-token ratio used for approximate counts.
const tokensPerWord = 1.3

// Chunk is one passage of a note.
type Chunk struct {
	Path         string   `json:"path"`
	Title        string   `json:"title"`
	Tags         []string `json:"tags"`
	Directory    string   `json:"directory"`
	ModifiedDate string   `json:"modified_date"`
	Index        int      `json:"chunk_index"`
	Text         string   `json:"text"`
}

// Config bounds chunk sizes in approximate tokens.
type Config struct {
	MaxTokens      int    `yaml:"max_tokens"`
	OverlapTokens  int    `yaml:"overlap_tokens"`
	MinChunkTokens int    `yaml:"min_chunk_tokens"`
	DailyDir       string `yaml:"-"`
}

// DefaultConfig returns the standard chunk sizes.
func DefaultConfig() Config {
	return Config{
		MaxTokens:      512,
		OverlapTokens:  50,
		MinChunkTokens: 30,
		DailyDir:       "daily",
	}
}

// Validate validates the chunking configuration.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.MaxTokens, validation.Required, validation.Min(1)),
		validation.Field(&c.OverlapTokens, validation.Min(0), validation.Max(c.MaxTokens-1)),
		validation.Field(&c.MinChunkTokens, validation.Min(0)),
	)
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.OverlapTokens < 0 || c.OverlapTokens >= c.MaxTokens {
		c.OverlapTokens = 0
	}
	if c.MinChunkTokens < 0 {
		c.MinChunkTokens = 0
	}
	if c.DailyDir == "" {
		c.DailyDir = d.DailyDir
	}
	return c
}

// ApproxTokens estimates the token count of text from its word count.
func ApproxTokens(text string) int {
	return int(float64(len(strings.Fields(text))) * tokensPerWord)
}

// Split chunks a note with the strategy chosen by Select.
func Split(notePath, content string, cfg Config) []Chunk {
	cfg = cfg.withDefaults()
	return SplitWith(Select(notePath, content, cfg), notePath, content, cfg)
}

// SplitWith chunks a note with an explicit strategy. The result is never empty.
func SplitWith(s Strategy, notePath, content string, cfg Config) []Chunk {
	cfg = cfg.withDefaults()
	n := newNote(notePath, content)

	var texts []string
	switch s {
	case DateEntry:
		texts = headerSections(n.body, "### ", false, cfg)
	case Section:
		texts = headerSections(n.body, "## ", true, cfg)
	case SlidingWindow:
		texts = slidingWindow(n.body, cfg)
	case Semantic:
		texts = mergeParagraphs(extractParagraphs(n.body), cfg.MaxTokens)
	}

	out := make([]Chunk, 0, len(texts))
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		out = append(out, n.chunk(len(out), t))
	}
	if len(out) == 0 {
		out = append(out, n.chunk(0, strings.TrimSpace(content)))
	}
	return out
}

// note carries the per-note fields stamped on every chunk.
type note struct {
	path  string
	title string
	tags  []string
	dir   string
	date  string
	body  string
}

func newNote(notePath, content string) note {
	n := note{path: notePath, dir: models.Directory(notePath), body: content}
	if res, err := parser.Parse([]byte(content)); err == nil {
		n.title = res.Title
		n.tags = res.Tags
		n.date = res.Date
		n.body = res.Body
	}
	if n.title == "" {
		n.title = strings.TrimSuffix(path.Base(notePath), path.Ext(notePath))
	}
	if n.tags == nil {
		n.tags = []string{}
	}
	return n
}

func (n note) chunk(idx int, text string) Chunk {
	return Chunk{
		Path:         n.path,
		Title:        n.title,
		Tags:         n.tags,
		Directory:    n.dir,
		ModifiedDate: n.date,
		Index:        idx,
		Text:         text,
	}
}
