// Package noteservice implements note mutation for the HTTP and MCP
// surfaces. Every successful write is published on the event bus, which
// keeps the vector index in step.
package noteservice

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/starford/alaya/internal/apperr"
	"github.com/starford/alaya/internal/checksum"
	"github.com/starford/alaya/internal/events"
	"github.com/starford/alaya/internal/models"
	"github.com/starford/alaya/internal/parser"
	"github.com/starford/alaya/internal/storage"
)

// ArchivesDir receives soft-deleted notes.
const ArchivesDir = "archives"

// ValidDirs are the top-level directories notes may be created in or moved to.
var ValidDirs = map[string]struct{}{
	"daily": {}, "inbox": {}, "projects": {}, "areas": {}, "people": {},
	"ideas": {}, "learning": {}, "resources": {}, "raw": {}, ArchivesDir: {},
}

var (
	tagRe      = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_/-]*$`)
	slugDropRe = regexp.MustCompile(`[^\p{L}\p{N}_\s-]`)
	slugSepRe  = regexp.MustCompile(`[\s_]+`)
)

// NoteDetail is the full representation of a note.
type NoteDetail struct {
	Path        string         `json:"path"`
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	Checksum    string         `json:"checksum"`
	Tags        []string       `json:"tags"`
	Date        string         `json:"date,omitempty"`
	Frontmatter map[string]any `json:"frontmatter,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NoteListItem is a lightweight item in a list response.
type NoteListItem struct {
	Path      string    `json:"path"`
	Directory string    `json:"directory"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Service coordinates vault writes and bus notifications.
type Service struct {
	store storage.Provider
	bus   *events.Bus
	now   func() time.Time
}

// NewService creates a new note service.
func NewService(store storage.Provider, bus *events.Bus) *Service {
	return &Service{store: store, bus: bus, now: time.Now}
}

// Create writes a new note titled title under dir and returns its path.
func (s *Service) Create(ctx context.Context, dir, title, body string, tags []string) (string, error) {
	dir, err := s.validateDir(dir)
	if err != nil {
		return "", err
	}
	slug := Slugify(title)
	if slug == "" {
		return "", fmt.Errorf("noteservice: title %q has no usable characters: %w", title, apperr.ErrInvalidArgument)
	}
	tags, err = normalizeTags(tags)
	if err != nil {
		return "", err
	}
	content, err := s.render(strings.TrimSpace(title), tags, body)
	if err != nil {
		return "", err
	}

	p := path.Join(dir, slug+".md")
	unlock := s.store.Lock(p)
	defer unlock()
	if s.exists(p) {
		return "", fmt.Errorf("noteservice: %s: %w", p, apperr.ErrAlreadyExists)
	}
	if err := s.store.Write(p, content); err != nil {
		return "", err
	}
	s.publish(ctx, events.Event{Kind: events.Created, Path: p})
	return p, nil
}

// CreateAt writes content to a new note at p.
func (s *Service) CreateAt(ctx context.Context, p string, content []byte) (*NoteDetail, error) {
	p, err := notePath(p)
	if err != nil {
		return nil, err
	}
	unlock := s.store.Lock(p)
	defer unlock()
	if s.exists(p) {
		return nil, fmt.Errorf("noteservice: %s: %w", p, apperr.ErrAlreadyExists)
	}
	if err := s.store.Write(p, content); err != nil {
		return nil, err
	}
	s.publish(ctx, events.Event{Kind: events.Created, Path: p})
	return s.detail(p, content)
}

// Read returns the parsed note at p.
func (s *Service) Read(_ context.Context, p string) (*NoteDetail, error) {
	data, err := s.read(p)
	if err != nil {
		return nil, err
	}
	return s.detail(p, data)
}

// List returns the notes under dir ("" for the whole vault), sorted by path.
func (s *Service) List(_ context.Context, dir string) ([]NoteListItem, error) {
	metas, err := s.store.List(dir)
	if err != nil {
		return nil, mapNotExist(err)
	}
	items := make([]NoteListItem, len(metas))
	for i, m := range metas {
		items[i] = NoteListItem{Path: m.Path, Directory: models.Directory(m.Path), Size: m.Size, UpdatedAt: m.ModTime}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items, nil
}

// Write replaces the content of an existing note. A non-empty ifMatch must
// equal the current checksum.
func (s *Service) Write(ctx context.Context, p string, content []byte, ifMatch string) (*NoteDetail, error) {
	unlock := s.store.Lock(p)
	defer unlock()
	existing, err := s.read(p)
	if err != nil {
		return nil, err
	}
	if ifMatch != "" && ifMatch != checksum.Sum(existing) {
		return nil, fmt.Errorf("noteservice: %s changed: %w", p, apperr.ErrConflict)
	}
	if err := s.store.Write(p, content); err != nil {
		return nil, err
	}
	s.publish(ctx, events.Event{Kind: events.Modified, Path: p})
	return s.detail(p, content)
}

// Append adds text to the end of an existing note.
func (s *Service) Append(ctx context.Context, p, text string) error {
	unlock := s.store.Lock(p)
	defer unlock()
	existing, err := s.read(p)
	if err != nil {
		return err
	}
	sep := "\n\n"
	switch {
	case len(existing) == 0:
		sep = ""
	case strings.HasSuffix(string(existing), "\n"):
		sep = "\n"
	}
	content := string(existing) + sep + text + "\n"
	if err := s.store.Write(p, []byte(content)); err != nil {
		return err
	}
	s.publish(ctx, events.Event{Kind: events.Modified, Path: p})
	return nil
}

// Move relocates a note into destDir, keeping its file name, and returns
// the new path.
func (s *Service) Move(ctx context.Context, p, destDir string) (string, error) {
	destDir, err := s.validateDir(destDir)
	if err != nil {
		return "", err
	}
	if _, err := s.read(p); err != nil {
		return "", err
	}
	dest := path.Join(destDir, path.Base(p))
	if dest == path.Clean(p) {
		return "", fmt.Errorf("noteservice: %s is already in %s: %w", p, destDir, apperr.ErrInvalidArgument)
	}
	if err := s.move(p, dest); err != nil {
		return "", err
	}
	s.publish(ctx, events.Event{Kind: events.Moved, Path: dest, OldPath: p})
	return dest, nil
}

// Rename sets a new title, renames the file to its slug and rewrites
// [[old title]] links across the vault. It returns the new path.
func (s *Service) Rename(ctx context.Context, p, newTitle string) (string, error) {
	newTitle = strings.TrimSpace(newTitle)
	slug := Slugify(newTitle)
	if slug == "" {
		return "", fmt.Errorf("noteservice: title %q has no usable characters: %w", newTitle, apperr.ErrInvalidArgument)
	}
	dest := path.Join(path.Dir(p), slug+".md")

	unlock := s.store.Lock(p)
	data, err := s.read(p)
	if err != nil {
		unlock()
		return "", err
	}
	oldTitle := strings.TrimSuffix(path.Base(p), ".md")
	if t := strings.TrimSpace(frontmatterTitle(data)); t != "" {
		oldTitle = t
	}
	if dest != path.Clean(p) && s.exists(dest) {
		unlock()
		return "", fmt.Errorf("noteservice: %s: %w", dest, apperr.ErrAlreadyExists)
	}
	updated, changed, err := setFrontmatterField(data, "title", newTitle)
	if err != nil {
		unlock()
		return "", err
	}
	if changed {
		if err := s.store.Write(p, updated); err != nil {
			unlock()
			return "", err
		}
	}
	if dest != path.Clean(p) {
		if err := s.store.Move(p, dest); err != nil {
			unlock()
			return "", mapNotExist(err)
		}
	}
	unlock()
	s.publish(ctx, events.Event{Kind: events.Moved, Path: dest, OldPath: p})

	if oldTitle != "" {
		if err := s.relink(ctx, oldTitle, slug); err != nil {
			return dest, err
		}
	}
	return dest, nil
}

// Delete archives a note under archives/ and returns the archive path. A
// non-empty reason is recorded in the front matter.
func (s *Service) Delete(ctx context.Context, p, reason string) (string, error) {
	clean := path.Clean(p)
	if clean == ArchivesDir || strings.HasPrefix(clean, ArchivesDir+"/") {
		return "", fmt.Errorf("noteservice: %s is already archived: %w", p, apperr.ErrInvalidArgument)
	}
	dest := path.Join(ArchivesDir, path.Base(clean))

	unlock := s.store.Lock(p)
	data, err := s.read(p)
	if err != nil {
		unlock()
		return "", err
	}
	if reason != "" {
		updated, changed, err := setFrontmatterField(data, "archived_reason", reason)
		if err != nil {
			unlock()
			return "", err
		}
		if changed {
			if err := s.store.Write(p, updated); err != nil {
				unlock()
				return "", err
			}
		}
	}
	unlock()

	if err := s.move(p, dest); err != nil {
		return "", err
	}
	s.publish(ctx, events.Event{Kind: events.Deleted, Path: p})
	return dest, nil
}

// relink rewrites [[oldTitle]] to [[newSlug]] in every note.
func (s *Service) relink(ctx context.Context, oldTitle, newSlug string) error {
	metas, err := s.store.List("")
	if err != nil {
		return fmt.Errorf("noteservice: relink: %w", err)
	}
	old := []byte("[[" + oldTitle + "]]")
	repl := []byte("[[" + newSlug + "]]")
	var errs []error
	for _, m := range metas {
		changed, err := s.rewrite(m.Path, old, repl)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			s.publish(ctx, events.Event{Kind: events.Modified, Path: m.Path})
		}
	}
	return errors.Join(errs...)
}

func (s *Service) rewrite(p string, old, repl []byte) (bool, error) {
	unlock := s.store.Lock(p)
	defer unlock()
	data, err := s.store.Read(p)
	if err != nil {
		return false, mapNotExist(err)
	}
	if !strings.Contains(string(data), string(old)) {
		return false, nil
	}
	out := strings.ReplaceAll(string(data), string(old), string(repl))
	return true, s.store.Write(p, []byte(out))
}

func (s *Service) move(src, dest string) error {
	unlock := s.store.Lock(dest)
	defer unlock()
	if s.exists(dest) {
		return fmt.Errorf("noteservice: %s: %w", dest, apperr.ErrAlreadyExists)
	}
	return mapNotExist(s.store.Move(src, dest))
}

func (s *Service) read(p string) ([]byte, error) {
	data, err := s.store.Read(p)
	if err != nil {
		return nil, mapNotExist(err)
	}
	return data, nil
}

func (s *Service) exists(p string) bool {
	_, err := s.store.Stat(p)
	return err == nil
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ctx, ev)
	}
}

// validateDir cleans dir and checks its first segment against ValidDirs.
func (s *Service) validateDir(dir string) (string, error) {
	if _, err := s.store.Abs(dir); err != nil {
		return "", err
	}
	clean := path.Clean(strings.Trim(dir, "/"))
	top, _, _ := strings.Cut(clean, "/")
	if _, ok := ValidDirs[top]; !ok {
		names := make([]string, 0, len(ValidDirs))
		for d := range ValidDirs {
			names = append(names, d)
		}
		sort.Strings(names)
		return "", fmt.Errorf("noteservice: unknown directory %q, expected one of %s: %w",
			top, strings.Join(names, ", "), apperr.ErrInvalidArgument)
	}
	return clean, nil
}

type frontMatter struct {
	Title string `yaml:"title"`
	Date  string `yaml:"date"`
}

// render builds a new note: front matter, an optional tag line, the body.
func (s *Service) render(title string, tags []string, body string) ([]byte, error) {
	fm, err := yaml.Marshal(frontMatter{Title: title, Date: s.now().Format(time.DateOnly)})
	if err != nil {
		return nil, fmt.Errorf("noteservice: front matter: %w", err)
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
			sb.WriteString("#" + t)
		}
		sb.WriteString("\n\n")
	}
	if body != "" {
		sb.WriteString(strings.TrimRight(body, "\n"))
		sb.WriteByte('\n')
	}
	return []byte(sb.String()), nil
}

func (s *Service) detail(p string, data []byte) (*NoteDetail, error) {
	res, err := parser.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("noteservice: parse %s: %w", p, err)
	}
	updated := s.now()
	if info, err := s.store.Stat(p); err == nil {
		updated = info.ModTime()
	}
	return &NoteDetail{
		Path:        p,
		Title:       res.Title,
		Content:     string(data),
		Checksum:    checksum.Sum(data),
		Tags:        nonNilSlice(res.Tags),
		Date:        res.Date,
		Frontmatter: res.Frontmatter,
		UpdatedAt:   updated,
	}, nil
}

// Slugify lowercases title, drops punctuation and joins words with dashes.
func Slugify(title string) string {
	slug := strings.ToLower(strings.TrimSpace(title))
	slug = slugDropRe.ReplaceAllString(slug, "")
	slug = slugSepRe.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-")
}

// ValidTag reports whether t (without the leading '#') is a legal tag.
func ValidTag(t string) bool { return tagRe.MatchString(t) }

func normalizeTags(tags []string) ([]string, error) {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimPrefix(strings.TrimSpace(t), "#")
		if !ValidTag(t) {
			return nil, fmt.Errorf("noteservice: invalid tag %q: %w", t, apperr.ErrInvalidArgument)
		}
		out = append(out, t)
	}
	return out, nil
}

func notePath(p string) (string, error) {
	clean := path.Clean(strings.TrimPrefix(p, "/"))
	if !strings.HasSuffix(clean, ".md") {
		return "", fmt.Errorf("noteservice: %s is not a .md note: %w", p, apperr.ErrInvalidArgument)
	}
	return clean, nil
}

func mapNotExist(err error) error {
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", apperr.ErrNotFound, err)
	}
	return err
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
