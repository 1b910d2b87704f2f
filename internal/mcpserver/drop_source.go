package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/alaya/internal/apperr"
	"github.com/starford/alaya/internal/index"
)

const maxDropSize = 10 << 20

// dropTypes maps the media types a drop-in may declare to its file suffix.
var dropTypes = map[string]string{
	"text/plain":      ".txt",
	"text/markdown":   ".md",
	"text/html":       ".html",
	"application/pdf": ".pdf",
}

var unsafeNameRe = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

type dropResult struct {
	SavedPath string `json:"savedPath"`
	Size      int    `json:"size"`
}

// dropIn is a source waiting to be staged in the drop directory.
type dropIn struct {
	data []byte
	// suffix is the file suffix implied by the declared media type, if any.
	suffix string
	// hint is a file name suggested by the source URL.
	hint string
}

// dropSource stages a URL or data URI in the drop directory. The watcher
// ingests it from there, so nothing is indexed here.
func (s *Server) dropSource(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.fs == nil {
		return notConfigured("drop_source"), nil
	}
	src, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var in dropIn
	if strings.HasPrefix(src, "data:") {
		in, err = fromDataURI(src)
	} else {
		in, err = s.fromRemote(ctx, src)
	}
	if err != nil {
		return toolError("drop_source", err), nil
	}

	name, err := dropName(req.GetString("filename", ""), in)
	if err != nil {
		return toolError("drop_source", err), nil
	}
	if err := sniff(in.data, path.Ext(name)); err != nil {
		return toolError("drop_source", err), nil
	}

	rel := path.Join(s.dropDir, name)
	unlock := s.fs.Lock(rel)
	defer unlock()
	if _, err := s.fs.Stat(rel); err == nil {
		return toolError("drop_source", fmt.Errorf("%s: file already exists: %w", rel, apperr.ErrAlreadyExists)), nil
	}
	if err := s.fs.Write(rel, in.data); err != nil {
		return toolError("drop_source", err), nil
	}

	out, _ := json.Marshal(dropResult{SavedPath: rel, Size: len(in.data)})
	return mcp.NewToolResultText(string(out)), nil
}

// fromDataURI decodes data:<type>;base64,<payload>.
func fromDataURI(uri string) (dropIn, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return dropIn{}, fmt.Errorf("data URI has no payload: %w", apperr.ErrInvalidArgument)
	}
	mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return dropIn{}, fmt.Errorf("only base64 data URIs are accepted: %w", apperr.ErrInvalidArgument)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(payload); err != nil {
			return dropIn{}, fmt.Errorf("data URI payload: %v: %w", err, apperr.ErrInvalidArgument)
		}
	}
	if len(data) > maxDropSize {
		return dropIn{}, fmt.Errorf("source is %d bytes, max %d: %w", len(data), maxDropSize, apperr.ErrInvalidArgument)
	}

	mt, _, _ := strings.Cut(mediaType, ";")
	suffix, ok := dropTypes[mt]
	if !ok {
		return dropIn{}, fmt.Errorf("data URI type %q is not a drop-in type: %w", mt, apperr.ErrInvalidArgument)
	}
	return dropIn{data: data, suffix: suffix}, nil
}

// fromRemote downloads src through the guarded fetcher.
func (s *Server) fromRemote(ctx context.Context, src string) (dropIn, error) {
	dl, err := s.fetcher.Fetch(ctx, src)
	if err != nil {
		return dropIn{}, err
	}
	in := dropIn{data: dl.Data, suffix: dropTypes[dl.ContentType]}
	if u, err := url.Parse(src); err == nil {
		in.hint = path.Base(u.Path)
	}
	return in, nil
}

// dropName picks the stored file name: the caller's choice, then the URL's
// last segment, then a random name with the declared suffix.
func dropName(requested string, in dropIn) (string, error) {
	name := requested
	if name == "" && strings.Contains(in.hint, ".") {
		name = in.hint
	}
	if name == "" {
		name = uuid.NewString() + in.suffix
	}
	name = unsafeNameRe.ReplaceAllString(path.Base(strings.ReplaceAll(name, `\`, "/")), "_")
	if name == "" || name == "." || name == ".." {
		name = uuid.NewString() + in.suffix
	}

	ext := strings.ToLower(path.Ext(name))
	if _, ok := index.DropSuffixes[ext]; !ok {
		allowed := make([]string, 0, len(index.DropSuffixes))
		for s := range index.DropSuffixes {
			allowed = append(allowed, s)
		}
		sort.Strings(allowed)
		return "", fmt.Errorf("unsupported file extension %q (allowed: %s): %w",
			ext, strings.Join(allowed, ", "), apperr.ErrInvalidArgument)
	}
	return name, nil
}

// sniff checks that data looks like what its suffix claims. PDFs need the
// PDF signature; everything else must sniff as text.
func sniff(data []byte, ext string) error {
	detected := http.DetectContentType(data)
	mt, _, err := mime.ParseMediaType(detected)
	if err != nil {
		mt = detected
	}
	want := "text/"
	if strings.EqualFold(ext, ".pdf") {
		want = "application/pdf"
	}
	if !strings.HasPrefix(mt, want) {
		return fmt.Errorf("content does not match extension %s (detected %s): %w", ext, detected, apperr.ErrInvalidArgument)
	}
	return nil
}
