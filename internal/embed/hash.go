package embed

import (
	"context"
	"hash/fnv"
	"regexp"
	"strings"
	"unicode"
)

const (
	hashTokenWeight = 0.7
	hashNgramWeight = 0.3
	hashNgramSize   = 3
)

var hashTokenRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

var hashStopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "that": true, "the": true,
	"this": true, "to": true, "was": true, "with": true,
}

// HashBackend is a local, dependency-free embedder: lowercase word tokens and
// character trigrams are hashed into a fixed number of buckets. It needs no
// network or model download and is deterministic, at reduced semantic quality.
type HashBackend struct {
	dims int
}

// NewHashBackend returns a hashing backend producing dims-sized vectors.
func NewHashBackend(dims int) *HashBackend {
	return &HashBackend{dims: dims}
}

// Embed returns one raw (unnormalised) vector per text. Blank text maps to
// the zero vector.
func (h *HashBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *HashBackend) vector(text string) []float32 {
	v := make([]float32, h.dims)
	for _, tok := range hashTokenRe.FindAllString(strings.ToLower(text), -1) {
		if hashStopWords[tok] {
			continue
		}
		v[h.bucket(tok)] += hashTokenWeight
		for _, g := range trigrams(tok) {
			v[h.bucket("#"+g)] += hashNgramWeight
		}
	}
	return v
}

func (h *HashBackend) bucket(s string) int {
	f := fnv.New32a()
	_, _ = f.Write([]byte(s))
	return int(f.Sum32() % uint32(h.dims))
}

func trigrams(word string) []string {
	runes := make([]rune, 0, len(word))
	for _, r := range word {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			runes = append(runes, r)
		}
	}
	if len(runes) < hashNgramSize {
		return nil
	}
	out := make([]string, 0, len(runes)-hashNgramSize+1)
	for i := 0; i+hashNgramSize <= len(runes); i++ {
		out = append(out, string(runes[i:i+hashNgramSize]))
	}
	return out
}
