package embed

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// openAIBatchSize bounds the inputs sent in one embeddings request.
const openAIBatchSize = 64

// OpenAIOptions configures the OpenAI-compatible HTTP backend. Pointing
// BaseURL at Ollama (http://localhost:11434/v1) or LM Studio works the same way.
type OpenAIOptions struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

// OpenAIBackend calls an OpenAI-compatible /embeddings endpoint.
type OpenAIBackend struct {
	client openai.Client
	model  string
}

// NewOpenAIBackend creates a backend for the given model name.
func NewOpenAIBackend(model string, opts OpenAIOptions) *OpenAIBackend {
	reqOpts := []option.RequestOption{option.WithMaxRetries(opts.MaxRetries)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	} else {
		// Local servers ignore the key but the client insists on one.
		reqOpts = append(reqOpts, option.WithAPIKey("unused"))
	}
	if opts.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(opts.Timeout))
	}
	return &OpenAIBackend{
		client: openai.NewClient(reqOpts...),
		model:  model,
	}
}

// Embed returns one vector per text, in input order.
func (b *OpenAIBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += openAIBatchSize {
		end := min(start+openAIBatchSize, len(texts))
		batch := texts[start:end]

		resp, err := b.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: batch},
			Model:          openai.EmbeddingModel(b.model),
			EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
		})
		if err != nil {
			return nil, fmt.Errorf("embed: openai request: %w", err)
		}
		if len(resp.Data) != len(batch) {
			return nil, fmt.Errorf("embed: openai returned %d vectors for %d inputs", len(resp.Data), len(batch))
		}

		vecs := make([][]float32, len(batch))
		for _, d := range resp.Data {
			if d.Index < 0 || int(d.Index) >= len(batch) {
				return nil, fmt.Errorf("embed: openai returned out-of-range index %d", d.Index)
			}
			v := make([]float32, len(d.Embedding))
			for i, x := range d.Embedding {
				v[i] = float32(x)
			}
			vecs[d.Index] = v
		}
		out = append(out, vecs...)
	}
	return out, nil
}
