package ai

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultLocalDim matches the width of small sentence-embedding models.
const DefaultLocalDim = 384

// LocalClient is a deterministic, offline embedder based on feature hashing.
// Identifiers are split on case changes and punctuation; each token and its
// character trigrams are hashed into signed buckets and the result is
// normalised to unit length. Identical text always yields the identical
// vector.
type LocalClient struct {
	dim int
}

// NewLocalClient creates a new LocalClient
func NewLocalClient(dim int) *LocalClient {
	if dim <= 0 {
		dim = DefaultLocalDim
	}
	return &LocalClient{dim: dim}
}

// Embed implements the embedding functionality
func (c *LocalClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw := strings.TrimSpace(text)
	if raw == "" {
		return nil, errors.New("no embeddable text")
	}
	vec := make([]float64, c.dim)
	toks := tokenize(raw)
	for _, tok := range toks {
		c.add(vec, tok, 1.0)
		if len(tok) > 3 {
			for i := 0; i+3 <= len(tok); i++ {
				c.add(vec, "#"+tok[i:i+3], 0.5)
			}
		}
	}
	if len(toks) == 0 {
		// Punctuation-only text still gets a vector from its raw bytes.
		c.add(vec, "!"+raw, 1.0)
		for i := 0; i+3 <= len(raw); i++ {
			c.add(vec, "~"+raw[i:i+3], 0.25)
		}
	}

	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return nil, errors.New("no embeddable text")
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, c.dim)
	for i, v := range vec {
		out[i] = float32(v * inv)
	}
	return out, nil
}

// EmbedBatch embeds each text in order.
func (c *LocalClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := c.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dim returns the embedding dimension
func (c *LocalClient) Dim() int {
	return c.dim
}

func (c *LocalClient) add(vec []float64, feature string, weight float64) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum32()
	bucket := int(sum % uint32(c.dim))
	if sum&(1<<31) != 0 {
		weight = -weight
	}
	vec[bucket] += weight
}

// tokenize lowercases and splits text into identifier parts:
// "parseHTTPRequest_v2" -> parse, http, request, v2.
func tokenize(text string) []string {
	var out []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	runes := []rune(text)
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if unicode.IsUpper(r) && len(cur) > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return out
}
