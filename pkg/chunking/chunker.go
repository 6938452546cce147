// Package chunking splits extracted document text into overlapping,
// token-bounded chunks ready for embedding.
package chunking

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/contextmesh/ragcore/pkg/models"
	"github.com/contextmesh/ragcore/pkg/tokenizer"
)

// Strategy selects a chunking algorithm
type Strategy string

const (
	StrategyFixed    Strategy = "fixed"
	StrategySemantic Strategy = "semantic"
	StrategySliding  Strategy = "sliding"
)

// Config tunes the chunkers. Token counts use the shared chars/4 estimate.
type Config struct {
	// Fixed strategy
	TargetTokens  int `mapstructure:"target_tokens"`
	OverlapTokens int `mapstructure:"overlap_tokens"`

	// Semantic strategy
	MaxTokens int `mapstructure:"max_tokens"`
	MinTokens int `mapstructure:"min_tokens"`

	// Sliding strategy
	WindowTokens int `mapstructure:"window_tokens"`
	StrideTokens int `mapstructure:"stride_tokens"`
}

// DefaultConfig returns default chunking configuration
func DefaultConfig() Config {
	return Config{
		TargetTokens:  512,
		OverlapTokens: 50,
		MaxTokens:     1024,
		MinTokens:     100,
		WindowTokens:  512,
		StrideTokens:  384,
	}
}

// Chunker splits a document's text into chunks with strictly increasing
// ordinals starting at 0 and original-position character offsets. Empty or
// whitespace-only input yields zero chunks.
type Chunker interface {
	Chunk(doc *models.Document, text string) ([]models.Chunk, error)
	Strategy() Strategy
}

// New creates a chunker for the given strategy
func New(strategy Strategy, config Config) (Chunker, error) {
	switch strategy {
	case StrategyFixed, "":
		return &FixedChunker{config: config}, nil
	case StrategySemantic:
		return &SemanticChunker{config: config}, nil
	case StrategySliding:
		return &SlidingChunker{config: config}, nil
	default:
		return nil, fmt.Errorf("%w: unknown chunking strategy %q", models.ErrInvalidInput, strategy)
	}
}

// span is a slice of the original text with its character offsets
type span struct {
	start int
	end   int // exclusive
}

func (s span) text(source string) string {
	return source[s.start:s.end]
}

// scanWords returns the offsets of whitespace-delimited words
func scanWords(text string) []span {
	var words []span
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				words = append(words, span{start: start, end: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, span{start: start, end: len(text)})
	}
	return words
}

// buildChunk materializes one chunk from a source text slice
func buildChunk(doc *models.Document, strategy Strategy, ordinal int, source string, s span) models.Chunk {
	content := s.text(source)
	return models.Chunk{
		ID:         uuid.New(),
		DocumentID: doc.ID,
		TenantID:   doc.TenantID,
		Ordinal:    ordinal,
		Content:    content,
		TokenCount: tokenizer.Estimate(content),
		StartChar:  s.start,
		EndChar:    s.end,
		Metadata: map[string]interface{}{
			"strategy":   string(strategy),
			"start_char": s.start,
			"end_char":   s.end,
		},
		CreatedAt: time.Now(),
	}
}

func isBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}
