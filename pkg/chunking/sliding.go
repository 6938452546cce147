package chunking

import (
	"fmt"

	"github.com/contextmesh/ragcore/pkg/models"
)

// SlidingChunker emits windowTokens-wide windows advanced by strideTokens.
// A stride smaller than the window gives the same overlap behavior as the
// fixed strategy but with independent window and stride tuning.
type SlidingChunker struct {
	config Config
}

// Strategy returns the strategy name
func (c *SlidingChunker) Strategy() Strategy { return StrategySliding }

// Chunk slides a fixed window across the text
func (c *SlidingChunker) Chunk(doc *models.Document, text string) ([]models.Chunk, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: document is nil", models.ErrInvalidInput)
	}
	if isBlank(text) {
		return nil, nil
	}

	window := c.config.WindowTokens
	if window <= 0 {
		window = DefaultConfig().WindowTokens
	}
	stride := c.config.StrideTokens
	if stride <= 0 || stride > window {
		stride = window
	}

	words := scanWords(text)

	var chunks []models.Chunk
	ordinal := 0
	for i := 0; i < len(words); i += stride {
		end := i + window
		if end > len(words) {
			end = len(words)
		}
		s := span{start: words[i].start, end: words[end-1].end}
		chunks = append(chunks, buildChunk(doc, StrategySliding, ordinal, text, s))
		ordinal++
		if end == len(words) {
			break
		}
	}
	return chunks, nil
}
