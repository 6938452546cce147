package chunking

import (
	"fmt"

	"github.com/contextmesh/ragcore/pkg/models"
)

// FixedChunker splits at targetTokens boundaries with overlapTokens of the
// previous chunk repeated at the head of the next. Words stand in for
// tokens when choosing cut points; reported token counts use the shared
// estimate.
type FixedChunker struct {
	config Config
}

// Strategy returns the strategy name
func (c *FixedChunker) Strategy() Strategy { return StrategyFixed }

// Chunk splits the text into fixed-size chunks with overlap
func (c *FixedChunker) Chunk(doc *models.Document, text string) ([]models.Chunk, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: document is nil", models.ErrInvalidInput)
	}
	if isBlank(text) {
		return nil, nil
	}

	target := c.config.TargetTokens
	if target <= 0 {
		target = DefaultConfig().TargetTokens
	}
	overlap := c.config.OverlapTokens
	if overlap < 0 || overlap >= target {
		overlap = 0
	}

	words := scanWords(text)
	step := target - overlap

	var chunks []models.Chunk
	ordinal := 0
	for i := 0; i < len(words); i += step {
		end := i + target
		if end > len(words) {
			end = len(words)
		}
		s := span{start: words[i].start, end: words[end-1].end}
		chunks = append(chunks, buildChunk(doc, StrategyFixed, ordinal, text, s))
		ordinal++
		if end == len(words) {
			break
		}
	}
	return chunks, nil
}
