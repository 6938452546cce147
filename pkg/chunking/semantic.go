package chunking

import (
	"fmt"
	"strings"

	"github.com/contextmesh/ragcore/pkg/models"
	"github.com/contextmesh/ragcore/pkg/tokenizer"
)

// SemanticChunker keeps paragraph and sentence boundaries intact. It
// accumulates sentences until the next one would exceed maxTokens, then
// cuts. Trailing fragments below minTokens are merged into the previous
// chunk so no chunk is a lone sentence fragment.
type SemanticChunker struct {
	config Config
}

// Strategy returns the strategy name
func (c *SemanticChunker) Strategy() Strategy { return StrategySemantic }

// Chunk splits the text along paragraph and sentence boundaries
func (c *SemanticChunker) Chunk(doc *models.Document, text string) ([]models.Chunk, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: document is nil", models.ErrInvalidInput)
	}
	if isBlank(text) {
		return nil, nil
	}

	maxTokens := c.config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultConfig().MaxTokens
	}
	minTokens := c.config.MinTokens
	if minTokens < 0 || minTokens >= maxTokens {
		minTokens = 0
	}

	var units []span
	for _, p := range splitParagraphs(text) {
		units = append(units, splitSentences(text, p)...)
	}

	// Accumulate sentences into spans bounded by maxTokens. A single
	// sentence over the limit becomes its own chunk rather than being split.
	var pieces []span
	var current span
	open := false
	for _, u := range units {
		if !open {
			current = u
			open = true
			continue
		}
		merged := span{start: current.start, end: u.end}
		if tokenizer.Estimate(merged.text(text)) > maxTokens {
			pieces = append(pieces, current)
			current = u
			continue
		}
		current = merged
	}
	if open {
		pieces = append(pieces, current)
	}

	// Fold a short trailing piece into its predecessor
	if minTokens > 0 && len(pieces) > 1 {
		last := pieces[len(pieces)-1]
		if tokenizer.Estimate(last.text(text)) < minTokens {
			prev := pieces[len(pieces)-2]
			pieces = pieces[:len(pieces)-2]
			pieces = append(pieces, span{start: prev.start, end: last.end})
		}
	}

	chunks := make([]models.Chunk, 0, len(pieces))
	for i, p := range pieces {
		chunks = append(chunks, buildChunk(doc, StrategySemantic, i, text, p))
	}
	return chunks, nil
}

// splitParagraphs returns spans separated by blank lines
func splitParagraphs(text string) []span {
	var paragraphs []span
	start := 0
	for {
		idx := strings.Index(text[start:], "\n\n")
		if idx < 0 {
			break
		}
		p := trimSpan(text, span{start: start, end: start + idx})
		if p.start < p.end {
			paragraphs = append(paragraphs, p)
		}
		start += idx + 2
	}
	p := trimSpan(text, span{start: start, end: len(text)})
	if p.start < p.end {
		paragraphs = append(paragraphs, p)
	}
	return paragraphs
}

// splitSentences splits one paragraph span on sentence terminators
// followed by whitespace. The terminator stays with its sentence.
func splitSentences(text string, p span) []span {
	var sentences []span
	start := p.start
	for i := p.start; i < p.end; i++ {
		if !isSentenceEnd(text[i]) {
			continue
		}
		// Consume a run of terminators ("..." , "?!")
		end := i + 1
		for end < p.end && isSentenceEnd(text[end]) {
			end++
		}
		if end < p.end && !isWhitespace(text[end]) {
			i = end - 1
			continue
		}
		s := trimSpan(text, span{start: start, end: end})
		if s.start < s.end {
			sentences = append(sentences, s)
		}
		start = end
		i = end - 1
	}
	s := trimSpan(text, span{start: start, end: p.end})
	if s.start < s.end {
		sentences = append(sentences, s)
	}
	return sentences
}

func isSentenceEnd(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

func isWhitespace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func trimSpan(text string, s span) span {
	for s.start < s.end && isWhitespace(text[s.start]) {
		s.start++
	}
	for s.end > s.start && isWhitespace(text[s.end-1]) {
		s.end--
	}
	return s
}
