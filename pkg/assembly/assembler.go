// Package assembly selects and orders retrieved chunks into a prompt
// context under a token budget. Pure given its inputs; no I/O.
package assembly

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/contextmesh/ragcore/pkg/tokenizer"
)

// RetrievedChunk is one scored chunk entering assembly. Input order is
// expected to be score-descending.
type RetrievedChunk struct {
	ChunkID    uuid.UUID
	DocumentID uuid.UUID
	Content    string
	Score      float64
	Metadata   map[string]interface{}
}

// ContextStats accounts for what assembly kept and dropped
type ContextStats struct {
	ChunksIn         int
	ChunksBelowFloor int
	ChunksIncluded   int
	TokensUsed       int
	Truncated        bool
	DedupedSentences int
	AvgScore         float64
}

// Config tunes the assembler
type Config struct {
	TokenBudget     int     `mapstructure:"token_budget"`
	RelevanceFloor  float64 `mapstructure:"relevance_floor"`
	Separator       string  `mapstructure:"separator"`
	IncludeHeaders  bool    `mapstructure:"include_headers"`
	DedupeSentences bool    `mapstructure:"dedupe_sentences"`
}

// DefaultConfig returns default assembler configuration
func DefaultConfig() Config {
	return Config{
		TokenBudget:     4000,
		RelevanceFloor:  0.7,
		Separator:       "\n\n---\n\n",
		IncludeHeaders:  true,
		DedupeSentences: true,
	}
}

// Assembler builds prompt context from retrieved chunks
type Assembler struct {
	config Config
}

// New creates a context assembler
func New(config Config) *Assembler {
	defaults := DefaultConfig()
	if config.TokenBudget <= 0 {
		config.TokenBudget = defaults.TokenBudget
	}
	if config.Separator == "" {
		config.Separator = defaults.Separator
	}
	return &Assembler{config: config}
}

// Assemble selects chunks under the budget and concatenates them.
// At least one block is always included when anything survives the
// floor; an oversized first block is truncated at a word boundary.
func (a *Assembler) Assemble(chunks []RetrievedChunk) (string, ContextStats) {
	stats := ContextStats{ChunksIn: len(chunks)}

	var blocks []string
	var scoreSum float64
	for _, chunk := range chunks {
		if chunk.Score < a.config.RelevanceFloor {
			stats.ChunksBelowFloor++
			continue
		}

		block := chunk.Content
		if a.config.IncludeHeaders {
			block = a.header(chunk) + block
		}

		cost := tokenizer.Estimate(block) + tokenizer.Estimate(a.config.Separator)
		if stats.ChunksIncluded > 0 && stats.TokensUsed+cost > a.config.TokenBudget {
			continue
		}
		if stats.ChunksIncluded == 0 && cost > a.config.TokenBudget {
			block = truncateAtWord(block, a.config.TokenBudget*4)
			cost = tokenizer.Estimate(block)
			stats.Truncated = true
		}

		blocks = append(blocks, block)
		stats.ChunksIncluded++
		stats.TokensUsed += cost
		scoreSum += chunk.Score
	}

	if stats.ChunksIncluded > 0 {
		stats.AvgScore = scoreSum / float64(stats.ChunksIncluded)
	}
	if a.config.DedupeSentences && len(blocks) > 1 {
		blocks = dedupeSentences(blocks, &stats)
	}

	return strings.Join(blocks, a.config.Separator), stats
}

// header renders the metadata line above a block
func (a *Assembler) header(chunk RetrievedChunk) string {
	var parts []string
	if title, ok := chunk.Metadata["title"].(string); ok && title != "" {
		parts = append(parts, "Source: "+title)
	}
	if docType, ok := chunk.Metadata["type"].(string); ok && docType != "" {
		parts = append(parts, "Type: "+docType)
	}
	parts = append(parts, fmt.Sprintf("Relevance: %.2f", chunk.Score))
	return "[" + strings.Join(parts, " | ") + "]\n"
}

// truncateAtWord cuts text to at most maxChars at a word boundary and
// appends an ellipsis
func truncateAtWord(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}
	if maxChars <= 0 {
		return "…"
	}
	cut := strings.LastIndexFunc(text[:maxChars], func(r rune) bool {
		return r == ' ' || r == '\n' || r == '\t'
	})
	if cut <= 0 {
		cut = maxChars
	}
	return strings.TrimRight(text[:cut], " \n\t") + "…"
}

// dedupeSentences removes sentences already seen in an earlier block
func dedupeSentences(blocks []string, stats *ContextStats) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(blocks))
	for _, block := range blocks {
		var kept []string
		for _, sentence := range splitSentences(block) {
			key := normalizeSentence(sentence)
			if key == "" {
				kept = append(kept, sentence)
				continue
			}
			if _, dup := seen[key]; dup {
				stats.DedupedSentences++
				continue
			}
			seen[key] = struct{}{}
			kept = append(kept, sentence)
		}
		out = append(out, strings.TrimSpace(strings.Join(kept, " ")))
	}
	return out
}

// splitSentences is a light terminator-based splitter; exact boundaries
// matter less than stable keys for the dedup pass
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '.' || text[i] == '!' || text[i] == '?' {
			sentences = append(sentences, strings.TrimSpace(text[start:i+1]))
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

// normalizeSentence builds the dedup key. Very short fragments never
// dedupe; headers and punctuation-only lines pass through.
func normalizeSentence(sentence string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(sentence), " "))
	if len(normalized) < 20 {
		return ""
	}
	return normalized
}
