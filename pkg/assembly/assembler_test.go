package assembly

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunk(score float64, content string) RetrievedChunk {
	return RetrievedChunk{
		ChunkID:    uuid.New(),
		DocumentID: uuid.New(),
		Content:    content,
		Score:      score,
	}
}

func TestAssemble_RelevanceFloor(t *testing.T) {
	a := New(Config{RelevanceFloor: 0.7, IncludeHeaders: false})

	context, stats := a.Assemble([]RetrievedChunk{
		chunk(0.9, "kept block one"),
		chunk(0.69, "dropped block"),
		chunk(0.8, "kept block two"),
	})
	assert.Contains(t, context, "kept block one")
	assert.Contains(t, context, "kept block two")
	assert.NotContains(t, context, "dropped block")
	assert.Equal(t, 2, stats.ChunksIncluded)
	assert.Equal(t, 1, stats.ChunksBelowFloor)
	assert.InDelta(t, 0.85, stats.AvgScore, 1e-9)
}

func TestAssemble_EmptyWhenNothingSurvives(t *testing.T) {
	a := New(Config{RelevanceFloor: 0.7})

	context, stats := a.Assemble([]RetrievedChunk{chunk(0.1, "too low")})
	assert.Empty(t, context)
	assert.Equal(t, 0, stats.ChunksIncluded)
	assert.Equal(t, 1, stats.ChunksBelowFloor)
}

func TestAssemble_TokenBudgetStopsAccumulation(t *testing.T) {
	big := strings.Repeat("word ", 100) // ~125 tokens
	a := New(Config{RelevanceFloor: 0, TokenBudget: 200, IncludeHeaders: false, Separator: "\n"})

	_, stats := a.Assemble([]RetrievedChunk{
		chunk(0.9, big),
		chunk(0.8, big),
		chunk(0.7, big),
	})
	assert.Equal(t, 1, stats.ChunksIncluded)
	assert.LessOrEqual(t, stats.TokensUsed, 200)
}

func TestAssemble_AtLeastOneBlockTruncated(t *testing.T) {
	huge := strings.Repeat("alpha beta gamma ", 500)
	a := New(Config{RelevanceFloor: 0, TokenBudget: 50, IncludeHeaders: false})

	context, stats := a.Assemble([]RetrievedChunk{chunk(0.95, huge)})
	require.Equal(t, 1, stats.ChunksIncluded)
	assert.True(t, stats.Truncated)
	assert.True(t, strings.HasSuffix(context, "…"))
	// Truncation happened at a word boundary
	trimmed := strings.TrimSuffix(context, "…")
	assert.False(t, strings.HasSuffix(trimmed, " "))
	assert.LessOrEqual(t, len(context), 50*4+4)
}

func TestAssemble_MetadataHeaders(t *testing.T) {
	a := New(Config{RelevanceFloor: 0, IncludeHeaders: true})
	c := chunk(0.88, "body text")
	c.Metadata = map[string]interface{}{"title": "Refund FAQ", "type": "faq"}

	context, _ := a.Assemble([]RetrievedChunk{c})
	assert.Contains(t, context, "Source: Refund FAQ")
	assert.Contains(t, context, "Type: faq")
	assert.Contains(t, context, "Relevance: 0.88")
	assert.Contains(t, context, "body text")
}

func TestAssemble_DedupesRepeatedSentences(t *testing.T) {
	shared := "Refunds are processed within thirty business days of approval."
	a := New(Config{RelevanceFloor: 0, IncludeHeaders: false, DedupeSentences: true})

	context, stats := a.Assemble([]RetrievedChunk{
		chunk(0.9, shared+" First unique sentence with enough length here."),
		chunk(0.8, shared+" Second unique sentence with enough length too."),
	})
	assert.Equal(t, 1, strings.Count(context, "thirty business days"))
	assert.Equal(t, 1, stats.DedupedSentences)
	assert.Contains(t, context, "First unique sentence")
	assert.Contains(t, context, "Second unique sentence")
}

func TestAssemble_ShortFragmentsNeverDedupe(t *testing.T) {
	a := New(Config{RelevanceFloor: 0, IncludeHeaders: false, DedupeSentences: true})

	context, stats := a.Assemble([]RetrievedChunk{
		chunk(0.9, "Yes. The full policy follows in detail for completeness."),
		chunk(0.8, "Yes. A different elaboration follows in this block instead."),
	})
	assert.Equal(t, 2, strings.Count(context, "Yes."))
	assert.Equal(t, 0, stats.DedupedSentences)
}

func TestAssemble_EmptyInput(t *testing.T) {
	a := New(DefaultConfig())
	context, stats := a.Assemble(nil)
	assert.Empty(t, context)
	assert.Equal(t, ContextStats{}, stats)
}
