// Package optimizer normalizes user queries before retrieval. It is
// pure: no I/O, no state beyond its configuration.
package optimizer

import (
	"strings"
	"unicode"
)

// Complexity buckets a query by structural complexity. Diagnostic only;
// it does not affect retrieval.
type Complexity string

const (
	ComplexitySimple      Complexity = "SIMPLE"
	ComplexityModerate    Complexity = "MODERATE"
	ComplexityComplex     Complexity = "COMPLEX"
	ComplexityVeryComplex Complexity = "VERY_COMPLEX"
)

// Options control optional optimization steps per request
type Options struct {
	ExpandAcronyms  bool
	RemoveStopwords bool
}

// Analysis is the diagnostic record produced alongside optimization
type Analysis struct {
	WordCount       int
	SentenceCount   int
	HasConjunctions bool
	Complexity      Complexity
}

// Config tunes the optimizer
type Config struct {
	// MinLen guards against degrading a query to something meaningless;
	// if the optimized form is shorter, the original is returned
	MinLen int `mapstructure:"min_len"`

	// Acronyms maps acronym to expansion; matches are case-insensitive
	// whole words
	Acronyms map[string]string `mapstructure:"acronyms"`
}

// DefaultConfig returns default optimizer configuration
func DefaultConfig() Config {
	return Config{
		MinLen: 3,
		Acronyms: map[string]string{
			"ai":  "artificial intelligence",
			"ml":  "machine learning",
			"llm": "large language model",
			"rag": "retrieval augmented generation",
			"api": "application programming interface",
			"db":  "database",
			"k8s": "kubernetes",
		},
	}
}

// stopwords is the fixed list used when remove-stopwords is enabled
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"be": {}, "been": {}, "being": {}, "do": {}, "does": {}, "did": {},
	"to": {}, "of": {}, "in": {}, "on": {}, "at": {}, "by": {}, "for": {},
	"with": {}, "about": {}, "into": {}, "i": {}, "me": {}, "my": {},
	"we": {}, "our": {}, "you": {}, "your": {}, "it": {}, "its": {},
	"this": {}, "that": {}, "these": {}, "those": {}, "there": {},
	"what": {}, "which": {}, "who": {}, "can": {}, "could": {},
	"will": {}, "would": {}, "should": {}, "please": {},
}

var conjunctions = map[string]struct{}{
	"and": {}, "or": {}, "but": {}, "because": {}, "although": {},
	"while": {}, "whereas": {}, "however": {}, "therefore": {}, "if": {},
}

// punctuation removed during normalization. Hyphens, underscores and
// periods inside tokens survive so identifiers and versions stay intact.
const strippedPunctuation = `!"#$%&'()*+,:;<=>?@[\]^{|}~` + "`"

// Optimizer rewrites queries per its configuration
type Optimizer struct {
	config Config
}

// New creates a query optimizer
func New(config Config) *Optimizer {
	if config.MinLen <= 0 {
		config.MinLen = DefaultConfig().MinLen
	}
	if config.Acronyms == nil {
		config.Acronyms = DefaultConfig().Acronyms
	}
	return &Optimizer{config: config}
}

// Optimize cleans the query and returns it with its Analysis. The
// analysis always describes the original query.
func (o *Optimizer) Optimize(query string, opts Options) (string, Analysis) {
	analysis := o.Analyze(query)

	optimized := strings.TrimSpace(query)
	optimized = collapseWhitespace(optimized)
	optimized = stripPunctuation(optimized)
	if opts.ExpandAcronyms {
		optimized = o.expandAcronyms(optimized)
	}
	if opts.RemoveStopwords {
		optimized = removeStopwords(optimized)
	}
	optimized = collapseWhitespace(strings.TrimSpace(optimized))

	if len(optimized) < o.config.MinLen {
		return strings.TrimSpace(query), analysis
	}
	return optimized, analysis
}

// Analyze computes the complexity record for a query
func (o *Optimizer) Analyze(query string) Analysis {
	words := strings.Fields(query)
	sentences := countSentences(query)
	hasConj := false
	for _, w := range words {
		if _, ok := conjunctions[strings.ToLower(strings.Trim(w, strippedPunctuation))]; ok {
			hasConj = true
			break
		}
	}

	a := Analysis{
		WordCount:       len(words),
		SentenceCount:   sentences,
		HasConjunctions: hasConj,
	}
	switch {
	case len(words) <= 5 && sentences <= 1 && !hasConj:
		a.Complexity = ComplexitySimple
	case len(words) <= 12 && sentences <= 1:
		a.Complexity = ComplexityModerate
	case len(words) <= 25 || sentences <= 2:
		a.Complexity = ComplexityComplex
	default:
		a.Complexity = ComplexityVeryComplex
	}
	return a
}

// expandAcronyms rewrites known acronyms as "expansion (ACRONYM)"
func (o *Optimizer) expandAcronyms(query string) string {
	words := strings.Fields(query)
	for i, w := range words {
		if expansion, ok := o.config.Acronyms[strings.ToLower(w)]; ok {
			words[i] = expansion + " (" + w + ")"
		}
	}
	return strings.Join(words, " ")
}

func removeStopwords(query string) string {
	words := strings.Fields(query)
	kept := words[:0]
	for _, w := range words {
		if _, ok := stopwords[strings.ToLower(w)]; !ok {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func stripPunctuation(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 128 && strings.ContainsRune(strippedPunctuation, r) {
			b.WriteByte(' ')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func countSentences(s string) int {
	count := 0
	inRun := false
	for _, r := range s {
		if r == '.' || r == '!' || r == '?' {
			if !inRun {
				count++
				inRun = true
			}
			continue
		}
		inRun = false
	}
	if count == 0 && strings.IndexFunc(s, func(r rune) bool { return !unicode.IsSpace(r) }) >= 0 {
		count = 1
	}
	return count
}
