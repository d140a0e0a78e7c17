// Package chunking splits extracted page text into overlapping chunks
// sized in tokens, ready for embedding.
package chunking

import (
	"strings"

	"github.com/knowledge-mesh/ingest-worker/pkg/tokenizer"
)

// Chunk is one piece of split text
type Chunk struct {
	Content    string
	Index      int
	TokenCount int
	StartChar  int
	EndChar    int
}

// Splitter recursively splits text on a separator hierarchy and merges the
// pieces back into chunks of at most chunkSize length units with
// chunkOverlap units carried between consecutive chunks. The length unit is
// whatever lengthFn measures; NewTokenSplitter wires a tokenizer so sizes
// are in tokens.
type Splitter struct {
	separators   []string
	chunkSize    int
	chunkOverlap int
	lengthFn     func(string) int
}

// Config configures a Splitter
type Config struct {
	Separators   []string
	ChunkSize    int
	ChunkOverlap int
	LengthFn     func(string) int
}

// DefaultSeparators returns the separator hierarchy, coarsest first
func DefaultSeparators() []string {
	return []string{
		"\n\n\n",
		"\n\n",
		"\n",
		". ",
		"! ",
		"? ",
		"; ",
		": ",
		", ",
		" ",
		"",
	}
}

// NewSplitter creates a Splitter; zero-value config fields get defaults
func NewSplitter(cfg Config) *Splitter {
	if len(cfg.Separators) == 0 {
		cfg.Separators = DefaultSeparators()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 200
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 5
	}
	if cfg.LengthFn == nil {
		cfg.LengthFn = func(s string) int { return len(s) }
	}
	return &Splitter{
		separators:   cfg.Separators,
		chunkSize:    cfg.ChunkSize,
		chunkOverlap: cfg.ChunkOverlap,
		lengthFn:     cfg.LengthFn,
	}
}

// NewTokenSplitter creates a Splitter measuring lengths in tokens
func NewTokenSplitter(tok tokenizer.Tokenizer, chunkSize, chunkOverlap int) *Splitter {
	return NewSplitter(Config{
		ChunkSize:    chunkSize,
		ChunkOverlap: chunkOverlap,
		LengthFn:     tok.CountTokens,
	})
}

// Split chunks the text. Empty and whitespace-only input yields no chunks.
func (s *Splitter) Split(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	splits := s.splitText(text, s.separators)
	return s.mergeSplits(splits)
}

// SplitStrings is Split returning only the chunk contents
func (s *Splitter) SplitStrings(text string) []string {
	chunks := s.Split(text)
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if strings.TrimSpace(c.Content) != "" {
			out = append(out, c.Content)
		}
	}
	return out
}

func (s *Splitter) splitText(text string, separators []string) []string {
	var finalSplits []string

	separator := ""
	var remaining []string
	for i, sep := range separators {
		if sep == "" || strings.Contains(text, sep) {
			separator = sep
			remaining = separators[i+1:]
			break
		}
	}

	var splits []string
	if separator == "" {
		splits = s.splitByRunes(text)
	} else {
		splits = s.splitBySeparator(text, separator)
	}

	for _, split := range splits {
		if split == "" {
			continue
		}
		switch {
		case s.lengthFn(split) < s.chunkSize:
			finalSplits = append(finalSplits, split)
		case len(remaining) > 0:
			finalSplits = append(finalSplits, s.splitText(split, remaining)...)
		default:
			finalSplits = append(finalSplits, s.splitByRunes(split)...)
		}
	}
	return finalSplits
}

// splitBySeparator keeps the separator attached to the preceding piece so
// re-joined chunks read like the original text.
func (s *Splitter) splitBySeparator(text, separator string) []string {
	parts := strings.Split(text, separator)
	result := make([]string, 0, len(parts))
	for i, part := range parts {
		if i < len(parts)-1 {
			result = append(result, part+separator)
		} else if part != "" {
			result = append(result, part)
		}
	}
	return result
}

// splitByRunes is the last-resort split for separator-free runs. It walks
// the largest prefix whose measured length fits the chunk size, preferring
// a space boundary when one exists in the back half of the window.
func (s *Splitter) splitByRunes(text string) []string {
	var out []string
	runes := []rune(text)

	for len(runes) > 0 {
		end := s.fitPrefix(runes)
		cut := end
		for i := end - 1; i > end/2; i-- {
			if runes[i] == ' ' {
				cut = i + 1
				break
			}
		}
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	return out
}

// fitPrefix binary-searches the longest rune prefix measuring at most
// chunkSize. At least one rune always fits so progress is guaranteed.
func (s *Splitter) fitPrefix(runes []rune) int {
	if s.lengthFn(string(runes)) <= s.chunkSize {
		return len(runes)
	}
	lo, hi := 1, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if s.lengthFn(string(runes[:mid])) <= s.chunkSize {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

func (s *Splitter) mergeSplits(splits []string) []Chunk {
	if len(splits) == 0 {
		return nil
	}

	var chunks []Chunk
	var current []string
	currentLen := 0
	startChar := 0
	cursor := 0

	flush := func() {
		content := strings.Join(current, "")
		chunks = append(chunks, Chunk{
			Content:    content,
			Index:      len(chunks),
			TokenCount: s.lengthFn(content),
			StartChar:  startChar,
			EndChar:    cursor,
		})
	}

	for _, split := range splits {
		splitLen := s.lengthFn(split)
		if currentLen > 0 && currentLen+splitLen > s.chunkSize {
			flush()
			current = s.overlapTail(current)
			currentLen = 0
			for _, doc := range current {
				currentLen += s.lengthFn(doc)
			}
			startChar = cursor - currentLen
		}
		current = append(current, split)
		currentLen += splitLen
		cursor += splitLen
	}
	if len(current) > 0 {
		flush()
	}
	return chunks
}

// overlapTail returns the trailing pieces of the previous chunk that seed
// the next one, totalling at most chunkOverlap length units.
func (s *Splitter) overlapTail(docs []string) []string {
	if s.chunkOverlap == 0 || len(docs) == 0 {
		return nil
	}

	var tail []string
	tailLen := 0
	for i := len(docs) - 1; i >= 0 && tailLen < s.chunkOverlap; i-- {
		docLen := s.lengthFn(docs[i])
		if tailLen+docLen > s.chunkOverlap {
			break
		}
		tail = append([]string{docs[i]}, tail...)
		tailLen += docLen
	}
	return tail
}
