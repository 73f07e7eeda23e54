package chunking

import (
	"strings"
	"unicode"

	"github.com/satchel-app/satchel/core/errors"
)

// Chunk is one piece of a split text, ready for embedding. Offsets are
// byte positions into the original content.
type Chunk struct {
	// Index is the 0-based position of this chunk within the document.
	Index int `json:"index"`

	// Content is the chunk text, including any overlap carried from the
	// previous chunk.
	Content string `json:"content"`

	// TokenCount is the token count of Content under the active counter.
	TokenCount int `json:"token_count"`

	StartOffset int `json:"start_offset"`
	EndOffset   int `json:"end_offset"`
}

// Config controls chunk sizing. All sizes are in tokens.
type Config struct {
	// TargetSize is the preferred chunk size. Paragraphs are packed up
	// to this size before a new chunk is started.
	TargetSize int `json:"target_size" yaml:"target_size"`

	// Overlap is how many trailing tokens of a chunk are repeated at the
	// start of the next one.
	Overlap int `json:"overlap" yaml:"overlap"`

	// MinChunk is the hard minimum. A trailing fragment smaller than
	// this is merged into the previous chunk instead of standing alone.
	MinChunk int `json:"min_chunk" yaml:"min_chunk"`
}

// DefaultConfig matches the sizing used for note and memory content.
func DefaultConfig() Config {
	return Config{TargetSize: 800, Overlap: 80, MinChunk: 64}
}

func (c Config) validate() error {
	if c.TargetSize <= 0 {
		return errors.InvalidArgument("chunk target size must be positive, got %d", c.TargetSize)
	}
	if c.Overlap < 0 || c.Overlap >= c.TargetSize {
		return errors.InvalidArgument("chunk overlap %d must be in [0, target size)", c.Overlap)
	}
	if c.MinChunk < 0 {
		return errors.InvalidArgument("minimum chunk size must be non-negative, got %d", c.MinChunk)
	}
	return nil
}

// TokenCounter reports the token count of a text under a specific model
// tokenizer.
type TokenCounter interface {
	Count(text string) int
}

// Splitter divides text along paragraph boundaries first, falling back
// to sentences when a single paragraph exceeds the target size.
type Splitter struct {
	config  Config
	counter TokenCounter
}

func NewSplitter(config Config, counter TokenCounter) (*Splitter, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if counter == nil {
		counter = ApproximateCounter{}
	}
	return &Splitter{config: config, counter: counter}, nil
}

// Split divides content into overlapping chunks. Empty or whitespace-only
// content yields no chunks.
func (s *Splitter) Split(content string) ([]Chunk, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	var pieces []piece
	for _, para := range splitParagraphs(content) {
		if s.counter.Count(para.text) <= s.config.TargetSize {
			pieces = append(pieces, para)
			continue
		}
		pieces = append(pieces, splitSentences(para)...)
	}

	chunks := s.pack(pieces)
	return chunks, nil
}

// piece is a paragraph or sentence with its location in the source.
type piece struct {
	text  string
	start int
	end   int
}

// pack greedily fills chunks up to the target size, then applies overlap
// and the trailing-fragment merge.
func (s *Splitter) pack(pieces []piece) []Chunk {
	var chunks []Chunk
	var current []piece
	currentTokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		text := joinPieces(current)
		chunks = append(chunks, Chunk{
			Index:       len(chunks),
			Content:     text,
			TokenCount:  s.counter.Count(text),
			StartOffset: current[0].start,
			EndOffset:   current[len(current)-1].end,
		})
		current = nil
		currentTokens = 0
	}

	for _, p := range pieces {
		tokens := s.counter.Count(p.text)
		if currentTokens > 0 && currentTokens+tokens > s.config.TargetSize {
			flush()
		}
		current = append(current, p)
		currentTokens += tokens
	}
	flush()

	// Merge an undersized tail into its predecessor.
	if n := len(chunks); n > 1 && chunks[n-1].TokenCount < s.config.MinChunk {
		last := chunks[n-1]
		prev := &chunks[n-2]
		prev.Content = prev.Content + "\n\n" + last.Content
		prev.TokenCount = s.counter.Count(prev.Content)
		prev.EndOffset = last.EndOffset
		chunks = chunks[:n-1]
	}

	if s.config.Overlap > 0 {
		for i := 1; i < len(chunks); i++ {
			tail := tailTokens(chunks[i-1].Content, s.config.Overlap)
			if tail == "" {
				continue
			}
			chunks[i].Content = tail + "\n" + chunks[i].Content
			chunks[i].TokenCount = s.counter.Count(chunks[i].Content)
		}
	}
	return chunks
}

// SplitForModel re-segments chunks that exceed a model's token limit.
// Each oversized chunk becomes several sub-chunks sharing the original
// chunk index; the embedder mean-pools their vectors back into one.
func (s *Splitter) SplitForModel(chunks []Chunk, modelLimit int) ([][]Chunk, error) {
	if modelLimit <= 0 {
		return nil, errors.InvalidArgument("model token limit must be positive, got %d", modelLimit)
	}

	out := make([][]Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		if chunk.TokenCount <= modelLimit {
			out = append(out, []Chunk{chunk})
			continue
		}

		var subs []Chunk
		var current []piece
		currentTokens := 0
		flush := func() {
			if len(current) == 0 {
				return
			}
			text := joinPieces(current)
			subs = append(subs, Chunk{
				Index:       chunk.Index,
				Content:     text,
				TokenCount:  s.counter.Count(text),
				StartOffset: chunk.StartOffset,
				EndOffset:   chunk.EndOffset,
			})
			current = nil
			currentTokens = 0
		}
		for _, sentence := range splitSentences(piece{text: chunk.Content, start: chunk.StartOffset, end: chunk.EndOffset}) {
			tokens := s.counter.Count(sentence.text)
			if currentTokens > 0 && currentTokens+tokens > modelLimit {
				flush()
			}
			current = append(current, sentence)
			currentTokens += tokens
		}
		flush()
		if len(subs) == 0 {
			subs = []Chunk{chunk}
		}
		out = append(out, subs)
	}
	return out, nil
}

func splitParagraphs(content string) []piece {
	var pieces []piece
	offset := 0
	for _, block := range strings.Split(content, "\n\n") {
		trimmed := strings.TrimSpace(block)
		if trimmed != "" {
			start := offset + strings.Index(block, trimmed)
			pieces = append(pieces, piece{text: trimmed, start: start, end: start + len(trimmed)})
		}
		offset += len(block) + 2
	}
	return pieces
}

// splitSentences breaks a piece on sentence-ending punctuation, covering
// both Latin and CJK terminators.
func splitSentences(p piece) []piece {
	var pieces []piece
	start := 0
	runes := []rune(p.text)
	bytePos := 0
	sentenceStart := 0

	for i, r := range runes {
		bytePos += len(string(r))
		if !isSentenceEnd(r) {
			continue
		}
		// Include trailing quotes and closing brackets.
		end := i + 1
		for end < len(runes) && isTrailing(runes[end]) {
			bytePos += len(string(runes[end]))
			end++
		}
		text := strings.TrimSpace(string(runes[sentenceStart:end]))
		if text != "" {
			pieces = append(pieces, piece{text: text, start: p.start + start, end: p.start + bytePos})
		}
		sentenceStart = end
		start = bytePos
	}

	if rest := strings.TrimSpace(string(runes[sentenceStart:])); rest != "" {
		pieces = append(pieces, piece{text: rest, start: p.start + start, end: p.end})
	}
	if len(pieces) == 0 {
		pieces = append(pieces, p)
	}
	return pieces
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？', '；', ';':
		return true
	}
	return false
}

func isTrailing(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’', '）', '】', '」':
		return true
	}
	return unicode.IsSpace(r)
}

func joinPieces(pieces []piece) string {
	parts := make([]string, len(pieces))
	for i, p := range pieces {
		parts[i] = p.text
	}
	return strings.Join(parts, "\n\n")
}

// tailTokens returns roughly the last n tokens of text, cut on a word
// boundary where one exists.
func tailTokens(text string, n int) string {
	if n <= 0 {
		return ""
	}
	// A token averages about four bytes of text; close enough for overlap.
	approx := n * 4
	if len(text) <= approx {
		return text
	}
	cut := len(text) - approx
	if idx := strings.IndexAny(text[cut:], " \n"); idx >= 0 {
		cut += idx + 1
	}
	return text[cut:]
}
