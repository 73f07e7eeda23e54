package chunking

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenCounter counts tokens with the cl100k_base BPE used by the
// OpenAI embedding models. Encoding setup is deferred and cached; if the
// encoding cannot be loaded the counter falls back to an approximation
// so splitting never fails outright.
type TiktokenCounter struct {
	once     sync.Once
	encoding *tiktoken.Tiktoken
}

func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{}
}

func (c *TiktokenCounter) Count(text string) int {
	c.once.Do(func() {
		if enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE); err == nil {
			c.encoding = enc
		}
	})
	if c.encoding == nil {
		return ApproximateCounter{}.Count(text)
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// ApproximateCounter estimates tokens without a tokenizer: one per CJK
// rune, one per four bytes otherwise. Used in tests and as a fallback.
type ApproximateCounter struct{}

func (ApproximateCounter) Count(text string) int {
	cjk := 0
	other := 0
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
		} else {
			other += utf8.RuneLen(r)
		}
	}
	count := cjk + (other+3)/4
	if count == 0 && text != "" {
		return 1
	}
	return count
}
