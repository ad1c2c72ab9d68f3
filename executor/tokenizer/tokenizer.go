// Package tokenizer turns prompts into token ids and search sequences back
// into text.
package tokenizer

import (
	"fmt"
	"strings"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

const (
	ModeBPE  = "bpe"
	ModeChar = "char"

	endOfText = "<|endoftext|>"
)

type Config struct {
	Mode string `yaml:"mode"`
	// Encoding names the tiktoken encoding for bpe mode.
	Encoding string `yaml:"encoding"`
	// Vocab lists the characters of the char vocabulary in id order.
	Vocab string `yaml:"vocab"`
}

func DefaultConfig() Config {
	return Config{Mode: ModeBPE, Encoding: "cl100k_base"}
}

// Tokenizer encodes and decodes token ids. EOS is the id that ends a completion.
type Tokenizer interface {
	Encode(text string) []int32
	Decode(tokens []int32) string
	EOS() int32
	VocabSize() int
}

// New builds the tokenizer selected by cfg.Mode.
func New(cfg Config) (Tokenizer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case ModeBPE, "":
		return NewBPE(cfg.Encoding)
	case ModeChar:
		return NewChar(cfg.Vocab)
	}
	return nil, fmt.Errorf("unknown tokenizer mode %q", cfg.Mode)
}

// BPE wraps a tiktoken encoding.
type BPE struct {
	enc *tiktoken.Tiktoken
	eos int32
}

func NewBPE(encoding string) (*BPE, error) {
	encName := strings.TrimSpace(encoding)
	if encName == "" {
		encName = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encName)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encName, err)
	}
	eos := enc.Encode(endOfText, []string{endOfText}, nil)
	if len(eos) != 1 {
		return nil, fmt.Errorf("encoding %s has no %s token", encName, endOfText)
	}
	return &BPE{enc: enc, eos: int32(eos[0])}, nil
}

func (b *BPE) Encode(text string) []int32 {
	return toInt32(b.enc.EncodeOrdinary(text))
}

// Decode drops negative ids, which the search uses as padding.
func (b *BPE) Decode(tokens []int32) string {
	raw := make([]int, 0, len(tokens))
	for _, t := range tokens {
		if t >= 0 {
			raw = append(raw, int(t))
		}
	}
	return b.enc.Decode(raw)
}

func (b *BPE) EOS() int32 { return b.eos }

func (b *BPE) VocabSize() int { return int(b.eos) + 1 }

// Char maps each rune of a fixed vocabulary to its index. The id after the
// last rune is EOS.
type Char struct {
	charToID map[rune]int32
	idToChar []rune
}

func NewChar(vocab string) (*Char, error) {
	runes := []rune(vocab)
	if len(runes) == 0 {
		return nil, fmt.Errorf("char tokenizer needs a non-empty vocab")
	}
	c := &Char{charToID: make(map[rune]int32, len(runes)), idToChar: runes}
	for i, r := range runes {
		if _, dup := c.charToID[r]; dup {
			return nil, fmt.Errorf("duplicate vocab rune %q", r)
		}
		c.charToID[r] = int32(i)
	}
	return c, nil
}

// Encode drops characters outside the vocabulary.
func (c *Char) Encode(text string) []int32 {
	out := make([]int32, 0, len(text))
	for _, r := range text {
		if id, ok := c.charToID[r]; ok {
			out = append(out, id)
		}
	}
	return out
}

func (c *Char) Decode(tokens []int32) string {
	var sb strings.Builder
	for _, t := range tokens {
		if t >= 0 && int(t) < len(c.idToChar) {
			sb.WriteRune(c.idToChar[t])
		}
	}
	return sb.String()
}

func (c *Char) EOS() int32 { return int32(len(c.idToChar)) }

func (c *Char) VocabSize() int { return len(c.idToChar) + 1 }

func toInt32(ids []int) []int32 {
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id)
	}
	return out
}
