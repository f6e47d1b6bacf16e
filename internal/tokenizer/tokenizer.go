// Package tokenizer loads the vocabulary file and converts between text
// and token ids. The engine core treats it purely as an interface; this
// implementation covers greedy longest-match encoding with byte fallback,
// which is sufficient for the vocab files the converter emits.
package tokenizer

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

// Vocab is the on-disk tokenizer file: a JSON document with the token
// strings in id order plus the special token ids.
type Vocab struct {
	Tokens []string `json:"tokens"`
	BosID  int      `json:"bos_id"`
	EosID  int      `json:"eos_id"`
}

// Tokenizer converts between text and token ids.
type Tokenizer struct {
	vocab     Vocab
	tokenToID map[string]int
	maxLen    int
}

// Load reads a tokenizer vocabulary file.
func Load(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open tokenizer file: %w", err)
	}
	var vocab Vocab
	if err := json.Unmarshal(data, &vocab); err != nil {
		return nil, fmt.Errorf("cannot parse tokenizer file: %w", err)
	}
	if len(vocab.Tokens) == 0 {
		return nil, fmt.Errorf("tokenizer file has no tokens")
	}
	t := &Tokenizer{
		vocab:     vocab,
		tokenToID: make(map[string]int, len(vocab.Tokens)),
	}
	for id, token := range vocab.Tokens {
		t.tokenToID[token] = id
		t.maxLen = max(t.maxLen, len(token))
	}
	return t, nil
}

func (t *Tokenizer) VocabSize() int { return len(t.vocab.Tokens) }
func (t *Tokenizer) BosID() int     { return t.vocab.BosID }
func (t *Tokenizer) EosID() int     { return t.vocab.EosID }

// Encode maps text to token ids by greedy longest match, falling back to
// single bytes for sequences outside the vocabulary.
func (t *Tokenizer) Encode(text string, addBos bool) []int {
	var ids []int
	if addBos && t.vocab.BosID >= 0 {
		ids = append(ids, t.vocab.BosID)
	}
	for i := 0; i < len(text); {
		end := min(i+t.maxLen, len(text))
		matched := false
		for j := end; j > i; j-- {
			if id, ok := t.tokenToID[text[i:j]]; ok {
				ids = append(ids, id)
				i = j
				matched = true
				break
			}
		}
		if !matched {
			if id, ok := t.tokenToID[fmt.Sprintf("<0x%02X>", text[i])]; ok {
				ids = append(ids, id)
			}
			i++
		}
	}
	return ids
}

// Decode maps one token id back to its text.
func (t *Tokenizer) Decode(id int) string {
	if id < 0 || id >= len(t.vocab.Tokens) {
		return ""
	}
	token := t.vocab.Tokens[id]
	if strings.HasPrefix(token, "<0x") && strings.HasSuffix(token, ">") && len(token) == 6 {
		var b byte
		if _, err := fmt.Sscanf(token, "<0x%02X>", &b); err == nil {
			return string([]byte{b})
		}
	}
	return token
}
