// Package tokenizer estimates token counts for prompts and responses.
// The engine never sees real provider usage records, so estimates feed the
// budget enforcer and the session usage counters.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Estimator counts tokens in a text string.
type Estimator interface {
	EstimateTokens(text string) int
}

// Tiktoken estimates tokens with a BPE encoding, falling back to the
// character heuristic when the encoding cannot be loaded (for example when
// the embedded vocabulary is unavailable offline).
type Tiktoken struct {
	encoding string
	logger   *zap.Logger

	once     sync.Once
	enc      *tiktoken.Tiktoken
	fallback *Heuristic
}

// NewTiktoken creates a Tiktoken estimator. Empty encoding uses cl100k_base.
func NewTiktoken(encoding string, logger *zap.Logger) *Tiktoken {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tiktoken{
		encoding: encoding,
		logger:   logger.With(zap.String("component", "tokenizer")),
		fallback: NewHeuristic(),
	}
}

// EstimateTokens implements Estimator.
func (t *Tiktoken) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.logger.Warn("encoding unavailable, using heuristic estimator",
				zap.String("encoding", t.encoding),
				zap.Error(err),
			)
			return
		}
		t.enc = enc
	})

	if t.enc == nil {
		return t.fallback.EstimateTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Heuristic is a character-count-based estimator. It distinguishes CJK and
// ASCII characters for better accuracy than a naive len/4 approach.
type Heuristic struct{}

// NewHeuristic creates a heuristic estimator.
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

// EstimateTokens implements Estimator.
func (h *Heuristic) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	cjk, other := 0, 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}

	// CJK characters ~1.5 chars/token, everything else ~4 chars/token.
	estimated := int(float64(cjk)/1.5 + float64(other)/4.0)
	if estimated < 1 {
		estimated = 1
	}
	return estimated
}

// isCJK returns true if the rune is a CJK character.
func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified Ideographs
		(r >= 0x3400 && r <= 0x4DBF) || // CJK Extension A
		(r >= 0xF900 && r <= 0xFAFF) || // CJK Compatibility Ideographs
		(r >= 0x3000 && r <= 0x303F) || // CJK Symbols and Punctuation
		(r >= 0xFF00 && r <= 0xFFEF) // Halfwidth and Fullwidth Forms
}
