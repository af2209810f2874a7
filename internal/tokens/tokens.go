// Package tokens counts tokens for usage accounting. Counts are telemetry,
// not control flow: callers log counting failures and carry on with zero.
package tokens

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// ErrUnsupportedModel is returned when no counting rule exists for a model
// tag. The conversation continues; only the accounting degrades.
var ErrUnsupportedModel = errors.New("tokens: unsupported model")

// Counter returns the token count of text under the given model's tokenizer.
// Implementations must be deterministic so usage accounting is auditable.
type Counter interface {
	Count(model, text string) (int, error)
}

// TiktokenCounter counts with the model's exact BPE encoding. Encodings are
// cached after first use; loading one is not cheap.
type TiktokenCounter struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

func (c *TiktokenCounter) Count(model, text string) (int, error) {
	enc, err := c.encodingFor(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

func (c *TiktokenCounter) encodingFor(model string) (*tiktoken.Tiktoken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encodings[model]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedModel, model, err)
	}
	c.encodings[model] = enc
	return enc, nil
}

// HeuristicCounter estimates ~4 characters per token. Good enough for
// threshold comparisons against models without a known encoding; not
// billing-accurate.
type HeuristicCounter struct {
	CharsPerToken int // defaults to 4 if zero
}

func (c *HeuristicCounter) Count(model, text string) (int, error) {
	if len(text) == 0 {
		return 0, nil
	}
	ratio := c.CharsPerToken
	if ratio <= 0 {
		ratio = 4
	}
	return (len(text) + ratio - 1) / ratio, nil
}
