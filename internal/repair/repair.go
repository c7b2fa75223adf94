// Package repair decodes near-JSON text produced by language models.
//
// Strict decoding is always tried first. When it fails, a Strategy rewrites
// the text and decoding is retried exactly once. The default strategy is
// lossy: it turns every apostrophe into a double quote, so string values
// containing apostrophes can be corrupted. Callers must treat the result as
// best-effort and keep the raw text for diagnosis, which ParseError does.
package repair

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/youruser/hogsim/internal/logging"
)

var log = logging.Get()

// Strategy rewrites text that failed strict decoding.
type Strategy interface {
	Repair(text string) (string, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(text string) (string, error)

func (f StrategyFunc) Repair(text string) (string, error) { return f(text) }

// Chain applies strategies in order, feeding each the previous output.
func Chain(strategies ...Strategy) Strategy {
	return StrategyFunc(func(text string) (string, error) {
		var err error
		for _, s := range strategies {
			text, err = s.Repair(text)
			if err != nil {
				return "", err
			}
		}
		return text, nil
	})
}

// bareKey matches object keys that are unquoted or single-quoted.
// Compiled with ECMAScript semantics so it behaves like the pattern the
// browser client used.
var bareKey = regexp2.MustCompile(`([{,]\s*)(['"])?([a-zA-Z0-9_]+)(['"])?\s*:`, regexp2.ECMAScript)

// QuoteKeys wraps bare or single-quoted object keys in double quotes.
var QuoteKeys = StrategyFunc(func(text string) (string, error) {
	return bareKey.Replace(text, `$1"$3":`, -1, -1)
})

// SingleToDouble replaces every single quote with a double quote.
var SingleToDouble = StrategyFunc(func(text string) (string, error) {
	return strings.ReplaceAll(text, "'", `"`), nil
})

// QuoteRepair is the default strategy: quote keys, then swap quote styles.
var QuoteRepair = Chain(QuoteKeys, SingleToDouble)

// ParseError describes text that could not be decoded even after repair.
type ParseError struct {
	Raw      string // original input, untouched
	Repaired string // output of the repair strategy, empty if repair itself failed
	Strict   error  // error from the first, strict decode
	Err      error  // error from the repair or the second decode
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("json repair failed: %v (strict: %v)", e.Err, e.Strict)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parser decodes JSON with one repair attempt.
type Parser struct {
	strategy Strategy
}

// NewParser returns a parser using the given strategy, or QuoteRepair if nil.
func NewParser(strategy Strategy) *Parser {
	if strategy == nil {
		strategy = QuoteRepair
	}
	return &Parser{strategy: strategy}
}

// Default is the parser used by SafeParse.
var Default = NewParser(nil)

// TryParse decodes text into v. On irrecoverable input it returns a
// *ParseError and v is left unspecified.
func (p *Parser) TryParse(text string, v any) error {
	strictErr := json.Unmarshal([]byte(text), v)
	if strictErr == nil {
		return nil
	}

	repaired, err := p.strategy.Repair(text)
	if err != nil {
		return &ParseError{Raw: text, Strict: strictErr, Err: err}
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return &ParseError{Raw: text, Repaired: repaired, Strict: strictErr, Err: err}
	}
	log.Debug("Repaired malformed JSON (strict error: %v)", strictErr)
	return nil
}

// SafeParse decodes text as T, returning fallback when the text cannot be
// decoded even after repair. The failure and the raw text are logged.
func SafeParse[T any](text string, fallback T) T {
	var out T
	if err := Default.TryParse(text, &out); err != nil {
		log.Error("%v Raw: %s", err, text)
		return fallback
	}
	return out
}
