// Package normalizer flattens the upstream balance document, whose shape is
// only partially known, into per-symbol amount maps. Field names drift between
// entities and API versions, so readings are located by probing ordered alias
// lists instead of decoding into fixed structs.
package normalizer

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/vkuzmin/entitytrack/internal/domain"
)

// symbolProbes are tried in order until one yields a non-empty string.
// Nested forms (token/asset/coin sub-objects) are probed before flat aliases
// because sources that use them also carry an id-like flat "name".
var symbolProbes = []func(map[string]any) (string, bool){
	nestedString("token", "symbol"),
	nestedString("asset", "symbol"),
	nestedString("coin", "symbol"),
	flatString("tokenSymbol"),
	flatString("asset"),
	flatString("coin"),
	flatString("symbol"),
	flatString("ticker"),
	flatString("name"),
}

// amountProbes locate the current reading of a node.
var amountProbes = []func(map[string]any) (any, bool){
	flat("amount"),
	flat("balance"),
	flat("balanceFloat"),
	flat("holding"),
	flat("qty"),
	flat("quantity"),
	nested("tokenAmount", "amount"),
	flat("balanceAmount"),
}

// priorProbes locate the source-embedded reading from 24h ago, when present.
var priorProbes = []func(map[string]any) (any, bool){
	flat("balance24hAgo"),
	flat("amount24hAgo"),
	flat("value24hAgo"),
	flat("prev"),
	flat("previous"),
	flat("tokenAmount24hAgo"),
}

func flat(key string) func(map[string]any) (any, bool) {
	return func(node map[string]any) (any, bool) {
		v, ok := node[key]
		if !ok || v == nil {
			return nil, false
		}
		return v, true
	}
}

func nested(key, sub string) func(map[string]any) (any, bool) {
	return func(node map[string]any) (any, bool) {
		inner, ok := node[key].(map[string]any)
		if !ok {
			return nil, false
		}
		return flat(sub)(inner)
	}
}

func flatString(key string) func(map[string]any) (string, bool) {
	return func(node map[string]any) (string, bool) {
		s, ok := node[key].(string)
		if !ok || s == "" {
			return "", false
		}
		return s, true
	}
}

func nestedString(key, sub string) func(map[string]any) (string, bool) {
	return func(node map[string]any) (string, bool) {
		inner, ok := node[key].(map[string]any)
		if !ok {
			return "", false
		}
		return flatString(sub)(inner)
	}
}

// ParseAmount converts a raw JSON value into a decimal amount. String values
// are cleaned of thousands separators, spaces and underscores first. The
// boolean result distinguishes invalid input from a legitimate zero.
func ParseAmount(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(x), true
	case string:
		cleaned := strings.Map(func(r rune) rune {
			switch r {
			case ',', '_', ' ':
				return -1
			}
			return r
		}, x)
		if cleaned == "" {
			return decimal.Decimal{}, false
		}
		d, err := decimal.NewFromString(cleaned)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	default:
		return decimal.Decimal{}, false
	}
}

// NormalizeSymbol uppercases and trims a raw symbol candidate.
func NormalizeSymbol(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// ValidSymbol rejects empty strings and purely numeric identifiers;
// digit-only values are ids, not tickers.
func ValidSymbol(symbol string) bool {
	if symbol == "" {
		return false
	}
	for _, r := range symbol {
		if r < '0' || r > '9' {
			return true
		}
	}
	return false
}

// Normalize walks the raw document depth-first and accumulates per-symbol
// amounts. A source may report one asset across several nested entries
// (per-chain breakdowns), so same-symbol contributions are summed. The second
// map holds source-embedded 24h-ago readings and is nil when none were found.
// Malformed input never panics; a document with no recognizable readings
// yields an empty map and the caller decides whether that is usable.
func Normalize(raw any) (domain.HoldingsMap, domain.HoldingsMap) {
	root := raw
	if top, ok := raw.(map[string]any); ok {
		switch top["balances"].(type) {
		case map[string]any, []any:
			root = top["balances"]
		}
	}

	current := make(domain.HoldingsMap)
	prior := make(domain.HoldingsMap)

	var visit func(node any)
	visit = func(node any) {
		switch n := node.(type) {
		case []any:
			for _, item := range n {
				visit(item)
			}
		case map[string]any:
			if symbol, ok := probeSymbol(n); ok {
				if amount, ok := probeAmount(n, amountProbes); ok {
					current[symbol] = current[symbol].Add(amount)
				}
				if ago, ok := probeAmount(n, priorProbes); ok {
					prior[symbol] = prior[symbol].Add(ago)
				}
			}
			// a wrapper node may still hold leaf readings below it
			for _, v := range n {
				switch v.(type) {
				case []any, map[string]any:
					visit(v)
				}
			}
		}
	}
	visit(root)

	if len(prior) == 0 {
		prior = nil
	}
	return current, prior
}

func probeSymbol(node map[string]any) (string, bool) {
	for _, probe := range symbolProbes {
		raw, ok := probe(node)
		if !ok {
			continue
		}
		symbol := NormalizeSymbol(raw)
		if ValidSymbol(symbol) {
			return symbol, true
		}
		return "", false
	}
	return "", false
}

func probeAmount(node map[string]any, probes []func(map[string]any) (any, bool)) (decimal.Decimal, bool) {
	for _, probe := range probes {
		raw, ok := probe(node)
		if !ok {
			continue
		}
		return ParseAmount(raw)
	}
	return decimal.Decimal{}, false
}
