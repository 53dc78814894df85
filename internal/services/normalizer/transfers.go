package normalizer

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/vkuzmin/entitytrack/internal/domain"
)

var usdProbes = []func(map[string]any) (any, bool){
	flat("usd"),
	flat("valueUSD"),
	flat("usdValue"),
	flat("fiatValue"),
}

var timeProbes = []func(map[string]any) (any, bool){
	flat("time"),
	flat("timestamp"),
	flat("blockTime"),
	flat("ts"),
}

// NormalizeTransfers extracts transfer readings from the upstream transfer
// feed. The feed is either a bare array or an envelope keyed by items,
// transfers or result. Rows whose USD value is missing or zero, or whose
// direction relative to the tracked entity cannot be established, are dropped.
func NormalizeTransfers(raw any, entity string) []domain.Transfer {
	items := transferItems(raw)
	entity = strings.ToLower(entity)

	out := make([]domain.Transfer, 0, len(items))
	for _, item := range items {
		node, ok := item.(map[string]any)
		if !ok {
			continue
		}

		symbol := NormalizeSymbol(pickTransferSymbol(node))

		usdRaw, ok := probeValue(node, usdProbes)
		if !ok {
			continue
		}
		usd, ok := ParseAmount(usdRaw)
		if !ok || usd.IsZero() {
			continue
		}

		direction := 0
		if counterpartyMatches(node, "to", entity) {
			direction = 1
		} else if counterpartyMatches(node, "from", entity) {
			direction = -1
		}
		if direction == 0 {
			continue
		}

		var tsMs int64
		if tsRaw, ok := probeValue(node, timeProbes); ok {
			tsMs = toMilliseconds(tsRaw)
		}

		out = append(out, domain.Transfer{
			Symbol:      symbol,
			USD:         usd,
			Direction:   direction,
			TimestampMs: tsMs,
		})
	}
	return out
}

func transferItems(raw any) []any {
	if arr, ok := raw.([]any); ok {
		return arr
	}
	node, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	for _, key := range []string{"items", "transfers", "result"} {
		if arr, ok := node[key].([]any); ok {
			return arr
		}
	}
	return nil
}

func pickTransferSymbol(node map[string]any) string {
	for _, probe := range []func(map[string]any) (string, bool){
		nestedString("asset", "symbol"),
		nestedString("token", "symbol"),
		flatString("symbol"),
		flatString("ticker"),
	} {
		if s, ok := probe(node); ok {
			return s
		}
	}
	return "UNKNOWN"
}

func probeValue(node map[string]any, probes []func(map[string]any) (any, bool)) (any, bool) {
	for _, probe := range probes {
		if v, ok := probe(node); ok {
			return v, true
		}
	}
	return nil, false
}

// counterpartyMatches reports whether the to/from leg of a transfer names the
// tracked entity in any of its label fields.
func counterpartyMatches(node map[string]any, side, entity string) bool {
	if entity == "" {
		return false
	}
	leg, ok := node[side].(map[string]any)
	if !ok {
		return false
	}
	for _, key := range []string{"entity", "label", "name"} {
		if label, ok := leg[key].(string); ok {
			if strings.Contains(strings.ToLower(label), entity) {
				return true
			}
		}
	}
	return false
}

// toMilliseconds coerces the mixed second/millisecond/RFC3339 timestamps the
// feed emits into unix milliseconds, returning 0 when unparseable.
func toMilliseconds(v any) int64 {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0
		}
		return numericMs(f)
	case float64:
		return numericMs(x)
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, x); err == nil {
				return t.UnixMilli()
			}
		}
		return 0
	default:
		return 0
	}
}

func numericMs(f float64) int64 {
	if f > 1e12 {
		return int64(f)
	}
	return int64(f * 1000)
}
