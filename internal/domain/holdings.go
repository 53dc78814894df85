package domain

import (
	"github.com/shopspring/decimal"
)

// HoldingsMap maps an asset symbol to the total amount held.
// Symbols are uppercase and never purely numeric; amounts are finite.
type HoldingsMap map[string]decimal.Decimal

// Clone returns an independent copy of the map.
func (h HoldingsMap) Clone() HoldingsMap {
	if h == nil {
		return nil
	}
	out := make(HoldingsMap, len(h))
	for sym, amount := range h {
		out[sym] = amount
	}
	return out
}

// ChangeRow is one per-symbol reconciliation result.
// PctChange is nil exactly when the asset is new (old == 0, new != 0);
// consumers must rank nil above every numeric change, not coerce it to 0.
type ChangeRow struct {
	Symbol    string           `json:"symbol"`
	Old       decimal.Decimal  `json:"old"`
	New       decimal.Decimal  `json:"new"`
	Delta     decimal.Decimal  `json:"delta"`
	PctChange *decimal.Decimal `json:"pctChange"`
}

// AggregateRow is one per-symbol transfer aggregate produced by the
// secondary tick. Independent lifecycle from ChangeRow.
type AggregateRow struct {
	Symbol   string          `json:"symbol"`
	USDDelta decimal.Decimal `json:"usdDelta"`
	Samples  int             `json:"samples"`
}

// Transfer is a single normalized transfer reading.
// Direction is +1 for inbound, -1 for outbound relative to the tracked entity.
type Transfer struct {
	Symbol      string
	USD         decimal.Decimal
	Direction   int
	TimestampMs int64
}
