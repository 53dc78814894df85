package balance

import (
	"sort"

	"github.com/shopspring/decimal"
	"github.com/vkuzmin/entitytrack/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Diff reconciles the current holdings against a baseline and returns ranked
// change rows covering the union of both symbol sets. A symbol absent from
// one side counts as 0 on that side. A nil baseline means every current
// symbol is a new asset.
//
// PctChange is nil when old == 0 and new != 0 (new asset, not a numeric
// change), 0 when both are zero, and delta/old*100 otherwise.
//
// Ordering is total and stable: new assets first, then descending |pct|,
// ties broken by ascending symbol.
func Diff(current, baseline domain.HoldingsMap) []domain.ChangeRow {
	symbols := make(map[string]struct{}, len(current)+len(baseline))
	for sym := range current {
		symbols[sym] = struct{}{}
	}
	for sym := range baseline {
		symbols[sym] = struct{}{}
	}

	rows := make([]domain.ChangeRow, 0, len(symbols))
	for sym := range symbols {
		oldVal := baseline[sym]
		newVal := current[sym]
		delta := newVal.Sub(oldVal)

		var pct *decimal.Decimal
		if oldVal.IsZero() {
			if newVal.IsZero() {
				zero := decimal.Zero
				pct = &zero
			}
			// old == 0, new != 0: pct stays nil, the asset is new
		} else {
			p := delta.Div(oldVal).Mul(hundred)
			pct = &p
		}

		rows = append(rows, domain.ChangeRow{
			Symbol:    sym,
			Old:       oldVal,
			New:       newVal,
			Delta:     delta,
			PctChange: pct,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if (a.PctChange == nil) != (b.PctChange == nil) {
			return a.PctChange == nil
		}
		if a.PctChange != nil {
			if cmp := a.PctChange.Abs().Cmp(b.PctChange.Abs()); cmp != 0 {
				return cmp > 0
			}
		}
		return a.Symbol < b.Symbol
	})

	return rows
}
