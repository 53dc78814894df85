package normalizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTransfers_Direction(t *testing.T) {
	doc := parseDoc(t, `{"transfers":[
		{"symbol":"ETH","usd":"100","to":{"entity":"Wintermute"}},
		{"symbol":"BTC","usd":"50","from":{"label":"wintermute trading"}},
		{"symbol":"SOL","usd":"25","to":{"name":"someone else"}}
	]}`)

	out := NormalizeTransfers(doc, "wintermute")
	require.Len(t, out, 2)

	assert.Equal(t, "ETH", out[0].Symbol)
	assert.Equal(t, 1, out[0].Direction)
	assert.Equal(t, "100", out[0].USD.String())

	assert.Equal(t, "BTC", out[1].Symbol)
	assert.Equal(t, -1, out[1].Direction)
}

func TestNormalizeTransfers_Envelopes(t *testing.T) {
	row := `{"symbol":"ETH","valueUSD":"10","to":{"entity":"acme"}}`
	for _, raw := range []string{
		`[` + row + `]`,
		`{"items":[` + row + `]}`,
		`{"transfers":[` + row + `]}`,
		`{"result":[` + row + `]}`,
	} {
		out := NormalizeTransfers(parseDoc(t, raw), "acme")
		assert.Len(t, out, 1, raw)
	}
}

func TestNormalizeTransfers_DropsUnusableRows(t *testing.T) {
	doc := parseDoc(t, `[
		{"symbol":"A","to":{"entity":"acme"}},
		{"symbol":"B","usd":"0","to":{"entity":"acme"}},
		{"symbol":"C","usd":"junk","to":{"entity":"acme"}},
		{"symbol":"D","usd":"5"},
		"not an object"
	]`)
	out := NormalizeTransfers(doc, "acme")
	assert.Empty(t, out)
}

func TestNormalizeTransfers_EmptyEntityMatchesNothing(t *testing.T) {
	doc := parseDoc(t, `[{"symbol":"ETH","usd":"10","to":{"entity":"anyone"}}]`)
	out := NormalizeTransfers(doc, "")
	assert.Empty(t, out)
}

func TestNormalizeTransfers_SymbolFallback(t *testing.T) {
	doc := parseDoc(t, `[
		{"asset":{"symbol":"usdc"},"usd":"10","to":{"entity":"acme"}},
		{"usd":"10","to":{"entity":"acme"}}
	]`)
	out := NormalizeTransfers(parseDoc(t, `[]`), "acme")
	assert.Empty(t, out)

	out = NormalizeTransfers(doc, "acme")
	require.Len(t, out, 2)
	assert.Equal(t, "USDC", out[0].Symbol)
	assert.Equal(t, "UNKNOWN", out[1].Symbol)
}

func TestToMilliseconds(t *testing.T) {
	t.Run("seconds scaled up", func(t *testing.T) {
		assert.Equal(t, int64(1_700_000_000_000), numericMs(1_700_000_000))
	})
	t.Run("milliseconds passed through", func(t *testing.T) {
		assert.Equal(t, int64(1_700_000_000_123), numericMs(1_700_000_000_123))
	})
	t.Run("rfc3339 string", func(t *testing.T) {
		want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
		assert.Equal(t, want, toMilliseconds("2026-03-01T12:00:00Z"))
	})
	t.Run("unparseable string", func(t *testing.T) {
		assert.Zero(t, toMilliseconds("yesterday"))
	})
}

func TestNormalizeTransfers_Timestamps(t *testing.T) {
	doc := parseDoc(t, `[
		{"symbol":"ETH","usd":"10","time":1700000000,"to":{"entity":"acme"}},
		{"symbol":"BTC","usd":"10","timestamp":1700000000123,"to":{"entity":"acme"}}
	]`)
	out := NormalizeTransfers(doc, "acme")
	require.Len(t, out, 2)
	assert.Equal(t, int64(1_700_000_000_000), out[0].TimestampMs)
	assert.Equal(t, int64(1_700_000_000_123), out[1].TimestampMs)
}
